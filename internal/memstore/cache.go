package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/questhub-engine/internal/domain"
)

type cacheItem struct {
	entry     domain.CacheEntry
	expiresAt time.Time
}

// Cache is a process-local verification cache
type Cache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	now   func() time.Time
}

// NewCache creates an empty process-local cache
func NewCache() *Cache {
	return &Cache{items: make(map[string]cacheItem), now: time.Now}
}

func cacheKey(participantID, taskID, claimType string) string {
	return participantID + "|" + taskID + "|" + claimType
}

// Get implements verify.Cache.
func (c *Cache) Get(_ context.Context, participantID, taskID, claimType string) (domain.CacheEntry, bool, error) {
	key := cacheKey(participantID, taskID, claimType)
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	if !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		// Another writer may have refreshed it while unlocked.
		if cur, ok := c.items[key]; ok && !c.now().Before(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return domain.CacheEntry{}, false, nil
	}
	return item.entry, true, nil
}

// Put implements verify.Cache.
func (c *Cache) Put(_ context.Context, participantID, taskID, claimType string, entry domain.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.items[cacheKey(participantID, taskID, claimType)] = cacheItem{entry: entry, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}
