package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/questhub-engine/internal/domain"
)

// Ranking is a process-local XP ranking
type Ranking struct {
	mu     sync.RWMutex
	totals map[string]int64
}

// NewRanking creates an empty ranking
func NewRanking() *Ranking {
	return &Ranking{totals: make(map[string]int64)}
}

// SetTotal records a participant's current total.
func (r *Ranking) SetTotal(_ context.Context, participantID string, total int64) error {
	r.mu.Lock()
	r.totals[participantID] = total
	r.mu.Unlock()
	return nil
}

// BatchSetTotals records many totals at once.
func (r *Ranking) BatchSetTotals(_ context.Context, totals map[string]int64) error {
	r.mu.Lock()
	for id, total := range totals {
		r.totals[id] = total
	}
	r.mu.Unlock()
	return nil
}

func (r *Ranking) sorted() []domain.RankEntry {
	entries := make([]domain.RankEntry, 0, len(r.totals))
	for id, total := range r.totals {
		entries = append(entries, domain.RankEntry{ParticipantID: id, TotalXP: total})
	}
	// ties break on id, descending, matching ZREVRANGE
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalXP != entries[j].TotalXP {
			return entries[i].TotalXP > entries[j].TotalXP
		}
		return entries[i].ParticipantID > entries[j].ParticipantID
	})
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries
}

// Top returns the n highest totals.
func (r *Ranking) Top(_ context.Context, n int) ([]domain.RankEntry, error) {
	r.mu.RLock()
	entries := r.sorted()
	r.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n < len(entries) {
		entries = entries[:n]
	}
	return entries, nil
}

// Rank returns one participant's position.
func (r *Ranking) Rank(_ context.Context, participantID string) (*domain.RankEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.totals[participantID]; !ok {
		return nil, domain.ErrParticipantNotFound
	}
	for _, e := range r.sorted() {
		if e.ParticipantID == participantID {
			return &e, nil
		}
	}
	return nil, domain.ErrParticipantNotFound
}
