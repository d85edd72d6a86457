// Package xp is the participant XP ledger. Awards are idempotent by key and
// the level is always derived from the total, never stored on its own.
package xp

import (
	"sort"

	"github.com/questhub-engine/internal/config"
)

// LevelTable maps a total XP to a level
type LevelTable struct {
	perLevel   int64
	thresholds []int64
}

// NewLevelTable builds the table from config. Thresholds, when present, list
// the total needed to reach level 2, 3, and so on; otherwise every perLevel
// XP is one level.
func NewLevelTable(cfg *config.XPConfig) *LevelTable {
	t := &LevelTable{perLevel: cfg.PerLevel}
	if t.perLevel <= 0 {
		t.perLevel = 100
	}
	if len(cfg.Thresholds) > 0 {
		t.thresholds = append([]int64(nil), cfg.Thresholds...)
	}
	return t
}

// Level returns the level for total. Level 1 starts at 0 XP.
func (t *LevelTable) Level(total int64) int {
	if total < 0 {
		total = 0
	}
	if t.thresholds != nil {
		// number of thresholds <= total
		return 1 + sort.Search(len(t.thresholds), func(i int) bool { return t.thresholds[i] > total })
	}
	return int(total/t.perLevel) + 1
}
