// Package worker runs the background reconciliation that repairs what a
// crash or an outage can leave behind: Verified submissions whose XP never
// reached the ledger, Pending rows whose attempt never finished, expired
// OAuth states and a stale ranking read model.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
)

// Store lists the rows that need repair
type Store interface {
	ListUnawardedVerified(ctx context.Context, limit int) ([]domain.TaskSubmission, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.TaskSubmission, error)
	ListTotals(ctx context.Context) (map[string]int64, error)
}

// Settler finishes interrupted verifications
type Settler interface {
	AwardPending(ctx context.Context, sub *domain.TaskSubmission) (int64, error)
	ExpirePending(ctx context.Context, sub *domain.TaskSubmission) (bool, error)
}

// StatePurger drops expired OAuth states
type StatePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// RankingLoader bulk-loads the ranking read model
type RankingLoader interface {
	BatchSetTotals(ctx context.Context, totals map[string]int64) error
}

// Report summarises one reconciliation cycle
type Report struct {
	Awarded      int   `json:"awarded"`
	Expired      int   `json:"expired"`
	PurgedStates int64 `json:"purged_states"`
	Errors       int   `json:"errors"`
}

// Reconciler periodically repairs interrupted verifications
type Reconciler struct {
	store      Store
	settler    Settler
	states     StatePurger
	ranking    RankingLoader
	config     *config.ReconcileConfig
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

// NewReconciler creates a new reconciler. states and ranking may be nil.
func NewReconciler(
	store Store,
	settler Settler,
	states StatePurger,
	ranking RankingLoader,
	cfg *config.ReconcileConfig,
	staleAfter time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:      store,
		settler:    settler,
		states:     states,
		ranking:    ranking,
		config:     cfg,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Start schedules the reconciliation cycle. A cycle that overruns the
// interval delays the next one instead of overlapping it.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.config.Interval),
		gocron.NewTask(func() { r.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("reconcile"),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("scheduling reconcile job: %w", err)
	}
	s.Start()
	r.scheduler = s

	r.logger.Info("reconciler started", "interval", r.config.Interval)
	return nil
}

// Stop waits for a running cycle and stops the scheduler
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	s := r.scheduler
	r.scheduler = nil
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}
	r.logger.Info("reconciler stopped")
	return nil
}

// IsRunning returns whether the reconciler is scheduled
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduler != nil
}

// RunOnce runs a single reconciliation cycle
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	startTime := time.Now()
	var report Report

	r.awardVerified(ctx, &report)
	r.expirePending(ctx, &report)

	if r.states != nil {
		purged, err := r.states.PurgeExpired(ctx)
		if err != nil {
			r.logger.Error("failed to purge oauth states", "error", err)
			report.Errors++
		}
		report.PurgedStates = purged
	}

	r.logger.Info("reconcile cycle completed",
		"duration", time.Since(startTime),
		"awarded", report.Awarded,
		"expired", report.Expired,
		"purged_states", report.PurgedStates,
		"errors", report.Errors,
	)
	return report
}

func (r *Reconciler) awardVerified(ctx context.Context, report *Report) {
	subs, err := r.store.ListUnawardedVerified(ctx, r.batchSize())
	if err != nil {
		r.logger.Error("failed to list unawarded submissions", "error", err)
		report.Errors++
		return
	}
	for i := range subs {
		sub := &subs[i]
		total, err := r.settler.AwardPending(ctx, sub)
		if err != nil {
			r.logger.Error("failed to award verified submission",
				"submission_id", sub.ID,
				"participant_id", sub.ParticipantID,
				"error", err,
			)
			report.Errors++
			continue
		}
		report.Awarded++
		r.logger.Info("reconciled missing award",
			"submission_id", sub.ID,
			"participant_id", sub.ParticipantID,
			"xp", sub.XPEarned,
			"total_xp", total,
		)
	}
}

func (r *Reconciler) expirePending(ctx context.Context, report *Report) {
	before := r.now().Add(-r.staleAfter)
	subs, err := r.store.ListStalePending(ctx, before, r.batchSize())
	if err != nil {
		r.logger.Error("failed to list stale submissions", "error", err)
		report.Errors++
		return
	}
	for i := range subs {
		sub := &subs[i]
		expired, err := r.settler.ExpirePending(ctx, sub)
		if err != nil {
			r.logger.Error("failed to expire pending submission", "submission_id", sub.ID, "error", err)
			report.Errors++
			continue
		}
		if expired {
			report.Expired++
			r.logger.Warn("expired stale pending submission",
				"submission_id", sub.ID,
				"participant_id", sub.ParticipantID,
				"task_id", sub.TaskID,
			)
		}
	}
}

// RebuildRanking reloads the ranking read model from the durable totals.
// This is useful after a cache flush or on first start.
func (r *Reconciler) RebuildRanking(ctx context.Context) error {
	if r.ranking == nil {
		return nil
	}
	totals, err := r.store.ListTotals(ctx)
	if err != nil {
		return fmt.Errorf("listing totals: %w", err)
	}

	batchSize := r.batchSize()
	batch := make(map[string]int64, batchSize)
	for id, total := range totals {
		batch[id] = total
		if len(batch) >= batchSize {
			if err := r.ranking.BatchSetTotals(ctx, batch); err != nil {
				return err
			}
			batch = make(map[string]int64, batchSize)
		}
	}
	if len(batch) > 0 {
		if err := r.ranking.BatchSetTotals(ctx, batch); err != nil {
			return err
		}
	}

	r.logger.Info("rebuilt ranking from ledger", "participant_count", len(totals))
	return nil
}

func (r *Reconciler) batchSize() int {
	if r.config.BatchSize <= 0 {
		return 100
	}
	return r.config.BatchSize
}
