package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/memstore"
	"github.com/questhub-engine/internal/oauth"
	"github.com/questhub-engine/internal/platform"
	"github.com/questhub-engine/internal/verify"
	"github.com/questhub-engine/internal/xp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopNotifier struct{}

func (nopNotifier) Notify(domain.Event) {}

type fixture struct {
	store      *memstore.Store
	ranking    *memstore.Ranking
	engine     *verify.Engine
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	ranking := memstore.NewRanking()
	ledger := xp.NewLedger(store, xp.NewLevelTable(&config.XPConfig{PerLevel: 100}), nopNotifier{}, logger)
	vcfg := &config.VerificationConfig{MaxAttempts: 3, PositiveTTL: time.Minute, NegativeTTL: time.Minute, ManualFallback: config.FallbackAccept}
	engine := verify.NewEngine(store, store, platform.NewRegistry(), memstore.NewCache(), ledger, nopNotifier{}, vcfg, logger)
	states := oauth.NewStateManager(store, time.Minute, logger)

	r := NewReconciler(store, engine, states, ranking,
		&config.ReconcileConfig{Interval: 20 * time.Millisecond, BatchSize: 2},
		time.Minute, logger)

	ctx := context.Background()
	for _, id := range []string{"p-1", "p-2"} {
		_, _, err := store.CreateParticipantWithIdentity(ctx,
			&domain.Participant{ID: id, Role: domain.RoleParticipant},
			&domain.LinkedIdentity{Platform: domain.PlatformEmail, ExternalID: id + "@example.com"})
		require.NoError(t, err)
	}
	require.NoError(t, store.UpsertTask(ctx, &domain.Task{ID: "visit", Type: domain.TaskVisit, XPReward: 5}))
	require.NoError(t, store.UpsertTask(ctx, &domain.Task{ID: "manual", Type: domain.TaskManual, XPReward: 40}))

	return &fixture{store: store, ranking: ranking, engine: engine, reconciler: r}
}

// verifiedWithoutAward leaves the row a crash between settle and award would.
func (f *fixture) verifiedWithoutAward(t *testing.T, participantID, taskID string, xpEarned int64) *domain.TaskSubmission {
	t.Helper()
	ctx := context.Background()
	sub, _, err := f.store.CreatePendingSubmission(ctx, &domain.TaskSubmission{ParticipantID: participantID, TaskID: taskID})
	require.NoError(t, err)
	sub, err = f.store.TransitionSubmission(ctx, sub.ID, domain.Transition{
		From:     []domain.SubmissionStatus{domain.StatusPending},
		To:       domain.StatusVerified,
		Method:   domain.MethodSelfReport,
		XPEarned: xpEarned,
		At:       time.Now(),
	})
	require.NoError(t, err)
	return sub
}

func (f *fixture) total(t *testing.T, participantID string) int64 {
	t.Helper()
	p, err := f.store.GetParticipant(context.Background(), participantID)
	require.NoError(t, err)
	return p.TotalXP
}

func TestRunOnce_AwardsMissingXPOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedWithoutAward(t, "p-1", "visit", 5)

	report := f.reconciler.RunOnce(ctx)
	assert.Equal(t, 1, report.Awarded)
	assert.Equal(t, 0, report.Errors)
	assert.Equal(t, int64(5), f.total(t, "p-1"))

	report = f.reconciler.RunOnce(ctx)
	assert.Equal(t, 0, report.Awarded)
	assert.Equal(t, int64(5), f.total(t, "p-1"))
}

func TestRunOnce_SkipsRevokedSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.verifiedWithoutAward(t, "p-1", "visit", 5)
	_, err := f.store.RevokeSubmissionXP(ctx, &domain.XPRevocation{ID: "r-1", SubmissionID: sub.ID, Reason: "fraud", ActorID: "admin", CreatedAt: time.Now()})
	require.NoError(t, err)

	report := f.reconciler.RunOnce(ctx)
	assert.Equal(t, 0, report.Awarded)
	assert.Equal(t, int64(0), f.total(t, "p-1"))
}

func TestRunOnce_ExpiresStalePendingButNotReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	stuck, _, err := f.store.CreatePendingSubmission(ctx, &domain.TaskSubmission{
		ParticipantID: "p-1", TaskID: "visit", CreatedAt: old, UpdatedAt: old,
	})
	require.NoError(t, err)
	review, _, err := f.store.CreatePendingSubmission(ctx, &domain.TaskSubmission{
		ParticipantID: "p-2", TaskID: "manual", Method: domain.MethodManualReview, CreatedAt: old, UpdatedAt: old,
	})
	require.NoError(t, err)
	fresh, _, err := f.store.CreatePendingSubmission(ctx, &domain.TaskSubmission{
		ParticipantID: "p-2", TaskID: "visit", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	report := f.reconciler.RunOnce(ctx)
	assert.Equal(t, 1, report.Expired)

	got, err := f.store.GetSubmissionByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ReasonStale, got.RejectReason)

	for _, id := range []string{review.ID, fresh.ID} {
		got, err := f.store.GetSubmissionByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
	}
}

func TestRunOnce_PurgesExpiredStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.ReplaceState(ctx, &domain.OAuthState{
		Token: "old", ParticipantID: "p-1", Platform: domain.PlatformTwitter, ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, f.store.ReplaceState(ctx, &domain.OAuthState{
		Token: "live", ParticipantID: "p-2", Platform: domain.PlatformTwitter, ExpiresAt: time.Now().Add(time.Minute),
	}))

	report := f.reconciler.RunOnce(ctx)
	assert.Equal(t, int64(1), report.PurgedStates)
}

type failingStore struct{ Store }

func (failingStore) ListUnawardedVerified(context.Context, int) ([]domain.TaskSubmission, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) ListStalePending(context.Context, time.Time, int) ([]domain.TaskSubmission, error) {
	return nil, errors.New("connection refused")
}

func TestRunOnce_CountsErrors(t *testing.T) {
	f := newFixture(t)
	r := NewReconciler(failingStore{}, f.engine, nil, nil, &config.ReconcileConfig{}, time.Minute,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	report := r.RunOnce(context.Background())
	assert.Equal(t, 2, report.Errors)
}

func TestRebuildRanking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.store.ApplyAward(ctx, "p-1", 30, "a", time.Now())
	require.NoError(t, err)
	_, _, err = f.store.ApplyAward(ctx, "p-2", 70, "b", time.Now())
	require.NoError(t, err)

	require.NoError(t, f.reconciler.RebuildRanking(ctx))

	top, err := f.ranking.Top(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "p-2", top[0].ParticipantID)
	assert.Equal(t, int64(30), top[1].TotalXP)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.verifiedWithoutAward(t, "p-1", "visit", 5)

	require.NoError(t, f.reconciler.Start(context.Background()))
	require.NoError(t, f.reconciler.Start(context.Background()), "second start is a no-op")
	assert.True(t, f.reconciler.IsRunning())

	assert.Eventually(t, func() bool { return f.total(t, "p-1") == 5 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.reconciler.Stop())
	assert.False(t, f.reconciler.IsRunning())
	require.NoError(t, f.reconciler.Stop())
}
