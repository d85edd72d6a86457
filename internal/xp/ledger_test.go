package xp

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Notify(e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newLedger(t *testing.T) (*Ledger, *memstore.Store, *recorder) {
	t.Helper()
	store := memstore.New()
	rec := &recorder{}
	l := NewLedger(store, NewLevelTable(&config.XPConfig{PerLevel: 100}), rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return l, store, rec
}

func seedParticipant(t *testing.T, store *memstore.Store, id string) {
	t.Helper()
	_, _, err := store.CreateParticipantWithIdentity(context.Background(),
		&domain.Participant{ID: id, Role: domain.RoleParticipant, CreatedAt: time.Now()},
		&domain.LinkedIdentity{Platform: domain.PlatformEmail, ExternalID: id + "@example.com"})
	require.NoError(t, err)
}

func TestLevelTable(t *testing.T) {
	linear := NewLevelTable(&config.XPConfig{PerLevel: 100})
	assert.Equal(t, 1, linear.Level(0))
	assert.Equal(t, 1, linear.Level(99))
	assert.Equal(t, 2, linear.Level(100))
	assert.Equal(t, 11, linear.Level(1050))
	assert.Equal(t, 1, linear.Level(-5))

	table := NewLevelTable(&config.XPConfig{Thresholds: []int64{50, 150, 400}})
	assert.Equal(t, 1, table.Level(49))
	assert.Equal(t, 2, table.Level(50))
	assert.Equal(t, 3, table.Level(399))
	assert.Equal(t, 4, table.Level(10000))

	// monotonic in total
	prev := 0
	for total := int64(0); total < 1000; total += 7 {
		lvl := table.Level(total)
		assert.GreaterOrEqual(t, lvl, prev)
		prev = lvl
	}
}

func TestAwardXPIsIdempotent(t *testing.T) {
	l, store, rec := newLedger(t)
	ctx := context.Background()
	seedParticipant(t, store, "p")

	total, err := l.AwardXP(ctx, "p", 50, "sub-123")
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)

	total, err = l.AwardXP(ctx, "p", 50, "sub-123")
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)

	p, err := store.GetParticipant(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.TotalXP)
	assert.Equal(t, []string{domain.EventXPAwarded}, rec.types())
}

func TestAwardXPConcurrentSameKey(t *testing.T) {
	l, store, _ := newLedger(t)
	ctx := context.Background()
	seedParticipant(t, store, "p")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AwardXP(ctx, "p", 25, "sub-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := store.GetParticipant(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(25), p.TotalXP)
	assert.Equal(t, 1, store.AwardCount())
}

func TestAwardXPValidation(t *testing.T) {
	l, store, _ := newLedger(t)
	ctx := context.Background()
	seedParticipant(t, store, "p")

	_, err := l.AwardXP(ctx, "p", 0, "k")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = l.AwardXP(ctx, "p", 10, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = l.AwardXP(ctx, "ghost", 10, "k")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func verifiedSubmission(t *testing.T, store *memstore.Store, participantID string, xp int64) *domain.TaskSubmission {
	t.Helper()
	ctx := context.Background()
	sub, _, err := store.CreatePendingSubmission(ctx, &domain.TaskSubmission{ParticipantID: participantID, TaskID: "task-1"})
	require.NoError(t, err)
	sub, err = store.TransitionSubmission(ctx, sub.ID, domain.Transition{
		From: []domain.SubmissionStatus{domain.StatusPending}, To: domain.StatusVerified, XPEarned: xp, At: time.Now(),
	})
	require.NoError(t, err)
	return sub
}

func TestRevokeXPFloorsAtZero(t *testing.T) {
	l, store, rec := newLedger(t)
	ctx := context.Background()
	seedParticipant(t, store, "p")

	sub := verifiedSubmission(t, store, "p", 30)
	_, err := l.AwardXP(ctx, "p", 30, sub.ID)
	require.NoError(t, err)

	rev, err := l.RevokeXP(ctx, sub.ID, "fraud", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), rev.Amount)
	assert.Equal(t, int64(0), rev.NewTotal)
	assert.Equal(t, "p", rev.ParticipantID)

	p, err := store.GetParticipant(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.TotalXP)

	got, err := store.GetSubmissionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.XPEarned)
	assert.True(t, got.XPRemoved)
	assert.Equal(t, "fraud", got.XPRemovedReason)

	audit := store.Revocations()
	require.Len(t, audit, 1)
	assert.Equal(t, "admin-1", audit[0].ActorID)

	_, err = l.RevokeXP(ctx, sub.ID, "again", "admin-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyRevoked)

	assert.Equal(t, []string{domain.EventXPAwarded, domain.EventXPRevoked}, rec.types())
}

func TestRevokeXPBeforeAwardTakesNothing(t *testing.T) {
	l, store, _ := newLedger(t)
	ctx := context.Background()
	seedParticipant(t, store, "p")
	_, err := l.AwardXP(ctx, "p", 20, "other")
	require.NoError(t, err)

	sub := verifiedSubmission(t, store, "p", 30)
	rev, err := l.RevokeXP(ctx, sub.ID, "mistake", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rev.Amount)
	assert.Equal(t, int64(20), rev.NewTotal)
}

func TestAwardAfterRevokeIsIgnored(t *testing.T) {
	l, store, rec := newLedger(t)
	ctx := context.Background()
	seedParticipant(t, store, "p")

	sub := verifiedSubmission(t, store, "p", 30)
	_, err := l.RevokeXP(ctx, sub.ID, "fraud", "admin-1")
	require.NoError(t, err)

	// A retry that was already in flight when the admin revoked
	total, err := l.AwardXP(ctx, "p", 30, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	p, err := store.GetParticipant(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.TotalXP)
	assert.Equal(t, 0, store.AwardCount())
	assert.Equal(t, []string{domain.EventXPRevoked}, rec.types())
}

func TestRevokeXPValidation(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.RevokeXP(ctx, "", "r", "a")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = l.RevokeXP(ctx, "s", "", "a")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = l.RevokeXP(ctx, "missing", "r", "a")
	assert.ErrorIs(t, err, domain.ErrSubmissionNotFound)
}

func TestRankingListener(t *testing.T) {
	ranking := memstore.NewRanking()
	listen := RankingListener(ranking, slog.New(slog.NewTextHandler(io.Discard, nil)))

	listen(domain.Event{Type: domain.EventXPAwarded, ParticipantID: "a", Data: domain.XPChange{TotalXP: 70}})
	listen(domain.Event{Type: domain.EventIdentityLinked, ParticipantID: "b"})

	top, err := ranking.Top(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, int64(70), top[0].TotalXP)
}
