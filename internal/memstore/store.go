// Package memstore is a single-process implementation of every store
// interface. It enforces the same unique constraints and conditional writes as
// the PostgreSQL repository and backs single-instance deployments and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/questhub-engine/internal/domain"
)

type identityKey struct {
	platform   domain.Platform
	externalID string
}

type ownerKey struct {
	participantID string
	platform      domain.Platform
}

type submissionKey struct {
	participantID string
	taskID        string
}

type award struct {
	participantID string
	amount        int64
	at            time.Time
}

type challenge struct {
	message   string
	expiresAt time.Time
}

// Store holds all rows in memory behind one mutex
type Store struct {
	mu sync.Mutex

	participants map[string]*domain.Participant
	identities   map[identityKey]*domain.LinkedIdentity
	owners       map[ownerKey]identityKey
	states       map[string]*domain.OAuthState
	tasks        map[string]*domain.Task
	submissions  map[string]*domain.TaskSubmission
	bySubmitter  map[submissionKey]string
	awards       map[string]award
	revocations  []domain.XPRevocation
	challenges   map[string]challenge

	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		participants: make(map[string]*domain.Participant),
		identities:   make(map[identityKey]*domain.LinkedIdentity),
		owners:       make(map[ownerKey]identityKey),
		states:       make(map[string]*domain.OAuthState),
		tasks:        make(map[string]*domain.Task),
		submissions:  make(map[string]*domain.TaskSubmission),
		bySubmitter:  make(map[submissionKey]string),
		awards:       make(map[string]award),
		challenges:   make(map[string]challenge),
		now:          time.Now,
	}
}

func copyParticipant(p *domain.Participant) *domain.Participant {
	c := *p
	c.Identities = nil
	return &c
}

func copySubmission(s *domain.TaskSubmission) *domain.TaskSubmission {
	c := *s
	return &c
}

// CreateParticipantWithIdentity implements identity.Store.
func (s *Store) CreateParticipantWithIdentity(_ context.Context, p *domain.Participant, identity *domain.LinkedIdentity) (*domain.Participant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey{identity.Platform, identity.ExternalID}
	if existing, ok := s.identities[key]; ok {
		return copyParticipant(s.participants[existing.ParticipantID]), false, nil
	}

	stored := copyParticipant(p)
	s.participants[p.ID] = stored
	id := *identity
	id.ParticipantID = p.ID
	s.identities[key] = &id
	s.owners[ownerKey{p.ID, identity.Platform}] = key
	return copyParticipant(stored), true, nil
}

// GetParticipant implements identity.Store.
func (s *Store) GetParticipant(_ context.Context, id string) (*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return copyParticipant(p), nil
}

// SetRole changes a participant's role.
func (s *Store) SetRole(_ context.Context, id string, role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	p.Role = role
	p.UpdatedAt = s.now()
	return nil
}

// FindIdentity implements identity.Store.
func (s *Store) FindIdentity(_ context.Context, platform domain.Platform, externalID string) (*domain.LinkedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityKey{platform, externalID}]
	if !ok {
		return nil, domain.ErrIdentityNotLinked
	}
	c := *id
	return &c, nil
}

// GetIdentity implements identity.Store.
func (s *Store) GetIdentity(_ context.Context, participantID string, platform domain.Platform) (*domain.LinkedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.owners[ownerKey{participantID, platform}]
	if !ok {
		return nil, domain.ErrIdentityNotLinked
	}
	c := *s.identities[key]
	return &c, nil
}

// ListIdentities implements identity.Store.
func (s *Store) ListIdentities(_ context.Context, participantID string) ([]domain.LinkedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LinkedIdentity
	for owner, key := range s.owners {
		if owner.participantID == participantID {
			out = append(out, *s.identities[key])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkedAt.Before(out[j].LinkedAt) })
	return out, nil
}

// InsertIdentity implements identity.Store.
func (s *Store) InsertIdentity(_ context.Context, identity *domain.LinkedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[identity.ParticipantID]; !ok {
		return domain.ErrParticipantNotFound
	}
	if _, ok := s.owners[ownerKey{identity.ParticipantID, identity.Platform}]; ok {
		return domain.ErrAlreadyLinked
	}
	key := identityKey{identity.Platform, identity.ExternalID}
	if _, ok := s.identities[key]; ok {
		return domain.ErrExternalIdentityTaken
	}
	c := *identity
	s.identities[key] = &c
	s.owners[ownerKey{identity.ParticipantID, identity.Platform}] = key
	return nil
}

// DeleteIdentity implements identity.Store.
func (s *Store) DeleteIdentity(_ context.Context, participantID string, platform domain.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.owners[ownerKey{participantID, platform}]
	if !ok {
		return domain.ErrIdentityNotLinked
	}
	count := 0
	for owner := range s.owners {
		if owner.participantID == participantID {
			count++
		}
	}
	if count <= 1 {
		return domain.ErrLastIdentity
	}
	delete(s.owners, ownerKey{participantID, platform})
	delete(s.identities, key)
	return nil
}

// PutChallenge implements identity.ChallengeStore.
func (s *Store) PutChallenge(_ context.Context, key, message string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[key] = challenge{message: message, expiresAt: s.now().Add(ttl)}
	return nil
}

// TakeChallenge implements identity.ChallengeStore.
func (s *Store) TakeChallenge(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[key]
	delete(s.challenges, key)
	if !ok || !s.now().Before(c.expiresAt) {
		return "", domain.ErrInvalidChallenge
	}
	return c.message, nil
}

// ReplaceState implements oauth.StateStore.
func (s *Store) ReplaceState(_ context.Context, st *domain.OAuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, existing := range s.states {
		if existing.ParticipantID == st.ParticipantID && existing.Platform == st.Platform {
			delete(s.states, token)
		}
	}
	c := *st
	s.states[st.Token] = &c
	return nil
}

// ConsumeState implements oauth.StateStore.
func (s *Store) ConsumeState(_ context.Context, participantID string, platform domain.Platform, token string, now time.Time) (*domain.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[token]
	if !ok || st.ParticipantID != participantID || st.Platform != platform || st.Expired(now) {
		return nil, domain.ErrInvalidOrExpiredState
	}
	delete(s.states, token)
	return st, nil
}

// PurgeExpiredStates implements oauth.StateStore.
func (s *Store) PurgeExpiredStates(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for token, st := range s.states {
		if st.Expired(now) {
			delete(s.states, token)
			n++
		}
	}
	return n, nil
}

// UpsertTask stores a task definition.
func (s *Store) UpsertTask(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *task
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.tasks[task.ID] = &c
	return nil
}

// GetTask implements verify.Store.
func (s *Store) GetTask(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	c := *t
	return &c, nil
}

// GetSubmission implements verify.Store.
func (s *Store) GetSubmission(_ context.Context, participantID, taskID string) (*domain.TaskSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySubmitter[submissionKey{participantID, taskID}]
	if !ok {
		return nil, domain.ErrSubmissionNotFound
	}
	return copySubmission(s.submissions[id]), nil
}

// GetSubmissionByID implements verify.Store.
func (s *Store) GetSubmissionByID(_ context.Context, id string) (*domain.TaskSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, domain.ErrSubmissionNotFound
	}
	return copySubmission(sub), nil
}

// CreatePendingSubmission implements verify.Store.
func (s *Store) CreatePendingSubmission(_ context.Context, sub *domain.TaskSubmission) (*domain.TaskSubmission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := submissionKey{sub.ParticipantID, sub.TaskID}
	if id, ok := s.bySubmitter[key]; ok {
		return copySubmission(s.submissions[id]), false, nil
	}
	c := copySubmission(sub)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = domain.StatusPending
	s.submissions[c.ID] = c
	s.bySubmitter[key] = c.ID
	return copySubmission(c), true, nil
}

// TransitionSubmission implements verify.Store.
func (s *Store) TransitionSubmission(_ context.Context, id string, tr domain.Transition) (*domain.TaskSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, domain.ErrSubmissionNotFound
	}
	if !tr.Allows(sub.Status) {
		return nil, domain.ErrStaleSubmission
	}
	applyTransition(sub, tr)
	return copySubmission(sub), nil
}

func applyTransition(sub *domain.TaskSubmission, tr domain.Transition) {
	sub.Status = tr.To
	if tr.Method != "" {
		sub.Method = tr.Method
	}
	if tr.Evidence != nil {
		sub.Evidence = tr.Evidence
	}
	sub.RejectReason = tr.RejectReason
	if tr.IncrementAttempts {
		sub.Attempts++
	}
	if tr.To == domain.StatusVerified {
		at := tr.At
		sub.VerifiedAt = &at
		sub.XPEarned = tr.XPEarned
	}
	sub.UpdatedAt = tr.At
}

// ListUnawardedVerified implements worker.Store.
func (s *Store) ListUnawardedVerified(_ context.Context, limit int) ([]domain.TaskSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TaskSubmission
	for _, sub := range s.submissions {
		if sub.Status != domain.StatusVerified || sub.XPRemoved || sub.XPEarned <= 0 {
			continue
		}
		if _, ok := s.awards[sub.ID]; ok {
			continue
		}
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStalePending implements worker.Store.
func (s *Store) ListStalePending(_ context.Context, before time.Time, limit int) ([]domain.TaskSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TaskSubmission
	for _, sub := range s.submissions {
		if sub.Status == domain.StatusPending && sub.Method != domain.MethodManualReview && sub.UpdatedAt.Before(before) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplyAward implements xp.Store.
func (s *Store) ApplyAward(_ context.Context, participantID string, amount int64, key string, at time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return 0, false, domain.ErrParticipantNotFound
	}
	if _, ok := s.awards[key]; ok {
		return p.TotalXP, false, nil
	}
	s.awards[key] = award{participantID: participantID, amount: amount, at: at}
	p.TotalXP += amount
	p.UpdatedAt = at
	return p.TotalXP, true, nil
}

// RevokeSubmissionXP implements xp.Store.
func (s *Store) RevokeSubmissionXP(_ context.Context, rev *domain.XPRevocation) (*domain.XPRevocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[rev.SubmissionID]
	if !ok {
		return nil, domain.ErrSubmissionNotFound
	}
	if sub.Status != domain.StatusVerified {
		return nil, domain.ErrNotVerified
	}
	if sub.XPRemoved {
		return nil, domain.ErrAlreadyRevoked
	}
	p, ok := s.participants[sub.ParticipantID]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}

	// Only XP that actually reached the ledger is taken back. The key is
	// claimed so an award still in flight for this submission is a no-op.
	var amount int64
	if a, ok := s.awards[sub.ID]; ok {
		amount = a.amount
	} else {
		s.awards[sub.ID] = award{participantID: sub.ParticipantID, at: rev.CreatedAt}
	}
	p.TotalXP -= amount
	if p.TotalXP < 0 {
		p.TotalXP = 0
	}
	p.UpdatedAt = rev.CreatedAt
	sub.XPEarned = 0
	sub.XPRemoved = true
	sub.XPRemovedReason = rev.Reason
	sub.UpdatedAt = rev.CreatedAt

	out := *rev
	out.ParticipantID = sub.ParticipantID
	out.Amount = amount
	out.NewTotal = p.TotalXP
	s.revocations = append(s.revocations, out)
	return &out, nil
}

// Revocations returns the audit trail of XP reversals.
func (s *Store) Revocations() []domain.XPRevocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.XPRevocation(nil), s.revocations...)
}

// AwardCount returns how many distinct awards credited XP.
func (s *Store) AwardCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.awards {
		if a.amount > 0 {
			n++
		}
	}
	return n
}

// ListTotals implements worker.Store.
func (s *Store) ListTotals(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[string]int64, len(s.participants))
	for id, p := range s.participants {
		totals[id] = p.TotalXP
	}
	return totals, nil
}
