package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/questhub-engine/internal/domain"
)

const participantColumns = `id, display_name, role, total_xp, created_at, updated_at`

const identityColumns = `participant_id, platform, external_id, username, chain,
	access_token, refresh_token, token_expiry, credential_hash, verified, linked_at`

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(&p.ID, &p.DisplayName, &p.Role, &p.TotalXP, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanIdentity(row pgx.Row) (*domain.LinkedIdentity, error) {
	var id domain.LinkedIdentity
	err := row.Scan(
		&id.ParticipantID,
		&id.Platform,
		&id.ExternalID,
		&id.Username,
		&id.Chain,
		&id.AccessToken,
		&id.RefreshToken,
		&id.TokenExpiry,
		&id.CredentialHash,
		&id.Verified,
		&id.LinkedAt,
	)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// CreateParticipantWithIdentity implements identity.Store.
func (r *Repository) CreateParticipantWithIdentity(ctx context.Context, p *domain.Participant, identity *domain.LinkedIdentity) (*domain.Participant, bool, error) {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO participants (id, display_name, role, total_xp, created_at, updated_at)
			VALUES ($1, $2, $3, 0, $4, $5)
		`, p.ID, p.DisplayName, string(p.Role), p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
		// ON CONFLICT on the external binding leaves the row to the winner of
		// a concurrent first contact; this transaction then rolls back.
		tag, err := tx.Exec(ctx, `
			INSERT INTO linked_identities (`+identityColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT ON CONSTRAINT `+constraintIdentityExternal+` DO NOTHING
		`, identityArgs(p.ID, identity)...)
		if err != nil {
			return fmt.Errorf("inserting identity: %w", constraintError(err))
		}
		if tag.RowsAffected() == 0 {
			return errIdentityExists
		}
		return nil
	})
	if errors.Is(err, errIdentityExists) {
		found, err := r.FindIdentity(ctx, identity.Platform, identity.ExternalID)
		if err != nil {
			return nil, false, err
		}
		existing, err := r.GetParticipant(ctx, found.ParticipantID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := *p
	out.Identities = nil
	return &out, true, nil
}

var errIdentityExists = errors.New("identity exists")

func identityArgs(participantID string, id *domain.LinkedIdentity) []any {
	linkedAt := id.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = time.Now()
	}
	return []any{
		participantID,
		string(id.Platform),
		id.ExternalID,
		id.Username,
		string(id.Chain),
		id.AccessToken,
		id.RefreshToken,
		id.TokenExpiry,
		id.CredentialHash,
		id.Verified,
		linkedAt,
	}
}

// GetParticipant implements identity.Store.
func (r *Repository) GetParticipant(ctx context.Context, id string) (*domain.Participant, error) {
	p, err := scanParticipant(r.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("getting participant: %w", err)
	}
	return p, nil
}

// SetRole changes a participant's role.
func (r *Repository) SetRole(ctx context.Context, id string, role domain.Role) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE participants SET role = $2, updated_at = now() WHERE id = $1`, id, string(role))
	if err != nil {
		return fmt.Errorf("setting role: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrParticipantNotFound
	}
	return nil
}

// FindIdentity implements identity.Store.
func (r *Repository) FindIdentity(ctx context.Context, platform domain.Platform, externalID string) (*domain.LinkedIdentity, error) {
	id, err := scanIdentity(r.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM linked_identities WHERE platform = $1 AND external_id = $2`,
		string(platform), externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIdentityNotLinked
		}
		return nil, fmt.Errorf("finding identity: %w", err)
	}
	return id, nil
}

// GetIdentity implements identity.Store.
func (r *Repository) GetIdentity(ctx context.Context, participantID string, platform domain.Platform) (*domain.LinkedIdentity, error) {
	id, err := scanIdentity(r.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM linked_identities WHERE participant_id = $1 AND platform = $2`,
		participantID, string(platform)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIdentityNotLinked
		}
		return nil, fmt.Errorf("getting identity: %w", err)
	}
	return id, nil
}

// ListIdentities implements identity.Store.
func (r *Repository) ListIdentities(ctx context.Context, participantID string) ([]domain.LinkedIdentity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM linked_identities WHERE participant_id = $1 ORDER BY linked_at`,
		participantID)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	defer rows.Close()

	var out []domain.LinkedIdentity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		out = append(out, *id)
	}
	return out, rows.Err()
}

// InsertIdentity implements identity.Store.
func (r *Repository) InsertIdentity(ctx context.Context, identity *domain.LinkedIdentity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO linked_identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, identityArgs(identity.ParticipantID, identity)...)
	if err != nil {
		mapped := constraintError(err)
		if errors.Is(mapped, domain.ErrExternalIdentityTaken) {
			return r.externalOwnerError(ctx, identity)
		}
		if mapped != err {
			return mapped
		}
		return fmt.Errorf("inserting identity: %w", err)
	}
	return nil
}

// externalOwnerError tells a re-link of the participant's own account apart
// from an account held by someone else.
func (r *Repository) externalOwnerError(ctx context.Context, identity *domain.LinkedIdentity) error {
	var owner string
	err := r.pool.QueryRow(ctx,
		`SELECT participant_id FROM linked_identities WHERE platform = $1 AND external_id = $2`,
		string(identity.Platform), identity.ExternalID).Scan(&owner)
	if err == nil && owner == identity.ParticipantID {
		return domain.ErrAlreadyLinked
	}
	return domain.ErrExternalIdentityTaken
}

// DeleteIdentity implements identity.Store. The participant row is locked so
// two concurrent unlinks cannot both pass the last-identity check.
func (r *Repository) DeleteIdentity(ctx context.Context, participantID string, platform domain.Platform) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM participants WHERE id = $1 FOR UPDATE`, participantID).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrIdentityNotLinked
			}
			return fmt.Errorf("locking participant: %w", err)
		}

		var count int
		var linked bool
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*), COALESCE(bool_or(platform = $2), false)
			FROM linked_identities WHERE participant_id = $1
		`, participantID, string(platform)).Scan(&count, &linked)
		if err != nil {
			return fmt.Errorf("counting identities: %w", err)
		}
		if !linked {
			return domain.ErrIdentityNotLinked
		}
		if count <= 1 {
			return domain.ErrLastIdentity
		}

		_, err = tx.Exec(ctx,
			`DELETE FROM linked_identities WHERE participant_id = $1 AND platform = $2`,
			participantID, string(platform))
		if err != nil {
			return fmt.Errorf("deleting identity: %w", err)
		}
		return nil
	})
}

// PutChallenge implements identity.ChallengeStore.
func (r *Repository) PutChallenge(ctx context.Context, key, message string, ttl time.Duration) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallet_challenges (key, message, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET message = $2, expires_at = $3
	`, key, message, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// TakeChallenge implements identity.ChallengeStore.
func (r *Repository) TakeChallenge(ctx context.Context, key string) (string, error) {
	var message string
	err := r.pool.QueryRow(ctx, `
		DELETE FROM wallet_challenges WHERE key = $1 AND expires_at > now()
		RETURNING message
	`, key).Scan(&message)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrInvalidChallenge
		}
		return "", fmt.Errorf("taking challenge: %w", err)
	}
	return message, nil
}

// ReplaceState implements oauth.StateStore. The owner index keeps one
// in-flight state per participant and platform, so concurrent begins leave
// only the last one usable.
func (r *Repository) ReplaceState(ctx context.Context, st *domain.OAuthState) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO oauth_states (token, participant_id, platform, verifier, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (participant_id, platform) DO UPDATE SET
			token = EXCLUDED.token,
			verifier = EXCLUDED.verifier,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
	`, st.Token, st.ParticipantID, string(st.Platform), st.Verifier, st.ExpiresAt, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("storing state: %w", constraintError(err))
	}
	return nil
}

// ConsumeState implements oauth.StateStore.
func (r *Repository) ConsumeState(ctx context.Context, participantID string, platform domain.Platform, token string, now time.Time) (*domain.OAuthState, error) {
	var st domain.OAuthState
	err := r.pool.QueryRow(ctx, `
		DELETE FROM oauth_states
		WHERE token = $1 AND participant_id = $2 AND platform = $3 AND expires_at > $4
		RETURNING token, participant_id, platform, verifier, expires_at, created_at
	`, token, participantID, string(platform), now).Scan(
		&st.Token,
		&st.ParticipantID,
		&st.Platform,
		&st.Verifier,
		&st.ExpiresAt,
		&st.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvalidOrExpiredState
		}
		return nil, fmt.Errorf("consuming state: %w", err)
	}
	return &st, nil
}

// PurgeExpiredStates implements oauth.StateStore.
func (r *Repository) PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purging states: %w", err)
	}
	return result.RowsAffected(), nil
}
