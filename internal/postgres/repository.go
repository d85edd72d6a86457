// Package postgres is the durable store. Every invariant that must survive
// concurrent writers (one participant per identity, one submission per
// participant and task, one award per idempotency key) is a table constraint.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
)

// Constraint names mapped to domain errors
const (
	constraintIdentityExternal = "linked_identities_platform_external_key"
	constraintIdentityOwner    = "linked_identities_participant_platform_key"
	constraintSubmissionOwner  = "task_submissions_participant_task_key"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return NewRepositoryFromPool(pool, logger), nil
}

// NewRepositoryFromPool wraps an existing pool
func NewRepositoryFromPool(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			id VARCHAR(64) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			role VARCHAR(20) NOT NULL DEFAULT 'participant',
			total_xp BIGINT NOT NULL DEFAULT 0 CHECK (total_xp >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS linked_identities (
			participant_id VARCHAR(64) NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
			platform VARCHAR(20) NOT NULL,
			external_id VARCHAR(255) NOT NULL,
			username VARCHAR(255) NOT NULL DEFAULT '',
			chain VARCHAR(20) NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expiry TIMESTAMPTZ,
			credential_hash TEXT NOT NULL DEFAULT '',
			verified BOOLEAN NOT NULL DEFAULT false,
			linked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT ` + constraintIdentityExternal + ` UNIQUE (platform, external_id),
			CONSTRAINT ` + constraintIdentityOwner + ` UNIQUE (participant_id, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_states (
			token VARCHAR(128) PRIMARY KEY,
			participant_id VARCHAR(64) NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
			platform VARCHAR(20) NOT NULL,
			verifier VARCHAR(128) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_challenges (
			key VARCHAR(255) PRIMARY KEY,
			message TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(64) PRIMARY KEY,
			quest_id VARCHAR(64) NOT NULL DEFAULT '',
			title VARCHAR(255) NOT NULL DEFAULT '',
			type VARCHAR(32) NOT NULL,
			platform VARCHAR(20) NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			expected_answer TEXT NOT NULL DEFAULT '',
			xp_reward BIGINT NOT NULL CHECK (xp_reward >= 0),
			required BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS task_submissions (
			id VARCHAR(64) PRIMARY KEY,
			participant_id VARCHAR(64) NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
			task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status VARCHAR(20) NOT NULL,
			method VARCHAR(32) NOT NULL DEFAULT '',
			evidence JSONB,
			xp_earned BIGINT NOT NULL DEFAULT 0,
			attempts INT NOT NULL DEFAULT 0,
			reject_reason VARCHAR(64) NOT NULL DEFAULT '',
			verified_at TIMESTAMPTZ,
			xp_removed BOOLEAN NOT NULL DEFAULT false,
			xp_removed_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT ` + constraintSubmissionOwner + ` UNIQUE (participant_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS xp_awards (
			idempotency_key VARCHAR(128) PRIMARY KEY,
			participant_id VARCHAR(64) NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
			amount BIGINT NOT NULL CHECK (amount >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS xp_revocations (
			id VARCHAR(64) PRIMARY KEY,
			submission_id VARCHAR(64) NOT NULL REFERENCES task_submissions(id) ON DELETE CASCADE,
			participant_id VARCHAR(64) NOT NULL,
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL,
			actor_id VARCHAR(64) NOT NULL,
			new_total BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		// Revocations leave a zero-amount row behind
		`ALTER TABLE xp_awards DROP CONSTRAINT IF EXISTS xp_awards_amount_check`,
		`ALTER TABLE xp_awards ADD CONSTRAINT xp_awards_amount_check CHECK (amount >= 0)`,
		`DELETE FROM oauth_states a USING oauth_states b
			WHERE a.participant_id = b.participant_id AND a.platform = b.platform
				AND (a.created_at, a.token) < (b.created_at, b.token)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_oauth_states_owner ON oauth_states(participant_id, platform)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_status ON task_submissions(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_states_expiry ON oauth_states(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_xp_revocations_participant ON xp_revocations(participant_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// inTx runs fn in a transaction, committing when it returns nil
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// constraintError maps unique and foreign key violations to domain errors.
// Other errors are returned unchanged.
func constraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case constraintIdentityExternal:
			return domain.ErrExternalIdentityTaken
		case constraintIdentityOwner:
			return domain.ErrAlreadyLinked
		}
	case "23503":
		return domain.ErrParticipantNotFound
	}
	return err
}

// nullJSON stores an empty payload as SQL NULL
func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
