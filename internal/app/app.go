// Package app assembles the quest engine from configuration. Both the server
// and the operator CLI are built on it.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/questhub-engine/internal/auth"
	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/identity"
	"github.com/questhub-engine/internal/memstore"
	"github.com/questhub-engine/internal/oauth"
	"github.com/questhub-engine/internal/platform"
	"github.com/questhub-engine/internal/postgres"
	"github.com/questhub-engine/internal/redis"
	"github.com/questhub-engine/internal/service"
	"github.com/questhub-engine/internal/signature"
	"github.com/questhub-engine/internal/verify"
	"github.com/questhub-engine/internal/worker"
	"github.com/questhub-engine/internal/xp"
)

// Store is everything the engine needs from the durable backend
type Store interface {
	identity.Store
	identity.ChallengeStore
	oauth.StateStore
	verify.Store
	xp.Store
	worker.Store
	UpsertTask(ctx context.Context, task *domain.Task) error
	SetRole(ctx context.Context, id string, role domain.Role) error
}

// Ranking is the XP read model
type Ranking interface {
	SetTotal(ctx context.Context, participantID string, total int64) error
	BatchSetTotals(ctx context.Context, totals map[string]int64) error
	Top(ctx context.Context, n int) ([]domain.RankEntry, error)
	Rank(ctx context.Context, participantID string) (*domain.RankEntry, error)
}

// App holds the wired components
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store      Store
	Ranking    Ranking
	Cache      verify.Cache
	Tokens     *auth.TokenIssuer
	Sessions   *auth.SessionManager
	Challenges *identity.Challenges
	Resolver   *identity.Resolver
	Levels     *xp.LevelTable
	Ledger     *xp.Ledger
	Platforms  *platform.Registry
	Engine     *verify.Engine
	States     *oauth.StateManager
	Links      *service.LinkService

	Leaderboard *service.LeaderboardService
	Reconciler  *worker.Reconciler

	// Checks are the readiness probes, keyed by dependency name
	Checks map[string]func(ctx context.Context) error

	closers []func()
}

// New connects the configured backends and wires the engine on top of them.
// Postgres migrations are applied when migrate is set.
func New(ctx context.Context, cfg *config.Config, migrate bool, logger *slog.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		Checks: make(map[string]func(ctx context.Context) error),
	}
	if err := a.openStore(ctx, migrate); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openCache(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context, migrate bool) error {
	cfg := a.Config
	switch cfg.Store.Driver {
	case "postgres":
		a.Logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, a.Logger)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		if migrate {
			if err := repo.RunMigrations(ctx); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
		}
		a.Store = repo
		a.Checks["postgres"] = repo.Ping
		a.Logger.Info("connected to PostgreSQL")
	default:
		a.Logger.Warn("using in-memory store; data is lost on restart")
		a.Store = memstore.New()
	}
	return nil
}

func (a *App) openCache(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Cache.Driver {
	case "redis":
		a.Logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		client, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.Logger.Error("failed to close redis client", "error", err)
			}
		})
		a.Cache = redis.NewVerificationCache(client, a.Logger)
		a.Ranking = redis.NewRanking(client)
		a.Challenges = identity.NewChallenges(redis.NewChallengeStore(client), cfg.Auth.ChallengeAppID, cfg.Auth.ChallengeTTL)
		a.Checks["redis"] = pingRedis(client)
		a.Logger.Info("connected to Redis")
	default:
		a.Cache = memstore.NewCache()
		a.Ranking = memstore.NewRanking()
		a.Challenges = identity.NewChallenges(a.Store, cfg.Auth.ChallengeAppID, cfg.Auth.ChallengeTTL)
	}
	return nil
}

func pingRedis(client *goredis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func (a *App) wire() error {
	cfg := a.Config

	jwtSecret, err := a.secret("auth.jwt_secret", cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	a.Tokens, err = auth.NewTokenIssuer(jwtSecret, cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("creating token issuer: %w", err)
	}
	sessionKey, err := a.secret("auth.session_key", cfg.Auth.SessionKey)
	if err != nil {
		return err
	}
	a.Sessions = auth.NewSessionManager([]byte(sessionKey), cfg.Auth.SessionName, cfg.Auth.SessionMaxAge, cfg.Auth.SecureCookies)

	a.Levels = xp.NewLevelTable(&cfg.XP)
	a.Resolver = identity.NewResolver(a.Store, signature.Default{}, a.Challenges, a.Tokens, a.Levels.Level, a.Logger)
	a.Ledger = xp.NewLedger(a.Store, a.Levels, a.Resolver, a.Logger)

	client := platform.NewHTTPClient()
	a.Platforms = platform.NewRegistry(
		platform.NewTwitter(&cfg.Platforms.Twitter, client, a.Logger),
		platform.NewDiscord(&cfg.Platforms.Discord, client, a.Logger),
		platform.NewTelegram(&cfg.Platforms.Telegram, client, a.Logger),
	)

	a.Engine = verify.NewEngine(a.Store, a.Store, a.Platforms, a.Cache, a.Ledger, a.Resolver, &cfg.Verification, a.Logger)
	a.States = oauth.NewStateManager(a.Store, cfg.OAuth.StateTTL, a.Logger)
	a.Links = service.NewLinkService(a.States, a.Platforms, a.Resolver, cfg.Verification.PlatformTimeout, a.Logger)
	a.Leaderboard = service.NewLeaderboardService(a.Ranking, a.Levels.Level, &cfg.Leaderboard, a.Logger)
	a.Reconciler = worker.NewReconciler(
		a.Store,
		a.Engine,
		a.States,
		a.Ranking,
		&cfg.Reconcile,
		cfg.Verification.PendingStaleAfter,
		a.Logger,
	)
	return nil
}

// secret returns configured, or a random value when running fully in memory.
// Durable deployments must configure their secrets so sessions survive
// restarts.
func (a *App) secret(name, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if a.Config.Store.Driver != "memory" {
		return "", fmt.Errorf("%s is required with the %s store", name, a.Config.Store.Driver)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating %s: %w", name, err)
	}
	a.Logger.Warn("generated an ephemeral secret", "key", name)
	return hex.EncodeToString(buf), nil
}

// Close releases backend connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
