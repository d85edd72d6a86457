package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
	Auth         AuthConfig         `yaml:"auth"`
	OAuth        OAuthConfig        `yaml:"oauth"`
	Verification VerificationConfig `yaml:"verification"`
	XP           XPConfig           `yaml:"xp"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Leaderboard  LeaderboardConfig  `yaml:"leaderboard"`
	Platforms    PlatformsConfig    `yaml:"platforms"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers"`
	VerificationTopic string        `yaml:"verification_topic"`
	EventsTopic       string        `yaml:"events_topic"`
	GroupID           string        `yaml:"group_id"`
	Enabled           bool          `yaml:"enabled"`
	HandleTimeout     time.Duration `yaml:"handle_timeout"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

// StoreConfig selects the durable store backend
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | postgres
}

// CacheConfig selects the verification cache backend
type CacheConfig struct {
	Driver string `yaml:"driver"` // memory | redis
}

// AuthConfig holds session, bearer token and wallet challenge settings
type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTIssuer      string        `yaml:"jwt_issuer"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	SessionKey     string        `yaml:"session_key"`
	SessionName    string        `yaml:"session_name"`
	SessionMaxAge  time.Duration `yaml:"session_max_age"`
	SecureCookies  bool          `yaml:"secure_cookies"`
	ChallengeTTL   time.Duration `yaml:"challenge_ttl"`
	ChallengeAppID string        `yaml:"challenge_app_id"`
}

// OAuthConfig holds OAuth state settings
type OAuthConfig struct {
	StateTTL time.Duration `yaml:"state_ttl"`
}

// Manual fallback policies
const (
	FallbackAccept = "accept"
	FallbackReview = "review"
	FallbackReject = "reject"
)

// VerificationConfig tunes the verification engine
type VerificationConfig struct {
	PositiveTTL        time.Duration `yaml:"positive_ttl"`
	NegativeTTL        time.Duration `yaml:"negative_ttl"`
	MaxAttempts        int           `yaml:"max_attempts"`
	PlatformTimeout    time.Duration `yaml:"platform_timeout"`
	ManualFallback     string        `yaml:"manual_fallback"`
	AllowRecheck       *bool         `yaml:"allow_recheck"`
	PendingStaleAfter  time.Duration `yaml:"pending_stale_after"`
	AwardRetries       int           `yaml:"award_retries"`
	AwardBackoff       time.Duration `yaml:"award_backoff"`
	PollMaxAttempts    int           `yaml:"poll_max_attempts"`
	PollInitialBackoff time.Duration `yaml:"poll_initial_backoff"`
}

// RecheckEnabled reports whether not-satisfied social rejections may be re-checked.
func (c *VerificationConfig) RecheckEnabled() bool {
	return c.AllowRecheck == nil || *c.AllowRecheck
}

// XPConfig holds the level threshold table
type XPConfig struct {
	PerLevel   int64   `yaml:"per_level"`
	Thresholds []int64 `yaml:"thresholds"`
}

// ReconcileConfig holds reconciliation worker configuration
type ReconcileConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Enabled   bool          `yaml:"enabled"`
}

// LeaderboardConfig holds XP ranking read settings
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	FeedSize     int `yaml:"feed_size"` // entries pushed to websocket subscribers
}

// PlatformsConfig holds per-platform credentials
type PlatformsConfig struct {
	Twitter  TwitterConfig  `yaml:"twitter"`
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TwitterConfig holds X/Twitter OAuth and API settings
type TwitterConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	BearerToken  string `yaml:"bearer_token"`
	APIBase      string `yaml:"api_base"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
	MaxPages     int    `yaml:"max_pages"`
}

// DiscordConfig holds Discord OAuth and bot settings
type DiscordConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	BotToken     string `yaml:"bot_token"`
	APIBase      string `yaml:"api_base"`
}

// TelegramConfig holds Telegram bot and login widget settings
type TelegramConfig struct {
	BotToken    string        `yaml:"bot_token"`
	BotUsername string        `yaml:"bot_username"`
	APIBase     string        `yaml:"api_base"`
	LoginMaxAge time.Duration `yaml:"login_max_age"`
	RedirectURL string        `yaml:"redirect_url"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Cache.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}
	switch c.Verification.ManualFallback {
	case FallbackAccept, FallbackReview, FallbackReject:
	default:
		return fmt.Errorf("unknown manual_fallback policy %q", c.Verification.ManualFallback)
	}
	for i := 1; i < len(c.XP.Thresholds); i++ {
		if c.XP.Thresholds[i] <= c.XP.Thresholds[i-1] {
			return fmt.Errorf("xp thresholds must be strictly increasing")
		}
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Long enough for one bounded platform call plus store writes.
		c.Server.WriteTimeout = 20 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.VerificationTopic == "" {
		c.Kafka.VerificationTopic = "quest-verification-requests"
	}
	if c.Kafka.EventsTopic == "" {
		c.Kafka.EventsTopic = "quest-participant-events"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "quest-verifier"
	}
	if c.Kafka.HandleTimeout == 0 {
		c.Kafka.HandleTimeout = 30 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "redis"
	}

	// Auth defaults
	if c.Auth.JWTIssuer == "" {
		c.Auth.JWTIssuer = "questhub"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Auth.SessionName == "" {
		c.Auth.SessionName = "questhub_session"
	}
	if c.Auth.SessionMaxAge == 0 {
		c.Auth.SessionMaxAge = 7 * 24 * time.Hour
	}
	if c.Auth.ChallengeTTL == 0 {
		c.Auth.ChallengeTTL = 5 * time.Minute
	}
	if c.Auth.ChallengeAppID == "" {
		c.Auth.ChallengeAppID = "QuestHub"
	}

	if c.OAuth.StateTTL == 0 {
		c.OAuth.StateTTL = 10 * time.Minute
	}

	// Verification defaults
	v := &c.Verification
	if v.PositiveTTL == 0 {
		v.PositiveTTL = 5 * time.Minute
	}
	if v.NegativeTTL == 0 {
		v.NegativeTTL = 1 * time.Minute
	}
	if v.MaxAttempts == 0 {
		v.MaxAttempts = 3
	}
	if v.PlatformTimeout == 0 {
		v.PlatformTimeout = 8 * time.Second
	}
	if v.ManualFallback == "" {
		v.ManualFallback = FallbackAccept
	}
	if v.PendingStaleAfter == 0 {
		v.PendingStaleAfter = 2 * time.Minute
	}
	if v.AwardRetries == 0 {
		v.AwardRetries = 3
	}
	if v.AwardBackoff == 0 {
		v.AwardBackoff = 200 * time.Millisecond
	}
	if v.PollMaxAttempts == 0 {
		v.PollMaxAttempts = 10
	}
	if v.PollInitialBackoff == 0 {
		v.PollInitialBackoff = 1 * time.Second
	}

	if c.XP.PerLevel == 0 {
		c.XP.PerLevel = 100
	}

	// Reconcile defaults
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = 1 * time.Minute
	}
	if c.Reconcile.BatchSize == 0 {
		c.Reconcile.BatchSize = 100
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 10
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 100
	}
	if c.Leaderboard.FeedSize == 0 {
		c.Leaderboard.FeedSize = 10
	}

	// Platform defaults
	tw := &c.Platforms.Twitter
	if tw.APIBase == "" {
		tw.APIBase = "https://api.twitter.com"
	}
	if tw.AuthURL == "" {
		tw.AuthURL = "https://twitter.com/i/oauth2/authorize"
	}
	if tw.TokenURL == "" {
		tw.TokenURL = "https://api.twitter.com/2/oauth2/token"
	}
	if tw.MaxPages == 0 {
		tw.MaxPages = 5
	}
	if c.Platforms.Discord.APIBase == "" {
		c.Platforms.Discord.APIBase = "https://discord.com/api/v10"
	}
	tg := &c.Platforms.Telegram
	if tg.APIBase == "" {
		tg.APIBase = "https://api.telegram.org"
	}
	if tg.LoginMaxAge == 0 {
		tg.LoginMaxAge = 24 * time.Hour
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Store.Driver = "memory"
	cfg.Cache.Driver = "memory"
	cfg.Reconcile.Enabled = true
	return cfg
}
