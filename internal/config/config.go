package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the attribution API.
type Config struct {
	Server      ServerConfig      `envPrefix:"HTTP_"`
	Storage     StorageConfig     `envPrefix:"STORAGE_"`
	Database    DatabaseConfig    `envPrefix:"DB_"`
	Redis       RedisConfig       `envPrefix:"REDIS_"`
	ClickHouse  ClickHouseConfig  `envPrefix:"CLICKHOUSE_"`
	Auth        AuthConfig        `envPrefix:"AUTH_"`
	RateLimit   RateLimitConfig   `envPrefix:"RATE_LIMIT_"`
	Log         LogConfig         `envPrefix:"LOG_"`
	Metrics     MetricsConfig     `envPrefix:"METRICS_"`
	Geo         GeoConfig         `envPrefix:"GEO_"`
	Attribution AttributionConfig `envPrefix:"ATTRIBUTION_"`
	Webhooks    WebhookConfig     `envPrefix:"WEBHOOK_"`
}

type ServerConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	Env             string        `env:"ENV" envDefault:"development"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
}

// Backends for campaign and webhook event storage.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
)

type StorageConfig struct {
	Campaigns string `env:"CAMPAIGNS" envDefault:"memory"`
	Events    string `env:"EVENTS" envDefault:"memory"`
	// EnsureSchema creates tables on startup.
	EnsureSchema bool `env:"ENSURE_SCHEMA" envDefault:"true"`
}

type DatabaseConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"attribution"`
	Password string `env:"PASSWORD" envDefault:"attribution_secret"`
	DBName   string `env:"NAME" envDefault:"attribution"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
	MaxConns int    `env:"MAX_CONNS" envDefault:"25"`
	MinConns int    `env:"MIN_CONNS" envDefault:"5"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type ClickHouseConfig struct {
	Addr     []string `env:"ADDR" envDefault:"localhost:9000" envSeparator:","`
	Database string   `env:"DATABASE" envDefault:"attribution"`
	Username string   `env:"USERNAME" envDefault:"default"`
	Password string   `env:"PASSWORD"`
}

type AuthConfig struct {
	Enabled   bool     `env:"ENABLED" envDefault:"true"`
	MasterKey string   `env:"API_KEY"`
	SkipPaths []string `env:"SKIP_PATHS" envDefault:"/health,/metrics,/api/webhooks/" envSeparator:","`
}

type RateLimitConfig struct {
	Enabled      bool    `env:"ENABLED" envDefault:"true"`
	WebhookRPS   float64 `env:"WEBHOOK_RPS" envDefault:"200"`
	WebhookBurst int     `env:"WEBHOOK_BURST" envDefault:"50"`
	APIRPS       float64 `env:"API_RPS" envDefault:"50"`
	APIBurst     int     `env:"API_BURST" envDefault:"20"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

type MetricsConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	Path    string `env:"PATH" envDefault:"/metrics"`
}

// GeoConfig configures buyer country lookup from a MaxMind database.
type GeoConfig struct {
	Enabled      bool   `env:"ENABLED" envDefault:"false"`
	DatabasePath string `env:"DB_PATH" envDefault:"/app/data/GeoLite2-Country.mmdb"`
}

type AttributionConfig struct {
	// ZeroSpendROAS is reported as roas when a campaign has no spend in the window.
	ZeroSpendROAS float64       `env:"ZERO_SPEND_ROAS" envDefault:"0"`
	QueryTimeout  time.Duration `env:"QUERY_TIMEOUT" envDefault:"10s"`
}

// WebhookConfig carries the per-platform verification secrets. An empty
// secret disables verification for that platform.
type WebhookConfig struct {
	HotmartHottok string        `env:"HOTMART_HOTTOK"`
	KiwifyToken   string        `env:"KIWIFY_TOKEN"`
	KirvanoToken  string        `env:"KIRVANO_TOKEN"`
	CustomToken   string        `env:"CUSTOM_TOKEN"`
	DedupeTTL     time.Duration `env:"DEDUPE_TTL" envDefault:"72h"`
}

// Load reads configuration from the environment. Variables from a .env
// file in the working directory are loaded first when the file exists;
// they never override variables already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "ATTR_"}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return errors.New("ATTR_AUTH_API_KEY is required when auth is enabled")
	}
	z := c.Attribution.ZeroSpendROAS
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return errors.New("ATTR_ATTRIBUTION_ZERO_SPEND_ROAS must be finite")
	}
	switch c.Storage.Campaigns {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unsupported campaign storage %q", c.Storage.Campaigns)
	}
	switch c.Storage.Events {
	case BackendMemory, BackendPostgres, BackendClickHouse:
	default:
		return fmt.Errorf("unsupported event storage %q", c.Storage.Events)
	}
	if c.Storage.Campaigns == BackendMemory && c.Storage.Events != BackendMemory {
		return errors.New("in-memory campaigns cannot be combined with persistent events")
	}
	return nil
}

// UsesPostgres reports whether any store needs a PostgreSQL pool.
func (c *Config) UsesPostgres() bool {
	return c.Storage.Campaigns == BackendPostgres || c.Storage.Events == BackendPostgres
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Server.Env, "development")
}
