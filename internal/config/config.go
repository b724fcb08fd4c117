// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Events    EventsConfig    `mapstructure:"events"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles for the served surface.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// UpstreamConfig governs the scraping platform client.
type UpstreamConfig struct {
	BaseURL              string `mapstructure:"base_url"`
	APIKey               string `mapstructure:"api_key"`
	StatusTimeoutSeconds int    `mapstructure:"status_timeout_seconds"`
	DataTimeoutSeconds   int    `mapstructure:"data_timeout_seconds"`
	MaxRetries           int    `mapstructure:"max_retries"`
	BackoffInitialMs     int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs         int    `mapstructure:"backoff_max_ms"`
	RateLimitRPS         int    `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int    `mapstructure:"rate_limit_burst"`
}

// PollerConfig governs per-run status polling.
type PollerConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	BudgetSeconds   int `mapstructure:"budget_seconds"`
	TickRetries     int `mapstructure:"tick_retries"`
}

// FetcherConfig governs run-data retrieval attempts.
type FetcherConfig struct {
	Attempts       int `mapstructure:"attempts"`
	BackoffSeconds int `mapstructure:"backoff_seconds"`
}

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// SQLiteConfig controls the single-file store.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ArtifactsConfig selects raw payload archival.
type ArtifactsConfig struct {
	Provider string      `mapstructure:"provider"`
	Prefix   string      `mapstructure:"prefix"`
	Local    LocalConfig `mapstructure:"local"`
	GCS      GCSConfig   `mapstructure:"gcs"`
}

// LocalConfig sets the filesystem artifact root.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig names the artifact bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// QueueConfig selects the capture task queue.
type QueueConfig struct {
	Provider string       `mapstructure:"provider"`
	Depth    int          `mapstructure:"depth"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// EventsConfig selects the run lifecycle event publisher.
type EventsConfig struct {
	Provider string       `mapstructure:"provider"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds Google Pub/Sub addressing.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// CatalogConfig governs project list syncing.
type CatalogConfig struct {
	PageSize        int `mapstructure:"page_size"`
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// SchedulerConfig holds cron specs; an empty spec disables its entry.
type SchedulerConfig struct {
	SyncSpec              string `mapstructure:"sync_spec"`
	RollupSpec            string `mapstructure:"rollup_spec"`
	RecoverySpec          string `mapstructure:"recovery_spec"`
	ResumeIntervalSeconds int    `mapstructure:"resume_interval_seconds"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Buffer  int `mapstructure:"buffer"`
	Batch   int `mapstructure:"batch"`
	FlushMs int `mapstructure:"flush_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig governs trace export. Spans go to Google Cloud Trace when
// a project id is set; without one the provider stays local so span context
// still propagates to upstream calls.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	GCPProjectID string `mapstructure:"gcp_project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	// Secrets default to empty so AutomaticEnv can populate them through
	// Unmarshal; Viper only binds keys it already knows about.
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("database.postgres.dsn", "")
	v.SetDefault("upstream.base_url", "https://www.parsehub.com/api/v2")
	v.SetDefault("upstream.status_timeout_seconds", 5)
	v.SetDefault("upstream.data_timeout_seconds", 15)
	v.SetDefault("upstream.max_retries", 2)
	v.SetDefault("upstream.backoff_initial_ms", 250)
	v.SetDefault("upstream.backoff_max_ms", 5000)
	v.SetDefault("upstream.rate_limit_rps", 4)
	v.SetDefault("upstream.rate_limit_burst", 4)
	v.SetDefault("poller.interval_seconds", 5)
	v.SetDefault("poller.budget_seconds", 3600)
	v.SetDefault("poller.tick_retries", 2)
	v.SetDefault("fetcher.attempts", 3)
	v.SetDefault("fetcher.backoff_seconds", 2)
	v.SetDefault("database.provider", "memory")
	v.SetDefault("database.postgres.max_conns", 10)
	v.SetDefault("database.postgres.min_conns", 2)
	v.SetDefault("database.sqlite.path", "harvest.db")
	v.SetDefault("artifacts.provider", "noop")
	v.SetDefault("artifacts.prefix", "runs")
	v.SetDefault("artifacts.local.base_dir", "./artifacts")
	v.SetDefault("artifacts.gcs.bucket", "")
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic_id", "")
	v.SetDefault("queue.pubsub.subscription_id", "")
	v.SetDefault("events.provider", "noop")
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("events.pubsub.topic_id", "")
	v.SetDefault("catalog.page_size", 20)
	v.SetDefault("catalog.cache_ttl_seconds", 300)
	v.SetDefault("scheduler.sync_spec", "@every 5m")
	v.SetDefault("scheduler.rollup_spec", "10 0 * * *")
	v.SetDefault("scheduler.recovery_spec", "")
	v.SetDefault("scheduler.resume_interval_seconds", 60)
	v.SetDefault("progress.buffer", 4096)
	v.SetDefault("progress.batch", 256)
	v.SetDefault("progress.flush_ms", 500)
	v.SetDefault("logging.development", false)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "runharvest")
	v.SetDefault("telemetry.gcp_project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream.api_key must be set")
	}
	if c.Upstream.StatusTimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.status_timeout_seconds must be > 0")
	}
	if c.Upstream.DataTimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.data_timeout_seconds must be > 0")
	}
	if c.Poller.IntervalSeconds <= 0 || c.Poller.IntervalSeconds > 10 {
		return fmt.Errorf("poller.interval_seconds must be in 1..10")
	}
	if c.Poller.BudgetSeconds <= 0 {
		return fmt.Errorf("poller.budget_seconds must be > 0")
	}
	if c.Fetcher.Attempts <= 0 {
		return fmt.Errorf("fetcher.attempts must be > 0")
	}
	switch c.Database.Provider {
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("database.postgres.dsn must be set for the postgres provider")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path must be set for the sqlite provider")
		}
	case "memory":
	default:
		return fmt.Errorf("database.provider %q is not one of postgres, sqlite, memory", c.Database.Provider)
	}
	switch c.Artifacts.Provider {
	case "local", "gcs", "memory", "noop":
	default:
		return fmt.Errorf("artifacts.provider %q is not one of local, gcs, memory, noop", c.Artifacts.Provider)
	}
	if c.Artifacts.Provider == "gcs" && c.Artifacts.GCS.Bucket == "" {
		return fmt.Errorf("artifacts.gcs.bucket must be set for the gcs provider")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PollInterval converts the poller cadence into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalSeconds) * time.Second
}

// PollBudget converts the per-run polling budget into a duration.
func (c Config) PollBudget() time.Duration {
	return time.Duration(c.Poller.BudgetSeconds) * time.Second
}

// StatusTimeout bounds one upstream status call.
func (c Config) StatusTimeout() time.Duration {
	return time.Duration(c.Upstream.StatusTimeoutSeconds) * time.Second
}

// DataTimeout bounds one upstream data call.
func (c Config) DataTimeout() time.Duration {
	return time.Duration(c.Upstream.DataTimeoutSeconds) * time.Second
}

// RequestTimeout bounds one served API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// CatalogTTL converts the catalog cache lifetime into a duration.
func (c Config) CatalogTTL() time.Duration {
	return time.Duration(c.Catalog.CacheTTLSeconds) * time.Second
}
