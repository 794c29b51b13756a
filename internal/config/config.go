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
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	Actor   ActorConfig   `mapstructure:"actor"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int `mapstructure:"port"`
	RequestTimeoutSecs int `mapstructure:"request_timeout_seconds"`
	SyncTimeoutSecs    int `mapstructure:"sync_timeout_seconds"`
}

// AuthConfig maps session tokens to tenants.
type AuthConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Tokens  map[string]string `mapstructure:"tokens"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifeSecs int    `mapstructure:"max_conn_life_seconds"`
}

// ActorConfig configures the third-party actor gateway.
type ActorConfig struct {
	BaseURL          string            `mapstructure:"base_url"`
	Token            string            `mapstructure:"token"`
	Actors           map[string]string `mapstructure:"actors"`
	PollIntervalSecs int               `mapstructure:"poll_interval_seconds"`
	TimeoutSecs      int               `mapstructure:"timeout_seconds"`
}

// ScrapeConfig governs the headless renderer and page discovery.
type ScrapeConfig struct {
	MaxParallel       int     `mapstructure:"max_parallel"`
	UserAgent         string  `mapstructure:"user_agent"`
	NavTimeoutSecs    int     `mapstructure:"nav_timeout_seconds"`
	QuietWindowMs     int     `mapstructure:"quiet_window_ms"`
	DomainQPS         float64 `mapstructure:"domain_qps"`
	DiscoverMaxDepth  int     `mapstructure:"discover_max_depth"`
	DiscoverMaxPages  int     `mapstructure:"discover_max_pages"`
	DiscoverParallel  int     `mapstructure:"discover_parallelism"`
	DiscoverTimeoutMs int     `mapstructure:"discover_timeout_ms"`
}

// StorageConfig selects the blob backend for scrape artifacts.
type StorageConfig struct {
	// Backend is one of "memory", "local", "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// IngestConfig bounds task execution.
type IngestConfig struct {
	TaskBudgetSecs int `mapstructure:"task_budget_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRESENCE")
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
	v.SetDefault("server.sync_timeout_seconds", 360)
	v.SetDefault("actor.poll_interval_seconds", 3)
	v.SetDefault("actor.timeout_seconds", 300)
	v.SetDefault("scrape.max_parallel", 2)
	v.SetDefault("scrape.nav_timeout_seconds", 45)
	v.SetDefault("scrape.quiet_window_ms", 500)
	v.SetDefault("scrape.domain_qps", 1.0)
	v.SetDefault("scrape.discover_max_depth", 2)
	v.SetDefault("scrape.discover_max_pages", 25)
	v.SetDefault("scrape.discover_parallelism", 2)
	v.SetDefault("scrape.discover_timeout_ms", 15000)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("ingest.task_budget_seconds", 600)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("auth.tokens must be set when auth is enabled")
	}
	if c.Actor.BaseURL != "" && c.Actor.Token == "" {
		return fmt.Errorf("actor.token must be set when actor.base_url is set")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Scrape.MaxParallel <= 0 {
		return fmt.Errorf("scrape.max_parallel must be > 0")
	}
	return nil
}

// ActorPollInterval returns the gateway poll cadence.
func (c Config) ActorPollInterval() time.Duration {
	return time.Duration(c.Actor.PollIntervalSecs) * time.Second
}

// ActorTimeout returns the per-run actor budget.
func (c Config) ActorTimeout() time.Duration {
	return time.Duration(c.Actor.TimeoutSecs) * time.Second
}

// TaskBudget returns the end-to-end task execution budget.
func (c Config) TaskBudget() time.Duration {
	return time.Duration(c.Ingest.TaskBudgetSecs) * time.Second
}
