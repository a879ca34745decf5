// Package config loads and validates harvester configuration via Viper.
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
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Geocode   GeocodeConfig   `mapstructure:"geocode"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs the stage worker loop.
type PipelineConfig struct {
	Workers           int     `mapstructure:"workers"`
	BatchSize         int     `mapstructure:"batch_size"`
	PollIntervalSec   int     `mapstructure:"poll_interval_seconds"`
	ClaimTimeoutMin   int     `mapstructure:"claim_timeout_minutes"`
	MaxFailures       int     `mapstructure:"max_failures"`
	GeoRetryMinutes   int     `mapstructure:"geo_retry_minutes"`
	HealingConfidence float64 `mapstructure:"healing_confidence"`
}

// FetchConfig configures the fetch strategy chain.
type FetchConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	HeadlessEnabled bool   `mapstructure:"headless_enabled"`
	HeadlessMax     int    `mapstructure:"headless_max_parallel"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	AntiBotProxyURL string `mapstructure:"anti_bot_proxy_url"`
}

// RateLimitConfig sets per-domain politeness defaults.
type RateLimitConfig struct {
	DefaultRPM        int `mapstructure:"default_rpm"`
	DefaultBurst      int `mapstructure:"default_burst"`
	DefaultConcurrent int `mapstructure:"default_concurrent"`
}

// BreakerConfig tunes the per-source circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	BaseCooldownMin  int `mapstructure:"base_cooldown_minutes"`
	MaxCooldownHours int `mapstructure:"max_cooldown_hours"`
}

// StorageConfig sets paths and content types for blob persistence.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	IndexedTopic   string `mapstructure:"indexed_topic"`
	VectorTopic    string `mapstructure:"vector_topic"`
	DiscoveryTopic string `mapstructure:"discovery_topic"`
}

// LLMConfig selects the text-generation backend.
type LLMConfig struct {
	Model      string `mapstructure:"model"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// GeocodeConfig points at the external geocoding service.
type GeocodeConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	UserAgent    string `mapstructure:"user_agent"`
	CacheTTLDays int    `mapstructure:"cache_ttl_days"`
}

// DiscoveryConfig controls the fan-out coordinator.
type DiscoveryConfig struct {
	MinTier  int `mapstructure:"min_tier"`
	SpawnCap int `mapstructure:"spawn_cap"`
}

// LoggingConfig controls zap output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("pipeline.poll_interval_seconds", 5)
	v.SetDefault("pipeline.claim_timeout_minutes", 10)
	v.SetDefault("pipeline.max_failures", 5)
	v.SetDefault("pipeline.geo_retry_minutes", 30)
	v.SetDefault("pipeline.healing_confidence", 0.7)
	v.SetDefault("fetch.user_agent", "eventpulse-harvester/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.headless_enabled", false)
	v.SetDefault("fetch.headless_max_parallel", 1)
	v.SetDefault("fetch.nav_timeout_seconds", 25)
	v.SetDefault("rate_limit.default_rpm", 12)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("rate_limit.default_concurrent", 2)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.base_cooldown_minutes", 30)
	v.SetDefault("breaker.max_cooldown_hours", 24)
	v.SetDefault("storage.prefix", "fetches")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.local_dir", "./data/fetches")
	v.SetDefault("pubsub.indexed_topic", "events.indexed")
	v.SetDefault("pubsub.vector_topic", "events.vectorize")
	v.SetDefault("pubsub.discovery_topic", "events.discovery")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "eventpulse-harvester/0.1")
	v.SetDefault("geocode.cache_ttl_days", 30)
	v.SetDefault("discovery.min_tier", 0)
	v.SetDefault("discovery.spawn_cap", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.HeadlessEnabled && c.Fetch.HeadlessMax <= 0 {
		return fmt.Errorf("fetch.headless_max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pipeline.HealingConfidence < 0 || c.Pipeline.HealingConfidence > 1 {
		return fmt.Errorf("pipeline.healing_confidence must be within [0, 1]")
	}
	return nil
}

// PollInterval returns the worker poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.PollIntervalSec) * time.Second
}

// ClaimTimeout returns the abandoned-claim horizon as a duration.
func (c Config) ClaimTimeout() time.Duration {
	return time.Duration(c.Pipeline.ClaimTimeoutMin) * time.Minute
}
