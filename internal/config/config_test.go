package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
pipeline:
  workers: 4
  batch_size: 20
  poll_interval_seconds: 2
  claim_timeout_minutes: 15
  max_failures: 3
  geo_retry_minutes: 60
  healing_confidence: 0.8
fetch:
  user_agent: harvester-test
  timeout_seconds: 45
  headless_enabled: true
  headless_max_parallel: 2
  nav_timeout_seconds: 30
rate_limit:
  default_rpm: 30
  default_burst: 2
  default_concurrent: 4
breaker:
  failure_threshold: 3
  base_cooldown_minutes: 10
  max_cooldown_hours: 12
storage:
  gcs_bucket: bucket
  prefix: pages
  content_type: text/plain
db:
  dsn: postgres://localhost/harvester
pubsub:
  project_id: test-project
  indexed_topic: idx
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.BatchSize != 20 {
		t.Fatalf("expected pipeline overrides to apply: %+v", cfg.Pipeline)
	}
	if cfg.Fetch.UserAgent != "harvester-test" || !cfg.Fetch.HeadlessEnabled {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if cfg.RateLimit.DefaultRPM != 30 {
		t.Fatalf("expected rate limit override, got %+v", cfg.RateLimit)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Fatalf("expected breaker override, got %+v", cfg.Breaker)
	}
	if cfg.PubSub.IndexedTopic != "idx" || cfg.PubSub.VectorTopic != "events.vectorize" {
		t.Fatalf("expected topic override plus default, got %+v", cfg.PubSub)
	}
	if got := cfg.PollInterval(); got != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %v", got)
	}
	if got := cfg.ClaimTimeout(); got != 15*time.Minute {
		t.Fatalf("expected claim timeout 15m, got %v", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.MaxFailures != 5 {
		t.Fatalf("expected default max_failures 5, got %d", cfg.Pipeline.MaxFailures)
	}
	if cfg.Geocode.CacheTTLDays != 30 {
		t.Fatalf("expected default geocode TTL 30d, got %d", cfg.Geocode.CacheTTLDays)
	}
	if cfg.Discovery.SpawnCap != 5 {
		t.Fatalf("expected default spawn cap 5, got %d", cfg.Discovery.SpawnCap)
	}
	if cfg.Pipeline.HealingConfidence != 0.7 {
		t.Fatalf("expected default healing confidence 0.7, got %v", cfg.Pipeline.HealingConfidence)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Logging.Level)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Pipeline: PipelineConfig{Workers: 1, BatchSize: 10, HealingConfidence: 0.7},
		Fetch:    FetchConfig{TimeoutSeconds: 10},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Pipeline.Workers = 0
				return c
			}(),
			want: "pipeline.workers",
		},
		{
			name: "invalid batch size",
			cfg: func() Config {
				c := base
				c.Pipeline.BatchSize = 0
				return c
			}(),
			want: "pipeline.batch_size",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Fetch.TimeoutSeconds = 0
				return c
			}(),
			want: "fetch.timeout_seconds",
		},
		{
			name: "headless missing max parallel",
			cfg: func() Config {
				c := base
				c.Fetch.HeadlessEnabled = true
				c.Fetch.HeadlessMax = 0
				return c
			}(),
			want: "fetch.headless_max_parallel",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "healing confidence out of range",
			cfg: func() Config {
				c := base
				c.Pipeline.HealingConfidence = 1.4
				return c
			}(),
			want: "healing_confidence",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
