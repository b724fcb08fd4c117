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
  request_timeout_seconds: 30
auth:
  enabled: true
  api_key: secret
upstream:
  base_url: http://upstream.test/api/v2
  api_key: ph-key
  status_timeout_seconds: 3
  data_timeout_seconds: 9
  max_retries: 1
poller:
  interval_seconds: 2
  budget_seconds: 120
fetcher:
  attempts: 5
  backoff_seconds: 1
database:
  provider: sqlite
  sqlite:
    path: /tmp/harvest-test.db
artifacts:
  provider: local
  prefix: archive
  local:
    base_dir: /tmp/artifacts
catalog:
  page_size: 10
  cache_ttl_seconds: 60
logging:
  development: true
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
	if cfg.Upstream.BaseURL != "http://upstream.test/api/v2" || cfg.Upstream.APIKey != "ph-key" {
		t.Fatalf("expected upstream overrides to apply: %+v", cfg.Upstream)
	}
	if cfg.Database.Provider != "sqlite" || cfg.Database.SQLite.Path != "/tmp/harvest-test.db" {
		t.Fatalf("expected sqlite provider overrides: %+v", cfg.Database)
	}
	if cfg.Artifacts.Provider != "local" || cfg.Artifacts.Prefix != "archive" {
		t.Fatalf("expected artifact overrides: %+v", cfg.Artifacts)
	}
	if got := cfg.PollInterval(); got != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %v", got)
	}
	if got := cfg.PollBudget(); got != 120*time.Second {
		t.Fatalf("expected poll budget 120s, got %v", got)
	}
	if got := cfg.StatusTimeout(); got != 3*time.Second {
		t.Fatalf("expected status timeout 3s, got %v", got)
	}
	if got := cfg.DataTimeout(); got != 9*time.Second {
		t.Fatalf("expected data timeout 9s, got %v", got)
	}
	if got := cfg.CatalogTTL(); got != time.Minute {
		t.Fatalf("expected catalog TTL 1m, got %v", got)
	}
	// Defaults still fill keys the file omits.
	if cfg.Queue.Provider != "memory" || cfg.Queue.Depth != 64 {
		t.Fatalf("expected queue defaults: %+v", cfg.Queue)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HARVEST_UPSTREAM_API_KEY", "env-key")
	t.Setenv("HARVEST_SERVER_PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.APIKey != "env-key" {
		t.Fatalf("expected env api key, got %q", cfg.Upstream.APIKey)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Upstream: UpstreamConfig{
			APIKey:               "key",
			StatusTimeoutSeconds: 5,
			DataTimeoutSeconds:   15,
		},
		Poller:   PollerConfig{IntervalSeconds: 5, BudgetSeconds: 3600},
		Fetcher:  FetcherConfig{Attempts: 3},
		Database: DatabaseConfig{Provider: "memory"},
		Artifacts: ArtifactsConfig{
			Provider: "noop",
		},
	}

	tests := []struct {
		name string
		cfg  func() Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			},
			want: "server.port",
		},
		{
			name: "missing upstream key",
			cfg: func() Config {
				c := base
				c.Upstream.APIKey = ""
				return c
			},
			want: "upstream.api_key",
		},
		{
			name: "poll interval above ceiling",
			cfg: func() Config {
				c := base
				c.Poller.IntervalSeconds = 11
				return c
			},
			want: "poller.interval_seconds",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.Database.Provider = "postgres"
				return c
			},
			want: "database.postgres.dsn",
		},
		{
			name: "unknown database provider",
			cfg: func() Config {
				c := base
				c.Database.Provider = "oracle"
				return c
			},
			want: "database.provider",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Artifacts.Provider = "gcs"
				return c
			},
			want: "artifacts.gcs.bucket",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			},
			want: "auth.api_key",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg().Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
