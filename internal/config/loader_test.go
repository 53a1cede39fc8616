package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8090" {
		t.Errorf("expected port 8090, got %s", cfg.Server.Port)
	}
	if cfg.Handover.DebounceWindow != 10*time.Second {
		t.Errorf("expected debounce window 10s, got %v", cfg.Handover.DebounceWindow)
	}
	if cfg.Handover.PipelineTimeout != 2*time.Second {
		t.Errorf("expected pipeline timeout 2s, got %v", cfg.Handover.PipelineTimeout)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
postgres:
  max_conns: 20
logging:
  level: "debug"
handover:
  config_dir: "/etc/rylie/handover"
  ml_timeout: 800ms
  ml_model: "anthropic/claude-haiku"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Handover.ConfigDir != "/etc/rylie/handover" {
		t.Errorf("expected config dir override, got %s", cfg.Handover.ConfigDir)
	}
	if cfg.Handover.MLTimeout != 800*time.Millisecond {
		t.Errorf("expected ml timeout 800ms, got %v", cfg.Handover.MLTimeout)
	}
	if cfg.Handover.MLModel != "anthropic/claude-haiku" {
		t.Errorf("expected model override, got %s", cfg.Handover.MLModel)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
	if cfg.Handover.DebounceWindow != 10*time.Second {
		t.Errorf("expected default debounce window, got %v", cfg.Handover.DebounceWindow)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("HANDOVER_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("HANDOVER_PG_MAX_CONNS", "25")
	t.Setenv("HANDOVER_LOG_LEVEL", "warn")
	t.Setenv("HANDOVER_BREAKER_TIMEOUT", "1m")
	t.Setenv("HANDOVER_DEBOUNCE_WINDOW", "15s")
	t.Setenv("HANDOVER_EVENTS_DRIVER", "redis")
	t.Setenv("HANDOVER_ADMIN_TOKEN", "s3cret")
	t.Setenv("HANDOVER_RATE_LIMIT_RPS", "2.5")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Handover.DebounceWindow != 15*time.Second {
		t.Errorf("expected debounce window 15s, got %v", cfg.Handover.DebounceWindow)
	}
	if cfg.Events.Driver != "redis" {
		t.Errorf("expected events driver redis, got %s", cfg.Events.Driver)
	}
	if cfg.Server.AdminToken != "s3cret" {
		t.Errorf("expected admin token from env, got %q", cfg.Server.AdminToken)
	}
	if cfg.Server.RateLimitRPS != 2.5 {
		t.Errorf("expected rate limit 2.5, got %v", cfg.Server.RateLimitRPS)
	}
}

func TestEnvInvalidValuesIgnored(t *testing.T) {
	cfg := Defaults()

	t.Setenv("HANDOVER_PG_MAX_CONNS", "not-a-number")
	t.Setenv("HANDOVER_ML_TIMEOUT", "soon")

	loadEnv(&cfg)

	if cfg.Postgres.MaxConns != 10 {
		t.Errorf("expected default max_conns, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Handover.MLTimeout != 1500*time.Millisecond {
		t.Errorf("expected default ml timeout, got %v", cfg.Handover.MLTimeout)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "negative rate limit",
			modify: func(c *Config) { c.Server.RateLimitRPS = -1 },
			errMsg: "server.rate_limit_rps must be >= 0",
		},
		{
			name:   "rate limit without burst",
			modify: func(c *Config) { c.Server.RateLimitBurst = 0 },
			errMsg: "server.rate_limit_burst must be >= 1 when rate limiting is enabled",
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name:   "zero max_conns",
			modify: func(c *Config) { c.Postgres.MaxConns = 0 },
			errMsg: "postgres.max_conns must be >= 1",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "unknown events driver",
			modify: func(c *Config) { c.Events.Driver = "kafka" },
			errMsg: `events.driver must be one of nats, redis, log (got "kafka")`,
		},
		{
			name:   "empty config dir",
			modify: func(c *Config) { c.Handover.ConfigDir = "" },
			errMsg: "handover.config_dir is required",
		},
		{
			name:   "ml timeout above pipeline budget",
			modify: func(c *Config) { c.Handover.MLTimeout = 3 * time.Second },
			errMsg: "handover.ml_timeout must be > 0 and <= pipeline_timeout",
		},
		{
			name:   "zero debounce window",
			modify: func(c *Config) { c.Handover.DebounceWindow = 0 },
			errMsg: "handover.debounce_window must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadFrom_FullHierarchy(t *testing.T) {
	// YAML sets port=9090, env overrides to 7070. Env must win.
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
server:
  port: "9090"
logging:
  level: "debug"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HANDOVER_PORT", "7070")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("env should override YAML: got port %q, want 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("YAML should override defaults: got level %q, want debug", cfg.Logging.Level)
	}
}
