package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "handover-engine.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("HANDOVER_CONFIG_FILE"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "HANDOVER_PORT")
	setString(&cfg.Server.CORSOrigin, "HANDOVER_CORS_ORIGIN")
	setString(&cfg.Server.AdminToken, "HANDOVER_ADMIN_TOKEN")
	setString(&cfg.Server.SecretsDir, "HANDOVER_SECRETS_DIR")
	setFloat64(&cfg.Server.RateLimitRPS, "HANDOVER_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "HANDOVER_RATE_LIMIT_BURST")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "HANDOVER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "HANDOVER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "HANDOVER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "HANDOVER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "HANDOVER_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setInt(&cfg.NATS.MaxInFlight, "HANDOVER_NATS_MAX_IN_FLIGHT")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Redis.ChannelPrefix, "REDIS_CHANNEL_PREFIX")

	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")

	setString(&cfg.Logging.Level, "HANDOVER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "HANDOVER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "HANDOVER_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "HANDOVER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "HANDOVER_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "HANDOVER_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "HANDOVER_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "HANDOVER_CACHE_L2_TTL")

	// OTEL
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "HANDOVER_OTEL_INSECURE")
	setDuration(&cfg.OTEL.ExportInterval, "HANDOVER_OTEL_EXPORT_INTERVAL")

	setString(&cfg.Events.Driver, "HANDOVER_EVENTS_DRIVER")

	// Handover pipeline
	setString(&cfg.Handover.ConfigDir, "HANDOVER_CONFIG_DIR")
	setDuration(&cfg.Handover.ReloadInterval, "HANDOVER_RELOAD_INTERVAL")
	setDuration(&cfg.Handover.ConfigCacheTTL, "HANDOVER_CONFIG_CACHE_TTL")
	setDuration(&cfg.Handover.DebounceWindow, "HANDOVER_DEBOUNCE_WINDOW")
	setDuration(&cfg.Handover.PipelineTimeout, "HANDOVER_PIPELINE_TIMEOUT")
	setDuration(&cfg.Handover.MLTimeout, "HANDOVER_ML_TIMEOUT")
	setString(&cfg.Handover.MLModel, "HANDOVER_ML_MODEL")
	setInt(&cfg.Handover.MLMaxTokens, "HANDOVER_ML_MAX_TOKENS")
	setString(&cfg.Handover.InboundSubject, "HANDOVER_INBOUND_SUBJECT")
	setDuration(&cfg.Handover.JanitorInterval, "HANDOVER_JANITOR_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimitRPS < 0 {
		return errors.New("server.rate_limit_rps must be >= 0")
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	switch cfg.Events.Driver {
	case "nats", "redis", "log":
	default:
		return fmt.Errorf("events.driver must be one of nats, redis, log (got %q)", cfg.Events.Driver)
	}
	if cfg.Handover.ConfigDir == "" {
		return errors.New("handover.config_dir is required")
	}
	if cfg.Handover.PipelineTimeout <= 0 {
		return errors.New("handover.pipeline_timeout must be > 0")
	}
	if cfg.Handover.MLTimeout <= 0 || cfg.Handover.MLTimeout > cfg.Handover.PipelineTimeout {
		return errors.New("handover.ml_timeout must be > 0 and <= pipeline_timeout")
	}
	if cfg.Handover.DebounceWindow <= 0 {
		return errors.New("handover.debounce_window must be > 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
