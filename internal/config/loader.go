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
const DefaultConfigFile = "datahandover.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
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
	setString(&cfg.Server.Port, "DATAHANDOVER_PORT")
	setString(&cfg.Server.CORSOrigin, "DATAHANDOVER_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "DATAHANDOVER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "DATAHANDOVER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "DATAHANDOVER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "DATAHANDOVER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "DATAHANDOVER_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Handover.StagingURI, "DATAHANDOVER_STAGING_URI")
	setString(&cfg.Handover.ProductionURI, "DATAHANDOVER_PRODUCTION_URI")
	setString(&cfg.Handover.ComparaURI, "DATAHANDOVER_COMPARA_URI")
	setString(&cfg.Handover.LiveURI, "DATAHANDOVER_LIVE_URI")
	setString(&cfg.Handover.DataFilesPath, "DATAHANDOVER_DATA_FILES_PATH")
	setDuration(&cfg.Handover.PollDelay, "DATAHANDOVER_POLL_DELAY")

	setString(&cfg.Services.Healthcheck.URL, "DATAHANDOVER_HC_URL")
	setString(&cfg.Services.Healthcheck.WebURL, "DATAHANDOVER_HC_WEB_URL")
	setString(&cfg.Services.Copy.URL, "DATAHANDOVER_COPY_URL")
	setString(&cfg.Services.Copy.WebURL, "DATAHANDOVER_COPY_WEB_URL")
	setString(&cfg.Services.Metadata.URL, "DATAHANDOVER_METADATA_URL")
	setString(&cfg.Services.Metadata.WebURL, "DATAHANDOVER_METADATA_WEB_URL")

	setString(&cfg.Groups.Core, "DATAHANDOVER_GROUP_CORE")
	setString(&cfg.Groups.Variation, "DATAHANDOVER_GROUP_VARIATION")
	setString(&cfg.Groups.Funcgen, "DATAHANDOVER_GROUP_FUNCGEN")
	setString(&cfg.Groups.Compara, "DATAHANDOVER_GROUP_COMPARA")

	setString(&cfg.SMTP.Host, "DATAHANDOVER_SMTP_HOST")
	setInt(&cfg.SMTP.Port, "DATAHANDOVER_SMTP_PORT")
	setString(&cfg.SMTP.From, "DATAHANDOVER_SMTP_FROM")
	setString(&cfg.SMTP.Password, "DATAHANDOVER_SMTP_PASSWORD")

	setString(&cfg.Logging.Level, "DATAHANDOVER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DATAHANDOVER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "DATAHANDOVER_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "DATAHANDOVER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "DATAHANDOVER_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "DATAHANDOVER_RATE_RPS")
	setInt(&cfg.Rate.Burst, "DATAHANDOVER_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "DATAHANDOVER_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "DATAHANDOVER_RATE_MAX_IDLE_TIME")

	setString(&cfg.Idempotency.Bucket, "DATAHANDOVER_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "DATAHANDOVER_IDEMPOTENCY_TTL")

	setString(&cfg.Otel.Endpoint, "DATAHANDOVER_OTLP_ENDPOINT")
	setBool(&cfg.Otel.Insecure, "DATAHANDOVER_OTLP_INSECURE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
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
	if cfg.Handover.StagingURI == "" {
		return errors.New("handover.staging_uri is required")
	}
	if cfg.Handover.PollDelay <= 0 {
		return errors.New("handover.poll_delay must be positive")
	}
	if cfg.Services.Healthcheck.URL == "" {
		return errors.New("services.healthcheck.url is required")
	}
	if cfg.Services.Copy.URL == "" {
		return errors.New("services.copy.url is required")
	}
	if cfg.Services.Metadata.URL == "" {
		return errors.New("services.metadata.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
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
