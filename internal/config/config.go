// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"ingest-platform/internal/domain"
)

// Warehouse backends.
const (
	WarehouseDuckDB   = "duckdb"
	WarehouseBigQuery = "bigquery"
)

// Lock backends.
const (
	LockBackendSQLite = "sqlite"
	LockBackendGCS    = "gcs"
	LockBackendRedis  = "redis"
)

// Config holds the configuration for the ingest server and CLI.
type Config struct {
	Env        string // development (default), staging or production
	MetaDBPath string // path to the SQLite operations database
	ListenAddr string // HTTP listen address (default ":8080")
	LogLevel   string // debug, info, warn, error (default "info")
	RegionsDir string // directory of region YAML definitions

	Warehouse  string // duckdb (default) or bigquery
	DuckDBPath string // DuckDB database file; empty means in-memory
	GCPProject string // BigQuery project, required for the bigquery warehouse
	BQLocation string // BigQuery dataset location (default "US")

	LockBackend   string // sqlite (default), gcs or redis
	LockBucket    string // GCS bucket, required for the gcs lock backend
	LockPrefix    string // object or key prefix for gcs and redis locks
	RedisAddr     string // Redis address, required for the redis lock backend
	LockWaitEvery time.Duration

	ScheduleCron          string // cron spec for the ingest scheduler; empty disables it
	MaterializationMethod domain.MaterializationMethod

	// Rate limiting on the admin API.
	RateLimitRPS   float64
	RateLimitBurst int

	CORSAllowedOrigins []string // allowed origins for the admin API (default: ["*"])

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Env:          strings.ToLower(os.Getenv("ENV")),
		MetaDBPath:   os.Getenv("META_DB_PATH"),
		ListenAddr:   os.Getenv("LISTEN_ADDR"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		RegionsDir:   os.Getenv("REGIONS_DIR"),
		Warehouse:    strings.ToLower(os.Getenv("WAREHOUSE")),
		DuckDBPath:   os.Getenv("DUCKDB_PATH"),
		GCPProject:   os.Getenv("GCP_PROJECT"),
		BQLocation:   os.Getenv("BIGQUERY_LOCATION"),
		LockBackend:  strings.ToLower(os.Getenv("LOCK_BACKEND")),
		LockBucket:   os.Getenv("LOCK_BUCKET"),
		LockPrefix:   os.Getenv("LOCK_PREFIX"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		ScheduleCron: os.Getenv("SCHEDULE_CRON"),
	}

	if v := os.Getenv("MATERIALIZATION_METHOD"); v != "" {
		cfg.MaterializationMethod = domain.MaterializationMethod(strings.ToLower(v))
	}
	if v := os.Getenv("LOCK_WAIT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("LOCK_WAIT_INTERVAL: %w", err)
		}
		cfg.LockWaitEvery = d
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = origins
	}
	if !parseBoolEnvDefault("SCHEDULER_ENABLED", true) {
		cfg.ScheduleCron = ""
	}

	// Defaults
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "ingest_operations.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RegionsDir == "" {
		cfg.RegionsDir = "regions"
	}
	if cfg.Warehouse == "" {
		cfg.Warehouse = WarehouseDuckDB
	}
	if cfg.BQLocation == "" {
		cfg.BQLocation = "US"
	}
	if cfg.LockBackend == "" {
		cfg.LockBackend = LockBackendSQLite
	}
	if cfg.LockPrefix == "" {
		cfg.LockPrefix = "ingest-locks/"
	}
	if cfg.LockWaitEvery == 0 {
		cfg.LockWaitEvery = 10 * time.Second
	}
	if cfg.MaterializationMethod == "" {
		cfg.MaterializationMethod = domain.MaterializationMethodOriginal
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 100
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Warehouse == WarehouseDuckDB && cfg.DuckDBPath == "" {
		cfg.Warnings = append(cfg.Warnings, "DUCKDB_PATH not set, ingest view results are kept in memory")
	}
	if cfg.ScheduleCron == "" {
		cfg.Warnings = append(cfg.Warnings, "SCHEDULE_CRON not set, the ingest scheduler is disabled")
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	switch c.Warehouse {
	case WarehouseDuckDB:
	case WarehouseBigQuery:
		if c.GCPProject == "" {
			return fmt.Errorf("GCP_PROJECT is required when WAREHOUSE=bigquery")
		}
	default:
		return fmt.Errorf("unknown WAREHOUSE %q", c.Warehouse)
	}

	switch c.LockBackend {
	case LockBackendSQLite:
	case LockBackendGCS:
		if c.LockBucket == "" {
			return fmt.Errorf("LOCK_BUCKET is required when LOCK_BACKEND=gcs")
		}
	case LockBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}

	switch c.MaterializationMethod {
	case domain.MaterializationMethodOriginal, domain.MaterializationMethodLatest:
	default:
		return fmt.Errorf("MATERIALIZATION_METHOD must be original or latest, got %q", c.MaterializationMethod)
	}

	// Production ingest never runs against a local warehouse or a local lock file.
	if c.IsProduction() {
		if c.Warehouse != WarehouseBigQuery {
			return fmt.Errorf("WAREHOUSE=bigquery is required in production")
		}
		if c.LockBackend == LockBackendSQLite {
			return fmt.Errorf("LOCK_BACKEND must be gcs or redis in production")
		}
		if len(c.CORSAllowedOrigins) == 1 && c.CORSAllowedOrigins[0] == "*" {
			return fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}
	return nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "0", "false", "no", "off":
		return false
	case "1", "true", "yes", "on":
		return true
	default:
		return defaultVal
	}
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Environment variables win over the file.
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("setenv %s: %w", key, err)
		}
	}
	return scanner.Err()
}

// stripQuotes removes matching surrounding double or single quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
