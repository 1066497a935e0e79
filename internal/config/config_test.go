package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-platform/internal/domain"
)

var configVars = []string{
	"ENV", "META_DB_PATH", "LISTEN_ADDR", "LOG_LEVEL", "REGIONS_DIR", "WAREHOUSE",
	"DUCKDB_PATH", "GCP_PROJECT", "BIGQUERY_LOCATION", "LOCK_BACKEND", "LOCK_BUCKET", "LOCK_PREFIX",
	"REDIS_ADDR", "LOCK_WAIT_INTERVAL", "SCHEDULE_CRON", "SCHEDULER_ENABLED",
	"MATERIALIZATION_METHOD", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ALLOWED_ORIGINS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configVars {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "ingest_operations.sqlite", cfg.MetaDBPath)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "regions", cfg.RegionsDir)
	assert.Equal(t, WarehouseDuckDB, cfg.Warehouse)
	assert.Equal(t, LockBackendSQLite, cfg.LockBackend)
	assert.Equal(t, 10*time.Second, cfg.LockWaitEvery)
	assert.Equal(t, domain.MaterializationMethodOriginal, cfg.MaterializationMethod)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Len(t, cfg.Warnings, 2)
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "Staging")
	t.Setenv("META_DB_PATH", "/tmp/ops.sqlite")
	t.Setenv("WAREHOUSE", "bigquery")
	t.Setenv("GCP_PROJECT", "recidiviz-staging")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LOCK_WAIT_INTERVAL", "2s")
	t.Setenv("SCHEDULE_CRON", "@hourly")
	t.Setenv("MATERIALIZATION_METHOD", "LATEST")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ops.example.org, https://admin.example.org")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, "/tmp/ops.sqlite", cfg.MetaDBPath)
	assert.Equal(t, WarehouseBigQuery, cfg.Warehouse)
	assert.Equal(t, "recidiviz-staging", cfg.GCPProject)
	assert.Equal(t, LockBackendRedis, cfg.LockBackend)
	assert.Equal(t, 2*time.Second, cfg.LockWaitEvery)
	assert.Equal(t, "@hourly", cfg.ScheduleCron)
	assert.Equal(t, domain.MaterializationMethodLatest, cfg.MaterializationMethod)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, []string{"https://ops.example.org", "https://admin.example.org"}, cfg.CORSAllowedOrigins)
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnv_SchedulerDisabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCHEDULE_CRON", "@hourly")
	t.Setenv("SCHEDULER_ENABLED", "off")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Empty(t, cfg.ScheduleCron)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown env", map[string]string{"ENV": "qa"}, "ENV must be"},
		{"unknown warehouse", map[string]string{"WAREHOUSE": "snowflake"}, "unknown WAREHOUSE"},
		{"bigquery without project", map[string]string{"WAREHOUSE": "bigquery"}, "GCP_PROJECT"},
		{"gcs without bucket", map[string]string{"LOCK_BACKEND": "gcs"}, "LOCK_BUCKET"},
		{"redis without address", map[string]string{"LOCK_BACKEND": "redis"}, "REDIS_ADDR"},
		{"unknown lock backend", map[string]string{"LOCK_BACKEND": "etcd"}, "unknown LOCK_BACKEND"},
		{"unknown method", map[string]string{"MATERIALIZATION_METHOD": "weekly"}, "MATERIALIZATION_METHOD"},
		{"bad wait interval", map[string]string{"LOCK_WAIT_INTERVAL": "soon"}, "LOCK_WAIT_INTERVAL"},
		{"production duckdb", map[string]string{"ENV": "production"}, "WAREHOUSE=bigquery"},
		{
			"production sqlite locks",
			map[string]string{"ENV": "production", "WAREHOUSE": "bigquery", "GCP_PROJECT": "p"},
			"LOCK_BACKEND must be gcs or redis",
		},
		{
			"production cors wildcard",
			map[string]string{"ENV": "production", "WAREHOUSE": "bigquery", "GCP_PROJECT": "p", "LOCK_BACKEND": "redis", "REDIS_ADDR": "r:6379"},
			"CORS wildcard",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFromEnv_Production(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("WAREHOUSE", "bigquery")
	t.Setenv("GCP_PROJECT", "recidiviz-123")
	t.Setenv("LOCK_BACKEND", "gcs")
	t.Setenv("LOCK_BUCKET", "recidiviz-123-locks")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ops.example.org")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "ingest-locks/", cfg.LockPrefix)
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	require.NoError(t, LoadDotEnv("/nonexistent/.env"))
}

func TestLoadDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "# operations db\n" +
		"INGEST_TEST_PLAIN=value\n" +
		"export INGEST_TEST_EXPORTED=exported\n" +
		"INGEST_TEST_QUOTED=\"quoted value\"\n" +
		"INGEST_TEST_PRECEDENCE=from_file\n" +
		"not a pair\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	t.Setenv("INGEST_TEST_PRECEDENCE", "from_env")
	for _, k := range []string{"INGEST_TEST_PLAIN", "INGEST_TEST_EXPORTED", "INGEST_TEST_QUOTED"} {
		t.Cleanup(func() { _ = os.Unsetenv(k) })
	}

	require.NoError(t, LoadDotEnv(envFile))
	assert.Equal(t, "value", os.Getenv("INGEST_TEST_PLAIN"))
	assert.Equal(t, "exported", os.Getenv("INGEST_TEST_EXPORTED"))
	assert.Equal(t, "quoted value", os.Getenv("INGEST_TEST_QUOTED"))
	assert.Equal(t, "from_env", os.Getenv("INGEST_TEST_PRECEDENCE"))
}

func TestStripQuotes(t *testing.T) {
	assert.Equal(t, "a b", stripQuotes(`"a b"`))
	assert.Equal(t, "a b", stripQuotes(`'a b'`))
	assert.Equal(t, `"a b'`, stripQuotes(`"a b'`))
	assert.Equal(t, `"`, stripQuotes(`"`))
}
