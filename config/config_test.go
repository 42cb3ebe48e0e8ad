package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	// GIVEN: A path that does not exist
	path := filepath.Join(t.TempDir(), "absent.toml")

	// WHEN: Loading
	cfg, err := Load(path)

	// THEN: Defaults are returned and valid
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.Audit.Interval.Duration)
	assert.False(t, cfg.Redis.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN: A TOML file selecting postgres and redis
	path := writeConfig(t, `
log_level = "debug"

[server]
port = 9090
read_timeout = "5s"

[database]
driver = "postgres"
dsn = "postgres://ledger:secret@db:5432/prices"

[redis]
enabled = true
addr = "cache:6379"
channel = "prices"

[audit]
interval = "0s"
`)

	// WHEN: Loading
	cfg, err := Load(path)

	// THEN: File values win, untouched fields keep defaults
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Duration)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout.Duration)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://ledger:secret@db:5432/prices", cfg.Database.DSN)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, "prices", cfg.Redis.Channel)
	assert.Zero(t, cfg.Audit.Interval.Duration)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// GIVEN: A file and environment overrides for the same keys
	path := writeConfig(t, `
[server]
port = 9090
`)
	t.Setenv("PRICELEDGER_SERVER_PORT", "7070")
	t.Setenv("PRICELEDGER_SERVER_CORS_ORIGINS", "https://admin.example.com, https://ops.example.com")
	t.Setenv("PRICELEDGER_AUDIT_INTERVAL", "15m")
	t.Setenv("PRICELEDGER_REDIS_ENABLED", "true")
	t.Setenv("PRICELEDGER_DATABASE_SQLITE_PATH", "/var/lib/prices.db")

	// WHEN: Loading
	cfg, err := Load(path)

	// THEN: Environment wins
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, []string{"https://admin.example.com", "https://ops.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 15*time.Minute, cfg.Audit.Interval.Duration)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "/var/lib/prices.db", cfg.Database.SQLitePath)
}

func TestLoad_MalformedFile(t *testing.T) {
	// GIVEN: A file with a bad duration
	path := writeConfig(t, `
[audit]
interval = "soon"
`)

	// WHEN: Loading
	_, err := Load(path)

	// THEN: The decode error surfaces
	assert.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	// GIVEN: A config broken in several places
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Database.Driver = "mysql"
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""

	// WHEN: Validating
	err := cfg.Validate()

	// THEN: All problems are reported together
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "server: port")
	assert.Contains(t, err.Error(), "unknown driver")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestValidate_PostgresNeedsHostOrDSN(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Driver = DriverPostgres

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database: host")

	cfg.Database.DSN = "postgres://localhost/prices"
	assert.NoError(t, cfg.Validate())
}
