package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges, in order: Defaults, the TOML file at path, a .env file in
// the working directory, and PRICELEDGER_* environment variables.
// A missing file at path is not an error; an empty path skips the file.
// The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PRICELEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PRICELEDGER_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.ReadTimeout, "PRICELEDGER_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "PRICELEDGER_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PRICELEDGER_SERVER_SHUTDOWN_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.Driver, "PRICELEDGER_DATABASE_DRIVER")
	setStr(&cfg.Database.SQLitePath, "PRICELEDGER_DATABASE_SQLITE_PATH")
	setStr(&cfg.Database.DSN, "PRICELEDGER_DATABASE_DSN")
	setStr(&cfg.Database.Host, "PRICELEDGER_DATABASE_HOST")
	setInt(&cfg.Database.Port, "PRICELEDGER_DATABASE_PORT")
	setStr(&cfg.Database.Name, "PRICELEDGER_DATABASE_NAME")
	setStr(&cfg.Database.User, "PRICELEDGER_DATABASE_USER")
	setStr(&cfg.Database.Password, "PRICELEDGER_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "PRICELEDGER_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "PRICELEDGER_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "PRICELEDGER_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "PRICELEDGER_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PRICELEDGER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PRICELEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PRICELEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PRICELEDGER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "PRICELEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Channel, "PRICELEDGER_REDIS_CHANNEL")
	setStr(&cfg.Redis.Stream, "PRICELEDGER_REDIS_STREAM")

	// ── Audit ──
	setDuration(&cfg.Audit.Interval, "PRICELEDGER_AUDIT_INTERVAL")

	setStr(&cfg.LogLevel, "PRICELEDGER_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set and parses.

func setStr(dst *string, key string) {
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
