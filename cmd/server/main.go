/*
main.go - Application entry point

PURPOSE:
  Starts the price ledger API. Loads configuration, opens the configured
  store, wires the engine, the optional Redis publisher and the drift
  scheduler, and shuts everything down on SIGINT/SIGTERM.

STARTUP SEQUENCE:
  1. Parse flags, load and validate config
  2. Open store (SQLite file or PostgreSQL pool, migrations applied)
  3. Connect the Redis publisher when [redis] enabled = true
  4. Optionally load a demo catalog (-seed)
  5. Run HTTP server and drift scheduler in one errgroup

COMMAND-LINE FLAGS:
  -config  Path to TOML config (default: config.toml; missing file = defaults)
  -seed    Demo scenario to load at startup (wipes the store)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the drift scheduler
  4. Close Redis and the database

EXAMPLES:
  # Local SQLite file with a demo catalog
  ./server -seed=price-drop

  # PostgreSQL and Redis from the environment
  PRICELEDGER_DATABASE_DRIVER=postgres \
  PRICELEDGER_DATABASE_DSN=postgres://ledger@localhost/prices \
  PRICELEDGER_REDIS_ENABLED=true ./server

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/pricewatch/price-ledger/api"
	"github.com/pricewatch/price-ledger/catalog"
	"github.com/pricewatch/price-ledger/config"
	"github.com/pricewatch/price-ledger/events"
	redisevents "github.com/pricewatch/price-ledger/events/redis"
	"github.com/pricewatch/price-ledger/store/postgres"
	"github.com/pricewatch/price-ledger/store/sqlite"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	seed := flag.String("seed", "", "demo scenario to load at startup (wipes the store)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *seed, logger); err != nil {
		logger.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, seed string, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := catalog.NewEngine(store)
	engine.Logger = logger

	pub, closePub, err := openPublisher(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closePub()
	engine.Publisher = pub

	handler := api.NewHandler(store, engine, logger)
	drift := api.NewDriftScheduler(handler.Auditor, cfg.Audit.Interval.Duration, logger)
	handler.Drift = drift

	if seed != "" {
		if err := handler.Seed(ctx, seed); err != nil {
			return fmt.Errorf("seed %s: %w", seed, err)
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", slog.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return drift.Run(ctx)
	})

	return g.Wait()
}

// openStore returns the configured backend and a function that releases it.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (api.Backend, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		client, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.DSN,
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Name,
			User:     cfg.User,
			Password: cfg.Password,
			SSLMode:  cfg.SSLMode,
			MaxConns: cfg.PoolMaxConns,
			MinConns: cfg.PoolMinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := client.RunMigrations(ctx); err != nil {
				client.Close()
				return nil, nil, err
			}
		}
		logger.Info("using postgres store", slog.String("host", cfg.Host), slog.String("database", cfg.Name))
		return client.Store(), client.Close, nil

	default:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.Info("using sqlite store", slog.String("path", cfg.SQLitePath))
		return store, func() { _ = store.Close() }, nil
	}
}

// openPublisher returns the Redis publisher when enabled and events.Nop
// otherwise, with a function that releases it.
func openPublisher(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (catalog.Publisher, func(), error) {
	if !cfg.Enabled {
		logger.Info("redis disabled, price changes are only logged")
		return events.Nop{}, func() {}, nil
	}

	pub, err := redisevents.New(ctx, redisevents.Config{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		TLSEnabled: cfg.TLSEnabled,
		Channel:    cfg.Channel,
		Stream:     cfg.Stream,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("publishing price changes to redis", slog.String("addr", cfg.Addr))
	return pub, func() { _ = pub.Close() }, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
