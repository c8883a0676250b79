package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/lmittmann/tint"

	"github.com/codeocean/runbridge/internal/config"
	"github.com/codeocean/runbridge/internal/observability"
	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/storage"
	pgstore "github.com/codeocean/runbridge/internal/storage/postgres"
	sqlitestore "github.com/codeocean/runbridge/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   storage.Store
	Obs     *observability.Observability
	Runners *runner.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by RUNBRIDGE_CONFIG or --config.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("RUNBRIDGE_CONFIG", configPath))
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Format == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// initShared opens storage, runs migrations, seeds the configured execution
// environments and builds the runner manager. Callers must call sc.Cleanup().
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
	)

	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	for _, env := range cfg.Environments() {
		if err := store.Environments().Upsert(ctx, env); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("storing execution environment %d: %w", env.ID, err)
		}
	}
	logger.Debug("execution environments loaded", slog.Int("count", len(cfg.ExecutionEnvironments)))

	reg := obs.Metrics.RegistryOrNil()
	runnerMetrics := runner.NewMetrics(reg)
	strategy, err := runner.NewStrategy(runner.StrategyOptions{
		Config:  cfg.RunnerManagement,
		Tracer:  obs.TracerOrNil(),
		Metrics: runnerMetrics,
		Logger:  logger,
	})
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing runner management: %w", err)
	}
	sc.Runners = runner.NewManager(strategy, store.Leases(), runnerMetrics, logger)
	logger.Debug("runner management initialized",
		slog.Bool("enabled", cfg.RunnerManagement.Enabled),
		slog.String("strategy", cfg.RunnerManagement.StrategyName()),
	)

	return sc, nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
