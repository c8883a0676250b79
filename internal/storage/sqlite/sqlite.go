// Package sqlite implements storage.Store using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - JSONB columns use TEXT type (SQLite stores JSON as text natively)
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/session"
	"github.com/codeocean/runbridge/internal/storage"
	pgstore "github.com/codeocean/runbridge/internal/storage/postgres"
	"github.com/codeocean/runbridge/internal/transcript"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path, or MemoryPath.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	// All sub-stores reuse the PostgreSQL repositories since they operate on
	// the same GORM models.
	leases       *pgstore.RunnerRepository
	environments *pgstore.EnvironmentRepository
	submissions  *pgstore.SubmissionRepository
	errors       *pgstore.StructuredErrorRepository
	testruns     *pgstore.TestrunRepository
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	var dsn string
	if cfg.Path == MemoryPath {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	} else {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if cfg.Path == MemoryPath {
		// Every connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{
		db:           db,
		logger:       slogger,
		path:         cfg.Path,
		leases:       pgstore.NewRunnerRepository(db),
		environments: pgstore.NewEnvironmentRepository(db),
		submissions:  pgstore.NewSubmissionRepository(db),
		errors:       pgstore.NewStructuredErrorRepository(db),
		testruns:     pgstore.NewTestrunRepository(db),
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
// Uses the same models as the PostgreSQL backend.
func (s *Store) Migrate(_ context.Context) error {
	if err := s.db.AutoMigrate(pgstore.Models()...); err != nil {
		return fmt.Errorf("sqlite auto-migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// --- Sub-store accessors ---

func (s *Store) Leases() runner.LeaseStore                      { return s.leases }
func (s *Store) Environments() session.EnvironmentStore         { return s.environments }
func (s *Store) Submissions() session.SubmissionStore           { return s.submissions }
func (s *Store) StructuredErrors() session.StructuredErrorStore { return s.errors }
func (s *Store) Testruns() transcript.Store                     { return s.testruns }

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
