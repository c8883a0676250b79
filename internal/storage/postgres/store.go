package postgres

import (
	"context"

	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/session"
	"github.com/codeocean/runbridge/internal/storage"
	"github.com/codeocean/runbridge/internal/transcript"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB *DB

	leases       *RunnerRepository
	environments *EnvironmentRepository
	submissions  *SubmissionRepository
	errors       *StructuredErrorRepository
	testruns     *TestrunRepository
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	db := pgDB.GormDB()
	return &Store{
		pgDB:         pgDB,
		leases:       NewRunnerRepository(db),
		environments: NewEnvironmentRepository(db),
		submissions:  NewSubmissionRepository(db),
		errors:       NewStructuredErrorRepository(db),
		testruns:     NewTestrunRepository(db),
	}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Leases() runner.LeaseStore                      { return s.leases }
func (s *Store) Environments() session.EnvironmentStore         { return s.environments }
func (s *Store) Submissions() session.SubmissionStore           { return s.submissions }
func (s *Store) StructuredErrors() session.StructuredErrorStore { return s.errors }
func (s *Store) Testruns() transcript.Store                     { return s.testruns }

// compile-time interface check
var _ storage.Store = (*Store)(nil)
