// Package storage defines the Store interface that groups all persistence
// used by the service. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/session"
	"github.com/codeocean/runbridge/internal/transcript"
)

// Store gives access to the domain sub-stores of one database. The returned
// stores share the same underlying connection.
type Store interface {
	Leases() runner.LeaseStore
	Environments() session.EnvironmentStore
	Submissions() session.SubmissionStore
	StructuredErrors() session.StructuredErrorStore
	Testruns() transcript.Store

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
