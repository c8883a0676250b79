package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/codeocean/runbridge/internal/domain"
)

// EnvironmentStore persists execution environments together with their error
// templates. Missing records return an error matching domain.ErrNotFound.
type EnvironmentStore interface {
	Get(ctx context.Context, id int) (*domain.ExecutionEnvironment, error)
	List(ctx context.Context) ([]domain.ExecutionEnvironment, error)
	// Upsert creates or replaces env and its error templates.
	Upsert(ctx context.Context, env domain.ExecutionEnvironment) error
}

// SubmissionStore persists the code snapshots sessions execute.
type SubmissionStore interface {
	Create(ctx context.Context, sub *domain.Submission) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Submission, error)
}

// StructuredErrorStore records error template matches.
type StructuredErrorStore interface {
	CreateBatch(ctx context.Context, errs []domain.StructuredError) error
}
