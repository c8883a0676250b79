package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/codeocean/runbridge/internal/domain"
)

// StructuredErrorRepository records error template matches.
type StructuredErrorRepository struct {
	db *gorm.DB
}

// NewStructuredErrorRepository creates a StructuredErrorRepository.
func NewStructuredErrorRepository(db *gorm.DB) *StructuredErrorRepository {
	return &StructuredErrorRepository{db: db}
}

// CreateBatch inserts errs in one statement.
func (r *StructuredErrorRepository) CreateBatch(ctx context.Context, errs []domain.StructuredError) error {
	if len(errs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]StructuredErrorModel, len(errs))
	for i := range errs {
		if errs[i].ID == uuid.Nil {
			errs[i].ID = uuid.New()
		}
		if errs[i].CreatedAt.IsZero() {
			errs[i].CreatedAt = now
		}
		models[i] = toStructuredErrorModel(&errs[i])
	}
	if err := r.db.WithContext(ctx).Create(&models).Error; err != nil {
		return fmt.Errorf("creating structured errors: %w", err)
	}
	return nil
}

// ListBySubmission returns the matches recorded for a submission.
func (r *StructuredErrorRepository) ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]domain.StructuredError, error) {
	var models []StructuredErrorModel
	if err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing structured errors: %w", err)
	}
	out := make([]domain.StructuredError, len(models))
	for i, m := range models {
		out[i] = domain.StructuredError{
			ID:              m.ID,
			ErrorTemplateID: m.ErrorTemplateID,
			SubmissionID:    m.SubmissionID,
			Hint:            m.Hint,
			CreatedAt:       m.CreatedAt,
		}
	}
	return out, nil
}
