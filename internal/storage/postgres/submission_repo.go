package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/codeocean/runbridge/internal/domain"
)

// SubmissionRepository persists submissions and their files.
type SubmissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository creates a SubmissionRepository.
func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Create stores sub with its files. A duplicate id yields ErrConflict.
func (r *SubmissionRepository) Create(ctx context.Context, sub *domain.Submission) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	model := toSubmissionModel(sub)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapErr(err, "creating submission")
	}
	return nil
}

// Get returns a submission with its files in their original order.
func (r *SubmissionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Submission, error) {
	var model SubmissionModel
	if err := r.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&model, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err, fmt.Sprintf("getting submission %s", id))
	}
	return toSubmissionDomain(&model), nil
}
