package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/runner"
)

// RunnerRepository persists runner leases. It implements runner.LeaseStore.
type RunnerRepository struct {
	db *gorm.DB
}

// NewRunnerRepository creates a RunnerRepository.
func NewRunnerRepository(db *gorm.DB) *RunnerRepository {
	return &RunnerRepository{db: db}
}

// Find returns the lease for owner in the given environment, or
// runner.ErrLeaseNotFound.
func (r *RunnerRepository) Find(ctx context.Context, owner domain.Owner, envID int) (*runner.LeaseRecord, error) {
	var model RunnerModel
	err := r.db.WithContext(ctx).
		Where("execution_environment_id = ? AND owner_type = ? AND owner_id = ?", envID, owner.Type, owner.ID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, runner.ErrLeaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding runner for %s: %w", owner.Key(), err)
	}
	rec := toLeaseRecord(&model)
	return &rec, nil
}

// Save upserts rec on its owner and environment. rec.ID and rec.CreatedAt are
// refreshed from the stored row.
func (r *RunnerRepository) Save(ctx context.Context, rec *runner.LeaseRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = time.Now().UTC()
	}
	model := toRunnerModel(rec)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "execution_environment_id"},
				{Name: "owner_type"},
				{Name: "owner_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"runner_id", "last_used_at", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving runner %s: %w", rec.RunnerID, err)
	}

	var stored RunnerModel
	if err := r.db.WithContext(ctx).
		Select("id", "created_at").
		Where("execution_environment_id = ? AND owner_type = ? AND owner_id = ?",
			rec.ExecutionEnvironmentID, rec.Owner.Type, rec.Owner.ID).
		First(&stored).Error; err != nil {
		return wrapErr(err, "reloading runner lease")
	}
	rec.ID = stored.ID
	rec.CreatedAt = stored.CreatedAt
	return nil
}

// Touch records that the lease was used at the given time.
func (r *RunnerRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&RunnerModel{}).
		Where("id = ?", id).
		Update("last_used_at", at)
	if result.Error != nil {
		return fmt.Errorf("touching runner lease %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return runner.ErrLeaseNotFound
	}
	return nil
}

// Delete removes a lease. Deleting a missing lease is not an error.
func (r *RunnerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&RunnerModel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting runner lease %s: %w", id, err)
	}
	return nil
}

// ListIdle returns leases last used before the given time, oldest first.
func (r *RunnerRepository) ListIdle(ctx context.Context, before time.Time) ([]runner.LeaseRecord, error) {
	var models []RunnerModel
	if err := r.db.WithContext(ctx).
		Where("last_used_at < ?", before).
		Order("last_used_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing idle runners: %w", err)
	}
	out := make([]runner.LeaseRecord, len(models))
	for i := range models {
		out[i] = toLeaseRecord(&models[i])
	}
	return out, nil
}

var _ runner.LeaseStore = (*RunnerRepository)(nil)
