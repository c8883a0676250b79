package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codeocean/runbridge/internal/domain"
)

// EnvironmentRepository persists execution environments and their error
// templates.
type EnvironmentRepository struct {
	db *gorm.DB
}

// NewEnvironmentRepository creates an EnvironmentRepository.
func NewEnvironmentRepository(db *gorm.DB) *EnvironmentRepository {
	return &EnvironmentRepository{db: db}
}

// Get returns the environment with the given id, templates included.
func (r *EnvironmentRepository) Get(ctx context.Context, id int) (*domain.ExecutionEnvironment, error) {
	var model ExecutionEnvironmentModel
	if err := r.db.WithContext(ctx).
		Preload("ErrorTemplates", func(db *gorm.DB) *gorm.DB { return db.Order("name ASC") }).
		First(&model, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err, fmt.Sprintf("getting execution environment %d", id))
	}
	return toEnvironmentDomain(&model), nil
}

// List returns all environments ordered by id.
func (r *EnvironmentRepository) List(ctx context.Context) ([]domain.ExecutionEnvironment, error) {
	var models []ExecutionEnvironmentModel
	if err := r.db.WithContext(ctx).
		Preload("ErrorTemplates").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing execution environments: %w", err)
	}
	envs := make([]domain.ExecutionEnvironment, len(models))
	for i := range models {
		envs[i] = *toEnvironmentDomain(&models[i])
	}
	return envs, nil
}

// Upsert creates or replaces env. Its error templates replace the stored set.
func (r *EnvironmentRepository) Upsert(ctx context.Context, env domain.ExecutionEnvironment) error {
	env.Normalize()
	model := toEnvironmentModel(&env)
	templates := model.ErrorTemplates
	model.ErrorTemplates = nil

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "docker_image", "pool_size", "cpu_limit", "memory_limit",
				"network_enabled", "exposed_ports", "permitted_execution_time",
				"run_command", "test_command", "testing_framework", "updated_at",
			}),
		}).Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Where("execution_environment_id = ?", env.ID).
			Delete(&ErrorTemplateModel{}).Error; err != nil {
			return err
		}
		if len(templates) == 0 {
			return nil
		}
		return tx.Create(&templates).Error
	})
	if err != nil {
		return fmt.Errorf("upserting execution environment %d: %w", env.ID, err)
	}
	return nil
}
