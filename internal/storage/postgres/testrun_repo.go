package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/transcript"
)

// messageBatchSize bounds the rows per INSERT when storing transcripts.
const messageBatchSize = 100

// TestrunRepository persists testruns, their environment snapshots and
// messages. It implements transcript.Store.
type TestrunRepository struct {
	db *gorm.DB
}

// NewTestrunRepository creates a TestrunRepository.
func NewTestrunRepository(db *gorm.DB) *TestrunRepository {
	return &TestrunRepository{db: db}
}

// Save writes the testrun, the environment snapshot and msgs in one
// transaction.
func (r *TestrunRepository) Save(ctx context.Context, run *transcript.Testrun, env domain.ExecutionEnvironment, msgs []transcript.Message) error {
	snapshot, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding environment snapshot: %w", err)
	}

	model := toTestrunModel(run)
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Create(&TestrunExecutionEnvironmentModel{
			TestrunID:              run.ID,
			ExecutionEnvironmentID: env.ID,
			Snapshot:               JSONB(snapshot),
		}).Error; err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		rows := make([]TestrunMessageModel, len(msgs))
		for i := range msgs {
			rows[i] = toTestrunMessageModel(&msgs[i], i)
		}
		return tx.CreateInBatches(&rows, messageBatchSize).Error
	})
	if err != nil {
		return wrapErr(err, fmt.Sprintf("saving testrun %s", run.ID))
	}
	return nil
}

// Get returns a testrun by id.
func (r *TestrunRepository) Get(ctx context.Context, id uuid.UUID) (*transcript.Testrun, error) {
	var model TestrunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err, fmt.Sprintf("getting testrun %s", id))
	}
	return toTestrunDomain(&model), nil
}

// ListBySubmission returns the testruns of a submission, newest first.
func (r *TestrunRepository) ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]transcript.Testrun, error) {
	var models []TestrunModel
	if err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing testruns: %w", err)
	}
	runs := make([]transcript.Testrun, len(models))
	for i := range models {
		runs[i] = *toTestrunDomain(&models[i])
	}
	return runs, nil
}

// Messages returns the stored messages of a testrun ordered by timestamp.
func (r *TestrunRepository) Messages(ctx context.Context, testrunID uuid.UUID) ([]transcript.Message, error) {
	var models []TestrunMessageModel
	if err := r.db.WithContext(ctx).
		Where("testrun_id = ?", testrunID).
		Order("timestamp ASC, position ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing testrun messages: %w", err)
	}
	msgs := make([]transcript.Message, len(models))
	for i := range models {
		msgs[i] = toTestrunMessageDomain(&models[i])
	}
	return msgs, nil
}

// Environment returns the environment snapshot stored with a testrun.
func (r *TestrunRepository) Environment(ctx context.Context, testrunID uuid.UUID) (*domain.ExecutionEnvironment, error) {
	var model TestrunExecutionEnvironmentModel
	if err := r.db.WithContext(ctx).First(&model, "testrun_id = ?", testrunID).Error; err != nil {
		return nil, wrapErr(err, fmt.Sprintf("getting environment of testrun %s", testrunID))
	}
	var env domain.ExecutionEnvironment
	if err := json.Unmarshal(model.Snapshot, &env); err != nil {
		return nil, fmt.Errorf("decoding environment snapshot: %w", err)
	}
	return &env, nil
}

var _ transcript.Store = (*TestrunRepository)(nil)
