package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
)

// Publisher announces completed testruns to other systems.
type Publisher interface {
	TestrunCompleted(ctx context.Context, run *Testrun) error
}

// Record is everything a session hands over when it ends.
type Record struct {
	Testrun         Testrun
	SubmissionCause string // Selects the message budgets.
	Environment     domain.ExecutionEnvironment
	Messages        []protocol.Message
}

// Recorder filters and persists session transcripts.
type Recorder struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// WithPublisher announces every persisted testrun through p.
func (r *Recorder) WithPublisher(p Publisher) *Recorder {
	r.publisher = p
	return r
}

// Persist stores the summary of rec and, unless the session ended ok, its
// filtered messages. It returns the testrun id.
func (r *Recorder) Persist(ctx context.Context, rec *Record) (uuid.UUID, error) {
	run := rec.Testrun
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = protocol.StatusOK
	}

	var msgs []Message
	if run.Status != protocol.StatusOK {
		msgs = Filter(rec.Messages, rec.SubmissionCause)
		for i := range msgs {
			msgs[i].ID = uuid.New()
			msgs[i].TestrunID = run.ID
		}
	}

	if err := r.store.Save(ctx, &run, rec.Environment, msgs); err != nil {
		return uuid.Nil, fmt.Errorf("persisting testrun: %w", err)
	}
	rec.Testrun = run

	r.logger.Debug("testrun persisted",
		slog.String("testrun_id", run.ID.String()),
		slog.String("status", string(run.Status)),
		slog.Int("messages", len(msgs)),
	)

	if r.publisher != nil {
		if err := r.publisher.TestrunCompleted(ctx, &run); err != nil {
			r.logger.Warn("publishing testrun event failed",
				slog.String("testrun_id", run.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return run.ID, nil
}

// Get returns a stored testrun.
func (r *Recorder) Get(ctx context.Context, id uuid.UUID) (*Testrun, error) {
	return r.store.Get(ctx, id)
}

// Messages returns the stored messages of a testrun in timestamp order.
func (r *Recorder) Messages(ctx context.Context, id uuid.UUID) ([]Message, error) {
	return r.store.Messages(ctx, id)
}

// ListBySubmission returns the testruns of a submission, newest first.
func (r *Recorder) ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]Testrun, error) {
	return r.store.ListBySubmission(ctx, submissionID)
}
