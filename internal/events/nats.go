// Package events publishes completed testruns to NATS so other services
// (grading, analytics) can react without polling the database.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/codeocean/runbridge/internal/transcript"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// TestrunCompleted is the payload of the {prefix}.testrun.completed subject.
type TestrunCompleted struct {
	TestrunID         uuid.UUID `json:"testrun_id"`
	SubmissionID      uuid.UUID `json:"submission_id"`
	Cause             string    `json:"cause"`
	Status            string    `json:"status"`
	ExitCode          *int      `json:"exit_code"`
	Passed            *bool     `json:"passed"`
	ExecutionDuration float64   `json:"execution_duration"` // Seconds.
	WaitingDuration   float64   `json:"waiting_duration"`   // Seconds.
	CreatedAt         time.Time `json:"created_at"`
}

// Publisher implements transcript.Publisher on top of a NATS connection.
type Publisher struct {
	conn    Conn
	subject string
	logger  *slog.Logger
}

var _ transcript.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher sending to "<prefix>.testrun.completed".
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{conn: conn, subject: prefix + ".testrun.completed", logger: logger}
}

// Connect dials the NATS server at url.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("runbridge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject events are published on.
func (p *Publisher) Subject() string { return p.subject }

// TestrunCompleted publishes run.
func (p *Publisher) TestrunCompleted(_ context.Context, run *transcript.Testrun) error {
	b, err := json.Marshal(TestrunCompleted{
		TestrunID:         run.ID,
		SubmissionID:      run.SubmissionID,
		Cause:             run.Cause,
		Status:            string(run.Status),
		ExitCode:          run.ExitCode,
		Passed:            run.Passed,
		ExecutionDuration: run.ExecutionDuration.Seconds(),
		WaitingDuration:   run.WaitingDuration.Seconds(),
		CreatedAt:         run.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding testrun event: %w", err)
	}
	if err := p.conn.Publish(p.subject, b); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.subject, err)
	}
	p.logger.Debug("testrun event published",
		slog.String("subject", p.subject),
		slog.String("testrun_id", run.ID.String()),
	)
	return nil
}
