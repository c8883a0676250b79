// Package transcript records the outcome of an execution session: a summary
// row (the testrun), a snapshot of the execution environment used, and a
// size-bounded selection of the messages exchanged.
package transcript

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
)

// Testrun is the persisted summary of one session.
type Testrun struct {
	ID                uuid.UUID
	SubmissionID      uuid.UUID
	File              string // Empty when the session did not target a single file.
	Cause             string // domain.CauseRun or domain.CauseAssess.
	Passed            *bool
	ExitCode          *int
	Status            protocol.Status
	Output            *string
	ExecutionDuration time.Duration
	WaitingDuration   time.Duration
	StartingTime      *time.Time
	CreatedAt         time.Time
}

// Message is one stored transcript message. At most one of Log and Data is set.
type Message struct {
	ID        uuid.UUID
	TestrunID uuid.UUID
	Cmd       protocol.Command
	Stream    protocol.Stream
	Log       *string
	Data      map[string]json.RawMessage
	Timestamp time.Duration
}

// Log concatenates the stdout and stderr writes of msgs, in order. Returns ""
// when there are none.
func Log(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Cmd != protocol.CmdWrite || m.Log == nil {
			continue
		}
		if m.Stream == protocol.StreamStdout || m.Stream == protocol.StreamStderr {
			b.WriteString(*m.Log)
		}
	}
	return b.String()
}

// Store persists transcripts. Lookups that match nothing return an error
// matching domain.ErrNotFound.
type Store interface {
	// Save writes run, the environment snapshot, and msgs atomically.
	Save(ctx context.Context, run *Testrun, env domain.ExecutionEnvironment, msgs []Message) error
	Get(ctx context.Context, id uuid.UUID) (*Testrun, error)
	ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]Testrun, error)
	Messages(ctx context.Context, testrunID uuid.UUID) ([]Message, error)
	Environment(ctx context.Context, testrunID uuid.UUID) (*domain.ExecutionEnvironment, error)
}
