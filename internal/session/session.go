// Package session runs submissions inside leased runners and bridges the
// execution to a browser client.
//
// A session owns two duplex channels: the client channel (a WebSocket to the
// browser) and the runner connection (the execution socket at the runner
// management). A single loop goroutine consumes both, so the order of messages
// on each channel is preserved and all session state is mutated in one place.
// When the loop ends, teardown always closes the runner connection, sends
// hints and the final exit message, and persists the transcript.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/codeocean/runbridge/internal/config"
	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/transcript"
)

// ClientChannel is the browser side of a session. Read blocks until a frame
// arrives and returns an error once the channel is closed.
type ClientChannel interface {
	Read(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	Close() error
}

// ErrorReporter receives problems that do not fail a session but should be
// looked at, such as malformed client messages.
type ErrorReporter interface {
	Report(ctx context.Context, err error, attrs ...slog.Attr)
}

// Config holds the settings sessions read.
type Config struct {
	Session  config.SessionConfig
	Features config.FeaturesConfig
}

// Request describes what a session executes.
type Request struct {
	Submission  *domain.Submission
	Environment domain.ExecutionEnvironment
	Owner       domain.Owner // Zero value means the submission's owner.
	File        string       // Filepath substituted into the command.
}

func (r Request) owner() domain.Owner {
	if r.Owner != (domain.Owner{}) {
		return r.Owner
	}
	return r.Submission.Owner
}

// Result summarizes a finished session.
type Result struct {
	TestrunID uuid.UUID
	Status    protocol.Status
	ExitCode  *int
	Passed    *bool
}

// Service starts execution sessions.
type Service struct {
	runners     *runner.Manager
	envs        EnvironmentStore
	submissions SubmissionStore
	errors      StructuredErrorStore
	recorder    *transcript.Recorder
	reporter    ErrorReporter
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	config      Config
}

// NewService creates a session service. metrics may be nil.
func NewService(
	runners *runner.Manager,
	envs EnvironmentStore,
	submissions SubmissionStore,
	recorder *transcript.Recorder,
	metrics *Metrics,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		runners:     runners,
		envs:        envs,
		submissions: submissions,
		recorder:    recorder,
		metrics:     metrics,
		tracer:      noop.NewTracerProvider().Tracer(""),
		logger:      logger,
		config:      cfg,
	}
}

// WithStructuredErrors records every error template match in store.
func (s *Service) WithStructuredErrors(store StructuredErrorStore) *Service {
	s.errors = store
	return s
}

// WithErrorReporter sends recoverable client errors to r.
func (s *Service) WithErrorReporter(r ErrorReporter) *Service {
	s.reporter = r
	return s
}

// WithTracer traces each session as one span.
func (s *Service) WithTracer(t trace.Tracer) *Service {
	if t != nil {
		s.tracer = t
	}
	return s
}

// Load resolves a submission and its execution environment into a Request.
// Errors match domain.ErrNotFound when either is missing.
func (s *Service) Load(ctx context.Context, submissionID uuid.UUID, file string) (Request, error) {
	sub, err := s.submissions.Get(ctx, submissionID)
	if err != nil {
		return Request{}, fmt.Errorf("loading submission: %w", err)
	}
	env, err := s.envs.Get(ctx, sub.ExecutionEnvironmentID)
	if err != nil {
		return Request{}, fmt.Errorf("loading execution environment: %w", err)
	}
	if file != "" {
		if _, ok := sub.File(file); !ok {
			return Request{}, fmt.Errorf("file %q of submission %s: %w", file, sub.ID, domain.ErrNotFound)
		}
	}
	return Request{Submission: sub, Environment: *env, File: file}, nil
}

// Run executes the environment's run command and streams the output to
// client. It returns once the client has received the exit message and the
// transcript is stored; the error is non-nil only if storing failed.
func (s *Service) Run(ctx context.Context, client ClientChannel, req Request) (Result, error) {
	return s.execute(ctx, client, req, modeRun)
}

// Assess executes the environment's test command without streaming output
// and reports the outcome to client as a single result message.
func (s *Service) Assess(ctx context.Context, client ClientChannel, req Request) (Result, error) {
	return s.execute(ctx, client, req, modeAssess)
}

func (s *Service) report(ctx context.Context, err error, attrs ...slog.Attr) {
	if s.reporter == nil {
		return
	}
	s.reporter.Report(ctx, err, attrs...)
}
