package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/transcript"
)

type mode int

const (
	modeRun mode = iota
	modeAssess
)

func (m mode) cause() string {
	if m == modeAssess {
		return domain.CauseAssess
	}
	return domain.CauseRun
}

// Exit statements written to stdout when the program ends.
const (
	noOutputExitSuccessful = "The program did not produce any output and terminated successfully (exit code %d) at %s."
	noOutputExitFailure    = "The program did not produce any output and terminated with an error (exit code %d) at %s."
	exitSuccessful         = "The program terminated successfully (exit code %d) at %s."
	exitFailure            = "The program terminated with an error (exit code %d) at %s."
)

// exitCodeOutOfMemory is reported when the kernel killed the process.
const exitCodeOutOfMemory = 137

type clientFrame struct {
	data []byte
	err  error
}

type prepareResult struct {
	runner *runner.Runner
	exec   *runner.Execution
	err    error
}

// session is the state of one execution. Everything except the two helper
// goroutines runs on the goroutine that called Service.execute.
type session struct {
	svc    *Service
	client ClientChannel
	req    Request
	mode   mode
	logger *slog.Logger
	limit  int

	start     time.Time
	startedAt time.Time // Zero until the command is attached.
	status    protocol.Status
	output    string
	outputLen int // In characters.
	exitCode  *int
	passed    *bool
	execution time.Duration
	waiting   time.Duration
	messages  []protocol.Message
	hints     int

	done       bool
	clientGone bool

	group         errgroup.Group
	stop          chan struct{}
	cancelPrepare context.CancelFunc
	pending       <-chan prepareResult
	runner        *runner.Runner
	exec          *runner.Execution
}

func (s *Service) execute(ctx context.Context, client ClientChannel, req Request, m mode) (Result, error) {
	sub := req.Submission
	ss := &session{
		svc:    s,
		client: client,
		req:    req,
		mode:   m,
		limit:  s.config.Session.OutputLimit(sub.Cause),
		start:  time.Now(),
		logger: s.logger.With(
			slog.String("submission_id", sub.ID.String()),
			slog.String("cause", m.cause()),
			slog.String("owner", req.owner().Key()),
			slog.Int("execution_environment_id", req.Environment.ID),
		),
	}

	ctx, span := s.tracer.Start(ctx, "session."+m.cause(), trace.WithAttributes(
		attribute.String("submission.id", sub.ID.String()),
		attribute.Int("execution_environment.id", req.Environment.ID),
	))
	defer span.End()

	s.metrics.started()
	if ss.disabled() {
		ss.logger.Info("execution disabled, closing session")
		ss.setStatus(protocol.StatusTerminatedByClient)
	} else {
		ss.bridgeSafely(ctx)
	}

	res, err := ss.finish(ctx)
	span.SetAttributes(attribute.String("session.status", string(res.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (ss *session) disabled() bool {
	if ss.mode == modeAssess {
		return ss.svc.config.Features.DisableScore
	}
	return ss.svc.config.Features.DisableRun
}

func (ss *session) command() string {
	env := ss.req.Environment
	cmd := env.RunCommand
	if ss.mode == modeAssess && env.TestCommand != "" {
		cmd = env.TestCommand
	}
	return expandCommand(cmd, ss.req.File)
}

func (ss *session) bridgeSafely(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			ss.logger.Error("session loop panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			ss.setStatus(protocol.StatusContainerDepleted)
			ss.svc.report(ctx, fmt.Errorf("session loop panic: %v", p))
		}
	}()
	ss.bridge(ctx)
}

// bridge runs the event loop until the session reaches a terminal state.
func (ss *session) bridge(ctx context.Context) {
	frames := make(chan clientFrame)
	ss.stop = make(chan struct{})
	defer close(ss.stop)
	ss.group.Go(func() error {
		ss.readClient(ctx, frames)
		return nil
	})

	prepCtx, cancel := context.WithCancel(ctx)
	ss.cancelPrepare = cancel
	prepared := make(chan prepareResult, 1)
	ss.pending = prepared
	ss.group.Go(func() error {
		prepared <- ss.prepare(prepCtx)
		return nil
	})

	var events <-chan protocol.Event
	for !ss.done {
		select {
		case f := <-frames:
			ss.handleClient(ctx, f)
		case res := <-ss.pending:
			ss.pending = nil
			ss.handlePrepared(ctx, res)
			if ss.exec != nil {
				events = ss.exec.Events()
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				ss.handleRunnerError(ctx, &runner.Error{Kind: runner.KindUnknown, Msg: "execution socket closed without exit"})
				continue
			}
			ss.handleEvent(ctx, ev)
		case <-ctx.Done():
			ss.logger.Debug("session context cancelled")
			ss.clientGone = true
			ss.setStatus(protocol.StatusTerminatedByClient)
			ss.done = true
		}
	}
}

func (ss *session) readClient(ctx context.Context, out chan<- clientFrame) {
	for {
		data, err := ss.client.Read(ctx)
		select {
		case out <- clientFrame{data: data, err: err}:
		case <-ss.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// prepare acquires a runner, copies the submission and attaches the command.
func (ss *session) prepare(ctx context.Context) prepareResult {
	owner := ss.req.owner()
	env := ss.req.Environment

	r, err := ss.svc.runners.Acquire(ctx, owner, env)
	var notFound *runner.EnvironmentNotFoundError
	if errors.As(err, &notFound) && notFound.Synced {
		ss.logger.Info("execution environment synced, requesting runner again")
		r, err = ss.svc.runners.Acquire(ctx, owner, env)
	}
	if err != nil {
		return prepareResult{err: err}
	}

	if err := r.CopyFiles(ctx, ss.req.Submission.Files); err != nil {
		return prepareResult{runner: r, err: fmt.Errorf("copying files: %w", err)}
	}
	exec, err := r.AttachToExecution(ctx, ss.command())
	if err != nil {
		return prepareResult{runner: r, err: fmt.Errorf("attaching to execution: %w", err)}
	}
	return prepareResult{runner: r, exec: exec}
}

func (ss *session) handlePrepared(ctx context.Context, res prepareResult) {
	ss.runner = res.runner
	if res.err != nil {
		ss.handleRunnerError(ctx, res.err)
		return
	}
	ss.exec = res.exec
	ss.startedAt = res.exec.StartingTime
	ss.waiting = ss.startedAt.Sub(ss.start)
	ss.logger.Debug("runner attached",
		slog.String("runner_id", res.runner.ID()),
		slog.Duration("waiting", ss.waiting),
	)
	if ss.mode == modeRun {
		ss.send(ctx, protocol.StatusMessage(protocol.StatusContainerRunning))
	}
}

func (ss *session) handleClient(ctx context.Context, f clientFrame) {
	if f.err != nil {
		ss.logger.Debug("client disconnected", slog.String("reason", f.err.Error()))
		ss.clientGone = true
		ss.setStatus(protocol.StatusTerminatedByClient)
		ss.done = true
		return
	}
	if string(f.data) == "\n" {
		return
	}

	msg, err := protocol.ParseClient(f.data)
	if err != nil {
		ss.svc.metrics.clientMessage("invalid")
		ss.logger.Info("invalid message from client",
			slog.String("data", string(f.data)),
			slog.String("error", err.Error()),
		)
		ss.svc.report(ctx, fmt.Errorf("client message: %w", err), slog.String("data", string(f.data)))
		return
	}

	switch {
	case msg.Cmd == protocol.CmdClientKill:
		ss.svc.metrics.clientMessage("kill")
		ss.logger.Debug("client killed execution")
		ss.setStatus(protocol.StatusTerminatedByClient)
		ss.done = true
	case msg.Cmd.Forwardable():
		if ss.mode != modeRun || ss.exec == nil {
			ss.svc.metrics.clientMessage("dropped")
			ss.logger.Info("cannot forward client message before the runner is attached",
				slog.String("cmd", string(msg.Cmd)),
			)
			return
		}
		if err := ss.exec.Send(ctx, string(f.data)); err != nil {
			ss.logger.Warn("forwarding client message failed", slog.String("error", err.Error()))
			return
		}
		ss.svc.metrics.clientMessage("forwarded")
	default:
		ss.svc.metrics.clientMessage("unknown")
		ss.logger.Info("unknown command from client", slog.String("cmd", string(msg.Cmd)))
		ss.svc.report(ctx, fmt.Errorf("unknown command from client: %q", msg.Cmd), slog.String("data", string(f.data)))
	}
}

func (ss *session) handleEvent(ctx context.Context, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventStart:
		ss.logger.Debug("execution started")
	case protocol.EventStdout, protocol.EventStderr:
		stream := protocol.StreamStdout
		if ev.Type == protocol.EventStderr {
			stream = protocol.StreamStderr
		}
		msg := protocol.FromRunnerOutput(ev.Text(), stream)
		if text, ok := msg.Text(); ok && msg.Cmd == protocol.CmdWrite {
			ss.appendOutput(text)
		}
		if ss.mode == modeRun {
			ss.sendAndStore(ctx, msg)
		} else {
			ss.store(msg)
		}
	case protocol.EventExit:
		code, err := ev.ExitCode()
		if err != nil {
			ss.handleRunnerError(ctx, &runner.Error{Kind: runner.KindUnknown, Err: err})
			return
		}
		ss.handleExit(ctx, code)
	default:
		err := ss.exec.Failure(ev)
		if err == nil {
			ss.logger.Debug("ignoring runner event", slog.String("type", string(ev.Type)))
			return
		}
		ss.handleRunnerError(ctx, err)
	}
}

func (ss *session) handleExit(ctx context.Context, code int) {
	ss.exitCode = &code
	ss.execution = ss.exec.Duration()
	at := time.Now().Format("15:04")

	var statement string
	switch {
	case ss.output == "" && code == 0:
		ss.status = protocol.StatusOK
		statement = fmt.Sprintf(noOutputExitSuccessful, code, at)
	case ss.output == "":
		ss.status = protocol.StatusFailed
		statement = fmt.Sprintf(noOutputExitFailure, code, at)
	case code == 0:
		ss.status = protocol.StatusOK
		statement = "\n" + fmt.Sprintf(exitSuccessful, code, at)
	default:
		ss.status = protocol.StatusFailed
		statement = "\n" + fmt.Sprintf(exitFailure, code, at)
	}

	if ss.mode == modeRun {
		ss.sendAndStore(ctx, protocol.Write(protocol.StreamStdout, statement+"\n"))
	}
	if code == exitCodeOutOfMemory {
		if ss.mode == modeRun {
			ss.sendAndStore(ctx, protocol.StatusMessage(protocol.StatusOutOfMemory))
		}
		ss.status = protocol.StatusOutOfMemory
	}
	if ss.mode == modeAssess {
		passed := code == 0 && ss.status == protocol.StatusOK
		ss.passed = &passed
		ss.sendAndStore(ctx, ss.resultMessage())
	}

	ss.logger.Debug("execution exited", slog.Int("exit_code", code), slog.String("status", string(ss.status)))
	ss.done = true
}

// handleRunnerError maps a runner failure onto the session's terminal state.
func (ss *session) handleRunnerError(ctx context.Context, err error) {
	if ss.done || ss.status != "" {
		return
	}
	if start, execution, waiting, ok := runner.Timing(err); ok {
		if !start.IsZero() {
			ss.startedAt = start
			ss.waiting = start.Sub(ss.start)
		}
		ss.execution = execution
		if waiting > 0 {
			ss.waiting = waiting
		}
	}

	switch {
	case errors.Is(err, runner.ErrRunnerInUse):
		ss.logger.Info("runner in use", slog.String("error", err.Error()))
		ss.sendAndStore(ctx, protocol.StatusMessage(protocol.StatusRunnerInUse))
		ss.setStatus(protocol.StatusRunnerInUse)
	case errors.Is(err, runner.ErrExecutionTimeout):
		ss.logger.Debug("execution timed out", slog.String("error", err.Error()))
		ss.sendAndStore(ctx, protocol.StatusMessage(protocol.StatusTimeout))
		ss.setStatus(protocol.StatusTimeout)
		ss.output = "timeout: " + ss.output
	case errors.Is(err, context.Canceled):
		ss.logger.Debug("preparation cancelled", slog.String("error", err.Error()))
		ss.setStatus(protocol.StatusTerminatedByClient)
	default:
		ss.logger.Warn("runner error", slog.String("error", err.Error()))
		ss.sendAndStore(ctx, protocol.StatusMessage(protocol.StatusContainerDepleted))
		ss.setStatus(protocol.StatusContainerDepleted)
	}

	if ss.mode == modeAssess {
		passed := false
		ss.passed = &passed
	}
	ss.done = true
}

func (ss *session) resultMessage() protocol.Message {
	fields := map[string]json.RawMessage{}
	for k, v := range map[string]any{
		"passed":    ss.passed != nil && *ss.passed,
		"exit_code": ss.exitCode,
		"output":    ss.output,
	} {
		raw, _ := json.Marshal(v)
		fields[k] = raw
	}
	return protocol.Message{Cmd: protocol.CmdResult, Status: ss.status, Fields: fields}
}

// setStatus records status unless a terminal status is already set.
func (ss *session) setStatus(status protocol.Status) {
	if ss.status == "" {
		ss.status = status
	}
}

// appendOutput adds text to the output buffer without exceeding the limit.
func (ss *session) appendOutput(text string) {
	room := ss.limit - ss.outputLen
	if room <= 0 {
		return
	}
	if n := utf8.RuneCountInString(text); n <= room {
		ss.output += text
		ss.outputLen += n
		return
	}
	runes := []rune(text)[:room]
	ss.output += string(runes)
	ss.outputLen += room
}

func (ss *session) timestamp() time.Duration {
	if ss.startedAt.IsZero() {
		return 0
	}
	return time.Since(ss.startedAt)
}

func (ss *session) store(msg protocol.Message) {
	ts := ss.timestamp()
	msg.Timestamp = &ts
	ss.messages = append(ss.messages, msg)
}

func (ss *session) sendAndStore(ctx context.Context, msg protocol.Message) {
	ts := ss.timestamp()
	msg.Timestamp = &ts
	ss.messages = append(ss.messages, msg)
	ss.send(ctx, msg)
}

func (ss *session) send(ctx context.Context, msg protocol.Message) {
	if ss.clientGone {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		ss.logger.Error("encoding client message failed", slog.String("error", err.Error()))
		return
	}
	if err := ss.client.Send(ctx, data); err != nil {
		ss.logger.Debug("client send failed", slog.String("error", err.Error()))
		ss.clientGone = true
	}
}

// finish tears the session down. Every step runs even if an earlier one
// panics.
func (ss *session) finish(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ss.svc.config.Session.TeardownTimeout())
	defer cancel()

	ss.step(ctx, "close runner", func() {
		if ss.cancelPrepare != nil {
			ss.cancelPrepare()
		}
		if ss.pending != nil {
			res := <-ss.pending
			ss.pending = nil
			ss.runner = res.runner
			ss.exec = res.exec
		}
		if ss.exec != nil {
			if err := ss.exec.Close(); err != nil {
				ss.logger.Debug("closing execution failed", slog.String("error", err.Error()))
			}
		}
		if ss.runner != nil {
			ss.runner.Release(ctx)
		}
	})

	if ss.status == "" {
		ss.logger.Warn("session ended without a status")
		ss.status = protocol.StatusContainerDepleted
	}

	ss.step(ctx, "hints", func() { ss.sendHints(ctx) })

	ss.step(ctx, "close client", func() {
		ss.send(ctx, protocol.Exit())
		if err := ss.client.Close(); err != nil {
			ss.logger.Debug("closing client failed", slog.String("error", err.Error()))
		}
		_ = ss.group.Wait()
	})

	res := Result{Status: ss.status, ExitCode: ss.exitCode, Passed: ss.passed}
	var persistErr error
	ss.step(ctx, "persist", func() {
		res.TestrunID, persistErr = ss.persist(ctx)
	})
	if persistErr != nil {
		ss.logger.Error("persisting testrun failed", slog.String("error", persistErr.Error()))
	}

	ss.svc.metrics.finished(ss.mode.cause(), string(ss.status), time.Since(ss.start).Seconds(), ss.hints)
	ss.logger.Info("session finished",
		slog.String("status", string(ss.status)),
		slog.String("testrun_id", res.TestrunID.String()),
		slog.Duration("execution", ss.execution),
		slog.Duration("waiting", ss.waiting),
	)
	return res, persistErr
}

func (ss *session) step(ctx context.Context, name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			ss.logger.Error("session teardown step panicked",
				slog.String("step", name),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			ss.svc.report(ctx, fmt.Errorf("teardown %s panic: %v", name, p))
		}
	}()
	fn()
}

func (ss *session) sendHints(ctx context.Context) {
	matches := matchTemplates(ss.req.Environment.ErrorTemplates, ss.output, ss.req.Submission.ID, ss.logger)
	if len(matches) == 0 {
		return
	}
	if ss.svc.errors != nil {
		if err := ss.svc.errors.CreateBatch(ctx, structuredErrors(matches)); err != nil {
			ss.logger.Warn("storing structured errors failed", slog.String("error", err.Error()))
		}
	}
	if ss.svc.config.Features.DisableHints {
		return
	}
	for _, msg := range hintMessages(matches) {
		ss.sendAndStore(ctx, msg)
		ss.hints++
	}
}

func (ss *session) persist(ctx context.Context) (uuid.UUID, error) {
	run := transcript.Testrun{
		SubmissionID:      ss.req.Submission.ID,
		File:              ss.req.File,
		Cause:             ss.mode.cause(),
		Passed:            ss.passed,
		ExitCode:          ss.exitCode,
		Status:            ss.status,
		ExecutionDuration: ss.execution,
		WaitingDuration:   ss.waiting,
	}
	if ss.output != "" {
		out := ss.output
		run.Output = &out
	}
	if !ss.startedAt.IsZero() {
		started := ss.startedAt.UTC()
		run.StartingTime = &started
	}
	return ss.svc.recorder.Persist(ctx, &transcript.Record{
		Testrun:         run,
		SubmissionCause: ss.req.Submission.Cause,
		Environment:     ss.req.Environment,
		Messages:        ss.messages,
	})
}
