package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
)

// Runner is an exclusively leased runner. It is valid until Release.
type Runner struct {
	manager *Manager
	env     domain.ExecutionEnvironment
	lease   *LeaseRecord

	releaseOnce sync.Once
	unlock      func()
}

// ID returns the runner id at the management service.
func (r *Runner) ID() string { return r.lease.RunnerID }

// Environment returns the execution environment the runner belongs to.
func (r *Runner) Environment() domain.ExecutionEnvironment { return r.env }

// CopyFiles writes files into the runner. If the management service no longer
// knows the runner, a new one is requested and the copy is retried once.
func (r *Runner) CopyFiles(ctx context.Context, files []domain.File) error {
	err := r.manager.strategy.CopyFiles(ctx, r.lease.RunnerID, files)
	if !errors.Is(err, ErrRunnerNotFound) {
		return err
	}

	r.manager.logger.Info("runner expired, requesting a new one",
		slog.String("runner_id", r.lease.RunnerID),
		slog.Int("execution_environment_id", r.env.ID),
	)
	if err := r.manager.requestNewID(ctx, r.env, r.lease); err != nil {
		return err
	}
	return r.manager.strategy.CopyFiles(ctx, r.lease.RunnerID, files)
}

// AttachToExecution starts command and returns the execution stream.
func (r *Runner) AttachToExecution(ctx context.Context, command string) (*Execution, error) {
	start := time.Now()
	conn, err := r.manager.strategy.AttachToExecution(ctx, r.lease.RunnerID, command)
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.StartingTime = start
			re.ExecutionDuration = time.Since(start)
		}
		return nil, err
	}
	return &Execution{Connection: conn, StartingTime: start}, nil
}

// DestroyAtManagement removes the runner remotely and forgets the lease.
func (r *Runner) DestroyAtManagement(ctx context.Context) error {
	err := r.manager.strategy.Destroy(ctx, r.lease.RunnerID)
	if err != nil && !errors.Is(err, ErrRunnerNotFound) {
		return err
	}
	return r.manager.store.Delete(ctx, r.lease.ID)
}

// Release marks the runner as used now and frees the lease for the next
// session of the same owner. Safe to call more than once.
func (r *Runner) Release(ctx context.Context) {
	r.releaseOnce.Do(func() {
		if err := r.manager.store.Touch(ctx, r.lease.ID, time.Now().UTC()); err != nil && !errors.Is(err, ErrLeaseNotFound) {
			r.manager.logger.Warn("updating runner lease failed",
				slog.String("runner_id", r.lease.RunnerID),
				slog.String("error", err.Error()),
			)
		}
		if r.manager.metrics != nil {
			r.manager.metrics.LeasesActive.Dec()
		}
		r.unlock()
	})
}

// Execution is one running command.
type Execution struct {
	Connection
	StartingTime time.Time
}

// Duration returns the time elapsed since the command was started.
func (e *Execution) Duration() time.Duration {
	return time.Since(e.StartingTime)
}

// Failure converts a timeout or error event into a runner error carrying
// the elapsed execution time. Other events return nil.
func (e *Execution) Failure(ev protocol.Event) error {
	var kind Kind
	switch ev.Type {
	case protocol.EventTimeout:
		kind = KindExecutionTimeout
	case protocol.EventError:
		kind = KindUnknown
	default:
		return nil
	}
	return &Error{
		Kind:              kind,
		Msg:               ev.Text(),
		StartingTime:      e.StartingTime,
		ExecutionDuration: e.Duration(),
	}
}
