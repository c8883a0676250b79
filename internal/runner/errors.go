package runner

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the runner management error taxonomy. Every error
// returned by this package matches exactly one of them with errors.Is.
var (
	ErrEnvironmentNotFound = errors.New("execution environment not found at runner management")
	ErrRunnerNotFound      = errors.New("runner not found at runner management")
	ErrExecutionTimeout    = errors.New("execution timed out")
	ErrEnvironmentRejected = errors.New("execution environment rejected by runner management")
	ErrRunnerInUse         = errors.New("runner is already in use")
	ErrUnknown             = errors.New("runner management error")
)

// Kind classifies an *Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindEnvironmentNotFound
	KindRunnerNotFound
	KindExecutionTimeout
	KindEnvironmentRejected
	KindRunnerInUse
)

func (k Kind) sentinel() error {
	switch k {
	case KindEnvironmentNotFound:
		return ErrEnvironmentNotFound
	case KindRunnerNotFound:
		return ErrRunnerNotFound
	case KindExecutionTimeout:
		return ErrExecutionTimeout
	case KindEnvironmentRejected:
		return ErrEnvironmentRejected
	case KindRunnerInUse:
		return ErrRunnerInUse
	default:
		return ErrUnknown
	}
}

// Error is a runner management failure. Timing fields are set once an
// execution has started and are kept so callers can persist partial durations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // Underlying transport or decoding error, if any.

	StartingTime      time.Time
	ExecutionDuration time.Duration
	WaitingDuration   time.Duration
}

func (e *Error) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind.sentinel(), e.Err}
	}
	return []error{e.Kind.sentinel()}
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// EnvironmentNotFoundError is returned when a runner could not be requested
// because the management service does not know the environment. The
// environment has been synced once; Synced tells the caller whether retrying
// the request is worthwhile.
type EnvironmentNotFoundError struct {
	EnvironmentID int
	Synced        bool
	SyncErr       error
}

func (e *EnvironmentNotFoundError) Error() string {
	if e.Synced {
		return fmt.Sprintf("execution environment %d was not found by the runner management yet; it has been synced so the next request should succeed", e.EnvironmentID)
	}
	return fmt.Sprintf("execution environment %d was not found by the runner management and could not be synced: %v", e.EnvironmentID, e.SyncErr)
}

func (e *EnvironmentNotFoundError) Unwrap() error { return ErrEnvironmentNotFound }

// Timing extracts the timing information carried by a runner error.
func Timing(err error) (start time.Time, execution, waiting time.Duration, ok bool) {
	var re *Error
	if !errors.As(err, &re) {
		return time.Time{}, 0, 0, false
	}
	return re.StartingTime, re.ExecutionDuration, re.WaitingDuration, true
}
