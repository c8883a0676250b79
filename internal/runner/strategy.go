// Package runner leases sandboxes ("runners") from the remote runner
// management service and drives executions inside them.
//
// The Manager hands out at most one Runner per owner and execution environment
// at a time; a second concurrent request fails immediately with ErrRunnerInUse.
// Remote calls go through a Strategy selected by configuration.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/codeocean/runbridge/internal/config"
	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
)

// Strategy performs the raw remote operations against a runner management
// service. Implementations do not retry; retry policy lives in Runner.
type Strategy interface {
	RequestRunner(ctx context.Context, env domain.ExecutionEnvironment) (string, error)
	SyncEnvironment(ctx context.Context, env domain.ExecutionEnvironment) error
	CopyFiles(ctx context.Context, runnerID string, files []domain.File) error
	AttachToExecution(ctx context.Context, runnerID, command string) (Connection, error)
	Destroy(ctx context.Context, runnerID string) error
	Health(ctx context.Context) error
}

// Connection is the streaming side of one execution. Events are delivered in
// the order received and the channel is closed after the terminal event.
type Connection interface {
	Events() <-chan protocol.Event
	Send(ctx context.Context, data string) error
	Close() error
}

// StrategyOptions carries the dependencies shared by all strategies.
type StrategyOptions struct {
	Config     config.RunnerManagementConfig
	HTTPClient *http.Client // nil = client with Config.RequestTimeout()
	Tracer     trace.Tracer // nil = no tracing
	Metrics    *Metrics     // nil = no metrics
	Logger     *slog.Logger
}

// Factory builds a Strategy.
type Factory func(opts StrategyOptions) (Strategy, error)

var (
	strategiesMu sync.RWMutex
	strategies   = map[string]Factory{
		"poseidon": func(opts StrategyOptions) (Strategy, error) { return NewPoseidon(opts) },
	}
)

// Register adds a strategy under name, replacing any previous registration.
func Register(name string, f Factory) {
	strategiesMu.Lock()
	defer strategiesMu.Unlock()
	strategies[name] = f
}

// Strategies lists the registered strategy names.
func Strategies() []string {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStrategy builds the strategy named in the config. When runner management
// is disabled, a strategy that rejects every operation is returned.
func NewStrategy(opts StrategyOptions) (Strategy, error) {
	if !opts.Config.Enabled {
		return disabledStrategy{}, nil
	}
	name := opts.Config.StrategyName()

	strategiesMu.RLock()
	f, ok := strategies[name]
	strategiesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown runner management strategy %q (available: %v)", name, Strategies())
	}
	return f(opts)
}

type disabledStrategy struct{}

func (disabledStrategy) err() error {
	return newError(KindUnknown, "runner management is disabled")
}

func (d disabledStrategy) RequestRunner(context.Context, domain.ExecutionEnvironment) (string, error) {
	return "", d.err()
}

func (d disabledStrategy) SyncEnvironment(context.Context, domain.ExecutionEnvironment) error {
	return d.err()
}

func (d disabledStrategy) CopyFiles(context.Context, string, []domain.File) error { return d.err() }

func (d disabledStrategy) AttachToExecution(context.Context, string, string) (Connection, error) {
	return nil, d.err()
}

func (d disabledStrategy) Destroy(context.Context, string) error { return d.err() }

func (d disabledStrategy) Health(context.Context) error { return d.err() }
