package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/codeocean/runbridge/internal/domain"
)

// Manager leases runners per owner and execution environment.
type Manager struct {
	strategy Strategy
	store    LeaseStore
	metrics  *Metrics
	logger   *slog.Logger

	locks *xsync.MapOf[string, *sync.Mutex]
}

// NewManager creates a runner manager. metrics may be nil.
func NewManager(strategy Strategy, store LeaseStore, metrics *Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		strategy: strategy,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		locks:    xsync.NewMapOf[string, *sync.Mutex](),
	}
}

func leaseKey(owner domain.Owner, envID int) string {
	return fmt.Sprintf("%s/%d", owner.Key(), envID)
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return mu
}

// Acquire returns the runner leased to owner in env, requesting a new one from
// the management service if none is cached. It never blocks on another
// session: if the lease is held, an error matching ErrRunnerInUse is returned
// immediately. The caller must Release the runner.
func (m *Manager) Acquire(ctx context.Context, owner domain.Owner, env domain.ExecutionEnvironment) (*Runner, error) {
	key := leaseKey(owner, env.ID)
	mu := m.lockFor(key)
	if !mu.TryLock() {
		if m.metrics != nil {
			m.metrics.LeaseConflicts.Inc()
		}
		m.logger.Warn("runner already in use",
			slog.String("owner", owner.Key()),
			slog.Int("execution_environment_id", env.ID),
		)
		return nil, newError(KindRunnerInUse, "owner %s already runs code in environment %d", owner.Key(), env.ID)
	}

	rec, err := m.store.Find(ctx, owner, env.ID)
	switch {
	case errors.Is(err, ErrLeaseNotFound):
		rec = &LeaseRecord{Owner: owner, ExecutionEnvironmentID: env.ID}
		if err := m.requestNewID(ctx, env, rec); err != nil {
			mu.Unlock()
			return nil, err
		}
	case err != nil:
		mu.Unlock()
		return nil, fmt.Errorf("loading runner lease: %w", err)
	}

	if m.metrics != nil {
		m.metrics.LeasesActive.Inc()
	}
	return &Runner{manager: m, env: env, lease: rec, unlock: mu.Unlock}, nil
}

// requestNewID asks the management service for a fresh runner and stores it in
// rec. An unknown environment is synced once and reported to the caller.
func (m *Manager) requestNewID(ctx context.Context, env domain.ExecutionEnvironment, rec *LeaseRecord) error {
	id, err := m.strategy.RequestRunner(ctx, env)
	if errors.Is(err, ErrEnvironmentNotFound) {
		syncErr := m.strategy.SyncEnvironment(ctx, env)
		if syncErr != nil {
			m.logger.Error("syncing execution environment failed",
				slog.Int("execution_environment_id", env.ID),
				slog.String("error", syncErr.Error()),
			)
		}
		return &EnvironmentNotFoundError{EnvironmentID: env.ID, Synced: syncErr == nil, SyncErr: syncErr}
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.RunnerID = id
	rec.LastUsedAt = now
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("saving runner lease: %w", err)
	}
	m.logger.Debug("requested runner",
		slog.String("runner_id", id),
		slog.String("owner", rec.Owner.Key()),
		slog.Int("execution_environment_id", env.ID),
	)
	return nil
}

// SyncEnvironment pushes env to the management service.
func (m *Manager) SyncEnvironment(ctx context.Context, env domain.ExecutionEnvironment) error {
	return m.strategy.SyncEnvironment(ctx, env)
}

// Health reports whether the management service is reachable.
func (m *Manager) Health(ctx context.Context) error {
	return m.strategy.Health(ctx)
}

// Reap destroys runners that have not been used since before. Leases held by
// a running session are skipped. It returns the number of runners removed.
func (m *Manager) Reap(ctx context.Context, before time.Time) (int, error) {
	idle, err := m.store.ListIdle(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("listing idle runners: %w", err)
	}

	reaped := 0
	for _, rec := range idle {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		mu := m.lockFor(leaseKey(rec.Owner, rec.ExecutionEnvironmentID))
		if !mu.TryLock() {
			continue
		}
		err := m.strategy.Destroy(ctx, rec.RunnerID)
		if err != nil && !errors.Is(err, ErrRunnerNotFound) {
			mu.Unlock()
			m.logger.Warn("destroying idle runner failed",
				slog.String("runner_id", rec.RunnerID),
				slog.String("error", err.Error()),
			)
			continue
		}
		err = m.store.Delete(ctx, rec.ID)
		mu.Unlock()
		if err != nil {
			return reaped, fmt.Errorf("deleting runner lease %s: %w", rec.ID, err)
		}
		reaped++
	}

	if m.metrics != nil && reaped > 0 {
		m.metrics.RunnersReaped.Add(float64(reaped))
	}
	return reaped, nil
}
