package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeocean/runbridge/internal/domain"
)

// ErrLeaseNotFound is returned by LeaseStore.Find when no runner is cached.
var ErrLeaseNotFound = errors.New("runner lease not found")

// LeaseRecord maps an owner and execution environment to a remote runner id.
type LeaseRecord struct {
	ID                     uuid.UUID
	RunnerID               string
	ExecutionEnvironmentID int
	Owner                  domain.Owner
	CreatedAt              time.Time
	LastUsedAt             time.Time
}

// LeaseStore persists runner leases. At most one record exists per owner and
// execution environment.
type LeaseStore interface {
	Find(ctx context.Context, owner domain.Owner, envID int) (*LeaseRecord, error)
	// Save inserts the record or updates the existing one for the same key.
	Save(ctx context.Context, rec *LeaseRecord) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ListIdle returns leases not used since before, oldest first.
	ListIdle(ctx context.Context, before time.Time) ([]LeaseRecord, error)
}

// MemoryLeaseStore is a LeaseStore backed by a map. Used in tests and when no
// database is configured.
type MemoryLeaseStore struct {
	mu     sync.RWMutex
	leases map[uuid.UUID]*LeaseRecord
}

// NewMemoryLeaseStore creates an empty in-memory lease store.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[uuid.UUID]*LeaseRecord)}
}

func (s *MemoryLeaseStore) Find(_ context.Context, owner domain.Owner, envID int) (*LeaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.leases {
		if rec.Owner == owner && rec.ExecutionEnvironmentID == envID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrLeaseNotFound
}

func (s *MemoryLeaseStore) Save(_ context.Context, rec *LeaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.leases {
		if existing.Owner == rec.Owner && existing.ExecutionEnvironmentID == rec.ExecutionEnvironmentID && id != rec.ID {
			rec.ID = id
			rec.CreatedAt = existing.CreatedAt
			break
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.LastUsedAt.IsZero() {
		rec.LastUsedAt = rec.CreatedAt
	}
	cp := *rec
	s.leases[rec.ID] = &cp
	return nil
}

func (s *MemoryLeaseStore) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.leases[id]
	if !ok {
		return ErrLeaseNotFound
	}
	rec.LastUsedAt = at
	return nil
}

func (s *MemoryLeaseStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, id)
	return nil
}

func (s *MemoryLeaseStore) ListIdle(_ context.Context, before time.Time) ([]LeaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LeaseRecord
	for _, rec := range s.leases {
		if rec.LastUsedAt.Before(before) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out, nil
}
