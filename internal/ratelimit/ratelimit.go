// Package ratelimit throttles how often one owner may start execution
// sessions. Each owner has a token bucket that is refilled lazily on Allow.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrRateLimited matches every error returned by Allow.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitError tells the caller when the next token becomes available.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // 0 = unlimited.
	BurstSize         int // 0 = RequestsPerMinute.
}

// Limiter holds one bucket per key.
type Limiter struct {
	buckets *xsync.MapOf[string, *bucket]
	rate    float64 // Tokens per second.
	burst   float64
	now     func() time.Time
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute 0 Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: xsync.NewMapOf[string, *bucket](),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token of key. It returns a *LimitError when the bucket
// is empty. A nil Limiter allows everything.
func (l *Limiter) Allow(key string) error {
	if l == nil || l.rate <= 0 {
		return nil
	}

	now := l.now()
	b, _ := l.buckets.LoadOrCompute(key, func() *bucket {
		return &bucket{tokens: l.burst, lastFill: now}
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return &LimitError{RetryAfter: wait}
	}
	b.tokens--
	return nil
}

// Prune forgets buckets that have been full for longer than idle. It returns
// the number of buckets removed.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil || l.rate <= 0 {
		return 0
	}
	now := l.now()
	cutoff := now.Add(-idle)
	removed := 0
	l.buckets.Range(func(key string, b *bucket) bool {
		b.mu.Lock()
		full := b.tokens+now.Sub(b.lastFill).Seconds()*l.rate >= l.burst
		stale := b.lastFill.Before(cutoff)
		b.mu.Unlock()
		if full && stale {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
