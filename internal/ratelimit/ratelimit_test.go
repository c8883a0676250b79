package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = c.now
	return l, c
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("user/alice"); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("user/alice"); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if err := l.Allow("user/alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	err := l.Allow("user/alice")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third request error = %v, want ErrRateLimited", err)
	}
	var le *LimitError
	if !errors.As(err, &le) || le.RetryAfter <= 0 || le.RetryAfter > time.Second {
		t.Errorf("retry after = %v", err)
	}

	if err := l.Allow("user/bob"); err != nil {
		t.Errorf("other owner limited: %v", err)
	}

	c.advance(time.Second)
	if err := l.Allow("user/alice"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestPrune(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	_ = l.Allow("user/alice")
	_ = l.Allow("user/bob")

	if n := l.Prune(time.Minute); n != 0 {
		t.Errorf("pruned %d fresh buckets", n)
	}
	c.advance(2 * time.Minute)
	if n := l.Prune(time.Minute); n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
}
