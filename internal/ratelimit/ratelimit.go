// Package ratelimit bounds how often each caller may start a git execution.
//
// Every caller ID owns a token bucket that refills continuously at the
// configured rate. Refill is computed on demand, so the limiter runs no
// goroutines; callers that stay idle are forgotten by Prune.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrRateLimited matches every *LimitError.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitError reports a rejected call and when the caller may try again.
type LimitError struct {
	Caller     string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s; retry in %s", e.Caller, e.RetryAfter.Round(time.Millisecond))
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter extracts the suggested wait from err, or 0 when err is not a
// rate-limit rejection.
func RetryAfter(err error) time.Duration {
	var le *LimitError
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

// Config sets the per-caller budget.
type Config struct {
	RequestsPerMinute int // Sustained rate. 0 disables limiting.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter holds one bucket per caller. A caller never draws from another
// caller's bucket.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	perSec  float64
	size    float64
	now     func() time.Time
}

type bucket struct {
	level   float64
	updated time.Time
}

// refill tops the bucket up for the time elapsed since its last update.
func (b *bucket) refill(now time.Time, perSec, size float64) {
	b.level = math.Min(size, b.level+now.Sub(b.updated).Seconds()*perSec)
	b.updated = now
}

// NewLimiter creates a limiter. The bucket holds at least one token.
func NewLimiter(cfg Config) *Limiter {
	size := cfg.BurstSize
	if size <= 0 {
		size = cfg.RequestsPerMinute
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		perSec:  float64(cfg.RequestsPerMinute) / 60,
		size:    math.Max(1, float64(size)),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *Limiter) Enabled() bool { return l != nil && l.perSec > 0 }

// Allow takes one token from the caller's bucket. A caller seen for the
// first time starts with a full bucket. On rejection the error is a
// *LimitError carrying the time until the next token.
func (l *Limiter) Allow(caller string) error {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[caller]
	if b == nil {
		b = &bucket{level: l.size, updated: now}
		l.buckets[caller] = b
	}
	b.refill(now, l.perSec, l.size)

	if b.level < 1 {
		wait := time.Duration((1 - b.level) / l.perSec * float64(time.Second))
		return &LimitError{Caller: caller, RetryAfter: wait}
	}
	b.level--
	return nil
}

// Prune forgets callers whose bucket has not been touched for idle and
// returns how many were dropped. A forgotten caller comes back with a full
// bucket.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	dropped := 0
	for caller, b := range l.buckets {
		if b.updated.Before(cutoff) {
			delete(l.buckets, caller)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of callers currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
