// Package ratelimit implements a fixed-window request limiter on top of an
// atomic counter store. Fixed windows admit a burst of up to twice the budget
// across a window boundary; that is the accepted cost of O(1) checks.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Counter is the single store primitive the limiter needs. The cache store
// satisfies it.
type Counter interface {
	Increment(ctx context.Context, key string, ttlOnFirst time.Duration) (int64, bool)
}

// Result reports the outcome of one check. Limit, Remaining, and Reset are
// populated even when the request is denied, so callers can always emit
// rate-limit headers.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter is one fixed-window limiter instance for a single scope. Run one
// instance per scope (e.g. client address, session).
type Limiter struct {
	counter Counter
	scope   string
	window  time.Duration
	max     int64
	logger  zerolog.Logger

	now func() time.Time
}

func New(counter Counter, scope string, window time.Duration, max int64, logger zerolog.Logger) (*Limiter, error) {
	if counter == nil {
		return nil, fmt.Errorf("ratelimit: counter must not be nil")
	}
	if scope == "" {
		return nil, fmt.Errorf("ratelimit: scope must not be empty")
	}
	if window <= 0 || max <= 0 {
		return nil, fmt.Errorf("ratelimit: window and max must be positive")
	}
	return &Limiter{
		counter: counter,
		scope:   scope,
		window:  window,
		max:     max,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Check counts one request for identity and decides whether it fits the
// current window. When the counter store is unavailable the request is
// allowed and a warning is logged: chat availability outranks strict quota
// enforcement.
func (l *Limiter) Check(ctx context.Context, identity string) Result {
	if identity == "" {
		identity = "anonymous"
	}
	reset := l.now().Add(l.window)

	count, ok := l.counter.Increment(ctx, "rate-limit:"+l.scope+":"+identity, l.window)
	if !ok {
		l.logger.Warn().Str("scope", l.scope).Msg("rate limit store unavailable, allowing request")
		return Result{Allowed: true, Limit: l.max, Remaining: l.max, Reset: reset}
	}

	remaining := l.max - count
	if remaining < 0 {
		remaining = 0
	}
	if count > l.max {
		return Result{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: l.window,
		}
	}
	return Result{Allowed: true, Limit: l.max, Remaining: remaining, Reset: reset}
}
