package deadline

import (
	"context"
	"time"
)

type contextKey struct{}

// Soft is a wall-clock cutoff after which no new work should start.
// Work already issued is left to finish; nothing is cancelled.
type Soft struct {
	at  time.Time
	now func() time.Time
}

func New(at time.Time, now func() time.Time) *Soft {
	if now == nil {
		now = time.Now
	}
	return &Soft{at: at, now: now}
}

// After builds a deadline maxRuntime from now. A non-positive maxRuntime
// yields a deadline that never expires.
func After(maxRuntime time.Duration, now func() time.Time) *Soft {
	if now == nil {
		now = time.Now
	}
	if maxRuntime <= 0 {
		return &Soft{now: now}
	}
	return &Soft{at: now().Add(maxRuntime), now: now}
}

func (s *Soft) At() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.at
}

func (s *Soft) Exceeded() bool {
	if s == nil || s.at.IsZero() {
		return false
	}
	return !s.now().Before(s.at)
}

// WithSoft attaches the deadline to ctx. The context itself is not given a
// deadline, so in-flight calls are never aborted by it.
func WithSoft(ctx context.Context, soft *Soft) context.Context {
	return context.WithValue(ctx, contextKey{}, soft)
}

func FromContext(ctx context.Context) *Soft {
	soft, _ := ctx.Value(contextKey{}).(*Soft)
	return soft
}

func Exceeded(ctx context.Context) bool {
	return FromContext(ctx).Exceeded()
}
