package sniper

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Limiter enforces a minimum spacing, plus uniform jitter, between requests
// to one downstream account. All polling engines for that account share a
// single Limiter; the spacing is global across concurrently running jobs.
type Limiter struct {
	mu      sync.Mutex
	spacing time.Duration
	jitMin  time.Duration
	jitMax  time.Duration
	next    time.Time

	now   func() time.Time
	randF func() float64
}

func NewLimiter(spacing, jitterMin, jitterMax time.Duration) *Limiter {
	if jitterMax < jitterMin {
		jitterMax = jitterMin
	}
	return &Limiter{
		spacing: spacing,
		jitMin:  jitterMin,
		jitMax:  jitterMax,
		now:     time.Now,
		randF:   rand.Float64,
	}
}

// Wait blocks until this caller's reserved send time, or until ctx is
// cancelled. The slot is reserved under the lock, so concurrent callers queue
// up spacing+jitter apart; the sleep itself happens outside the lock.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	at := l.next
	if at.Before(now) {
		at = now
	}
	jitter := l.jitMin + time.Duration(l.randF()*float64(l.jitMax-l.jitMin))
	l.next = at.Add(l.spacing + jitter)
	l.mu.Unlock()

	d := at.Sub(now)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
