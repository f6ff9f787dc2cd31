package queue

import (
	"context"
	"sync"
	"time"
)

// rateLimiter admits at most max starts in any rolling window. A nil
// rateLimiter admits everything.
type rateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	starts []time.Time
	now    func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if max <= 0 || window <= 0 {
		return nil
	}
	return &rateLimiter{max: max, window: window, now: time.Now}
}

// Wait blocks until a start would be admitted. It does not record the start.
func (r *rateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	for {
		r.mu.Lock()
		now := r.now()
		r.evict(now)
		if len(r.starts) < r.max {
			r.mu.Unlock()
			return nil
		}
		wait := r.starts[0].Add(r.window).Sub(now)
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Record registers a start.
func (r *rateLimiter) Record() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, r.now())
}

func (r *rateLimiter) evict(now time.Time) {
	i := 0
	for i < len(r.starts) && !r.starts[i].Add(r.window).After(now) {
		i++
	}
	r.starts = r.starts[i:]
}
