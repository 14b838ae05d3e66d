package remote

import (
	"context"
	"sync"
	"time"
)

// rateLimiter enforces a sliding-window request budget: at most max requests
// within any window. Wait blocks until the oldest tracked request ages out.
type rateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	sent   []time.Time
	now    func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window, now: time.Now}
}

func (r *rateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.max <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		now := r.now()
		cutoff := now.Add(-r.window)
		kept := r.sent[:0]
		for _, t := range r.sent {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		r.sent = kept
		if len(r.sent) < r.max {
			r.sent = append(r.sent, now)
			r.mu.Unlock()
			return nil
		}
		wait := r.sent[0].Sub(cutoff)
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
