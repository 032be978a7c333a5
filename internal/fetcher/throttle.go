package fetcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// Throttle spaces out calls to the upstream proxy, combining a minimum delay
// between calls with an optional token bucket. It is shared by every sync run
// in the process. A nil Throttle never waits.
type Throttle struct {
	delay   time.Duration
	limiter *rate.Limiter

	mu   sync.Mutex
	last time.Time
}

// NewThrottle creates a throttle; it returns nil when neither a delay nor a
// rate limit is configured.
func NewThrottle(delay time.Duration, rateCfg RateLimiterSettings) *Throttle {
	t := &Throttle{delay: delay}
	if rateCfg.Requests > 0 && rateCfg.Window > 0 {
		interval := rateCfg.Window / time.Duration(rateCfg.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		t.limiter = rate.NewLimiter(rate.Every(interval), rateCfg.Requests)
	}
	if t.delay <= 0 && t.limiter == nil {
		return nil
	}
	return t
}

// Wait blocks until the next upstream call may start.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if t.delay > 0 {
		// Reserve a slot under the lock so concurrent callers queue up.
		t.mu.Lock()
		now := time.Now()
		next := t.last.Add(t.delay)
		if next.Before(now) {
			next = now
		}
		t.last = next
		t.mu.Unlock()

		if sleep := time.Until(next); sleep > 0 {
			timer := time.NewTimer(sleep)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
