package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"shelfsync/pkg/types"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryOptions configures a Retrier.
type RetryOptions struct {
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt; it doubles for
	// each following gap.
	BaseDelay time.Duration
	Throttle  *Throttle
	Sleep     SleepFunc
	Logger    *slog.Logger
}

// Retrier wraps a Fetcher with bounded retries and exponential backoff.
type Retrier struct {
	fetcher     Fetcher
	maxAttempts int
	baseDelay   time.Duration
	throttle    *Throttle
	sleep       SleepFunc
	logger      *slog.Logger
}

// NewRetrier builds a Retrier. MaxAttempts defaults to 3 and BaseDelay to 2s.
func NewRetrier(f Fetcher, opts RetryOptions) *Retrier {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay < 0 {
		opts.BaseDelay = 0
	} else if opts.BaseDelay == 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Retrier{
		fetcher:     f,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		throttle:    opts.Throttle,
		sleep:       opts.Sleep,
		logger:      opts.Logger,
	}
}

// Backoff returns the wait between attempt i and i+1, counting from zero.
func (r *Retrier) Backoff(i int) time.Duration {
	return r.baseDelay * time.Duration(1<<uint(i))
}

// FetchWithRetry returns the body of the first successful response. A
// response counts as success only when its status is 2xx and its body is
// non-empty.
func (r *Retrier) FetchWithRetry(ctx context.Context, target string, headers map[string]string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	req := types.FetchRequest{URL: u, Headers: headers}

	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		logger := r.logger.With("url", target, "attempt", i+1, "max_attempts", r.maxAttempts)

		if err := r.throttle.Wait(ctx); err != nil {
			return "", err
		}

		body, err := r.attempt(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		logger.Warn("fetch attempt failed", "error", err)

		if i < r.maxAttempts-1 {
			delay := r.Backoff(i)
			logger.Debug("waiting before retry", "delay", delay)
			if err := r.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
	}
	return "", &ExhaustedRetriesError{Attempts: r.maxAttempts, LastErr: lastErr}
}

func (r *Retrier) attempt(ctx context.Context, req types.FetchRequest) (string, error) {
	page, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return "", err
	}
	if page.StatusCode < 200 || page.StatusCode > 299 {
		return "", &StatusError{StatusCode: page.StatusCode, Body: string(page.Body)}
	}
	if len(page.Body) == 0 {
		return "", ErrEmptyBody
	}
	return string(page.Body), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
