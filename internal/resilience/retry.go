package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy bounds how often and how fast a failed call is repeated.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls including the first. Values
	// below 1 mean 1. Default: 2.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt. It doubles for
	// every further attempt. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Default: 5s.
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt. Nil means
	// every error except context cancellation and deadline expiry.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns two attempts with a 500ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// backoff returns the wait before attempt n (n >= 2).
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.InitialBackoff
	for i := 2; i < n && d < p.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, p.MaxBackoff)
}

func (p RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Retry calls fn until it succeeds, returns a non-retryable error or the
// policy's attempts are used up. The last error is returned unchanged.
func Retry[R any](ctx context.Context, policy RetryPolicy, op string, fn func(context.Context) (R, error)) (R, error) {
	policy = policy.withDefaults()
	var (
		result R
		err    error
	)
	for attempt := 1; ; attempt++ {
		result, err = fn(ctx)
		if err == nil || attempt >= policy.MaxAttempts || !policy.retryable(err) || ctx.Err() != nil {
			return result, err
		}
		wait := policy.backoff(attempt + 1)
		slog.Warn("upstream call failed, retrying",
			"op", op, "attempt", attempt, "backoff", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}
}
