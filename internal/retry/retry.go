// Package retry runs provider and ledger calls with bounded attempts and backoff.
package retry

import (
	"context"
	"time"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

// Policy bounds a retried call. Zero values fall back to a single attempt
// with no per-attempt timeout.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timeout bounds each attempt when positive.
	Timeout time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to apperr.Retryable.
	Retryable func(error) bool
}

// UnlessPermanent retries everything except the permanent error classes.
func UnlessPermanent(err error) bool {
	return !apperr.Permanent(err)
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperr.Retryable
	}

	var err error
	for attempt := 0; attempt < p.attempts(); attempt++ {
		if attempt > 0 {
			t := time.NewTimer(p.delay(attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}

		err = call(ctx, p.Timeout, fn)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
