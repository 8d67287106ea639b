// Package retry runs operations under a bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/orbit/internal/domain/errs"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Retryable classifies errors; defaults to errs.IsTransient.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used when callers do not configure one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Retryable:       errs.IsTransient,
	}
}

func (p Policy) normalise() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Retryable == nil {
		p.Retryable = def.Retryable
	}
	return p
}

// Notify observes a failed attempt before the loop sleeps.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// attempt budget or ctx ends. It reports the number of attempts made.
func Do(ctx context.Context, policy Policy, op func(context.Context) error, notify Notify) (int, error) {
	policy = policy.normalise()
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = policy.InitialInterval
	backoffCfg.MaxInterval = policy.MaxInterval

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, fmt.Errorf("retry aborted: %w", lastErr)
			}
			return attempt - 1, fmt.Errorf("retry aborted: %w", err)
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !policy.Retryable(lastErr) || attempt == policy.MaxAttempts {
			return attempt, lastErr
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = policy.MaxInterval
		}
		if notify != nil {
			notify(attempt, lastErr, sleep)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry aborted: %w", lastErr)
		case <-timer.C:
		}
	}
	return policy.MaxAttempts, lastErr
}
