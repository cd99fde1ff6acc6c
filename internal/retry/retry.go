// Package retry implements the bounded exponential backoff the agent uses
// for checkpoint writes: 100ms -> 5s, factor 2, 3 attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

// Classifier reports whether an error observed from an attempt is worth
// retrying. Non-retriable errors (integrity violations, malformed input)
// abort the retry loop immediately.
type Classifier func(err error) bool

// Policy is the bounded backoff schedule used by Do.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxAttempts  int
}

// Default is the engine's standard backoff: 100ms -> 5s, factor 2, 3
// attempts.
var Default = Policy{
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Factor:       2,
	MaxAttempts:  3,
}

// ErrExhausted wraps the last error observed after all attempts failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Do runs fn up to p.MaxAttempts times, sleeping between attempts per the
// backoff schedule, stopping early if classify returns false (the error is
// non-retriable) or ctx is canceled. A nil classify retries every error.
func Do(ctx context.Context, p Policy, classify Classifier, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	delay := p.InitialDelay
	if delay <= 0 {
		delay = Default.InitialDelay
	}
	factor := p.Factor
	if factor <= 0 {
		factor = Default.Factor
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = Default.MaxDelay
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if classify != nil && !classify(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * factor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}
