// Copyright 2024-2026 Aiku AI

package coursesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryAfterError lets an operation ask for a longer wait before the next
// attempt, e.g. from a 429 Retry-After hint.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryPolicy is an exponential backoff policy: the wait starts at
// BaseDelay, doubles after every failed attempt and is capped at MaxDelay.
// A RetryAfterError raises the next wait to its hint, still capped.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether a failed attempt may be retried. Nil retries
	// everything.
	Retryable func(error) bool

	// newTimer overrides the backoff timer, for tests.
	newTimer func() backoff.Timer
}

// DefaultRetryPolicy is five attempts, 1s doubling to a 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. op receives the 1-based attempt number. notify, if
// set, is called before every wait. Do returns the number of attempts made
// and the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) error, notify func(err error, wait time.Duration)) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	hinted := &hintedBackOff{BackOff: exp, max: p.MaxDelay}
	// WithMaxRetries treats zero as unlimited.
	var limited backoff.BackOff = &backoff.StopBackOff{}
	if maxAttempts > 1 {
		limited = backoff.WithMaxRetries(hinted, uint64(maxAttempts-1))
	}
	b := backoff.WithContext(limited, ctx)

	attempts := 0
	operation := func() error {
		attempts++
		err := op(attempts)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		var retryAfterErr *RetryAfterError
		if errors.As(err, &retryAfterErr) {
			hinted.hint = retryAfterErr.After
		}
		return err
	}

	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}
	var notifyFn backoff.Notify
	if notify != nil {
		notifyFn = backoff.Notify(notify)
	}
	err := backoff.RetryNotifyWithTimer(operation, b, notifyFn, timer)
	return attempts, err
}

// hintedBackOff raises the delegate's next interval to a one-shot hint.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.hint > next {
		next = h.hint
	}
	h.hint = 0
	if h.max > 0 && next > h.max {
		next = h.max
	}
	return next
}

func (h *hintedBackOff) Reset() {
	h.hint = 0
	h.BackOff.Reset()
}
