// Package retry runs an operation a bounded number of times with a linear
// backoff between attempts. Only errors the caller classifies as transient are
// retried; anything else ends the loop immediately.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// ExhaustedError is returned when every attempt failed transiently, or when
// the caller's context ended while waiting for the next attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Policy holds the retry budget. A Policy is safe for concurrent use; each
// Do call gets its own backoff state.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	newTimer    func() backoff.Timer
	onRetry     func(attempt int, delay time.Duration, err error)
}

// Option configures a Policy.
type Option func(*Policy)

// WithTimerFactory replaces the wall-clock timer used between attempts.
// Tests use it to observe delays without sleeping.
func WithTimerFactory(fn func() backoff.Timer) Option {
	return func(p *Policy) {
		p.newTimer = fn
	}
}

// WithRetryHook runs fn before each wait, with the attempt that just failed.
func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(p *Policy) {
		p.onRetry = fn
	}
}

// New creates a policy; non-positive values fall back to the defaults.
func New(maxAttempts int, baseDelay time.Duration, opts ...Option) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	p := &Policy{maxAttempts: maxAttempts, baseDelay: baseDelay}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// MaxAttempts returns the attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Delay returns the wait before the given attempt: zero for the first,
// then baseDelay times the number of attempts already made.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.baseDelay * time.Duration(attempt-1)
}

// Do runs op until it succeeds, returns a non-transient error, or the budget
// runs out. It returns the number of attempts made.
//
// A non-transient error is returned as is. Running out of attempts, or ctx
// ending mid-backoff, yields *ExhaustedError wrapping the last failure.
func (p *Policy) Do(ctx context.Context, op Operation, transient Classifier) (int, error) {
	var (
		attempts  int
		permanent error
		last      error
	)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		last = err
		if transient == nil || !transient(err) {
			permanent = err
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		if p.onRetry != nil {
			p.onRetry(attempts, delay, err)
		}
	}

	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}

	b := backoff.WithContext(&linearBackOff{base: p.baseDelay, maxAttempts: p.maxAttempts}, ctx)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	switch {
	case err == nil:
		return attempts, nil
	case permanent != nil:
		return attempts, permanent
	case last != nil:
		return attempts, &ExhaustedError{Attempts: attempts, Err: last}
	default:
		return attempts, &ExhaustedError{Attempts: attempts, Err: err}
	}
}

// linearBackOff yields base, 2*base, ... and stops once maxAttempts attempts
// have been handed out.
type linearBackOff struct {
	base        time.Duration
	maxAttempts int
	retries     int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	if b.retries >= b.maxAttempts-1 {
		return backoff.Stop
	}
	b.retries++
	return b.base * time.Duration(b.retries)
}

func (b *linearBackOff) Reset() {
	b.retries = 0
}
