// Package circuit implements the consecutive-failure circuit breaker that
// gates outbound calls to a degraded dependency.
//
// A Breaker is safe for concurrent use. It is meant to be created once per
// dependency at process start and injected into every client that talks to
// that dependency, so all calls share one failure count.
//
// Half-open handling is optimistic: once the reset timeout has elapsed since
// the last failure, the next Admit closes the circuit and clears the count,
// and every caller after it is admitted as well until failures accumulate
// again.
package circuit

import (
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// State is the externally visible breaker position.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// StateChange describes a transition caused by a single call.
type StateChange struct {
	Opened bool
	Closed bool
}

// Snapshot is a point-in-time copy of the breaker counters.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	LastFailureAt       time.Time
	Threshold           int
	ResetTimeout        time.Duration
}

// IsOpen reports whether the snapshot was taken while the circuit was open.
func (s Snapshot) IsOpen() bool {
	return s.State == StateOpen
}

// Breaker counts consecutive failures and refuses admission while open.
// Invariant: open implies failures >= threshold.
type Breaker struct {
	mu sync.Mutex

	name         string
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	listeners    []func(name string, change StateChange)

	failures    int
	lastFailure time.Time
	open        bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithResetTimeout sets how long the circuit stays open after the last failure.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChangeHook registers fn to run after the circuit opens or closes.
// fn runs outside the breaker lock.
func WithStateChangeHook(fn func(name string, change StateChange)) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.listeners = append(b.listeners, fn)
		}
	}
}

// New creates a closed breaker.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:         name,
		threshold:    DefaultFailureThreshold,
		resetTimeout: DefaultResetTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// OnStateChange adds fn to the hooks run on every open or close, including
// the close performed by Admit once the reset window has passed.
func (b *Breaker) OnStateChange(fn func(name string, change StateChange)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Admit reports whether a call may be attempted. An open circuit whose reset
// window has elapsed is closed here and the call is admitted.
func (b *Breaker) Admit() bool {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return true
	}
	if b.now().Sub(b.lastFailure) <= b.resetTimeout {
		b.mu.Unlock()
		return false
	}
	b.open = false
	b.failures = 0
	b.mu.Unlock()

	b.notify(StateChange{Closed: true})
	return true
}

// RecordSuccess clears the failure count. A success that lands while the
// circuit is open (a call admitted before it opened) closes it, keeping the
// open-implies-threshold invariant.
func (b *Breaker) RecordSuccess() StateChange {
	b.mu.Lock()
	var change StateChange
	if b.open {
		b.open = false
		change.Closed = true
	}
	b.failures = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	b.notify(change)
	return change
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (b *Breaker) RecordFailure() StateChange {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	var change StateChange
	if !b.open && b.failures >= b.threshold {
		b.open = true
		change.Opened = true
	}
	b.mu.Unlock()

	b.notify(change)
	return change
}

// IsOpen reports whether the circuit is open. It does not apply the reset
// window; use Admit for gating.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// State returns the current position.
func (b *Breaker) State() State {
	if b.IsOpen() {
		return StateOpen
	}
	return StateClosed
}

// Snapshot returns a copy of the counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := StateClosed
	if b.open {
		state = StateOpen
	}
	return Snapshot{
		Name:                b.name,
		State:               state,
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailure,
		Threshold:           b.threshold,
		ResetTimeout:        b.resetTimeout,
	}
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasOpen := b.open
	b.open = false
	b.failures = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	if wasOpen {
		b.notify(StateChange{Closed: true})
	}
}

func (b *Breaker) notify(change StateChange) {
	if !change.Opened && !change.Closed {
		return
	}
	b.mu.Lock()
	listeners := append(([]func(string, StateChange))(nil), b.listeners...)
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(b.name, change)
	}
}
