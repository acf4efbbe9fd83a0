// Package breaker is a small circuit breaker. guardxp puts one in front of
// SQLite connection acquisition so that an unreachable database is detected
// once and later calls fail fast instead of each waiting out db_timeout.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("breaker: open")

// State is the breaker position.
type State int

const (
	Closed   State = iota // calls pass
	Open                  // calls rejected
	HalfOpen              // probes allowed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	threshold int
	cooldown  time.Duration
	probes    int
	now       func() time.Time
	onChange  func(from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the breaker.
func WithThreshold(n int) Option { return func(b *Breaker) { b.threshold = n } }

// WithCooldown sets how long the breaker stays open before half-open.
func WithCooldown(d time.Duration) Option { return func(b *Breaker) { b.cooldown = d } }

// WithProbes sets how many half-open successes close the breaker again.
func WithProbes(n int) Option { return func(b *Breaker) { b.probes = n } }

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(b *Breaker) { b.now = fn } }

// OnStateChange registers fn, called with the lock held on every transition.
func OnStateChange(fn func(from, to State)) Option { return func(b *Breaker) { b.onChange = fn } }

// New returns a closed breaker: 3 failures to open, 10s cooldown, 1 probe.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: 3,
		cooldown:  10 * time.Second,
		probes:    1,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current position, moving Open to HalfOpen when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	return b.state
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	return b.State() != Open
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.probes {
			b.set(Closed)
		}
	case Closed:
		b.failures = 0
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.set(Open)
		}
	case HalfOpen:
		b.set(Open)
	}
}

func (b *Breaker) tick() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		b.set(HalfOpen)
	}
}

func (b *Breaker) set(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == Open {
		b.openedAt = b.now()
	}
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
