// Package circuitbreaker stops calling a failing remote dependency for a
// cooldown and lets one probe through afterwards. otterflow uses it to fall
// back to an in-process feedback run when Temporal is unreachable.
package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	// Closed: calls go to the remote.
	Closed State = iota
	// Open: calls skip the remote until the cooldown ends.
	Open
	// HalfOpen: one probe call is in flight.
	HalfOpen
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

const (
	DefaultThreshold = 3
	DefaultCooldown  = 30 * time.Second
)

type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers fn for every transition. fn runs with the
// breaker locked and must not call back into it.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	onChange  func(from, to State)
	now       func() time.Time
}

func New(opts ...Option) *Breaker {
	b := &Breaker{threshold: DefaultThreshold, cooldown: DefaultCooldown, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the caller may try the remote now. Once the
// cooldown of an open breaker ends, exactly one caller gets true and the
// breaker goes half-open until that caller reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transition(HalfOpen)
			return true
		}
	}
	return false
}

// Success closes the breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transition(Closed)
}

// Failure counts a failed call. A failed probe reopens the breaker at once.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.threshold) {
		b.openedAt = b.now()
		b.transition(Open)
	}
}

// State does not advance an expired cooldown; Allow does.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
