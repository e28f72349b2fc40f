// Package circuitbreaker guards outbound webhook destinations. A destination
// that keeps failing trips its breaker; while the breaker is open the worker
// skips the HTTP call and reschedules the message, so one dead receiver does
// not burn the delivery budget of every pump pass.
package circuitbreaker

import (
	"sync"
	"time"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Defaults used by NewGroup.
const (
	DefaultFailureThreshold = 5
	DefaultOpenFor          = 2 * time.Minute
)

// Breaker tracks consecutive delivery failures for one destination.
type Breaker struct {
	mu        sync.Mutex
	state     state
	failures  int
	openedAt  time.Time
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

// Allow reports whether a call may proceed. An open breaker lets a single
// probe through once the cool-off has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateHalfOpen:
		// one probe at a time; concurrent callers back off
		return false
	default:
		if b.now().Sub(b.openedAt) >= b.openFor {
			b.state = stateHalfOpen
			return true
		}
		return false
	}
}

// Success resets the breaker. A half-open probe that lands closes it.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
}

// Failure counts a failed call. Crossing the threshold, or failing the
// half-open probe, opens the breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// Open reports whether calls are currently blocked.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && b.now().Sub(b.openedAt) < b.openFor
}

// Group holds one breaker per destination key.
type Group struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	openFor   time.Duration
	Now       func() time.Time
}

func NewGroup() *Group {
	return &Group{
		breakers:  map[string]*Breaker{},
		threshold: DefaultFailureThreshold,
		openFor:   DefaultOpenFor,
		Now:       time.Now,
	}
}

// Get returns the breaker for a key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[key]
	if !ok {
		b = &Breaker{threshold: g.threshold, openFor: g.openFor, now: func() time.Time { return g.Now() }}
		g.breakers[key] = b
	}
	return b
}
