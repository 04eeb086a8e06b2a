package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting the backend while its
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerHalfOpen admits one probe whose outcome closes or reopens.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerOutcome is what happened to one call at the breaker.
type BreakerOutcome string

const (
	BreakerSuccess  BreakerOutcome = "success"
	BreakerFailure  BreakerOutcome = "failure"
	BreakerRejected BreakerOutcome = "rejected"
)

// BreakerObserver is told about every call that passes the breaker and
// the state the breaker is left in.
type BreakerObserver interface {
	ObserveBreaker(outcome BreakerOutcome, state BreakerState)
}

// Breaker opens after threshold consecutive failures and rejects calls
// until cooldown has passed. Caller cancellation is not a failure. The
// mutex only guards bookkeeping and is never held across a call.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker. threshold is at least one.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: max(1, threshold), cooldown: cooldown, now: time.Now}
}

// Do runs fn unless the breaker rejects it, returning fn's error.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}
	err = fn()
	b.release(probe, err != nil && !errors.Is(err, context.Canceled))
	return err
}

// State returns the breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
	switch {
	case b.state == BreakerOpen, b.state == BreakerHalfOpen && b.probing:
		return false, ErrCircuitOpen
	case b.state == BreakerHalfOpen:
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(probe, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if !failed {
		if probe {
			b.state = BreakerClosed
		}
		b.failures = 0
		return
	}
	b.failures++
	if probe || (b.state == BreakerClosed && b.failures >= b.threshold) {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.failures = 0
	}
}

type guarded struct {
	Provider
	breaker  *Breaker
	observer BreakerObserver
}

// CircuitBreakerMiddleware guards a backend with one Breaker shared by
// everything the returned Middleware wraps.
func CircuitBreakerMiddleware(threshold int, cooldown time.Duration) Middleware {
	return CircuitBreakerMiddlewareWithObserver(threshold, cooldown, nil)
}

// CircuitBreakerMiddlewareWithObserver also reports each call to observer.
func CircuitBreakerMiddlewareWithObserver(threshold int, cooldown time.Duration, observer BreakerObserver) Middleware {
	breaker := NewBreaker(threshold, cooldown)
	return func(next Provider) Provider {
		return &guarded{Provider: next, breaker: breaker, observer: observer}
	}
}

// Generate fails fast with ErrCircuitOpen while the breaker is open.
func (g *guarded) Generate(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := g.breaker.Do(func() error {
		var err error
		resp, err = g.Provider.Generate(ctx, req)
		return err
	})

	if g.observer != nil {
		outcome := BreakerSuccess
		switch {
		case errors.Is(err, ErrCircuitOpen):
			outcome = BreakerRejected
		case err != nil:
			outcome = BreakerFailure
		}
		g.observer.ObserveBreaker(outcome, g.breaker.State())
	}
	return resp, err
}
