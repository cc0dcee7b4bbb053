// Package circuit guards calls to an upstream that can fail in bursts.
package circuit

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	// StateHalfOpen admits a single trial call after the cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// StateChange reports a transition caused by the last recorded outcome.
type StateChange struct {
	Opened bool
	Closed bool
}

// Breaker opens after FailureThreshold consecutive failures. Once the
// cooldown has passed it lets one trial call through; SuccessThreshold
// successful trials close it again and a failed trial reopens it.
type Breaker struct {
	mu               sync.Mutex
	name             string
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	trialAt          time.Time
	trialInFlight    bool
	now              func() time.Time
}

type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures that open the circuit.
// Default is 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the successful trials needed to close. Default is 1.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithCooldown sets how long the circuit stays open before a trial. It also
// bounds how long an unreported trial holds the half-open slot.
// Default is 30s.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 1,
		cooldown:         30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may go upstream. An open circuit past its
// cooldown moves to half-open and admits the caller as the trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.successCount = 0
	case StateHalfOpen:
		if b.trialInFlight && now.Sub(b.trialAt) < b.cooldown {
			return false
		}
	}
	b.trialInFlight = true
	b.trialAt = now
	return true
}

func (b *Breaker) RecordFailure() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount = 0
	switch b.state {
	case StateHalfOpen:
		b.trip()
		return StateChange{}
	case StateOpen:
		return StateChange{}
	}
	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		b.trip()
		return StateChange{Opened: true}
	}
	return StateChange{}
}

func (b *Breaker) RecordSuccess() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		b.failureCount = 0
		return StateChange{}
	}
	b.trialInFlight = false
	b.successCount++
	if b.successCount < b.successThreshold {
		return StateChange{}
	}
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	return StateChange{Closed: true}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.trialInFlight = false
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failureCount = 0
	b.trialInFlight = false
}
