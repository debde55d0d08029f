package ports

import (
	"context"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerCounts covers the current generation only. A generation ends on
// every state change and, while closed, every time the window rolls over.
type BreakerCounts struct {
	Requests             int `json:"requests"`
	Successes            int `json:"successes"`
	Failures             int `json:"failures"`
	ConsecutiveSuccesses int `json:"consecutive_successes"`
	ConsecutiveFailures  int `json:"consecutive_failures"`
}

type BreakerSettings struct {
	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold int
	// SuccessThreshold consecutive probe successes close a half-open one.
	SuccessThreshold int
	// MaxProbes bounds concurrent calls while half-open.
	MaxProbes int
	// CallTimeout bounds a single guarded call.
	CallTimeout time.Duration
	// OpenFor is how long the breaker rejects before probing.
	OpenFor time.Duration
	// Window clears closed-state counts periodically; zero never clears.
	Window time.Duration

	// IsFailure decides whether an error counts against the breaker. Nil
	// ignores validation, not-found and policy errors.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to BreakerState)
	Now           Clock
}

type BreakerSnapshot struct {
	Name            string        `json:"name"`
	State           BreakerState  `json:"state"`
	Generation      uint64        `json:"generation"`
	Counts          BreakerCounts `json:"counts"`
	Rejected        int64         `json:"rejected"`
	Trips           int64         `json:"trips"`
	LastStateChange time.Time     `json:"last_state_change"`
	RetryAt         time.Time     `json:"retry_at,omitempty"`
}

// CircuitBreaker guards calls into external collaborators such as the
// staging store and analysis services.
type CircuitBreaker interface {
	Call(ctx context.Context, fn func(context.Context) error) error
	State() BreakerState
	Snapshot() BreakerSnapshot
	Reset()
	ForceOpen()
	ForceClose()
}

type CircuitBreakerProvider interface {
	GetCircuitBreaker(name string) CircuitBreaker
	CreateCircuitBreaker(name string, settings BreakerSettings) CircuitBreaker
	Snapshots() map[string]BreakerSnapshot
}
