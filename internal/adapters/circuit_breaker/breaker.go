package circuit_breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

var (
	ErrCircuitBreakerOpen    = domain.ErrCircuitOpen
	ErrCircuitBreakerTimeout = errors.New("guarded call timed out")
	ErrTooManyProbes         = errors.New("half-open breaker has no probe slot")
)

// Breaker is a three-state circuit breaker. Every state change starts a new
// generation; outcomes reported by calls admitted in an older generation
// are dropped so a slow call cannot reopen a breaker that already moved on.
type Breaker struct {
	name     string
	settings ports.BreakerSettings
	logger   *slog.Logger

	mu         sync.Mutex
	state      ports.BreakerState
	generation uint64
	counts     ports.BreakerCounts
	probes     int
	windowEnds time.Time
	retryAt    time.Time
	changedAt  time.Time
	rejected   int64
	trips      int64
}

func NewCircuitBreaker(name string, settings ports.BreakerSettings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 2
	}
	if settings.MaxProbes <= 0 {
		settings.MaxProbes = 1
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 30 * time.Second
	}
	if settings.OpenFor <= 0 {
		settings.OpenFor = 10 * time.Second
	}
	if settings.IsFailure == nil {
		settings.IsFailure = countsAsFailure
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	b := &Breaker{
		name:     name,
		settings: settings,
		logger:   logger.With("component", "circuit-breaker", "breaker", name),
		state:    ports.BreakerClosed,
	}
	now := settings.Now()
	b.changedAt = now
	b.newGeneration(now)
	return b
}

// countsAsFailure ignores caller mistakes so a burst of bad input cannot trip
// the breaker for everyone.
func countsAsFailure(err error) bool {
	return !domain.IsValidationError(err) && !domain.IsNotFound(err) && !domain.IsPolicyDenial(err)
}

func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		b.after(generation, err == nil || !b.settings.IsFailure(err))
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			b.abandon(generation)
			return ctx.Err()
		}
		b.after(generation, false)
		return domain.NewTimeoutError(fmt.Sprintf("call through %s exceeded %s", b.name, b.settings.CallTimeout),
			ErrCircuitBreakerTimeout, domain.WithComponent(b.name))
	}
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Now()
	b.advance(now)

	switch b.state {
	case ports.BreakerOpen:
		b.rejected++
		return 0, domain.NewTransientError(fmt.Sprintf("circuit %s is open until %s", b.name, b.retryAt.Format(time.RFC3339)),
			ErrCircuitBreakerOpen, domain.WithComponent(b.name), domain.WithCode("CIRCUIT_OPEN"))
	case ports.BreakerHalfOpen:
		if b.probes >= b.settings.MaxProbes {
			b.rejected++
			return 0, domain.NewTransientError(fmt.Sprintf("circuit %s is probing", b.name),
				errors.Join(ErrCircuitBreakerOpen, ErrTooManyProbes), domain.WithComponent(b.name), domain.WithCode("CIRCUIT_OPEN"))
		}
		b.probes++
	}
	b.counts.Requests++
	return b.generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Now()
	b.advance(now)
	if generation != b.generation {
		return
	}
	if b.state == ports.BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}

	if success {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == ports.BreakerHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.SuccessThreshold {
			b.transition(ports.BreakerClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch b.state {
	case ports.BreakerClosed:
		if b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
			b.transition(ports.BreakerOpen, now)
		}
	case ports.BreakerHalfOpen:
		b.transition(ports.BreakerOpen, now)
	}
}

// abandon hands back a probe slot taken by a call whose caller gave up.
func (b *Breaker) abandon(generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if generation == b.generation && b.state == ports.BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// advance applies the time-driven transitions: open to half-open once the
// cool-down passed, and the closed-state window rollover.
func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case ports.BreakerOpen:
		if !now.Before(b.retryAt) {
			b.transition(ports.BreakerHalfOpen, now)
		}
	case ports.BreakerClosed:
		if !b.windowEnds.IsZero() && !now.Before(b.windowEnds) {
			b.newGeneration(now)
		}
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = ports.BreakerCounts{}
	b.probes = 0
	b.windowEnds = time.Time{}
	b.retryAt = time.Time{}

	switch b.state {
	case ports.BreakerClosed:
		if b.settings.Window > 0 {
			b.windowEnds = now.Add(b.settings.Window)
		}
	case ports.BreakerOpen:
		b.retryAt = now.Add(b.settings.OpenFor)
	}
}

func (b *Breaker) transition(to ports.BreakerState, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.changedAt = now
	if to == ports.BreakerOpen {
		b.trips++
	}
	b.logger.Info("circuit breaker state change",
		"from", from.String(),
		"to", to.String(),
		"consecutive_failures", b.counts.ConsecutiveFailures)
	b.newGeneration(now)

	if b.settings.OnStateChange != nil {
		go b.settings.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) State() ports.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.settings.Now())
	return b.state
}

func (b *Breaker) Snapshot() ports.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.settings.Now())
	return ports.BreakerSnapshot{
		Name:            b.name,
		State:           b.state,
		Generation:      b.generation,
		Counts:          b.counts,
		Rejected:        b.rejected,
		Trips:           b.trips,
		LastStateChange: b.changedAt,
		RetryAt:         b.retryAt,
	}
}

// Reset closes the breaker and clears every counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.settings.Now()
	b.transition(ports.BreakerClosed, now)
	b.newGeneration(now)
	b.rejected = 0
	b.trips = 0
}

func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(ports.BreakerOpen, b.settings.Now())
}

func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(ports.BreakerClosed, b.settings.Now())
}

var _ ports.CircuitBreaker = (*Breaker)(nil)
