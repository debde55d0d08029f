package circuit_breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("staging store unavailable") }

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func settings(clock *manualClock) ports.BreakerSettings {
	return ports.BreakerSettings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		MaxProbes:        1,
		CallTimeout:      time.Second,
		OpenFor:          10 * time.Second,
		Now:              clock.Now,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("staging", settings(newManualClock()), nil)
	ctx := context.Background()

	require.NoError(t, cb.Call(ctx, ok))
	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Call(ctx, failing))
	}
	assert.Equal(t, ports.BreakerOpen, cb.State())

	err := cb.Call(ctx, ok)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, domain.CategoryTransient, domain.GetErrorCategory(err))
	assert.True(t, domain.IsRetryableError(err))

	snap := cb.Snapshot()
	assert.Equal(t, int64(1), snap.Rejected)
	assert.Equal(t, int64(1), snap.Trips)
	assert.False(t, snap.RetryAt.IsZero())
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("staging", settings(newManualClock()), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Call(ctx, failing)
		_ = cb.Call(ctx, failing)
		require.NoError(t, cb.Call(ctx, ok))
	}
	assert.Equal(t, ports.BreakerClosed, cb.State())
	assert.Equal(t, 10, cb.Snapshot().Counts.Failures)
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	cb := NewCircuitBreaker("staging", settings(newManualClock()), nil)

	for i := 0; i < 5; i++ {
		err := cb.Call(context.Background(), func(context.Context) error {
			return domain.NewNotFoundError("object not found", domain.ErrNotFound)
		})
		assert.True(t, domain.IsNotFound(err))
	}
	assert.Equal(t, ports.BreakerClosed, cb.State())
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	clock := newManualClock()
	changes := make(chan ports.BreakerState, 4)
	s := settings(clock)
	s.OnStateChange = func(_ string, _, to ports.BreakerState) { changes <- to }
	cb := NewCircuitBreaker("staging", s, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, failing)
	}
	clock.Advance(9 * time.Second)
	assert.Equal(t, ports.BreakerOpen, cb.State())

	clock.Advance(time.Second)
	assert.Equal(t, ports.BreakerHalfOpen, cb.State())
	require.NoError(t, cb.Call(ctx, ok))
	assert.Equal(t, ports.BreakerHalfOpen, cb.State())
	require.NoError(t, cb.Call(ctx, ok))
	assert.Equal(t, ports.BreakerClosed, cb.State())

	var seen []ports.BreakerState
	for len(seen) < 3 {
		select {
		case got := <-changes:
			seen = append(seen, got)
		case <-time.After(time.Second):
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.ElementsMatch(t, []ports.BreakerState{ports.BreakerOpen, ports.BreakerHalfOpen, ports.BreakerClosed}, seen)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newManualClock()
	cb := NewCircuitBreaker("staging", settings(clock), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, failing)
	}
	clock.Advance(10 * time.Second)
	assert.Error(t, cb.Call(ctx, failing))
	assert.Equal(t, ports.BreakerOpen, cb.State())
	assert.Equal(t, int64(2), cb.Snapshot().Trips)
}

func TestBreakerLimitsConcurrentProbes(t *testing.T) {
	clock := newManualClock()
	cb := NewCircuitBreaker("staging", settings(clock), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, failing)
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Call(ctx, ok)
	assert.ErrorIs(t, err, ErrTooManyProbes)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)

	close(release)
	require.NoError(t, <-done)
}

func TestBreakerDropsStaleOutcomes(t *testing.T) {
	clock := newManualClock()
	s := settings(clock)
	s.FailureThreshold = 1
	cb := NewCircuitBreaker("staging", s, nil)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_ = cb.Call(ctx, failing)
	require.Equal(t, ports.BreakerOpen, cb.State())
	generation := cb.Snapshot().Generation

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, ports.BreakerOpen, cb.State())
	assert.Equal(t, generation, cb.Snapshot().Generation)
}

func TestBreakerWindowClearsCounts(t *testing.T) {
	clock := newManualClock()
	s := settings(clock)
	s.Window = time.Minute
	cb := NewCircuitBreaker("staging", s, nil)
	ctx := context.Background()

	_ = cb.Call(ctx, failing)
	require.NoError(t, cb.Call(ctx, ok))
	assert.Equal(t, 2, cb.Snapshot().Counts.Requests)

	clock.Advance(time.Minute)
	assert.Equal(t, 0, cb.Snapshot().Counts.Requests)
}

func TestBreakerCallTimeout(t *testing.T) {
	s := settings(newManualClock())
	s.CallTimeout = 10 * time.Millisecond
	cb := NewCircuitBreaker("staging", s, nil)

	err := cb.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerTimeout)
	assert.True(t, domain.IsTimeout(err))
	assert.Equal(t, 1, cb.Snapshot().Counts.Failures)
}

func TestBreakerForceAndReset(t *testing.T) {
	cb := NewCircuitBreaker("staging", settings(newManualClock()), nil)

	cb.ForceOpen()
	assert.Equal(t, ports.BreakerOpen, cb.State())
	assert.Error(t, cb.Call(context.Background(), ok))

	cb.ForceClose()
	require.NoError(t, cb.Call(context.Background(), ok))

	cb.Reset()
	snap := cb.Snapshot()
	assert.Equal(t, ports.BreakerClosed, snap.State)
	assert.Zero(t, snap.Counts.Requests)
	assert.Zero(t, snap.Rejected)
	assert.Zero(t, snap.Trips)
}

func TestProviderUsesOverrides(t *testing.T) {
	cfg := domain.DefaultCircuitBreakerSettings()
	cfg.ServiceOverrides["analysis"] = domain.DefaultCircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second}

	var mu sync.Mutex
	opened := map[string]bool{}
	provider := NewProviderFromConfig(cfg, nil, WithStateChange(func(name string, _, to ports.BreakerState) {
		mu.Lock()
		defer mu.Unlock()
		opened[name] = to == ports.BreakerOpen
	}))

	cb := provider.GetCircuitBreaker("analysis")
	_ = cb.Call(context.Background(), failing)
	assert.Equal(t, ports.BreakerOpen, cb.State())
	assert.Same(t, cb, provider.GetCircuitBreaker("analysis"))

	assert.Equal(t, ports.BreakerClosed, provider.GetCircuitBreaker("staging").State())
	assert.Len(t, provider.Snapshots(), 2)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return opened["analysis"]
	}, time.Second, 5*time.Millisecond)
}
