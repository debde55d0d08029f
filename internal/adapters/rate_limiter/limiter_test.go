package rate_limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
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

func testConfig(rps float64, burst int, wait time.Duration) ports.RateLimiterConfig {
	return ports.RateLimiterConfig{
		RequestsPerSecond: rps,
		BurstSize:         burst,
		WaitTimeout:       wait,
		CleanupInterval:   time.Hour,
		KeyExpiry:         time.Minute,
	}
}

func newTestLimiter(t *testing.T, config ports.RateLimiterConfig) (*Limiter, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRateLimiter("test", config, nil, WithClock(clock.Now))
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllowsBurstPerKey(t *testing.T) {
	l, _ := newTestLimiter(t, testConfig(2, 2, time.Second))

	assert.True(t, l.Allow(domain.QualityManager))
	assert.True(t, l.Allow(domain.QualityManager))
	assert.False(t, l.Allow(domain.QualityManager))
	assert.True(t, l.Allow(domain.InsightManager))

	m := l.Metrics(domain.QualityManager)
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(2), m.AllowedRequests)
	assert.Equal(t, int64(1), m.DeniedRequests)
	assert.Equal(t, 2, m.Burst)
}

func TestLimiterRefillsWithClock(t *testing.T) {
	l, clock := newTestLimiter(t, testConfig(10, 1, time.Second))

	require.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	clock.Advance(100 * time.Millisecond)
	assert.True(t, l.Allow("k"))
}

func TestLimiterWaitBlocksUntilTokenDue(t *testing.T) {
	l := NewRateLimiter("test", testConfig(20, 1, time.Second), nil)
	t.Cleanup(l.Stop)

	require.True(t, l.Allow("k"))
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "k"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	m := l.Metrics("k")
	assert.Equal(t, int64(2), m.AllowedRequests)
	assert.Zero(t, m.WaitingRequests)
}

func TestLimiterWaitRefusesLongDelays(t *testing.T) {
	l, _ := newTestLimiter(t, testConfig(1, 1, 50*time.Millisecond))

	require.True(t, l.Allow("k"))
	err := l.Wait(context.Background(), "k")
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.True(t, domain.IsPolicyDenial(err))
	assert.Equal(t, domain.DenialRateLimited, domain.GetDenialReason(err))

	// the refused reservation must not consume the next token
	assert.InDelta(t, 0, l.Metrics("k").TokensAvailable, 0.001)
}

func TestLimiterWaitHonoursCancellation(t *testing.T) {
	l := NewRateLimiter("test", testConfig(1, 1, time.Minute), nil)
	t.Cleanup(l.Stop)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(cancelled, "k"), context.Canceled)

	require.True(t, l.Allow("k"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx, "k"), context.DeadlineExceeded)
	assert.Zero(t, l.Metrics("k").WaitingRequests)
}

func TestLimiterExplicitLimits(t *testing.T) {
	l, _ := newTestLimiter(t, testConfig(10, 10, time.Second))
	key := domain.AnalyticsManager

	assert.False(t, l.Limited(key))
	l.SetLimit(key, 1, 1)
	assert.True(t, l.Limited(key))
	assert.True(t, l.Allow(key))
	assert.False(t, l.Allow(key))
	assert.Equal(t, 1.0, l.Metrics(key).Limit)

	l.Reset(key)
	assert.False(t, l.Limited(key))
	assert.True(t, l.Allow(key))
}

func TestLimiterSweepKeepsExplicitAndBusyKeys(t *testing.T) {
	l, clock := newTestLimiter(t, testConfig(10, 10, time.Second))

	l.Allow("idle")
	l.SetLimit("throttled", 1, 1)
	clock.Advance(30 * time.Second)
	l.Allow("recent")
	clock.Advance(31 * time.Second)

	assert.Equal(t, 1, l.sweep())
	global := l.Keys()
	assert.NotContains(t, global, "idle")
	assert.Contains(t, global, "throttled")
	assert.Contains(t, global, "recent")
}

func TestProviderOverrides(t *testing.T) {
	settings := domain.DefaultRateLimiterSettings()
	settings.ServiceOverrides["pressure"] = domain.DefaultRateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1}

	provider := NewProviderFromConfig(settings, nil)
	defer provider.Stop()

	limiter := provider.GetRateLimiter("pressure")
	assert.Same(t, limiter, provider.GetRateLimiter("pressure"))

	limiter.Allow(domain.QualityManager)
	assert.False(t, limiter.Allow(domain.QualityManager))

	all := provider.Snapshots()
	assert.Equal(t, int64(2), all["pressure"][domain.QualityManager].TotalRequests)
}
