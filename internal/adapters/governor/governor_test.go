package governor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/rate_limiter"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []domain.ProcessingMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg domain.ProcessingMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) kinds(kind domain.MessageKind) []domain.ProcessingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ProcessingMessage
	for _, m := range p.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeTarget struct {
	identity domain.RoutingIdentity

	mu      sync.Mutex
	active  bool
	reasons []string
	exits   int
}

func newFakeTarget(name string) *fakeTarget {
	return &fakeTarget{identity: domain.NewRoutingIdentity(name, domain.ComponentManager, name)}
}

func (f *fakeTarget) Identity() domain.RoutingIdentity { return f.identity }

func (f *fakeTarget) EnterBackpressure(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeTarget) ExitBackpressure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.exits++
	return nil
}

func (f *fakeTarget) inBackpressure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	gov     *Governor
	pub     *recordingPublisher
	limiter ports.RateLimiter
	clock   *testClock
}

func testGovernorConfig() domain.GovernorConfig {
	cfg := domain.DefaultGovernorConfig()
	cfg.Critical = domain.PressureThresholds{
		QueueLength:    5000,
		ProcessingTime: 10 * time.Minute,
		MemoryUsage:    0.98,
	}
	return cfg
}

func newFixture(t *testing.T, cfg domain.GovernorConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := rate_limiter.NewRateLimiter("test", ports.RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		CleanupInterval:   time.Minute,
		KeyExpiry:         time.Minute,
	}, logger)
	t.Cleanup(limiter.Stop)

	clock := &testClock{now: time.Date(2026, 3, 2, 3, 0, 0, 0, time.Local)}
	pub := &recordingPublisher{}
	gov := New(cfg, Deps{
		Publisher: pub,
		Limiter:   limiter,
		Logger:    logger,
		Clock:     clock.Now,
	})
	return &fixture{gov: gov, pub: pub, limiter: limiter, clock: clock}
}

func TestCPUCeilingDeniesWithoutAllocating(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.Capacity = domain.ResourceRequest{CPU: 1, MemoryGB: 4}
	cfg.MinFreeCores = 0
	f := newFixture(t, cfg)

	req := domain.ResourceRequest{CPU: 0.9}
	assert.False(t, f.gov.CheckAdmission(req))

	err := f.gov.Reserve("pipeline-1", req)
	require.Error(t, err)
	assert.True(t, domain.IsPolicyDenial(err))
	assert.Equal(t, domain.DenialPolicyCeiling, domain.GetDenialReason(err))

	usage := f.gov.Usage()
	assert.Zero(t, usage.Allocated.CPU)
	assert.Zero(t, usage.ActiveRuns)
	assert.Equal(t, int64(2), usage.Denials)
}

func TestReserveAndRelease(t *testing.T) {
	f := newFixture(t, testGovernorConfig())

	require.NoError(t, f.gov.Reserve("p1", domain.ResourceRequest{CPU: 4, MemoryGB: 8}))

	err := f.gov.Reserve("p1", domain.ResourceRequest{CPU: 1})
	require.Error(t, err)
	assert.Equal(t, domain.CategoryState, domain.GetErrorCategory(err))

	usage := f.gov.Usage()
	assert.Equal(t, 4.0, usage.Allocated.CPU)
	assert.Equal(t, 4.0, usage.Available.CPU)
	assert.Equal(t, int64(1), usage.ActiveRuns)

	// 4 more cores fit the capacity but would leave none free.
	err = f.gov.Reserve("p2", domain.ResourceRequest{CPU: 4})
	require.Error(t, err)
	assert.Equal(t, domain.DenialPolicyCeiling, domain.GetDenialReason(err))

	require.NoError(t, f.gov.Reserve("p2", domain.ResourceRequest{CPU: 3}))

	assert.True(t, f.gov.Release("p1"))
	assert.False(t, f.gov.Release("p1"))
	assert.True(t, f.gov.Release("p2"))

	usage = f.gov.Usage()
	assert.Zero(t, usage.Allocated.CPU)
	assert.Zero(t, usage.Allocated.MemoryGB)
	assert.Zero(t, usage.ActiveRuns)
}

func TestReserveValidatesInput(t *testing.T) {
	f := newFixture(t, testGovernorConfig())

	err := f.gov.Reserve("", domain.ResourceRequest{CPU: 1})
	assert.True(t, domain.IsValidationError(err))

	err = f.gov.Reserve("p1", domain.ResourceRequest{CPU: -1})
	assert.True(t, domain.IsValidationError(err))
	assert.Zero(t, f.gov.Usage().ActiveRuns)
}

func TestCapacityDenial(t *testing.T) {
	f := newFixture(t, testGovernorConfig())

	err := f.gov.Evaluate(domain.ResourceRequest{StorageGB: 600})
	require.Error(t, err)
	assert.Equal(t, domain.DenialCapacity, domain.GetDenialReason(err))
}

func TestConcurrencyLimit(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.MaxConcurrentRuns = 1
	f := newFixture(t, cfg)

	require.NoError(t, f.gov.Reserve("p1", domain.ResourceRequest{CPU: 1}))
	err := f.gov.Reserve("p2", domain.ResourceRequest{CPU: 1})
	assert.Equal(t, domain.DenialConcurrency, domain.GetDenialReason(err))

	f.gov.Release("p1")
	assert.NoError(t, f.gov.Reserve("p2", domain.ResourceRequest{CPU: 1}))
}

func TestMaintenanceWindow(t *testing.T) {
	cfg := testGovernorConfig()
	f := newFixture(t, cfg)
	now := f.clock.Now()

	require.NoError(t, f.gov.UpdateThresholds(map[string]interface{}{
		"maintenance_windows": []interface{}{
			map[string]interface{}{
				"start":  now.Add(-time.Minute).Format(time.RFC3339),
				"end":    now.Add(time.Hour).Format(time.RFC3339),
				"reason": "upgrade",
			},
		},
	}))

	err := f.gov.Evaluate(domain.ResourceRequest{CPU: 1})
	require.Error(t, err)
	assert.Equal(t, domain.DenialMaintenance, domain.GetDenialReason(err))

	f.clock.Advance(2 * time.Hour)
	assert.NoError(t, f.gov.Evaluate(domain.ResourceRequest{CPU: 1}))
}

func TestPeakHours(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.PeakHours = &domain.PeakHours{StartHour: 9, EndHour: 17}
	cfg.PeakConcurrency = 1
	f := newFixture(t, cfg)

	// 03:00 is outside the window.
	require.NoError(t, f.gov.Reserve("p1", domain.ResourceRequest{CPU: 1}))
	require.NoError(t, f.gov.Reserve("p2", domain.ResourceRequest{CPU: 1}))
	f.gov.Release("p2")

	f.clock.Advance(7 * time.Hour)
	err := f.gov.Reserve("p2", domain.ResourceRequest{CPU: 1})
	assert.Equal(t, domain.DenialPeakHours, domain.GetDenialReason(err))
}

func TestWarningAlertIsDeduplicated(t *testing.T) {
	f := newFixture(t, testGovernorConfig())
	ctx := context.Background()
	sample := domain.PressureSample{Component: "quality_manager", QueueLength: 1500}

	first := f.gov.ObservePressure(ctx, sample)
	require.Len(t, first, 1)
	assert.Equal(t, domain.MitigationRateLimit, first[0].Kind)
	assert.True(t, f.limiter.Limited("quality_manager"))

	second := f.gov.ObservePressure(ctx, sample)
	assert.Empty(t, second)
	assert.Len(t, f.pub.kinds(domain.KindPressureAlert), 1)

	f.clock.Advance(6 * time.Minute)
	third := f.gov.ObservePressure(ctx, sample)
	assert.Len(t, third, 1)
	assert.Len(t, f.pub.kinds(domain.KindPressureAlert), 2)

	assert.False(t, f.gov.InBackpressure())
}

func TestAlertsAreKeyedPerComponent(t *testing.T) {
	f := newFixture(t, testGovernorConfig())
	ctx := context.Background()

	f.gov.ObservePressure(ctx, domain.PressureSample{Component: "quality_manager", QueueLength: 1500})
	f.gov.ObservePressure(ctx, domain.PressureSample{Component: "insight_manager", QueueLength: 1500})

	assert.Len(t, f.pub.kinds(domain.KindPressureAlert), 2)
}

func TestCriticalPressureEscalatesAndResolves(t *testing.T) {
	f := newFixture(t, testGovernorConfig())
	ctx := context.Background()
	target := newFakeTarget("quality_manager")
	other := newFakeTarget("insight_manager")
	f.gov.RegisterTarget(target)
	f.gov.RegisterTarget(other)

	mitigations := f.gov.ObservePressure(ctx, domain.PressureSample{Component: "quality_manager", QueueLength: 6000})

	var kinds []domain.MitigationKind
	for _, m := range mitigations {
		kinds = append(kinds, m.Kind)
	}
	assert.ElementsMatch(t, []domain.MitigationKind{domain.MitigationRateLimit, domain.MitigationDemotePriority}, kinds)

	assert.True(t, target.inBackpressure())
	assert.False(t, other.inBackpressure())
	assert.True(t, f.gov.InBackpressure())
	assert.Equal(t, domain.PriorityLow, f.gov.AdjustPriority("quality_manager", domain.PriorityNormal))
	assert.Equal(t, domain.PriorityNormal, f.gov.AdjustPriority("insight_manager", domain.PriorityNormal))
	assert.Len(t, f.pub.kinds(domain.KindBackpressureEnter), 1)

	err := f.gov.Evaluate(domain.ResourceRequest{CPU: 1})
	assert.Equal(t, domain.DenialBackpressure, domain.GetDenialReason(err))

	// Still over threshold: nothing is lifted.
	assert.False(t, f.gov.CheckResolution(ctx))
	assert.True(t, target.inBackpressure())

	f.gov.ObservePressure(ctx, domain.PressureSample{Component: "quality_manager", QueueLength: 10})
	assert.True(t, f.gov.CheckResolution(ctx))

	assert.False(t, target.inBackpressure())
	assert.Equal(t, 1, target.exits)
	assert.False(t, f.gov.InBackpressure())
	assert.False(t, f.limiter.Limited("quality_manager"))
	assert.Equal(t, domain.PriorityNormal, f.gov.AdjustPriority("quality_manager", domain.PriorityNormal))
	assert.Len(t, f.pub.kinds(domain.KindPressureResolved), 1)
	assert.Len(t, f.pub.kinds(domain.KindBackpressureExit), 1)
	assert.NoError(t, f.gov.Evaluate(domain.ResourceRequest{CPU: 1}))

	// The cooldown was cleared on resolution so a fresh spike alerts at once.
	f.gov.ObservePressure(ctx, domain.PressureSample{Component: "quality_manager", QueueLength: 6000})
	assert.True(t, target.inBackpressure())
}

func TestUnknownComponentEscalatesEveryTarget(t *testing.T) {
	f := newFixture(t, testGovernorConfig())
	a, b := newFakeTarget("quality_manager"), newFakeTarget("insight_manager")
	f.gov.RegisterTarget(a)
	f.gov.RegisterTarget(b)

	f.gov.ObservePressure(context.Background(), domain.PressureSample{Component: "broker", MemoryUsage: 0.99})

	assert.True(t, a.inBackpressure())
	assert.True(t, b.inBackpressure())
}

func TestTargetStaysHeldWhileAnotherSourceIsCritical(t *testing.T) {
	f := newFixture(t, testGovernorConfig())
	ctx := context.Background()
	quality, insight := newFakeTarget("quality_manager"), newFakeTarget("insight_manager")
	f.gov.RegisterTarget(quality)
	f.gov.RegisterTarget(insight)

	f.gov.ObservePressure(ctx, domain.PressureSample{Component: "broker", MemoryUsage: 0.99})
	f.gov.ObservePressure(ctx, domain.PressureSample{Component: "quality_manager", QueueLength: 6000})
	require.True(t, quality.inBackpressure())
	require.True(t, insight.inBackpressure())
	assert.Len(t, quality.reasons, 1)

	f.gov.ObservePressure(ctx, domain.PressureSample{Component: "broker", MemoryUsage: 0.1})
	assert.False(t, f.gov.CheckResolution(ctx))

	assert.True(t, quality.inBackpressure())
	assert.Equal(t, 0, quality.exits)
	assert.False(t, insight.inBackpressure())
	assert.Equal(t, 1, insight.exits)
	assert.True(t, f.gov.InBackpressure())

	f.gov.ObservePressure(ctx, domain.PressureSample{Component: "quality_manager", QueueLength: 10})
	assert.True(t, f.gov.CheckResolution(ctx))
	assert.False(t, quality.inBackpressure())
	assert.Equal(t, 1, quality.exits)
	assert.False(t, f.gov.InBackpressure())
}

func TestUnevaluableSampleFailsClosed(t *testing.T) {
	f := newFixture(t, testGovernorConfig())
	target := newFakeTarget("quality_manager")
	f.gov.RegisterTarget(target)

	f.gov.ObservePressure(context.Background(), domain.PressureSample{Component: "quality_manager", MemoryUsage: 1.5})

	assert.True(t, f.gov.InBackpressure())
	require.Len(t, target.reasons, 1)
	assert.Equal(t, string(domain.DenialEvaluationFail), target.reasons[0])

	// An invalid latest sample never resolves on its own.
	assert.False(t, f.gov.CheckResolution(context.Background()))
}

func TestUnevaluableSampleFailOpen(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.FailOpen = true
	f := newFixture(t, cfg)
	target := newFakeTarget("quality_manager")
	f.gov.RegisterTarget(target)

	f.gov.ObservePressure(context.Background(), domain.PressureSample{Component: "quality_manager", QueueLength: -1})

	assert.False(t, f.gov.InBackpressure())
	assert.False(t, target.inBackpressure())
}

func TestProcessingTimeHalvesBatchSize(t *testing.T) {
	f := newFixture(t, testGovernorConfig())
	ctx := context.Background()
	sample := domain.PressureSample{Component: "analytics_manager", ProcessingTime: 2 * time.Minute}

	assert.Equal(t, 100, f.gov.BatchSize("analytics_manager"))

	f.gov.ObservePressure(ctx, sample)
	assert.Equal(t, 50, f.gov.BatchSize("analytics_manager"))

	f.clock.Advance(6 * time.Minute)
	f.gov.ObservePressure(ctx, sample)
	assert.Equal(t, 25, f.gov.BatchSize("analytics_manager"))
	assert.Len(t, f.pub.kinds(domain.KindBatchSizeReduced), 2)

	f.gov.ObservePressure(ctx, domain.PressureSample{Component: "analytics_manager"})
	f.gov.CheckResolution(ctx)
	assert.Equal(t, 100, f.gov.BatchSize("analytics_manager"))
}

func TestMemoryPressureRequestsScaleUp(t *testing.T) {
	f := newFixture(t, testGovernorConfig())

	f.gov.ObservePressure(context.Background(), domain.PressureSample{Component: "insight_manager", MemoryUsage: 0.95})

	requests := f.pub.kinds(domain.KindScaleUpRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, domain.ResourceManagerTarget, requests[0].Metadata.TargetComponent)

	payload, ok := requests[0].Payload.(domain.ResourcePayload)
	require.True(t, ok)
	assert.Equal(t, 2.0, payload.Resources.CPU)
}

func TestAdmitHonoursThrottle(t *testing.T) {
	f := newFixture(t, testGovernorConfig())

	assert.True(t, f.gov.Admit("quality_manager"))

	f.limiter.SetLimit("quality_manager", 0.001, 1)
	assert.True(t, f.gov.Admit("quality_manager"))
	assert.False(t, f.gov.Admit("quality_manager"))
}

func TestUpdateThresholds(t *testing.T) {
	f := newFixture(t, testGovernorConfig())
	ctx := context.Background()

	assert.Empty(t, f.gov.ObservePressure(ctx, domain.PressureSample{Component: "quality_manager", QueueLength: 200}))

	require.NoError(t, f.gov.UpdateThresholds(map[string]interface{}{
		"thresholds":     map[string]interface{}{"queue_length": 100},
		"alert_cooldown": "10s",
	}))
	assert.Len(t, f.gov.ObservePressure(ctx, domain.PressureSample{Component: "quality_manager", QueueLength: 200}), 1)

	f.clock.Advance(11 * time.Second)
	assert.Len(t, f.gov.ObservePressure(ctx, domain.PressureSample{Component: "quality_manager", QueueLength: 200}), 1)
}

func TestUpdateThresholdsRejectsBadValues(t *testing.T) {
	f := newFixture(t, testGovernorConfig())
	before := f.gov.cfg()

	err := f.gov.UpdateThresholds(map[string]interface{}{"max_cpu_fraction": 1.5})
	require.Error(t, err)
	assert.Equal(t, domain.CategoryConfiguration, domain.GetErrorCategory(err))

	err = f.gov.UpdateThresholds(map[string]interface{}{"thresholds": map[string]interface{}{"bogus": 1}})
	require.Error(t, err)

	assert.Equal(t, before, f.gov.cfg())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, testGovernorConfig())

	require.NoError(t, f.gov.Start(context.Background()))
	err := f.gov.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrAlreadyStarted)
	require.NoError(t, f.gov.Stop())
}
