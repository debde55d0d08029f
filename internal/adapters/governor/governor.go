package governor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

const componentName = "resource_governor"

// milli is the fixed-point scale of the allocation counters.
const milli = 1000

// Publisher is the slice of the broker the governor needs for alerts and
// scale-up requests.
type Publisher interface {
	Publish(ctx context.Context, msg domain.ProcessingMessage) error
}

type Deps struct {
	Publisher Publisher
	Scheduler ports.Scheduler
	Limiter   ports.RateLimiter
	Metrics   ports.MetricsRecorder
	Logger    *slog.Logger
	Clock     ports.Clock
}

type counters struct {
	cpu     atomic.Int64
	memory  atomic.Int64
	gpu     atomic.Int64
	storage atomic.Int64
}

func (c *counters) load() domain.ResourceRequest {
	return domain.ResourceRequest{
		CPU:       fromMilli(c.cpu.Load()),
		MemoryGB:  fromMilli(c.memory.Load()),
		GPU:       fromMilli(c.gpu.Load()),
		StorageGB: fromMilli(c.storage.Load()),
	}
}

func (c *counters) add(r domain.ResourceRequest, sign int64) {
	c.cpu.Add(sign * toMilli(r.CPU))
	c.memory.Add(sign * toMilli(r.MemoryGB))
	c.gpu.Add(sign * toMilli(r.GPU))
	c.storage.Add(sign * toMilli(r.StorageGB))
}

func toMilli(v float64) int64 {
	return int64(math.Round(v * milli))
}

func fromMilli(v int64) float64 {
	return float64(v) / milli
}

// Governor is the process-wide admission and backpressure policy. The
// allocation counters are atomics read lock-free by Usage and the metrics
// exporter; every write goes through reserveMu so check-then-add never
// over-commits.
type Governor struct {
	identity  domain.RoutingIdentity
	publisher Publisher
	scheduler ports.Scheduler
	limiter   ports.RateLimiter
	metrics   ports.MetricsRecorder
	logger    *slog.Logger
	now       ports.Clock

	cfgMu  sync.RWMutex
	config domain.GovernorConfig

	reserveMu sync.Mutex
	allocated counters
	claims    map[string]domain.ResourceRequest
	active    atomic.Int64
	denials   atomic.Int64

	pressureMu sync.Mutex
	lastAlert  map[alertKey]time.Time
	components map[string]*componentPressure
	targets    map[string]ports.BackpressureTarget
	holders    map[string]map[string]struct{}

	backpressure atomic.Bool
	running      atomic.Bool
}

func New(config domain.GovernorConfig, deps Deps) *Governor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	g := &Governor{
		identity:   domain.NewRoutingIdentity(componentName, domain.ComponentService, domain.DomainMonitoring),
		publisher:  deps.Publisher,
		scheduler:  deps.Scheduler,
		limiter:    deps.Limiter,
		metrics:    metrics,
		logger:     logger.With("component", "governor"),
		now:        clock,
		config:     withDefaults(config),
		claims:     make(map[string]domain.ResourceRequest),
		lastAlert:  make(map[alertKey]time.Time),
		components: make(map[string]*componentPressure),
		targets:    make(map[string]ports.BackpressureTarget),
		holders:    make(map[string]map[string]struct{}),
	}
	g.metrics.ResourceAllocation(g.Usage())
	return g
}

// Start schedules the resolution poll.
func (g *Governor) Start(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return domain.NewStateError("governor already started", domain.ErrAlreadyStarted,
			domain.WithComponent("governor"), domain.WithOperation("start"))
	}
	if g.scheduler == nil {
		return nil
	}
	interval := g.cfg().ResolutionInterval
	return g.scheduler.Every(componentName, "resolution", interval, func(ctx context.Context) error {
		g.CheckResolution(ctx)
		return nil
	})
}

func (g *Governor) Stop() error {
	if !g.running.CompareAndSwap(true, false) {
		return domain.NewStateError("governor not started", domain.ErrNotStarted,
			domain.WithComponent("governor"), domain.WithOperation("stop"))
	}
	if g.scheduler != nil {
		g.scheduler.CancelOwner(componentName)
	}
	return nil
}

func (g *Governor) Identity() domain.RoutingIdentity {
	return g.identity
}

func (g *Governor) cfg() domain.GovernorConfig {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.config
}

// CheckAdmission reports whether req would be admitted right now. Nothing is
// allocated.
func (g *Governor) CheckAdmission(req domain.ResourceRequest) bool {
	return g.Evaluate(req) == nil
}

// Evaluate runs the admission policy against req without reserving anything.
// A nil result means admissible; otherwise the error is a ValidationError for
// malformed requests or a PolicyDenial naming the rule that refused it.
func (g *Governor) Evaluate(req domain.ResourceRequest) error {
	err := g.evaluate(req, g.allocated.load(), g.active.Load())
	g.recordDecision(err)
	return err
}

func (g *Governor) recordDecision(err error) {
	if err == nil {
		g.metrics.AdmissionDecision(true, domain.DenialNone)
		return
	}
	if domain.IsPolicyDenial(err) {
		g.denials.Add(1)
	}
	g.metrics.AdmissionDecision(false, domain.GetDenialReason(err))
}

func (g *Governor) evaluate(req domain.ResourceRequest, allocated domain.ResourceRequest, active int64) error {
	if err := req.Validate(); err != nil {
		return err
	}
	cfg := g.cfg()
	now := g.now()

	if err := checkCeilings(cfg, req); err != nil {
		return err
	}

	for _, w := range cfg.MaintenanceWindows {
		if w.Contains(now) {
			return denial(domain.DenialMaintenance, fmt.Sprintf("maintenance window until %s", w.End.Format(time.RFC3339)),
				"window_reason", w.Reason)
		}
	}

	if g.backpressure.Load() {
		return denial(domain.DenialBackpressure, "system is under backpressure")
	}

	if err := checkCapacity(cfg, req, allocated); err != nil {
		return err
	}

	if cfg.MaxConcurrentRuns > 0 && active >= int64(cfg.MaxConcurrentRuns) {
		return denial(domain.DenialConcurrency, fmt.Sprintf("%d runs already active", active),
			"max_concurrent_runs", cfg.MaxConcurrentRuns)
	}
	if cfg.PeakHours != nil && cfg.PeakHours.Contains(now) && cfg.PeakConcurrency > 0 && active >= int64(cfg.PeakConcurrency) {
		return denial(domain.DenialPeakHours, "peak-hour concurrency slots exhausted",
			"peak_concurrency", cfg.PeakConcurrency)
	}
	return nil
}

// checkCeilings applies the static per-run policy: no run may claim more than
// the configured fraction of any resource.
func checkCeilings(cfg domain.GovernorConfig, req domain.ResourceRequest) error {
	type ceiling struct {
		name     string
		want     float64
		capacity float64
		fraction float64
	}
	for _, c := range []ceiling{
		{"cpu", req.CPU, cfg.Capacity.CPU, cfg.MaxCPUFraction},
		{"memory_gb", req.MemoryGB, cfg.Capacity.MemoryGB, cfg.MaxMemoryFraction},
		{"gpu", req.GPU, cfg.Capacity.GPU, cfg.MaxGPUFraction},
	} {
		if c.want == 0 || c.fraction <= 0 {
			continue
		}
		limit := c.capacity * c.fraction
		if c.want > limit {
			return denial(domain.DenialPolicyCeiling,
				fmt.Sprintf("%s request %.3g exceeds per-run ceiling %.3g", c.name, c.want, limit),
				"resource", c.name, "requested", c.want, "ceiling", limit)
		}
	}
	return nil
}

func checkCapacity(cfg domain.GovernorConfig, req, allocated domain.ResourceRequest) error {
	type dim struct {
		name      string
		want      float64
		allocated float64
		capacity  float64
	}
	for _, d := range []dim{
		{"cpu", req.CPU, allocated.CPU, cfg.Capacity.CPU},
		{"memory_gb", req.MemoryGB, allocated.MemoryGB, cfg.Capacity.MemoryGB},
		{"gpu", req.GPU, allocated.GPU, cfg.Capacity.GPU},
		{"storage_gb", req.StorageGB, allocated.StorageGB, cfg.Capacity.StorageGB},
	} {
		if d.want == 0 {
			continue
		}
		if d.allocated+d.want > d.capacity {
			return denial(domain.DenialCapacity,
				fmt.Sprintf("%s request %.3g exceeds available %.3g", d.name, d.want, math.Max(d.capacity-d.allocated, 0)),
				"resource", d.name, "requested", d.want, "available", d.capacity-d.allocated)
		}
	}

	if req.CPU > 0 && cfg.MinFreeCores > 0 {
		free := cfg.Capacity.CPU - allocated.CPU - req.CPU
		if free < cfg.MinFreeCores {
			return denial(domain.DenialPolicyCeiling,
				fmt.Sprintf("admitting would leave %.3g cores free, policy keeps %.3g", free, cfg.MinFreeCores),
				"resource", "cpu", "min_free_cores", cfg.MinFreeCores)
		}
	}
	return nil
}

func denial(reason domain.DenialReason, message string, details ...interface{}) error {
	opts := []domain.ErrorOption{domain.WithComponent("governor"), domain.WithOperation("admission")}
	for i := 0; i+1 < len(details); i += 2 {
		if key, ok := details[i].(string); ok {
			opts = append(opts, domain.WithContextDetail(key, details[i+1]))
		}
	}
	return domain.NewPolicyDenial(reason, message, opts...)
}

// Reserve admits and records req under owner in one step. An owner holds at
// most one reservation.
func (g *Governor) Reserve(owner string, req domain.ResourceRequest) error {
	if owner == "" {
		return domain.NewValidationError("reservation owner is required", domain.ErrInvalidInput,
			domain.WithComponent("governor"), domain.WithOperation("reserve"))
	}

	g.reserveMu.Lock()
	if _, exists := g.claims[owner]; exists {
		g.reserveMu.Unlock()
		return domain.NewStateError(fmt.Sprintf("%s already holds a reservation", owner), domain.ErrInvalidState,
			domain.WithComponent("governor"), domain.WithOperation("reserve"), domain.WithPipelineID(owner))
	}
	err := g.evaluate(req, g.allocated.load(), g.active.Load())
	if err == nil {
		g.allocated.add(req, 1)
		g.active.Add(1)
		g.claims[owner] = req
	}
	g.reserveMu.Unlock()

	g.recordDecision(err)
	if err != nil {
		g.logger.Info("reservation denied", "owner", owner, "reason", domain.GetDenialReason(err), "error", err)
		return err
	}

	g.metrics.ResourceAllocation(g.Usage())
	g.logger.Debug("resources reserved", "owner", owner, "cpu", req.CPU, "memory_gb", req.MemoryGB)
	return nil
}

// Release returns owner's reservation. Releasing twice is a no-op.
func (g *Governor) Release(owner string) bool {
	g.reserveMu.Lock()
	req, ok := g.claims[owner]
	if ok {
		delete(g.claims, owner)
		g.allocated.add(req, -1)
		g.active.Add(-1)
	}
	g.reserveMu.Unlock()

	if ok {
		g.metrics.ResourceAllocation(g.Usage())
		g.logger.Debug("resources released", "owner", owner)
	}
	return ok
}

func (g *Governor) Usage() domain.ResourceUsage {
	cfg := g.cfg()
	allocated := g.allocated.load()
	return domain.ResourceUsage{
		Capacity:  cfg.Capacity,
		Allocated: allocated,
		Available: domain.ResourceRequest{
			CPU:       math.Max(cfg.Capacity.CPU-allocated.CPU, 0),
			MemoryGB:  math.Max(cfg.Capacity.MemoryGB-allocated.MemoryGB, 0),
			GPU:       math.Max(cfg.Capacity.GPU-allocated.GPU, 0),
			StorageGB: math.Max(cfg.Capacity.StorageGB-allocated.StorageGB, 0),
		},
		ActiveRuns:   g.active.Load(),
		Denials:      g.denials.Load(),
		Backpressure: g.backpressure.Load(),
	}
}

func (g *Governor) InBackpressure() bool {
	return g.backpressure.Load()
}

var _ ports.Governor = (*Governor)(nil)
