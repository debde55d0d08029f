package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/broker"
	"github.com/eleven-am/conduit/internal/adapters/circuit_breaker"
	"github.com/eleven-am/conduit/internal/adapters/governor"
	"github.com/eleven-am/conduit/internal/adapters/metrics"
	"github.com/eleven-am/conduit/internal/adapters/observability"
	"github.com/eleven-am/conduit/internal/adapters/orchestrator"
	"github.com/eleven-am/conduit/internal/adapters/rate_limiter"
	"github.com/eleven-am/conduit/internal/adapters/scheduler"
	"github.com/eleven-am/conduit/internal/adapters/storage"
	"github.com/eleven-am/conduit/internal/adapters/tracing"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/managers"
	"github.com/eleven-am/conduit/internal/ports"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

const (
	coordinatorName = "conduit"
	gcInterval      = 10 * time.Minute
	waitPoll        = 25 * time.Millisecond
)

// Analyzers are the external collaborators behind each analysis domain. A
// domain whose analyzer is nil gets no manager, so its stages only ever time
// out.
type Analyzers struct {
	Quality   ports.Analyzer
	Insight   ports.Analyzer
	Analytics ports.Analyzer
	Decision  ports.Analyzer
	Report    ports.Analyzer
}

type options struct {
	exporters []sdktrace.SpanExporter
	memory    managers.MemorySampler
	clock     ports.Clock
}

type Option func(*options)

// WithSpanExporter batches dispatch spans to exp when tracing is enabled.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporters = append(o.exporters, exp) }
}

func WithMemorySampler(s managers.MemorySampler) Option {
	return func(o *options) { o.memory = s }
}

func WithClock(c ports.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Coordinator owns every component of one conduit process. Construction wires
// them; Start brings them up in dependency order and Stop tears them down in
// reverse.
type Coordinator struct {
	config   *domain.Config
	logger   *slog.Logger
	identity domain.RoutingIdentity

	recorder  *metrics.Recorder
	tracing   *tracing.TracingProvider
	breakers  *circuit_breaker.Provider
	limiters  *rate_limiter.Provider
	broker    *broker.Broker
	scheduler *scheduler.Scheduler
	governor  *governor.Governor
	db        *storage.DB
	staging   *storage.StagingStore

	orchestrator *orchestrator.Orchestrator
	decision     *managers.DecisionManager
	monitoring   *managers.MonitoringManager
	domains      []ports.Manager
	server       *observability.Server

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	serving *errgroup.Group
}

func New(analyzers Analyzers, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	config := domain.DefaultConfig()
	config.Logger = logger
	return NewWithConfig(config, analyzers, opts...)
}

func NewWithConfig(config *domain.Config, analyzers Analyzers, opts ...Option) (*Coordinator, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	clock := o.clock
	if clock == nil {
		clock = time.Now
	}

	base := config.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", coordinatorName, "service", config.ServiceName)

	c := &Coordinator{
		config:   config,
		logger:   logger,
		identity: domain.NewRoutingIdentity(coordinatorName, domain.ComponentService, domain.DomainPipeline),
		recorder: metrics.NewRecorder(),
		limiters: rate_limiter.NewProviderFromConfig(config.RateLimiter, base, rate_limiter.WithClock(clock)),
	}

	tracingOpts := make([]tracing.Option, 0, len(o.exporters))
	for _, exp := range o.exporters {
		tracingOpts = append(tracingOpts, tracing.WithExporter(exp))
	}
	c.tracing = tracing.NewTracingProvider(config.Tracing, base, tracingOpts...)

	var breakers ports.CircuitBreakerProvider
	if config.CircuitBreaker.Enabled {
		c.breakers = circuit_breaker.NewProviderFromConfig(config.CircuitBreaker, base,
			circuit_breaker.WithClock(clock),
			circuit_breaker.WithStateChange(c.recorder.BreakerTransition))
		breakers = c.breakers
	}
	breaker := func(name string) ports.CircuitBreaker {
		if c.breakers == nil {
			return nil
		}
		return c.breakers.GetCircuitBreaker(name)
	}

	c.broker = broker.New(config.Broker, c.recorder, base)
	c.scheduler = scheduler.New(base)
	c.governor = governor.New(config.Governor, governor.Deps{
		Publisher: c.broker,
		Scheduler: c.scheduler,
		Limiter:   c.limiters.GetRateLimiter("pressure"),
		Metrics:   c.recorder,
		Logger:    base,
		Clock:     clock,
	})

	db, err := storage.Open(config.Staging, base)
	if err != nil {
		return nil, err
	}
	c.db = db
	c.staging, err = storage.NewStagingStore(db, config.Staging, breaker("staging"), base, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	archive := storage.NewArchiveStore(db, breaker("archive"), base)

	admission := c.limiters.GetRateLimiter("admission")
	c.orchestrator = orchestrator.New(config.Orchestrator, config.Runtime, orchestrator.Deps{
		Broker:    c.broker,
		Scheduler: c.scheduler,
		Governor:  c.governor,
		Archive:   archive,
		Metrics:   c.recorder,
		Tracer:    c.tracing.GetTracer("orchestrator"),
		Limiter:   admission,
		Logger:    base,
		Clock:     clock,
	})

	deps := managers.Deps{
		Broker:    c.broker,
		Scheduler: c.scheduler,
		Governor:  c.governor,
		Breakers:  breakers,
		Metrics:   c.recorder,
		Tracer:    c.tracing.GetTracer("managers"),
		Limiter:   admission,
		Logger:    base,
		Clock:     clock,
	}
	c.wireManagers(analyzers, deps, o.memory)

	if config.Observability.Enabled {
		c.server = observability.NewServer(config.Observability, c, c.recorder.Registry(), base)
	}
	return c, nil
}

func (c *Coordinator) wireManagers(analyzers Analyzers, deps managers.Deps, memory managers.MemorySampler) {
	cfg := c.config
	c.domains = append(c.domains, managers.NewStagingManager(c.staging, cfg.Runtime, deps))

	stage := []struct {
		name     string
		analyzer ports.Analyzer
		build    func(ports.Analyzer) ports.Manager
	}{
		{domain.QualityManager, analyzers.Quality, func(a ports.Analyzer) ports.Manager {
			return managers.NewQualityManager(a, cfg.Managers, cfg.Runtime, deps)
		}},
		{domain.InsightManager, analyzers.Insight, func(a ports.Analyzer) ports.Manager {
			return managers.NewInsightManager(a, cfg.Managers, cfg.Runtime, deps)
		}},
		{domain.AnalyticsManager, analyzers.Analytics, func(a ports.Analyzer) ports.Manager {
			return managers.NewAnalyticsManager(a, cfg.Managers, cfg.Runtime, deps)
		}},
		{domain.DecisionManager, analyzers.Decision, func(a ports.Analyzer) ports.Manager {
			c.decision = managers.NewDecisionManager(a, cfg.Managers, cfg.Runtime, deps)
			return c.decision
		}},
		{domain.ReportManager, analyzers.Report, func(a ports.Analyzer) ports.Manager {
			return managers.NewReportManager(a, c.staging, cfg.Managers, cfg.Runtime, deps)
		}},
	}
	for _, s := range stage {
		if s.analyzer == nil {
			c.logger.Warn("no analyzer configured, domain not served", "target", s.name)
			continue
		}
		c.domains = append(c.domains, s.build(s.analyzer))
	}

	c.monitoring = managers.NewMonitoringManager(cfg.Monitoring, cfg.Runtime, memory, deps)
	c.monitoring.Watch(c.domains...)
	c.monitoring.Watch(c.orchestrator)
}

// Start brings the process up: broker, scheduler and governor first, then the
// domain managers concurrently, then the orchestrator and monitoring. Any
// failure tears down whatever already started.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return domain.NewStateError("coordinator already started", domain.ErrAlreadyStarted,
			domain.WithComponent(coordinatorName), domain.WithOperation("start"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	if err := c.start(runCtx); err != nil {
		c.logger.Error("startup failed", "error", err)
		_ = c.shutdown(context.Background())
		return err
	}
	c.logger.Info("conduit started", "managers", len(c.domains), "observability", c.server != nil)
	return nil
}

func (c *Coordinator) start(ctx context.Context) error {
	if err := c.broker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := c.governor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start governor: %w", err)
	}
	if err := c.scheduler.Every(coordinatorName, "storage_gc", gcInterval, c.db.RunGC); err != nil {
		return fmt.Errorf("failed to schedule storage gc: %w", err)
	}

	// Runtimes keep the context they are started with, so the group's own
	// context must not reach them.
	var g errgroup.Group
	for _, m := range c.domains {
		g.Go(func() error {
			if err := m.Start(ctx); err != nil {
				return fmt.Errorf("failed to start %s: %w", m.Identity().ComponentName, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if err := c.monitoring.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring: %w", err)
	}

	if c.server != nil {
		c.serving = &errgroup.Group{}
		c.serving.Go(func() error { return c.server.Start(ctx) })
	}
	return nil
}

// Stop drains and shuts down every component. It is safe to call more than
// once.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		return nil
	}
	err := c.shutdown(ctx)
	c.logger.Info("conduit stopped", "clean", err == nil)
	return err
}

func (c *Coordinator) shutdown(ctx context.Context) error {
	c.stopped = true
	var errs []error

	cleanup := func(m ports.Manager) {
		if err := m.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Identity().ComponentName, err))
		}
	}
	cleanup(c.monitoring)
	cleanup(c.orchestrator)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, m := range c.domains {
		g.Go(func() error {
			if err := m.Cleanup(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", m.Identity().ComponentName, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := c.governor.Stop(); err != nil && !errors.Is(err, domain.ErrNotStarted) {
		errs = append(errs, err)
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.serving != nil {
		if err := c.serving.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("observability: %w", err))
		}
	}
	if err := c.scheduler.Stop(); err != nil && !errors.Is(err, domain.ErrNotStarted) {
		errs = append(errs, err)
	}
	if err := c.broker.Stop(); err != nil && !errors.Is(err, domain.ErrNotStarted) {
		errs = append(errs, err)
	}
	if err := c.staging.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	c.limiters.Stop()
	return errors.Join(errs...)
}

func (c *Coordinator) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return domain.NewStateError("coordinator not started", domain.ErrNotStarted, domain.WithComponent(coordinatorName))
	}
	if c.stopped {
		return domain.NewStateError("coordinator stopped", domain.ErrAlreadyShutdown, domain.WithComponent(coordinatorName))
	}
	return nil
}

// StartPipeline admits a run and returns its correlation id.
func (c *Coordinator) StartPipeline(ctx context.Context, req ports.StartRequest) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if req.Requester == "" {
		req.Requester = coordinatorName
	}
	return c.orchestrator.StartPipeline(ctx, req)
}

func (c *Coordinator) Pause(ctx context.Context, pipelineID string) error {
	return c.orchestrator.Pause(ctx, pipelineID)
}

func (c *Coordinator) Resume(ctx context.Context, pipelineID string) error {
	return c.orchestrator.Resume(ctx, pipelineID)
}

func (c *Coordinator) Cancel(ctx context.Context, pipelineID, reason string) error {
	return c.orchestrator.Cancel(ctx, pipelineID, reason)
}

func (c *Coordinator) Rollback(ctx context.Context, pipelineID, reason string) error {
	return c.orchestrator.Rollback(ctx, pipelineID, reason)
}

func (c *Coordinator) PipelineStatus(pipelineID string) (domain.PipelineContext, error) {
	return c.orchestrator.PipelineStatus(pipelineID)
}

func (c *Coordinator) Progress(pipelineID string) (float64, error) {
	return c.orchestrator.Progress(pipelineID)
}

func (c *Coordinator) Report(pipelineID string) (domain.CompletionReport, error) {
	return c.orchestrator.Report(pipelineID)
}

func (c *Coordinator) Runs() []ports.RunSummary {
	return c.orchestrator.Runs()
}

// Wait blocks until the run reaches a terminal state and returns its report.
func (c *Coordinator) Wait(ctx context.Context, pipelineID string) (domain.CompletionReport, error) {
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		report, err := c.orchestrator.Report(pipelineID)
		if err != nil {
			return domain.CompletionReport{}, err
		}
		if report.State.IsTerminal() {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, domain.NewTimeoutError("wait for pipeline cancelled", ctx.Err(),
				domain.WithComponent(coordinatorName), domain.WithPipelineID(pipelineID))
		case <-ticker.C:
		}
	}
}

// Decide answers a parked decision or user review.
func (c *Coordinator) Decide(ctx context.Context, pipelineID, choice, decidedBy string, values map[string]interface{}) error {
	if c.decision == nil {
		return domain.NewNotFoundError("decision domain is not served", domain.ErrNotFound,
			domain.WithComponent(coordinatorName), domain.WithPipelineID(pipelineID))
	}
	return c.decision.Decide(ctx, pipelineID, choice, decidedBy, values)
}

func (c *Coordinator) PendingDecisions() []string {
	if c.decision == nil {
		return nil
	}
	return c.decision.Pending()
}

var configKinds = map[string]domain.MessageKind{
	domain.OrchestratorComponent: domain.KindPipelineConfigUpdate,
	domain.StagingManager:        domain.KindStagingConfigUpdate,
	domain.QualityManager:        domain.KindQualityConfigUpdate,
	domain.InsightManager:        domain.KindInsightConfigUpdate,
	domain.AnalyticsManager:      domain.KindAnalyticsConfigUpdate,
	domain.DecisionManager:       domain.KindDecisionConfigUpdate,
	domain.ReportManager:         domain.KindReportConfigUpdate,
	domain.MonitoringManager:     domain.KindMonitoringConfig,
}

// Configure sends a config update to target. The update is applied
// asynchronously; a rejected update surfaces as a component.error to system.
func (c *Coordinator) Configure(ctx context.Context, target string, settings map[string]interface{}) error {
	kind, ok := configKinds[target]
	if !ok {
		return domain.NewValidationError(fmt.Sprintf("%s has no runtime configuration", target), domain.ErrInvalidInput,
			domain.WithComponent(coordinatorName))
	}
	if err := c.ready(); err != nil {
		return err
	}
	msg := domain.NewMessage(kind, domain.ConfigUpdatePayload{Settings: settings}, c.identity, target)
	return c.broker.Publish(ctx, msg)
}

// Subscribe attaches an external listener to the broker, for example to
// follow pipeline notices addressed to a requester.
func (c *Coordinator) Subscribe(identity domain.RoutingIdentity, pattern string, handler ports.MessageHandler) error {
	return c.broker.Subscribe(identity, pattern, handler)
}

func (c *Coordinator) Unsubscribe(identity domain.RoutingIdentity, pattern string) error {
	return c.broker.Unsubscribe(identity, pattern)
}

func (c *Coordinator) Publish(ctx context.Context, msg domain.ProcessingMessage) error {
	return c.broker.Publish(ctx, msg)
}

// Managers lists every component the coordinator runs, orchestrator first.
func (c *Coordinator) Managers() []ports.Manager {
	out := []ports.Manager{c.orchestrator}
	out = append(out, c.domains...)
	return append(out, c.monitoring)
}

// ServerAddr is the observability listen address, empty when disabled or not
// yet listening.
func (c *Coordinator) ServerAddr() string {
	if c.server == nil {
		return ""
	}
	return c.server.Addr()
}

func (c *Coordinator) Health() observability.HealthStatus {
	c.mu.Lock()
	started, stopped := c.started, c.stopped
	c.mu.Unlock()

	status := observability.HealthStatus{Components: make(map[string]string)}
	var failing, waiting []string
	for _, m := range c.Managers() {
		name := m.Identity().ComponentName
		st := m.State()
		status.Components[name] = string(st)
		switch {
		case st == domain.ManagerError:
			failing = append(failing, name)
		case !st.Accepting():
			waiting = append(waiting, name)
		}
	}
	if c.governor.InBackpressure() {
		status.Components["governor"] = "backpressure"
	} else {
		status.Components["governor"] = "ok"
	}
	sort.Strings(failing)
	sort.Strings(waiting)

	status.Healthy = started && !stopped && len(failing) == 0
	status.Ready = status.Healthy && len(waiting) == 0
	switch {
	case !started:
		status.Error = "not started"
	case stopped:
		status.Error = "stopped"
	case len(failing) > 0:
		status.Error = fmt.Sprintf("components in error: %v", failing)
	case len(waiting) > 0:
		status.Error = fmt.Sprintf("components not accepting work: %v", waiting)
	}
	return status
}

func (c *Coordinator) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"broker":            c.broker.Stats(),
		"resources":         c.governor.Usage(),
		"backpressure":      c.governor.InBackpressure(),
		"staging":           c.staging.Usage(),
		"active_pipelines":  c.orchestrator.Active(),
		"pending_decisions": len(c.PendingDecisions()),
		"pressure":          c.monitoring.Samples(),
	}
	if c.breakers != nil {
		stats["breakers"] = c.breakers.Snapshots()
	}
	if c.limiters != nil {
		stats["limiters"] = c.limiters.Snapshots()
	}
	return stats
}

var _ observability.Source = (*Coordinator)(nil)
