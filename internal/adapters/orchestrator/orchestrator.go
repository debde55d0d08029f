package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/runtime"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/google/uuid"
)

type Deps struct {
	Broker    ports.Broker
	Scheduler ports.Scheduler
	Governor  ports.Governor
	Archive   ports.ArchiveStore
	Metrics   ports.MetricsRecorder
	Tracer    ports.Tracer
	Limiter   ports.RateLimiter
	Logger    *slog.Logger
	Clock     ports.Clock
}

type entry struct {
	mu      sync.Mutex
	run     *domain.PipelineRun
	report  *domain.CompletionReport
	results map[string]interface{}
	// retrying is the stage whose start is held back by retry backoff.
	retrying domain.ProcessingStage
	done     atomic.Bool
}

// Orchestrator owns every pipeline run and drives it through its stage
// order. Stage work happens elsewhere; the orchestrator only emits stage
// starts and reacts to the completions, failures and progress that come back.
type Orchestrator struct {
	*runtime.Runtime

	governor ports.Governor
	archive  ports.ArchiveStore
	metrics  ports.MetricsRecorder
	log      *ports.StructuredLogger
	now      ports.Clock

	cfgMu  sync.RWMutex
	config domain.OrchestratorConfig

	mu   sync.RWMutex
	runs map[string]*entry
}

func New(config domain.OrchestratorConfig, runtimeConfig domain.RuntimeConfig, deps Deps) *Orchestrator {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	identity := domain.NewRoutingIdentity(domain.OrchestratorComponent, domain.ComponentService, domain.DomainPipeline)
	rt := runtime.NewRuntime(identity, runtimeConfig, runtime.Deps{
		Broker:    deps.Broker,
		Scheduler: deps.Scheduler,
		Metrics:   metrics,
		Tracer:    deps.Tracer,
		Limiter:   deps.Limiter,
		Logger:    deps.Logger,
		Clock:     clock,
	})

	return &Orchestrator{
		Runtime:  rt,
		governor: deps.Governor,
		archive:  deps.Archive,
		metrics:  metrics,
		log:      ports.NewStructuredLogger(deps.Logger, "orchestrator", identity.InstanceID),
		now:      clock,
		config:   withDefaults(config),
		runs:     make(map[string]*entry),
	}
}

// Start registers the pipeline handlers, subscribes and schedules the timeout
// and retention sweep.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.registerHandlers(); err != nil {
		return err
	}
	if err := o.Runtime.Start(ctx); err != nil {
		return err
	}
	return o.Every("sweep", o.cfg().SweepInterval, func(ctx context.Context) error {
		o.SweepTimeouts(ctx)
		o.Prune()
		return nil
	})
}

func (o *Orchestrator) cfg() domain.OrchestratorConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.config
}

func (o *Orchestrator) lookup(pipelineID string) (*entry, error) {
	o.mu.RLock()
	e, ok := o.runs[pipelineID]
	o.mu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError(fmt.Sprintf("pipeline %s not found", pipelineID), domain.ErrNotFound,
			domain.WithComponent("orchestrator"), domain.WithPipelineID(pipelineID))
	}
	return e, nil
}

// withRun serializes fn with every other mutation of the same run.
func (o *Orchestrator) withRun(pipelineID string, fn func(e *entry) error) error {
	e, err := o.lookup(pipelineID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e)
}

func (o *Orchestrator) activeLocked() int {
	n := 0
	for _, e := range o.runs {
		if !e.done.Load() {
			n++
		}
	}
	return n
}

// StartPipeline admits a run, reserves its resources and emits the start of
// its first stage. It returns the correlation id every message of the run
// carries.
func (o *Orchestrator) StartPipeline(ctx context.Context, req ports.StartRequest) (string, error) {
	cfg := o.cfg()
	if req.PipelineID == "" {
		req.PipelineID = uuid.New().String()
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	op := o.log.WithOperation("start_pipeline", correlationID)

	order, err := stageOrder(cfg, req.Order)
	if err != nil {
		op.Fail("invalid stage order", err, "pipeline_id", req.PipelineID)
		return "", err
	}

	now := o.now()
	run, err := domain.NewPipelineRun(req.PipelineID, correlationID, domain.RunOptions{
		Order:          order,
		MaxRetries:     cfg.MaxRetries,
		DefaultTimeout: cfg.StageTimeout,
		StageTimeouts:  cfg.StageTimeouts,
		RequiredKeys:   requiredKeys(cfg.RequiredResultKeys, req.RequiredKeys),
		Config:         req.Config,
		Resources:      req.Resources,
		Requester:      req.Requester,
		Priority:       req.Priority,
	}, now)
	if err != nil {
		op.Fail("invalid pipeline request", err, "pipeline_id", req.PipelineID)
		return "", err
	}
	if run.Resources.IsZero() {
		run.Resources = cfg.DefaultResources
	}

	e := &entry{run: run}
	e.mu.Lock()

	o.mu.Lock()
	if existing, ok := o.runs[run.ID]; ok && !existing.done.Load() {
		o.mu.Unlock()
		e.mu.Unlock()
		return "", domain.NewStateError(fmt.Sprintf("pipeline %s is already running", run.ID), domain.ErrInvalidState,
			domain.WithComponent("orchestrator"), domain.WithPipelineID(run.ID))
	}
	if cfg.MaxConcurrentPipelines > 0 && o.activeLocked() >= cfg.MaxConcurrentPipelines {
		o.mu.Unlock()
		e.mu.Unlock()
		err := domain.NewPolicyDenial(domain.DenialConcurrency,
			fmt.Sprintf("%d pipelines already running", cfg.MaxConcurrentPipelines),
			domain.WithComponent("orchestrator"), domain.WithPipelineID(run.ID))
		o.admissionDenied(ctx, run, err)
		op.Fail("pipeline refused", err, "pipeline_id", run.ID)
		return "", err
	}
	o.runs[run.ID] = e
	o.mu.Unlock()

	if err := o.reserve(run); err != nil {
		e.done.Store(true)
		e.mu.Unlock()
		o.mu.Lock()
		if o.runs[run.ID] == e {
			delete(o.runs, run.ID)
		}
		o.mu.Unlock()
		o.admissionDenied(ctx, run, err)
		op.Fail("pipeline refused", err, "pipeline_id", run.ID)
		return "", err
	}
	defer e.mu.Unlock()

	first, err := run.Start(now)
	if err != nil {
		o.releaseLocked(run)
		e.done.Store(true)
		op.Fail("pipeline failed to start", err, "pipeline_id", run.ID)
		return "", err
	}

	o.metrics.PipelineStarted()
	o.notice(ctx, run, domain.KindPipelineStarted, "pipeline started", map[string]interface{}{
		"stages":     len(run.Order),
		"first":      string(first),
		"reserved":   run.ResourcesHeld,
		"max_retry":  cfg.MaxRetries,
		"priority":   string(run.Priority),
		"stage_mode": orderMode(cfg, req.Order),
	})
	op.Complete("pipeline started", "pipeline_id", run.ID, "first_stage", string(first))

	if err := o.launch(ctx, e, first); err != nil {
		return correlationID, err
	}
	return correlationID, nil
}

func (o *Orchestrator) reserve(run *domain.PipelineRun) error {
	if o.governor == nil || run.Resources.IsZero() {
		return nil
	}
	if err := o.governor.Reserve(run.ID, run.Resources); err != nil {
		return err
	}
	run.ResourcesHeld = true
	return nil
}

func (o *Orchestrator) releaseLocked(run *domain.PipelineRun) {
	if !run.ResourcesHeld {
		return
	}
	if o.governor != nil {
		o.governor.Release(run.ID)
	}
	run.ResourcesHeld = false
}

func (o *Orchestrator) admissionDenied(ctx context.Context, run *domain.PipelineRun, err error) {
	o.notice(ctx, run, domain.KindPipelineAdmission, err.Error(), map[string]interface{}{
		"reason": string(domain.GetDenialReason(err)),
	})
}

func stageOrder(cfg domain.OrchestratorConfig, override []domain.ProcessingStage) ([]domain.ProcessingStage, error) {
	switch {
	case len(override) > 0:
		return override, nil
	case len(cfg.StageOrder) > 0:
		return cfg.StageOrder, nil
	case len(cfg.StageDependencies) > 0:
		return domain.ResolveStageOrder(cfg.StageDependencies)
	default:
		return domain.DefaultStageOrder, nil
	}
}

func orderMode(cfg domain.OrchestratorConfig, override []domain.ProcessingStage) string {
	switch {
	case len(override) > 0:
		return "request"
	case len(cfg.StageOrder) > 0:
		return "configured"
	case len(cfg.StageDependencies) > 0:
		return "dependencies"
	default:
		return "default"
	}
}

func requiredKeys(base, override map[domain.ProcessingStage][]string) map[domain.ProcessingStage][]string {
	out := make(map[domain.ProcessingStage][]string, len(base)+len(override))
	for s, keys := range base {
		out[s] = keys
	}
	for s, keys := range override {
		out[s] = keys
	}
	return out
}

// PipelineStatus returns a copy of the run's pipeline context, falling back to the
// archive for runs already pruned from memory.
func (o *Orchestrator) PipelineStatus(pipelineID string) (domain.PipelineContext, error) {
	e, err := o.lookup(pipelineID)
	if err != nil {
		archived, aerr := o.loadArchive(context.Background(), pipelineID)
		if aerr != nil {
			return domain.PipelineContext{}, err
		}
		return archived.Run.Context.Snapshot(), nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Context.Snapshot(), nil
}

func (o *Orchestrator) Progress(pipelineID string) (float64, error) {
	e, err := o.lookup(pipelineID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Progress(), nil
}

// Report returns the completion report of a finished run, or a report of the
// run so far while it is live.
func (o *Orchestrator) Report(pipelineID string) (domain.CompletionReport, error) {
	e, err := o.lookup(pipelineID)
	if err != nil {
		archived, aerr := o.loadArchive(context.Background(), pipelineID)
		if aerr != nil {
			return domain.CompletionReport{}, err
		}
		return archived.Report, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.report != nil {
		return *e.report, nil
	}
	return e.run.Report(o.now()), nil
}

func (o *Orchestrator) Runs() []ports.RunSummary {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.runs))
	for _, e := range o.runs {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	out := make([]ports.RunSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		r := e.run
		retries := 0
		for _, rec := range r.Context.Stages {
			retries += rec.RetryCount
		}
		out = append(out, ports.RunSummary{
			PipelineID:    r.ID,
			CorrelationID: r.CorrelationID,
			State:         r.State,
			CurrentStage:  r.CurrentStage(),
			Progress:      r.Progress(),
			Retries:       retries,
			Error:         r.Error,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID < out[j].PipelineID })
	return out
}

// Active is the number of runs that have not reached a terminal state.
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeLocked()
}

var _ ports.Orchestrator = (*Orchestrator)(nil)
var _ ports.Manager = (*Orchestrator)(nil)
