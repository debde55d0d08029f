// Package managers holds the domain managers that execute pipeline stages.
// Each one is a runtime.Runtime with a handler per stage family; the stage
// work itself is delegated to a ports.Analyzer.
package managers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/runtime"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Deps are shared by every manager. Broker and Scheduler are required.
type Deps struct {
	Broker    ports.Broker
	Scheduler ports.Scheduler
	Governor  ports.Governor
	Breakers  ports.CircuitBreakerProvider
	Metrics   ports.MetricsRecorder
	Tracer    ports.Tracer
	Limiter   ports.RateLimiter
	Logger    *slog.Logger
	Clock     ports.Clock
}

func (d Deps) runtime(identity domain.RoutingIdentity, config domain.RuntimeConfig) *runtime.Runtime {
	return runtime.NewRuntime(identity, config, runtime.Deps{
		Broker:    d.Broker,
		Scheduler: d.Scheduler,
		Metrics:   d.Metrics,
		Tracer:    d.Tracer,
		Limiter:   d.Limiter,
		Logger:    d.Logger,
		Clock:     d.Clock,
	})
}

// Family binds a four-phase kind family to the stage its payloads report.
// Auxiliary families (profiling, forecasting, rendering) report the stage of
// the manager's main work.
type Family struct {
	Kinds domain.StageKinds
	Stage domain.ProcessingStage
}

func stageFamily(stage domain.ProcessingStage) Family {
	kinds, _ := domain.KindsForStage(stage)
	return Family{Kinds: kinds, Stage: stage}
}

// StageManager runs the start kinds of its families through an analyzer and
// replies with progress, complete or failed to whoever asked.
type StageManager struct {
	*runtime.Runtime

	analyzer ports.Analyzer
	breaker  ports.CircuitBreaker
	governor ports.Governor
	dept     string
	families map[domain.MessageKind]Family

	cfgMu    sync.RWMutex
	config   domain.ManagersConfig
	settings map[string]interface{}
}

func newStageManager(name, department string, families []Family, analyzer ports.Analyzer, config domain.ManagersConfig, runtimeConfig domain.RuntimeConfig, deps Deps) *StageManager {
	identity := domain.NewRoutingIdentity(name, domain.ComponentManager, department)
	m := &StageManager{
		Runtime:  deps.runtime(identity, runtimeConfig),
		analyzer: analyzer,
		governor: deps.Governor,
		dept:     department,
		families: make(map[domain.MessageKind]Family, len(families)),
		config:   config,
		settings: copySettings(config.Settings),
	}
	if deps.Breakers != nil {
		m.breaker = deps.Breakers.GetCircuitBreaker(name)
	}
	for _, f := range families {
		m.families[f.Kinds.Start] = f
	}
	return m
}

// Start registers the family handlers and the domain's config_update before
// the runtime subscribes anything.
func (m *StageManager) Start(ctx context.Context) error {
	if m.analyzer == nil {
		return domain.NewConfigurationError(fmt.Sprintf("%s requires an analyzer", m.Name()), domain.ErrInvalidConfig,
			domain.WithComponent(m.Name()))
	}
	for kind := range m.families {
		if err := m.RegisterHandler(kind, m.handleStart); err != nil {
			return err
		}
	}
	if err := m.RegisterHandler(domain.ConfigUpdateKind(m.dept), m.handleConfig); err != nil {
		return err
	}
	return m.Runtime.Start(ctx)
}

// Families lists the start kinds this manager serves.
func (m *StageManager) Families() []Family {
	out := make([]Family, 0, len(m.families))
	for _, f := range m.families {
		out = append(out, f)
	}
	return out
}

func (m *StageManager) handleStart(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.StartPayload)
	if !ok {
		return domain.NewValidationError(fmt.Sprintf("%s requires a StartPayload", msg.Kind), domain.ErrInvalidInput,
			domain.WithComponent(m.Name()), domain.WithMessageID(msg.MessageID))
	}
	family := m.families[msg.Kind]
	stage := family.Stage
	if p.Stage != "" && msg.Kind == family.Kinds.Start && domain.StageOwner(p.Stage) == m.Name() {
		stage = p.Stage
	}

	if m.governor != nil && !m.governor.Admit(m.Name()) {
		denial := domain.NewPolicyDenial(domain.DenialRateLimited, fmt.Sprintf("%s is rate limited", m.Name()),
			domain.WithComponent(m.Name()), domain.WithPipelineID(p.PipelineID), domain.WithStage(stage))
		if err := m.replyFailed(ctx, msg, family, p.PipelineID, stage, denial); err != nil {
			return errors.Join(denial, err)
		}
		return denial
	}

	log := m.Logger().With("pipeline_id", p.PipelineID, "stage", stage, "message_kind", msg.Kind)
	req := ports.AnalysisRequest{
		PipelineID: p.PipelineID,
		Stage:      stage,
		Kind:       msg.Kind,
		Config:     m.requestConfig(p.Config),
		Attempt:    p.Attempt,
		Report: func(progress float64) {
			m.progress(ctx, msg, family, p.PipelineID, stage, progress)
		},
	}

	start := m.Now()
	result, err := m.analyze(ctx, msg, req)
	if err != nil {
		log.Warn("stage work failed", "error", err, "attempt", p.Attempt)
		return m.replyFailed(ctx, msg, family, p.PipelineID, stage, err)
	}

	results := result.Results
	if results == nil {
		results = map[string]interface{}{}
	}
	log.Debug("stage work complete", "duration", m.Now().Sub(start), "keys", len(results))
	return m.Reply(ctx, msg, family.Kinds.Complete, domain.CompletePayload{
		PipelineID: p.PipelineID,
		Stage:      stage,
		Results:    results,
		Metrics:    result.Metrics,
	})
}

// analyze bounds the analyzer by the message timeout, falling back to the
// configured analysis timeout, and runs it behind the manager's breaker.
func (m *StageManager) analyze(ctx context.Context, msg domain.ProcessingMessage, req ports.AnalysisRequest) (ports.AnalysisResult, error) {
	timeout := msg.Metadata.Timeout
	if timeout <= 0 {
		timeout = m.cfg().AnalysisTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result ports.AnalysisResult
	call := func(ctx context.Context) error {
		var err error
		result, err = m.analyzer.Analyze(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.NewTimeoutError(fmt.Sprintf("%s exceeded %s", req.Stage, timeout), err,
				domain.WithComponent(m.Name()), domain.WithPipelineID(req.PipelineID))
		}
		return err
	}
	if m.breaker == nil {
		return result, call(ctx)
	}
	return result, m.breaker.Call(ctx, call)
}

func (m *StageManager) progress(ctx context.Context, parent domain.ProcessingMessage, family Family, pipelineID string, stage domain.ProcessingStage, progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	err := m.Reply(context.WithoutCancel(ctx), parent, family.Kinds.Progress, domain.ProgressPayload{
		PipelineID: pipelineID,
		Stage:      stage,
		Progress:   progress,
		Scale:      1,
	})
	if err != nil {
		m.Logger().Debug("failed to publish progress", "pipeline_id", pipelineID, "error", err)
	}
}

func (m *StageManager) replyFailed(ctx context.Context, parent domain.ProcessingMessage, family Family, pipelineID string, stage domain.ProcessingStage, err error) error {
	return m.Reply(context.WithoutCancel(ctx), parent, family.Kinds.Failed, domain.FailedPayload{
		PipelineID: pipelineID,
		Stage:      stage,
		Error:      err.Error(),
		Permanent:  permanent(err),
		Category:   domain.GetErrorCategory(err).String(),
	})
}

// permanent marks failures a retry cannot fix.
func permanent(err error) bool {
	switch domain.GetErrorCategory(err) {
	case domain.CategoryValidation, domain.CategoryFatal, domain.CategoryPolicy:
		return true
	}
	return false
}

func (m *StageManager) handleConfig(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.ConfigUpdatePayload)
	if !ok {
		return domain.NewValidationError("config update requires a ConfigUpdatePayload", domain.ErrInvalidInput,
			domain.WithComponent(m.Name()))
	}
	return m.UpdateConfig(p.Settings)
}

// UpdateConfig changes the timeouts and merges the remaining keys into the
// settings handed to the analyzer. Requests already running are unaffected.
func (m *StageManager) UpdateConfig(settings map[string]interface{}) error {
	timeouts := make(map[string]interface{})
	rest := make(map[string]interface{})
	for k, v := range settings {
		switch k {
		case "analysis_timeout", "decision_timeout":
			timeouts[k] = v
		default:
			rest[k] = v
		}
	}

	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()

	next := domain.ManagersConfig{AnalysisTimeout: m.config.AnalysisTimeout, DecisionTimeout: m.config.DecisionTimeout}
	if err := domain.ApplySettings(&next, timeouts); err != nil {
		return domain.NewConfigurationError(fmt.Sprintf("rejected %s settings", m.Name()), err,
			domain.WithComponent(m.Name()), domain.WithOperation("update_config"))
	}
	if next.AnalysisTimeout < 0 || next.DecisionTimeout < 0 {
		return domain.NewConfigurationError("timeouts must not be negative", domain.ErrInvalidConfig,
			domain.WithComponent(m.Name()), domain.WithOperation("update_config"))
	}
	merged, err := domain.MergeResults(m.settings, rest)
	if err != nil {
		return err
	}

	m.config.AnalysisTimeout = next.AnalysisTimeout
	m.config.DecisionTimeout = next.DecisionTimeout
	m.settings = merged
	m.Logger().Info("config updated", "keys", len(settings))
	return nil
}

func (m *StageManager) cfg() domain.ManagersConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.config
}

// Settings returns a copy of the settings the analyzer sees.
func (m *StageManager) Settings() map[string]interface{} {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return copySettings(m.settings)
}

// requestConfig layers the request's config over the manager settings.
func (m *StageManager) requestConfig(config map[string]interface{}) map[string]interface{} {
	base := m.Settings()
	if len(base) == 0 {
		return copySettings(config)
	}
	merged, err := domain.MergeResults(base, config)
	if err != nil {
		return copySettings(config)
	}
	return merged
}

func copySettings(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func deadline(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}
