package managers

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/runtime"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

const sampleTask = "sample"

// MemorySampler reports process memory use as a fraction between 0 and 1.
type MemorySampler func() float64

// HeapUsage is the default sampler: heap in use over memory obtained from
// the OS.
func HeapUsage() float64 {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0
	}
	return float64(ms.HeapInuse) / float64(ms.Sys)
}

// MonitoringManager samples the load of every watched manager on a schedule
// and feeds it to the governor. It also owns monitoring.config_update, which
// carries both its own sample interval and the governor thresholds.
type MonitoringManager struct {
	*runtime.Runtime

	broker   ports.Broker
	governor ports.Governor
	memory   MemorySampler

	mu      sync.RWMutex
	config  domain.MonitoringConfig
	watched []ports.Manager
	latest  map[string]domain.PressureSample
}

func NewMonitoringManager(config domain.MonitoringConfig, runtimeConfig domain.RuntimeConfig, memory MemorySampler, deps Deps) *MonitoringManager {
	if config.SampleInterval <= 0 {
		config.SampleInterval = domain.DefaultMonitoringConfig().SampleInterval
	}
	if memory == nil {
		memory = HeapUsage
	}
	identity := domain.NewRoutingIdentity(domain.MonitoringManager, domain.ComponentManager, domain.DomainMonitoring)
	return &MonitoringManager{
		Runtime:  deps.runtime(identity, runtimeConfig),
		broker:   deps.Broker,
		governor: deps.Governor,
		memory:   memory,
		config:   config,
		latest:   make(map[string]domain.PressureSample),
	}
}

// Watch adds managers to sample. Each is also registered with the governor
// as a backpressure target.
func (m *MonitoringManager) Watch(managers ...ports.Manager) {
	m.mu.Lock()
	m.watched = append(m.watched, managers...)
	m.mu.Unlock()
	if m.governor == nil {
		return
	}
	for _, mgr := range managers {
		m.governor.RegisterTarget(mgr)
	}
}

func (m *MonitoringManager) Start(ctx context.Context) error {
	if m.governor == nil {
		return domain.NewConfigurationError("monitoring manager requires a governor", domain.ErrInvalidConfig,
			domain.WithComponent(m.Name()))
	}
	handlers := map[domain.MessageKind]ports.MessageHandler{
		domain.KindMonitoringConfig:   m.handleConfig,
		domain.KindMetricsRequest:     m.handleMetricsRequest,
		domain.KindHealthCheckRequest: m.handleHealthRequest,
	}
	for kind, h := range handlers {
		if err := m.RegisterHandler(kind, h); err != nil {
			return err
		}
	}
	if err := m.Runtime.Start(ctx); err != nil {
		return err
	}
	return m.Every(sampleTask, m.interval(), m.sample)
}

func (m *MonitoringManager) interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.SampleInterval
}

// Sample takes one reading per watched manager and returns the mitigations
// the governor derived from them.
func (m *MonitoringManager) Sample(ctx context.Context) []domain.Mitigation {
	m.mu.RLock()
	watched := append([]ports.Manager(nil), m.watched...)
	m.mu.RUnlock()

	depth := m.queueDepths()
	memory := m.memory()
	now := m.Now()

	var mitigations []domain.Mitigation
	for _, mgr := range watched {
		status := mgr.Status()
		sample := domain.PressureSample{
			Component:      status.Identity.ComponentName,
			QueueLength:    int(depth[status.Identity.RoutingKey()] + status.Metrics.InFlight),
			ProcessingTime: status.Metrics.AverageProcessingTime,
			MemoryUsage:    memory,
			ObservedAt:     now,
		}
		m.mu.Lock()
		m.latest[sample.Component] = sample
		m.mu.Unlock()

		mitigations = append(mitigations, m.governor.ObservePressure(ctx, sample)...)
	}
	if len(mitigations) > 0 {
		m.Logger().Info("pressure mitigations applied", "count", len(mitigations))
	}
	return mitigations
}

func (m *MonitoringManager) sample(ctx context.Context) error {
	m.Sample(ctx)
	return nil
}

// queueDepths sums the broker mailbox depth per subscriber routing key.
func (m *MonitoringManager) queueDepths() map[string]int64 {
	out := make(map[string]int64)
	if m.broker == nil {
		return out
	}
	for key, depth := range m.broker.Stats().QueueDepth {
		if i := strings.IndexByte(key, '|'); i >= 0 {
			key = key[:i]
		}
		out[key] += depth
	}
	return out
}

// Samples returns the latest reading per component.
func (m *MonitoringManager) Samples() map[string]domain.PressureSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.PressureSample, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}

// UpdateConfig applies sample_interval here and hands every other key to the
// governor's thresholds. Nothing changes unless both parts are accepted.
func (m *MonitoringManager) UpdateConfig(settings map[string]interface{}) error {
	own := make(map[string]interface{})
	rest := make(map[string]interface{})
	for k, v := range settings {
		if k == "sample_interval" {
			own[k] = v
			continue
		}
		rest[k] = v
	}

	m.mu.RLock()
	next := m.config
	m.mu.RUnlock()
	if err := domain.ApplySettings(&next, own); err != nil {
		return domain.NewConfigurationError("rejected monitoring settings", err,
			domain.WithComponent(m.Name()), domain.WithOperation("update_config"))
	}
	if next.SampleInterval <= 0 {
		return domain.NewConfigurationError("sample_interval must be positive", domain.ErrInvalidConfig,
			domain.WithComponent(m.Name()), domain.WithOperation("update_config"))
	}
	if len(rest) > 0 {
		if err := m.governor.UpdateThresholds(rest); err != nil {
			return err
		}
	}

	m.mu.Lock()
	changed := next.SampleInterval != m.config.SampleInterval
	m.config = next
	m.mu.Unlock()

	if changed && m.State().Accepting() {
		if err := m.Every(sampleTask, next.SampleInterval, m.sample); err != nil {
			return err
		}
	}
	m.Logger().Info("monitoring config updated", "sample_interval", next.SampleInterval, "governor_keys", len(rest))
	return nil
}

func (m *MonitoringManager) handleConfig(_ context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.ConfigUpdatePayload)
	if !ok {
		return domain.NewValidationError("config update requires a ConfigUpdatePayload", domain.ErrInvalidInput,
			domain.WithComponent(m.Name()))
	}
	return m.UpdateConfig(p.Settings)
}

func (m *MonitoringManager) handleMetricsRequest(ctx context.Context, msg domain.ProcessingMessage) error {
	values := make(map[string]interface{})
	for name, s := range m.Samples() {
		values[name] = map[string]interface{}{
			"queue_length":       s.QueueLength,
			"processing_time_ms": s.ProcessingTime.Milliseconds(),
			"memory_usage":       s.MemoryUsage,
			"observed_at":        s.ObservedAt,
		}
	}
	usage := m.governor.Usage()
	return m.Reply(ctx, msg, domain.KindMetricsResponse, domain.ResponsePayload{
		Status: "ok",
		Values: values,
		Metadata: map[string]interface{}{
			"allocated":    usage.Allocated.ToMap(),
			"available":    usage.Available.ToMap(),
			"active_runs":  usage.ActiveRuns,
			"backpressure": m.governor.InBackpressure(),
		},
	})
}

func (m *MonitoringManager) handleHealthRequest(ctx context.Context, msg domain.ProcessingMessage) error {
	m.mu.RLock()
	watched := append([]ports.Manager(nil), m.watched...)
	m.mu.RUnlock()

	values := make(map[string]interface{}, len(watched))
	var unhealthy []string
	for _, mgr := range watched {
		st := mgr.State()
		values[mgr.Identity().ComponentName] = string(st)
		if !st.Accepting() {
			unhealthy = append(unhealthy, mgr.Identity().ComponentName)
		}
	}
	sort.Strings(unhealthy)

	status := "healthy"
	resp := domain.ResponsePayload{Values: values}
	if len(unhealthy) > 0 {
		status = "degraded"
		resp.Error = fmt.Sprintf("not accepting work: %s", strings.Join(unhealthy, ", "))
	}
	resp.Status = status
	return m.Reply(ctx, msg, domain.KindHealthCheckResponse, resp)
}
