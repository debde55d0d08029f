package domain

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "conduit",
		Logging:        DefaultLoggingConfig(),
		Broker:         DefaultBrokerConfig(),
		Runtime:        DefaultRuntimeConfig(),
		Orchestrator:   DefaultOrchestratorConfig(),
		Governor:       DefaultGovernorConfig(),
		Monitoring:     DefaultMonitoringConfig(),
		Managers:       DefaultManagersConfig(),
		Staging:        DefaultStagingConfig(),
		RateLimiter:    DefaultRateLimiterSettings(),
		CircuitBreaker: DefaultCircuitBreakerSettings(),
		Observability:  DefaultObservabilityConfig(),
		Tracing:        DefaultTracingConfig(),
	}
}

func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "text"}
}

func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		MailboxHighWater:      1000,
		DefaultRequestTimeout: 30 * time.Second,
		DrainTimeout:          5 * time.Second,
	}
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		HealthInterval:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxRetries:             3,
		StageTimeout:           time.Hour,
		SweepInterval:          30 * time.Second,
		MaxConcurrentPipelines: 100,
		RetryBackoff:           0,
		MaxRetryBackoff:        time.Minute,
		RetentionPeriod:        24 * time.Hour,
		StageTimeouts:          make(map[ProcessingStage]time.Duration),
		RequiredResultKeys:     make(map[ProcessingStage][]string),
	}
}

func DefaultPressureThresholds() PressureThresholds {
	return PressureThresholds{
		QueueLength:    1000,
		ProcessingTime: 60 * time.Second,
		MemoryUsage:    0.90,
	}
}

func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		Capacity:           ResourceRequest{CPU: 8, MemoryGB: 32, GPU: 0, StorageGB: 500},
		MaxCPUFraction:     0.75,
		MinFreeCores:       1,
		MaxMemoryFraction:  0.90,
		MaxGPUFraction:     1.0,
		MaxConcurrentRuns:  50,
		PeakConcurrency:    10,
		Thresholds:         DefaultPressureThresholds(),
		Critical:           DefaultPressureThresholds(),
		AlertCooldown:      5 * time.Minute,
		ResolutionInterval: 30 * time.Second,
		ThrottleRate:       10,
		ThrottleBurst:      20,
		DefaultBatchSize:   100,
		MinBatchSize:       1,
		ScaleUpStep:        ResourceRequest{CPU: 2, MemoryGB: 4},
	}
}

func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{SampleInterval: 15 * time.Second}
}

func DefaultManagersConfig() ManagersConfig {
	return ManagersConfig{
		AnalysisTimeout: 10 * time.Minute,
		DecisionTimeout: 30 * time.Minute,
	}
}

func DefaultStagingConfig() StagingConfig {
	return StagingConfig{
		QuotaBytes:     1 << 30,
		MaxObjectBytes: 64 << 20,
	}
}

func DefaultRateLimiterSettings() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled: true,
		DefaultConfig: DefaultRateLimiterConfig{
			RequestsPerSecond: 100,
			BurstSize:         200,
			WaitTimeout:       5 * time.Second,
			KeyExpiry:         10 * time.Minute,
		},
		ServiceOverrides: make(map[string]DefaultRateLimiterConfig),
	}
}

func DefaultCircuitBreakerSettings() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled: true,
		DefaultConfig: DefaultCircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			MaxRequests:      1,
			OpenFor:          15 * time.Second,
			Window:           time.Minute,
		},
		ServiceOverrides: make(map[string]DefaultCircuitBreakerConfig),
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:       false,
		Addr:          ":9090",
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableMetrics: true,
	}
}

func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:      false,
		ServiceName:  "conduit",
		SamplingRate: 1.0,
	}
}

func NewConfigFromSimple(serviceName string, logger *slog.Logger) *Config {
	config := DefaultConfig()
	if serviceName != "" {
		config.ServiceName = serviceName
		config.Tracing.ServiceName = serviceName
	}
	config.Logger = logger
	if logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return config
}

func (c *Config) WithStageOrder(stages ...ProcessingStage) *Config {
	c.Orchestrator.StageOrder = stages
	return c
}

func (c *Config) WithStageDependencies(deps map[ProcessingStage][]ProcessingStage) *Config {
	c.Orchestrator.StageDependencies = deps
	return c
}

func (c *Config) WithRetryPolicy(maxRetries int, stageTimeout, backoff time.Duration) *Config {
	c.Orchestrator.MaxRetries = maxRetries
	c.Orchestrator.StageTimeout = stageTimeout
	c.Orchestrator.RetryBackoff = backoff
	return c
}

func (c *Config) WithCapacity(capacity ResourceRequest, maxConcurrent int) *Config {
	c.Governor.Capacity = capacity
	if maxConcurrent > 0 {
		c.Governor.MaxConcurrentRuns = maxConcurrent
		c.Orchestrator.MaxConcurrentPipelines = maxConcurrent
	}
	return c
}

func (c *Config) WithStagingDir(dir string, quotaBytes int64) *Config {
	c.Staging.Dir = dir
	if quotaBytes > 0 {
		c.Staging.QuotaBytes = quotaBytes
	}
	return c
}

func (c *Config) WithObservability(addr string) *Config {
	c.Observability.Enabled = true
	if addr != "" {
		c.Observability.Addr = addr
	}
	return c
}

func (c *Config) WithFailOpen(enabled bool) *Config {
	c.Governor.FailOpen = enabled
	return c
}

// StageOrder resolves the effective stage order: explicit dependencies win,
// then an explicit order, then the default order.
func (c *Config) StageOrder() ([]ProcessingStage, error) {
	if len(c.Orchestrator.StageDependencies) > 0 {
		return ResolveStageOrder(c.Orchestrator.StageDependencies)
	}
	if len(c.Orchestrator.StageOrder) > 0 {
		return c.Orchestrator.StageOrder, nil
	}
	return DefaultStageOrder, nil
}

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return NewConfigError("service_name", ErrInvalidInput)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return NewConfigError("orchestrator.max_retries", ErrInvalidInput)
	}
	if c.Orchestrator.StageTimeout <= 0 {
		return NewConfigError("orchestrator.stage_timeout", ErrInvalidInput)
	}
	if c.Orchestrator.SweepInterval <= 0 {
		return NewConfigError("orchestrator.sweep_interval", ErrInvalidInput)
	}
	if c.Orchestrator.MaxConcurrentPipelines <= 0 {
		return NewConfigError("orchestrator.max_concurrent_pipelines", ErrInvalidInput)
	}
	for _, s := range c.Orchestrator.StageOrder {
		if !s.IsValid() {
			return NewConfigError("orchestrator.stage_order", fmt.Errorf("unknown stage %q", s))
		}
	}
	if _, err := c.StageOrder(); err != nil {
		return NewConfigError("orchestrator.stage_dependencies", err)
	}

	g := c.Governor
	if err := g.Capacity.Validate(); err != nil {
		return NewConfigError("governor.capacity", err)
	}
	if g.Capacity.CPU <= 0 {
		return NewConfigError("governor.capacity.cpu", ErrInvalidInput)
	}
	if g.MaxCPUFraction <= 0 || g.MaxCPUFraction > 1 {
		return NewConfigError("governor.max_cpu_fraction", ErrInvalidInput)
	}
	if g.MaxMemoryFraction <= 0 || g.MaxMemoryFraction > 1 {
		return NewConfigError("governor.max_memory_fraction", ErrInvalidInput)
	}
	if g.MinFreeCores < 0 {
		return NewConfigError("governor.min_free_cores", ErrInvalidInput)
	}
	if g.MaxConcurrentRuns <= 0 {
		return NewConfigError("governor.max_concurrent_runs", ErrInvalidInput)
	}
	if g.AlertCooldown < 0 {
		return NewConfigError("governor.alert_cooldown", ErrInvalidInput)
	}
	if g.Thresholds.MemoryUsage <= 0 || g.Thresholds.MemoryUsage > 1 || g.Critical.MemoryUsage <= 0 || g.Critical.MemoryUsage > 1 {
		return NewConfigError("governor.thresholds.memory_usage", ErrInvalidInput)
	}
	if g.Critical.QueueLength < g.Thresholds.QueueLength || g.Critical.ProcessingTime < g.Thresholds.ProcessingTime || g.Critical.MemoryUsage < g.Thresholds.MemoryUsage {
		return NewConfigError("governor.critical", fmt.Errorf("critical thresholds must not be below warning thresholds"))
	}
	if g.PeakHours != nil {
		if err := ValidateStruct(g.PeakHours); err != nil {
			return NewConfigError("governor.peak_hours", err)
		}
	}
	for _, w := range g.MaintenanceWindows {
		if !w.End.After(w.Start) {
			return NewConfigError("governor.maintenance_windows", ErrInvalidInput)
		}
	}

	if c.Staging.QuotaBytes <= 0 {
		return NewConfigError("staging.quota_bytes", ErrInvalidInput)
	}
	if c.Monitoring.SampleInterval <= 0 {
		return NewConfigError("monitoring.sample_interval", ErrInvalidInput)
	}
	if c.Managers.AnalysisTimeout < 0 || c.Managers.DecisionTimeout < 0 {
		return NewConfigError("managers", ErrInvalidInput)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return NewConfigError("tracing.sampling_rate", ErrInvalidInput)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return NewConfigError("logging.format", ErrInvalidInput)
	}
	return nil
}

// NewConfigError reports an invalid field as a configuration error.
func NewConfigError(field string, err error) *DomainError {
	return NewConfigurationError(fmt.Sprintf("config field %s", field), err,
		WithContextDetail("field", field))
}
