package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	ServiceName string       `json:"service_name" yaml:"service_name"`
	Logger      *slog.Logger `json:"-" yaml:"-"`

	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Broker         BrokerConfig         `json:"broker" yaml:"broker"`
	Runtime        RuntimeConfig        `json:"runtime" yaml:"runtime"`
	Orchestrator   OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Governor       GovernorConfig       `json:"governor" yaml:"governor"`
	Monitoring     MonitoringConfig     `json:"monitoring" yaml:"monitoring"`
	Managers       ManagersConfig       `json:"managers" yaml:"managers"`
	Staging        StagingConfig        `json:"staging" yaml:"staging"`
	RateLimiter    RateLimiterConfig    `json:"rate_limiter" yaml:"rate_limiter"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `json:"observability" yaml:"observability"`
	Tracing        TracingConfig        `json:"tracing" yaml:"tracing"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type BrokerConfig struct {
	// MailboxHighWater is the per-subscription queue depth above which a
	// warning is logged. Mailboxes are unbounded.
	MailboxHighWater      int           `json:"mailbox_high_water" yaml:"mailbox_high_water"`
	DefaultRequestTimeout time.Duration `json:"default_request_timeout" yaml:"default_request_timeout"`
	DrainTimeout          time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

type RuntimeConfig struct {
	HealthInterval  time.Duration `json:"health_interval" yaml:"health_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AdmissionRate bounds start-phase messages per second per manager; zero
	// disables the limiter.
	AdmissionRate  float64 `json:"admission_rate" yaml:"admission_rate"`
	AdmissionBurst int     `json:"admission_burst" yaml:"admission_burst"`
}

type OrchestratorConfig struct {
	StageOrder             []ProcessingStage                     `json:"stage_order,omitempty" yaml:"stage_order,omitempty"`
	StageDependencies      map[ProcessingStage][]ProcessingStage `json:"stage_dependencies,omitempty" yaml:"stage_dependencies,omitempty"`
	RequiredResultKeys     map[ProcessingStage][]string          `json:"required_result_keys,omitempty" yaml:"required_result_keys,omitempty"`
	StageTimeouts          map[ProcessingStage]time.Duration     `json:"stage_timeouts,omitempty" yaml:"stage_timeouts,omitempty"`
	MaxRetries             int                                   `json:"max_retries" yaml:"max_retries"`
	StageTimeout           time.Duration                         `json:"stage_timeout" yaml:"stage_timeout"`
	SweepInterval          time.Duration                         `json:"sweep_interval" yaml:"sweep_interval"`
	MaxConcurrentPipelines int                                   `json:"max_concurrent_pipelines" yaml:"max_concurrent_pipelines"`
	RetryBackoff           time.Duration                         `json:"retry_backoff" yaml:"retry_backoff"`
	MaxRetryBackoff        time.Duration                         `json:"max_retry_backoff" yaml:"max_retry_backoff"`
	RetentionPeriod        time.Duration                         `json:"retention_period" yaml:"retention_period"`
	DefaultResources       ResourceRequest                       `json:"default_resources" yaml:"default_resources"`
}

type PressureThresholds struct {
	QueueLength    int           `json:"queue_length" yaml:"queue_length"`
	ProcessingTime time.Duration `json:"processing_time" yaml:"processing_time"`
	MemoryUsage    float64       `json:"memory_usage" yaml:"memory_usage"`
}

type GovernorConfig struct {
	Capacity           ResourceRequest    `json:"capacity" yaml:"capacity"`
	MaxCPUFraction     float64            `json:"max_cpu_fraction" yaml:"max_cpu_fraction"`
	MinFreeCores       float64            `json:"min_free_cores" yaml:"min_free_cores"`
	MaxMemoryFraction  float64            `json:"max_memory_fraction" yaml:"max_memory_fraction"`
	MaxGPUFraction     float64            `json:"max_gpu_fraction" yaml:"max_gpu_fraction"`
	MaxConcurrentRuns  int                `json:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	PeakHours          *PeakHours         `json:"peak_hours,omitempty" yaml:"peak_hours,omitempty"`
	PeakConcurrency    int                `json:"peak_concurrency" yaml:"peak_concurrency"`
	MaintenanceWindows []TimeWindow       `json:"maintenance_windows,omitempty" yaml:"maintenance_windows,omitempty"`
	Thresholds         PressureThresholds `json:"thresholds" yaml:"thresholds"`
	Critical           PressureThresholds `json:"critical" yaml:"critical"`
	AlertCooldown      time.Duration      `json:"alert_cooldown" yaml:"alert_cooldown"`
	ResolutionInterval time.Duration      `json:"resolution_interval" yaml:"resolution_interval"`
	ThrottleRate       float64            `json:"throttle_rate" yaml:"throttle_rate"`
	ThrottleBurst      int                `json:"throttle_burst" yaml:"throttle_burst"`
	DefaultBatchSize   int                `json:"default_batch_size" yaml:"default_batch_size"`
	MinBatchSize       int                `json:"min_batch_size" yaml:"min_batch_size"`
	ScaleUpStep        ResourceRequest    `json:"scale_up_step" yaml:"scale_up_step"`
	// FailOpen admits work when a pressure sample cannot be evaluated.
	// The default treats such samples as critical.
	FailOpen bool `json:"fail_open" yaml:"fail_open"`
}

type MonitoringConfig struct {
	SampleInterval time.Duration `json:"sample_interval" yaml:"sample_interval"`
}

// ManagersConfig applies to every domain manager. Settings are handed to the
// analyzer underneath each request's own config and can be changed at runtime
// with the domain's config_update message.
type ManagersConfig struct {
	AnalysisTimeout time.Duration          `json:"analysis_timeout" yaml:"analysis_timeout"`
	DecisionTimeout time.Duration          `json:"decision_timeout" yaml:"decision_timeout"`
	Settings        map[string]interface{} `json:"settings,omitempty" yaml:"settings,omitempty"`
}

type StagingConfig struct {
	Dir            string `json:"dir" yaml:"dir"`
	QuotaBytes     int64  `json:"quota_bytes" yaml:"quota_bytes"`
	MaxObjectBytes int64  `json:"max_object_bytes" yaml:"max_object_bytes"`
	SyncWrites     bool   `json:"sync_writes" yaml:"sync_writes"`
}

type ObservabilityConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Addr          string        `json:"addr" yaml:"addr"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout   time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	EnableMetrics bool          `json:"enable_metrics" yaml:"enable_metrics"`
}

type CircuitBreakerConfig struct {
	Enabled          bool                                   `json:"enabled" yaml:"enabled"`
	DefaultConfig    DefaultCircuitBreakerConfig            `json:"default_config" yaml:"default_config"`
	ServiceOverrides map[string]DefaultCircuitBreakerConfig `json:"service_overrides,omitempty" yaml:"service_overrides,omitempty"`
}

type DefaultCircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	MaxRequests      int           `json:"max_requests" yaml:"max_requests"`
	OpenFor          time.Duration `json:"open_for" yaml:"open_for"`
	Window           time.Duration `json:"window" yaml:"window"`
}

type RateLimiterConfig struct {
	Enabled          bool                                `json:"enabled" yaml:"enabled"`
	DefaultConfig    DefaultRateLimiterConfig            `json:"default_config" yaml:"default_config"`
	ServiceOverrides map[string]DefaultRateLimiterConfig `json:"service_overrides,omitempty" yaml:"service_overrides,omitempty"`
}

type DefaultRateLimiterConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	KeyExpiry         time.Duration `json:"key_expiry" yaml:"key_expiry"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`
}
