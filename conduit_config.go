package conduit

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config = domain.Config

type LoggingConfig = domain.LoggingConfig

type BrokerConfig = domain.BrokerConfig

type RuntimeConfig = domain.RuntimeConfig

type OrchestratorConfig = domain.OrchestratorConfig

type GovernorConfig = domain.GovernorConfig

type PressureThresholds = domain.PressureThresholds

type MonitoringConfig = domain.MonitoringConfig

type ManagersConfig = domain.ManagersConfig

type StagingConfig = domain.StagingConfig

type ObservabilityConfig = domain.ObservabilityConfig

type TracingConfig = domain.TracingConfig

type RateLimiterConfig = domain.RateLimiterConfig

type CircuitBreakerConfig = domain.CircuitBreakerConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return domain.DefaultOrchestratorConfig()
}

func DefaultGovernorConfig() GovernorConfig {
	return domain.DefaultGovernorConfig()
}

func DefaultStagingConfig() StagingConfig {
	return domain.DefaultStagingConfig()
}

// LoadConfig reads a YAML file and layers it over the defaults. Keys missing
// from the file keep their default; nested sections merge key by key.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewConfigurationError(fmt.Sprintf("failed to read %s", path), err,
			domain.WithContextDetail("path", path))
	}
	return ParseConfig(data)
}

// ParseConfig layers YAML data over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var settings map[string]interface{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, domain.NewConfigurationError("YAML parsing failed", err)
	}

	config := DefaultConfig()
	if err := domain.ApplySettings(config, settings); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SetOption overrides one dotted key, for example
// "orchestrator.max_retries=5" or "governor.thresholds.queue_length=500".
// The value is parsed as a YAML scalar, so durations may be written as
// "30s".
func SetOption(config *Config, assignment string) error {
	key, raw, ok := strings.Cut(assignment, "=")
	if !ok || key == "" {
		return domain.NewValidationError(fmt.Sprintf("option %q is not key=value", assignment), domain.ErrInvalidInput)
	}

	var value interface{}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return domain.NewValidationError(fmt.Sprintf("option %s has an unparseable value", key), err)
	}

	parts := strings.Split(key, ".")
	settings := map[string]interface{}{parts[len(parts)-1]: value}
	for i := len(parts) - 2; i >= 0; i-- {
		settings = map[string]interface{}{parts[i]: settings}
	}

	logger := config.Logger
	if err := domain.ApplySettings(config, settings); err != nil {
		return err
	}
	config.Logger = logger
	return nil
}

// NewLogger builds the slog handler named by the logging section.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder(serviceName string, logger *slog.Logger) *ConfigBuilder {
	return &ConfigBuilder{config: domain.NewConfigFromSimple(serviceName, logger)}
}

func (cb *ConfigBuilder) WithStageOrder(stages ...ProcessingStage) *ConfigBuilder {
	cb.config.WithStageOrder(stages...)
	return cb
}

func (cb *ConfigBuilder) WithStageDependencies(deps map[ProcessingStage][]ProcessingStage) *ConfigBuilder {
	cb.config.WithStageDependencies(deps)
	return cb
}

func (cb *ConfigBuilder) WithRetryPolicy(maxRetries int, stageTimeout, backoff time.Duration) *ConfigBuilder {
	cb.config.WithRetryPolicy(maxRetries, stageTimeout, backoff)
	return cb
}

func (cb *ConfigBuilder) WithCapacity(capacity ResourceRequest, maxConcurrent int) *ConfigBuilder {
	cb.config.WithCapacity(capacity, maxConcurrent)
	return cb
}

func (cb *ConfigBuilder) WithStagingDir(dir string, quotaBytes int64) *ConfigBuilder {
	cb.config.WithStagingDir(dir, quotaBytes)
	return cb
}

func (cb *ConfigBuilder) WithObservability(addr string) *ConfigBuilder {
	cb.config.WithObservability(addr)
	return cb
}

func (cb *ConfigBuilder) WithTracing(samplingRate float64) *ConfigBuilder {
	cb.config.Tracing.Enabled = true
	cb.config.Tracing.SamplingRate = samplingRate
	return cb
}

func (cb *ConfigBuilder) WithFailOpen(enabled bool) *ConfigBuilder {
	cb.config.WithFailOpen(enabled)
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
