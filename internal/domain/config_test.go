package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := NewConfigFromSimple("test", nil)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.75, cfg.Governor.MaxCPUFraction)
	assert.Equal(t, 1.0, cfg.Governor.MinFreeCores)
	assert.Equal(t, 1000, cfg.Governor.Thresholds.QueueLength)
	assert.Equal(t, 60*time.Second, cfg.Governor.Thresholds.ProcessingTime)
	assert.Equal(t, 0.90, cfg.Governor.Thresholds.MemoryUsage)
	assert.Equal(t, 5*time.Minute, cfg.Governor.AlertCooldown)
	assert.Equal(t, time.Hour, cfg.Orchestrator.StageTimeout)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.SweepInterval)
	assert.False(t, cfg.Governor.FailOpen)
	assert.NotNil(t, cfg.Logger)
}

func TestConfig_ValidationFailures(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(c *Config)
		expectedField string
	}{
		{"empty_service_name", func(c *Config) { c.ServiceName = "" }, "service_name"},
		{"negative_retries", func(c *Config) { c.Orchestrator.MaxRetries = -1 }, "orchestrator.max_retries"},
		{"zero_stage_timeout", func(c *Config) { c.Orchestrator.StageTimeout = 0 }, "orchestrator.stage_timeout"},
		{"unknown_stage", func(c *Config) { c.Orchestrator.StageOrder = []ProcessingStage{"bogus"} }, "orchestrator.stage_order"},
		{"dependency_cycle", func(c *Config) {
			c.Orchestrator.StageDependencies = map[ProcessingStage][]ProcessingStage{
				StageValidation:   {StageQualityCheck},
				StageQualityCheck: {StageValidation},
			}
		}, "orchestrator.stage_dependencies"},
		{"cpu_fraction_above_one", func(c *Config) { c.Governor.MaxCPUFraction = 1.5 }, "governor.max_cpu_fraction"},
		{"no_cpu_capacity", func(c *Config) { c.Governor.Capacity.CPU = 0 }, "governor.capacity.cpu"},
		{"critical_below_warning", func(c *Config) { c.Governor.Critical.QueueLength = 10 }, "governor.critical"},
		{"bad_peak_hours", func(c *Config) { c.Governor.PeakHours = &PeakHours{StartHour: 30, EndHour: 2} }, "governor.peak_hours"},
		{"inverted_window", func(c *Config) {
			now := time.Now()
			c.Governor.MaintenanceWindows = []TimeWindow{{Start: now, End: now.Add(-time.Hour)}}
		}, "governor.maintenance_windows"},
		{"zero_quota", func(c *Config) { c.Staging.QuotaBytes = 0 }, "staging.quota_bytes"},
		{"bad_log_format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, CategoryConfiguration, GetErrorCategory(err))

			de, ok := AsDomainError(err)
			require.True(t, ok)
			assert.Equal(t, tt.expectedField, de.Context.Details["field"])
		})
	}
}

func TestConfig_StageOrder(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		order, err := DefaultConfig().StageOrder()
		require.NoError(t, err)
		assert.Equal(t, DefaultStageOrder, order)
	})

	t.Run("explicit", func(t *testing.T) {
		cfg := DefaultConfig().WithStageOrder(StageReception, StageValidation, StageCompletion)
		order, err := cfg.StageOrder()
		require.NoError(t, err)
		assert.Equal(t, []ProcessingStage{StageReception, StageValidation, StageCompletion}, order)
	})

	t.Run("dependencies_win", func(t *testing.T) {
		cfg := DefaultConfig().
			WithStageOrder(StageReception).
			WithStageDependencies(map[ProcessingStage][]ProcessingStage{
				StageReportGeneration:  {StageInsightGeneration},
				StageInsightGeneration: {StageReception},
			})
		order, err := cfg.StageOrder()
		require.NoError(t, err)
		assert.Equal(t, []ProcessingStage{StageReception, StageInsightGeneration, StageReportGeneration}, order)
	})
}

func TestConfig_Builders(t *testing.T) {
	cfg := DefaultConfig().
		WithRetryPolicy(2, time.Minute, time.Second).
		WithCapacity(ResourceRequest{CPU: 4, MemoryGB: 8}, 5).
		WithStagingDir("/tmp/staging", 1024).
		WithObservability(":8080").
		WithFailOpen(true)

	assert.Equal(t, 2, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Orchestrator.StageTimeout)
	assert.Equal(t, time.Second, cfg.Orchestrator.RetryBackoff)
	assert.Equal(t, 4.0, cfg.Governor.Capacity.CPU)
	assert.Equal(t, 5, cfg.Governor.MaxConcurrentRuns)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrentPipelines)
	assert.Equal(t, "/tmp/staging", cfg.Staging.Dir)
	assert.Equal(t, int64(1024), cfg.Staging.QuotaBytes)
	assert.True(t, cfg.Observability.Enabled)
	assert.Equal(t, ":8080", cfg.Observability.Addr)
	assert.True(t, cfg.Governor.FailOpen)
	require.NoError(t, cfg.Validate())
}
