package orchestrator

import (
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

func withDefaults(c domain.OrchestratorConfig) domain.OrchestratorConfig {
	d := domain.DefaultOrchestratorConfig()
	if c.StageTimeout <= 0 {
		c.StageTimeout = d.StageTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.StageTimeouts == nil {
		c.StageTimeouts = make(map[domain.ProcessingStage]time.Duration)
	}
	if c.RequiredResultKeys == nil {
		c.RequiredResultKeys = make(map[domain.ProcessingStage][]string)
	}
	return c
}

// UpdateConfig applies a pipeline.config_update. Keys follow the json names
// of the orchestrator config, e.g. {"max_retries": 5, "stage_timeout": "30m"}.
// Runs already in flight keep the retry budget and timeouts they started with.
func (o *Orchestrator) UpdateConfig(settings map[string]interface{}) error {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	next := o.config
	if err := domain.ApplySettings(&next, settings); err != nil {
		return domain.NewConfigurationError("rejected orchestrator settings", err,
			domain.WithComponent("orchestrator"), domain.WithOperation("update_config"))
	}
	if err := validateConfig(next); err != nil {
		return err
	}

	o.config = withDefaults(next)
	o.log.Info("orchestrator settings updated",
		"max_retries", o.config.MaxRetries,
		"stage_timeout", o.config.StageTimeout,
		"max_concurrent_pipelines", o.config.MaxConcurrentPipelines)
	return nil
}

func (o *Orchestrator) Config() domain.OrchestratorConfig {
	return o.cfg()
}

func validateConfig(c domain.OrchestratorConfig) error {
	switch {
	case c.MaxRetries < 0:
		return domain.NewConfigurationError("max_retries must not be negative", nil, domain.WithComponent("orchestrator"))
	case c.StageTimeout < 0, c.SweepInterval < 0, c.RetryBackoff < 0, c.MaxRetryBackoff < 0, c.RetentionPeriod < 0:
		return domain.NewConfigurationError("durations must not be negative", nil, domain.WithComponent("orchestrator"))
	case c.MaxConcurrentPipelines < 0:
		return domain.NewConfigurationError("max_concurrent_pipelines must not be negative", nil, domain.WithComponent("orchestrator"))
	}
	for _, s := range c.StageOrder {
		if !s.IsValid() {
			return domain.NewConfigurationError("unknown stage in stage_order", domain.ErrUnknownStage,
				domain.WithComponent("orchestrator"), domain.WithStage(s))
		}
	}
	if len(c.StageDependencies) > 0 {
		if _, err := domain.ResolveStageOrder(c.StageDependencies); err != nil {
			return domain.NewConfigurationError("invalid stage_dependencies", err, domain.WithComponent("orchestrator"))
		}
	}
	return nil
}
