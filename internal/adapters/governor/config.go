package governor

import (
	"github.com/eleven-am/conduit/internal/domain"
)

// UpdateThresholds applies a config_update to the live policy. Keys follow
// the governor config's json names, for example
//
//	{"thresholds": {"queue_length": 500}, "alert_cooldown": "1m", "fail_open": true}
//
// The update is all or nothing: a bad value leaves the running config as it was.
func (g *Governor) UpdateThresholds(settings map[string]interface{}) error {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()

	next := g.config
	if err := domain.ApplySettings(&next, settings); err != nil {
		return domain.NewConfigurationError("rejected governor settings", err,
			domain.WithComponent("governor"), domain.WithOperation("update_thresholds"))
	}
	if err := validateConfig(next); err != nil {
		return err
	}

	g.config = withDefaults(next)
	g.logger.Info("governor settings updated", "keys", len(settings))
	return nil
}

func validateConfig(c domain.GovernorConfig) error {
	if err := domain.ValidateStruct(c); err != nil {
		return domain.NewConfigurationError("invalid governor settings", err,
			domain.WithComponent("governor"), domain.WithOperation("validate"))
	}

	fractions := map[string]float64{
		"max_cpu_fraction":    c.MaxCPUFraction,
		"max_memory_fraction": c.MaxMemoryFraction,
		"max_gpu_fraction":    c.MaxGPUFraction,
	}
	for name, v := range fractions {
		if v < 0 || v > 1 {
			return domain.NewConfigurationError(name+" must be within [0, 1]", nil,
				domain.WithComponent("governor"), domain.WithContextDetail(name, v))
		}
	}

	switch {
	case c.MinFreeCores < 0,
		c.MaxConcurrentRuns < 0,
		c.PeakConcurrency < 0,
		c.Thresholds.QueueLength < 0,
		c.Critical.QueueLength < 0,
		c.AlertCooldown < 0,
		c.ThrottleRate < 0:
		return domain.NewConfigurationError("governor settings must not be negative", nil,
			domain.WithComponent("governor"))
	}
	return nil
}
