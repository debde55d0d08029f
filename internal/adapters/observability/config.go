package observability

import (
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

func withDefaults(c domain.ObservabilityConfig) domain.ObservabilityConfig {
	defaults := domain.DefaultObservabilityConfig()
	if c.Addr == "" {
		c.Addr = defaults.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}
