package rate_limiter

import (
	"log/slog"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Provider owns the named limiters of one process: the governor throttles
// through "pressure" and the runtimes admit through "admission".
type Provider struct {
	mu        sync.RWMutex
	limiters  map[string]ports.RateLimiter
	defaults  ports.RateLimiterConfig
	overrides map[string]ports.RateLimiterConfig
	opts      []Option
	logger    *slog.Logger
}

func NewProvider(logger *slog.Logger, opts ...Option) *Provider {
	return NewProviderFromConfig(domain.RateLimiterConfig{}, logger, opts...)
}

// NewProviderFromConfig seeds per-name limiter settings from the service
// configuration; unknown names get the default settings.
func NewProviderFromConfig(cfg domain.RateLimiterConfig, logger *slog.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		limiters:  make(map[string]ports.RateLimiter),
		defaults:  toPortConfig(cfg.DefaultConfig),
		overrides: make(map[string]ports.RateLimiterConfig),
		opts:      opts,
		logger:    logger,
	}
	for name, override := range cfg.ServiceOverrides {
		p.overrides[name] = toPortConfig(override)
	}
	return p
}

func toPortConfig(c domain.DefaultRateLimiterConfig) ports.RateLimiterConfig {
	return ports.RateLimiterConfig{
		RequestsPerSecond: c.RequestsPerSecond,
		BurstSize:         c.BurstSize,
		WaitTimeout:       c.WaitTimeout,
		KeyExpiry:         c.KeyExpiry,
	}
}

func (p *Provider) GetRateLimiter(name string) ports.RateLimiter {
	p.mu.RLock()
	limiter, exists := p.limiters[name]
	config, overridden := p.overrides[name]
	p.mu.RUnlock()

	if exists {
		return limiter
	}
	if !overridden {
		config = p.defaults
	}
	return p.CreateRateLimiter(name, config)
}

func (p *Provider) CreateRateLimiter(name string, config ports.RateLimiterConfig) ports.RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, exists := p.limiters[name]; exists {
		return existing
	}

	limiter := NewRateLimiter(name, config, p.logger, p.opts...)
	p.limiters[name] = limiter

	p.logger.Debug("created rate limiter",
		"limiter", name,
		"rps", config.RequestsPerSecond,
		"burst", config.BurstSize,
		"timeout", config.WaitTimeout)

	return limiter
}

func (p *Provider) Snapshots() map[string]map[string]ports.RateLimiterMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]map[string]ports.RateLimiterMetrics, len(p.limiters))
	for name, limiter := range p.limiters {
		out[name] = limiter.Keys()
	}
	return out
}

func (p *Provider) Stop() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, limiter := range p.limiters {
		limiter.Stop()
	}
}

var _ ports.RateLimiterProvider = (*Provider)(nil)
