package circuit_breaker

import (
	"log/slog"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Provider hands out one named breaker per guarded collaborator, built from
// the configured defaults or a per-name override.
type Provider struct {
	mu        sync.RWMutex
	breakers  map[string]ports.CircuitBreaker
	defaults  ports.BreakerSettings
	overrides map[string]ports.BreakerSettings
	logger    *slog.Logger
}

type ProviderOption func(*ports.BreakerSettings)

// WithClock drives every breaker the provider builds from now.
func WithClock(now ports.Clock) ProviderOption {
	return func(s *ports.BreakerSettings) { s.Now = now }
}

// WithStateChange observes every transition of every breaker.
func WithStateChange(fn func(name string, from, to ports.BreakerState)) ProviderOption {
	return func(s *ports.BreakerSettings) { s.OnStateChange = fn }
}

func NewProvider(logger *slog.Logger, opts ...ProviderOption) *Provider {
	return NewProviderFromConfig(domain.CircuitBreakerConfig{}, logger, opts...)
}

func NewProviderFromConfig(cfg domain.CircuitBreakerConfig, logger *slog.Logger, opts ...ProviderOption) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	settings := func(c domain.DefaultCircuitBreakerConfig) ports.BreakerSettings {
		s := ports.BreakerSettings{
			FailureThreshold: c.FailureThreshold,
			SuccessThreshold: c.SuccessThreshold,
			MaxProbes:        c.MaxRequests,
			CallTimeout:      c.Timeout,
			OpenFor:          c.OpenFor,
			Window:           c.Window,
		}
		for _, opt := range opts {
			opt(&s)
		}
		return s
	}

	p := &Provider{
		breakers:  make(map[string]ports.CircuitBreaker),
		defaults:  settings(cfg.DefaultConfig),
		overrides: make(map[string]ports.BreakerSettings, len(cfg.ServiceOverrides)),
		logger:    logger,
	}
	for name, override := range cfg.ServiceOverrides {
		p.overrides[name] = settings(override)
	}
	return p
}

func (p *Provider) GetCircuitBreaker(name string) ports.CircuitBreaker {
	p.mu.RLock()
	breaker, exists := p.breakers[name]
	settings, overridden := p.overrides[name]
	p.mu.RUnlock()

	if exists {
		return breaker
	}
	if !overridden {
		settings = p.defaults
	}
	return p.CreateCircuitBreaker(name, settings)
}

// CreateCircuitBreaker registers a breaker under name. An existing breaker
// with that name wins and settings are ignored.
func (p *Provider) CreateCircuitBreaker(name string, settings ports.BreakerSettings) ports.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, exists := p.breakers[name]; exists {
		return existing
	}

	if settings.Now == nil {
		settings.Now = p.defaults.Now
	}
	if settings.OnStateChange == nil {
		settings.OnStateChange = p.defaults.OnStateChange
	}
	breaker := NewCircuitBreaker(name, settings, p.logger)
	p.breakers[name] = breaker

	p.logger.Debug("created circuit breaker",
		"breaker", name,
		"failure_threshold", settings.FailureThreshold,
		"call_timeout", settings.CallTimeout,
		"open_for", settings.OpenFor)

	return breaker
}

func (p *Provider) Snapshots() map[string]ports.BreakerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]ports.BreakerSnapshot, len(p.breakers))
	for name, breaker := range p.breakers {
		out[name] = breaker.Snapshot()
	}
	return out
}

var _ ports.CircuitBreakerProvider = (*Provider)(nil)
