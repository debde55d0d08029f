package ports

import (
	"context"
	"time"
)

type RateLimiterConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	KeyExpiry         time.Duration `json:"key_expiry" yaml:"key_expiry"`
}

type RateLimiterMetrics struct {
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	DeniedRequests  int64     `json:"denied_requests"`
	WaitingRequests int64     `json:"waiting_requests"`
	Limit           float64   `json:"limit"`
	Burst           int       `json:"burst"`
	TokensAvailable float64   `json:"tokens_available"`
	LastActivity    time.Time `json:"last_activity"`
}

// RateLimiter keeps one token bucket per key. Keys are component names for
// the governor's throttling and the runtime's admission path.
type RateLimiter interface {
	Allow(key string) bool
	Wait(ctx context.Context, key string) error
	Metrics(key string) RateLimiterMetrics
	Reset(key string)
	SetLimit(key string, requestsPerSecond float64, burstSize int)
	// Limited reports whether key has an explicit limit set through SetLimit.
	Limited(key string) bool
	// Keys reports every bucket the limiter currently tracks.
	Keys() map[string]RateLimiterMetrics
	Stop()
}

// RateLimiterProvider owns the named limiters of a process.
type RateLimiterProvider interface {
	GetRateLimiter(name string) RateLimiter
	CreateRateLimiter(name string, config RateLimiterConfig) RateLimiter
	Snapshots() map[string]map[string]RateLimiterMetrics
	Stop()
}
