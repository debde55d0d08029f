package rate_limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"golang.org/x/time/rate"
)

var ErrWaitTimeout = errors.New("token not available within wait timeout")

// throttle is the token bucket and counters for one key.
type throttle struct {
	limiter  *rate.Limiter
	explicit bool
	lastSeen time.Time

	total   int64
	allowed int64
	denied  int64
	waiting int64
}

// Limiter keeps one token bucket per key. Buckets created implicitly use the
// configured default rate and are forgotten once idle for KeyExpiry; buckets
// given an explicit limit stay until Reset.
type Limiter struct {
	name   string
	config ports.RateLimiterConfig
	now    ports.Clock
	logger *slog.Logger

	mu        sync.Mutex
	throttles map[string]*throttle

	done chan struct{}
	once sync.Once
}

type Option func(*Limiter)

func WithClock(now ports.Clock) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func NewRateLimiter(name string, config ports.RateLimiterConfig, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 100
	}
	if config.BurstSize <= 0 {
		config.BurstSize = max(1, int(config.RequestsPerSecond))
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 5 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.KeyExpiry <= 0 {
		config.KeyExpiry = 10 * time.Minute
	}

	l := &Limiter{
		name:      name,
		config:    config,
		now:       time.Now,
		logger:    logger.With("component", "rate-limiter", "limiter", name),
		throttles: make(map[string]*throttle),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.sweepLoop()
	return l
}

// lookup returns the throttle for key, creating a default one. Callers hold
// l.mu.
func (l *Limiter) lookup(key string, now time.Time) *throttle {
	t, ok := l.throttles[key]
	if !ok {
		t = &throttle{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize)}
		l.throttles[key] = t
	}
	t.lastSeen = now
	return t
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	t := l.lookup(key, now)
	t.total++
	if t.limiter.AllowN(now, 1) {
		t.allowed++
		return true
	}
	t.denied++
	return false
}

// Wait reserves a token and sleeps until it is due. A reservation further
// out than WaitTimeout is cancelled up front and reported as a rate-limit
// denial instead of blocking.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := l.now()
	t := l.lookup(key, now)
	t.total++
	res := t.limiter.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if !res.OK() || delay > l.config.WaitTimeout {
		res.CancelAt(now)
		t.denied++
		l.mu.Unlock()
		return domain.NewDomainErrorWithCategory(domain.CategoryPolicy,
			fmt.Sprintf("%s: %s would wait %s", l.name, key, delay.Round(time.Millisecond)), ErrWaitTimeout,
			domain.WithDenial(domain.DenialRateLimited), domain.WithComponent(key))
	}
	if delay == 0 {
		t.allowed++
		l.mu.Unlock()
		return nil
	}
	t.waiting++
	l.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		l.settle(key, true)
		return nil
	case <-ctx.Done():
		res.Cancel()
		l.settle(key, false)
		return ctx.Err()
	}
}

func (l *Limiter) settle(key string, allowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.throttles[key]
	if !ok {
		return
	}
	t.waiting--
	if allowed {
		t.allowed++
	} else {
		t.denied++
	}
}

func (l *Limiter) Metrics(key string) ports.RateLimiterMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.throttles[key]
	if !ok {
		return ports.RateLimiterMetrics{
			Limit:           l.config.RequestsPerSecond,
			Burst:           l.config.BurstSize,
			TokensAvailable: float64(l.config.BurstSize),
		}
	}
	return l.metricsOf(t)
}

func (l *Limiter) metricsOf(t *throttle) ports.RateLimiterMetrics {
	return ports.RateLimiterMetrics{
		TotalRequests:   t.total,
		AllowedRequests: t.allowed,
		DeniedRequests:  t.denied,
		WaitingRequests: t.waiting,
		Limit:           float64(t.limiter.Limit()),
		Burst:           t.limiter.Burst(),
		TokensAvailable: t.limiter.TokensAt(l.now()),
		LastActivity:    t.lastSeen,
	}
}

// Reset drops key's bucket, lifting any explicit limit.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.throttles[key]; ok {
		delete(l.throttles, key)
		l.logger.Debug("rate limit lifted", "key", key, "explicit", t.explicit, "requests", t.total)
	}
}

func (l *Limiter) SetLimit(key string, requestsPerSecond float64, burstSize int) {
	if burstSize <= 0 {
		burstSize = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	t := l.lookup(key, now)
	t.limiter.SetLimitAt(now, rate.Limit(requestsPerSecond))
	t.limiter.SetBurstAt(now, burstSize)
	t.explicit = true

	l.logger.Debug("rate limit set", "key", key, "rps", requestsPerSecond, "burst", burstSize)
}

func (l *Limiter) Limited(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.throttles[key]
	return ok && t.explicit
}

func (l *Limiter) Keys() map[string]ports.RateLimiterMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ports.RateLimiterMetrics, len(l.throttles))
	for key, t := range l.throttles {
		out[key] = l.metricsOf(t)
	}
	return out
}

func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep forgets idle implicit buckets. Keys with waiters are kept.
func (l *Limiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.config.KeyExpiry)
	removed := 0
	for key, t := range l.throttles {
		if t.explicit || t.waiting > 0 || t.lastSeen.After(cutoff) {
			continue
		}
		delete(l.throttles, key)
		removed++
	}
	if removed > 0 {
		l.logger.Debug("forgot idle keys", "removed", removed)
	}
	return removed
}

var _ ports.RateLimiter = (*Limiter)(nil)
