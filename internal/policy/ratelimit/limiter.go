// Package ratelimit implements a token bucket rate limiter for per-host politeness.
package ratelimit

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	overrides    map[string]rate.Limit
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// HostRPS overrides DefaultRPS for specific hosts.
	HostRPS map[string]float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.HostRPS))
	for host, rps := range cfg.HostRPS {
		limit := rate.Limit(rps)
		if rps <= 0 {
			limit = rate.Inf
		}
		overrides[strings.ToLower(host)] = limit
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		overrides:    overrides,
	}
}

// Allow reports whether a request to host may proceed now, consuming a token
// if so. It never blocks.
func (l *Limiter) Allow(host string) bool {
	if l == nil {
		return true
	}
	return l.limiterFor(host).Allow()
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	key := strings.ToLower(host)
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if !exists {
		limit := l.defaultRate
		if override, ok := l.overrides[key]; ok {
			limit = override
		}
		limiter = rate.NewLimiter(limit, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}
