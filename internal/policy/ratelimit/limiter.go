// Package ratelimit provides token bucket limiters for outbound calls: one
// bucket per crawled domain, or a single shared bucket.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/fqdn-intel/internal/metrics"
)

// Config holds limiter settings. A non-positive RPS disables limiting.
type Config struct {
	Name  string
	RPS   float64
	Burst int
	// IdleTTL evicts per-key buckets unused for this long. Zero keeps them.
	IdleTTL time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// Limiter manages per-key token buckets.
type Limiter struct {
	name  string
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// New creates a per-key Limiter.
func New(cfg Config) *Limiter {
	l := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		l = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	name := cfg.Name
	if name == "" {
		name = "domain"
	}
	return &Limiter{
		name:    name,
		limit:   l,
		burst:   burst,
		ttl:     cfg.IdleTTL,
		buckets: make(map[string]*bucket),
	}
}

// Wait blocks until a token for key is available or ctx is done. Keys are
// compared case-insensitively.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	lim := l.bucket(strings.ToLower(key))
	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(l.name, d)
	}
	return nil
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ttl > 0 && now.Sub(l.lastSweep) >= l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.lastUsed) >= l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastUsed = now
	return b.lim
}

// Global is a single shared bucket.
type Global struct {
	name string
	lim  *rate.Limiter
}

// NewGlobal creates a shared limiter.
func NewGlobal(cfg Config) *Global {
	l := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		l = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	name := cfg.Name
	if name == "" {
		name = "global"
	}
	return &Global{name: name, lim: rate.NewLimiter(l, burst)}
}

// Wait blocks until a token is available or ctx is done.
func (g *Global) Wait(ctx context.Context) error {
	start := time.Now()
	if err := g.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(g.name, d)
	}
	return nil
}
