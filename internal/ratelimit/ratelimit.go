// Package ratelimit implements the L7 proxy's local per-source-IP
// request-rate enforcement: a token bucket keyed by source IP, refilled
// at rps_limit tokens/sec up to a burst ceiling. Exceeding it issues a
// block into the shared dynamic rule store with the configured TTL,
// same shape as the orchestrator's threshold-to-BlockCommand path but
// entirely node-local and synchronous with the request. Adapted from
// the session package's per-client request-time tracking (prune a
// recent-activity window on every touch), swapped for a token bucket
// since the config surface is expressed as rate + burst rather than a
// raw window size.
package ratelimit

import (
	"sync"
	"time"

	"secbeat/internal/dynamicrules"
)

// Config tunes the limiter; zero RPSLimit disables enforcement.
type Config struct {
	RPSLimit int
	Burst    int
	BlockTTL time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter enforces Config against a shared BlocklistControl: once a
// source IP exhausts its bucket, it is pushed into the blocklist rather
// than merely being told to slow down, matching this system's
// block-first posture (§7: Policy errors are 403, not 429).
type Limiter struct {
	cfg       Config
	blocklist dynamicrules.BlocklistControl

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New constructs a Limiter. blocklist may be nil in tests that only
// want to observe Allow's boolean result.
func New(cfg Config, blocklist dynamicrules.BlocklistControl) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RPSLimit
	}
	return &Limiter{cfg: cfg, blocklist: blocklist, buckets: make(map[string]*bucket)}
}

// Allow consumes one token for ip and reports whether the request may
// proceed. On exhaustion it installs a dynamic block (if a blocklist
// was configured) so the next request short-circuits at the cheaper
// blocklist check instead of re-entering the limiter.
func (l *Limiter) Allow(ip string, now time.Time) bool {
	if l.cfg.RPSLimit <= 0 {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastRefill: now}
		l.buckets[ip] = b
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * float64(l.cfg.RPSLimit)
		if b.tokens > float64(l.cfg.Burst) {
			b.tokens = float64(l.cfg.Burst)
		}
		b.lastRefill = now
	}

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	l.mu.Unlock()

	if !allowed && l.blocklist != nil {
		l.blocklist.Add(ip, l.cfg.BlockTTL, "rate_limit_exceeded")
	}
	return allowed
}

// Forget drops ip's bucket, e.g. after its dynamic block expires so a
// reformed client starts with a full bucket rather than an empty one.
func (l *Limiter) Forget(ip string) {
	l.mu.Lock()
	delete(l.buckets, ip)
	l.mu.Unlock()
}

// Count returns the number of IPs currently tracked, for tests and
// admin introspection.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
