// Package ratelimit implements a multi-tier token bucket limiter.
// Tiers apply in priority order; a request passes only when every
// applicable tier has a token, and consumption is all-or-nothing so a
// denial never burns tokens in other tiers.
package ratelimit

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docfold/docfold/internal/config"
)

// Operation names used to scope tiers. A tier named after an
// operation only applies to requests carrying that operation; the
// global and ip tiers apply to everything.
const (
	TierGlobal = "global"
	TierIP     = "ip"
)

// Request describes the client call being rate limited.
type Request struct {
	IP        string
	Operation string // "search", "upload", ...
}

// Decision is the limiter's verdict. When denied, Tier names the
// blocking tier and RetryAfter is how long until it has a full token.
type Decision struct {
	Allowed    bool
	Tier       string
	RetryAfter time.Duration
}

type bucket struct {
	tokens float64
	last   time.Time
}

type tier struct {
	cfg       config.TierConfig
	whitelist map[string]struct{}
	buckets   map[string]*bucket
}

// key returns the bucket key for a request, or ok=false when the tier
// does not apply.
func (t *tier) key(req Request) (string, bool) {
	switch t.cfg.Name {
	case TierGlobal:
		return "", true
	case TierIP:
		return req.IP, true
	default:
		// Operation-scoped tier: applies only to its own operation,
		// bucketed per client.
		if t.cfg.Name == req.Operation {
			return req.IP, true
		}
		return "", false
	}
}

// Limiter is the multi-tier limiter. Safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	tiers []*tier
	now   func() time.Time
}

// New builds a limiter from configured tiers; disabled tiers are
// dropped and the rest are ordered by ascending priority.
func New(cfg config.RateLimitConfig) *Limiter {
	var tiers []*tier
	for _, tc := range cfg.Tiers {
		if !tc.Enabled {
			continue
		}
		wl := make(map[string]struct{}, len(tc.Whitelist))
		for _, ip := range tc.Whitelist {
			wl[ip] = struct{}{}
		}
		tiers = append(tiers, &tier{
			cfg:       tc,
			whitelist: wl,
			buckets:   make(map[string]*bucket),
		})
	}
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].cfg.Priority < tiers[j].cfg.Priority
	})
	return &Limiter{tiers: tiers, now: time.Now}
}

// Allow checks all applicable tiers in priority order and, if every
// one has a token, consumes one from each. Whitelisted IPs bypass the
// whitelisting tier only.
func (l *Limiter) Allow(req Request) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	type hit struct {
		b *bucket
		t *tier
	}
	var hits []hit

	for _, t := range l.tiers {
		key, applies := t.key(req)
		if !applies {
			continue
		}
		if _, ok := t.whitelist[req.IP]; ok {
			continue
		}

		b, ok := t.buckets[key]
		if !ok {
			b = &bucket{tokens: t.cfg.MaxTokens, last: now}
			t.buckets[key] = b
		}
		refill(b, t.cfg, now)

		if b.tokens < 1 {
			retryAfter := time.Duration((1 - b.tokens) / t.cfg.RefillRate * float64(time.Second))
			slog.Debug("rate_limited",
				slog.String("tier", t.cfg.Name),
				slog.String("ip", req.IP),
				slog.String("operation", req.Operation),
				slog.Duration("retry_after", retryAfter))
			return Decision{Tier: t.cfg.Name, RetryAfter: retryAfter}
		}
		hits = append(hits, hit{b: b, t: t})
	}

	for _, h := range hits {
		h.b.tokens--
	}
	return Decision{Allowed: true}
}

// refill adds tokens accrued since the last touch, capped at the
// tier's burst size.
func refill(b *bucket, cfg config.TierConfig, now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * cfg.RefillRate
		if b.tokens > cfg.MaxTokens {
			b.tokens = cfg.MaxTokens
		}
	}
	b.last = now
}

// Reset drops one tier's bucket for a key, restoring that tier's full
// burst. The key is the client IP, or "" for the global tier. Other
// tiers keep their state.
func (l *Limiter) Reset(tierName, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tiers {
		if t.cfg.Name != tierName {
			continue
		}
		if _, ok := t.buckets[key]; ok {
			delete(t.buckets, key)
			slog.Info("rate_limit_reset",
				slog.String("tier", tierName),
				slog.String("key", key))
		}
		return
	}
}

// Prune removes buckets idle longer than maxIdle so per-client state
// does not grow without bound. Returns the number removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for _, t := range l.tiers {
		for key, b := range t.buckets {
			if key == "" {
				continue
			}
			if b.last.Before(cutoff) {
				delete(t.buckets, key)
				removed++
			}
		}
	}
	return removed
}

// Stats returns the number of tracked buckets per tier.
func (l *Limiter) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.tiers))
	for _, t := range l.tiers {
		out[t.cfg.Name] = len(t.buckets)
	}
	return out
}
