// Package middleware provides the HTTP middleware shared by the event intake
// and the operator API.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"arc-sentinel/internal/config"
)

// RateLimiter is a fixed-window per-IP request limiter. Each client may make
// RequestsPerIP+BurstSize requests per WindowSize.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	exempt map[string]bool

	mu      sync.Mutex
	clients map[string]*window

	allowed atomic.Uint64
	limited atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
}

type window struct {
	count int
	end   time.Time
}

// Verdict is the outcome of one Allow call.
type Verdict struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter starts a limiter and its background sweep of expired
// windows. Call Stop to end the sweep.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		cfg:     cfg,
		exempt:  make(map[string]bool, len(cfg.ExemptPaths)),
		clients: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	for _, p := range cfg.ExemptPaths {
		rl.exempt[p] = true
	}
	if cfg.CleanupPeriod > 0 {
		go rl.sweepLoop()
	}
	return rl
}

// Allow counts one request from ip.
func (rl *RateLimiter) Allow(ip string) Verdict {
	return rl.allowAt(ip, time.Now())
}

func (rl *RateLimiter) allowAt(ip string, now time.Time) Verdict {
	limit := rl.cfg.RequestsPerIP + rl.cfg.BurstSize

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.clients[ip]
	if !ok || now.After(w.end) {
		w = &window{end: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = w
	}
	if w.count >= limit {
		rl.limited.Add(1)
		return Verdict{Limit: limit, Reset: w.end}
	}
	w.count++
	rl.allowed.Add(1)
	return Verdict{Allowed: true, Limit: limit, Remaining: limit - w.count, Reset: w.end}
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.sweep(now)
		case <-rl.stop:
			return
		}
	}
}

// sweep drops windows that expired at least one full window ago.
func (rl *RateLimiter) sweep(now time.Time) int {
	cutoff := now.Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, w := range rl.clients {
		if w.end.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter sweep", "removed", removed, "tracked", len(rl.clients))
	}
	return removed
}

// Stop ends the background sweep. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Exempt reports whether path bypasses the limiter.
func (rl *RateLimiter) Exempt(path string) bool {
	return rl.exempt[path]
}

// RateLimiterStats is a snapshot of limiter activity.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// Stats returns current counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.clients)
	rl.mu.Unlock()
	return RateLimiterStats{
		TrackedIPs: tracked,
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

// Middleware rejects requests over the limit with 429 and sets the
// X-RateLimit-* headers on every limited path.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r, rl.cfg.TrustProxy)
		v := rl.Allow(ip)

		h := w.Header()
		h.Set("X-RateLimit-Limit", fmt.Sprint(v.Limit))
		h.Set("X-RateLimit-Remaining", fmt.Sprint(v.Remaining))
		h.Set("X-RateLimit-Reset", fmt.Sprint(v.Reset.Unix()))

		if !v.Allowed {
			retryAfter := int(time.Until(v.Reset).Seconds()) + 1
			slog.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)
			h.Set("Retry-After", fmt.Sprint(retryAfter))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after":%d}`, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the caller address. With trustProxy set, the rightmost
// X-Forwarded-For entry is used, since it was added by the nearest proxy and
// cannot be forged by the client, then X-Real-IP.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
