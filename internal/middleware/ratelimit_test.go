package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"arc-sentinel/internal/config"
)

func testLimitConfig(requests, burst int, window time.Duration) config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: requests,
		BurstSize:     burst,
		WindowSize:    window,
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(testLimitConfig(10, 2, time.Minute))
	defer rl.Stop()

	for i := 0; i < 12; i++ {
		v := rl.Allow("192.168.1.100")
		if !v.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if want := 12 - i - 1; v.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, v.Remaining, want)
		}
	}

	v := rl.Allow("192.168.1.100")
	if v.Allowed {
		t.Fatal("request 13 allowed")
	}
	if v.Remaining != 0 || v.Limit != 12 {
		t.Errorf("verdict = %+v", v)
	}
	if !v.Reset.After(time.Now()) {
		t.Error("reset should be in the future")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	rl := NewRateLimiter(testLimitConfig(3, 0, time.Minute))
	defer rl.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		if !rl.allowAt("10.0.0.1", now).Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}
	if rl.allowAt("10.0.0.1", now).Allowed {
		t.Fatal("fourth request allowed inside the window")
	}
	if !rl.allowAt("10.0.0.1", now.Add(time.Minute+time.Second)).Allowed {
		t.Error("request after the window should be allowed")
	}
}

func TestRateLimiter_MultipleIPs(t *testing.T) {
	rl := NewRateLimiter(testLimitConfig(2, 0, time.Minute))
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")
	if rl.Allow("10.0.0.1").Allowed {
		t.Error("first client should be limited")
	}
	if !rl.Allow("10.0.0.2").Allowed {
		t.Error("second client should have its own window")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(testLimitConfig(5, 0, time.Second))
	defer rl.Stop()

	now := time.Now()
	rl.allowAt("10.0.0.1", now)
	rl.allowAt("10.0.0.2", now.Add(5*time.Second))

	if removed := rl.sweep(now.Add(3 * time.Second)); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if got := rl.Stats().TrackedIPs; got != 1 {
		t.Errorf("tracked = %d, want 1", got)
	}
}

func TestRateLimiter_Stats(t *testing.T) {
	rl := NewRateLimiter(testLimitConfig(1, 0, time.Minute))
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("a")
	rl.Allow("b")

	s := rl.Stats()
	if s.TrackedIPs != 2 || s.Allowed != 2 || s.Limited != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	cfg := testLimitConfig(1, 0, time.Minute)
	cfg.CleanupPeriod = time.Millisecond
	rl := NewRateLimiter(cfg)
	rl.Stop()
	rl.Stop()
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testLimitConfig(2, 0, time.Minute)
	cfg.ExemptPaths = []string{"/health"}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()
	h := rl.Middleware(okHandler())

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := do("/v1/events")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := do("/v1/events")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	if rec := do("/health"); rec.Code != http.StatusOK {
		t.Errorf("exempt path status = %d", rec.Code)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := testLimitConfig(1, 0, time.Minute)
	cfg.Enabled = false
	rl := NewRateLimiter(cfg)
	defer rl.Stop()
	h := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("disabled limiter should not set headers")
		}
	}
}

func TestRateLimitMiddleware_Concurrent(t *testing.T) {
	rl := NewRateLimiter(testLimitConfig(50, 0, time.Minute))
	defer rl.Stop()
	h := rl.Middleware(okHandler())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, hit int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "198.51.100.1:1000"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			mu.Lock()
			defer mu.Unlock()
			if rec.Code == http.StatusOK {
				ok++
			} else {
				hit++
			}
		}()
	}
	wg.Wait()

	if ok != 50 || hit != 50 {
		t.Errorf("ok=%d limited=%d, want 50/50", ok, hit)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		xri        string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", "", "", false, "192.0.2.1"},
		{"no port", "192.0.2.1", "", "", false, "192.0.2.1"},
		{"xff ignored untrusted", "192.0.2.1:1234", "10.0.0.1", "", false, "192.0.2.1"},
		{"xff rightmost", "192.0.2.1:1234", "6.6.6.6, 10.0.0.1", "", true, "10.0.0.1"},
		{"xff trailing blank", "192.0.2.1:1234", "10.0.0.1, ", "", true, "10.0.0.1"},
		{"real ip", "192.0.2.1:1234", "", "10.0.0.9", true, "10.0.0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func BenchmarkRateLimiter_Allow(b *testing.B) {
	rl := NewRateLimiter(testLimitConfig(1<<30, 0, time.Minute))
	defer rl.Stop()
	for i := 0; i < b.N; i++ {
		rl.Allow(fmt.Sprintf("10.0.%d.%d", (i>>8)&255, i&255))
	}
}
