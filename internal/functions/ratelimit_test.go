package functions

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowWithinLimitThenRejects(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	ip := "203.0.113.10"

	if !rl.Allow(ip) {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow(ip) {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow(ip) {
		t.Fatal("expected third request to be rejected")
	}
	if !rl.Allow("203.0.113.11") {
		t.Fatal("expected a different IP to have its own budget")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ip := "203.0.113.20"

	if !rl.Allow(ip) {
		t.Fatal("expected first request to be allowed")
	}
	if rl.Allow(ip) {
		t.Fatal("expected second request to be rejected")
	}
	now = now.Add(61 * time.Second)
	if !rl.Allow(ip) {
		t.Fatal("expected request to be allowed after the window refilled")
	}
}

func TestRateLimiterDropsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("198.51.100.1")
	now = now.Add(limiterIdleTTL + time.Minute)
	rl.Allow("198.51.100.2")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.limiters["198.51.100.1"]; ok {
		t.Fatal("expected idle limiter to be dropped")
	}
	if len(rl.limiters) != 1 {
		t.Fatalf("limiters = %d, want 1", len(rl.limiters))
	}
}

func TestRateLimiterMiddlewareTooManyRequests(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	calls := 0
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	for i, want := range []int{http.StatusNoContent, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
		req.RemoteAddr = "198.51.100.5:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, want)
		}
	}
	if calls != 1 {
		t.Fatalf("next handler calls = %d, want 1", calls)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		xff        string
		remoteAddr string
		want       string
	}{
		{name: "forwarded ignored without proxy", xff: "203.0.113.1", remoteAddr: "10.0.0.2:80", want: "10.0.0.2"},
		{name: "proxy hop from chain", trustProxy: true, xff: "198.51.100.9, 203.0.113.1", remoteAddr: "10.0.0.2:80", want: "203.0.113.1"},
		{name: "single forwarded behind proxy", trustProxy: true, xff: "203.0.113.2", remoteAddr: "10.0.0.2:80", want: "203.0.113.2"},
		{name: "proxy without header", trustProxy: true, remoteAddr: "10.0.0.3:80", want: "10.0.0.3"},
		{name: "remote addr", remoteAddr: "192.0.2.7:5555", want: "192.0.2.7"},
		{name: "remote without port", remoteAddr: "192.0.2.8", want: "192.0.2.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req, tt.trustProxy); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiterMiddlewareIgnoresSpoofedForwardedFor(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i, want := range []int{http.StatusNoContent, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
		req.RemoteAddr = "198.51.100.5:1234"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, want)
		}
	}
}
