package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter_PerKeyBuckets(t *testing.T) {
	limiter := NewLimiter(10, 2) // 10 requests per second, burst of 2

	// Burst of 2 for one peer
	if !limiter.Allow("peer-a") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("peer-a") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("peer-a") {
		t.Error("Third request should be rate limited")
	}

	// A different peer has its own bucket
	if !limiter.Allow("peer-b") {
		t.Error("Other peers must not share the exhausted bucket")
	}

	// Wait for token refill (10 req/s = 100ms per token)
	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow("peer-a") {
		t.Error("Request after refill should be allowed")
	}
}

func TestCleanupStale(t *testing.T) {
	limiter := NewLimiter(10, 2)

	limiter.Allow("old-peer")
	time.Sleep(20 * time.Millisecond)
	limiter.Allow("fresh-peer")

	removed := limiter.CleanupStale(10 * time.Millisecond)
	if removed != 1 {
		t.Errorf("Expected 1 stale limiter removed, got %d", removed)
	}

	// The fresh peer's bucket must survive with its consumed token
	if !limiter.Allow("fresh-peer") {
		t.Error("Fresh peer should still have burst capacity")
	}
	if limiter.Allow("fresh-peer") {
		t.Error("Fresh peer's bucket should not have been reset by cleanup")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 1)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := limiter.Middleware(func(r *http.Request) string { return "client" })(handler)

	req1 := httptest.NewRequest("GET", "/api/status", nil)
	rr1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusOK {
		t.Errorf("First request should succeed, got status %d", rr1.Code)
	}

	req2 := httptest.NewRequest("GET", "/api/status", nil)
	rr2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be rate limited, got status %d", rr2.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		expectedKey   string
	}{
		{
			name:        "Direct connection",
			remoteAddr:  "192.168.1.1:12345",
			expectedKey: "192.168.1.1:12345",
		},
		{
			name:          "Behind proxy",
			remoteAddr:    "127.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			expectedKey:   "203.0.113.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/status", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}

			if key := IPKeyFunc(req); key != tt.expectedKey {
				t.Errorf("Expected key %s, got %s", tt.expectedKey, key)
			}
		})
	}
}
