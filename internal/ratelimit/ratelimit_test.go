package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInMemoryRateLimiterBurst(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, 3)
	defer limiter.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "k1") {
			t.Fatalf("request %d within burst was rejected", i+1)
		}
	}
	if limiter.Allow(ctx, "k1") {
		t.Error("request beyond burst was allowed")
	}
}

func TestInMemoryRateLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, 1)
	defer limiter.Stop()
	ctx := context.Background()

	if !limiter.Allow(ctx, "k1") {
		t.Fatal("first request for k1 rejected")
	}
	if limiter.Allow(ctx, "k1") {
		t.Fatal("second request for k1 allowed")
	}
	if !limiter.Allow(ctx, "k2") {
		t.Error("k2 throttled by k1's bucket")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, 1)
	defer limiter.Stop()

	handler := Middleware(limiter, func(r *http.Request) string {
		return r.Header.Get("X-Test-Key")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/query", nil)
	req.Header.Set("X-Test-Key", "client:abc")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}

	// A different client is unaffected
	other := httptest.NewRequest(http.MethodGet, "/api/v1/query", nil)
	other.Header.Set("X-Test-Key", "client:other")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
}
