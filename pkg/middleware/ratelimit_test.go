package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/storyloom/storyloom/pkg/contextkeys"
)

func TestMemoryLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute, BurstSize: 1})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(ctx, "k"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if ok, _ := l.Allow(ctx, "k"); ok {
		t.Fatal("fourth request should be limited")
	}
	if ok, _ := l.Allow(ctx, "other"); !ok {
		t.Error("other keys have their own bucket")
	}

	now = now.Add(30 * time.Second)
	if ok, _ := l.Allow(ctx, "k"); !ok {
		t.Error("bucket should refill after half a window")
	}
}

func TestMemoryLimiter_Cleanup(t *testing.T) {
	now := time.Now()
	l := NewMemoryLimiter(RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second})
	l.now = func() time.Time { return now }

	l.Allow(context.Background(), "k")
	now = now.Add(3 * time.Second)
	l.Cleanup()

	if len(l.buckets) != 0 {
		t.Errorf("expected idle bucket removed, have %d", len(l.buckets))
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLimiter(client, RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, err := l.Allow(ctx, "ip:1.2.3.4"); err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "ip:1.2.3.4"); ok {
		t.Error("third request should be limited")
	}
	if ttl := mr.TTL("ratelimit:ip:1.2.3.4"); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}

	mr.FastForward(time.Minute)
	if ok, _ := l.Allow(ctx, "ip:1.2.3.4"); !ok {
		t.Error("window should reset")
	}
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedisLimiter(client, DefaultRateLimitConfig(), "test")
	called := false
	handler := RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !called {
		t.Error("limiter errors should fail open")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewMemoryLimiter(RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	handler := RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.1:1000"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("limit header = %q", w.Header().Get("X-RateLimit-Limit"))
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "3600" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	// same address, but authenticated: keyed by principal
	authed := req.WithContext(contextkeys.WithPrincipalID(req.Context(), 7))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authed)
	if w.Code != http.StatusOK {
		t.Errorf("principal bucket should be separate, got %d", w.Code)
	}
}
