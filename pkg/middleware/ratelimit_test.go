package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	// Should allow initial requests up to limit + burst
	allowedCount := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		if ok, _ := limiter.Allow(ctx, "user:1"); ok {
			allowedCount++
		}
	}

	expected := config.RequestsPerWindow + config.BurstSize
	if allowedCount != expected {
		t.Errorf("Allowed %d requests, want %d", allowedCount, expected)
	}

	// After a window, tokens should refill
	now = now.Add(time.Second)
	if ok, _ := limiter.Allow(ctx, "user:1"); !ok {
		t.Error("Should allow request after refill")
	}
	if remaining, _ := limiter.Remaining(ctx, "user:1"); remaining != config.RequestsPerWindow-1 {
		t.Errorf("Remaining after refill = %d, want %d", remaining, config.RequestsPerWindow-1)
	}
}

func TestRateLimiter_Remaining(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second, BurstSize: 2})
	ctx := context.Background()

	initial, _ := limiter.Remaining(ctx, "user:1")
	if initial != 12 {
		t.Errorf("Initial remaining = %d, want 12", initial)
	}

	limiter.Allow(ctx, "user:1")
	if remaining, _ := limiter.Remaining(ctx, "user:1"); remaining != initial-1 {
		t.Errorf("After using 1 token, remaining = %d, want %d", remaining, initial-1)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second, BurstSize: 2})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	limiter.Allow(ctx, "user:1")
	now = now.Add(3 * time.Second)
	limiter.Allow(ctx, "user:2")
	limiter.Cleanup()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.buckets["user:1"]; ok {
		t.Error("Idle bucket should have been removed")
	}
	if _, ok := limiter.buckets["user:2"]; !ok {
		t.Error("Active bucket should be kept")
	}
}

func TestNewRateLimiter_NilConfig(t *testing.T) {
	limiter := NewRateLimiter(nil)
	if limiter.Config().RequestsPerWindow != DefaultRateLimitConfig().RequestsPerWindow {
		t.Errorf("Expected default config, got %+v", limiter.Config())
	}
}

func TestRateLimiter_Concurrency(t *testing.T) {
	config := &RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Hour, BurstSize: 0}
	limiter := NewRateLimiter(config)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow(context.Background(), "shared"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("Allowed %d concurrent requests, want 100", allowed)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		remote   string
		expected string
	}{
		{name: "X-Forwarded-For", headers: map[string]string{"X-Forwarded-For": "10.0.0.1"}, remote: "1.1.1.1:80", expected: "10.0.0.1"},
		{name: "X-Real-IP", headers: map[string]string{"X-Real-IP": "10.0.0.2"}, remote: "1.1.1.1:80", expected: "10.0.0.2"},
		{name: "RemoteAddr", remote: "1.1.1.1:80", expected: "1.1.1.1:80"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.expected {
				t.Errorf("getClientIP() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRateLimitMiddleware_PerCaller(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour, BurstSize: 0})
	handler := NewRateLimitMiddleware(limiter, false).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := func(userID int64) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithIdentity(req.Context(), &Identity{UserID: userID, ClinicID: 1}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := request(1); w.Code != http.StatusOK {
		t.Fatalf("first request: status %d, want 200", w.Code)
	}
	w := request(1)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "3600" {
		t.Errorf("Retry-After = %q, want 3600", w.Header().Get("Retry-After"))
	}
	if w := request(2); w.Code != http.StatusOK {
		t.Errorf("other caller: status %d, want 200", w.Code)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return false, errors.New("redis down")
}
func (failingLimiter) Remaining(ctx context.Context, key string) (int, error) {
	return 0, errors.New("redis down")
}
func (failingLimiter) Config() *RateLimitConfig { return DefaultRateLimitConfig() }

func TestRateLimitMiddleware_LimiterFailure(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	NewRateLimitMiddleware(failingLimiter{}, true).Handler(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("fail open: status %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	NewRateLimitMiddleware(failingLimiter{}, false).Handler(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("fail closed: status %d, want 503", w.Code)
	}
}
