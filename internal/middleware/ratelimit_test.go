package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func limited(rl *RateLimiter) http.Handler {
	return rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, path, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	h := limited(rl)

	for i := range 3 {
		if rec := hit(h, "/api/v1/abtests", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}
	rec := hit(h, "/api/v1/abtests", "10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := limited(rl)

	hit(h, "/api/v1/abtests", "10.0.0.1:1")
	if rec := hit(h, "/api/v1/abtests", "10.0.0.1:1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("10.0.0.1: status = %d, want 429", rec.Code)
	}
	if rec := hit(h, "/api/v1/abtests", "10.0.0.2:1"); rec.Code != http.StatusOK {
		t.Errorf("10.0.0.2: status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter_HealthExempt(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := limited(rl)
	for range 5 {
		if rec := hit(h, "/health", "10.0.0.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("health status = %d, want 200", rec.Code)
		}
	}
	if rl.Len() != 0 {
		t.Errorf("tracked %d clients, want 0", rl.Len())
	}
}

func TestRateLimiter_RefillAndEvict(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, 1)
	rl.now = func() time.Time { return now }

	if _, _, ok := rl.take("10.0.0.1"); !ok {
		t.Fatal("first take rejected")
	}
	if _, wait, ok := rl.take("10.0.0.1"); ok || wait != 500*time.Millisecond {
		t.Fatalf("second take: ok=%v wait=%v, want rejected with 500ms", ok, wait)
	}

	now = now.Add(500 * time.Millisecond)
	if _, _, ok := rl.take("10.0.0.1"); !ok {
		t.Error("take after refill rejected")
	}

	now = now.Add(time.Hour)
	rl.evict(time.Minute)
	if rl.Len() != 0 {
		t.Errorf("tracked %d clients after evict, want 0", rl.Len())
	}
}
