package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newRequestFrom(remoteAddr, path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remoteAddr
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2, // 2 req/sec
		GeneralBurst:    5, // バースト5
		PixelRate:       1,
		PixelBurst:      1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newRequestFrom("192.0.2.1:5000", "/events/history?u=x"))

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterHeader(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1, // 1 req/sec
		GeneralBurst:    1, // バースト1
		PixelRate:       1,
		PixelBurst:      1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// 1回目は通る
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequestFrom("192.0.2.1:5000", "/events/sent"))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusOK)
	}

	// 2回目はレート制限に引っかかる
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, newRequestFrom("192.0.2.1:5001", "/events/sent"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	retryAfter := w.Header().Get("Retry-After")
	sec, err := strconv.Atoi(retryAfter)
	if err != nil || sec < 1 {
		t.Errorf("Retry-After = %q, want positive integer", retryAfter)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode 429 body: %v", err)
	}
	if body["code"] != "rate_limit_exceeded" {
		t.Errorf("code = %q, want rate_limit_exceeded", body["code"])
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		PixelRate:       1,
		PixelBurst:      1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for _, addr := range []string{"192.0.2.1:1000", "192.0.2.2:1000", "[2001:db8::1]:1000"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newRequestFrom(addr, "/events/history"))
		if w.Code != http.StatusOK {
			t.Errorf("client %s: status = %d, want %d", addr, w.Code, http.StatusOK)
		}
	}

	if rl.GeneralLimiterCount() != 3 {
		t.Errorf("GeneralLimiterCount() = %d, want 3", rl.GeneralLimiterCount())
	}
}

func TestPixelRateLimit_UsesFallbackHandler(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     10,
		GeneralBurst:    10,
		PixelRate:       1,
		PixelBurst:      1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	nextCalls := 0
	fallbackCalls := 0
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls++
		w.Header().Set("Content-Type", "image/gif")
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.PixelMiddleware(fallback)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newRequestFrom("192.0.2.9:4000", "/t/pixel?mid=m&u=u"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	if nextCalls != 1 {
		t.Errorf("next calls = %d, want 1", nextCalls)
	}
	if fallbackCalls != 2 {
		t.Errorf("fallback calls = %d, want 2", fallbackCalls)
	}
}

func TestPixelRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		PixelRate:       1,
		PixelBurst:      1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	pixel := rl.PixelMiddleware(nil)(okHandler())

	w := httptest.NewRecorder()
	general.ServeHTTP(w, newRequestFrom("192.0.2.1:1", "/events/history"))
	if w.Code != http.StatusOK {
		t.Fatalf("general: status = %d", w.Code)
	}

	// API全般の枠を使い切ってもピクセルの枠は独立
	w = httptest.NewRecorder()
	pixel.ServeHTTP(w, newRequestFrom("192.0.2.1:1", "/t/pixel"))
	if w.Code != http.StatusOK {
		t.Errorf("pixel: status = %d, want %d", w.Code, http.StatusOK)
	}

	// フォールバックなしのピクセル制限は429
	w = httptest.NewRecorder()
	pixel.ServeHTTP(w, newRequestFrom("192.0.2.1:1", "/t/pixel"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("pixel second: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	if rl.PixelLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", rl.PixelLimiterCount(), rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     10,
		GeneralBurst:    10,
		PixelRate:       10,
		PixelBurst:      10,
		CleanupInterval: 50 * time.Millisecond,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), newRequestFrom("192.0.2.1:1", "/x"))
	rl.PixelMiddleware(nil)(okHandler()).ServeHTTP(httptest.NewRecorder(), newRequestFrom("192.0.2.1:1", "/t/pixel"))

	if rl.GeneralLimiterCount() != 1 || rl.PixelLimiterCount() != 1 {
		t.Fatalf("counts before cleanup = (%d, %d), want (1, 1)", rl.GeneralLimiterCount(), rl.PixelLimiterCount())
	}

	// TTL（CleanupIntervalの2倍）経過後のクリーンアップでエントリが削除される
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rl.GeneralLimiterCount() == 0 && rl.PixelLimiterCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("counts after cleanup = (%d, %d), want (0, 0)", rl.GeneralLimiterCount(), rl.PixelLimiterCount())
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.PixelRate != 2 {
		t.Errorf("PixelRate = %v, want 2", cfg.PixelRate)
	}
	if cfg.PixelBurst != 120 {
		t.Errorf("PixelBurst = %d, want 120", cfg.PixelBurst)
	}
	if cfg.GeneralRate != 10 {
		t.Errorf("GeneralRate = %v, want 10", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 600 {
		t.Errorf("GeneralBurst = %d, want 600", cfg.GeneralBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestPerMinuteRateLimiterConfig_NonPositiveFallsBack(t *testing.T) {
	cfg := PerMinuteRateLimiterConfig(0, -1)
	def := DefaultRateLimiterConfig()

	if cfg.PixelBurst != def.PixelBurst || cfg.GeneralBurst != def.GeneralBurst {
		t.Errorf("bursts = (%d, %d), want defaults (%d, %d)", cfg.PixelBurst, cfg.GeneralBurst, def.PixelBurst, def.GeneralBurst)
	}
}
