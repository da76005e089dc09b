package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/oppnd/internal/eventbus"
	"github.com/hitoshi/oppnd/internal/middleware"
	"github.com/hitoshi/oppnd/internal/model"
	"github.com/hitoshi/oppnd/internal/tracking"
	"golang.org/x/time/rate"
)

type mockStatusRecorder struct {
	codes []int
}

func (m *mockStatusRecorder) RecordHTTPStatus(statusCode int) {
	m.codes = append(m.codes, statusCode)
}

// createTestRouter はテスト用の完全なルーターを構築するヘルパー。
func createTestRouter(t *testing.T, svc *mockTrackingService, rlConfig middleware.RateLimiterConfig) (http.Handler, *mockStatusRecorder) {
	t.Helper()
	rl := middleware.NewRateLimiter(rlConfig)
	t.Cleanup(rl.Stop)

	rec := &mockStatusRecorder{}
	deps := &RouterDeps{
		CORSAllowedOrigin: "*",
		RateLimiter:       rl,
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Metrics:           rec,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("oppnd_signals_total 0\n"))
		}),
		Tracking:   svc,
		Subscriber: eventbus.NewHub(eventbus.Options{}),
		Health:     &mockHealthChecker{},
		Stream:     StreamConfig{KeepaliveInterval: time.Minute},
	}
	return NewRouter(deps), rec
}

func TestNewRouter_Routes(t *testing.T) {
	svc := &mockTrackingService{
		recordSentFn: func(ctx context.Context, sig tracking.SentSignal) (*model.Message, error) {
			return testMessage(sig.MessageID, model.States{}), nil
		},
	}
	router, _ := createTestRouter(t, svc, middleware.DefaultRateLimiterConfig())

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"ヘルスチェック", http.MethodGet, "/health", "", http.StatusOK},
		{"メトリクス", http.MethodGet, "/metrics", "", http.StatusOK},
		{"ピクセル", http.MethodGet, "/t/pixel?mid=m1&u=u1", "", http.StatusOK},
		{"送信通知", http.MethodPost, "/events/sent", `{"messageId":"m1","userHash":"u1"}`, http.StatusOK},
		{"履歴", http.MethodGet, "/events/history?u=u1", "", http.StatusOK},
		{"削除", http.MethodDelete, "/events/m1?u=u1", "", http.StatusNoContent},
		{"SSEのユーザー指定なし", http.MethodGet, "/sse", "", http.StatusBadRequest},
		{"WSのユーザー指定なし", http.MethodGet, "/ws", "", http.StatusBadRequest},
		{"未定義ルート", http.MethodGet, "/unknown", "", http.StatusNotFound},
		{"未対応メソッド", http.MethodPut, "/events/sent", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = bytes.NewBufferString(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, w.Code, tt.wantStatus)
			}
		})
	}
}

func TestNewRouter_DeleteRoutesMessageIDParam(t *testing.T) {
	var gotID string
	svc := &mockTrackingService{
		deleteFn: func(ctx context.Context, messageID, userHash string) error {
			gotID = messageID
			return nil
		},
	}
	router, _ := createTestRouter(t, svc, middleware.DefaultRateLimiterConfig())

	req := httptest.NewRequest(http.MethodDelete, "/events/abc123?u=u1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if gotID != "abc123" {
		t.Errorf("messageId = %q, want abc123", gotID)
	}
}

func TestNewRouter_PreflightAndHeaders(t *testing.T) {
	router, _ := createTestRouter(t, &mockTrackingService{}, middleware.DefaultRateLimiterConfig())

	req := httptest.NewRequest(http.MethodOptions, "/events/sent", nil)
	req.Header.Set("Origin", "https://mail.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("Cross-Origin-Resource-Policy"); got != "cross-origin" {
		t.Errorf("Cross-Origin-Resource-Policy = %q, want cross-origin", got)
	}
}

func TestNewRouter_PixelRateLimited_ServesGIFWithoutRecording(t *testing.T) {
	var calls atomic.Int32
	svc := &mockTrackingService{
		recordPixelFn: func(ctx context.Context, sig tracking.PixelSignal) (*tracking.PixelOutcome, error) {
			calls.Add(1)
			return &tracking.PixelOutcome{Decision: tracking.Decision{Branch: tracking.BranchNoOp}}, nil
		},
	}
	cfg := middleware.DefaultRateLimiterConfig()
	cfg.PixelRate = rate.Every(time.Hour)
	cfg.PixelBurst = 1
	router, _ := createTestRouter(t, svc, cfg)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/t/pixel?mid=m1&u=u1", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
		if w.Header().Get("Content-Type") != "image/gif" {
			t.Errorf("request %d: Content-Type = %q, want image/gif", i, w.Header().Get("Content-Type"))
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("RecordPixel calls = %d, want 1", got)
	}
}

func TestNewRouter_GeneralRateLimited_Returns429(t *testing.T) {
	cfg := middleware.DefaultRateLimiterConfig()
	cfg.GeneralRate = rate.Every(time.Hour)
	cfg.GeneralBurst = 1
	router, _ := createTestRouter(t, &mockTrackingService{}, cfg)

	var last *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		last = httptest.NewRecorder()
		router.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/events/history?u=u1", nil))
	}

	if last.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", last.Code, http.StatusTooManyRequests)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}

	// ヘルスチェックはレート制限の対象外
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_RecordsHTTPStatus(t *testing.T) {
	router, rec := createTestRouter(t, &mockTrackingService{}, middleware.DefaultRateLimiterConfig())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/t/pixel", nil))

	if len(rec.codes) != 2 || rec.codes[0] != http.StatusOK || rec.codes[1] != http.StatusBadRequest {
		t.Errorf("recorded codes = %v, want [200 400]", rec.codes)
	}
}

func TestNewRouter_PanicRecovered(t *testing.T) {
	svc := &mockTrackingService{
		historyFn: func(ctx context.Context, userHash string) ([]*model.Message, error) {
			panic("unexpected")
		},
	}
	router, _ := createTestRouter(t, svc, middleware.DefaultRateLimiterConfig())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events/history?u=u1", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["code"] != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body["code"], model.ErrCodeInternal)
	}
}

// 送信通知からSSE配信までをルーター経由で通す。
func TestNewRouter_SentToSSE(t *testing.T) {
	hub := eventbus.NewHub(eventbus.Options{})
	svc := &mockTrackingService{
		recordSentFn: func(ctx context.Context, sig tracking.SentSignal) (*model.Message, error) {
			sent := testNow
			msg := testMessage(sig.MessageID, model.States{SentAt: &sent})
			hub.Publish(sig.UserHash, model.NewEvent("01EV", model.EventSent, msg, testNow))
			return msg, nil
		},
	}
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	router := NewRouter(&RouterDeps{
		RateLimiter: rl,
		Logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Tracking:    svc,
		Subscriber:  hub,
		Stream:      StreamConfig{KeepaliveInterval: time.Minute},
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	_, lines := openSSE(t, srv, "u1")
	readLine(t, lines)
	readLine(t, lines)

	resp, err := http.Post(srv.URL+"/events/sent", "application/json", strings.NewReader(`{"messageId":"m1","userHash":"u1"}`))
	if err != nil {
		t.Fatalf("POST /events/sent: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if line := readLine(t, lines); line != "event: sent" {
		t.Errorf("event line = %q, want %q", line, "event: sent")
	}
}
