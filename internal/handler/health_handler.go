package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// healthCheckTimeout はヘルスチェック時のストア疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// HealthChecker はストアの疎通確認を行うインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	checker HealthChecker
	now     func() time.Time
}

// NewHealthHandler はHealthHandlerを生成する。checkerがnilの場合は常にokを返す。
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker, now: time.Now}
}

type healthResponse struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// Health はサービスの稼働状態を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := healthResponse{Status: "ok", At: h.now().UTC()}

	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.checker.PingContext(ctx); err != nil {
			slog.Warn("health check failed", slog.String("error", err.Error()))
			status = http.StatusServiceUnavailable
			body.Status = "unavailable"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
