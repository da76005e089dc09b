package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/oppnd/internal/middleware"
	"github.com/hitoshi/oppnd/internal/model"
)

// SSEHandler はServer-Sent Eventsによるイベント配信のHTTPハンドラー。
type SSEHandler struct {
	subscriber Subscriber
	cfg        StreamConfig
	logger     *slog.Logger
}

// NewSSEHandler はSSEHandlerを生成する。
func NewSSEHandler(subscriber Subscriber, cfg StreamConfig, logger *slog.Logger) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{subscriber: subscriber, cfg: cfg, logger: logger}
}

// Stream はuserHashの状態変化イベントをSSEで配信する。
// GET /sse?u=xxx
//
// 接続直後に ": connected <ISO時刻>" のコメント、以降キープアライブ間隔ごとに ": ping <ミリ秒>" を送る。
// イベントは event / id / data の3行で1件とする。
func (h *SSEHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userHash := r.URL.Query().Get("u")
	if strings.TrimSpace(userHash) == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingParameterError("u"))
		return
	}

	sub, err := h.subscriber.Subscribe(userHash)
	if err != nil {
		middleware.WriteServiceUnavailable(w)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// 長時間接続のためサーバーのRead/WriteTimeoutを解除する
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, ": connected %s\n\n", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.logger.Warn("SSEのフラッシュに失敗しました", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.cfg.keepalive())
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": ping %d\n\n", time.Now().UnixMilli()); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeSSEEvent はイベント1件をSSEフレームとして書き込む。
func writeSSEEvent(w io.Writer, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", ev.Type)
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	_, err = io.WriteString(w, b.String())
	return err
}
