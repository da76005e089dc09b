package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/oppnd/internal/middleware"
	"github.com/hitoshi/oppnd/internal/model"
)

// wsWriteTimeout は1フレームの書き込みタイムアウト。
const wsWriteTimeout = 10 * time.Second

// wsFrame は接続確立時にサーバーから送る制御フレーム。
type wsFrame struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
}

// WSHandler はWebSocketによるイベント配信のHTTPハンドラー。
type WSHandler struct {
	subscriber Subscriber
	cfg        StreamConfig
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewWSHandler はWSHandlerを生成する。
// Originの検証はCORSと同じ許可オリジン設定に従う。
func NewWSHandler(subscriber Subscriber, cfg StreamConfig, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WSHandler{subscriber: subscriber, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin はOriginヘッダーが許可オリジンと一致するかを判定する。
// Originヘッダーのないネイティブクライアントは常に許可する。
func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := h.cfg.AllowedOrigin
	if allowed == "" || allowed == "*" {
		return true
	}
	if strings.EqualFold(origin, allowed) {
		return true
	}
	u, err := url.Parse(allowed)
	return err == nil && u.Host != "" && strings.EqualFold(origin, u.Scheme+"://"+u.Host)
}

// Stream はuserHashの状態変化イベントをWebSocketで配信する。
// GET /ws?u=xxx
//
// 接続直後に {"type":"connected"} を送り、以降はイベントをJSONテキストフレームで送る。
// クライアントからの受信メッセージは切断検知のためだけに読み捨てる。
func (h *WSHandler) Stream(w http.ResponseWriter, r *http.Request) {
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

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgraderがエラーレスポンスを書き込み済み
		h.logger.Warn("WebSocketのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// Hijack後はリクエストのコンテキストが切断でキャンセルされないため、読み込みループで検知する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.writeJSON(conn, wsFrame{Type: "connected", At: time.Now().UTC()}); err != nil {
		return
	}

	ticker := time.NewTicker(h.cfg.keepalive())
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-sub.Done():
			deadline := time.Now().Add(wsWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		case ev := <-sub.Events():
			if err := h.writeJSON(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
