package handler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/oppnd/internal/model"
	"github.com/hitoshi/oppnd/internal/tracking"
)

// transparentGIF は1x1の透過GIF画像。
var transparentGIF = mustDecodeBase64("R0lGODlhAQABAIAAAAAAAP///ywAAAAAAQABAAACAUwAOw==")

func mustDecodeBase64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// PixelRecorder はピクセル取得を記録するサービスインターフェース。
type PixelRecorder interface {
	RecordPixel(ctx context.Context, sig tracking.PixelSignal) (*tracking.PixelOutcome, error)
}

// PixelHandler はトラッキングピクセルのHTTPハンドラー。
type PixelHandler struct {
	service PixelRecorder
	logger  *slog.Logger
}

// NewPixelHandler はPixelHandlerを生成する。
func NewPixelHandler(service PixelRecorder, logger *slog.Logger) *PixelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PixelHandler{service: service, logger: logger}
}

// Pixel はピクセル取得を記録し、透過GIFを返す。
// GET /t/pixel?mid=xxx&u=yyy
//
// パラメータ欠落時のみ400を返す。記録に失敗した場合も画像は常に返し、
// 埋め込み先のメール表示を壊さない。
func (h *PixelHandler) Pixel(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("mid")
	userHash := r.URL.Query().Get("u")

	var missing []string
	if messageID == "" {
		missing = append(missing, "mid")
	}
	if userHash == "" {
		missing = append(missing, "u")
	}
	if len(missing) > 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingParameterError(missing...))
		return
	}

	// クライアントが画像取得を途中で打ち切っても記録は完了させる
	ctx := context.WithoutCancel(r.Context())
	out, err := h.service.RecordPixel(ctx, tracking.PixelSignal{MessageID: messageID, UserHash: userHash})
	if err != nil {
		h.logger.Warn("ピクセル取得の記録に失敗しました",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	} else {
		h.logger.Debug("ピクセル取得を記録しました",
			slog.String("message_id", messageID),
			slog.String("branch", string(out.Decision.Branch)),
			slog.Int("delivered", out.Delivered),
		)
	}

	WritePixel(w, r)
}

// WritePixel は透過GIFをキャッシュ無効化ヘッダー付きで書き込む。
// レート制限超過時のフォールバックとしても使用する。
func WritePixel(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Content-Length", strconv.Itoa(len(transparentGIF)))
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}
