package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/oppnd/internal/middleware"
	"github.com/hitoshi/oppnd/internal/model"
	"github.com/hitoshi/oppnd/internal/tracking"
)

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// ストアの一時障害は詳細を伏せて503を返す。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	if errors.Is(err, tracking.ErrTransient) {
		middleware.WriteServiceUnavailable(w)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeMissingParameter, model.ErrCodeInvalidParameter, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeMessageNotFound:
		return http.StatusNotFound
	case model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
