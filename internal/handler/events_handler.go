package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/oppnd/internal/model"
	"github.com/hitoshi/oppnd/internal/tracking"
)

// maxSentBodyBytes は送信通知リクエストボディの上限サイズ。
const maxSentBodyBytes = 256 << 10

// EventsServiceInterface はイベントハンドラーが必要とするサービスインターフェース。
type EventsServiceInterface interface {
	// RecordSent は送信通知を記録し、処理後のレコードを返す。
	RecordSent(ctx context.Context, sig tracking.SentSignal) (*model.Message, error)
	// History はユーザーの追跡メッセージを更新日時の降順で返す。
	History(ctx context.Context, userHash string) ([]*model.Message, error)
	// Delete は追跡メッセージを削除する。
	Delete(ctx context.Context, messageID, userHash string) error
}

// EventsHandler は送信通知・履歴・削除のHTTPハンドラー。
type EventsHandler struct {
	service EventsServiceInterface
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(service EventsServiceInterface) *EventsHandler {
	return &EventsHandler{service: service}
}

// --- リクエスト・レスポンス型 ---

// sentRequest は送信通知リクエストのボディ。
type sentRequest struct {
	MessageID      string  `json:"messageId"`
	UserHash       string  `json:"userHash"`
	SubjectSnippet *string `json:"subjectSnippet,omitempty"`
	ThreadHint     *string `json:"threadHint,omitempty"`
}

// messageResponse は追跡メッセージ1件のレスポンス。
// 未到達の状態はnullで表す。
type messageResponse struct {
	MessageID      string       `json:"messageId"`
	UserHash       string       `json:"userHash"`
	SubjectSnippet *string      `json:"subjectSnippet"`
	ThreadHint     *string      `json:"threadHint"`
	States         model.States `json:"states"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// historyResponse は履歴一覧のレスポンス。
type historyResponse struct {
	Messages []messageResponse `json:"messages"`
}

func toMessageResponse(msg *model.Message) messageResponse {
	return messageResponse{
		MessageID:      msg.MessageID,
		UserHash:       msg.UserHash,
		SubjectSnippet: msg.SubjectSnippet,
		ThreadHint:     msg.ThreadHint,
		States:         msg.States,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
}

// Sent は送信通知を記録する。
// POST /events/sent
func (h *EventsHandler) Sent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSentBodyBytes)

	var req sentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidRequestError())
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	msg, err := h.service.RecordSent(r.Context(), tracking.SentSignal{
		MessageID:      req.MessageID,
		UserHash:       req.UserHash,
		SubjectSnippet: req.SubjectSnippet,
		ThreadHint:     req.ThreadHint,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

// History はユーザーの追跡メッセージ一覧を返す。
// GET /events/history?u=xxx
func (h *EventsHandler) History(w http.ResponseWriter, r *http.Request) {
	userHash := r.URL.Query().Get("u")

	messages, err := h.service.History(r.Context(), userHash)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := historyResponse{Messages: make([]messageResponse, len(messages))}
	for i, msg := range messages {
		resp.Messages[i] = toMessageResponse(msg)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Delete は追跡メッセージを削除する。
// DELETE /events/{messageId}?u=xxx
func (h *EventsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	userHash := r.URL.Query().Get("u")

	if err := h.service.Delete(r.Context(), messageID, userHash); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
