package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, tracking, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMissingParameter = "MISSING_PARAMETER"
	ErrCodeInvalidParameter = "INVALID_PARAMETER"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeMessageNotFound  = "MESSAGE_NOT_FOUND"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewMissingParameterError は必須パラメータ欠落エラーを生成する。
func NewMissingParameterError(names ...string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingParameter,
		Message:  fmt.Sprintf("必須パラメータが指定されていません: %v", names),
		Category: "validation",
		Action:   "messageId と userHash を指定してください。",
	}
}

// NewInvalidParameterError は不正なパラメータ値のエラーを生成する。
func NewInvalidParameterError(name, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("パラメータ %s が不正です: %s", name, reason),
		Category: "validation",
		Action:   "識別子は256バイト以内の制御文字を含まない文字列で指定してください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewMessageNotFoundError は追跡メッセージ未検出エラーを生成する。
func NewMessageNotFoundError(messageID string) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", messageID),
		Category: "tracking",
		Action:   "messageId と userHash の組み合わせを確認してください。",
	}
}

// NewStoreUnavailableError はストアの一時的な障害を表すエラーを生成する。
// 詳細はログのみに記録し、呼び出し元には再試行を促す。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "一時的にデータストアへアクセスできません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
