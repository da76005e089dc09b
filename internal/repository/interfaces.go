// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/oppnd/internal/model"
)

// SentUpsertResult はUpsertOnSentの結果を表す。
type SentUpsertResult struct {
	Message *model.Message
	// Inserted はこの操作でレコードが新規作成された場合にtrue。
	Inserted bool
	// SentAtFilled はこの操作でsentAtが設定された場合にtrue（新規作成を含む）。
	SentAtFilled bool
}

// MessageRepository は追跡メッセージ状態の永続化インターフェース。
// すべての操作は (messageID, userHash) の複合キーで行い、
// 状態タイムスタンプは未設定のフィールドのみを埋める（一度設定した値は上書き・削除しない）。
type MessageRepository interface {
	// FindByKey はmessageIDとuserHashでメッセージを取得する。見つからない場合はnilを返す。
	FindByKey(ctx context.Context, messageID, userHash string) (*model.Message, error)

	// UpsertOnSent は送信通知を1回のアトミック操作で反映する。
	// レコードが存在しない場合はsentAt=nowで作成し、存在する場合はメタデータを更新して
	// sentAtが未設定のときのみnowを設定する。
	UpsertOnSent(ctx context.Context, messageID, userHash string, meta model.Metadata, now time.Time) (*SentUpsertResult, error)

	// CreateIfAbsent はレコードが存在しない場合のみ作成する。
	// 既に存在した場合は既存レコードとfalseを返す。
	CreateIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error)

	// SetIfAbsent はpatchの各フィールドを、現在未設定の場合のみ設定する条件付き更新。
	// guardで指定した状態のフィールドが既に設定されている場合は何も更新せずfalseを返す。
	// レコードが存在しない場合もfalseを返す（返却するメッセージはnil）。
	SetIfAbsent(ctx context.Context, messageID, userHash string, patch model.States, guard model.EventType, now time.Time) (*model.Message, bool, error)

	// Save はstatesサブオブジェクト全体とメタデータを永続化する。
	// 既に設定済みの状態フィールドはマージされ、クリアされることはない。
	Save(ctx context.Context, msg *model.Message) error

	// ListByUser はユーザーのメッセージをupdated_at降順で最大limit件返す。
	ListByUser(ctx context.Context, userHash string, limit int) ([]*model.Message, error)

	// DeleteByKey は指定キーのメッセージを削除する。削除した場合はtrueを返す。
	DeleteByKey(ctx context.Context, messageID, userHash string) (bool, error)

	// PurgeUpdatedBefore はcutoffより前に更新されたメッセージを削除し、削除件数を返す。
	// 保持期間管理（管理操作）専用。
	PurgeUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// HealthChecker はストアの疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}
