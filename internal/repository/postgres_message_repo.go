package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/oppnd/internal/model"
)

// messageColumns はmessagesテーブルのSELECT/RETURNING対象カラム。
const messageColumns = `id, message_id, user_hash, subject_snippet, thread_hint,
	sent_at, delivered_at, read_at, created_at, updated_at`

// fillStatesSQL は状態カラムを「未設定の場合のみ」埋めるSET句。
// $3=sent_at, $4=delivered_at, $5=read_at。NULLのパラメータは既存値を維持する。
// 新たに埋める値は sent <= delivered <= read の順序を保つようLEAST/GREATESTで補正する。
const fillStatesSQL = `
	sent_at = CASE WHEN sent_at IS NOT NULL OR $3::timestamptz IS NULL THEN sent_at
		ELSE LEAST($3::timestamptz, delivered_at, read_at) END,
	delivered_at = CASE WHEN delivered_at IS NOT NULL OR $4::timestamptz IS NULL THEN delivered_at
		ELSE GREATEST($4::timestamptz, COALESCE(sent_at, $3::timestamptz)) END,
	read_at = CASE WHEN read_at IS NOT NULL OR $5::timestamptz IS NULL THEN read_at
		ELSE GREATEST($5::timestamptz, COALESCE(delivered_at, $4::timestamptz), COALESCE(sent_at, $3::timestamptz)) END`

// guardColumns はSetIfAbsentのガード条件に使用できるカラム。
var guardColumns = map[model.EventType]string{
	model.EventSent:      "sent_at",
	model.EventDelivered: "delivered_at",
	model.EventRead:      "read_at",
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresMessageRepo はPostgreSQLを使用したメッセージ状態リポジトリ。
// UNIQUE(message_id, user_hash)制約とINSERT ON CONFLICT、条件付きUPDATEで
// 読み取り・書き込みの競合をSQL 1文に閉じ込める。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// FindByKey はmessageIDとuserHashでメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByKey(ctx context.Context, messageID, userHash string) (*model.Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = $1 AND user_hash = $2`,
		messageID, userHash,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	return msg, nil
}

// UpsertOnSent は送信通知を1文のINSERT ON CONFLICTで反映する。
// 新規作成かどうかはxmax = 0で判定し、sentAtを埋めたかどうかは文実行前のスナップショット（prev）から判定する。
func (r *PostgresMessageRepo) UpsertOnSent(
	ctx context.Context,
	messageID, userHash string,
	meta model.Metadata,
	now time.Time,
) (*SentUpsertResult, error) {
	row := r.db.QueryRowContext(ctx,
		`WITH prev AS (
		     SELECT sent_at FROM messages WHERE message_id = $2 AND user_hash = $3
		 )
		 INSERT INTO messages (id, message_id, user_hash, subject_snippet, thread_hint, sent_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
		 ON CONFLICT (message_id, user_hash) DO UPDATE SET
		     subject_snippet = COALESCE(EXCLUDED.subject_snippet, messages.subject_snippet),
		     thread_hint = COALESCE(EXCLUDED.thread_hint, messages.thread_hint),
		     sent_at = COALESCE(messages.sent_at, LEAST(EXCLUDED.sent_at, messages.delivered_at, messages.read_at)),
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+messageColumns+`,
		     (xmax = 0) AS inserted,
		     NOT EXISTS (SELECT 1 FROM prev WHERE prev.sent_at IS NOT NULL) AS sent_filled`,
		uuid.New().String(), messageID, userHash,
		meta.SubjectSnippet, meta.ThreadHint, now,
	)

	result := &SentUpsertResult{}
	msg, err := scanMessage(row, &result.Inserted, &result.SentAtFilled)
	if err != nil {
		return nil, fmt.Errorf("送信通知の反映に失敗しました: %w", err)
	}
	result.Message = msg

	return result, nil
}

// CreateIfAbsent はINSERT ON CONFLICT DO NOTHINGでレコードを作成する。
// 競合した場合は既存レコードを取得してfalseを返す。
func (r *PostgresMessageRepo) CreateIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}

	row := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, message_id, user_hash, subject_snippet, thread_hint,
		     sent_at, delivered_at, read_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (message_id, user_hash) DO NOTHING
		 RETURNING `+messageColumns,
		id, msg.MessageID, msg.UserHash, msg.SubjectSnippet, msg.ThreadHint,
		msg.States.SentAt, msg.States.DeliveredAt, msg.States.ReadAt,
		msg.CreatedAt, msg.UpdatedAt,
	)

	created, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, findErr := r.FindByKey(ctx, msg.MessageID, msg.UserHash)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("メッセージの作成に失敗しました: %w", err)
	}
	return created, true, nil
}

// SetIfAbsent はguardカラムがNULLの場合のみ、状態カラムを未設定のものだけ埋める。
// 条件に一致しなかった場合は現在のレコード（存在しない場合はnil）とfalseを返す。
func (r *PostgresMessageRepo) SetIfAbsent(
	ctx context.Context,
	messageID, userHash string,
	patch model.States,
	guard model.EventType,
	now time.Time,
) (*model.Message, bool, error) {
	guardColumn, ok := guardColumns[guard]
	if !ok {
		return nil, false, fmt.Errorf("不正なガード状態です: %q", guard)
	}

	row := r.db.QueryRowContext(ctx,
		`UPDATE messages SET`+fillStatesSQL+`,
		     updated_at = $6
		 WHERE message_id = $1 AND user_hash = $2 AND `+guardColumn+` IS NULL
		 RETURNING `+messageColumns,
		messageID, userHash,
		patch.SentAt, patch.DeliveredAt, patch.ReadAt,
		now,
	)

	updated, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, findErr := r.FindByKey(ctx, messageID, userHash)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("メッセージ状態の更新に失敗しました: %w", err)
	}
	return updated, true, nil
}

// Save はstatesサブオブジェクトとメタデータをUPSERTする。
// 状態カラムは未設定のもののみ埋め、設定済みの値をクリアすることはない。
func (r *PostgresMessageRepo) Save(ctx context.Context, msg *model.Message) error {
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	updatedAt := msg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, message_id, user_hash, subject_snippet, thread_hint,
		     sent_at, delivered_at, read_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (message_id, user_hash) DO UPDATE SET
		     subject_snippet = COALESCE(EXCLUDED.subject_snippet, messages.subject_snippet),
		     thread_hint = COALESCE(EXCLUDED.thread_hint, messages.thread_hint),
		     sent_at = CASE WHEN messages.sent_at IS NOT NULL OR EXCLUDED.sent_at IS NULL THEN messages.sent_at
		         ELSE LEAST(EXCLUDED.sent_at, messages.delivered_at, messages.read_at) END,
		     delivered_at = CASE WHEN messages.delivered_at IS NOT NULL OR EXCLUDED.delivered_at IS NULL THEN messages.delivered_at
		         ELSE GREATEST(EXCLUDED.delivered_at, messages.sent_at) END,
		     read_at = CASE WHEN messages.read_at IS NOT NULL OR EXCLUDED.read_at IS NULL THEN messages.read_at
		         ELSE GREATEST(EXCLUDED.read_at, COALESCE(messages.delivered_at, EXCLUDED.delivered_at), messages.sent_at) END,
		     updated_at = EXCLUDED.updated_at`,
		id, msg.MessageID, msg.UserHash, msg.SubjectSnippet, msg.ThreadHint,
		msg.States.SentAt, msg.States.DeliveredAt, msg.States.ReadAt,
		createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("メッセージの保存に失敗しました: %w", err)
	}
	return nil
}

// ListByUser はユーザーのメッセージをupdated_at降順で最大limit件返す。
func (r *PostgresMessageRepo) ListByUser(ctx context.Context, userHash string, limit int) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE user_hash = $1
		 ORDER BY updated_at DESC, message_id
		 LIMIT $2`,
		userHash, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("メッセージ行の読み取りに失敗しました: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メッセージ一覧の走査に失敗しました: %w", err)
	}

	return messages, nil
}

// DeleteByKey は指定キーのメッセージを削除する。削除した場合はtrueを返す。
func (r *PostgresMessageRepo) DeleteByKey(ctx context.Context, messageID, userHash string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id = $1 AND user_hash = $2`,
		messageID, userHash,
	)
	if err != nil {
		return false, fmt.Errorf("メッセージの削除に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// PurgeUpdatedBefore はcutoffより前に更新されたメッセージを削除する。
func (r *PostgresMessageRepo) PurgeUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM messages WHERE updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古いメッセージの削除に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return affected, nil
}

// scanMessage は1行をmodel.Messageに読み取る。extraにはmessageColumnsの後ろに続く追加カラムの格納先を渡す。
func scanMessage(row rowScanner, extra ...any) (*model.Message, error) {
	msg := &model.Message{}
	var subject, thread sql.NullString
	var sentAt, deliveredAt, readAt sql.NullTime

	dest := []any{
		&msg.ID, &msg.MessageID, &msg.UserHash,
		&subject, &thread,
		&sentAt, &deliveredAt, &readAt,
		&msg.CreatedAt, &msg.UpdatedAt,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if subject.Valid {
		msg.SubjectSnippet = &subject.String
	}
	if thread.Valid {
		msg.ThreadHint = &thread.String
	}
	msg.States.SentAt = nullTimePtr(sentAt)
	msg.States.DeliveredAt = nullTimePtr(deliveredAt)
	msg.States.ReadAt = nullTimePtr(readAt)

	return msg, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
