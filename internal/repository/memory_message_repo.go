package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/oppnd/internal/model"
)

// MemoryMessageRepo はプロセス内メモリを使用したメッセージリポジトリ。
// STORE_DRIVER=memory での起動とテストに使用する。
// 全操作をミューテックスで直列化するため、各操作はアトミックに振る舞う。
type MemoryMessageRepo struct {
	mu       sync.Mutex
	messages map[string]*model.Message // messageID|userHash -> message
}

// NewMemoryMessageRepo はMemoryMessageRepoを生成する。
func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		messages: make(map[string]*model.Message),
	}
}

func memoryKey(messageID, userHash string) string {
	return messageID + "|" + userHash
}

// FindByKey はmessageIDとuserHashでメッセージを取得する。見つからない場合はnilを返す。
func (r *MemoryMessageRepo) FindByKey(ctx context.Context, messageID, userHash string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.messages[memoryKey(messageID, userHash)].Clone(), nil
}

// UpsertOnSent は送信通知をアトミックに反映する。
func (r *MemoryMessageRepo) UpsertOnSent(ctx context.Context, messageID, userHash string, meta model.Metadata, now time.Time) (*SentUpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memoryKey(messageID, userHash)
	existing, ok := r.messages[key]
	if !ok {
		msg := &model.Message{
			ID:             uuid.New().String(),
			MessageID:      messageID,
			UserHash:       userHash,
			SubjectSnippet: meta.SubjectSnippet,
			ThreadHint:     meta.ThreadHint,
			States:         model.States{SentAt: &now},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.messages[key] = msg.Clone()
		return &SentUpsertResult{Message: msg, Inserted: true, SentAtFilled: true}, nil
	}

	if meta.SubjectSnippet != nil {
		existing.SubjectSnippet = meta.SubjectSnippet
	}
	if meta.ThreadHint != nil {
		existing.ThreadHint = meta.ThreadHint
	}
	var filled bool
	existing.States, filled = existing.States.FillAbsent(model.States{SentAt: &now})
	existing.UpdatedAt = now

	return &SentUpsertResult{Message: existing.Clone(), SentAtFilled: filled}, nil
}

// CreateIfAbsent はレコードが存在しない場合のみ作成する。
func (r *MemoryMessageRepo) CreateIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memoryKey(msg.MessageID, msg.UserHash)
	if existing, ok := r.messages[key]; ok {
		return existing.Clone(), false, nil
	}

	created := msg.Clone()
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	r.messages[key] = created
	return created.Clone(), true, nil
}

// SetIfAbsent はguard状態が未設定の場合のみ、patchの未設定フィールドを埋める。
func (r *MemoryMessageRepo) SetIfAbsent(ctx context.Context, messageID, userHash string, patch model.States, guard model.EventType, now time.Time) (*model.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.messages[memoryKey(messageID, userHash)]
	if !ok {
		return nil, false, nil
	}
	if existing.States.Has(guard) {
		return existing.Clone(), false, nil
	}

	existing.States, _ = existing.States.FillAbsent(patch)
	existing.UpdatedAt = now
	return existing.Clone(), true, nil
}

// Save はstatesとメタデータをマージして永続化する。
func (r *MemoryMessageRepo) Save(ctx context.Context, msg *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	msg = msg.Clone()
	key := memoryKey(msg.MessageID, msg.UserHash)
	existing, ok := r.messages[key]
	if !ok {
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		r.messages[key] = msg
		return nil
	}

	existing.States, _ = existing.States.FillAbsent(msg.States)
	if msg.SubjectSnippet != nil {
		existing.SubjectSnippet = msg.SubjectSnippet
	}
	if msg.ThreadHint != nil {
		existing.ThreadHint = msg.ThreadHint
	}
	existing.UpdatedAt = msg.UpdatedAt
	return nil
}

// ListByUser はユーザーのメッセージをupdated_at降順で最大limit件返す。
func (r *MemoryMessageRepo) ListByUser(ctx context.Context, userHash string, limit int) ([]*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*model.Message
	for _, msg := range r.messages {
		if msg.UserHash == userHash {
			result = append(result, msg.Clone())
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].MessageID < result[j].MessageID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteByKey は指定キーのメッセージを削除する。
func (r *MemoryMessageRepo) DeleteByKey(ctx context.Context, messageID, userHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memoryKey(messageID, userHash)
	if _, ok := r.messages[key]; !ok {
		return false, nil
	}
	delete(r.messages, key)
	return true, nil
}

// PurgeUpdatedBefore はcutoffより前に更新されたメッセージを削除する。
func (r *MemoryMessageRepo) PurgeUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for key, msg := range r.messages {
		if msg.UpdatedAt.Before(cutoff) {
			delete(r.messages, key)
			deleted++
		}
	}
	return deleted, nil
}

// PingContext は常に成功する。
func (r *MemoryMessageRepo) PingContext(ctx context.Context) error {
	return ctx.Err()
}

// compile-time interface check
var (
	_ MessageRepository = (*MemoryMessageRepo)(nil)
	_ HealthChecker     = (*MemoryMessageRepo)(nil)
)
