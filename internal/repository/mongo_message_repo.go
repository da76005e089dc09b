package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/oppnd/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoMessagesCollection はメッセージを格納するコレクション名。
const mongoMessagesCollection = "messages"

// mongoStatesDoc はMongoDB上のstatesサブドキュメント。
type mongoStatesDoc struct {
	SentAt      *time.Time `bson:"sentAt,omitempty"`
	DeliveredAt *time.Time `bson:"deliveredAt,omitempty"`
	ReadAt      *time.Time `bson:"readAt,omitempty"`
}

// mongoMessageDoc はMongoDB上のメッセージドキュメント。
type mongoMessageDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	MessageID      string             `bson:"messageId"`
	UserHash       string             `bson:"userHash"`
	SubjectSnippet *string            `bson:"subjectSnippet,omitempty"`
	ThreadHint     *string            `bson:"threadHint,omitempty"`
	States         mongoStatesDoc     `bson:"states"`
	CreatedAt      time.Time          `bson:"createdAt"`
	UpdatedAt      time.Time          `bson:"updatedAt"`
}

func (d *mongoMessageDoc) toModel() *model.Message {
	return &model.Message{
		ID:             d.ID.Hex(),
		MessageID:      d.MessageID,
		UserHash:       d.UserHash,
		SubjectSnippet: d.SubjectSnippet,
		ThreadHint:     d.ThreadHint,
		States: model.States{
			SentAt:      utcPtr(d.States.SentAt),
			DeliveredAt: utcPtr(d.States.DeliveredAt),
			ReadAt:      utcPtr(d.States.ReadAt),
		},
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// MongoMessageRepo はMongoDBを使用したメッセージ状態リポジトリ。
// 更新はすべてパイプライン形式の$setと$ifNullで記述し、
// 未設定フィールドのみを埋める判定をサーバー側の1操作で完結させる。
type MongoMessageRepo struct {
	coll *mongo.Collection
}

// NewMongoMessageRepo はMongoMessageRepoを生成する。
func NewMongoMessageRepo(db *mongo.Database) *MongoMessageRepo {
	return &MongoMessageRepo{coll: db.Collection(mongoMessagesCollection)}
}

// EnsureIndexes は(messageId, userHash)のユニークインデックスと
// 履歴取得用の(userHash, updatedAt)インデックスを作成する。冪等。
func (r *MongoMessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "messageId", Value: 1}, {Key: "userHash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "userHash", Value: 1}, {Key: "updatedAt", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("インデックスの作成に失敗しました: %w", err)
	}
	return nil
}

func keyFilter(messageID, userHash string) bson.D {
	return bson.D{{Key: "messageId", Value: messageID}, {Key: "userHash", Value: userHash}}
}

// FindByKey はmessageIDとuserHashでメッセージを取得する。見つからない場合はnilを返す。
func (r *MongoMessageRepo) FindByKey(ctx context.Context, messageID, userHash string) (*model.Message, error) {
	var doc mongoMessageDoc
	err := r.coll.FindOne(ctx, keyFilter(messageID, userHash)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	return doc.toModel(), nil
}

// UpsertOnSent は送信通知をupsert付きFindOneAndUpdateで反映する。
// 更新前ドキュメントを受け取り、新規作成かどうかとsentAtを埋めたかどうかを判定する。
func (r *MongoMessageRepo) UpsertOnSent(
	ctx context.Context,
	messageID, userHash string,
	meta model.Metadata,
	now time.Time,
) (*SentUpsertResult, error) {
	set := bson.D{
		{Key: "messageId", Value: literal(messageID)},
		{Key: "userHash", Value: literal(userHash)},
		{Key: "createdAt", Value: ifNull("$createdAt", now)},
		{Key: "updatedAt", Value: now},
	}
	set = append(set, metadataSet(meta.SubjectSnippet, meta.ThreadHint)...)
	set = append(set, statesSet(model.States{SentAt: &now})...)

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before)

	var before mongoMessageDoc
	err := r.coll.FindOneAndUpdate(ctx, keyFilter(messageID, userHash), mongo.Pipeline{{{Key: "$set", Value: set}}}, opts).Decode(&before)
	inserted := errors.Is(err, mongo.ErrNoDocuments)
	if err != nil && !inserted {
		return nil, fmt.Errorf("送信通知の反映に失敗しました: %w", err)
	}

	after, err := r.FindByKey(ctx, messageID, userHash)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, fmt.Errorf("送信通知の反映後にメッセージが見つかりません: %s", messageID)
	}

	return &SentUpsertResult{
		Message:      after,
		Inserted:     inserted,
		SentAtFilled: inserted || before.States.SentAt == nil,
	}, nil
}

// CreateIfAbsent はInsertOneでレコードを作成する。
// ユニークインデックス違反の場合は既存レコードを取得してfalseを返す。
func (r *MongoMessageRepo) CreateIfAbsent(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	doc := mongoMessageDoc{
		MessageID:      msg.MessageID,
		UserHash:       msg.UserHash,
		SubjectSnippet: msg.SubjectSnippet,
		ThreadHint:     msg.ThreadHint,
		States: mongoStatesDoc{
			SentAt:      msg.States.SentAt,
			DeliveredAt: msg.States.DeliveredAt,
			ReadAt:      msg.States.ReadAt,
		},
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
	}

	res, err := r.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		existing, findErr := r.FindByKey(ctx, msg.MessageID, msg.UserHash)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("メッセージの作成に失敗しました: %w", err)
	}

	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = oid
	}
	return doc.toModel(), true, nil
}

// SetIfAbsent はguard状態が未設定のドキュメントに対してのみ、未設定の状態フィールドを埋める。
func (r *MongoMessageRepo) SetIfAbsent(
	ctx context.Context,
	messageID, userHash string,
	patch model.States,
	guard model.EventType,
	now time.Time,
) (*model.Message, bool, error) {
	guardField, ok := mongoStateFields[guard]
	if !ok {
		return nil, false, fmt.Errorf("不正なガード状態です: %q", guard)
	}

	filter := append(keyFilter(messageID, userHash), bson.E{Key: guardField, Value: nil})
	set := append(statesSet(patch), bson.E{Key: "updatedAt", Value: now})

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoMessageDoc
	err := r.coll.FindOneAndUpdate(ctx, filter, mongo.Pipeline{{{Key: "$set", Value: set}}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		existing, findErr := r.FindByKey(ctx, messageID, userHash)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("メッセージ状態の更新に失敗しました: %w", err)
	}
	return doc.toModel(), true, nil
}

// Save はstatesとメタデータをupsertする。設定済みの状態フィールドは維持される。
func (r *MongoMessageRepo) Save(ctx context.Context, msg *model.Message) error {
	updatedAt := msg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	set := bson.D{
		{Key: "messageId", Value: literal(msg.MessageID)},
		{Key: "userHash", Value: literal(msg.UserHash)},
		{Key: "createdAt", Value: ifNull("$createdAt", updatedAt)},
		{Key: "updatedAt", Value: updatedAt},
	}
	set = append(set, metadataSet(msg.SubjectSnippet, msg.ThreadHint)...)
	set = append(set, statesSet(msg.States)...)

	_, err := r.coll.UpdateOne(ctx,
		keyFilter(msg.MessageID, msg.UserHash),
		mongo.Pipeline{{{Key: "$set", Value: set}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("メッセージの保存に失敗しました: %w", err)
	}
	return nil
}

// ListByUser はユーザーのメッセージをupdatedAt降順で最大limit件返す。
func (r *MongoMessageRepo) ListByUser(ctx context.Context, userHash string, limit int) ([]*model.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "messageId", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.coll.Find(ctx, bson.D{{Key: "userHash", Value: userHash}}, opts)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}

	var docs []mongoMessageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("メッセージ一覧の読み取りに失敗しました: %w", err)
	}

	messages := make([]*model.Message, len(docs))
	for i := range docs {
		messages[i] = docs[i].toModel()
	}
	return messages, nil
}

// DeleteByKey は指定キーのメッセージを削除する。削除した場合はtrueを返す。
func (r *MongoMessageRepo) DeleteByKey(ctx context.Context, messageID, userHash string) (bool, error) {
	res, err := r.coll.DeleteOne(ctx, keyFilter(messageID, userHash))
	if err != nil {
		return false, fmt.Errorf("メッセージの削除に失敗しました: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// PurgeUpdatedBefore はcutoffより前に更新されたメッセージを削除する。
func (r *MongoMessageRepo) PurgeUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.D{{Key: "updatedAt", Value: bson.D{{Key: "$lt", Value: cutoff}}}})
	if err != nil {
		return 0, fmt.Errorf("古いメッセージの削除に失敗しました: %w", err)
	}
	return res.DeletedCount, nil
}

// mongoStateFields はイベント種別とstatesサブドキュメントのフィールドパスの対応。
var mongoStateFields = map[model.EventType]string{
	model.EventSent:      "states.sentAt",
	model.EventDelivered: "states.deliveredAt",
	model.EventRead:      "states.readAt",
}

// statesSet はpatchの非nilフィールドについて、未設定の場合のみ値を埋めるパイプライン$set要素を返す。
// 埋める値は sent <= delivered <= read の順序を保つよう$min/$maxで補正する（null・欠損は無視される）。
func statesSet(patch model.States) bson.D {
	var set bson.D
	if patch.SentAt != nil {
		set = append(set, bson.E{Key: "states.sentAt", Value: ifNull("$states.sentAt",
			bson.D{{Key: "$min", Value: bson.A{*patch.SentAt, "$states.deliveredAt", "$states.readAt"}}})})
	}
	if patch.DeliveredAt != nil {
		candidates := bson.A{*patch.DeliveredAt, "$states.sentAt"}
		if patch.SentAt != nil {
			candidates = append(candidates, ifNull("$states.sentAt", *patch.SentAt))
		}
		set = append(set, bson.E{Key: "states.deliveredAt", Value: ifNull("$states.deliveredAt",
			bson.D{{Key: "$max", Value: candidates}})})
	}
	if patch.ReadAt != nil {
		candidates := bson.A{*patch.ReadAt, "$states.deliveredAt", "$states.sentAt"}
		if patch.DeliveredAt != nil {
			candidates = append(candidates, ifNull("$states.deliveredAt", *patch.DeliveredAt))
		}
		set = append(set, bson.E{Key: "states.readAt", Value: ifNull("$states.readAt",
			bson.D{{Key: "$max", Value: candidates}})})
	}
	return set
}

// metadataSet は指定されたメタデータのみを上書きするパイプライン$set要素を返す。
func metadataSet(subject, thread *string) bson.D {
	var set bson.D
	if subject != nil {
		set = append(set, bson.E{Key: "subjectSnippet", Value: literal(*subject)})
	}
	if thread != nil {
		set = append(set, bson.E{Key: "threadHint", Value: literal(*thread)})
	}
	return set
}

func ifNull(field string, fallback any) bson.D {
	return bson.D{{Key: "$ifNull", Value: bson.A{field, fallback}}}
}

// literal は"$"で始まる文字列がフィールドパスとして解釈されないよう$literalで包む。
func literal(v string) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}

// compile-time interface check
var _ MessageRepository = (*MongoMessageRepo)(nil)
