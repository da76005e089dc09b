package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/hitoshi/oppnd/internal/model"
	"github.com/hitoshi/oppnd/internal/repository"
	"github.com/oklog/ulid/v2"
)

// シグナル種別（メトリクスとログのラベル）
const (
	SignalSent  = "sent"
	SignalPixel = "pixel"
)

const (
	// MaxIdentifierBytes は messageId / userHash の最大バイト長。
	MaxIdentifierBytes = 256
	// maxAttempts は条件付き書き込みが競合した場合の再読込・再調停の上限回数。
	maxAttempts = 3

	DefaultStoreTimeout = 5 * time.Second
	DefaultHistoryLimit = 50
)

// ErrTransient はストアの一時的な障害を表す。
// 呼び出し元には詳細を伏せた汎用エラーとして返す。
var ErrTransient = errors.New("transient store failure")

// Publisher はuserHash単位でイベントを配信するインターフェース。
type Publisher interface {
	Publish(userHash string, ev model.Event) int
}

// TextSanitizer は表示用メタデータのサニタイズを行うインターフェース。
type TextSanitizer interface {
	SanitizeText(raw string) string
}

// Recorder はシグナル処理のメトリクスを記録するインターフェース。
type Recorder interface {
	RecordSignal(kind, branch string)
	RecordSignalLatency(kind string, duration time.Duration)
	RecordStoreError(operation string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSignal(string, string)                {}
func (nopRecorder) RecordSignalLatency(string, time.Duration) {}
func (nopRecorder) RecordStoreError(string)                   {}

type passthroughSanitizer struct{}

func (passthroughSanitizer) SanitizeText(raw string) string { return raw }

// SentSignal は送信通知の入力。
type SentSignal struct {
	MessageID      string
	UserHash       string
	SubjectSnippet *string
	ThreadHint     *string
}

// PixelSignal はトラッキングピクセル取得の入力。
type PixelSignal struct {
	MessageID string
	UserHash  string
}

// PixelOutcome はピクセル取得の処理結果。
type PixelOutcome struct {
	Decision Decision
	// Message は処理後のレコード。競合が解消しなかった場合はnil。
	Message *model.Message
	// Delivered は配信できた購読ハンドル数。
	Delivered int
}

// ServiceConfig はServiceの動作設定。
type ServiceConfig struct {
	StoreTimeout time.Duration
	HistoryLimit int
	// Now は現在時刻の取得関数。テストで時刻を固定する場合に指定する。
	Now func() time.Time
}

// Service はシグナルを受け付け、調停・永続化・イベント発行を行う。
type Service struct {
	repo       repository.MessageRepository
	reconciler *Reconciler
	publisher  Publisher
	sanitizer  TextSanitizer
	recorder   Recorder
	logger     *slog.Logger
	cfg        ServiceConfig
}

// Option はServiceの任意依存を設定する。
type Option func(*Service)

// WithSanitizer はメタデータのサニタイザーを設定する。
func WithSanitizer(s TextSanitizer) Option {
	return func(svc *Service) { svc.sanitizer = s }
}

// WithRecorder はメトリクスレコーダーを設定する。
func WithRecorder(r Recorder) Option {
	return func(svc *Service) { svc.recorder = r }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// NewService はServiceを生成する。
func NewService(repo repository.MessageRepository, reconciler *Reconciler, publisher Publisher, cfg ServiceConfig, opts ...Option) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	svc := &Service{
		repo:       repo,
		reconciler: reconciler,
		publisher:  publisher,
		sanitizer:  passthroughSanitizer{},
		recorder:   nopRecorder{},
		logger:     slog.Default(),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// now は保存精度（ミリ秒）に揃えたUTCの現在時刻を返す。
func (s *Service) now() time.Time {
	return s.cfg.Now().UTC().Truncate(time.Millisecond)
}

// RecordSent は送信通知を処理する。
// 新規作成またはsentAtを埋めた場合のみsentイベントを発行し、再通知はメタデータの更新のみ行う。
func (s *Service) RecordSent(ctx context.Context, sig SentSignal) (*model.Message, error) {
	if err := validateKey(sig.MessageID, sig.UserHash); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { s.recorder.RecordSignalLatency(SignalSent, time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	now := s.now()
	meta := model.Metadata{
		SubjectSnippet: s.sanitize(sig.SubjectSnippet),
		ThreadHint:     s.sanitize(sig.ThreadHint),
	}

	res, err := s.repo.UpsertOnSent(ctx, sig.MessageID, sig.UserHash, meta, now)
	if err != nil {
		return nil, s.storeError(ctx, "upsert_on_sent", err)
	}

	d := s.reconciler.DecideSentFromUpsert(res, now)
	s.recorder.RecordSignal(SignalSent, string(d.Branch))
	if d.Emits() {
		s.publish(d.Event, res.Message, now)
	}
	return res.Message, nil
}

// RecordPixel はトラッキングピクセル取得を処理する。
// 読み込み・調停・条件付き書き込みを行い、競合で書き込めなかった場合は再読込して調停をやり直す。
func (s *Service) RecordPixel(ctx context.Context, sig PixelSignal) (*PixelOutcome, error) {
	if err := validateKey(sig.MessageID, sig.UserHash); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { s.recorder.RecordSignalLatency(SignalPixel, time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	now := s.now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := s.repo.FindByKey(ctx, sig.MessageID, sig.UserHash)
		if err != nil {
			return nil, s.storeError(ctx, "find", err)
		}

		var states *model.States
		if current != nil {
			states = &current.States
		}
		d := s.reconciler.DecidePixel(states, now)

		switch d.Branch {
		case BranchCreate:
			msg := &model.Message{
				MessageID: sig.MessageID,
				UserHash:  sig.UserHash,
				States:    d.Patch,
				CreatedAt: now,
				UpdatedAt: now,
			}
			created, ok, err := s.repo.CreateIfAbsent(ctx, msg)
			if err != nil {
				return nil, s.storeError(ctx, "create_if_absent", err)
			}
			if !ok {
				continue
			}
			return s.finishPixel(d, created, now), nil

		case BranchFill:
			updated, ok, err := s.repo.SetIfAbsent(ctx, sig.MessageID, sig.UserHash, d.Patch, d.Guard, now)
			if err != nil {
				return nil, s.storeError(ctx, "set_if_absent", err)
			}
			if !ok {
				continue
			}
			return s.finishPixel(d, updated, now), nil

		default:
			// Acknowledge と NoOp は書き込みを伴わない
			return s.finishPixel(d, current, now), nil
		}
	}

	s.logger.Warn("条件付き書き込みの競合が解消しませんでした",
		slog.String("message_id", sig.MessageID),
		slog.Int("attempts", maxAttempts),
	)
	s.recorder.RecordSignal(SignalPixel, "conflict")
	return &PixelOutcome{Decision: Decision{Branch: BranchNoOp}}, nil
}

func (s *Service) finishPixel(d Decision, msg *model.Message, now time.Time) *PixelOutcome {
	s.recorder.RecordSignal(SignalPixel, string(d.Branch))
	out := &PixelOutcome{Decision: d, Message: msg}
	if d.Emits() && msg != nil {
		out.Delivered = s.publish(d.Event, msg, now)
	}
	return out
}

// History はユーザーの追跡メッセージを更新日時の降順で返す。
func (s *Service) History(ctx context.Context, userHash string) ([]*model.Message, error) {
	if isBlank(userHash) {
		return nil, model.NewMissingParameterError("userHash")
	}
	if err := validateIdentifier("userHash", userHash); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	messages, err := s.repo.ListByUser(ctx, userHash, s.cfg.HistoryLimit)
	if err != nil {
		return nil, s.storeError(ctx, "list_by_user", err)
	}
	if messages == nil {
		messages = []*model.Message{}
	}
	return messages, nil
}

// Delete は追跡メッセージを削除する。該当レコードがない場合はMESSAGE_NOT_FOUNDを返す。
func (s *Service) Delete(ctx context.Context, messageID, userHash string) error {
	if err := validateKey(messageID, userHash); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	deleted, err := s.repo.DeleteByKey(ctx, messageID, userHash)
	if err != nil {
		return s.storeError(ctx, "delete", err)
	}
	if !deleted {
		return model.NewMessageNotFoundError(messageID)
	}
	return nil
}

func (s *Service) publish(eventType model.EventType, msg *model.Message, now time.Time) int {
	ev := model.NewEvent(ulid.Make().String(), eventType, msg, now)
	return s.publisher.Publish(msg.UserHash, ev)
}

func (s *Service) sanitize(v *string) *string {
	if v == nil {
		return nil
	}
	clean := s.sanitizer.SanitizeText(*v)
	return &clean
}

func (s *Service) storeError(ctx context.Context, op string, err error) error {
	s.recorder.RecordStoreError(op)
	s.logger.Error("ストア操作に失敗しました",
		slog.String("operation", op),
		slog.String("error", err.Error()),
		slog.Bool("deadline_exceeded", errors.Is(ctx.Err(), context.DeadlineExceeded)),
	)
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// validateKey は(messageId, userHash)の組を検証する。
func validateKey(messageID, userHash string) error {
	var missing []string
	if isBlank(messageID) {
		missing = append(missing, "messageId")
	}
	if isBlank(userHash) {
		missing = append(missing, "userHash")
	}
	if len(missing) > 0 {
		return model.NewMissingParameterError(missing...)
	}
	if err := validateIdentifier("messageId", messageID); err != nil {
		return err
	}
	return validateIdentifier("userHash", userHash)
}

func isBlank(v string) bool {
	return strings.TrimSpace(v) == ""
}

// validateIdentifier は識別子の長さと文字種を検証する。
// 識別子は不透明な文字列として扱い、形式（ハッシュ長など）は問わない。
func validateIdentifier(name, v string) error {
	if len(v) > MaxIdentifierBytes {
		return model.NewInvalidParameterError(name, fmt.Sprintf("%dバイトを超えています", MaxIdentifierBytes))
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return model.NewInvalidParameterError(name, "制御文字を含んでいます")
		}
	}
	return nil
}
