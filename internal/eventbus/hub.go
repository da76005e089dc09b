// Package eventbus はuserHash単位のプロセス内Publish/Subscribeを提供する。
// 接続中の購読者にのみベストエフォートで配信し、イベントの永続化や再送は行わない。
package eventbus

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hitoshi/oppnd/internal/model"
)

// DefaultBufferSize は購読ハンドルごとの送信バッファのデフォルト長。
const DefaultBufferSize = 16

// ErrHubClosed はClose後のSubscribe呼び出しで返される。
var ErrHubClosed = errors.New("eventbus: hub is closed")

// Recorder は配信状況のメトリクスを記録するインターフェース。
type Recorder interface {
	RecordPublished(eventType model.EventType, delivered int)
	RecordDeliveryFailure()
	SetSubscribers(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordPublished(model.EventType, int) {}
func (nopRecorder) RecordDeliveryFailure()               {}
func (nopRecorder) SetSubscribers(int)                   {}

// Options はHubの生成オプション。
type Options struct {
	// BufferSize は購読ハンドルごとの送信バッファ長。0以下の場合はDefaultBufferSize。
	BufferSize int
	Recorder   Recorder
	Logger     *slog.Logger
}

// Subscription は1つのライブ接続に対応する購読ハンドル。
// 購読解除後はDone()がクローズされる。Events()のチャネルはクローズされない。
type Subscription struct {
	id       string
	userHash string
	events   chan model.Event
	done     chan struct{}
	once     sync.Once
	hub      *Hub
}

// ID は購読ハンドルの識別子を返す。
func (s *Subscription) ID() string { return s.id }

// UserHash は購読対象のuserHashを返す。
func (s *Subscription) UserHash() string { return s.userHash }

// Events は配信されたイベントを受け取るチャネルを返す。
func (s *Subscription) Events() <-chan model.Event { return s.events }

// Done は購読が解除されたときにクローズされるチャネルを返す。
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close は購読を解除する。複数回呼び出しても安全。
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// Hub はuserHashごとの購読ハンドル集合を管理する。
// 購読ハンドルが0になったuserHashのエントリは即座に削除する。
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	total      int
	closed     bool
	bufferSize int
	recorder   Recorder
	logger     *slog.Logger
}

// NewHub はHubを生成する。
func NewHub(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: opts.BufferSize,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
	}
}

// Subscribe はuserHashに対する購読ハンドルを登録する。
func (h *Hub) Subscribe(userHash string) (*Subscription, error) {
	sub := &Subscription{
		id:       uuid.New().String(),
		userHash: userHash,
		events:   make(chan model.Event, h.bufferSize),
		done:     make(chan struct{}),
		hub:      h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	set, ok := h.subs[userHash]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[userHash] = set
	}
	set[sub] = struct{}{}
	h.total++
	total := h.total
	h.mu.Unlock()

	h.recorder.SetSubscribers(total)
	return sub, nil
}

// Unsubscribe は購読ハンドルを解除する。解除済みのハンドルに対しては何もしない。
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	total := h.total
	h.mu.Unlock()

	if removed {
		h.recorder.SetSubscribers(total)
	}
	sub.once.Do(func() { close(sub.done) })
}

func (h *Hub) removeLocked(sub *Subscription) bool {
	set, ok := h.subs[sub.userHash]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.userHash)
	}
	h.total--
	return true
}

// Publish はuserHashの全購読ハンドルにイベントを配信し、配信できた件数を返す。
// 購読者が0件の場合は何もしない。
// 送信バッファが溢れたハンドルは配信失敗として購読を解除する。他のハンドルへの配信は継続する。
func (h *Hub) Publish(userHash string, ev model.Event) int {
	var delivered int
	var failed []*Subscription

	h.mu.RLock()
	for sub := range h.subs[userHash] {
		select {
		case sub.events <- ev:
			delivered++
		default:
			failed = append(failed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range failed {
		h.recorder.RecordDeliveryFailure()
		h.logger.Warn("購読者への配信に失敗したため購読を解除します",
			slog.String("subscription_id", sub.id),
			slog.String("event_type", string(ev.Type)),
			slog.String("message_id", ev.MessageID),
		)
		h.Unsubscribe(sub)
	}

	h.recorder.RecordPublished(ev.Type, delivered)
	return delivered
}

// SubscriberCount はuserHashの購読ハンドル数を返す。
func (h *Hub) SubscriberCount(userHash string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userHash])
}

// UserCount は購読ハンドルを1つ以上持つuserHashの数を返す。
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close は全購読ハンドルを解除し、以降のSubscribeを拒否する。
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.total = 0
	h.mu.Unlock()

	h.recorder.SetSubscribers(0)
	for _, sub := range all {
		sub.once.Do(func() { close(sub.done) })
	}
}
