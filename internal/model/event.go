package model

import "time"

// EventType は購読者に配信される状態変化イベントの種別。
type EventType string

const (
	// EventSent は送信通知を受け付けたことを表す。
	EventSent EventType = "sent"
	// EventDelivered はトラッキングピクセルの初回取得（配信）を表す。
	EventDelivered EventType = "delivered"
	// EventRead は猶予期間経過後のピクセル取得（既読）を表す。
	EventRead EventType = "read"
)

// Event はuserHash単位で購読者にプッシュされる状態変化通知。
type Event struct {
	ID             string    `json:"id,omitempty"`
	Type           EventType `json:"type"`
	MessageID      string    `json:"messageId"`
	At             time.Time `json:"at"`
	States         States    `json:"states"`
	SubjectSnippet *string   `json:"subjectSnippet,omitempty"`
	ThreadHint     *string   `json:"threadHint,omitempty"`
}

// NewEvent はメッセージの現在状態からイベントを組み立てる。
// Atには最も進んだ状態のタイムスタンプを使用し、未設定の場合はnowを使う。
func NewEvent(id string, eventType EventType, msg *Message, now time.Time) Event {
	return Event{
		ID:             id,
		Type:           eventType,
		MessageID:      msg.MessageID,
		At:             msg.States.LastAt(now),
		States:         msg.States.Clone(),
		SubjectSnippet: msg.SubjectSnippet,
		ThreadHint:     msg.ThreadHint,
	}
}
