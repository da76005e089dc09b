// Package model はドメインモデルを定義する。
package model

import "time"

// States はメッセージの配信状態の進行記録を表す。
// 各フィールドは一度設定されると変更・削除されない（sent → delivered → read の単調増加）。
type States struct {
	SentAt      *time.Time `json:"sentAt"`
	DeliveredAt *time.Time `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt"`
}

// IsZero はいずれの状態も設定されていない場合にtrueを返す。
func (s States) IsZero() bool {
	return s.SentAt == nil && s.DeliveredAt == nil && s.ReadAt == nil
}

// LastAt は最も進んだ状態のタイムスタンプを返す。
// どの状態も未設定の場合はfallbackを返す。
func (s States) LastAt(fallback time.Time) time.Time {
	switch {
	case s.ReadAt != nil:
		return *s.ReadAt
	case s.DeliveredAt != nil:
		return *s.DeliveredAt
	case s.SentAt != nil:
		return *s.SentAt
	default:
		return fallback
	}
}

// Clone はポインタを共有しないコピーを返す。
func (s States) Clone() States {
	return States{
		SentAt:      cloneTime(s.SentAt),
		DeliveredAt: cloneTime(s.DeliveredAt),
		ReadAt:      cloneTime(s.ReadAt),
	}
}

// FillAbsent はpatchの値を、sで未設定のフィールドにのみ反映した結果を返す。
// 既に設定済みのフィールドは置き換えない。1つ以上のフィールドが埋まった場合はchanged=true。
// 新たに埋めるフィールドは sent <= delivered <= read の順序を保つよう前後の状態に合わせて補正する。
func (s States) FillAbsent(patch States) (merged States, changed bool) {
	merged = s.Clone()
	if merged.SentAt == nil && patch.SentAt != nil {
		merged.SentAt = earliest(*patch.SentAt, merged.DeliveredAt, merged.ReadAt)
		changed = true
	}
	if merged.DeliveredAt == nil && patch.DeliveredAt != nil {
		merged.DeliveredAt = latest(*patch.DeliveredAt, merged.SentAt)
		changed = true
	}
	if merged.ReadAt == nil && patch.ReadAt != nil {
		merged.ReadAt = latest(*patch.ReadAt, merged.SentAt, merged.DeliveredAt)
		changed = true
	}
	return merged, changed
}

func earliest(v time.Time, others ...*time.Time) *time.Time {
	for _, o := range others {
		if o != nil && o.Before(v) {
			v = *o
		}
	}
	return &v
}

func latest(v time.Time, others ...*time.Time) *time.Time {
	for _, o := range others {
		if o != nil && o.After(v) {
			v = *o
		}
	}
	return &v
}

// Has は指定したイベント種別に対応する状態が設定済みかを返す。
func (s States) Has(t EventType) bool {
	switch t {
	case EventSent:
		return s.SentAt != nil
	case EventDelivered:
		return s.DeliveredAt != nil
	case EventRead:
		return s.ReadAt != nil
	default:
		return false
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Metadata は送信通知に付随する説明的なメタデータ。
// 表示用の参考情報であり、同一性の判定には使用しない。
// nilフィールドは「指定なし」を意味し、既存の値を維持する。
type Metadata struct {
	SubjectSnippet *string
	ThreadHint     *string
}

// Message は追跡対象メッセージ1件の状態を表す。
// (MessageID, UserHash) の組でただ1件のレコードが存在する。
type Message struct {
	ID             string
	MessageID      string
	UserHash       string
	SubjectSnippet *string
	ThreadHint     *string
	States         States
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone はMessageのディープコピーを返す。
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.States = m.States.Clone()
	if m.SubjectSnippet != nil {
		v := *m.SubjectSnippet
		c.SubjectSnippet = &v
	}
	if m.ThreadHint != nil {
		v := *m.ThreadHint
		c.ThreadHint = &v
	}
	return &c
}
