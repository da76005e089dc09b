package handler

import (
	"time"

	"github.com/hitoshi/oppnd/internal/eventbus"
)

// DefaultKeepaliveInterval はライブ接続のキープアライブ送信間隔のデフォルト値。
const DefaultKeepaliveInterval = 20 * time.Second

// Subscriber はuserHash単位の購読ハンドルを発行するインターフェース。
type Subscriber interface {
	Subscribe(userHash string) (*eventbus.Subscription, error)
}

// StreamConfig はSSE / WebSocket配信の設定。
type StreamConfig struct {
	KeepaliveInterval time.Duration
	// AllowedOrigin はWebSocketで受け付けるOriginヘッダー。"*"または空の場合は全て許可する。
	AllowedOrigin string
}

func (c StreamConfig) keepalive() time.Duration {
	if c.KeepaliveInterval <= 0 {
		return DefaultKeepaliveInterval
	}
	return c.KeepaliveInterval
}
