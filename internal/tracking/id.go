package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HashUserIdentifier はユーザー識別子（メールアドレス等）からuserHashを導出する。
// 前後の空白を除去し小文字化したうえでSHA-256の16進表現を返す。
func HashUserIdentifier(identifier string) string {
	normalized := strings.ToLower(strings.TrimSpace(identifier))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

var (
	stampMu   sync.Mutex
	lastStamp int64
)

// NewMessageID はピクセルURLに埋め込むmessageIdを生成する。
// seedを英数字の小文字のみに正規化し、base36のミリ秒タイムスタンプを連結する。
// seedが空の場合はランダムなUUIDを使用する。
// タイムスタンプはプロセス内で単調増加させるため、同一seedでも値は重複しない。
func NewMessageID(seed string) string {
	if strings.TrimSpace(seed) == "" {
		seed = uuid.New().String()
	}

	var b strings.Builder
	for _, r := range strings.ToLower(seed) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	b.WriteString(strconv.FormatInt(nextStamp(time.Now()), 36))
	return b.String()
}

func nextStamp(now time.Time) int64 {
	stampMu.Lock()
	defer stampMu.Unlock()

	stamp := now.UnixMilli()
	if stamp <= lastStamp {
		stamp = lastStamp + 1
	}
	lastStamp = stamp
	return stamp
}
