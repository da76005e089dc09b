// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MetadataSanitizer は送信通知に付随する件名スニペット等の表示用テキストから
// HTMLを除去し、購読者へのプッシュや履歴応答にマークアップが混入しないようにする。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxRunes はメタデータ1フィールドあたりの最大文字数（rune数）。
const DefaultMaxRunes = 200

// MetadataSanitizer は表示用メタデータのサニタイズ機能のインターフェースを定義する。
type MetadataSanitizer interface {
	// SanitizeText は全てのHTMLタグを除去し、制御文字を取り除いて空白を正規化したプレーンテキストを返す。
	// 結果は最大文字数で切り詰められる。同一入力に対して常に同一出力を返す。
	SanitizeText(raw string) string
}

// metadataSanitizer はMetadataSanitizerの実装。
// bluemondayのStrictPolicyは並行利用に対して安全。
type metadataSanitizer struct {
	policy   *bluemonday.Policy
	maxRunes int
}

// NewMetadataSanitizer はMetadataSanitizerの新しいインスタンスを生成する。
// maxRunesが0以下の場合はDefaultMaxRunesを使用する。
func NewMetadataSanitizer(maxRunes int) *metadataSanitizer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	return &metadataSanitizer{
		policy:   bluemonday.StrictPolicy(),
		maxRunes: maxRunes,
	}
}

// SanitizeText はHTMLを除去したプレーンテキストを返す。
func (s *metadataSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはテキストをHTMLエスケープして返すため、表示用に復元する
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) > s.maxRunes {
		text = strings.TrimSpace(string(runes[:s.maxRunes]))
	}
	return text
}
