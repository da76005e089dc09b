package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	PixelRate       rate.Limit    // ピクセル取得のレート（req/sec）。120/60 = 2 req/sec
	PixelBurst      int           // ピクセル取得のバーストサイズ
	GeneralRate     rate.Limit    // それ以外のAPIのレート（req/sec）。600/60 = 10 req/sec
	GeneralBurst    int           // それ以外のAPIのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// ピクセル 120 req/min/client、それ以外 600 req/min/client。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteRateLimiterConfig(120, 600)
}

// PerMinuteRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を生成する。
// バーストサイズは1分あたりのリクエスト数と同じにする。
func PerMinuteRateLimiterConfig(pixelPerMin, generalPerMin int) RateLimiterConfig {
	if pixelPerMin <= 0 {
		pixelPerMin = 120
	}
	if generalPerMin <= 0 {
		generalPerMin = 600
	}
	return RateLimiterConfig{
		PixelRate:       rate.Limit(float64(pixelPerMin) / 60.0),
		PixelBurst:      pixelPerMin,
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は同一設定のクライアント別リミッター群。
type limiterSet struct {
	mu       sync.RWMutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*clientLimiter),
		rate:     r,
		burst:    burst,
	}
}

// getOrCreate はクライアントのリミッターを取得または作成する。
func (s *limiterSet) getOrCreate(key string) *rate.Limiter {
	s.mu.RLock()
	cl, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		cl.lastAccess = time.Now()
		s.mu.Unlock()
		return cl.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if cl, exists := s.limiters[key]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(s.rate, s.burst)
	s.limiters[key] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (s *limiterSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

func (s *limiterSet) evictBefore(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cl := range s.limiters {
		if cl.lastAccess.Before(cutoff) {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// ピクセル取得とそれ以外のAPIの2種類を独立に提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	pixel   *limiterSet
	general *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		pixel:   newLimiterSet(config.PixelRate, config.PixelBurst),
		general: newLimiterSet(config.GeneralRate, config.GeneralBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// PixelMiddleware はピクセル取得のレート制限ミドルウェアを返す。
// 制限超過時はonLimitedに処理を委ねる。onLimitedがnilの場合は429を返す。
// 画像として埋め込まれるため、通常はシグナルを記録せずに画像だけを返すハンドラーを渡す。
func (rl *RateLimiter) PixelMiddleware(onLimited http.Handler) func(next http.Handler) http.Handler {
	return rl.middleware(rl.pixel, "pixel", onLimited)
}

// GeneralMiddleware はピクセル以外のAPIのレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general", nil)
}

func (rl *RateLimiter) middleware(set *limiterSet, limitType string, onLimited http.Handler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			if !set.getOrCreate(key).Allow() {
				slog.Warn("rate limit exceeded",
					slog.String("client", key),
					slog.String("limit_type", limitType),
				)
				if onLimited != nil {
					onLimited.ServeHTTP(w, r)
					return
				}
				writeRateLimitResponse(w, set.rate)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PixelLimiterCount は現在管理されているピクセル用リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) PixelLimiterCount() int {
	return rl.pixel.count()
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.count()
}

// clientKey はリクエスト元のクライアントIPを返す。
// プロキシ配下ではRealIPミドルウェアの後に配置することでX-Forwarded-Forの値が使われる。
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.config.CleanupInterval * 2)
	rl.pixel.evictBefore(cutoff)
	rl.general.evictBefore(cutoff)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
