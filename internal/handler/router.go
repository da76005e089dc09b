package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/oppnd/internal/middleware"
)

// TrackingService はハンドラーが必要とする追跡サービスのインターフェース。
type TrackingService interface {
	PixelRecorder
	EventsServiceInterface
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	// TrustProxy がtrueの場合、X-Forwarded-For / X-Real-IP をクライアントアドレスとして扱う
	TrustProxy  bool
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	// メトリクス
	Metrics        middleware.StatusRecorder
	MetricsHandler http.Handler

	// 追跡
	Tracking   TrackingService
	Subscriber Subscriber
	Health     HealthChecker
	Stream     StreamConfig
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RealIP(TrustProxy時) → Logging → Metrics → SecurityHeaders → CORS
//
// ピクセル取得とそれ以外のAPIは別々のレート制限を適用する。
// ピクセルのレート制限超過時は記録を行わずに画像のみを返す。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stream := deps.Stream
	if stream.AllowedOrigin == "" {
		stream.AllowedOrigin = deps.CORSAllowedOrigin
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	healthHandler := NewHealthHandler(deps.Health)
	pixelHandler := NewPixelHandler(deps.Tracking, logger)
	eventsHandler := NewEventsHandler(deps.Tracking)
	sseHandler := NewSSEHandler(deps.Subscriber, stream, logger)
	wsHandler := NewWSHandler(deps.Subscriber, stream, logger)

	// --- レート制限対象外 ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- トラッキングピクセル ---
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.PixelMiddleware(http.HandlerFunc(WritePixel)))
		}
		r.Get("/t/pixel", pixelHandler.Pixel)
	})

	// --- API・ライブ配信 ---
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Route("/events", func(r chi.Router) {
			r.Post("/sent", eventsHandler.Sent)
			r.Get("/history", eventsHandler.History)
			r.Delete("/{messageId}", eventsHandler.Delete)
		})

		r.Get("/sse", sseHandler.Stream)
		r.Get("/ws", wsHandler.Stream)
	})

	return r
}
