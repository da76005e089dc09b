// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/oppnd/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// トラッキングサービス、イベントバス、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordSignal(kind, branch string)
	RecordSignalLatency(kind string, duration time.Duration)
	RecordStoreError(operation string)
	RecordPublished(eventType model.EventType, delivered int)
	RecordDeliveryFailure()
	SetSubscribers(n int)
	RecordHTTPStatus(statusCode int)
	RecordPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signals          *prometheus.CounterVec
	signalLatency    *prometheus.HistogramVec
	storeErrors      *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsDelivered  *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	liveSubscribers  prometheus.Gauge
	httpStatus       *prometheus.CounterVec
	purged           prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oppnd_signals_total",
			Help: "受信シグナル数（種別・調停分岐別）",
		}, []string{"kind", "branch"}),
		signalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oppnd_signal_latency_seconds",
			Help:    "シグナル処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oppnd_store_errors_total",
			Help: "ストア操作の失敗数",
		}, []string{"operation"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oppnd_events_published_total",
			Help: "発行されたイベント数",
		}, []string{"type"}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oppnd_events_delivered_total",
			Help: "購読ハンドルへ配信されたイベント数",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oppnd_delivery_failures_total",
			Help: "送信バッファ溢れにより解除された購読ハンドル数",
		}),
		liveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oppnd_live_subscribers",
			Help: "接続中の購読ハンドル数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oppnd_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oppnd_retention_purged_total",
			Help: "保持期間切れで削除されたメッセージ数",
		}),
	}

	reg.MustRegister(
		c.signals,
		c.signalLatency,
		c.storeErrors,
		c.eventsPublished,
		c.eventsDelivered,
		c.deliveryFailures,
		c.liveSubscribers,
		c.httpStatus,
		c.purged,
	)

	return c
}

// RecordSignal はシグナル受信を調停分岐とともに記録する。
func (c *Collector) RecordSignal(kind, branch string) {
	c.signals.WithLabelValues(kind, branch).Inc()
}

// RecordSignalLatency はシグナル処理のレイテンシを記録する。
func (c *Collector) RecordSignalLatency(kind string, duration time.Duration) {
	c.signalLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordStoreError はストア操作の失敗を記録する。
func (c *Collector) RecordStoreError(operation string) {
	c.storeErrors.WithLabelValues(operation).Inc()
}

// RecordPublished はイベント発行と配信先の件数を記録する。
func (c *Collector) RecordPublished(eventType model.EventType, delivered int) {
	c.eventsPublished.WithLabelValues(string(eventType)).Inc()
	c.eventsDelivered.WithLabelValues(string(eventType)).Add(float64(delivered))
}

// RecordDeliveryFailure は配信失敗による購読解除を記録する。
func (c *Collector) RecordDeliveryFailure() {
	c.deliveryFailures.Inc()
}

// SetSubscribers は接続中の購読ハンドル数を設定する。
func (c *Collector) SetSubscribers(n int) {
	c.liveSubscribers.Set(float64(n))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordPurged は保持期間管理で削除したメッセージ数を記録する。
func (c *Collector) RecordPurged(count int64) {
	c.purged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集中のエラーはレスポンスを中断せず、取得できたメトリクスのみ返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
