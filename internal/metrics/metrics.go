// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// カタログ取得結果のラベル値。
const (
	FetchResultOK          = "ok"
	FetchResultNotModified = "not_modified"
	FetchResultError       = "error"
)

// チャット応答結果のラベル値。
const (
	ChatResultOK       = "ok"
	ChatResultFallback = "fallback"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordCatalogFetch(kind, result string)
	RecordCatalogFetchLatency(duration time.Duration)
	RecordCatalogEntries(kind string, count int)
	RecordHTTPStatus(statusCode int)
	RecordCartUpdate(totalItems int)
	RecordCartPersistError(op string)
	RecordChatReply(result string)
	RecordChatLatency(duration time.Duration)
	RecordAuthEvent(event string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	catalogFetch   *prometheus.CounterVec
	catalogLatency prometheus.Histogram
	catalogEntries *prometheus.GaugeVec
	httpStatus     *prometheus.CounterVec
	cartUpdates    prometheus.Counter
	cartItems      prometheus.Histogram
	cartPersistErr *prometheus.CounterVec
	chatReplies    *prometheus.CounterVec
	chatLatency    prometheus.Histogram
	authEvents     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		catalogFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_catalog_fetch_total",
			Help: "カタログフィード取得の結果別合計数",
		}, []string{"kind", "result"}),
		catalogLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storefront_catalog_fetch_latency_seconds",
			Help:    "カタログフィード取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		catalogEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storefront_catalog_entries",
			Help: "種類別のキャッシュ済みカタログエントリ数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_upstream_http_status_total",
			Help: "外部フィード取得時のHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		cartUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_cart_updates_total",
			Help: "カート変更操作の合計数",
		}),
		cartItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storefront_cart_total_items",
			Help:    "変更後のカート内商品数の分布",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		cartPersistErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_cart_persist_errors_total",
			Help: "カート保存・読み込み失敗の合計数",
		}, []string{"op"}),
		chatReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_chat_replies_total",
			Help: "チャット応答の結果別合計数",
		}, []string{"result"}),
		chatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storefront_chat_latency_seconds",
			Help:    "AIチャット応答のレイテンシ（秒）",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_events_total",
			Help: "サインイン・サインアウト等の認証イベント数",
		}, []string{"event"}),
	}

	reg.MustRegister(
		c.catalogFetch,
		c.catalogLatency,
		c.catalogEntries,
		c.httpStatus,
		c.cartUpdates,
		c.cartItems,
		c.cartPersistErr,
		c.chatReplies,
		c.chatLatency,
		c.authEvents,
	)

	return c
}

// RecordCatalogFetch はカタログ取得結果を記録する。
func (c *Collector) RecordCatalogFetch(kind, result string) {
	c.catalogFetch.WithLabelValues(kind, result).Inc()
}

// RecordCatalogFetchLatency はカタログ取得のレイテンシを記録する。
func (c *Collector) RecordCatalogFetchLatency(duration time.Duration) {
	c.catalogLatency.Observe(duration.Seconds())
}

// RecordCatalogEntries はキャッシュ済みエントリ数を記録する。
func (c *Collector) RecordCatalogEntries(kind string, count int) {
	c.catalogEntries.WithLabelValues(kind).Set(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCartUpdate はカート変更と変更後の商品数を記録する。
func (c *Collector) RecordCartUpdate(totalItems int) {
	c.cartUpdates.Inc()
	c.cartItems.Observe(float64(totalItems))
}

// RecordCartPersistError はカート永続化の失敗を記録する。opは "read" または "write"。
func (c *Collector) RecordCartPersistError(op string) {
	c.cartPersistErr.WithLabelValues(op).Inc()
}

// RecordChatReply はチャット応答の結果を記録する。
func (c *Collector) RecordChatReply(result string) {
	c.chatReplies.WithLabelValues(result).Inc()
}

// RecordChatLatency はチャット応答のレイテンシを記録する。
func (c *Collector) RecordChatLatency(duration time.Duration) {
	c.chatLatency.Observe(duration.Seconds())
}

// RecordAuthEvent は認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
