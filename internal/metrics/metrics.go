// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期エンジンやサービス層から利用する。
type MetricsCollector interface {
	RecordSync(result string, duration time.Duration)
	RecordEventsUpserted(added, updated int)
	RecordConflicts(n int)
	RecordTokenRefresh()
	RecordProviderStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncTotal      *prometheus.CounterVec
	syncLatency    prometheus.Histogram
	eventsUpserted *prometheus.CounterVec
	conflicts      prometheus.Counter
	tokenRefreshes prometheus.Counter
	providerStatus *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oryxa_sync_total",
			Help: "結果別のカレンダー同期実行数",
		}, []string{"result"}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oryxa_sync_latency_seconds",
			Help:    "カレンダー同期のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		eventsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oryxa_events_upserted_total",
			Help: "アップサートされたイベントの合計数",
		}, []string{"action"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oryxa_sync_conflicts_total",
			Help: "ローカル編集保護によりスキップされた競合の合計数",
		}),
		tokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oryxa_token_refresh_total",
			Help: "アクセストークンのリフレッシュ実行数",
		}),
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oryxa_provider_status_total",
			Help: "プロバイダーAPIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.syncTotal,
		c.syncLatency,
		c.eventsUpserted,
		c.conflicts,
		c.tokenRefreshes,
		c.providerStatus,
	)

	return c
}

// RecordSync は同期1回の結果とレイテンシを記録する。
// resultは "success"、"failure"、"reset" のいずれか。
func (c *Collector) RecordSync(result string, duration time.Duration) {
	c.syncTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		c.syncLatency.Observe(duration.Seconds())
	}
}

// RecordEventsUpserted はアップサートされたイベント数を記録する。
func (c *Collector) RecordEventsUpserted(added, updated int) {
	if added > 0 {
		c.eventsUpserted.WithLabelValues("added").Add(float64(added))
	}
	if updated > 0 {
		c.eventsUpserted.WithLabelValues("updated").Add(float64(updated))
	}
}

// RecordConflicts はスキップされた競合数を記録する。
func (c *Collector) RecordConflicts(n int) {
	if n > 0 {
		c.conflicts.Add(float64(n))
	}
}

// RecordTokenRefresh はトークンリフレッシュの実行を記録する。
func (c *Collector) RecordTokenRefresh() {
	c.tokenRefreshes.Inc()
}

// RecordProviderStatus はプロバイダーAPIのHTTPステータスコードを記録する。
func (c *Collector) RecordProviderStatus(statusCode int) {
	c.providerStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
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
