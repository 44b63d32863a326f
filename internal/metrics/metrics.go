// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/syncman/internal/model"
)

// Collector はPrometheusメトリクスを収集する実装。
// ingest・webhook・scheduleの各パッケージが要求するインターフェースを満たす。
type Collector struct {
	syncRuns      *prometheus.CounterVec
	syncItems     *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	tasksDropped  prometheus.Counter
	webhookStatus *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncman_sync_runs_total",
			Help: "同期タスクの結果別の実行数",
		}, []string{"resource", "provider", "status"}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncman_sync_items_total",
			Help: "同期したレコードの結果別の件数",
		}, []string{"resource", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncman_sync_duration_seconds",
			Help:    "同期タスクの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncman_sync_queue_depth",
			Help: "実行待ちの同期タスク数",
		}),
		tasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncman_sync_tasks_dropped_total",
			Help: "キュー満杯で積めなかった同期タスクの合計数",
		}),
		webhookStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncman_webhook_deliveries_total",
			Help: "Webhook配信の結果別の件数",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.syncRuns,
		c.syncItems,
		c.syncDuration,
		c.queueDepth,
		c.tasksDropped,
		c.webhookStatus,
	)

	return c
}

// ObserveSyncRun は同期タスクの結果を記録する。
func (c *Collector) ObserveSyncRun(r *model.RunReport) {
	resource := r.Key.String()
	c.syncRuns.WithLabelValues(resource, r.Provider, string(r.Status)).Inc()
	if r.Created > 0 {
		c.syncItems.WithLabelValues(resource, string(model.ItemCreated)).Add(float64(r.Created))
	}
	if r.Updated > 0 {
		c.syncItems.WithLabelValues(resource, string(model.ItemUpdated)).Add(float64(r.Updated))
	}
	if r.Failed > 0 {
		c.syncItems.WithLabelValues(resource, string(model.ItemFailed)).Add(float64(r.Failed))
	}
	if !r.StartedAt.IsZero() && r.FinishedAt.After(r.StartedAt) {
		c.syncDuration.WithLabelValues(resource).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	}
}

// SetSyncQueueDepth は実行待ちの同期タスク数を記録する。
func (c *Collector) SetSyncQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// IncSyncTasksDropped はキュー満杯で積めなかったタスクを記録する。
func (c *Collector) IncSyncTasksDropped() {
	c.tasksDropped.Inc()
}

// ObserveWebhookDelivery はWebhook配信の結果を記録する。
func (c *Collector) ObserveWebhookDelivery(status string) {
	c.webhookStatus.WithLabelValues(status).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
