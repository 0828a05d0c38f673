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
// ポーラー・ポスター・サービス層から利用する。
type MetricsCollector interface {
	RecordArticlesIngested(count int)
	RecordPollFailure(feedURL string)
	RecordTeaserGenerated()
	RecordTeaserGenerationFailure()
	RecordPublishSuccess()
	RecordPublishFailure(permanent bool)
	RecordPublishHTTPStatus(statusCode int)
	RecordPublishLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	articlesIngested prometheus.Counter
	pollFail         prometheus.Counter
	teaserGenerated  prometheus.Counter
	teaserGenFail    prometheus.Counter
	publishSuccess   prometheus.Counter
	publishFail      *prometheus.CounterVec
	publishStatus    *prometheus.CounterVec
	publishLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		articlesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedipost_articles_ingested_total",
			Help: "フィードから取り込まれた新規記事の合計数",
		}),
		pollFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedipost_poll_fail_total",
			Help: "フィードポーリング失敗の合計数",
		}),
		teaserGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedipost_teaser_generated_total",
			Help: "ティーザー生成成功の合計数",
		}),
		teaserGenFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedipost_teaser_generation_fail_total",
			Help: "ティーザー生成失敗の合計数",
		}),
		publishSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedipost_publish_success_total",
			Help: "Mastodon投稿成功の合計数",
		}),
		publishFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedipost_publish_fail_total",
			Help: "Mastodon投稿失敗の合計数（一時的/恒久的）",
		}, []string{"kind"}),
		publishStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedipost_publish_http_status_total",
			Help: "Mastodon APIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedipost_publish_latency_seconds",
			Help:    "Mastodon投稿のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.articlesIngested,
		c.pollFail,
		c.teaserGenerated,
		c.teaserGenFail,
		c.publishSuccess,
		c.publishFail,
		c.publishStatus,
		c.publishLatency,
	)

	return c
}

// RecordArticlesIngested は取り込まれた新規記事数を記録する。
func (c *Collector) RecordArticlesIngested(count int) {
	c.articlesIngested.Add(float64(count))
}

// RecordPollFailure はフィードポーリング失敗を記録する。
func (c *Collector) RecordPollFailure(feedURL string) {
	c.pollFail.Inc()
}

// RecordTeaserGenerated はティーザー生成成功を記録する。
func (c *Collector) RecordTeaserGenerated() {
	c.teaserGenerated.Inc()
}

// RecordTeaserGenerationFailure はティーザー生成失敗を記録する。
func (c *Collector) RecordTeaserGenerationFailure() {
	c.teaserGenFail.Inc()
}

// RecordPublishSuccess は投稿成功を記録する。
func (c *Collector) RecordPublishSuccess() {
	c.publishSuccess.Inc()
}

// RecordPublishFailure は投稿失敗を記録する。
func (c *Collector) RecordPublishFailure(permanent bool) {
	kind := "transient"
	if permanent {
		kind = "permanent"
	}
	c.publishFail.WithLabelValues(kind).Inc()
}

// RecordPublishHTTPStatus はMastodon APIのHTTPステータスコードを記録する。
func (c *Collector) RecordPublishHTTPStatus(statusCode int) {
	c.publishStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordPublishLatency は投稿のレイテンシを記録する。
func (c *Collector) RecordPublishLatency(duration time.Duration) {
	c.publishLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
