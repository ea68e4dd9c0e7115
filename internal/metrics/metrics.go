// Package metrics は一括登録ジョブとHTTPのPrometheusメトリクスを提供します。
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulk_jobs_total",
			Help: "終了状態に到達した一括登録ジョブ数",
		},
		[]string{"type", "status"},
	)

	rowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulk_rows_total",
			Help: "処理した行数（outcome: success / failed）",
		},
		[]string{"type", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulk_job_duration_seconds",
			Help:    "ジョブの処理時間（秒）",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulk_http_requests_total",
			Help: "HTTPリクエスト数",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulk_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// JobFinished はジョブが終了状態になったときに呼び出します。
func JobFinished(jobType, status string, elapsed time.Duration) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
	if elapsed > 0 {
		jobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
	}
}

// RowProcessed は1行の処理結果を記録します。
func RowProcessed(jobType string, success bool) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	rowsTotal.WithLabelValues(jobType, outcome).Inc()
}

// Middleware はルート定義のパス（:id などを含む）をラベルにして計測します。
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler は GET /metrics のハンドラーを返します。
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
