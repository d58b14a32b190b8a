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
	// RequestsTotal HTTP 请求总数
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadscan_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration HTTP 请求耗时
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roadscan_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// DetectionsTotal 检测写入结果，result 为 accepted/rejected/dropped/buffered
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadscan_detections_total",
			Help: "Detections handled by the ingest path, by class and result",
		},
		[]string{"class", "result"},
	)

	// PositionsTotal 位置采样写入结果
	PositionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadscan_positions_total",
			Help: "Position samples handled by the ingest path, by result",
		},
		[]string{"result"},
	)

	// RidesActive 进行中的 ride 数
	RidesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roadscan_rides_active",
			Help: "Number of ongoing rides",
		},
	)

	// LivePublishTotal 实时状态发布次数
	LivePublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roadscan_live_publish_total",
			Help: "Live status publishes, by publisher and status",
		},
		[]string{"publisher", "status"},
	)

	// LivePublishDuration 构建并发布一次实时状态的耗时
	LivePublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roadscan_live_publish_duration_seconds",
			Help:    "Time to build and publish one live status snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// PrometheusMiddleware 收集 HTTP 请求指标
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		RequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler /metrics 端点
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// TrackDetection 记录一次检测写入结果
func TrackDetection(class, result string) {
	DetectionsTotal.WithLabelValues(class, result).Inc()
}

// TrackPublish 记录一次实时状态发布
func TrackPublish(publisher string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LivePublishTotal.WithLabelValues(publisher, status).Inc()
}
