// Package metrics 收集 HTTP 与重建流水线的 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector 指标收集器，nil 接收者上的方法均为空操作
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	stageDuration *prometheus.HistogramVec
	failuresTotal *prometheus.CounterVec
	queueWait     prometheus.Histogram
	inFlight      prometheus.Gauge
	meshVertices  prometheus.Histogram

	logger *zap.Logger
}

// NewCollector 创建指标收集器，使用独立的 registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method", "path"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each pipeline stage in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	c.failuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Total number of failed requests by error kind",
		},
		[]string{"kind"},
	)

	c.queueWait = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_queue_wait_seconds",
			Help:      "Time spent waiting for the reconstruction device",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	c.inFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconstructions_in_flight",
			Help:      "Number of reconstructions holding the device",
		},
	)

	c.meshVertices = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mesh_vertices",
			Help:      "Vertex count of exported meshes",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
		},
	)

	return c
}

// Handler /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

// Registry 供测试读取
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordStage 记录流水线阶段耗时
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordFailure 按错误类别计数
func (c *Collector) RecordFailure(kind string) {
	if c == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	c.failuresTotal.WithLabelValues(kind).Inc()
}

// RecordQueueWait 记录等待设备的时间
func (c *Collector) RecordQueueWait(d time.Duration) {
	if c == nil {
		return
	}
	c.queueWait.Observe(d.Seconds())
}

// DeviceAcquired / DeviceReleased 维护占用设备的数量
func (c *Collector) DeviceAcquired() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

func (c *Collector) DeviceReleased() {
	if c == nil {
		return
	}
	c.inFlight.Dec()
}

// RecordMesh 记录导出网格的顶点数
func (c *Collector) RecordMesh(vertices int) {
	if c == nil {
		return
	}
	c.meshVertices.Observe(float64(vertices))
}
