// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 路由指标
	routeAttemptsTotal *prometheus.CounterVec
	routeDuration      *prometheus.HistogramVec
	fallbackDepth      *prometheus.HistogramVec
	chainExhausted     *prometheus.CounterVec

	// 对话指标
	dialogueRequestsTotal *prometheus.CounterVec
	staleResultsTotal     *prometheus.CounterVec
	sessionsActive        prometheus.Gauge

	// 历史存储指标
	historyQueryDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到全局默认 Registry。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建指标收集器并注册到指定 Registry（测试用独立 Registry）。
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
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
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 路由指标
	c.routeAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_attempts_total",
			Help:      "Total number of model attempts during routing",
		},
		[]string{"model", "outcome"},
	)

	c.routeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_duration_seconds",
			Help:      "End-to-end routing duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"task_type"},
	)

	c.fallbackDepth = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_fallback_depth",
			Help:      "Position on the fallback chain of the model that answered (0 = preferred)",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"task_type"},
	)

	c.chainExhausted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_chain_exhausted_total",
			Help:      "Total number of routes where every model on the chain failed",
		},
		[]string{"task_type"},
	)

	// 对话指标
	c.dialogueRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_requests_total",
			Help:      "Total number of dialogue operations",
		},
		[]string{"operation", "status"},
	)

	c.staleResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_stale_results_total",
			Help:      "Total number of discarded late results",
		},
		[]string{"reason"},
	)

	c.sessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dialogue_sessions_active",
			Help:      "Number of active dialogue sessions",
		},
	)

	// 历史存储指标
	c.historyQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_query_duration_seconds",
			Help:      "History store query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🧭 路由指标记录
// =============================================================================

// RecordRouteAttempt 记录一次模型尝试
func (c *Collector) RecordRouteAttempt(model, outcome string) {
	c.routeAttemptsTotal.WithLabelValues(model, outcome).Inc()
}

// RecordRoute 记录一次完整路由
func (c *Collector) RecordRoute(taskType string, duration time.Duration, fallbackDepth int) {
	c.routeDuration.WithLabelValues(taskType).Observe(duration.Seconds())
	c.fallbackDepth.WithLabelValues(taskType).Observe(float64(fallbackDepth))
}

// RecordChainExhausted 记录一次降级链耗尽
func (c *Collector) RecordChainExhausted(taskType string) {
	c.chainExhausted.WithLabelValues(taskType).Inc()
}

// =============================================================================
// 🎭 对话指标记录
// =============================================================================

// RecordDialogueRequest 记录一次对话操作
func (c *Collector) RecordDialogueRequest(operation, status string) {
	c.dialogueRequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordStaleResult 记录一次过期结果的丢弃
func (c *Collector) RecordStaleResult(reason string) {
	c.staleResultsTotal.WithLabelValues(reason).Inc()
}

// SetSessionsActive 记录活跃会话数
func (c *Collector) SetSessionsActive(n int) {
	c.sessionsActive.Set(float64(n))
}

// =============================================================================
// 🗄️ 历史存储指标记录
// =============================================================================

// RecordHistoryQuery 记录历史存储查询
func (c *Collector) RecordHistoryQuery(operation string, duration time.Duration) {
	c.historyQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
