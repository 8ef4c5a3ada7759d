// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Thread 指标
	threadsTotal   *prometheus.CounterVec
	threadDuration *prometheus.HistogramVec
	threadsRunning prometheus.Gauge

	// Node 指标
	nodeExecutionsTotal   *prometheus.CounterVec
	nodeExecutionDuration *prometheus.HistogramVec

	// Worker pool 指标
	poolSize     prometheus.Gauge
	workersBusy  prometheus.Gauge
	poolRejected prometheus.Counter
	claimsTotal  *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry 创建指标收集器，注册到指定 Registerer
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}
	factory := promauto.With(reg)

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

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// Thread 指标
	c.threadsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threads_total",
			Help:      "Total number of finished thread runs",
		},
		[]string{"outcome"}, // outcome: done, error
	)

	c.threadDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "thread_duration_seconds",
			Help:      "Thread run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"outcome"},
	)

	c.threadsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threads_running",
			Help:      "Number of thread runs in progress",
		},
	)

	// Node 指标
	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions",
		},
		[]string{"component", "outcome"},
	)

	c.nodeExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"component"},
	)

	// Worker pool 指标
	c.poolSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_size",
			Help:      "Maximum number of isolated workers",
		},
	)

	c.workersBusy = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Number of isolated workers currently leased",
		},
	)

	c.poolRejected = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_pool_rejected_total",
			Help:      "Worker requests rejected because the pool was exhausted",
		},
	)

	c.claimsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_claims_total",
			Help:      "Claim and release attempts by result",
		},
		[]string{"operation", "result"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🧵 Thread / Node 指标记录
// =============================================================================

// RecordThreadRun 记录一次 Thread 运行
func (c *Collector) RecordThreadRun(outcome string, duration time.Duration) {
	c.threadsTotal.WithLabelValues(outcome).Inc()
	c.threadDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordNodeExecution 记录一次节点执行
func (c *Collector) RecordNodeExecution(component, outcome string, duration time.Duration) {
	c.nodeExecutionsTotal.WithLabelValues(component, outcome).Inc()
	c.nodeExecutionDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// Observe 订阅事件源并记录 Thread 与节点指标。specifier 把节点 id 映射为
// 组件名，可为 nil。返回取消订阅函数。
func (c *Collector) Observe(on func(string, flow.Listener) func(), specifier func(nodeID string) string) func() {
	var (
		mu        sync.Mutex
		started   time.Time
		nodeStart = make(map[string]time.Time)
	)
	component := func(id string) string {
		if specifier == nil {
			return "unknown"
		}
		if s := specifier(id); s != "" {
			return s
		}
		return "unknown"
	}
	finishThread := func(outcome string) {
		mu.Lock()
		d := time.Since(started)
		running := !started.IsZero()
		started = time.Time{}
		mu.Unlock()
		if running {
			c.threadsRunning.Dec()
			c.RecordThreadRun(outcome, d)
		}
	}
	finishNode := func(id, outcome string) {
		mu.Lock()
		at, ok := nodeStart[id]
		delete(nodeStart, id)
		mu.Unlock()
		if ok {
			c.RecordNodeExecution(component(id), outcome, time.Since(at))
		}
	}

	offs := []func(){
		on(flow.EventStart, func(flow.Event) {
			mu.Lock()
			started = time.Now()
			mu.Unlock()
			c.threadsRunning.Inc()
		}),
		on(flow.EventDone, func(flow.Event) { finishThread("done") }),
		on(flow.EventError, func(flow.Event) { finishThread("error") }),
		on(flow.EventNodeState, func(e flow.Event) {
			if e.State == flow.StateProcessing {
				mu.Lock()
				nodeStart[e.NodeID] = time.Now()
				mu.Unlock()
			}
		}),
		on(flow.EventNodeDone, func(e flow.Event) { finishNode(e.NodeID, "done") }),
		on(flow.EventNodeError, func(e flow.Event) { finishNode(e.NodeID, "error") }),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// =============================================================================
// 🏊 Worker pool 指标记录
// =============================================================================

// SetPoolSize 记录 worker pool 容量
func (c *Collector) SetPoolSize(size int) {
	c.poolSize.Set(float64(size))
}

// SetWorkersBusy 记录当前被占用的 worker 数量
func (c *Collector) SetWorkersBusy(busy int) {
	c.workersBusy.Set(float64(busy))
}

// RecordPoolRejected 记录一次因 pool 耗尽的拒绝
func (c *Collector) RecordPoolRejected() {
	c.poolRejected.Inc()
}

// RecordClaim 记录 claim / release 结果
func (c *Collector) RecordClaim(operation, result string) {
	c.claimsTotal.WithLabelValues(operation, result).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
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
