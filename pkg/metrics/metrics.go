// Package metrics 提供 Prometheus helper，包含常用 counter/gauge/histogram 模板
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/quantumbridge/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 数据库查询计数
	DBQueriesTotal prometheus.Counter
	// 数据库查询耗时
	DBQueryDuration prometheus.Histogram

	// 跨链转账计数
	TransfersTotal prometheus.Counter
	// 进行中的转账数
	TransfersActive prometheus.Gauge
	// 已完成转账计数
	TransfersCompleted prometheus.Counter
	// 失败转账计数（含退款失败）
	TransfersFailed prometheus.Counter
	// 链上调用重试计数
	ChainRetriesTotal prometheus.Counter

	// 风险升级计数
	RiskEscalationsTotal prometheus.Counter
	// 人工审核队列深度
	ReviewQueueDepth prometheus.Gauge

	// 活跃量子密钥数
	QuantumKeysActive prometheus.Gauge
	// 密钥轮换计数
	KeyRotationsTotal prometheus.Counter

	// 限流拒绝计数
	RateLimitRejectionsTotal prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		DBQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "db_queries_total",
			Help:      "Total database queries",
		}),
		DBQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		TransfersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "transfers_total",
			Help:      "Total bridge transfers submitted",
		}),
		TransfersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "transfers_active",
			Help:      "Number of transfers currently in flight",
		}),
		TransfersCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "transfers_completed_total",
			Help:      "Total transfers completed",
		}),
		TransfersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "transfers_failed_total",
			Help:      "Total transfers failed or stuck",
		}),
		ChainRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "chain_retries_total",
			Help:      "Total chain adapter call retries",
		}),

		RiskEscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "risk_escalations_total",
			Help:      "Total transfers escalated to manual review",
		}),
		ReviewQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "review_queue_depth",
			Help:      "Number of pending manual review entries",
		}),

		QuantumKeysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "quantum_keys_active",
			Help:      "Number of active quantum keys",
		}),
		KeyRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "key_rotations_total",
			Help:      "Total quantum key rotations",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: serviceName,
			Name:      "rate_limit_rejections_total",
			Help:      "Total requests rejected by the rate limiter",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	metrics := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBQueriesTotal,
		m.DBQueryDuration,
		m.TransfersTotal,
		m.TransfersActive,
		m.TransfersCompleted,
		m.TransfersFailed,
		m.ChainRetriesTotal,
		m.RiskEscalationsTotal,
		m.ReviewQueueDepth,
		m.QuantumKeysActive,
		m.KeyRotationsTotal,
		m.RateLimitRejectionsTotal,
	}

	for _, metric := range metrics {
		if err := prometheus.DefaultRegisterer.Register(metric); err != nil {
			logger.Error(context.Background(), "failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "metrics registered")
	return nil
}

// Handler 返回 Prometheus 指标处理器，挂载到主 HTTP 路由
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartHTTPServer 启动独立的 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "starting prometheus http server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error(context.Background(), "prometheus http server stopped", "error", err)
		}
	}()

	return nil
}
