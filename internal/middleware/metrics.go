// Copyright (c) 2025 wangke <464829928@qq.com>
//
// This software is released under the AGPL-3.0 license.
// For more details, see the LICENSE file in the root directory.

package middleware

import (
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "edgegate"

// GatewayMetrics 网关运行指标。
// 同一组事件既写入 Prometheus 采集器（/metrics），也累加到原子计数器（/api/metrics 快照）。
type GatewayMetrics struct {
	// 请求计数
	totalRequests  atomic.Int64
	clientErrors   atomic.Int64 // 4xx
	serverErrors   atomic.Int64 // 5xx
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	rateLimited    atomic.Int64
	failedOpen     atomic.Int64
	upstreamErrors atomic.Int64

	startTime time.Time

	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	cacheEvents      *prometheus.CounterVec
	rateLimitRejects *prometheus.CounterVec
	rateLimitOpen    *prometheus.CounterVec
	upstreamFailures *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

// NewGatewayMetrics 创建指标实例，采集器注册在私有 registry 上，测试之间互不影响
func NewGatewayMetrics() *GatewayMetrics {
	m := &GatewayMetrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of requests handled by the gateway.",
		}, []string{"route", "status"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"route", "result"}),
		rateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"limiter"}),
		rateLimitOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Requests allowed without counting because the cache store failed.",
		}, []string{"limiter"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "upstream",
			Name:      "failures_total",
			Help:      "Upstream transport errors and 5xx responses by service.",
		}, []string{"service"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "upstream",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of upstream dispatches.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 11), // 5ms ~ 5s
		}, []string{"service"}),
	}

	m.registry.MustRegister(
		m.requests,
		m.cacheEvents,
		m.rateLimitRejects,
		m.rateLimitOpen,
		m.upstreamFailures,
		m.dispatchDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler 返回 Prometheus 指标的 HTTP 处理器
func (m *GatewayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回私有 registry
func (m *GatewayMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest 记录一次已完成的请求
func (m *GatewayMetrics) RecordRequest(route string, status int) {
	m.totalRequests.Add(1)
	switch {
	case status >= 500:
		m.serverErrors.Add(1)
	case status >= 400:
		m.clientErrors.Add(1)
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// CacheHit 记录响应缓存命中
func (m *GatewayMetrics) CacheHit(route string) {
	m.cacheHits.Add(1)
	m.cacheEvents.WithLabelValues(route, "hit").Inc()
}

// CacheMiss 记录响应缓存未命中
func (m *GatewayMetrics) CacheMiss(route string) {
	m.cacheMisses.Add(1)
	m.cacheEvents.WithLabelValues(route, "miss").Inc()
}

// RateLimited 记录一次限流拒绝
func (m *GatewayMetrics) RateLimited(limiter string) {
	m.rateLimited.Add(1)
	m.rateLimitRejects.WithLabelValues(limiter).Inc()
}

// FailedOpen 记录一次因存储故障而未计数的放行
func (m *GatewayMetrics) FailedOpen(limiter string) {
	m.failedOpen.Add(1)
	m.rateLimitOpen.WithLabelValues(limiter).Inc()
}

// UpstreamFailure 记录一次上游失败
func (m *GatewayMetrics) UpstreamFailure(service string) {
	m.upstreamErrors.Add(1)
	m.upstreamFailures.WithLabelValues(service).Inc()
}

// ObserveDispatch 记录一次上游转发耗时
func (m *GatewayMetrics) ObserveDispatch(service string, d time.Duration) {
	m.dispatchDuration.WithLabelValues(service).Observe(d.Seconds())
}

// MetricsSnapshot 指标快照
type MetricsSnapshot struct {
	TotalRequests    int64   `json:"total"`
	ClientErrors     int64   `json:"clientErrors"`
	ServerErrors     int64   `json:"serverErrors"`
	CacheHits        int64   `json:"cacheHits"`
	CacheMisses      int64   `json:"cacheMisses"`
	CacheHitRate     float64 `json:"cacheHitRate"`
	RateLimited      int64   `json:"rateLimited"`
	RateLimitOpen    int64   `json:"rateLimitFailedOpen"`
	UpstreamFailures int64   `json:"upstreamFailures"`
	UptimeSeconds    int64   `json:"uptimeSeconds"`
	Goroutines       int     `json:"goroutines"`
}

// Snapshot 获取指标快照
func (m *GatewayMetrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		TotalRequests:    m.totalRequests.Load(),
		ClientErrors:     m.clientErrors.Load(),
		ServerErrors:     m.serverErrors.Load(),
		CacheHits:        m.cacheHits.Load(),
		CacheMisses:      m.cacheMisses.Load(),
		RateLimited:      m.rateLimited.Load(),
		RateLimitOpen:    m.failedOpen.Load(),
		UpstreamFailures: m.upstreamErrors.Load(),
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		Goroutines:       runtime.NumGoroutine(),
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups) * 100
	}
	return s
}

// LogMetrics 记录指标到日志
func (s MetricsSnapshot) LogMetrics() {
	slog.Info("网关运行指标",
		"总请求数", s.TotalRequests,
		"4xx", s.ClientErrors,
		"5xx", s.ServerErrors,
		"缓存命中率", s.CacheHitRate,
		"限流拒绝", s.RateLimited,
		"限流放行(存储故障)", s.RateLimitOpen,
		"上游失败", s.UpstreamFailures,
		"运行时长", time.Duration(s.UptimeSeconds)*time.Second,
	)
}
