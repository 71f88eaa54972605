package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncJobsTotal 按终态统计的同步任务数。
	SyncJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partsync_sync_jobs_total",
		Help: "Number of sync jobs that reached a terminal status.",
	}, []string{"status"})

	// SyncJobsActive 当前处于 running / paused 的同步任务数。
	SyncJobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "partsync_sync_jobs_active",
		Help: "Sync jobs currently running or paused.",
	})

	// SyncJobsCapacity 可同时执行的同步任务上限。
	SyncJobsCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "partsync_sync_jobs_capacity",
		Help: "Maximum number of concurrently executing sync jobs.",
	})

	// SyncItemsTotal 按结果统计的已处理商品数。
	SyncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partsync_sync_items_total",
		Help: "Products processed by sync jobs, by outcome.",
	}, []string{"outcome"})

	// SyncDuplicatePreventedTotal 被去重拦截的同步请求数。
	SyncDuplicatePreventedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partsync_sync_duplicate_prevented_total",
		Help: "Sync requests rejected as duplicates of a recent request.",
	})

	// JobQueueDepth 等待 worker 的同步任务数。
	JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "partsync_job_queue_depth",
		Help: "Sync jobs waiting for a free worker.",
	})

	// ScraperRequestDuration 抓取服务调用耗时。
	ScraperRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partsync_scraper_request_duration_seconds",
		Help:    "Latency of scraper service calls.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"supplier"})

	// ScraperErrorsTotal 按错误类型统计的抓取失败数。
	ScraperErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partsync_scraper_errors_total",
		Help: "Scraper call failures by supplier and kind.",
	}, []string{"supplier", "kind"})

	// CatalogRequestsTotal 店铺目录 API 调用数。
	CatalogRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partsync_catalog_requests_total",
		Help: "Storefront catalog update calls by result.",
	}, []string{"result"})

	// RateLimitWaitDuration 等待限流令牌的耗时。
	RateLimitWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partsync_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token.",
		Buckets: prometheus.DefBuckets,
	}, []string{"limiter"})

	// RateLimitTimeoutTotal 等待限流令牌超时次数。
	RateLimitTimeoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partsync_ratelimit_timeout_total",
		Help: "Rate limit waits aborted by context cancellation.",
	}, []string{"limiter"})

	// RateLimitBypassTotal Redis 不可用时放行的请求数。
	RateLimitBypassTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partsync_ratelimit_bypass_total",
		Help: "Token requests allowed without a token because Redis was unavailable.",
	}, []string{"limiter"})
)

// InitMetrics 初始化指标的初始值与标签组合。
//
// 参数:
//
//	maxJobs: 可同时执行的同步任务上限
func InitMetrics(maxJobs int) {
	SyncJobsCapacity.Set(float64(maxJobs))
	for _, status := range []string{"completed", "failed", "cancelled"} {
		SyncJobsTotal.WithLabelValues(status)
	}
	for _, outcome := range []string{"success", "failure", "skip"} {
		SyncItemsTotal.WithLabelValues(outcome)
	}
}
