package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_requests_total",
		Help: "Total number of API requests by route",
	}, []string{"route"})
	RequestDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geocascade_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geocascade_sessions_active",
		Help: "Number of live selection sessions",
	})
	LevelReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_level_reloads_total",
		Help: "Level option reloads by level and result",
	}, []string{"level", "result"})
	StaleResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_stale_responses_total",
		Help: "Asynchronous responses discarded because their generation was superseded",
	}, []string{"kind"})
	AggregateRecomputeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocascade_aggregate_recompute_total",
		Help: "Total aggregate recomputations",
	})
	OverlayOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_overlay_ops_total",
		Help: "Overlay operations applied to the map surface by op",
	}, []string{"op"})
	ExtentFitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_extent_fits_total",
		Help: "Extent fit attempts by result",
	}, []string{"result"})
	DisplayRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_display_requests_total",
		Help: "Visual display requests by result",
	}, []string{"result"})
	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_provider_requests_total",
		Help: "Provider calls by provider, op and result",
	}, []string{"provider", "op", "result"})
	ProviderDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geocascade_provider_duration_ms",
		Help:    "Provider call duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 3000},
	}, []string{"provider", "op"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_cache_hits_total",
		Help: "Provider cache hits by tier",
	}, []string{"tier"})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geocascade_cache_misses_total",
		Help: "Provider cache misses on every tier",
	})
	ProviderHeartbeatTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_provider_heartbeat_total",
		Help: "Provider heartbeat count by status",
	}, []string{"provider", "status"})
	IngestRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geocascade_ingest_rows_total",
		Help: "Rows written by the importer by table",
	}, []string{"table"})
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDurationMs)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(LevelReloadsTotal)
	prometheus.MustRegister(StaleResponsesTotal)
	prometheus.MustRegister(AggregateRecomputeTotal)
	prometheus.MustRegister(OverlayOpsTotal)
	prometheus.MustRegister(ExtentFitsTotal)
	prometheus.MustRegister(DisplayRequestsTotal)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderDurationMs)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(ProviderHeartbeatTotal)
	prometheus.MustRegister(IngestRowsTotal)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在主入口挂载。
func Handler() http.Handler { return promhttp.Handler() }
