package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SearchRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_search_requests_total",
		Help: "Total number of directory search requests",
	})
	SearchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geodir_search_duration_ms",
		Help:    "Directory search duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
	SearchShortCircuitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_search_short_circuit_total",
		Help: "Total searches answered empty without a store round trip",
	})
	FleetRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_fleet_requests_total",
		Help: "Total number of fleet match requests",
	})
	FleetDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geodir_fleet_duration_ms",
		Help:    "Fleet match duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
	FleetCandidatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_fleet_candidates_total",
		Help: "Total vehicle candidates loaded before filtering",
	})
	TileRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_tile_requests_total",
		Help: "Total number of map tile requests",
	})
	TileEmptyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_tile_empty_total",
		Help: "Total tile requests answered with a zero-length buffer",
	})
	BoundaryRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_boundary_requests_total",
		Help: "Total number of boundary requests",
	})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_cache_hits_total",
		Help: "Total reference/artifact cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_cache_misses_total",
		Help: "Total reference/artifact cache misses",
	})
	RedisHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_redis_hits_total",
		Help: "Total redis artifact cache hits",
	})
	RedisMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_redis_misses_total",
		Help: "Total redis artifact cache misses",
	})
	StoreFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geodir_store_failures_total",
		Help: "Total store adapter failures surfaced to callers",
	})
)

func init() {
	prometheus.MustRegister(SearchRequestsTotal)
	prometheus.MustRegister(SearchDurationMs)
	prometheus.MustRegister(SearchShortCircuitTotal)
	prometheus.MustRegister(FleetRequestsTotal)
	prometheus.MustRegister(FleetDurationMs)
	prometheus.MustRegister(FleetCandidatesTotal)
	prometheus.MustRegister(TileRequestsTotal)
	prometheus.MustRegister(TileEmptyTotal)
	prometheus.MustRegister(BoundaryRequestsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(RedisHitsTotal)
	prometheus.MustRegister(RedisMissesTotal)
	prometheus.MustRegister(StoreFailuresTotal)
}

// 文档注释：注册缓存槽位数观测
// 背景：各组件缓存规模由 GaugeFunc 按组件名拉取，主入口装配时注册一次。
func RegisterCacheEntries(component string, fn func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "geodir_cache_entries",
		Help:        "Current number of unexpired cache slots per component",
		ConstLabels: prometheus.Labels{"component": component},
	}, func() float64 { return float64(fn()) }))
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在主入口挂载。
func Handler() http.Handler { return promhttp.Handler() }
