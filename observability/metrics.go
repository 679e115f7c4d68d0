package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// MarketMetrics tracks pool, harvester and lending activity.
type MarketMetrics struct {
	swaps      *prometheus.CounterVec
	harvests   *prometheus.CounterVec
	burned     *prometheus.CounterVec
	lending    *prometheus.CounterVec
	liquidity  *prometheus.CounterVec
	shortfall  *prometheus.CounterVec
	rejections *prometheus.CounterVec
	pMin       *prometheus.GaugeVec
	fee        *prometheus.GaugeVec
	reserves   *prometheus.GaugeVec
	supply     *prometheus.GaugeVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// HTTP returns the lazily-initialised request metrics registry.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "floorlend",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by the per-client rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// one ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle counts a rate-limited request.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

// Market returns the lazily-initialised market metrics registry.
func Market() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "amm",
				Name:      "swaps_total",
				Help:      "Settled swaps per pool and direction.",
			}, []string{"pool", "direction"}),
			harvests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "harvest",
				Name:      "runs_total",
				Help:      "Harvest calls that redeemed fee liquidity.",
			}, []string{"pool"}),
			burned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "harvest",
				Name:      "token_burned_total",
				Help:      "Collateral tokens burned by harvests, in base units.",
			}, []string{"pool"}),
			lending: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Collateral ledger operations per pool.",
			}, []string{"pool", "op"}),
			liquidity: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "lending",
				Name:      "liquidity_operations_total",
				Help:      "Liquidity pool operations.",
			}, []string{"op"}),
			shortfall: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "lending",
				Name:      "shortfall_total",
				Help:      "Debt forgiven after recoveries, in quote base units.",
			}, []string{"pool"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "floorlend",
				Subsystem: "tx",
				Name:      "rejected_total",
				Help:      "Transactions rejected by an engine, by operation and error class.",
			}, []string{"op", "reason"}),
			pMin: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "floorlend",
				Subsystem: "amm",
				Name:      "pmin_wad",
				Help:      "Current floor price per pool, WAD scaled.",
			}, []string{"pool"}),
			fee: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "floorlend",
				Subsystem: "amm",
				Name:      "fee_bps",
				Help:      "Current swap fee per pool in basis points.",
			}, []string{"pool"}),
			reserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "floorlend",
				Subsystem: "amm",
				Name:      "reserves",
				Help:      "Pool reserves in base units.",
			}, []string{"pool", "side"}),
			supply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "floorlend",
				Subsystem: "bank",
				Name:      "token_supply",
				Help:      "Total supply per token in base units.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(
			marketRegistry.swaps,
			marketRegistry.harvests,
			marketRegistry.burned,
			marketRegistry.lending,
			marketRegistry.liquidity,
			marketRegistry.shortfall,
			marketRegistry.rejections,
			marketRegistry.pMin,
			marketRegistry.fee,
			marketRegistry.reserves,
			marketRegistry.supply,
		)
	})
	return marketRegistry
}

// ObservePool refreshes the price gauges of a pool.
func (m *MarketMetrics) ObservePool(pool string, pMin *big.Int, feeBps uint64, tokenReserve, quoteReserve *big.Int) {
	if m == nil {
		return
	}
	pool = normalizeLabel(pool)
	m.pMin.WithLabelValues(pool).Set(bigToFloat(pMin))
	m.fee.WithLabelValues(pool).Set(float64(feeBps))
	m.reserves.WithLabelValues(pool, "token").Set(bigToFloat(tokenReserve))
	m.reserves.WithLabelValues(pool, "quote").Set(bigToFloat(quoteReserve))
}

// RecordRejection counts a transaction an engine refused.
func (m *MarketMetrics) RecordRejection(op, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(op), normalizeLabel(reason)).Inc()
}

// The accessors below expose individual collectors to tests and dashboards.

func (m *MarketMetrics) Swaps() *prometheus.CounterVec       { return m.swaps }
func (m *MarketMetrics) Harvests() *prometheus.CounterVec    { return m.harvests }
func (m *MarketMetrics) Lending() *prometheus.CounterVec     { return m.lending }
func (m *MarketMetrics) Liquidity() *prometheus.CounterVec   { return m.liquidity }
func (m *MarketMetrics) Shortfall() *prometheus.CounterVec   { return m.shortfall }
func (m *MarketMetrics) Rejections() *prometheus.CounterVec  { return m.rejections }
func (m *MarketMetrics) PMin() *prometheus.GaugeVec          { return m.pMin }
func (m *MarketMetrics) Reserves() *prometheus.GaugeVec      { return m.reserves }
func (m *MarketMetrics) TokenSupply() *prometheus.GaugeVec   { return m.supply }
func (m *MarketMetrics) TokenBurned() *prometheus.CounterVec { return m.burned }

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
