package observability

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vaultlend"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics

	producerMetricsOnce sync.Once
	producerRegistry    *ProducerMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LendingMetrics tracks the lending engine's command outcomes and market state.
type LendingMetrics struct {
	commands      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	events        *prometheus.CounterVec
	borrowIndex   *prometheus.GaugeVec
	utilisation   *prometheus.GaugeVec
	totalDebt     *prometheus.GaugeVec
	accrualFailed *prometheus.CounterVec
	deferred      prometheus.Gauge
	markets       prometheus.Gauge
}

// Lending returns the singleton metrics registry for the lending engine.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			commands: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "commands_total",
				Help:      "Count of lending commands segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "command_duration_seconds",
				Help:      "Latency distribution for lending commands.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "events_total",
				Help:      "Count of committed lending events segmented by type.",
			}, []string{"type"}),
			borrowIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "borrow_index",
				Help:      "Borrow index per market expressed as a multiple of the genesis index.",
			}, []string{"market"}),
			utilisation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "utilisation_ratio",
				Help:      "Utilisation per market observed at the last accrual (0-1).",
			}, []string{"market"}),
			totalDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "total_debt",
				Help:      "Outstanding debt including interest per market in minor units.",
			}, []string{"market"}),
			accrualFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "accrual_failures_total",
				Help:      "Count of block-hook accruals that failed and were deferred.",
			}, []string{"market"}),
			deferred: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "accrual_deferred_markets",
				Help:      "Markets left for the next block by the last accrual sweep.",
			}),
			markets: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lending",
				Name:      "markets",
				Help:      "Number of registered lending markets.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.commands,
			lendingRegistry.latency,
			lendingRegistry.events,
			lendingRegistry.borrowIndex,
			lendingRegistry.utilisation,
			lendingRegistry.totalDebt,
			lendingRegistry.accrualFailed,
			lendingRegistry.deferred,
			lendingRegistry.markets,
		)
	})
	return lendingRegistry
}

// ObserveCommand records a command outcome and its latency.
func (m *LendingMetrics) ObserveCommand(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.commands.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *LendingMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// RecordMarket publishes the ray-scaled index and utilisation and the total
// debt of a market.
func (m *LendingMetrics) RecordMarket(market uint64, index, utilisation, debt *big.Int) {
	if m == nil {
		return
	}
	label := strconv.FormatUint(market, 10)
	m.borrowIndex.WithLabelValues(label).Set(rayToFloat(index))
	m.utilisation.WithLabelValues(label).Set(rayToFloat(utilisation))
	m.totalDebt.WithLabelValues(label).Set(bigToFloat(debt))
}

func (m *LendingMetrics) RecordAccrualFailure(market uint64) {
	if m == nil {
		return
	}
	m.accrualFailed.WithLabelValues(strconv.FormatUint(market, 10)).Inc()
}

func (m *LendingMetrics) SetDeferred(count int) {
	if m == nil {
		return
	}
	m.deferred.Set(float64(count))
}

func (m *LendingMetrics) SetMarkets(count uint64) {
	if m == nil {
		return
	}
	m.markets.Set(float64(count))
}

// ProducerMetrics wraps collectors tracking the block producer.
type ProducerMetrics struct {
	height   prometheus.Gauge
	interval prometheus.Histogram
	commits  *prometheus.CounterVec
}

// Producer exposes the metrics registry for the lendingd block producer.
func Producer() *ProducerMetrics {
	producerMetricsOnce.Do(func() {
		producerRegistry = &ProducerMetrics{
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "block_height",
				Help:      "Height of the most recently produced block.",
			}),
			interval: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "block_duration_seconds",
				Help:      "Time spent committing state and running the block hook.",
				Buckets:   prometheus.DefBuckets,
			}),
			commits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "commits_total",
				Help:      "Count of state commits segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			producerRegistry.height,
			producerRegistry.interval,
			producerRegistry.commits,
		)
	})
	return producerRegistry
}

// RecordBlock records a produced block and how long producing it took.
func (m *ProducerMetrics) RecordBlock(height uint64, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else {
		m.height.Set(float64(height))
	}
	m.commits.WithLabelValues(outcome).Inc()
	m.interval.Observe(took.Seconds())
}

var rayFloat = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil))

func rayToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(value), rayFloat).Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
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
