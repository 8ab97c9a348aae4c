package observability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stake_gateway"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	tokenMetricsOnce sync.Once
	tokenRegistry    *TokenMetrics

	upstreamMetricsOnce sync.Once
	upstreamRegistry    *UpstreamMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// handler activity grouped by module.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
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

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
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
// reason.
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

// LedgerMetrics captures staking ledger activity.
type LedgerMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	rate           prometheus.Gauge
	totalPrincipal prometheus.Gauge
}

// Ledger returns the singleton metrics registry for the staking ledger.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of ledger mutations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger mutations including persistence.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			rate: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "reward_rate_per_second",
				Help:      "Current reward emission rate in base units per second.",
			}),
			totalPrincipal: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "total_principal",
				Help:      "Sum of staked principal in base units.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.rate,
			ledgerRegistry.totalPrincipal,
		)
	})
	return ledgerRegistry
}

// Observe records the latency and outcome of a ledger operation.
func (m *LedgerMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetRate publishes the active emission rate.
func (m *LedgerMetrics) SetRate(rate *uint256.Int) {
	if m == nil {
		return
	}
	m.rate.Set(toFloat(rate))
}

// SetTotalPrincipal publishes the staked total.
func (m *LedgerMetrics) SetTotalPrincipal(total *uint256.Int) {
	if m == nil {
		return
	}
	m.totalPrincipal.Set(toFloat(total))
}

// TokenMetrics tracks single-use token consumption across nonces, nullifiers
// and payment references.
type TokenMetrics struct {
	issued   *prometheus.CounterVec
	consumed *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

// Tokens returns the singleton single-use token registry.
func Tokens() *TokenMetrics {
	tokenMetricsOnce.Do(func() {
		tokenRegistry = &TokenMetrics{
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "issued_total",
				Help:      "Count of single-use tokens issued segmented by kind.",
			}, []string{"kind"}),
			consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "consumed_total",
				Help:      "Count of single-use tokens consumed segmented by kind.",
			}, []string{"kind"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tokens",
				Name:      "rejected_total",
				Help:      "Count of rejected token presentations segmented by kind and reason.",
			}, []string{"kind", "reason"}),
		}
		prometheus.MustRegister(tokenRegistry.issued, tokenRegistry.consumed, tokenRegistry.rejected)
	})
	return tokenRegistry
}

// RecordIssued increments the issued counter for kind.
func (m *TokenMetrics) RecordIssued(kind string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(labelKind(kind)).Inc()
}

// RecordConsumed increments the consumed counter for kind.
func (m *TokenMetrics) RecordConsumed(kind string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(labelKind(kind)).Inc()
}

// RecordRejected increments the rejection counter. Reasons should be stable
// snake_case codes.
func (m *TokenMetrics) RecordRejected(kind, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.rejected.WithLabelValues(labelKind(kind), reason).Inc()
}

// UpstreamMetrics captures calls to external oracles and gateways.
type UpstreamMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	retries *prometheus.CounterVec
}

// Upstream returns the singleton registry for boundary calls.
func Upstream() *UpstreamMetrics {
	upstreamMetricsOnce.Do(func() {
		upstreamRegistry = &UpstreamMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "calls_total",
				Help:      "Count of upstream calls segmented by target and outcome.",
			}, []string{"target", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for upstream calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"target"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "retries_total",
				Help:      "Count of upstream calls retried after a timeout.",
			}, []string{"target"}),
		}
		prometheus.MustRegister(upstreamRegistry.calls, upstreamRegistry.latency, upstreamRegistry.retries)
	})
	return upstreamRegistry
}

// Observe records a single upstream attempt.
func (m *UpstreamMetrics) Observe(target string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case isTimeout(err):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	target = labelKind(target)
	m.calls.WithLabelValues(target, outcome).Inc()
	m.latency.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordRetry increments the retry counter for target.
func (m *UpstreamMetrics) RecordRetry(target string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(labelKind(target)).Inc()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func labelKind(kind string) string {
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func toFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	return value.Float64()
}
