package observability

import (
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	payouts      *prometheus.CounterVec
	payoutAmount *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking reward payout events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "payouts_total",
				Help:      "Count of reward payouts segmented by payer.",
			}, []string{"payer"}),
			payoutAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "payout_amount_total",
				Help:      "Sum of reward base units paid out segmented by payer.",
			}, []string{"payer"}),
		}
		prometheus.MustRegister(eventRegistry.payouts, eventRegistry.payoutAmount)
	})
	return eventRegistry
}

// RecordPayout increments the payout counters for the supplied payer.
func (m *eventMetrics) RecordPayout(payer string, amount *uint256.Int) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(payer))
	if normalized == "" {
		normalized = "unknown"
	}
	m.payouts.WithLabelValues(normalized).Inc()
	m.payoutAmount.WithLabelValues(normalized).Add(toFloat(amount))
}
