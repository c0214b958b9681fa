package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics groups the collectors exported by escrowd.
type EscrowMetrics struct {
	deposits      *prometheus.CounterVec
	confirmations prometheus.Counter
	settlements   *prometheus.CounterVec
	withdrawals   *prometheus.CounterVec
	instances     *prometheus.GaugeVec
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	keeperRefunds prometheus.Counter
	throttles     *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised metrics registered with the default
// Prometheus registerer.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = NewEscrowMetrics(prometheus.DefaultRegisterer)
	})
	return escrowRegistry
}

// NewEscrowMetrics builds the collectors and registers them with reg.
func NewEscrowMetrics(reg prometheus.Registerer) *EscrowMetrics {
	m := &EscrowMetrics{
		deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumescrow",
			Name:      "deposits_total",
			Help:      "Count of accepted deposits segmented by asset class (native or token).",
		}, []string{"asset"}),
		confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumescrow",
			Name:      "confirmations_total",
			Help:      "Count of participant confirmations.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumescrow",
			Name:      "settlements_total",
			Help:      "Count of instances reaching a terminal phase segmented by outcome.",
		}, []string{"outcome"}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumescrow",
			Name:      "withdrawals_total",
			Help:      "Count of withdrawal attempts segmented by result.",
		}, []string{"result"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quorumescrow",
			Name:      "instances",
			Help:      "Number of escrow instances in each phase.",
		}, []string{"phase"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumescrow",
			Name:      "http_requests_total",
			Help:      "HTTP requests segmented by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quorumescrow",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution for HTTP handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		keeperRefunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumescrow",
			Name:      "keeper_refunds_total",
			Help:      "Instances force-refunded by the deadline keeper.",
		}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumescrow",
			Name:      "throttles_total",
			Help:      "Requests rejected by rate limiting segmented by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.deposits,
			m.confirmations,
			m.settlements,
			m.withdrawals,
			m.instances,
			m.requests,
			m.latency,
			m.keeperRefunds,
			m.throttles,
		)
	}
	return m
}

// ObserveRequest records the outcome of an HTTP request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *EscrowMetrics) ObserveRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *EscrowMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// RecordKeeperRefund counts an instance refunded by the keeper.
func (m *EscrowMetrics) RecordKeeperRefund() {
	if m == nil {
		return
	}
	m.keeperRefunds.Inc()
}

// RecordWithdrawal counts a withdrawal attempt.
func (m *EscrowMetrics) RecordWithdrawal(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.withdrawals.WithLabelValues(result).Inc()
}

// SetPhaseCounts overwrites the instance gauge, typically after loading
// persisted instances.
func (m *EscrowMetrics) SetPhaseCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for phase, n := range counts {
		m.instances.WithLabelValues(phase).Set(float64(n))
	}
}
