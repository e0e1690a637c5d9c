package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lendbridge"

var (
	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics

	sessionMetricsOnce sync.Once
	sessionRegistry    *sessionMetrics
)

// BridgeMetrics wraps collectors tracking transaction submission and the
// health of the node connection.
type BridgeMetrics struct {
	submissions  *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	confirmation *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
	reconnects   *prometheus.CounterVec
	subDrops     *prometheus.CounterVec
	pending      prometheus.Gauge
	resolutions  *prometheus.CounterVec
}

// Bridge returns the lazily-initialised transaction metrics registry.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "submitted_total",
				Help:      "Signed transactions accepted by the node, segmented by operation.",
			}, []string{"op"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "outcomes_total",
				Help:      "Write request outcomes segmented by operation and error kind.",
			}, []string{"op", "kind"}),
			confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "confirmation_seconds",
				Help:      "Time from broadcast to receipt.",
				Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
			}, []string{"op"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "queue_depth",
				Help:      "Write requests waiting for the submission worker.",
			}),
			reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chain",
				Name:      "reconnects_total",
				Help:      "Node reconnect attempts segmented by result.",
			}, []string{"result"}),
			subDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chain",
				Name:      "subscription_drops_total",
				Help:      "Log subscriptions lost and re-established, segmented by watch.",
			}, []string{"watch"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "pending",
				Help:      "Transactions awaiting out-of-band reconciliation.",
			}),
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "resolutions_total",
				Help:      "Reconciled transactions segmented by final status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			bridgeRegistry.submissions,
			bridgeRegistry.outcomes,
			bridgeRegistry.confirmation,
			bridgeRegistry.queueDepth,
			bridgeRegistry.reconnects,
			bridgeRegistry.subDrops,
			bridgeRegistry.pending,
			bridgeRegistry.resolutions,
		)
	})
	return bridgeRegistry
}

func (m *BridgeMetrics) RecordSubmission(op string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(op)).Inc()
}

// RecordOutcome counts a finished write request. kind is "success" or one of
// the orchestration error kinds.
func (m *BridgeMetrics) RecordOutcome(op, kind string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(label(op), label(kind)).Inc()
}

func (m *BridgeMetrics) ObserveConfirmation(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmation.WithLabelValues(label(op)).Observe(d.Seconds())
}

func (m *BridgeMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *BridgeMetrics) RecordReconnect(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(label(result)).Inc()
}

func (m *BridgeMetrics) RecordSubscriptionDrop(watch string) {
	if m == nil {
		return
	}
	m.subDrops.WithLabelValues(label(watch)).Inc()
}

func (m *BridgeMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *BridgeMetrics) RecordResolution(status string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(label(status)).Inc()
}

type sessionMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	active    prometheus.Gauge
}

// Sessions returns the lazily-initialised registry recording websocket
// session activity.
func Sessions() *sessionMetrics {
	sessionMetricsOnce.Do(func() {
		sessionRegistry = &sessionMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "requests_total",
				Help:      "Session requests segmented by event name and outcome.",
			}, []string{"event", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for session request handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"event"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "throttles_total",
				Help:      "Session requests rejected by throttling policies.",
			}, []string{"reason"}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Currently connected websocket sessions.",
			}),
		}
		prometheus.MustRegister(
			sessionRegistry.requests,
			sessionRegistry.latency,
			sessionRegistry.throttles,
			sessionRegistry.active,
		)
	})
	return sessionRegistry
}

// Observe records a handled session request. outcome is "success" or the
// error kind that was sent back.
func (m *sessionMetrics) Observe(event, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	event = label(event)
	m.requests.WithLabelValues(event, label(outcome)).Inc()
	m.latency.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *sessionMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

func (m *sessionMetrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
