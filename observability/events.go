package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	relayed *prometheus.CounterVec
	drops   prometheus.Counter
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking relayed contract events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "relayed_total",
				Help:      "Contract events broadcast to sessions, segmented by event kind.",
			}, []string{"kind"}),
			drops: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "session_drops_total",
				Help:      "Sessions dropped because their outbox could not accept a broadcast.",
			}),
		}
		prometheus.MustRegister(eventRegistry.relayed, eventRegistry.drops)
	})
	return eventRegistry
}

// RecordRelayed increments the relay counter for the supplied event kind.
func (m *eventMetrics) RecordRelayed(kind string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(kind)
	if normalized == "" {
		normalized = "Unknown"
	}
	m.relayed.WithLabelValues(normalized).Inc()
}

func (m *eventMetrics) RecordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}
