package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes reconciliation counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	outcomes         *prometheus.CounterVec
	events           *prometheus.CounterVec
	fallbackProfiles prometheus.Counter
}

// NewMetrics registers the reconciler's counters with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_reconciliation_outcomes_total",
			Help: "Reconciliation passes by outcome kind.",
		}, []string{"outcome"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_auth_change_events_total",
			Help: "Auth-change events received from the gateway, by kind.",
		}, []string{"event"}),
		fallbackProfiles: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_fallback_profiles_total",
			Help: "Times a fallback profile was synthesized because the profile store was unreachable.",
		}),
	}
}

func (m *Metrics) recordOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) recordEvent(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) recordFallback() {
	if m == nil {
		return
	}
	m.fallbackProfiles.Inc()
}
