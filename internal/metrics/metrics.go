package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the updater. A nil *Metrics
// records nothing.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	ConflictsTotal    prometheus.Counter
	EmitFailuresTotal prometheus.Counter
	HandleDuration    prometheus.Histogram
	PollerChecksTotal *prometheus.CounterVec
	DeadLettersTotal  prometheus.Counter
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sip_state_events_total",
				Help: "Inbound events by outcome status and disposition",
			},
			[]string{"status", "disposition"},
		),
		ConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sip_state_version_conflicts_total",
				Help: "Conditional writes lost to a concurrent writer",
			},
		),
		EmitFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sip_state_emit_failures_total",
				Help: "Outbound publish attempts that failed",
			},
		),
		HandleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sip_state_handle_duration_seconds",
				Help:    "Duration of inbound event handling",
				Buckets: prometheus.DefBuckets,
			},
		),
		PollerChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sip_state_archive_checks_total",
				Help: "Archive status lookups by result",
			},
			[]string{"result"},
		),
		DeadLettersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sip_state_dead_letters_total",
				Help: "Malformed inbound messages routed to the dead letter sink",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsTotal,
			m.ConflictsTotal,
			m.EmitFailuresTotal,
			m.HandleDuration,
			m.PollerChecksTotal,
			m.DeadLettersTotal,
		)
	}
	return m
}

func (m *Metrics) ObserveEvent(status, disposition string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(status, disposition).Inc()
	m.HandleDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

func (m *Metrics) EmitFailure() {
	if m == nil {
		return
	}
	m.EmitFailuresTotal.Inc()
}

func (m *Metrics) ArchiveCheck(result string) {
	if m == nil {
		return
	}
	m.PollerChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) DeadLetter() {
	if m == nil {
		return
	}
	m.DeadLettersTotal.Inc()
}
