package claim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the claim service.
type Metrics struct {
	// Registry owns the collectors; the /metrics endpoint serves it.
	Registry *prometheus.Registry

	claimsCreated *prometheus.CounterVec
	extractions   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	recognizer    *prometheus.CounterVec
}

// NewMetrics registers the collectors in a private registry, so building
// more than one service (tests) never collides.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		claimsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claims_created_total",
				Help: "Claims created, by source.",
			},
			[]string{"source"},
		),
		extractions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claims_identifier_extractions_total",
				Help: "Identifier extractions from recognized text, by winning strategy.",
			},
			[]string{"strategy"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claims_transitions_total",
				Help: "Lifecycle transitions applied.",
			},
			[]string{"event"},
		),
		rejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claims_transitions_rejected_total",
				Help: "Lifecycle transitions refused.",
			},
			[]string{"event", "from"},
		),
		recognizer: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claims_recognizer_cache_total",
				Help: "Recognized text cache lookups.",
			},
			[]string{"result"},
		),
	}
}

// IncrCreated counts a new claim.
func (m *Metrics) IncrCreated(source string) {
	m.claimsCreated.WithLabelValues(source).Inc()
}

// RegisterStrategies exposes a zero count for every extraction outcome so
// rates can be computed before the first document arrives.
func (m *Metrics) RegisterStrategies(strategies []string) {
	for _, name := range strategies {
		m.extractions.WithLabelValues(name)
	}
	m.extractions.WithLabelValues("unresolved")
}

// IncrExtraction counts one extraction; an empty strategy means unresolved.
func (m *Metrics) IncrExtraction(strategy string) {
	if strategy == "" {
		strategy = "unresolved"
	}
	m.extractions.WithLabelValues(strategy).Inc()
}

// IncrTransition counts an applied lifecycle event.
func (m *Metrics) IncrTransition(e Event) {
	m.transitions.WithLabelValues(string(e)).Inc()
}

// IncrRejected counts a refused lifecycle event.
func (m *Metrics) IncrRejected(err *TransitionError) {
	m.rejected.WithLabelValues(string(err.Event), string(err.From)).Inc()
}

// RecordRecognizerLookup counts a recognizer cache hit or miss.
func (m *Metrics) RecordRecognizerLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.recognizer.WithLabelValues(result).Inc()
}
