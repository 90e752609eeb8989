// Package metrics exposes Prometheus instrumentation for the receipt pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "receipt_ledger"

// Outcome labels for ReceiptsProcessed.
const (
	OutcomeDone         = "done"
	OutcomeAwaitingUser = "awaiting_user"
	OutcomeFailed       = "failed"
	OutcomeUnknownStore = "unknown_store"
	OutcomeParseFailure = "parse_failure"
)

// Resolution sources for LinesResolved.
const (
	SourceAuto = "auto"
	SourceUser = "user"
)

// Metrics holds the pipeline's collectors.
type Metrics struct {
	ReceiptsProcessed  *prometheus.CounterVec
	LinesParsed        *prometheus.CounterVec
	LinesResolved      *prometheus.CounterVec
	Exports            prometheus.Counter
	ExtractionDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReceiptsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_processed_total",
			Help:      "Receipts submitted, by processing outcome.",
		}, []string{"outcome"}),
		LinesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_parsed_total",
			Help:      "Receipt lines parsed, by store.",
		}, []string{"store"}),
		LinesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_resolved_total",
			Help:      "Receipt lines attached to a category mapping, by source.",
		}, []string{"source"}),
		Exports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Ledger exports produced.",
		}),
		ExtractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Time spent transcribing receipt images.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}),
	}

	reg.MustRegister(m.ReceiptsProcessed, m.LinesParsed, m.LinesResolved, m.Exports, m.ExtractionDuration)
	return m
}

// ObserveExtraction records how long an extraction took.
func (m *Metrics) ObserveExtraction(started time.Time) {
	m.ExtractionDuration.Observe(time.Since(started).Seconds())
}
