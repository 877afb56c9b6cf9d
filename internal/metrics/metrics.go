// Package metrics defines the Prometheus instruments for the pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lexledger"

// Metrics groups every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EvidenceIngested  *prometheus.CounterVec
	Pointers          *prometheus.CounterVec
	ExtractionCalls   *prometheus.CounterVec
	ExtractionLatency prometheus.Histogram
	Conflicts         *prometheus.CounterVec
	GraphBuilds       *prometheus.CounterVec
	Answers           *prometheus.CounterVec
	LegacyEvaluations prometheus.Counter
	Jobs              *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
}

// New registers the instruments on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EvidenceIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evidence",
			Name:      "ingested_total",
			Help:      "Evidence submissions by result",
		}, []string{"result"}),
		Pointers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "pointers_total",
			Help:      "Extracted pointers by match quality",
		}, []string{"match_quality"}),
		ExtractionCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "calls_total",
			Help:      "Extraction service calls by result",
		}, []string{"result"}),
		ExtractionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "call_duration_seconds",
			Help:      "Extraction service call latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "resolutions_total",
			Help:      "Conflict resolutions by outcome",
		}, []string{"outcome"}),
		GraphBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "builds_total",
			Help:      "Edge builds by resulting graph status",
		}, []string{"result"}),
		Answers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "answers_total",
			Help:      "Answers by outcome",
		}, []string{"outcome"}),
		LegacyEvaluations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "legacy_evaluations_total",
			Help:      "Evaluations of rules without graph status",
		}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Processed jobs by kind and result",
		}, []string{"kind", "result"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Job handler duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

func (m *Metrics) IncEvidence(result string) {
	if m != nil {
		m.EvidenceIngested.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncPointer(quality string) {
	if m != nil {
		m.Pointers.WithLabelValues(quality).Inc()
	}
}

func (m *Metrics) ObserveExtraction(result string, seconds float64) {
	if m != nil {
		m.ExtractionCalls.WithLabelValues(result).Inc()
		m.ExtractionLatency.Observe(seconds)
	}
}

func (m *Metrics) IncConflict(outcome string) {
	if m != nil {
		m.Conflicts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncGraphBuild(result string) {
	if m != nil {
		m.GraphBuilds.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncAnswer(outcome string) {
	if m != nil {
		m.Answers.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncLegacy() {
	if m != nil {
		m.LegacyEvaluations.Inc()
	}
}

func (m *Metrics) ObserveJob(kind, result string, seconds float64) {
	if m != nil {
		m.Jobs.WithLabelValues(kind, result).Inc()
		m.JobDuration.WithLabelValues(kind).Observe(seconds)
	}
}
