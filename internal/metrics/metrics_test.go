package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncEvidence("created")
	m.IncLegacy()
	m.ObserveJob("graph", "done", 0.1)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncAnswer("GRAPH_INCONSISTENT_RETRY")
	m.IncAnswer("GRAPH_INCONSISTENT_RETRY")
	m.IncLegacy()

	if got := testutil.ToFloat64(m.Answers.WithLabelValues("GRAPH_INCONSISTENT_RETRY")); got != 2 {
		t.Errorf("expected 2 refusals, got %v", got)
	}
	if got := testutil.ToFloat64(m.LegacyEvaluations); got != 1 {
		t.Errorf("expected 1 legacy evaluation, got %v", got)
	}
}
