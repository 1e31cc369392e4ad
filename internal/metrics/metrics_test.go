package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/suPer8Hu/copilot/internal/analytics"
)

// counterValue sums a gathered counter family, filtered by label values.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRecord_MapsEventsToCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Record(analytics.Event{Type: analytics.EventStep, Intent: "add_node", Outcome: "success"})
	m.Record(analytics.Event{Type: analytics.EventStep, Intent: "add_node", Outcome: "success"})
	m.Record(analytics.Event{Type: analytics.EventStep, Intent: "run_simulation", Outcome: "failed"})
	m.Record(analytics.Event{Type: analytics.EventQueued})
	m.Record(analytics.Event{Type: analytics.EventRequest, Outcome: "completed"})

	if got := counterValue(t, reg, "copilot_steps_total", map[string]string{"intent": "add_node"}); got != 2 {
		t.Fatalf("expected 2 add_node steps, got %v", got)
	}
	if got := counterValue(t, reg, "copilot_queued_total", nil); got != 1 {
		t.Fatalf("expected 1 queued, got %v", got)
	}
	if got := counterValue(t, reg, "copilot_requests_total", map[string]string{"outcome": "completed"}); got != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
}
