package metrics

import (
	"testing"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.HedgesPlaced.Inc()
	prom.Metrics.ReconcileMismatches.Inc()

	assertCounter(t, prom, "ol_hedge_bot_orders_placed_total", 2)
	assertCounter(t, prom, "ol_hedge_bot_hedges_placed_total", 1)
	assertCounter(t, prom, "ol_hedge_bot_reconcile_mismatches_total", 1)
	assertCounter(t, prom, "ol_hedge_bot_hedges_failed_total", 0)
}

func TestNoopMetricsAreSafe(t *testing.T) {
	m := NewNoop()
	m.DecisionsEvaluated.Inc()
	m.HedgesFailed.Inc()
	m.FeesRefunded.Inc()
}

func assertCounter(t *testing.T, prom *Prometheus, name string, expected float64) {
	t.Helper()
	families, err := prom.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		if len(fam.GetMetric()) != 1 {
			t.Fatalf("expected one series for %s, got %d", name, len(fam.GetMetric()))
		}
		if got := fam.GetMetric()[0].GetCounter().GetValue(); got != expected {
			t.Fatalf("%s expected %v, got %v", name, expected, got)
		}
		return
	}
	t.Fatalf("metric %s not registered", name)
}
