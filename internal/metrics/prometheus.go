package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "ol_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	decisionsEvaluated := newCounter("decisions_evaluated_total", "Total number of decision cycles evaluated.")
	decisionsSkipped := newCounter("decisions_skipped_total", "Total number of decision cycles that ended in a skip.")
	ordersPlaced := newCounter("orders_placed_total", "Total number of maker open orders placed.")
	ordersCanceled := newCounter("orders_canceled_total", "Total number of maker orders canceled.")
	ordersRejected := newCounter("orders_rejected_total", "Total number of venue order rejections.")
	hedgesPlaced := newCounter("hedges_placed_total", "Total number of hedge orders submitted.")
	hedgesFailed := newCounter("hedges_failed_total", "Total number of hedge submissions that exhausted retries.")
	closesPlaced := newCounter("closes_placed_total", "Total number of close orders placed.")
	closeRetries := newCounter("close_retries_total", "Total number of close order retry attempts.")
	feesForfeited := newCounter("fees_forfeited_total", "Total number of ancillary fee forfeits recorded.")
	feesRefunded := newCounter("fees_refunded_total", "Total number of ancillary fee refunds recorded.")
	reconcileMismatches := newCounter("reconcile_mismatches_total", "Total number of position reconciliation mismatches.")
	wsReconnects := newCounter("ws_reconnects_total", "Total number of websocket reconnect attempts.")

	m := &Metrics{
		DecisionsEvaluated:  promCounter{decisionsEvaluated},
		DecisionsSkipped:    promCounter{decisionsSkipped},
		OrdersPlaced:        promCounter{ordersPlaced},
		OrdersCanceled:      promCounter{ordersCanceled},
		OrdersRejected:      promCounter{ordersRejected},
		HedgesPlaced:        promCounter{hedgesPlaced},
		HedgesFailed:        promCounter{hedgesFailed},
		ClosesPlaced:        promCounter{closesPlaced},
		CloseRetries:        promCounter{closeRetries},
		FeesForfeited:       promCounter{feesForfeited},
		FeesRefunded:        promCounter{feesRefunded},
		ReconcileMismatches: promCounter{reconcileMismatches},
		WSReconnects:        promCounter{wsReconnects},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
