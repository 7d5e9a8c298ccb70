package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	DecisionsEvaluated  Counter
	DecisionsSkipped    Counter
	OrdersPlaced        Counter
	OrdersCanceled      Counter
	OrdersRejected      Counter
	HedgesPlaced        Counter
	HedgesFailed        Counter
	ClosesPlaced        Counter
	CloseRetries        Counter
	FeesForfeited       Counter
	FeesRefunded        Counter
	ReconcileMismatches Counter
	WSReconnects        Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		DecisionsEvaluated:  n,
		DecisionsSkipped:    n,
		OrdersPlaced:        n,
		OrdersCanceled:      n,
		OrdersRejected:      n,
		HedgesPlaced:        n,
		HedgesFailed:        n,
		ClosesPlaced:        n,
		CloseRetries:        n,
		FeesForfeited:       n,
		FeesRefunded:        n,
		ReconcileMismatches: n,
		WSReconnects:        n,
	}
}
