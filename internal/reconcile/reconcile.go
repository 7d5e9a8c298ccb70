// Package reconcile cross-checks the lifecycle manager's recorded fills
// against what each venue reports as the account position. Drift beyond the
// configured tolerance is a hard-stop condition: the reconciler alerts and
// requests shutdown, it never adjusts either book to match the other.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"ol-hedge-bot/internal/alerts"
	"ol-hedge-bot/internal/config"
	"ol-hedge-bot/internal/metrics"
)

// PositionReader is the slice of the venue adapter the reconciler needs.
type PositionReader interface {
	Name() string
	GetAccountPosition(ctx context.Context, instrument string) (float64, error)
}

// Target is the lifecycle surface the reconciler drives: the recorded nets
// to verify and the shutdown trigger when they no longer hold.
type Target interface {
	RecordedPositions() (makerNet, hedgeNet float64)
	RequestShutdown(reason string)
	Halted() bool
}

type Reconciler struct {
	cfg        config.ReconcileConfig
	instrument string
	maker      PositionReader
	hedge      PositionReader
	target     Target
	alerts     alerts.Notifier
	metrics    *metrics.Metrics
	log        *zap.Logger

	makerReadFailures int
	hedgeReadFailures int
}

func New(cfg config.ReconcileConfig, instrument string, maker, hedge PositionReader, target Target, notifier alerts.Notifier, counters *metrics.Metrics, log *zap.Logger) (*Reconciler, error) {
	if instrument == "" {
		return nil, errors.New("reconcile: instrument required")
	}
	if maker == nil || hedge == nil {
		return nil, errors.New("reconcile: maker and hedge adapters required")
	}
	if target == nil {
		return nil, errors.New("reconcile: lifecycle target required")
	}
	if notifier == nil {
		notifier = alerts.Noop{}
	}
	if counters == nil {
		counters = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-6
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = 5
	}
	return &Reconciler{
		cfg:        cfg,
		instrument: instrument,
		maker:      maker,
		hedge:      hedge,
		target:     target,
		alerts:     notifier,
		metrics:    counters,
		log:        log,
	}, nil
}

// Run sweeps on the configured interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.log.Info("position reconciler started",
		zap.String("instrument", r.instrument),
		zap.Duration("interval", r.cfg.Interval),
		zap.Float64("tolerance", r.cfg.Tolerance),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass over both venues. It stops at the
// first mismatch; once shutdown is requested there is nothing left to
// verify against a book that is being torn down.
func (r *Reconciler) Sweep(ctx context.Context) {
	if r.target.Halted() {
		return
	}
	makerNet, hedgeNet := r.target.RecordedPositions()
	if !r.checkVenue(ctx, r.maker, makerNet, &r.makerReadFailures) {
		return
	}
	r.checkVenue(ctx, r.hedge, hedgeNet, &r.hedgeReadFailures)
}

// checkVenue returns false when the sweep should stop, either because the
// venue confirmed a drift or because its position could not be read.
func (r *Reconciler) checkVenue(ctx context.Context, v PositionReader, recorded float64, failures *int) bool {
	reported, err := v.GetAccountPosition(ctx, r.instrument)
	if err != nil {
		*failures++
		r.log.Warn("position read failed",
			zap.String("venue", v.Name()),
			zap.Int("consecutive", *failures),
			zap.Error(err),
		)
		if *failures >= r.cfg.MaxReadFailures {
			msg := fmt.Sprintf("position reads failing on %s (%d consecutive): %v", v.Name(), *failures, err)
			if aerr := r.alerts.SendThrottled(ctx, "reconcile-read-"+v.Name(), msg); aerr != nil {
				r.log.Warn("alert delivery failed", zap.Error(aerr))
			}
		}
		return false
	}
	*failures = 0
	diff := math.Abs(reported - recorded)
	if diff <= r.cfg.Tolerance {
		return true
	}
	reason := fmt.Sprintf("position drift on %s: recorded %.8g, venue reports %.8g", v.Name(), recorded, reported)
	r.metrics.ReconcileMismatches.Inc()
	r.log.Error("position mismatch",
		zap.String("venue", v.Name()),
		zap.Float64("recorded", recorded),
		zap.Float64("reported", reported),
		zap.Float64("diff", diff),
		zap.Float64("tolerance", r.cfg.Tolerance),
	)
	if aerr := r.alerts.Send(ctx, "position reconciliation failed: "+reason); aerr != nil {
		r.log.Warn("alert delivery failed", zap.Error(aerr))
	}
	r.target.RequestShutdown(reason)
	return false
}
