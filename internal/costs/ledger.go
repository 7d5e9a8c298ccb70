package costs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ol-hedge-bot/internal/state"

	"go.uber.org/zap"
)

const (
	forfeitKeyPrefix = "fees:forfeit:"
	refundKeyPrefix  = "fees:refund:"
)

type feeRecord struct {
	USD          float64 `json:"usd"`
	RecordedAtMS int64   `json:"recorded_at_ms"`
}

// Ledger persists realized ancillary-fee outcomes. Records are keyed by
// order id, so replaying the same cancel or close never double-counts.
type Ledger struct {
	store state.Store
	log   *zap.Logger
	now   func() time.Time

	mu sync.Mutex
}

func NewLedger(store state.Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RecordForfeit marks orderID's ancillary fee as lost (canceled open, failed
// or partial close). Repeat calls for the same order are no-ops.
func (l *Ledger) RecordForfeit(ctx context.Context, orderID string, usd float64) error {
	return l.record(ctx, forfeitKeyPrefix+orderID, orderID, "forfeited", usd)
}

// RecordRefund marks orderID's ancillary fee as returned after a fully
// successful close.
func (l *Ledger) RecordRefund(ctx context.Context, orderID string, usd float64) error {
	return l.record(ctx, refundKeyPrefix+orderID, orderID, "refunded", usd)
}

func (l *Ledger) record(ctx context.Context, key, orderID, outcome string, usd float64) error {
	if l.store == nil || orderID == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists, err := l.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	payload, err := json.Marshal(feeRecord{USD: usd, RecordedAtMS: l.now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := l.store.Set(ctx, key, string(payload)); err != nil {
		return err
	}
	l.log.Debug("ancillary fee recorded",
		zap.String("order_id", orderID),
		zap.String("outcome", outcome),
		zap.Float64("usd", usd),
	)
	return nil
}

// Totals rebuilds the running USD sums from the store.
func (l *Ledger) Totals(ctx context.Context) (forfeitedUSD, refundedUSD float64, err error) {
	if l.store == nil {
		return 0, 0, nil
	}
	forfeitedUSD, err = l.sumPrefix(ctx, forfeitKeyPrefix)
	if err != nil {
		return 0, 0, err
	}
	refundedUSD, err = l.sumPrefix(ctx, refundKeyPrefix)
	if err != nil {
		return 0, 0, err
	}
	return forfeitedUSD, refundedUSD, nil
}

func (l *Ledger) sumPrefix(ctx context.Context, prefix string) (float64, error) {
	entries, err := l.store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var total float64
	for key, raw := range entries {
		var rec feeRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			l.log.Warn("skipping malformed fee record", zap.String("key", key), zap.Error(err))
			continue
		}
		total += rec.USD
	}
	return total, nil
}
