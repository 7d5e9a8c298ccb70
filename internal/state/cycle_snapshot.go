package state

import (
	"context"
	"encoding/json"
	"strings"
)

const CycleSnapshotKey = "lifecycle:last_snapshot"

// CycleSnapshot captures lifecycle progress for one instrument so a restart
// can resume monitoring live orders instead of orphaning them.
type CycleSnapshot struct {
	Ticker           string               `json:"ticker"`
	Direction        string               `json:"direction"`
	Status           string               `json:"status"`
	OpenOrderID      string               `json:"open_order_id,omitempty"`
	OpenPrice        float64              `json:"open_price,omitempty"`
	OpenSize         float64              `json:"open_size,omitempty"`
	OpenFilledSize   float64              `json:"open_filled_size"`
	OpenAvgFillPrice float64              `json:"open_avg_fill_price,omitempty"`
	HedgedSize       float64              `json:"hedged_size"`
	MakerNet         float64              `json:"maker_net"`
	HedgeNet         float64              `json:"hedge_net"`
	CloseRetries     int                  `json:"close_retries,omitempty"`
	LastCloseMS      int64                `json:"last_close_ms,omitempty"`
	CloseOrders      []CloseOrderSnapshot `json:"close_orders,omitempty"`
	UpdatedAtMS      int64                `json:"updated_at_ms"`
}

type CloseOrderSnapshot struct {
	OrderID    string  `json:"order_id"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	FilledSize float64 `json:"filled_size,omitempty"`
	Direction  string  `json:"direction,omitempty"`
}

func LoadCycleSnapshot(ctx context.Context, store Store) (CycleSnapshot, bool, error) {
	if store == nil {
		return CycleSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, CycleSnapshotKey)
	if err != nil {
		return CycleSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleSnapshot{}, false, nil
	}
	var snapshot CycleSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return CycleSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, CycleSnapshotKey, string(payload))
}
