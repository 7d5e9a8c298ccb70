package state

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.items {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestCycleSnapshotRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	snapshot := CycleSnapshot{
		Ticker:         "BTC",
		Direction:      "long",
		Status:         "close_placed",
		OpenOrderID:    "841",
		OpenPrice:      64000.5,
		OpenSize:       0.02,
		OpenFilledSize: 0.02,
		HedgedSize:     0.02,
		CloseOrders: []CloseOrderSnapshot{
			{OrderID: "901", Price: 64100.5, Size: 0.02},
		},
		UpdatedAtMS: 12345,
	}
	if err := SaveCycleSnapshot(ctx, store, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	got, ok, err := LoadCycleSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to be present")
	}
	if !reflect.DeepEqual(got, snapshot) {
		t.Fatalf("unexpected snapshot: %#v", got)
	}
}

func TestCycleSnapshotMissing(t *testing.T) {
	store := &memoryStore{}
	got, ok, err := LoadCycleSnapshot(context.Background(), store)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if ok {
		t.Fatalf("expected no snapshot, got %#v", got)
	}
}

func TestCycleSnapshotInvalid(t *testing.T) {
	store := &memoryStore{items: map[string]string{CycleSnapshotKey: "{"}}
	_, _, err := LoadCycleSnapshot(context.Background(), store)
	if err == nil {
		t.Fatalf("expected error for invalid snapshot JSON")
	}
}
