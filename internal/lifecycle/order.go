package lifecycle

import (
	"math"
	"sort"
	"sync"
	"time"

	"ol-hedge-bot/internal/venue"
)

// OrderRecord is the manager's view of one order it placed. FilledSize is
// cumulative and never decreases; AvgFillPrice is the size-weighted average
// over all fills seen so far.
type OrderRecord struct {
	ID             string
	Instrument     string
	Venue          string
	Side           venue.Side
	Role           venue.Role
	Direction      venue.Direction
	RequestedPrice float64
	RequestedSize  float64
	FilledSize     float64
	AvgFillPrice   float64
	State          State
	CancelReason   string
	CreatedAt      time.Time
}

func (r *OrderRecord) RemainingSize() float64 {
	rem := r.RequestedSize - r.FilledSize
	if rem < 0 {
		return 0
	}
	return rem
}

// ActiveCloseOrderSet holds the resting close orders for one instrument,
// ordered by price. Only the owning manager goroutine mutates it; the
// internal lock exists so status and reconcile readers see a consistent
// view.
type ActiveCloseOrderSet struct {
	mu          sync.Mutex
	gridStepBps float64
	maxOrders   int
	orders      []*OrderRecord
}

func NewActiveCloseOrderSet(gridStepBps float64, maxOrders int) *ActiveCloseOrderSet {
	return &ActiveCloseOrderSet{gridStepBps: gridStepBps, maxOrders: maxOrders}
}

// CanPlace reports whether a close at price respects both the capacity limit
// and the minimum spacing to every resting close.
func (s *ActiveCloseOrderSet) CanPlace(price float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxOrders > 0 && len(s.orders) >= s.maxOrders {
		return false
	}
	if price <= 0 {
		return false
	}
	minGap := s.gridStepBps / 1e4 * price
	for _, o := range s.orders {
		if math.Abs(o.RequestedPrice-price) < minGap {
			return false
		}
	}
	return true
}

func (s *ActiveCloseOrderSet) Add(rec *OrderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, rec)
	sort.Slice(s.orders, func(i, j int) bool {
		return s.orders[i].RequestedPrice < s.orders[j].RequestedPrice
	})
}

func (s *ActiveCloseOrderSet) Get(orderID string) (*OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ID == orderID {
			return o, true
		}
	}
	return nil, false
}

func (s *ActiveCloseOrderSet) Remove(orderID string) (*OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.orders {
		if o.ID == orderID {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
			return o, true
		}
	}
	return nil, false
}

func (s *ActiveCloseOrderSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// Orders returns a copy of the resting set in price order.
func (s *ActiveCloseOrderSet) Orders() []*OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OrderRecord, len(s.orders))
	copy(out, s.orders)
	return out
}

// Cooldown scales the configured wait time by how full the close book is:
// zero resting orders means no wait, a full book means the whole wait time.
func (s *ActiveCloseOrderSet) Cooldown(waitTime time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxOrders <= 0 || len(s.orders) == 0 || waitTime <= 0 {
		return 0
	}
	return waitTime * time.Duration(len(s.orders)) / time.Duration(s.maxOrders)
}
