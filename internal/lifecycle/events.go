package lifecycle

import "container/list"

// maxTrackedOrders bounds the dedup memory; orders past the bound have been
// terminal for a long time and can only reappear through operator action.
const maxTrackedOrders = 512

// FillTracker collapses the push and poll event paths into one cumulative
// fill figure per order. Updates that do not advance the cumulative fill are
// reported as no-ops, so a poll lagging behind a push can never regress or
// double-apply a fill.
type FillTracker struct {
	filled map[string]float64
	elems  map[string]*list.Element
	lru    *list.List
}

func NewFillTracker() *FillTracker {
	return &FillTracker{
		filled: make(map[string]float64),
		elems:  make(map[string]*list.Element),
		lru:    list.New(),
	}
}

// Apply records a cumulative fill observation and returns the newly filled
// delta. changed is false when the observation adds nothing: an unknown
// order with zero fill, a replayed event, or a stale poll below the
// high-water mark.
func (t *FillTracker) Apply(orderID string, cumulative, total float64) (delta float64, changed bool) {
	if orderID == "" {
		return 0, false
	}
	if cumulative < 0 {
		cumulative = 0
	}
	if total > 0 && cumulative > total {
		cumulative = total
	}
	prev, seen := t.filled[orderID]
	if seen && cumulative <= prev {
		t.touch(orderID)
		return 0, false
	}
	t.filled[orderID] = cumulative
	t.touch(orderID)
	t.evict()
	delta = cumulative - prev
	return delta, delta > 0
}

// Filled returns the cumulative fill high-water mark for the order.
func (t *FillTracker) Filled(orderID string) float64 {
	return t.filled[orderID]
}

// Forget drops a terminal order from the tracker.
func (t *FillTracker) Forget(orderID string) {
	if elem, ok := t.elems[orderID]; ok {
		t.lru.Remove(elem)
		delete(t.elems, orderID)
	}
	delete(t.filled, orderID)
}

func (t *FillTracker) touch(orderID string) {
	if elem, ok := t.elems[orderID]; ok {
		t.lru.MoveToBack(elem)
		return
	}
	t.elems[orderID] = t.lru.PushBack(orderID)
}

func (t *FillTracker) evict() {
	for len(t.filled) > maxTrackedOrders {
		front := t.lru.Front()
		if front == nil {
			return
		}
		orderID, ok := front.Value.(string)
		t.lru.Remove(front)
		if ok {
			delete(t.elems, orderID)
			delete(t.filled, orderID)
		}
	}
}
