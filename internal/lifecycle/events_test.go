package lifecycle

import (
	"fmt"
	"math"
	"testing"
)

func TestFillTrackerCumulativeDeltas(t *testing.T) {
	tr := NewFillTracker()
	delta, changed := tr.Apply("o1", 0.3, 1.0)
	if !changed || delta != 0.3 {
		t.Fatalf("expected first delta 0.3, got %v (changed=%v)", delta, changed)
	}
	delta, changed = tr.Apply("o1", 0.9, 1.0)
	if !changed || math.Abs(delta-0.6) > 1e-12 {
		t.Fatalf("expected delta 0.6, got %v (changed=%v)", delta, changed)
	}
	if got := tr.Filled("o1"); got != 0.9 {
		t.Fatalf("expected cumulative 0.9, got %v", got)
	}
}

func TestFillTrackerReplayIsNoOp(t *testing.T) {
	tr := NewFillTracker()
	tr.Apply("o1", 0.5, 1.0)
	delta, changed := tr.Apply("o1", 0.5, 1.0)
	if changed || delta != 0 {
		t.Fatalf("replayed event must be a no-op, got delta %v (changed=%v)", delta, changed)
	}
}

func TestFillTrackerNeverRegresses(t *testing.T) {
	tr := NewFillTracker()
	tr.Apply("o1", 0.8, 1.0)
	delta, changed := tr.Apply("o1", 0.3, 1.0)
	if changed || delta != 0 {
		t.Fatalf("stale poll below high-water mark must be ignored, got %v (changed=%v)", delta, changed)
	}
	if got := tr.Filled("o1"); got != 0.8 {
		t.Fatalf("high-water mark moved: %v", got)
	}
}

func TestFillTrackerClampsToTotal(t *testing.T) {
	tr := NewFillTracker()
	delta, changed := tr.Apply("o1", 1.7, 1.0)
	if !changed || delta != 1.0 {
		t.Fatalf("overfill must clamp to total, got %v (changed=%v)", delta, changed)
	}
	if got := tr.Filled("o1"); got != 1.0 {
		t.Fatalf("expected clamped cumulative 1.0, got %v", got)
	}
}

func TestFillTrackerIgnoresEmptyAndNegative(t *testing.T) {
	tr := NewFillTracker()
	if _, changed := tr.Apply("", 1, 1); changed {
		t.Fatalf("empty order id must be ignored")
	}
	if delta, changed := tr.Apply("o1", -0.5, 1); changed || delta != 0 {
		t.Fatalf("negative fill must clamp to zero, got %v (changed=%v)", delta, changed)
	}
}

func TestFillTrackerForget(t *testing.T) {
	tr := NewFillTracker()
	tr.Apply("o1", 1.0, 1.0)
	tr.Forget("o1")
	if got := tr.Filled("o1"); got != 0 {
		t.Fatalf("forgotten order should read zero, got %v", got)
	}
	delta, changed := tr.Apply("o1", 1.0, 1.0)
	if !changed || delta != 1.0 {
		t.Fatalf("forgotten order restarts from zero, got %v (changed=%v)", delta, changed)
	}
}

func TestFillTrackerEvictsOldest(t *testing.T) {
	tr := NewFillTracker()
	for i := 0; i < maxTrackedOrders+10; i++ {
		tr.Apply(fmt.Sprintf("o%d", i), 1.0, 1.0)
	}
	if len(tr.filled) != maxTrackedOrders {
		t.Fatalf("expected %d tracked orders, got %d", maxTrackedOrders, len(tr.filled))
	}
	if got := tr.Filled("o0"); got != 0 {
		t.Fatalf("oldest order should have been evicted, got %v", got)
	}
	if got := tr.Filled(fmt.Sprintf("o%d", maxTrackedOrders+9)); got != 1.0 {
		t.Fatalf("newest order must survive eviction, got %v", got)
	}
}
