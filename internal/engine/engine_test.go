package engine

import (
	"math"
	"testing"

	"ol-hedge-bot/internal/costs"
	"ol-hedge-bot/internal/market"
	"ol-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

func testParams() Params {
	return Params{
		MinNetBps:           0,
		MaxSpreadBps:        50,
		SpreadWeight:        0,
		MaxDislocationBps:   500,
		MinDepthNotionalUSD: 10000,
		OffsetBps:           0,
		Direction:           "long",
		Quantity:            1,
		TickSize:            0.01,
	}
}

func testSnapshot(makerBid, makerAsk, hedgeBid, hedgeAsk float64) market.Snapshot {
	return market.Snapshot{
		Instrument: "BTC",
		Maker:      venue.Quote{Bid: makerBid, Ask: makerAsk, BidDepthUSD: 1e6, AskDepthUSD: 1e6},
		Hedge:      venue.Quote{Bid: hedgeBid, Ask: hedgeAsk, BidDepthUSD: 1e6, AskDepthUSD: 1e6},
		MarketOpen: true,
	}
}

func cryptoMakerCosts() Costs {
	est := costs.Estimate{OpenFeeBps: 3, AncillaryBps: 0.5, BufferBps: 1}
	return Costs{Long: est, Short: est}
}

func TestEvaluatePlacesWhenEdgeClearsThreshold(t *testing.T) {
	eng := New(testParams(), zap.NewNop())
	snap := testSnapshot(99.95, 99.97, 100.00, 100.02)

	d := eng.Evaluate(snap, cryptoMakerCosts())
	if !d.Place {
		t.Fatalf("expected placement, got skip %q (edge %f threshold %f)", d.Reason, d.EdgeBps, d.ThresholdBps)
	}
	if d.Direction != venue.DirectionLong {
		t.Fatalf("expected long entry, got %s", d.Direction)
	}
	if math.Abs(d.Price-99.95) > 1e-9 {
		t.Fatalf("expected maker price 99.95, got %f", d.Price)
	}
	if d.Size != 1 {
		t.Fatalf("expected configured quantity, got %f", d.Size)
	}
	if d.EdgeBps < 4.9 || d.EdgeBps > 5.1 {
		t.Fatalf("expected ~5bps edge, got %f", d.EdgeBps)
	}
	if math.Abs(d.ThresholdBps-4.5) > 1e-9 {
		t.Fatalf("expected 4.5bps threshold, got %f", d.ThresholdBps)
	}
}

func TestEvaluateSkipsWideHedgeSpread(t *testing.T) {
	eng := New(testParams(), zap.NewNop())
	snap := testSnapshot(99.95, 99.97, 100.00, 100.60)

	d := eng.Evaluate(snap, Costs{})
	if d.Place || d.Reason != SkipSpreadTooWide {
		t.Fatalf("expected wide-spread skip regardless of edge, got %+v", d)
	}
}

func TestEvaluateSkipsWideMakerSpread(t *testing.T) {
	eng := New(testParams(), zap.NewNop())
	snap := testSnapshot(99.50, 100.30, 100.00, 100.02)

	d := eng.Evaluate(snap, Costs{})
	if d.Place || d.Reason != SkipSpreadTooWide {
		t.Fatalf("expected wide-spread skip, got %+v", d)
	}
}

func TestEvaluateSkipsThinHedgeDepth(t *testing.T) {
	eng := New(testParams(), zap.NewNop())
	snap := testSnapshot(99.95, 99.97, 100.00, 100.02)
	snap.Hedge.BidDepthUSD = 5000

	d := eng.Evaluate(snap, cryptoMakerCosts())
	if d.Place || d.Reason != SkipDepthTooThin {
		t.Fatalf("expected thin-depth skip, got %+v", d)
	}

	snap.Hedge.BidDepthUSD = 1e6
	snap.Hedge.AskDepthUSD = 5000
	d = eng.Evaluate(snap, cryptoMakerCosts())
	if d.Place || d.Reason != SkipDepthTooThin {
		t.Fatalf("expected thin ask side to skip too, got %+v", d)
	}
}

func TestEvaluateSkipsDislocatedVenues(t *testing.T) {
	eng := New(testParams(), zap.NewNop())
	snap := testSnapshot(94.95, 94.97, 100.00, 100.02)

	d := eng.Evaluate(snap, Costs{})
	if d.Place || d.Reason != SkipDislocation {
		t.Fatalf("expected dislocation skip on a bad tick, got %+v", d)
	}
}

func TestEvaluateSkipsClosedSession(t *testing.T) {
	eng := New(testParams(), zap.NewNop())
	snap := testSnapshot(99.95, 99.97, 100.00, 100.02)
	snap.MarketOpen = false

	d := eng.Evaluate(snap, cryptoMakerCosts())
	if d.Place || d.Reason != SkipMarketClosed {
		t.Fatalf("expected market-closed skip, got %+v", d)
	}

	snap.MarketOpen = true
	snap.DayTradingClosed = true
	d = eng.Evaluate(snap, cryptoMakerCosts())
	if d.Place || d.Reason != SkipDayTradingClosed {
		t.Fatalf("expected day-trading-closed skip, got %+v", d)
	}
}

func TestEvaluateSkipsThinEdge(t *testing.T) {
	eng := New(testParams(), zap.NewNop())
	snap := testSnapshot(99.99, 100.01, 100.00, 100.02)

	d := eng.Evaluate(snap, cryptoMakerCosts())
	if d.Place || d.Reason != SkipEdgeBelow {
		t.Fatalf("expected edge-below skip, got %+v", d)
	}
	if d.EdgeBps < 0.9 || d.EdgeBps > 1.1 {
		t.Fatalf("expected ~1bps edge reported, got %f", d.EdgeBps)
	}
	if math.Abs(d.ThresholdBps-4.5) > 1e-9 {
		t.Fatalf("expected threshold reported on skip, got %f", d.ThresholdBps)
	}
}

func TestEvaluateShortEntry(t *testing.T) {
	params := testParams()
	params.Direction = "short"
	eng := New(params, zap.NewNop())
	snap := testSnapshot(100.03, 100.05, 100.00, 100.02)

	d := eng.Evaluate(snap, Costs{})
	if !d.Place || d.Direction != venue.DirectionShort {
		t.Fatalf("expected short placement, got %+v", d)
	}
	if math.Abs(d.Price-100.05) > 1e-9 {
		t.Fatalf("expected maker ask 100.05, got %f", d.Price)
	}
	if d.EdgeBps < 2.9 || d.EdgeBps > 3.1 {
		t.Fatalf("expected ~3bps edge, got %f", d.EdgeBps)
	}
}

func TestEvaluateClampsPriceToHedgeTouch(t *testing.T) {
	params := testParams()
	params.OffsetBps = 2
	eng := New(params, zap.NewNop())
	// Maker bid sits above the hedge bid; resting there would fill into
	// negative edge, so the clamp pulls the price under the hedge touch.
	snap := testSnapshot(100.05, 100.07, 100.00, 100.02)

	d := eng.Evaluate(snap, Costs{})
	if !d.Place {
		t.Fatalf("expected placement, got skip %q", d.Reason)
	}
	if math.Abs(d.Price-99.98) > 1e-9 {
		t.Fatalf("expected clamp to 99.98 (hedge bid less offset), got %f", d.Price)
	}
}

func TestEvaluateAutoPrefersLargerEdge(t *testing.T) {
	params := testParams()
	params.Direction = "auto"
	eng := New(params, zap.NewNop())
	snap := testSnapshot(99.95, 100.08, 100.00, 100.02)

	d := eng.Evaluate(snap, Costs{})
	if !d.Place || d.Direction != venue.DirectionShort {
		t.Fatalf("expected short (6bps) over long (5bps), got %+v", d)
	}
	if !d.Ambiguous {
		t.Fatalf("both sides passing must be flagged ambiguous")
	}
}

func TestEvaluateAutoPicksPassingSide(t *testing.T) {
	params := testParams()
	params.Direction = "auto"
	eng := New(params, zap.NewNop())
	est := costs.Estimate{BufferBps: 1}
	snap := testSnapshot(99.95, 99.99, 100.00, 100.02)

	d := eng.Evaluate(snap, Costs{Long: est, Short: est})
	if !d.Place || d.Direction != venue.DirectionLong {
		t.Fatalf("expected long side only, got %+v", d)
	}
	if d.Ambiguous {
		t.Fatalf("single passing side must not be ambiguous")
	}
}

func TestEvaluateAutoReportsNearestMiss(t *testing.T) {
	params := testParams()
	params.Direction = "auto"
	eng := New(params, zap.NewNop())
	snap := testSnapshot(99.95, 100.07, 100.00, 100.02)
	cost := Costs{
		Long:  costs.Estimate{BufferBps: 10},
		Short: costs.Estimate{BufferBps: 6},
	}

	d := eng.Evaluate(snap, cost)
	if d.Place || d.Reason != SkipEdgeBelow {
		t.Fatalf("expected skip, got %+v", d)
	}
	if d.Direction != venue.DirectionShort {
		t.Fatalf("expected the nearest miss (short) reported, got %s", d.Direction)
	}
}

func TestSizeForAutoNotional(t *testing.T) {
	params := testParams()
	params.AutoSize = true
	params.TargetNotionalUSD = 5000
	params.MinNotionalUSD = 10
	params.MaxNotionalUSD = 100000
	params.LotSize = 0.01
	eng := New(params, zap.NewNop())
	snap := testSnapshot(99.95, 99.97, 100.00, 100.02)

	if size := eng.SizeFor(snap); math.Abs(size-49.99) > 1e-9 {
		t.Fatalf("expected 49.99 from $5000 at ~100.01, got %f", size)
	}

	params.TargetNotionalUSD = 200000
	eng = New(params, zap.NewNop())
	if size := eng.SizeFor(snap); math.Abs(size-999.90) > 1e-9 {
		t.Fatalf("expected clamp to $100k notional, got %f", size)
	}

	params.TargetNotionalUSD = 5
	eng = New(params, zap.NewNop())
	if size := eng.SizeFor(snap); math.Abs(size-0.09) > 1e-9 {
		t.Fatalf("expected clamp up to $10 notional, got %f", size)
	}
}

func TestEvaluateSkipsUnroundableSize(t *testing.T) {
	params := testParams()
	params.AutoSize = true
	params.TargetNotionalUSD = 50
	params.MinNotionalUSD = 10
	params.MaxNotionalUSD = 100000
	params.LotSize = 1
	eng := New(params, zap.NewNop())
	snap := testSnapshot(99.95, 99.97, 100.00, 100.02)

	d := eng.Evaluate(snap, Costs{})
	if d.Place || d.Reason != SkipSizeTooSmall {
		t.Fatalf("expected size skip for sub-lot order, got %+v", d)
	}
}
