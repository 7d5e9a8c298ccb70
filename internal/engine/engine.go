package engine

import (
	"math"

	"ol-hedge-bot/internal/config"
	"ol-hedge-bot/internal/costs"
	"ol-hedge-bot/internal/market"
	"ol-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

// Skip reasons, recorded with every negative decision.
const (
	SkipMarketClosed     = "market_closed"
	SkipDayTradingClosed = "day_trading_closed"
	SkipSpreadTooWide    = "spread_too_wide"
	SkipDepthTooThin     = "hedge_depth_too_thin"
	SkipDislocation      = "dislocation_too_large"
	SkipEdgeBelow        = "edge_below_threshold"
	SkipSizeTooSmall     = "size_too_small"
)

type Params struct {
	MinNetBps           float64
	MaxSpreadBps        float64
	SpreadWeight        float64
	MaxDislocationBps   float64
	MinDepthNotionalUSD float64
	OffsetBps           float64
	Direction           string

	Quantity          float64
	TickSize          float64
	LotSize           float64
	AutoSize          bool
	TargetNotionalUSD float64
	MinNotionalUSD    float64
	MaxNotionalUSD    float64
}

func ParamsFromConfig(eng config.EngineConfig, inst config.InstrumentConfig) Params {
	return Params{
		MinNetBps:           eng.MinNetBps,
		MaxSpreadBps:        eng.MaxSpreadBps,
		SpreadWeight:        eng.SpreadWeight,
		MaxDislocationBps:   eng.MaxDislocationBps,
		MinDepthNotionalUSD: eng.MinDepthNotionalUSD,
		OffsetBps:           inst.PriceOffsetBps,
		Direction:           inst.Direction,
		Quantity:            inst.Quantity,
		TickSize:            inst.TickSize,
		LotSize:             inst.LotSize,
		AutoSize:            inst.AutoSize,
		TargetNotionalUSD:   inst.TargetNotionalUSD,
		MinNotionalUSD:      inst.MinNotionalUSD,
		MaxNotionalUSD:      inst.MaxNotionalUSD,
	}
}

// Costs carries one pessimistic estimate per entry direction; the two
// differ by funding sign.
type Costs struct {
	Long  costs.Estimate
	Short costs.Estimate
}

// Decision is the engine verdict for one cycle. When Place is false, Reason
// says why; EdgeBps/ThresholdBps stay populated for the closest side so the
// history writer can show near misses.
type Decision struct {
	Place        bool
	Reason       string
	Direction    venue.Direction
	Price        float64
	Size         float64
	EdgeBps      float64
	ThresholdBps float64
	// Ambiguous marks the both-directions-pass condition the sign
	// conventions should rule out.
	Ambiguous bool
}

type Engine struct {
	params Params
	log    *zap.Logger
}

func New(params Params, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{params: params, log: log}
}

// SizeFor derives the order size from the snapshot. The result is
// deterministic, so callers may use it for cost inputs before Evaluate
// repeats the same computation.
func (e *Engine) SizeFor(snap market.Snapshot) float64 {
	if !e.params.AutoSize {
		return e.params.Quantity
	}
	mid := snap.HedgeMid()
	if mid <= 0 {
		return 0
	}
	notional := e.params.TargetNotionalUSD
	if e.params.MinNotionalUSD > 0 && notional < e.params.MinNotionalUSD {
		notional = e.params.MinNotionalUSD
	}
	if e.params.MaxNotionalUSD > 0 && notional > e.params.MaxNotionalUSD {
		notional = e.params.MaxNotionalUSD
	}
	return RoundDownToTick(notional/mid, e.params.LotSize)
}

func (e *Engine) Evaluate(snap market.Snapshot, cost Costs) Decision {
	if !snap.MarketOpen {
		return Decision{Reason: SkipMarketClosed}
	}
	if snap.DayTradingClosed {
		return Decision{Reason: SkipDayTradingClosed}
	}
	if spread := snap.Maker.SpreadBps(); spread > e.params.MaxSpreadBps {
		return Decision{Reason: SkipSpreadTooWide, ThresholdBps: e.params.MaxSpreadBps, EdgeBps: spread}
	}
	if spread := snap.Hedge.SpreadBps(); spread > e.params.MaxSpreadBps {
		return Decision{Reason: SkipSpreadTooWide, ThresholdBps: e.params.MaxSpreadBps, EdgeBps: spread}
	}
	if snap.Hedge.BidDepthUSD < e.params.MinDepthNotionalUSD || snap.Hedge.AskDepthUSD < e.params.MinDepthNotionalUSD {
		return Decision{Reason: SkipDepthTooThin}
	}
	if disl := snap.DislocationBps(); disl > e.params.MaxDislocationBps {
		return Decision{Reason: SkipDislocation, EdgeBps: disl, ThresholdBps: e.params.MaxDislocationBps}
	}

	size := e.SizeFor(snap)
	if size <= 0 {
		return Decision{Reason: SkipSizeTooSmall}
	}

	var candidates []Decision
	if e.params.Direction != "short" {
		candidates = append(candidates, e.evaluateSide(snap, venue.DirectionLong, cost.Long))
	}
	if e.params.Direction != "long" {
		candidates = append(candidates, e.evaluateSide(snap, venue.DirectionShort, cost.Short))
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if best.Place && c.Place {
			// Both sides passing means the books disagree more than the
			// costs; take the larger edge but flag it.
			if math.Abs(c.EdgeBps) > math.Abs(best.EdgeBps) {
				best = c
			}
			best.Ambiguous = true
			e.log.Warn("both entry directions pass the gate",
				zap.String("instrument", snap.Instrument),
				zap.Float64("long_edge_bps", candidates[0].EdgeBps),
				zap.Float64("short_edge_bps", c.EdgeBps),
			)
			continue
		}
		if c.Place || (!best.Place && c.EdgeBps-c.ThresholdBps > best.EdgeBps-best.ThresholdBps) {
			best = c
		}
	}
	if best.Place {
		best.Size = size
	}
	return best
}

func (e *Engine) evaluateSide(snap market.Snapshot, dir venue.Direction, est costs.Estimate) Decision {
	hedgeMid := snap.HedgeMid()
	offset := e.params.OffsetBps / 1e4

	var price, edge float64
	if dir == venue.DirectionLong {
		// Rest below our own bid, and never worse than offset under the
		// hedge bid so a fill keeps positive edge at hedge time.
		price = snap.Maker.Bid * (1 - offset)
		if bound := snap.Hedge.Bid * (1 - offset); price > bound {
			price = bound
		}
		price = RoundDownToTick(price, e.params.TickSize)
		edge = (snap.Hedge.Bid - price) / hedgeMid * 1e4
	} else {
		price = snap.Maker.Ask * (1 + offset)
		if floor := snap.Hedge.Ask * (1 + offset); price < floor {
			price = floor
		}
		price = RoundUpToTick(price, e.params.TickSize)
		edge = (price - snap.Hedge.Ask) / hedgeMid * 1e4
	}

	threshold := e.params.MinNetBps + snap.QuotedSpreadBps()*e.params.SpreadWeight + est.PessimisticBps()
	d := Decision{
		Direction:    dir,
		Price:        price,
		EdgeBps:      edge,
		ThresholdBps: threshold,
	}
	if edge >= threshold {
		d.Place = true
	} else {
		d.Reason = SkipEdgeBelow
	}
	return d
}

// tickEpsilon absorbs the quotient noise of price/tick so a price already on
// the grid never rounds to the neighboring tick.
const tickEpsilon = 1e-9

// RoundDownToTick snaps price to the nearest grid multiple at or below it.
// A non-positive tick leaves the price untouched.
func RoundDownToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick+tickEpsilon) * tick
}

// RoundUpToTick snaps price to the nearest grid multiple at or above it.
func RoundUpToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Ceil(price/tick-tickEpsilon) * tick
}
