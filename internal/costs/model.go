package costs

import (
	"fmt"
	"strings"
	"time"

	"ol-hedge-bot/internal/config"
	"ol-hedge-bot/internal/venue"
)

// Liquidity says how a fill is charged, not which leg it belongs to.
type Liquidity string

const (
	Maker Liquidity = "maker"
	Taker Liquidity = "taker"
)

// Estimate is the bps breakdown for entering one position. All components
// are costs; funding may be negative when the direction collects it.
type Estimate struct {
	OpenFeeBps   float64
	AncillaryBps float64
	FundingBps   float64
	BufferBps    float64
	// RefundableBps is the slice of AncillaryBps assumed back after a fully
	// successful close.
	RefundableBps float64
}

// PessimisticBps assumes the ancillary fee is never refunded. The decision
// gate uses this figure.
func (e Estimate) PessimisticBps() float64 {
	return e.OpenFeeBps + e.AncillaryBps + e.FundingBps + e.BufferBps
}

// OptimisticBps assumes a full close earns the configured refund.
func (e Estimate) OptimisticBps() float64 {
	return e.PessimisticBps() - e.RefundableBps
}

// Input describes one prospective entry.
type Input struct {
	Ticker      string
	AssetClass  string
	Liquidity   Liquidity
	Direction   venue.Direction
	Leverage    float64
	NotionalUSD float64
	// FundingBpsPerHour is positive when longs pay; honored only when
	// HasFunding is set.
	FundingBpsPerHour float64
	HasFunding        bool
	Horizon           time.Duration
}

// Model turns the configured fee schedule into per-entry estimates. It is
// pure: construction validates the schedule once, Estimate never touches the
// network or the clock.
type Model struct {
	classes         map[string]config.ClassFees
	tickerOverrides map[string]config.ClassFees
	ancillaryUSD    float64
	refundFraction  float64
	bufferBps       float64
}

func NewModel(cfg config.CostsConfig) (*Model, error) {
	if len(cfg.Classes) == 0 {
		return nil, fmt.Errorf("costs: fee schedule has no asset classes")
	}
	if cfg.RefundFraction < 0 || cfg.RefundFraction > 1 {
		return nil, fmt.Errorf("costs: refund fraction %f outside [0, 1]", cfg.RefundFraction)
	}
	classes := make(map[string]config.ClassFees, len(cfg.Classes))
	for class, fees := range cfg.Classes {
		classes[strings.ToLower(class)] = fees
	}
	overrides := make(map[string]config.ClassFees, len(cfg.TickerOverrides))
	for ticker, fees := range cfg.TickerOverrides {
		overrides[strings.ToUpper(ticker)] = fees
	}
	return &Model{
		classes:         classes,
		tickerOverrides: overrides,
		ancillaryUSD:    cfg.AncillaryFeeUSD,
		refundFraction:  cfg.RefundFraction,
		bufferBps:       cfg.BufferBps,
	}, nil
}

func (m *Model) Estimate(in Input) (Estimate, error) {
	fees, err := m.feesFor(in.Ticker, in.AssetClass)
	if err != nil {
		return Estimate{}, err
	}
	if in.NotionalUSD <= 0 {
		return Estimate{}, fmt.Errorf("costs: notional must be > 0, got %f", in.NotionalUSD)
	}

	openFee := fees.TakerBps
	if in.Liquidity == Maker {
		openFee = fees.MakerBps
		// The maker tier is a rebate tier; above the leverage cap the venue
		// charges the taker schedule even for resting orders.
		if fees.MakerLeverageCap > 0 && in.Leverage > fees.MakerLeverageCap {
			openFee = fees.TakerBps
		}
	}

	ancillary := m.ancillaryUSD / in.NotionalUSD * 1e4

	var funding float64
	if in.HasFunding && in.Horizon > 0 {
		funding = in.FundingBpsPerHour * in.Horizon.Hours()
		if in.Direction == venue.DirectionShort {
			funding = -funding
		}
	}

	return Estimate{
		OpenFeeBps:    openFee,
		AncillaryBps:  ancillary,
		FundingBps:    funding,
		BufferBps:     m.bufferBps,
		RefundableBps: ancillary * m.refundFraction,
	}, nil
}

// AncillaryUSD is the flat per-order fee the ledger tracks.
func (m *Model) AncillaryUSD() float64 { return m.ancillaryUSD }

// RefundUSD is the portion of the ancillary fee returned on a full close.
func (m *Model) RefundUSD() float64 { return m.ancillaryUSD * m.refundFraction }

func (m *Model) feesFor(ticker, assetClass string) (config.ClassFees, error) {
	if fees, ok := m.tickerOverrides[strings.ToUpper(ticker)]; ok {
		return fees, nil
	}
	fees, ok := m.classes[strings.ToLower(assetClass)]
	if !ok {
		return config.ClassFees{}, fmt.Errorf("costs: unknown asset class %q", assetClass)
	}
	return fees, nil
}
