package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"ol-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

var (
	ErrCrossedBook = errors.New("market: crossed or empty book")
	ErrStaleQuote  = errors.New("market: quote too old")
)

// Snapshot joins both venues' top of book at one instant. The decision
// engine consumes it read-only; a snapshot that cannot be assembled is never
// produced in partial form.
type Snapshot struct {
	Instrument string
	Maker      venue.Quote
	Hedge      venue.Quote
	// FundingBps is the expected funding in basis points per hour on the
	// maker venue, positive when longs pay. Meaningful when HasFunding.
	FundingBps       float64
	HasFunding       bool
	MarketOpen       bool
	DayTradingClosed bool
	Time             time.Time
}

func (s Snapshot) MakerMid() float64 { return s.Maker.Mid() }

func (s Snapshot) HedgeMid() float64 { return s.Hedge.Mid() }

// QuotedSpreadBps is the maker venue's spread; that is where the resting
// order earns or forfeits edge.
func (s Snapshot) QuotedSpreadBps() float64 { return s.Maker.SpreadBps() }

// DislocationBps measures how far the two venues' mids disagree, normalized
// to the hedge mid.
func (s Snapshot) DislocationBps() float64 {
	makerMid := s.Maker.Mid()
	hedgeMid := s.Hedge.Mid()
	if makerMid <= 0 || hedgeMid <= 0 {
		return 0
	}
	return math.Abs(makerMid-hedgeMid) / hedgeMid * 1e4
}

// FundingSource exposes a venue's predicted funding. Positive rates mean
// longs pay shorts.
type FundingSource interface {
	FundingRateBps(ctx context.Context, instrument string) (float64, error)
}

// Aggregator pulls quotes from both venues and stitches them into
// snapshots. Funding is cached behind a TTL so the decision loop does not
// hammer the funding endpoint every tick.
type Aggregator struct {
	maker      venue.Adapter
	hedge      venue.Adapter
	assetClass string
	log        *zap.Logger
	now        func() time.Time

	mu                 sync.RWMutex
	funding            FundingSource
	fundingTTL         time.Duration
	fundingBps         float64
	hasFunding         bool
	lastFundingAttempt time.Time

	maxQuoteAge time.Duration
}

func NewAggregator(maker, hedge venue.Adapter, assetClass string, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		maker:       maker,
		hedge:       hedge,
		assetClass:  assetClass,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		fundingTTL:  2 * time.Minute,
		maxQuoteAge: 10 * time.Second,
	}
}

// EnableFunding attaches a funding feed. ttl <= 0 keeps the default.
func (a *Aggregator) EnableFunding(src FundingSource, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funding = src
	if ttl > 0 {
		a.fundingTTL = ttl
	}
}

func (a *Aggregator) Snapshot(ctx context.Context, instrument string) (Snapshot, error) {
	makerQuote, err := a.maker.FetchBestBidOffer(ctx, instrument)
	if err != nil {
		return Snapshot{}, fmt.Errorf("maker quote: %w", err)
	}
	hedgeQuote, err := a.hedge.FetchBestBidOffer(ctx, instrument)
	if err != nil {
		return Snapshot{}, fmt.Errorf("hedge quote: %w", err)
	}
	now := a.now()
	if err := a.validateQuote(makerQuote, now); err != nil {
		return Snapshot{}, fmt.Errorf("maker quote: %w", err)
	}
	if err := a.validateQuote(hedgeQuote, now); err != nil {
		return Snapshot{}, fmt.Errorf("hedge quote: %w", err)
	}

	snap := Snapshot{
		Instrument: instrument,
		Maker:      makerQuote,
		Hedge:      hedgeQuote,
		Time:       now,
	}
	if makerQuote.SessionKnown {
		snap.MarketOpen = makerQuote.MarketOpen
		snap.DayTradingClosed = makerQuote.DayTradingClosed
	} else {
		snap.MarketOpen, snap.DayTradingClosed = ApproximateSession(a.assetClass, now)
	}
	snap.FundingBps, snap.HasFunding = a.fundingRate(ctx, instrument, now)
	return snap, nil
}

func (a *Aggregator) validateQuote(q venue.Quote, now time.Time) error {
	if q.Bid <= 0 || q.Ask <= 0 || q.Bid >= q.Ask {
		return ErrCrossedBook
	}
	if !q.Time.IsZero() && a.maxQuoteAge > 0 && now.Sub(q.Time) > a.maxQuoteAge {
		return ErrStaleQuote
	}
	return nil
}

// fundingRate returns the cached rate, refreshing it when the TTL has
// passed. A failed refresh keeps the previous value; funding is an input to
// the cost model, not a reason to stall the loop.
func (a *Aggregator) fundingRate(ctx context.Context, instrument string, now time.Time) (float64, bool) {
	a.mu.RLock()
	src := a.funding
	ttl := a.fundingTTL
	last := a.lastFundingAttempt
	rate := a.fundingBps
	has := a.hasFunding
	a.mu.RUnlock()
	if src == nil {
		return 0, false
	}
	if !last.IsZero() && now.Sub(last) < ttl {
		return rate, has
	}
	a.mu.Lock()
	a.lastFundingAttempt = now
	a.mu.Unlock()
	fresh, err := src.FundingRateBps(ctx, instrument)
	if err != nil {
		a.log.Warn("funding refresh failed", zap.String("instrument", instrument), zap.Error(err))
		return rate, has
	}
	a.mu.Lock()
	a.fundingBps = fresh
	a.hasFunding = true
	a.mu.Unlock()
	return fresh, true
}
