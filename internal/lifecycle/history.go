package lifecycle

import "time"

// DecisionRecord is one engine evaluation, placed or skipped, queued to the
// history sink for offline analysis.
type DecisionRecord struct {
	Time           time.Time
	Ticker         string
	Place          bool
	Reason         string
	Direction      string
	Price          float64
	Size           float64
	EdgeBps        float64
	ThresholdBps   float64
	MakerMid       float64
	HedgeMid       float64
	SpreadBps      float64
	DislocationBps float64
	FundingBps     float64
}

// FillRecord is one observed fill delta on either venue.
type FillRecord struct {
	Time          time.Time
	Ticker        string
	Venue         string
	OrderID       string
	Side          string
	Role          string
	Price         float64
	Quantity      float64
	CumulativeQty float64
}

// History receives decision and fill records. Implementations must not
// block: the manager calls these inline from its event loop.
type History interface {
	RecordDecision(rec DecisionRecord)
	RecordFill(rec FillRecord)
}

type NoopHistory struct{}

func (NoopHistory) RecordDecision(DecisionRecord) {}

func (NoopHistory) RecordFill(FillRecord) {}
