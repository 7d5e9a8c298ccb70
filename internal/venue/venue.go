package venue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Direction is the position side a new order builds toward.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// OpenSide returns the book side that opens the direction.
func (d Direction) OpenSide() Side {
	if d == DirectionShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide returns the book side that unwinds the direction.
func (d Direction) CloseSide() Side {
	if d == DirectionShort {
		return SideBuy
	}
	return SideSell
}

func (d Direction) Opposite() Direction {
	if d == DirectionShort {
		return DirectionLong
	}
	return DirectionShort
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Role distinguishes the opening leg from the closing leg of a cycle.
type Role string

const (
	RoleOpen  Role = "open"
	RoleClose Role = "close"
)

type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially-filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further fills can occur for the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

type ErrorKind string

const (
	ErrKindTransient  ErrorKind = "transient"
	ErrKindRejected   ErrorKind = "rejected"
	ErrKindAuth       ErrorKind = "auth"
	ErrKindValidation ErrorKind = "validation"
)

var (
	ErrUnsupported   = errors.New("venue: operation unsupported")
	ErrOrderNotFound = errors.New("venue: order not found")
)

// Error is a classified venue failure. Transport failures that arrive as
// plain errors are treated as transient by Retryable.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("venue %s: %s (%s)", e.Op, e.Msg, e.Kind)
}

func NewError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// KindOf extracts the classification of err; plain errors default to
// transient so network hiccups stay retryable.
func KindOf(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ErrKindTransient
}

// Retryable reports whether the retry policy may re-attempt the call.
// Authorization and validation failures never are; neither are venue
// rejections, which require a fresh decision cycle first.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrOrderNotFound) {
		return false
	}
	return KindOf(err) == ErrKindTransient
}

// OrderResult reports the venue-level outcome of a placement or cancel.
// Transport errors surface as Go errors instead; ErrorKind is set when the
// venue itself refused the request.
type OrderResult struct {
	Success   bool
	OrderID   string
	ErrorKind ErrorKind
	Message   string
	// Price is the venue-reported placement price when available; zero
	// otherwise.
	Price float64
}

type OrderInfo struct {
	OrderID      string
	Instrument   string
	Status       OrderStatus
	Side         Side
	Role         Role
	Price        float64
	Size         float64
	FilledSize   float64
	AvgFillPrice float64
}

// OrderUpdate is one pushed or polled order event. FilledQuantity is
// cumulative for the order, never a delta.
type OrderUpdate struct {
	Instrument     string
	OrderID        string
	Status         OrderStatus
	Side           Side
	Role           Role
	FilledQuantity float64
	TotalQuantity  float64
	Price          float64
}

// Quote is one venue's best bid/offer, optionally VWAP-adjusted over a
// minimum notional depth by the adapter.
type Quote struct {
	Bid         float64
	Ask         float64
	BidDepthUSD float64
	AskDepthUSD float64
	// Session flags, meaningful when SessionKnown. Venues without session
	// metadata leave SessionKnown false and the aggregator approximates.
	SessionKnown     bool
	MarketOpen       bool
	DayTradingClosed bool
	Time             time.Time
}

func (q Quote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		if q.Bid > 0 {
			return q.Bid
		}
		return q.Ask
	}
	return (q.Bid + q.Ask) / 2
}

// SpreadBps is the quoted spread normalized to mid, in basis points.
func (q Quote) SpreadBps() float64 {
	mid := q.Mid()
	if mid <= 0 || q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 1e4
}

// Adapter is the uniform per-venue surface consumed by the lifecycle
// manager and the snapshot aggregator. Implementations must be safe for
// concurrent use.
type Adapter interface {
	Name() string
	// PlaceOpenOrder rests a maker limit order priced by the adapter at the
	// configured offset from its own touch.
	PlaceOpenOrder(ctx context.Context, instrument string, quantity float64, direction Direction) (OrderResult, error)
	PlaceCloseOrder(ctx context.Context, instrument string, quantity, price float64, side Side) (OrderResult, error)
	// PlaceMarketOrder crosses the book immediately; used for the hedge leg
	// and boost-mode closes. Venues without market orders return
	// ErrUnsupported.
	PlaceMarketOrder(ctx context.Context, instrument string, quantity float64, direction Direction) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (OrderResult, error)
	GetOrderInfo(ctx context.Context, orderID string) (OrderInfo, bool, error)
	GetActiveOrders(ctx context.Context, instrument string) ([]OrderInfo, error)
	GetAccountPosition(ctx context.Context, instrument string) (float64, error)
	FetchBestBidOffer(ctx context.Context, instrument string) (Quote, error)
	// SubscribeOrderUpdates starts the venue push stream and invokes handler
	// for every order event until ctx is done. Poll-only venues return
	// ErrUnsupported.
	SubscribeOrderUpdates(ctx context.Context, handler func(OrderUpdate)) error
}

// Settings carries everything a factory needs to build an adapter. Secrets
// arrive through here from the environment, never from YAML.
type Settings struct {
	BaseURL        string
	WSURL          string
	Timeout        time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	PrivateKey     string
	AccountIndex   int64
	Leverage       float64
	PriceOffsetBps float64
	TickSize       float64
	MinDepthUSD    float64
	// Reconnects, when set, counts stream re-dials for adapters that keep a
	// push connection.
	Reconnects interface{ Inc() }
}
