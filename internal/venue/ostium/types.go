package ostium

// OrderKind selects how the gateway works the order: limit rests at the
// wire price, market crosses immediately inside the protection band.
type OrderKind string

const (
	KindLimit  OrderKind = "limit"
	KindMarket OrderKind = "market"
)

// OrderWire is the signed order payload. Numeric fields travel as decimal
// strings so the msgpack bytes the signature commits to are reproducible.
type OrderWire struct {
	Pair       int       `json:"pair"`
	Buy        bool      `json:"buy"`
	Price      string    `json:"price"`
	Collateral string    `json:"collateral"`
	Leverage   string    `json:"leverage"`
	TakeProfit string    `json:"tp"`
	StopLoss   string    `json:"sl"`
	Kind       OrderKind `json:"kind"`
	ReduceOnly bool      `json:"reduceOnly"`
}

type OrderAction struct {
	Type   string      `json:"type"`
	Orders []OrderWire `json:"orders"`
}

type CancelWire struct {
	Pair    int    `json:"pair"`
	OrderID string `json:"orderId"`
}

type CancelAction struct {
	Type    string       `json:"type"`
	Cancels []CancelWire `json:"cancels"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

// SignedAction is the envelope posted to /exchange. Trader names the
// account the signature recovers to; the gateway rejects mismatches.
type SignedAction struct {
	Action    any       `json:"action"`
	Nonce     uint64    `json:"nonce"`
	Trader    string    `json:"trader"`
	Signature Signature `json:"signature"`
}

// pairInfo is one tradable pair from the /info pairs listing.
type pairInfo struct {
	ID    int    `json:"id"`
	From  string `json:"from"`
	To    string `json:"to"`
	Group string `json:"group"`
}

// priceInfo is one entry of the latest-prices feed. Session flags come from
// the feed itself; the aggregator only approximates when they are absent.
type priceInfo struct {
	From             string  `json:"from"`
	To               string  `json:"to"`
	Bid              float64 `json:"bid"`
	Mid              float64 `json:"mid"`
	Ask              float64 `json:"ask"`
	IsMarketOpen     bool    `json:"isMarketOpen"`
	IsDayTradingOver bool    `json:"isDayTradingClosed"`
}

// orderState is the gateway's view of one order, shared by the orderStatus
// and openOrders queries.
type orderState struct {
	OrderID    string  `json:"orderId"`
	Pair       int     `json:"pair"`
	Buy        bool    `json:"buy"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Filled     float64 `json:"filled"`
	AvgPrice   float64 `json:"avgPrice"`
	ReduceOnly bool    `json:"reduceOnly"`
	Status     string  `json:"status"`
}

// tradeState is one open trade; the signed net position is derived from the
// collateral, leverage and entry price of every open trade on the pair.
type tradeState struct {
	Collateral float64 `json:"collateral"`
	Leverage   float64 `json:"leverage"`
	OpenPrice  float64 `json:"openPrice"`
	IsLong     bool    `json:"isLong"`
}
