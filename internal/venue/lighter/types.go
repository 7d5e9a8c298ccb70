package lighter

// marketInfo is one entry of the /api/v1/orderBooks listing.
type marketInfo struct {
	MarketID      int64  `json:"market_id"`
	Symbol        string `json:"symbol"`
	PriceDecimals int    `json:"price_decimals"`
	SizeDecimals  int    `json:"size_decimals"`
}

// bookLevel prices travel as decimal strings on both REST and the stream.
type bookLevel struct {
	Price  string `json:"price"`
	Amount string `json:"remaining_base_amount"`
}

type bookSnapshot struct {
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

type accountPosition struct {
	MarketID      int64  `json:"market_id"`
	Symbol        string `json:"symbol"`
	Position      string `json:"position"`
	Sign          int    `json:"sign"`
	AvgEntryPrice string `json:"avg_entry_price"`
}

// apiOrder is the exchange's view of one order, shared by the order query,
// the active-orders listing and the account order stream.
type apiOrder struct {
	OrderID      string `json:"order_id"`
	MarketID     int64  `json:"market_id"`
	IsAsk        bool   `json:"is_ask"`
	Price        string `json:"price"`
	InitialBase  string `json:"initial_base_amount"`
	FilledBase   string `json:"filled_base_amount"`
	AvgFillPrice string `json:"avg_fill_price"`
	ReduceOnly   bool   `json:"reduce_only"`
	Status       string `json:"status"`
}

// wsEnvelope is the common frame of every stream message; Orders is only
// present on account-order updates, keyed by market id.
type wsEnvelope struct {
	Type    string                `json:"type"`
	Channel string                `json:"channel"`
	Orders  map[string][]apiOrder `json:"orders"`
}
