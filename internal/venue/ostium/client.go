// Package ostium implements the maker-venue adapter for the Ostium
// perpetuals gateway: a REST surface for quotes and queries plus
// EIP-712-signed trade actions. The gateway has no order push stream, so
// the adapter is poll-only.
package ostium

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ol-hedge-bot/internal/venue"
)

const (
	// marketBandBps is how far a market order crosses the touch; the wire
	// price acts as a protection bound, not a resting level.
	marketBandBps = 20.0

	defaultQuote = "USD"
)

type Client struct {
	baseURL   string
	http      *http.Client
	signer    *Signer
	log       *zap.Logger
	leverage  float64
	offsetBps float64
	tickSize  float64

	lastNonce atomic.Uint64

	mu         sync.Mutex
	pairs      map[string]pairInfo
	orderPairs map[string]int
}

// Register wires the factory into the venue registry under "ostium".
func Register(reg *venue.Registry) error {
	return reg.Register("ostium", func(settings venue.Settings, log *zap.Logger) (venue.Adapter, error) {
		return New(settings, log)
	})
}

func New(settings venue.Settings, log *zap.Logger) (*Client, error) {
	if settings.BaseURL == "" {
		return nil, errors.New("ostium: base url is required")
	}
	signer, err := NewSigner(settings.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("ostium: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	leverage := settings.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(settings.BaseURL, "/"),
		http:       &http.Client{Timeout: timeout},
		signer:     signer,
		log:        log,
		leverage:   leverage,
		offsetBps:  settings.PriceOffsetBps,
		tickSize:   settings.TickSize,
		pairs:      make(map[string]pairInfo),
		orderPairs: make(map[string]int),
	}, nil
}

func (c *Client) Name() string { return "ostium" }

func (c *Client) PlaceOpenOrder(ctx context.Context, instrument string, quantity float64, direction venue.Direction) (venue.OrderResult, error) {
	if quantity <= 0 {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "place_open_order", "quantity must be > 0")
	}
	pair, err := c.resolvePair(ctx, instrument)
	if err != nil {
		return venue.OrderResult{}, err
	}
	price, err := c.latestPrice(ctx, pair)
	if err != nil {
		return venue.OrderResult{}, err
	}
	buy := direction != venue.DirectionShort
	limit := c.makerLimitPrice(price, buy)
	if limit <= 0 {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "place_open_order", "no usable quote for limit price")
	}
	res, err := c.submitOrder(ctx, orderParams{
		pair:  pair.ID,
		buy:   buy,
		price: limit,
		qty:   quantity,
		kind:  KindLimit,
	})
	if err == nil && res.Success {
		res.Price = limit
	}
	return res, err
}

func (c *Client) PlaceCloseOrder(ctx context.Context, instrument string, quantity, price float64, side venue.Side) (venue.OrderResult, error) {
	if quantity <= 0 || price <= 0 {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "place_close_order", "quantity and price must be > 0")
	}
	pair, err := c.resolvePair(ctx, instrument)
	if err != nil {
		return venue.OrderResult{}, err
	}
	res, err := c.submitOrder(ctx, orderParams{
		pair:       pair.ID,
		buy:        side == venue.SideBuy,
		price:      price,
		qty:        quantity,
		kind:       KindLimit,
		reduceOnly: true,
	})
	if err == nil && res.Success {
		res.Price = price
	}
	return res, err
}

func (c *Client) PlaceMarketOrder(ctx context.Context, instrument string, quantity float64, direction venue.Direction) (venue.OrderResult, error) {
	if quantity <= 0 {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "place_market_order", "quantity must be > 0")
	}
	pair, err := c.resolvePair(ctx, instrument)
	if err != nil {
		return venue.OrderResult{}, err
	}
	price, err := c.latestPrice(ctx, pair)
	if err != nil {
		return venue.OrderResult{}, err
	}
	buy := direction != venue.DirectionShort
	bound := crossingPrice(price, buy)
	if bound <= 0 {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "place_market_order", "no usable quote for protection price")
	}
	res, err := c.submitOrder(ctx, orderParams{
		pair:  pair.ID,
		buy:   buy,
		price: bound,
		qty:   quantity,
		kind:  KindMarket,
	})
	if err == nil && res.Success {
		res.Price = bound
	}
	return res, err
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (venue.OrderResult, error) {
	if orderID == "" {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "cancel_order", "order id is required")
	}
	pair, ok := c.cachedOrderPair(orderID)
	if !ok {
		state, found, err := c.orderState(ctx, orderID)
		if err != nil {
			return venue.OrderResult{}, err
		}
		if !found {
			return venue.OrderResult{}, venue.ErrOrderNotFound
		}
		pair = state.Pair
	}
	action := CancelAction{Type: "cancel", Cancels: []CancelWire{{Pair: pair, OrderID: orderID}}}
	nonce := c.nextNonce()
	sig, err := c.signer.SignCancelAction(action, nonce)
	if err != nil {
		return venue.OrderResult{}, err
	}
	res, err := c.postAction(ctx, "cancel_order", action, nonce, sig)
	if err == nil && res.Success {
		res.OrderID = orderID
	}
	return res, err
}

func (c *Client) GetOrderInfo(ctx context.Context, orderID string) (venue.OrderInfo, bool, error) {
	state, ok, err := c.orderState(ctx, orderID)
	if err != nil || !ok {
		return venue.OrderInfo{}, false, err
	}
	return orderInfoFromState(state), true, nil
}

func (c *Client) GetActiveOrders(ctx context.Context, instrument string) ([]venue.OrderInfo, error) {
	pair, err := c.resolvePair(ctx, instrument)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Orders []orderState `json:"orders"`
	}
	req := map[string]any{
		"type":   "openOrders",
		"trader": c.signer.Address().Hex(),
		"pair":   pair.ID,
	}
	if err := c.postInfo(ctx, "get_active_orders", req, &resp); err != nil {
		return nil, err
	}
	infos := make([]venue.OrderInfo, 0, len(resp.Orders))
	for _, state := range resp.Orders {
		info := orderInfoFromState(state)
		info.Instrument = instrument
		infos = append(infos, info)
	}
	return infos, nil
}

// GetAccountPosition derives the signed base position from the open trades
// on the pair: each trade holds collateral at leverage, entered at its open
// price.
func (c *Client) GetAccountPosition(ctx context.Context, instrument string) (float64, error) {
	pair, err := c.resolvePair(ctx, instrument)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Trades []tradeState `json:"trades"`
	}
	req := map[string]any{
		"type":   "openTrades",
		"trader": c.signer.Address().Hex(),
		"pair":   pair.ID,
	}
	if err := c.postInfo(ctx, "get_account_position", req, &resp); err != nil {
		return 0, err
	}
	var net float64
	for _, trade := range resp.Trades {
		if trade.OpenPrice <= 0 {
			continue
		}
		size := trade.Collateral * trade.Leverage / trade.OpenPrice
		if trade.IsLong {
			net += size
		} else {
			net -= size
		}
	}
	return net, nil
}

func (c *Client) FetchBestBidOffer(ctx context.Context, instrument string) (venue.Quote, error) {
	pair, err := c.resolvePair(ctx, instrument)
	if err != nil {
		return venue.Quote{}, err
	}
	price, err := c.latestPrice(ctx, pair)
	if err != nil {
		return venue.Quote{}, err
	}
	return venue.Quote{
		Bid:              price.Bid,
		Ask:              price.Ask,
		SessionKnown:     true,
		MarketOpen:       price.IsMarketOpen,
		DayTradingClosed: price.IsDayTradingOver,
		Time:             time.Now().UTC(),
	}, nil
}

// SubscribeOrderUpdates is unsupported: the gateway exposes no order push
// stream, so callers fall back to polling GetOrderInfo.
func (c *Client) SubscribeOrderUpdates(ctx context.Context, handler func(venue.OrderUpdate)) error {
	return venue.ErrUnsupported
}

// FundingRateBps satisfies the aggregator's funding source: the hourly
// funding in bps charged to longs on the pair.
func (c *Client) FundingRateBps(ctx context.Context, instrument string) (float64, error) {
	pair, err := c.resolvePair(ctx, instrument)
	if err != nil {
		return 0, err
	}
	var resp struct {
		LongPerHourBps float64 `json:"longPerHourBps"`
	}
	req := map[string]any{"type": "funding", "pair": pair.ID}
	if err := c.postInfo(ctx, "funding_rate", req, &resp); err != nil {
		return 0, err
	}
	return resp.LongPerHourBps, nil
}

type orderParams struct {
	pair       int
	buy        bool
	price      float64
	qty        float64
	kind       OrderKind
	reduceOnly bool
}

func (c *Client) submitOrder(ctx context.Context, p orderParams) (venue.OrderResult, error) {
	collateral := p.qty * p.price / c.leverage
	wire := OrderWire{
		Pair:       p.pair,
		Buy:        p.buy,
		Price:      FloatToWire(p.price),
		Collateral: FloatToWire(collateral),
		Leverage:   FloatToWire(c.leverage),
		TakeProfit: "0",
		StopLoss:   "0",
		Kind:       p.kind,
		ReduceOnly: p.reduceOnly,
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{wire}}
	nonce := c.nextNonce()
	sig, err := c.signer.SignOrderAction(action, nonce)
	if err != nil {
		return venue.OrderResult{}, err
	}
	res, err := c.postAction(ctx, "submit_order", action, nonce, sig)
	if err == nil && res.Success && res.OrderID != "" {
		c.mu.Lock()
		c.orderPairs[res.OrderID] = p.pair
		c.mu.Unlock()
	}
	return res, err
}

// makerLimitPrice rests the order offset away from the touch; when the feed
// publishes no touch it falls back to the mid.
func (c *Client) makerLimitPrice(price priceInfo, buy bool) float64 {
	offset := c.offsetBps / 1e4
	if buy {
		ref := price.Bid
		if ref <= 0 {
			ref = price.Mid
		}
		return roundDownToTick(ref*(1-offset), c.tickSize)
	}
	ref := price.Ask
	if ref <= 0 {
		ref = price.Mid
	}
	return roundUpToTick(ref*(1+offset), c.tickSize)
}

func crossingPrice(price priceInfo, buy bool) float64 {
	band := marketBandBps / 1e4
	if buy {
		ref := price.Ask
		if ref <= 0 {
			ref = price.Mid
		}
		return ref * (1 + band)
	}
	ref := price.Bid
	if ref <= 0 {
		ref = price.Mid
	}
	return ref * (1 - band)
}

func (c *Client) cachedOrderPair(orderID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pair, ok := c.orderPairs[orderID]
	return pair, ok
}

func (c *Client) orderState(ctx context.Context, orderID string) (orderState, bool, error) {
	var resp struct {
		Order *orderState `json:"order"`
	}
	req := map[string]any{"type": "orderStatus", "orderId": orderID}
	if err := c.postInfo(ctx, "order_status", req, &resp); err != nil {
		return orderState{}, false, err
	}
	if resp.Order == nil {
		return orderState{}, false, nil
	}
	return *resp.Order, true, nil
}

func (c *Client) latestPrice(ctx context.Context, pair pairInfo) (priceInfo, error) {
	var resp struct {
		Prices []priceInfo `json:"prices"`
	}
	req := map[string]any{"type": "latestPrices"}
	if err := c.postInfo(ctx, "latest_prices", req, &resp); err != nil {
		return priceInfo{}, err
	}
	for _, price := range resp.Prices {
		if strings.EqualFold(price.From, pair.From) && strings.EqualFold(price.To, pair.To) {
			return price, nil
		}
	}
	return priceInfo{}, venue.NewError(venue.ErrKindTransient, "latest_prices",
		fmt.Sprintf("no price published for %s/%s", pair.From, pair.To))
}

// resolvePair maps an instrument ticker to the gateway pair id, refreshing
// the pairs listing on a miss. Tickers may be "BTC", "BTC-USD" or "EUR/USD".
func (c *Client) resolvePair(ctx context.Context, instrument string) (pairInfo, error) {
	base, quote := splitTicker(instrument)
	key := base + "/" + quote
	c.mu.Lock()
	pair, ok := c.pairs[key]
	c.mu.Unlock()
	if ok {
		return pair, nil
	}
	var resp struct {
		Pairs []pairInfo `json:"pairs"`
	}
	if err := c.postInfo(ctx, "pairs", map[string]any{"type": "pairs"}, &resp); err != nil {
		return pairInfo{}, err
	}
	c.mu.Lock()
	for _, p := range resp.Pairs {
		c.pairs[strings.ToUpper(p.From)+"/"+strings.ToUpper(p.To)] = p
	}
	pair, ok = c.pairs[key]
	c.mu.Unlock()
	if !ok {
		return pairInfo{}, venue.NewError(venue.ErrKindValidation, "pairs",
			fmt.Sprintf("instrument %s is not listed", instrument))
	}
	return pair, nil
}

func splitTicker(instrument string) (base, quote string) {
	ticker := strings.ToUpper(strings.TrimSpace(instrument))
	for _, sep := range []string{"/", "-"} {
		if parts := strings.SplitN(ticker, sep, 2); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1]
		}
	}
	return ticker, defaultQuote
}

// nextNonce is strictly increasing across the client's lifetime, seeded from
// the wall clock in milliseconds.
func (c *Client) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			return next
		}
	}
}

type exchangeResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId"`
	Error   string `json:"error"`
}

func (c *Client) postAction(ctx context.Context, op string, action any, nonce uint64, sig Signature) (venue.OrderResult, error) {
	envelope := SignedAction{
		Action:    action,
		Nonce:     nonce,
		Trader:    c.signer.Address().Hex(),
		Signature: sig,
	}
	var resp exchangeResponse
	if err := c.post(ctx, op, "/exchange", envelope, &resp); err != nil {
		return venue.OrderResult{}, err
	}
	if resp.Status != "ok" {
		// The gateway accepted the request but refused the order; callers
		// re-evaluate against a fresh snapshot rather than retrying blindly.
		return venue.OrderResult{
			Success:   false,
			ErrorKind: venue.ErrKindRejected,
			Message:   resp.Error,
		}, nil
	}
	return venue.OrderResult{Success: true, OrderID: resp.OrderID}, nil
}

func (c *Client) postInfo(ctx context.Context, op string, req, out any) error {
	return c.post(ctx, op, "/info", req, out)
}

func (c *Client) post(ctx context.Context, op, path string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return venue.NewError(classifyStatus(resp.StatusCode), op,
			fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func classifyStatus(status int) venue.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return venue.ErrKindAuth
	case status >= 400 && status < 500:
		return venue.ErrKindValidation
	default:
		return venue.ErrKindTransient
	}
}

func orderInfoFromState(state orderState) venue.OrderInfo {
	info := venue.OrderInfo{
		OrderID:      state.OrderID,
		Status:       statusFromString(state.Status),
		Side:         venue.SideSell,
		Role:         venue.RoleOpen,
		Price:        state.Price,
		Size:         state.Size,
		FilledSize:   state.Filled,
		AvgFillPrice: state.AvgPrice,
	}
	if state.Buy {
		info.Side = venue.SideBuy
	}
	if state.ReduceOnly {
		info.Role = venue.RoleClose
	}
	return info
}

func statusFromString(raw string) venue.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "pending", "resting":
		return venue.StatusOpen
	case "partially_filled", "partially-filled", "partial":
		return venue.StatusPartiallyFilled
	case "filled", "executed":
		return venue.StatusFilled
	case "canceled", "cancelled":
		return venue.StatusCanceled
	default:
		return venue.StatusRejected
	}
}

// FloatToWire renders a price or size the way the signature expects it: a
// plain decimal with no exponent and no trailing zeros.
func FloatToWire(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-0" {
		return "0"
	}
	return s
}

func roundDownToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	steps := float64(int64(price/tick + 1e-9))
	return steps * tick
}

func roundUpToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	steps := float64(int64(price/tick - 1e-9))
	if steps*tick < price-1e-9*tick {
		steps++
	}
	return steps * tick
}
