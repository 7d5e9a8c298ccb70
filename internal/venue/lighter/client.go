// Package lighter implements the hedge-venue adapter for the Lighter
// zk-exchange: REST for order flow and account state, a stream for order
// push events. Quotes are VWAP-adjusted over the configured depth so the
// hedge leg is priced at what a taker would actually pay.
package lighter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ol-hedge-bot/internal/market"
	"ol-hedge-bot/internal/venue"
)

// marketBandBps bounds how far a market order may cross the touch.
const marketBandBps = 20.0

type Client struct {
	baseURL        string
	wsURL          string
	http           *http.Client
	apiKey         string
	accountIndex   int64
	leverage       float64
	offsetBps      float64
	minDepthUSD    float64
	reconnectDelay time.Duration
	pingInterval   time.Duration
	reconnects     interface{ Inc() }
	log            *zap.Logger

	mu       sync.Mutex
	markets  map[string]marketInfo // keyed by upper-cased symbol
	bySymbol map[int64]string
}

// Register wires the factory into the venue registry under "lighter".
func Register(reg *venue.Registry) error {
	return reg.Register("lighter", func(settings venue.Settings, log *zap.Logger) (venue.Adapter, error) {
		return New(settings, log)
	})
}

func New(settings venue.Settings, log *zap.Logger) (*Client, error) {
	if settings.BaseURL == "" {
		return nil, errors.New("lighter: base url is required")
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
	minDepth := settings.MinDepthUSD
	if minDepth <= 0 {
		minDepth = 10_000
	}
	return &Client{
		baseURL:        strings.TrimRight(settings.BaseURL, "/"),
		wsURL:          settings.WSURL,
		http:           &http.Client{Timeout: timeout},
		apiKey:         settings.PrivateKey,
		accountIndex:   settings.AccountIndex,
		leverage:       leverage,
		offsetBps:      settings.PriceOffsetBps,
		minDepthUSD:    minDepth,
		reconnectDelay: settings.ReconnectDelay,
		pingInterval:   settings.PingInterval,
		reconnects:     settings.Reconnects,
		log:            log,
		markets:        make(map[string]marketInfo),
		bySymbol:       make(map[int64]string),
	}, nil
}

func (c *Client) Name() string { return "lighter" }

func (c *Client) PlaceOpenOrder(ctx context.Context, instrument string, quantity float64, direction venue.Direction) (venue.OrderResult, error) {
	if quantity <= 0 {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "place_open_order", "quantity must be > 0")
	}
	info, err := c.resolveMarket(ctx, instrument)
	if err != nil {
		return venue.OrderResult{}, err
	}
	book, err := c.fetchBook(ctx, info.MarketID)
	if err != nil {
		return venue.OrderResult{}, err
	}
	isAsk := direction == venue.DirectionShort
	offset := c.offsetBps / 1e4
	var price float64
	if isAsk {
		top, ok := topOfBook(book.Asks)
		if !ok {
			return venue.OrderResult{}, venue.NewError(venue.ErrKindTransient, "place_open_order", "empty ask side")
		}
		price = top * (1 + offset)
	} else {
		top, ok := topOfBook(book.Bids)
		if !ok {
			return venue.OrderResult{}, venue.NewError(venue.ErrKindTransient, "place_open_order", "empty bid side")
		}
		price = top * (1 - offset)
	}
	return c.submitOrder(ctx, info, isAsk, price, quantity, "limit", false)
}

func (c *Client) PlaceCloseOrder(ctx context.Context, instrument string, quantity, price float64, side venue.Side) (venue.OrderResult, error) {
	if quantity <= 0 || price <= 0 {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "place_close_order", "quantity and price must be > 0")
	}
	info, err := c.resolveMarket(ctx, instrument)
	if err != nil {
		return venue.OrderResult{}, err
	}
	return c.submitOrder(ctx, info, side == venue.SideSell, price, quantity, "limit", true)
}

// PlaceMarketOrder crosses as an immediate limit bounded inside the
// protection band off the opposite touch.
func (c *Client) PlaceMarketOrder(ctx context.Context, instrument string, quantity float64, direction venue.Direction) (venue.OrderResult, error) {
	if quantity <= 0 {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "place_market_order", "quantity must be > 0")
	}
	info, err := c.resolveMarket(ctx, instrument)
	if err != nil {
		return venue.OrderResult{}, err
	}
	book, err := c.fetchBook(ctx, info.MarketID)
	if err != nil {
		return venue.OrderResult{}, err
	}
	band := marketBandBps / 1e4
	isAsk := direction == venue.DirectionShort
	var bound float64
	if isAsk {
		top, ok := topOfBook(book.Bids)
		if !ok {
			return venue.OrderResult{}, venue.NewError(venue.ErrKindTransient, "place_market_order", "empty bid side")
		}
		bound = top * (1 - band)
	} else {
		top, ok := topOfBook(book.Asks)
		if !ok {
			return venue.OrderResult{}, venue.NewError(venue.ErrKindTransient, "place_market_order", "empty ask side")
		}
		bound = top * (1 + band)
	}
	return c.submitOrder(ctx, info, isAsk, bound, quantity, "market", false)
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (venue.OrderResult, error) {
	if orderID == "" {
		return venue.OrderResult{}, venue.NewError(venue.ErrKindValidation, "cancel_order", "order id is required")
	}
	body := map[string]any{
		"account_index": c.accountIndex,
		"order_id":      orderID,
	}
	var resp apiResponse
	if err := c.post(ctx, "cancel_order", "/api/v1/cancelOrder", body, &resp); err != nil {
		return venue.OrderResult{}, err
	}
	if resp.Code != apiCodeOK {
		return venue.OrderResult{Success: false, ErrorKind: venue.ErrKindRejected, Message: resp.Message}, nil
	}
	return venue.OrderResult{Success: true, OrderID: orderID}, nil
}

func (c *Client) GetOrderInfo(ctx context.Context, orderID string) (venue.OrderInfo, bool, error) {
	var resp struct {
		apiResponse
		Order *apiOrder `json:"order"`
	}
	query := url.Values{"order_id": {orderID}}
	if err := c.get(ctx, "get_order_info", "/api/v1/order", query, &resp); err != nil {
		return venue.OrderInfo{}, false, err
	}
	if resp.Code != apiCodeOK || resp.Order == nil {
		return venue.OrderInfo{}, false, nil
	}
	return c.orderInfoFromAPI(*resp.Order), true, nil
}

func (c *Client) GetActiveOrders(ctx context.Context, instrument string) ([]venue.OrderInfo, error) {
	info, err := c.resolveMarket(ctx, instrument)
	if err != nil {
		return nil, err
	}
	var resp struct {
		apiResponse
		Orders []apiOrder `json:"orders"`
	}
	query := url.Values{
		"account_index": {strconv.FormatInt(c.accountIndex, 10)},
		"market_id":     {strconv.FormatInt(info.MarketID, 10)},
	}
	if err := c.get(ctx, "get_active_orders", "/api/v1/accountActiveOrders", query, &resp); err != nil {
		return nil, err
	}
	if resp.Code != apiCodeOK {
		return nil, venue.NewError(venue.ErrKindTransient, "get_active_orders", resp.Message)
	}
	infos := make([]venue.OrderInfo, 0, len(resp.Orders))
	for _, order := range resp.Orders {
		infos = append(infos, c.orderInfoFromAPI(order))
	}
	return infos, nil
}

// GetAccountPosition reads the signed base position for the market from the
// account listing; sign is +1 long, -1 short.
func (c *Client) GetAccountPosition(ctx context.Context, instrument string) (float64, error) {
	info, err := c.resolveMarket(ctx, instrument)
	if err != nil {
		return 0, err
	}
	var resp struct {
		apiResponse
		Accounts []struct {
			Positions []accountPosition `json:"positions"`
		} `json:"accounts"`
	}
	query := url.Values{
		"by":    {"index"},
		"value": {strconv.FormatInt(c.accountIndex, 10)},
	}
	if err := c.get(ctx, "get_account_position", "/api/v1/account", query, &resp); err != nil {
		return 0, err
	}
	if resp.Code != apiCodeOK || len(resp.Accounts) == 0 {
		return 0, venue.NewError(venue.ErrKindTransient, "get_account_position", resp.Message)
	}
	for _, pos := range resp.Accounts[0].Positions {
		if pos.MarketID != info.MarketID {
			continue
		}
		size, err := strconv.ParseFloat(pos.Position, 64)
		if err != nil {
			return 0, fmt.Errorf("lighter: bad position %q: %w", pos.Position, err)
		}
		if pos.Sign < 0 {
			size = -size
		}
		return size, nil
	}
	return 0, nil
}

// FetchBestBidOffer walks the book and reports the VWAP each side would
// clear at for the configured depth, so spread and edge reflect executable
// prices rather than the raw touch.
func (c *Client) FetchBestBidOffer(ctx context.Context, instrument string) (venue.Quote, error) {
	info, err := c.resolveMarket(ctx, instrument)
	if err != nil {
		return venue.Quote{}, err
	}
	book, err := c.fetchBook(ctx, info.MarketID)
	if err != nil {
		return venue.Quote{}, err
	}
	bids, err := parseLevels(book.Bids)
	if err != nil {
		return venue.Quote{}, err
	}
	asks, err := parseLevels(book.Asks)
	if err != nil {
		return venue.Quote{}, err
	}
	quote := venue.Quote{
		BidDepthUSD: market.DepthUSD(bids, 0),
		AskDepthUSD: market.DepthUSD(asks, 0),
		Time:        time.Now().UTC(),
	}
	if vwap, _, ok := market.VWAPByQuote(bids, c.minDepthUSD); ok {
		quote.Bid = vwap
	} else if top, ok := topOfBook(book.Bids); ok {
		quote.Bid = top
	}
	if vwap, _, ok := market.VWAPByQuote(asks, c.minDepthUSD); ok {
		quote.Ask = vwap
	} else if top, ok := topOfBook(book.Asks); ok {
		quote.Ask = top
	}
	return quote, nil
}

// SubscribeOrderUpdates follows the account order stream, reconnecting and
// resubscribing until ctx is done. Without a stream URL the venue is
// poll-only.
func (c *Client) SubscribeOrderUpdates(ctx context.Context, handler func(venue.OrderUpdate)) error {
	if c.wsURL == "" {
		return venue.ErrUnsupported
	}
	ws := newWSClient(c.wsURL, c.apiKey, c.accountIndex, c.reconnectDelay, c.pingInterval, c.reconnects, c.log)
	if err := ws.Connect(ctx); err != nil {
		return err
	}
	if err := ws.Subscribe(ctx, fmt.Sprintf("account_all_orders/%d", c.accountIndex)); err != nil {
		return err
	}
	return ws.Run(ctx, func(raw json.RawMessage) {
		var envelope wsEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.log.Warn("ws message decode failed", zap.Error(err))
			return
		}
		if !strings.Contains(envelope.Type, "account_all_orders") {
			return
		}
		for marketKey, orders := range envelope.Orders {
			marketID, err := strconv.ParseInt(marketKey, 10, 64)
			if err != nil {
				continue
			}
			symbol := c.symbolForMarket(marketID)
			for _, order := range orders {
				update, err := c.updateFromAPI(symbol, order)
				if err != nil {
					c.log.Warn("order update decode failed",
						zap.String("order_id", order.OrderID), zap.Error(err))
					continue
				}
				handler(update)
			}
		}
	})
}

type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const apiCodeOK = 200

func (c *Client) submitOrder(ctx context.Context, info marketInfo, isAsk bool, price, quantity float64, orderType string, reduceOnly bool) (venue.OrderResult, error) {
	price = roundToDecimals(price, info.PriceDecimals)
	body := map[string]any{
		"account_index": c.accountIndex,
		"market_id":     info.MarketID,
		"is_ask":        isAsk,
		"price":         strconv.FormatFloat(price, 'f', info.PriceDecimals, 64),
		"base_amount":   strconv.FormatFloat(quantity, 'f', info.SizeDecimals, 64),
		"order_type":    orderType,
		"reduce_only":   reduceOnly,
	}
	var resp struct {
		apiResponse
		Order *apiOrder `json:"order"`
	}
	if err := c.post(ctx, "submit_order", "/api/v1/order", body, &resp); err != nil {
		return venue.OrderResult{}, err
	}
	if resp.Code != apiCodeOK || resp.Order == nil {
		return venue.OrderResult{Success: false, ErrorKind: venue.ErrKindRejected, Message: resp.Message}, nil
	}
	return venue.OrderResult{Success: true, OrderID: resp.Order.OrderID, Price: price}, nil
}

func (c *Client) fetchBook(ctx context.Context, marketID int64) (bookSnapshot, error) {
	var resp struct {
		apiResponse
		bookSnapshot
	}
	query := url.Values{
		"market_id": {strconv.FormatInt(marketID, 10)},
		"limit":     {"50"},
	}
	if err := c.get(ctx, "order_book", "/api/v1/orderBookOrders", query, &resp); err != nil {
		return bookSnapshot{}, err
	}
	if resp.Code != apiCodeOK {
		return bookSnapshot{}, venue.NewError(venue.ErrKindTransient, "order_book", resp.Message)
	}
	return resp.bookSnapshot, nil
}

// resolveMarket maps a ticker to the market listing entry, refreshing the
// cache on a miss. Lighter symbols carry the base only ("BTC").
func (c *Client) resolveMarket(ctx context.Context, instrument string) (marketInfo, error) {
	symbol := baseSymbol(instrument)
	c.mu.Lock()
	info, ok := c.markets[symbol]
	c.mu.Unlock()
	if ok {
		return info, nil
	}
	var resp struct {
		apiResponse
		OrderBooks []marketInfo `json:"order_books"`
	}
	if err := c.get(ctx, "markets", "/api/v1/orderBooks", nil, &resp); err != nil {
		return marketInfo{}, err
	}
	if resp.Code != apiCodeOK {
		return marketInfo{}, venue.NewError(venue.ErrKindTransient, "markets", resp.Message)
	}
	c.mu.Lock()
	for _, entry := range resp.OrderBooks {
		key := strings.ToUpper(entry.Symbol)
		c.markets[key] = entry
		c.bySymbol[entry.MarketID] = key
	}
	info, ok = c.markets[symbol]
	c.mu.Unlock()
	if !ok {
		return marketInfo{}, venue.NewError(venue.ErrKindValidation, "markets",
			fmt.Sprintf("instrument %s is not listed", instrument))
	}
	return info, nil
}

func (c *Client) symbolForMarket(marketID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bySymbol[marketID]
}

func (c *Client) orderInfoFromAPI(order apiOrder) venue.OrderInfo {
	price, _ := strconv.ParseFloat(order.Price, 64)
	size, _ := strconv.ParseFloat(order.InitialBase, 64)
	filled, _ := strconv.ParseFloat(order.FilledBase, 64)
	avg, _ := strconv.ParseFloat(order.AvgFillPrice, 64)
	info := venue.OrderInfo{
		OrderID:      order.OrderID,
		Instrument:   c.symbolForMarket(order.MarketID),
		Status:       statusFromAPI(order.Status, filled, size),
		Side:         venue.SideBuy,
		Role:         venue.RoleOpen,
		Price:        price,
		Size:         size,
		FilledSize:   filled,
		AvgFillPrice: avg,
	}
	if order.IsAsk {
		info.Side = venue.SideSell
	}
	if order.ReduceOnly {
		info.Role = venue.RoleClose
	}
	return info
}

func (c *Client) updateFromAPI(symbol string, order apiOrder) (venue.OrderUpdate, error) {
	price, err := strconv.ParseFloat(order.Price, 64)
	if err != nil {
		return venue.OrderUpdate{}, fmt.Errorf("bad price %q: %w", order.Price, err)
	}
	size, err := strconv.ParseFloat(order.InitialBase, 64)
	if err != nil {
		return venue.OrderUpdate{}, fmt.Errorf("bad base amount %q: %w", order.InitialBase, err)
	}
	filled, err := strconv.ParseFloat(order.FilledBase, 64)
	if err != nil {
		return venue.OrderUpdate{}, fmt.Errorf("bad filled amount %q: %w", order.FilledBase, err)
	}
	update := venue.OrderUpdate{
		Instrument:     symbol,
		OrderID:        order.OrderID,
		Status:         statusFromAPI(order.Status, filled, size),
		Side:           venue.SideBuy,
		Role:           venue.RoleOpen,
		FilledQuantity: filled,
		TotalQuantity:  size,
		Price:          price,
	}
	if order.IsAsk {
		update.Side = venue.SideSell
	}
	if order.ReduceOnly {
		update.Role = venue.RoleClose
	}
	return update, nil
}

func statusFromAPI(raw string, filled, size float64) venue.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "pending", "in-progress":
		if filled > 0 && filled < size {
			return venue.StatusPartiallyFilled
		}
		return venue.StatusOpen
	case "filled":
		return venue.StatusFilled
	case "canceled", "canceled-post-only", "canceled-reduce":
		return venue.StatusCanceled
	default:
		return venue.StatusRejected
	}
}

func parseLevels(raw []bookLevel) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(raw))
	for _, lvl := range raw {
		price, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("lighter: bad level price %q: %w", lvl.Price, err)
		}
		size, err := strconv.ParseFloat(lvl.Amount, 64)
		if err != nil {
			return nil, fmt.Errorf("lighter: bad level amount %q: %w", lvl.Amount, err)
		}
		levels = append(levels, market.Level{Price: price, Size: size})
	}
	return levels, nil
}

func topOfBook(raw []bookLevel) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	price, err := strconv.ParseFloat(raw[0].Price, 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}

func baseSymbol(instrument string) string {
	ticker := strings.ToUpper(strings.TrimSpace(instrument))
	for _, sep := range []string{"/", "-"} {
		if idx := strings.Index(ticker, sep); idx > 0 {
			return ticker[:idx]
		}
	}
	return ticker
}

func roundToDecimals(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	p, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', decimals, 64), 64)
	if err != nil {
		return v
	}
	return p
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(op, req, out)
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
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
