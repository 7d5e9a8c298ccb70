package ostium

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"ol-hedge-bot/internal/venue"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

type gatewayStub struct {
	mu         sync.Mutex
	actions    []SignedAction
	orderID    string
	rejectWith string
	prices     []priceInfo
	orders     map[string]orderState
	trades     []tradeState
	funding    float64
}

func newGatewayStub() *gatewayStub {
	return &gatewayStub{
		orderID: "ord-1",
		prices: []priceInfo{{
			From: "BTC", To: "USD",
			Bid: 99_990, Mid: 100_000, Ask: 100_010,
			IsMarketOpen: true,
		}},
		orders: make(map[string]orderState),
	}
}

func (g *gatewayStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		switch req["type"] {
		case "pairs":
			writeJSON(w, map[string]any{"pairs": []pairInfo{
				{ID: 0, From: "BTC", To: "USD", Group: "crypto"},
				{ID: 7, From: "EUR", To: "USD", Group: "forex"},
			}})
		case "latestPrices":
			writeJSON(w, map[string]any{"prices": g.prices})
		case "orderStatus":
			id, _ := req["orderId"].(string)
			if state, ok := g.orders[id]; ok {
				writeJSON(w, map[string]any{"order": state})
				return
			}
			writeJSON(w, map[string]any{"order": nil})
		case "openOrders":
			orders := make([]orderState, 0, len(g.orders))
			for _, state := range g.orders {
				orders = append(orders, state)
			}
			writeJSON(w, map[string]any{"orders": orders})
		case "openTrades":
			writeJSON(w, map[string]any{"trades": g.trades})
		case "funding":
			writeJSON(w, map[string]any{"longPerHourBps": g.funding})
		default:
			http.Error(w, "unknown request", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/exchange", func(w http.ResponseWriter, r *http.Request) {
		var envelope SignedAction
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.actions = append(g.actions, envelope)
		reject := g.rejectWith
		id := g.orderID
		g.mu.Unlock()
		if reject != "" {
			writeJSON(w, map[string]any{"status": "err", "error": reject})
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "orderId": id})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (g *gatewayStub) lastAction(t *testing.T) SignedAction {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.actions) == 0 {
		t.Fatalf("expected at least one signed action")
	}
	return g.actions[len(g.actions)-1]
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(venue.Settings{
		BaseURL:        baseURL,
		PrivateKey:     testKey,
		Leverage:       10,
		PriceOffsetBps: 10,
		TickSize:       0.5,
		Timeout:        2 * time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	return client
}

func TestPlaceOpenOrderPricesOffTheTouch(t *testing.T) {
	stub := newGatewayStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	res, err := client.PlaceOpenOrder(context.Background(), "BTC", 0.5, venue.DirectionLong)
	if err != nil {
		t.Fatalf("place open order: %v", err)
	}
	if !res.Success || res.OrderID != "ord-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	// bid 99990 offset 10bps down then tick-floored.
	want := roundDownToTick(99_990*(1-0.001), 0.5)
	if res.Price != want {
		t.Fatalf("expected price %v, got %v", want, res.Price)
	}

	envelope := stub.lastAction(t)
	if envelope.Trader == "" || envelope.Signature.R == "" || envelope.Nonce == 0 {
		t.Fatalf("envelope missing signature material: %+v", envelope)
	}
	raw, _ := json.Marshal(envelope.Action)
	var action OrderAction
	if err := json.Unmarshal(raw, &action); err != nil {
		t.Fatalf("decode action: %v", err)
	}
	if action.Type != "order" || len(action.Orders) != 1 {
		t.Fatalf("unexpected action: %+v", action)
	}
	order := action.Orders[0]
	if order.Pair != 0 || !order.Buy || order.Kind != KindLimit || order.ReduceOnly {
		t.Fatalf("unexpected order wire: %+v", order)
	}
	if order.Price != FloatToWire(want) {
		t.Fatalf("expected wire price %s, got %s", FloatToWire(want), order.Price)
	}
	// collateral = qty*price/leverage
	if order.Collateral != FloatToWire(0.5*want/10) {
		t.Fatalf("unexpected collateral %s", order.Collateral)
	}
}

func TestPlaceCloseOrderIsReduceOnlyAtGivenPrice(t *testing.T) {
	stub := newGatewayStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	res, err := client.PlaceCloseOrder(context.Background(), "BTC", 0.25, 100_500, venue.SideSell)
	if err != nil {
		t.Fatalf("place close order: %v", err)
	}
	if !res.Success || res.Price != 100_500 {
		t.Fatalf("unexpected result: %+v", res)
	}
	raw, _ := json.Marshal(stub.lastAction(t).Action)
	var action OrderAction
	if err := json.Unmarshal(raw, &action); err != nil {
		t.Fatalf("decode action: %v", err)
	}
	order := action.Orders[0]
	if order.Buy || !order.ReduceOnly || order.Kind != KindLimit {
		t.Fatalf("unexpected order wire: %+v", order)
	}
}

func TestPlaceMarketOrderCrossesWithinBand(t *testing.T) {
	stub := newGatewayStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	res, err := client.PlaceMarketOrder(context.Background(), "BTC", 0.1, venue.DirectionShort)
	if err != nil {
		t.Fatalf("place market order: %v", err)
	}
	want := 99_990 * (1 - marketBandBps/1e4)
	if res.Price != want {
		t.Fatalf("expected protection price %v, got %v", want, res.Price)
	}
	raw, _ := json.Marshal(stub.lastAction(t).Action)
	var action OrderAction
	if err := json.Unmarshal(raw, &action); err != nil {
		t.Fatalf("decode action: %v", err)
	}
	if action.Orders[0].Kind != KindMarket || action.Orders[0].Buy {
		t.Fatalf("unexpected order wire: %+v", action.Orders[0])
	}
}

func TestGatewayRejectionIsNotATransportError(t *testing.T) {
	stub := newGatewayStub()
	stub.rejectWith = "below min collateral"
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	res, err := client.PlaceOpenOrder(context.Background(), "BTC", 0.5, venue.DirectionLong)
	if err != nil {
		t.Fatalf("expected venue-level refusal, got transport error: %v", err)
	}
	if res.Success || res.ErrorKind != venue.ErrKindRejected || res.Message != "below min collateral" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCancelUsesCachedPair(t *testing.T) {
	stub := newGatewayStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	if _, err := client.PlaceOpenOrder(context.Background(), "BTC", 0.5, venue.DirectionLong); err != nil {
		t.Fatalf("place open order: %v", err)
	}
	res, err := client.CancelOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if !res.Success || res.OrderID != "ord-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	raw, _ := json.Marshal(stub.lastAction(t).Action)
	var action CancelAction
	if err := json.Unmarshal(raw, &action); err != nil {
		t.Fatalf("decode action: %v", err)
	}
	if action.Type != "cancel" || len(action.Cancels) != 1 || action.Cancels[0].OrderID != "ord-1" {
		t.Fatalf("unexpected cancel wire: %+v", action)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	stub := newGatewayStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	if _, err := client.CancelOrder(context.Background(), "missing"); err != venue.ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetOrderInfoMapsStatusAndRole(t *testing.T) {
	stub := newGatewayStub()
	stub.orders["ord-9"] = orderState{
		OrderID: "ord-9", Pair: 0, Buy: true,
		Price: 100_000, Size: 0.5, Filled: 0.2, AvgPrice: 99_998,
		ReduceOnly: true, Status: "partially_filled",
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	info, ok, err := client.GetOrderInfo(context.Background(), "ord-9")
	if err != nil || !ok {
		t.Fatalf("get order info: ok=%v err=%v", ok, err)
	}
	if info.Status != venue.StatusPartiallyFilled || info.Role != venue.RoleClose || info.Side != venue.SideBuy {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.FilledSize != 0.2 || info.AvgFillPrice != 99_998 {
		t.Fatalf("unexpected fill fields: %+v", info)
	}

	if _, ok, err := client.GetOrderInfo(context.Background(), "nope"); err != nil || ok {
		t.Fatalf("expected not found, ok=%v err=%v", ok, err)
	}
}

func TestGetAccountPositionNetsOpenTrades(t *testing.T) {
	stub := newGatewayStub()
	stub.trades = []tradeState{
		{Collateral: 5_000, Leverage: 10, OpenPrice: 100_000, IsLong: true},
		{Collateral: 1_000, Leverage: 10, OpenPrice: 100_000, IsLong: false},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	pos, err := client.GetAccountPosition(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("get account position: %v", err)
	}
	if want := 0.5 - 0.1; pos < want-1e-9 || pos > want+1e-9 {
		t.Fatalf("expected net %v, got %v", want, pos)
	}
}

func TestFetchBestBidOfferSessionFlags(t *testing.T) {
	stub := newGatewayStub()
	stub.prices[0].IsDayTradingOver = true
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	quote, err := client.FetchBestBidOffer(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("fetch quote: %v", err)
	}
	if quote.Bid != 99_990 || quote.Ask != 100_010 {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if !quote.SessionKnown || !quote.MarketOpen || !quote.DayTradingClosed {
		t.Fatalf("unexpected session flags: %+v", quote)
	}
}

func TestFundingRateBps(t *testing.T) {
	stub := newGatewayStub()
	stub.funding = 1.25
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	rate, err := client.FundingRateBps(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("funding rate: %v", err)
	}
	if rate != 1.25 {
		t.Fatalf("expected 1.25, got %v", rate)
	}
}

func TestSubscribeOrderUpdatesUnsupported(t *testing.T) {
	stub := newGatewayStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	client := newTestClient(t, srv.URL)

	if err := client.SubscribeOrderUpdates(context.Background(), func(venue.OrderUpdate) {}); err != venue.ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestSplitTicker(t *testing.T) {
	cases := []struct {
		in    string
		base  string
		quote string
	}{
		{"BTC", "BTC", "USD"},
		{"btc-usd", "BTC", "USD"},
		{"EUR/USD", "EUR", "USD"},
		{" xau ", "XAU", "USD"},
	}
	for _, tc := range cases {
		base, quote := splitTicker(tc.in)
		if base != tc.base || quote != tc.quote {
			t.Fatalf("splitTicker(%q) = %s/%s, want %s/%s", tc.in, base, quote, tc.base, tc.quote)
		}
	}
}

func TestFloatToWire(t *testing.T) {
	cases := map[float64]string{
		0:        "0",
		100.5:    "100.5",
		0.1:      "0.1",
		99890.01: "99890.01",
	}
	for in, want := range cases {
		if got := FloatToWire(in); got != want {
			t.Fatalf("FloatToWire(%v) = %s, want %s", in, got, want)
		}
	}
}

func TestNonceMonotonic(t *testing.T) {
	client := &Client{}
	base := uint64(time.Now().UnixMilli()) + 86_400_000
	client.lastNonce.Store(base)
	if got := client.nextNonce(); got != base+1 {
		t.Fatalf("expected %d, got %d", base+1, got)
	}
	if got := client.nextNonce(); got != base+2 {
		t.Fatalf("expected %d, got %d", base+2, got)
	}
}
