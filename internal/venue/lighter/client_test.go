package lighter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"ol-hedge-bot/internal/venue"
)

type exchangeStub struct {
	mu        sync.Mutex
	orderReqs []map[string]any
	orderID   string
	reject    string
	book      bookSnapshot
	positions []accountPosition
	orders    []apiOrder
}

func newExchangeStub() *exchangeStub {
	return &exchangeStub{
		orderID: "lt-1",
		book: bookSnapshot{
			Bids: []bookLevel{{Price: "100", Amount: "50"}, {Price: "99", Amount: "200"}},
			Asks: []bookLevel{{Price: "101", Amount: "50"}, {Price: "102", Amount: "200"}},
		},
	}
}

func (s *exchangeStub) attach(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/orderBooks", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResp(w, map[string]any{"code": 200, "order_books": []marketInfo{
			{MarketID: 1, Symbol: "BTC", PriceDecimals: 1, SizeDecimals: 4},
			{MarketID: 2, Symbol: "ETH", PriceDecimals: 2, SizeDecimals: 3},
		}})
	})
	mux.HandleFunc("/api/v1/orderBookOrders", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		book := s.book
		s.mu.Unlock()
		writeJSONResp(w, map[string]any{"code": 200, "bids": book.Bids, "asks": book.Asks})
	})
	mux.HandleFunc("/api/v1/account", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("by") != "index" {
			writeJSONResp(w, map[string]any{"code": 400, "message": "bad query"})
			return
		}
		s.mu.Lock()
		positions := s.positions
		s.mu.Unlock()
		writeJSONResp(w, map[string]any{"code": 200, "accounts": []map[string]any{{"positions": positions}}})
	})
	mux.HandleFunc("/api/v1/accountActiveOrders", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		orders := s.orders
		s.mu.Unlock()
		writeJSONResp(w, map[string]any{"code": 200, "orders": orders})
	})
	mux.HandleFunc("/api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			id := r.URL.Query().Get("order_id")
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, order := range s.orders {
				if order.OrderID == id {
					writeJSONResp(w, map[string]any{"code": 200, "order": order})
					return
				}
			}
			writeJSONResp(w, map[string]any{"code": 200, "order": nil})
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONResp(w, map[string]any{"code": 400, "message": err.Error()})
			return
		}
		s.mu.Lock()
		s.orderReqs = append(s.orderReqs, body)
		reject := s.reject
		id := s.orderID
		s.mu.Unlock()
		if reject != "" {
			writeJSONResp(w, map[string]any{"code": 429, "message": reject})
			return
		}
		writeJSONResp(w, map[string]any{"code": 200, "order": map[string]any{"order_id": id}})
	})
	mux.HandleFunc("/api/v1/cancelOrder", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResp(w, map[string]any{"code": 200})
	})
}

func writeJSONResp(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *exchangeStub) lastOrderReq(t *testing.T) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.orderReqs) == 0 {
		t.Fatalf("expected at least one order request")
	}
	return s.orderReqs[len(s.orderReqs)-1]
}

func newTestClient(t *testing.T, baseURL, wsURL string) *Client {
	t.Helper()
	client, err := New(venue.Settings{
		BaseURL:        baseURL,
		WSURL:          wsURL,
		PrivateKey:     "test-api-key",
		AccountIndex:   42,
		Leverage:       5,
		PriceOffsetBps: 10,
		MinDepthUSD:    10_000,
		Timeout:        2 * time.Second,
		ReconnectDelay: 10 * time.Millisecond,
		PingInterval:   time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	return client
}

func TestFetchBestBidOfferVWAP(t *testing.T) {
	stub := newExchangeStub()
	mux := http.NewServeMux()
	stub.attach(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL, "")

	quote, err := client.FetchBestBidOffer(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("fetch quote: %v", err)
	}
	// $10k of bids: $5k at 100, $5k at 99 -> vwap below the touch.
	if quote.Bid >= 100 || quote.Bid <= 99 {
		t.Fatalf("expected bid vwap inside (99, 100), got %v", quote.Bid)
	}
	if quote.Ask <= 101 || quote.Ask >= 102 {
		t.Fatalf("expected ask vwap inside (101, 102), got %v", quote.Ask)
	}
	if quote.SessionKnown {
		t.Fatalf("expected session unknown")
	}
	if quote.BidDepthUSD != 100*50+99*200 {
		t.Fatalf("unexpected bid depth %v", quote.BidDepthUSD)
	}
}

func TestFetchBestBidOfferFallsBackToTouchOnThinBook(t *testing.T) {
	stub := newExchangeStub()
	stub.book = bookSnapshot{
		Bids: []bookLevel{{Price: "100", Amount: "0.01"}},
		Asks: []bookLevel{{Price: "101", Amount: "0.01"}},
	}
	mux := http.NewServeMux()
	stub.attach(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL, "")

	quote, err := client.FetchBestBidOffer(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("fetch quote: %v", err)
	}
	if quote.Bid != 100 || quote.Ask != 101 {
		t.Fatalf("expected touch fallback, got %+v", quote)
	}
}

func TestPlaceMarketOrderCrossesTheBook(t *testing.T) {
	stub := newExchangeStub()
	mux := http.NewServeMux()
	stub.attach(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL, "")

	res, err := client.PlaceMarketOrder(context.Background(), "BTC", 0.5, venue.DirectionLong)
	if err != nil {
		t.Fatalf("place market order: %v", err)
	}
	if !res.Success || res.OrderID != "lt-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	req := stub.lastOrderReq(t)
	if req["is_ask"] != false || req["order_type"] != "market" || req["reduce_only"] != false {
		t.Fatalf("unexpected order request: %+v", req)
	}
	// ask 101 plus the 20bps band, rounded to one price decimal.
	if req["price"] != "101.2" {
		t.Fatalf("expected price 101.2, got %v", req["price"])
	}
	if req["base_amount"] != "0.5000" {
		t.Fatalf("expected base amount 0.5000, got %v", req["base_amount"])
	}
	if req["account_index"] != float64(42) {
		t.Fatalf("expected account index 42, got %v", req["account_index"])
	}
}

func TestPlaceOpenOrderRestsOffTheTouch(t *testing.T) {
	stub := newExchangeStub()
	mux := http.NewServeMux()
	stub.attach(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL, "")

	res, err := client.PlaceOpenOrder(context.Background(), "BTC", 1, venue.DirectionShort)
	if err != nil {
		t.Fatalf("place open order: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	req := stub.lastOrderReq(t)
	if req["is_ask"] != true || req["order_type"] != "limit" {
		t.Fatalf("unexpected order request: %+v", req)
	}
	// ask 101 plus the 10bps offset, rounded to one price decimal.
	if req["price"] != "101.1" {
		t.Fatalf("expected price 101.1, got %v", req["price"])
	}
}

func TestRejectionIsNotATransportError(t *testing.T) {
	stub := newExchangeStub()
	stub.reject = "insufficient margin"
	mux := http.NewServeMux()
	stub.attach(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL, "")

	res, err := client.PlaceMarketOrder(context.Background(), "BTC", 0.5, venue.DirectionLong)
	if err != nil {
		t.Fatalf("expected venue-level refusal, got transport error: %v", err)
	}
	if res.Success || res.ErrorKind != venue.ErrKindRejected || res.Message != "insufficient margin" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGetAccountPositionSignsTheSize(t *testing.T) {
	stub := newExchangeStub()
	stub.positions = []accountPosition{
		{MarketID: 2, Symbol: "ETH", Position: "3", Sign: 1},
		{MarketID: 1, Symbol: "BTC", Position: "0.75", Sign: -1},
	}
	mux := http.NewServeMux()
	stub.attach(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL, "")

	pos, err := client.GetAccountPosition(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("get account position: %v", err)
	}
	if pos != -0.75 {
		t.Fatalf("expected -0.75, got %v", pos)
	}
}

func TestGetOrderInfoMapsPartialFills(t *testing.T) {
	stub := newExchangeStub()
	stub.orders = []apiOrder{{
		OrderID: "lt-9", MarketID: 1, IsAsk: true,
		Price: "101.5", InitialBase: "1", FilledBase: "0.4", AvgFillPrice: "101.4",
		Status: "open",
	}}
	mux := http.NewServeMux()
	stub.attach(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL, "")

	// Prime the market cache so the instrument resolves on the info.
	if _, err := client.resolveMarket(context.Background(), "BTC"); err != nil {
		t.Fatalf("resolve market: %v", err)
	}
	info, ok, err := client.GetOrderInfo(context.Background(), "lt-9")
	if err != nil || !ok {
		t.Fatalf("get order info: ok=%v err=%v", ok, err)
	}
	if info.Status != venue.StatusPartiallyFilled || info.Side != venue.SideSell {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Instrument != "BTC" || info.FilledSize != 0.4 {
		t.Fatalf("unexpected info: %+v", info)
	}

	if _, ok, err := client.GetOrderInfo(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("expected not found, ok=%v err=%v", ok, err)
	}
}

func TestSubscribeOrderUpdatesWithoutStreamURL(t *testing.T) {
	stub := newExchangeStub()
	mux := http.NewServeMux()
	stub.attach(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := newTestClient(t, srv.URL, "")

	if err := client.SubscribeOrderUpdates(context.Background(), func(venue.OrderUpdate) {}); err != venue.ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestSubscribeOrderUpdatesDeliversAccountOrders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stub := newExchangeStub()
	mux := http.NewServeMux()
	stub.attach(mux)
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub map[string]any
		if err := json.Unmarshal(data, &sub); err != nil {
			t.Errorf("decode subscribe: %v", err)
			return
		}
		if sub["channel"] != "account_all_orders/42" {
			t.Errorf("unexpected channel %v", sub["channel"])
			return
		}
		if sub["auth"] != "test-api-key" {
			t.Errorf("subscribe frame must carry the auth token, got %v", sub["auth"])
			return
		}
		if idx, _ := sub["account_index"].(float64); int64(idx) != 42 {
			t.Errorf("subscribe frame must carry the account index, got %v", sub["account_index"])
			return
		}
		frame := map[string]any{
			"type":    "update/account_all_orders",
			"channel": "account_all_orders/42",
			"orders": map[string]any{
				"1": []apiOrder{{
					OrderID: "lt-5", MarketID: 1, IsAsk: false,
					Price: "100.5", InitialBase: "1", FilledBase: "1",
					Status: "filled",
				}},
			},
		}
		payload, _ := json.Marshal(frame)
		_ = conn.Write(ctx, websocket.MessageText, payload)
		<-ctx.Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	client := newTestClient(t, srv.URL, wsURL)
	if _, err := client.resolveMarket(ctx, "BTC"); err != nil {
		t.Fatalf("resolve market: %v", err)
	}

	updates := make(chan venue.OrderUpdate, 1)
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.SubscribeOrderUpdates(runCtx, func(u venue.OrderUpdate) {
			select {
			case updates <- u:
			default:
			}
		})
	}()

	select {
	case update := <-updates:
		if update.OrderID != "lt-5" || update.Status != venue.StatusFilled {
			t.Fatalf("unexpected update: %+v", update)
		}
		if update.Instrument != "BTC" || update.Side != venue.SideBuy || update.FilledQuantity != 1 {
			t.Fatalf("unexpected update: %+v", update)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for order update")
	}
}

func TestBaseSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC":     "BTC",
		"btc-usd": "BTC",
		"EUR/USD": "EUR",
	}
	for in, want := range cases {
		if got := baseSymbol(in); got != want {
			t.Fatalf("baseSymbol(%q) = %s, want %s", in, got, want)
		}
	}
}
