package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/app/exchange"
	"github.com/uhyunpark/stockcenter/pkg/custody"
	"github.com/uhyunpark/stockcenter/pkg/feed"
)

type testEnv struct {
	srv     *httptest.Server
	hub     *Hub
	svc     *exchange.Service
	custody *custody.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := ledger.OpenInMemory(ledger.Options{})
	require.NoError(t, err)

	mem := custody.NewMemory()
	hub := NewHub(nil)
	bus := events.NewBus(nil, 64)
	bus.Subscribe("custody", custody.NewSettler(mem, store, nil).Handle)
	bus.SubscribeLossy("ws", hub.Handle)

	svc := exchange.New(store, mem, bus, exchange.Config{Shards: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewServer(svc, hub, nil, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		svc.Close()
		bus.Close()
		store.Close()
	})
	return &testEnv{srv: srv, hub: hub, svc: svc, custody: mem}
}

func (e *testEnv) post(t *testing.T, path string, form url.Values, out any) int {
	t.Helper()
	resp, err := http.PostForm(e.srv.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func order(token, code, price, amount string) url.Values {
	return url.Values{"token": {token}, "code": {code}, "price": {price}, "amount": {amount}}
}

func TestSubmitAndTrade(t *testing.T) {
	e := newTestEnv(t)

	var sell SubmitResponse
	require.Equal(t, http.StatusOK, e.post(t, "/center/sell", order("s", "ACME", "10.00", "5"), &sell))
	require.Equal(t, "ok", sell.State)
	require.Zero(t, sell.Filled)

	var buy SubmitResponse
	require.Equal(t, http.StatusOK, e.post(t, "/center/buy", order("b", "ACME", "10.01", "3"), &buy))
	require.Equal(t, int64(3), buy.Filled)
	require.Zero(t, buy.Remaining)

	var stock StockResponse
	e.post(t, "/center/stock/code", url.Values{"code": {"ACME"}}, &stock)
	require.Equal(t, "ok", stock.State)
	// midpoint of 10.00 and 10.01 rounds half-up
	require.Equal(t, "10.01", stock.Stock.Price)
	require.Equal(t, "10.01", stock.Stock.OpeningPrice)
	require.Equal(t, int64(3), stock.Stock.Amount)
	require.Empty(t, stock.Stock.SurgingRange)
	require.False(t, stock.Stock.Pause)

	var all StocksResponse
	e.post(t, "/center/stock/all", nil, &all)
	require.Len(t, all.Stocks, 1)
	require.Equal(t, "ACME", all.Stocks[0].Code)

	var ord OrderResponse
	e.post(t, "/center/order/id", url.Values{"id": {"1"}}, &ord)
	require.Equal(t, "sell", ord.Order.Type)
	require.Equal(t, int64(5), ord.Order.Amount)
	require.Equal(t, int64(2), ord.Order.Remaining)
	require.Equal(t, "10.00", ord.Order.Price)
}

func TestErrorResponses(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		path   string
		form   url.Values
		status int
		kind   string
	}{
		{"bad price", "/center/buy", order("b", "ACME", "abc", "1"), http.StatusBadRequest, "ValidationError"},
		{"negative price", "/center/buy", order("b", "ACME", "-1e30", "1"), http.StatusBadRequest, "ValidationError"},
		{"huge negative price", "/center/sell", order("s", "ACME", "-92233720368547758.09", "1"), http.StatusBadRequest, "ValidationError"},
		{"exponent price", "/center/buy", order("b", "ACME", "1e-2000000", "1"), http.StatusBadRequest, "ValidationError"},
		{"notional overflow", "/center/buy", order("b", "ACME", "10000000000000", "100000"), http.StatusBadRequest, "ValidationError"},
		{"negative limit", "/center/limit/decline", url.Values{"code": {"ACME"}, "limit": {"-5"}}, http.StatusBadRequest, "ValidationError"},
		{"zero amount", "/center/buy", order("b", "ACME", "1", "0"), http.StatusBadRequest, "ValidationError"},
		{"missing token", "/center/sell", order("", "ACME", "1", "1"), http.StatusBadRequest, "ValidationError"},
		{"unknown order", "/center/order/id", url.Values{"id": {"99"}}, http.StatusNotFound, "NotFound"},
		{"unknown stock", "/center/stock/code", url.Values{"code": {"NONE"}}, http.StatusNotFound, "NotFound"},
		{"resume unknown", "/center/restart", url.Values{"code": {"NONE"}}, http.StatusNotFound, "NotFound"},
		{"bad limit", "/center/limit/surging", url.Values{"code": {"ACME"}, "limit": {"0"}}, http.StatusBadRequest, "ValidationError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			require.Equal(t, tt.status, e.post(t, tt.path, tt.form, &resp))
			require.Equal(t, "error", resp.State)
			require.Equal(t, tt.kind, resp.Kind)
			require.NotEmpty(t, resp.Info)
		})
	}
}

func TestCancelRoutes(t *testing.T) {
	e := newTestEnv(t)

	var buy SubmitResponse
	e.post(t, "/center/buy", order("b", "ACME", "9.50", "4"), &buy)
	id := url.Values{"id": {"1"}}

	var wrong ErrorResponse
	require.Equal(t, http.StatusBadRequest, e.post(t, "/center/undo/sell", id, &wrong))

	var ok StatusResponse
	require.Equal(t, http.StatusOK, e.post(t, "/center/undo/buy", id, &ok))
	require.Equal(t, "ok", ok.State)

	var again ErrorResponse
	require.Equal(t, http.StatusConflict, e.post(t, "/center/undo/buy", id, &again))
	require.Equal(t, "NotCancellable", again.Kind)
}

func TestOperatorRoutes(t *testing.T) {
	e := newTestEnv(t)
	var ok StatusResponse

	require.Equal(t, http.StatusOK, e.post(t, "/center/pause", url.Values{"code": {"ACME"}}, &ok))
	var stock StockResponse
	e.post(t, "/center/stock/code", url.Values{"code": {"ACME"}}, &stock)
	require.True(t, stock.Stock.Pause)

	e.post(t, "/center/limit/surging", url.Values{"code": {"ACME"}, "limit": {"11"}}, &ok)
	e.post(t, "/center/limit/decline", url.Values{"code": {"ACME"}, "limit": {"9"}}, &ok)
	require.Equal(t, http.StatusOK, e.post(t, "/center/restart", url.Values{"code": {"ACME"}}, &ok))

	e.post(t, "/center/stock/code", url.Values{"code": {"ACME"}}, &stock)
	require.False(t, stock.Stock.Pause)
	require.Equal(t, "11.00", stock.Stock.SurgingRange)
	require.Equal(t, "9.00", stock.Stock.DeclineRange)

	// a trade at 12.00 trips the surging breaker
	var sub SubmitResponse
	e.post(t, "/center/sell", order("s", "ACME", "12", "1"), &sub)
	e.post(t, "/center/buy", order("b", "ACME", "12", "1"), &sub)
	require.True(t, sub.Halted)

	var closed ClosedResponse
	e.post(t, "/center/stock/closed", nil, &closed)
	require.Equal(t, []ClosedStock{{Stock: "ACME", State: "surged"}}, closed.Stocks)
}

func TestHealthAndCORS(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp2, err := http.Get(e.srv.URL + "/center/buy")
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestWebSocketPushesTrades(t *testing.T) {
	e := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trades:ACME"}}))
	require.Eventually(t, func() bool { return e.hub.Subscribers("trades:ACME") == 1 }, time.Second, 5*time.Millisecond)

	var sub SubmitResponse
	e.post(t, "/center/sell", order("s", "ACME", "10", "2"), &sub)
	e.post(t, "/center/buy", order("b", "ACME", "10", "2"), &sub)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Channel string      `json:"channel"`
		Data    feed.Record `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "trades:ACME", msg.Channel)
	require.NotNil(t, msg.Data.Trade)
	require.Equal(t, int64(2), msg.Data.Trade.Quantity)
	require.Equal(t, "10.00", msg.Data.Trade.Price)
}
