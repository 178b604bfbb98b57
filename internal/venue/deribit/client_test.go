package deribit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/schema"
)

// rpcHandler routes decoded JSON-RPC requests to per-method responders.
type rpcHandler struct {
	t        *testing.T
	handlers map[string]func(params map[string]any) (any, *rpcError)
	calls    []string
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64         `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	require.NoError(h.t, json.NewDecoder(r.Body).Decode(&req))
	h.calls = append(h.calls, req.Method)

	responder, ok := h.handlers[req.Method]
	require.True(h.t, ok, "unexpected method %s", req.Method)

	result, rpcErr := responder(req.Params)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	require.NoError(h.t, json.NewEncoder(w).Encode(resp))
}

func authResponder(map[string]any) (any, *rpcError) {
	return authResult{AccessToken: "token-1", ExpiresIn: 900}, nil
}

func newTestClient(t *testing.T, handler *rpcHandler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("DERIBIT", config.VenueSettings{
		RESTBaseURL: server.URL,
		Credentials: config.Credentials{APIKey: "key", APISecret: "secret"},
	})
}

func TestPlaceOrderMapsCanonicalInstrument(t *testing.T) {
	handler := &rpcHandler{t: t, handlers: map[string]func(map[string]any) (any, *rpcError){
		"public/auth": authResponder,
		"private/buy": func(params map[string]any) (any, *rpcError) {
			require.Equal(t, "BTC-PERPETUAL", params["instrument_name"])
			require.Equal(t, "op-1", params["label"])
			require.Equal(t, "limit", params["type"])
			return placeResult{
				Order: wireOrder{OrderID: "drb-1", OrderState: "open", Label: "op-1"},
			}, nil
		},
	}}
	client := newTestClient(t, handler)

	price := decimal.RequireFromString("30000")
	result, err := client.PlaceOrder(context.Background(), &schema.Order{
		OperationID: "op-1",
		CanonicalID: "DERIBIT:PERPETUAL:BTC-USD",
		Side:        schema.SideBuy,
		Quantity:    decimal.NewFromInt(10),
		Price:       &price,
		OrderType:   schema.OrderTypeLimit,
	})
	require.NoError(t, err)
	require.Equal(t, "drb-1", result.VenueOrderID)
	require.Equal(t, schema.StatusSubmitted, result.Status)
}

func TestPlaceOrderCarriesSyncFills(t *testing.T) {
	handler := &rpcHandler{t: t, handlers: map[string]func(map[string]any) (any, *rpcError){
		"public/auth": authResponder,
		"private/sell": func(map[string]any) (any, *rpcError) {
			return placeResult{
				Order: wireOrder{OrderID: "drb-2", OrderState: "filled"},
				Trades: []wireTrade{
					{TradeID: "t-1", OrderID: "drb-2", Amount: 10, Price: 30000, Fee: 1.5, Timestamp: 1700000000000},
				},
			}, nil
		},
	}}
	client := newTestClient(t, handler)

	result, err := client.PlaceOrder(context.Background(), &schema.Order{
		OperationID: "op-2",
		CanonicalID: "DERIBIT:PERPETUAL:BTC-USD",
		Side:        schema.SideSell,
		Quantity:    decimal.NewFromInt(10),
		OrderType:   schema.OrderTypeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, schema.StatusFilled, result.Status)
	require.Len(t, result.Fills, 1)
	require.Equal(t, "t-1", result.Fills[0].VenueFillID)
	require.Equal(t, "1.5", result.Fills[0].Fee.String())
}

func TestRPCErrorTranslation(t *testing.T) {
	handler := &rpcHandler{t: t, handlers: map[string]func(map[string]any) (any, *rpcError){
		"public/auth": authResponder,
		"private/buy": func(map[string]any) (any, *rpcError) {
			return nil, &rpcError{Code: 10009, Message: "not_enough_funds"}
		},
	}}
	client := newTestClient(t, handler)

	_, err := client.PlaceOrder(context.Background(), &schema.Order{
		OperationID: "op-3",
		CanonicalID: "DERIBIT:PERPETUAL:BTC-USD",
		Side:        schema.SideBuy,
		Quantity:    decimal.NewFromInt(10),
		OrderType:   schema.OrderTypeMarket,
	})
	require.True(t, errs.IsKind(err, errs.KindVenueRejected))

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "10009", envelope.RawCode)
}

func TestExpiredTokenRefreshedOnce(t *testing.T) {
	attempts := 0
	handler := &rpcHandler{t: t, handlers: map[string]func(map[string]any) (any, *rpcError){
		"public/auth": authResponder,
		"private/cancel": func(map[string]any) (any, *rpcError) {
			attempts++
			if attempts == 1 {
				return nil, &rpcError{Code: codeUnauthorized, Message: "unauthorized"}
			}
			return wireOrder{OrderID: "drb-4", OrderState: "cancelled"}, nil
		},
	}}
	client := newTestClient(t, handler)

	require.NoError(t, client.CancelOrder(context.Background(), "drb-4"))
	require.Equal(t, 2, attempts)
}

func TestOrderBookProbeSides(t *testing.T) {
	handler := &rpcHandler{t: t, handlers: map[string]func(map[string]any) (any, *rpcError){
		"public/get_order_book": func(params map[string]any) (any, *rpcError) {
			require.Equal(t, "BTC-PERPETUAL", params["instrument_name"])
			return wireBook{
				BestBidPrice: 29990, BestBidAmount: 40,
				BestAskPrice: 30010, BestAskAmount: 60,
			}, nil
		},
	}}
	client := newTestClient(t, handler)
	id := instrument.MustParse("DERIBIT:PERPETUAL:BTC-USD")

	ask, err := client.OrderBook(context.Background(), id, "BUY")
	require.NoError(t, err)
	require.Equal(t, "30010", ask.Price.String())
	require.Equal(t, "60", ask.Depth.String())

	bid, err := client.OrderBook(context.Background(), id, "SELL")
	require.NoError(t, err)
	require.Equal(t, "29990", bid.Price.String())
	require.Equal(t, "40", bid.Depth.String())
}

func TestPositionsSnapshotSignsShorts(t *testing.T) {
	handler := &rpcHandler{t: t, handlers: map[string]func(map[string]any) (any, *rpcError){
		"public/auth": authResponder,
		"private/get_positions": func(map[string]any) (any, *rpcError) {
			return []wirePosition{
				{InstrumentName: "BTC-PERPETUAL", Direction: "sell", Size: 25, MarkPrice: 30000},
				{InstrumentName: "ETH-PERPETUAL", Direction: "buy", Size: 5, MarkPrice: 1800},
			}, nil
		},
	}}
	client := newTestClient(t, handler)

	snapshots, err := client.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	require.Equal(t, "DERIBIT:PERPETUAL:BTC-USD", snapshots[0].CanonicalKey)
	require.Equal(t, "-25", snapshots[0].Quantity.String())
	require.Equal(t, "5", snapshots[1].Quantity.String())
}

func TestInstrumentNameMapping(t *testing.T) {
	cases := map[string]string{
		"DERIBIT:PERPETUAL:BTC-USD":                "BTC-PERPETUAL",
		"DERIBIT:FUTURE:BTC-USD-250627":            "BTC-27JUN25",
		"DERIBIT:OPTION:BTC-USD-250627-50000-CALL": "BTC-27JUN25-50000-C",
		"DERIBIT:SPOT_PAIR:BTC-USDC":               "BTC_USDC",
	}
	for canonical, want := range cases {
		name, err := instrumentName(instrument.MustParse(canonical))
		require.NoError(t, err, canonical)
		require.Equal(t, want, name, canonical)

		back, err := canonicalFor("DERIBIT", name)
		require.NoError(t, err, name)
		require.Equal(t, canonical, back.String(), name)
	}
}
