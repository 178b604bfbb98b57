// Package deribit implements the Deribit venue through its JSON-RPC API:
// REST for order entry and snapshots, websocket for the private event stream.
package deribit

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/schema"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcNotification is a websocket subscription push.
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// wireOrder is Deribit's order object as returned by private/buy, private/sell,
// private/get_open_orders_by_currency, and the user.orders channel.
type wireOrder struct {
	OrderID             string  `json:"order_id"`
	InstrumentName      string  `json:"instrument_name"`
	Direction           string  `json:"direction"`
	OrderState          string  `json:"order_state"`
	Label               string  `json:"label"`
	Amount              float64 `json:"amount"`
	FilledAmount        float64 `json:"filled_amount"`
	Price               float64 `json:"price"`
	AveragePrice        float64 `json:"average_price"`
	LastUpdateTimestamp int64   `json:"last_update_timestamp"`
}

// wireTrade is one execution as returned in trade lists and the user.trades
// channel.
type wireTrade struct {
	TradeID        string  `json:"trade_id"`
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price"`
	Fee            float64 `json:"fee"`
	Label          string  `json:"label"`
	Timestamp      int64   `json:"timestamp"`
}

type placeResult struct {
	Order  wireOrder   `json:"order"`
	Trades []wireTrade `json:"trades"`
}

type wirePosition struct {
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Size           float64 `json:"size"`
	AveragePrice   float64 `json:"average_price"`
	MarkPrice      float64 `json:"mark_price"`
}

type wireBook struct {
	InstrumentName string  `json:"instrument_name"`
	BestBidPrice   float64 `json:"best_bid_price"`
	BestBidAmount  float64 `json:"best_bid_amount"`
	BestAskPrice   float64 `json:"best_ask_price"`
	BestAskAmount  float64 `json:"best_ask_amount"`
}

func (o wireOrder) status() schema.Status {
	switch o.OrderState {
	case "open", "untriggered":
		return schema.StatusSubmitted
	case "filled":
		return schema.StatusFilled
	case "cancelled":
		return schema.StatusCancelled
	case "rejected":
		return schema.StatusRejected
	default:
		return schema.StatusSubmitted
	}
}

func (o wireOrder) updatedAt() time.Time {
	return time.UnixMilli(o.LastUpdateTimestamp).UTC()
}

func (t wireTrade) fill() schema.Fill {
	return schema.Fill{
		VenueFillID: t.TradeID,
		Quantity:    decimal.NewFromFloat(t.Amount),
		Price:       decimal.NewFromFloat(t.Price),
		Fee:         decimal.NewFromFloat(t.Fee),
		Timestamp:   time.UnixMilli(t.Timestamp).UTC(),
	}
}

// Deribit error codes that mean the request was understood and refused, as
// opposed to transport trouble. Anything else from the RPC layer maps to
// VENUE_REJECTED too; transport failures are classified by the client.
const (
	codeInvalidParams = -32602
	codeUnauthorized  = 13009
)

func translateRPCError(venueName string, rpcErr *rpcError) error {
	kind := errs.KindVenueRejected
	if rpcErr.Code == codeInvalidParams {
		kind = errs.KindMalformed
	}
	return errs.New(venueName, kind,
		errs.WithMessage(rpcErr.Message),
		errs.WithRawCode(strconv.Itoa(rpcErr.Code)),
		errs.WithRawMessage(rpcErr.Message))
}

func sideFromDirection(direction string) schema.Side {
	if strings.EqualFold(direction, "sell") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func directionMethod(side schema.Side) string {
	if side.Sign() < 0 {
		return "private/sell"
	}
	return "private/buy"
}

func orderTypeParam(t schema.OrderType) string {
	if t == schema.OrderTypeLimit {
		return "limit"
	}
	return "market"
}

func timeInForceParam(tif schema.TimeInForce) string {
	switch tif {
	case schema.TIFImmediate:
		return "immediate_or_cancel"
	case schema.TIFFillOrKill:
		return "fill_or_kill"
	default:
		return "good_til_cancelled"
	}
}
