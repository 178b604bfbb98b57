package deribit

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/router"
	"github.com/tradefab/execd/internal/schema"
	"github.com/tradefab/execd/internal/venue"
)

const (
	rpcPath            = "/api/v2"
	defaultHTTPTimeout = 10 * time.Second
	tokenSafetyMargin  = 30 * time.Second
)

// Client speaks Deribit's JSON-RPC-over-HTTP API. It manages OAuth token
// acquisition and refresh transparently for private methods.
type Client struct {
	venueName string
	http      *resty.Client
	creds     config.Credentials
	reqID     atomic.Uint64

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient builds a REST client for the given venue settings.
func NewClient(venueName string, cfg config.VenueSettings) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	http := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{
		venueName: venueName,
		http:      http,
		creds:     cfg.Credentials,
	}
}

// PlaceOrder submits an order via private/buy or private/sell. The operation
// ID travels as the Deribit label so snapshots can be tied back to local
// orders during reconciliation.
func (c *Client) PlaceOrder(ctx context.Context, order *schema.Order) (venue.SubmitResult, error) {
	id, err := instrument.Parse(order.CanonicalID)
	if err != nil {
		return venue.SubmitResult{}, err
	}
	name, err := instrumentName(id)
	if err != nil {
		return venue.SubmitResult{}, err
	}

	params := map[string]any{
		"instrument_name": name,
		"amount":          order.Quantity.InexactFloat64(),
		"type":            orderTypeParam(order.OrderType),
		"label":           order.OperationID,
		"time_in_force":   timeInForceParam(order.TimeInForce),
	}
	if order.Price != nil {
		params["price"] = order.Price.InexactFloat64()
	}

	var result placeResult
	if err := c.callPrivate(ctx, directionMethod(order.Side), params, &result); err != nil {
		return venue.SubmitResult{}, err
	}

	out := venue.SubmitResult{
		VenueOrderID: result.Order.OrderID,
		Status:       result.Order.status(),
	}
	for _, trade := range result.Trades {
		out.Fills = append(out.Fills, trade.fill())
	}
	return out, nil
}

// CancelOrder cancels a resting order by its Deribit order ID.
func (c *Client) CancelOrder(ctx context.Context, venueOrderID string) error {
	var cancelled wireOrder
	return c.callPrivate(ctx, "private/cancel",
		map[string]any{"order_id": venueOrderID}, &cancelled)
}

// OpenOrders snapshots every open order across currencies.
func (c *Client) OpenOrders(ctx context.Context) ([]schema.OrderSnapshot, error) {
	var orders []wireOrder
	if err := c.callPrivate(ctx, "private/get_open_orders", map[string]any{}, &orders); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]schema.OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		snap := schema.OrderSnapshot{
			VenueOrderID: o.OrderID,
			OperationID:  o.Label,
			Status:       o.status(),
			FilledQty:    decimal.NewFromFloat(o.FilledAmount),
			CapturedAt:   now,
		}
		if o.AveragePrice > 0 {
			avg := decimal.NewFromFloat(o.AveragePrice)
			snap.AvgFillPrice = &avg
		}
		out = append(out, snap)
	}
	return out, nil
}

// Positions snapshots every open position across currencies.
func (c *Client) Positions(ctx context.Context) ([]schema.PositionSnapshot, error) {
	var positions []wirePosition
	if err := c.callPrivate(ctx, "private/get_positions", map[string]any{}, &positions); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]schema.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		id, err := canonicalFor(c.venueName, p.InstrumentName)
		if err != nil {
			continue
		}
		qty := decimal.NewFromFloat(p.Size)
		if p.Direction == "sell" && qty.IsPositive() {
			qty = qty.Neg()
		}
		mark := decimal.NewFromFloat(p.MarkPrice)
		out = append(out, schema.PositionSnapshot{
			CanonicalKey: instrument.PositionKey(id, c.venueName, ""),
			Venue:        c.venueName,
			VenueKind:    schema.VenueExternalSDK,
			Quantity:     qty,
			MarkPrice:    &mark,
			CapturedAt:   now,
		})
	}
	return out, nil
}

// OrderBook probes the top of book for the router's depth scoring.
func (c *Client) OrderBook(ctx context.Context, id instrument.ID, side string) (router.Quote, error) {
	name, err := instrumentName(id)
	if err != nil {
		return router.Quote{}, err
	}
	var book wireBook
	if err := c.call(ctx, "public/get_order_book",
		map[string]any{"instrument_name": name, "depth": 1}, &book, ""); err != nil {
		return router.Quote{}, err
	}
	price, depth := book.BestAskPrice, book.BestAskAmount
	if side == string(schema.SideSell) {
		price, depth = book.BestBidPrice, book.BestBidAmount
	}
	return router.Quote{
		Venue:    c.venueName,
		Price:    decimal.NewFromFloat(price),
		Depth:    decimal.NewFromFloat(depth),
		ProbedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) callPrivate(ctx context.Context, method string, params map[string]any, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	err = c.call(ctx, method, params, out, token)
	if err != nil {
		var envelope *errs.E
		// An expired token gets one refresh-and-retry before surfacing.
		if errors.As(err, &envelope) && envelope.RawCode == strconv.Itoa(codeUnauthorized) {
			if token, err = c.refreshToken(ctx); err != nil {
				return err
			}
			return c.call(ctx, method, params, out, token)
		}
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, out any, token string) error {
	req := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: c.reqID.Add(1), Method: method, Params: params})
	if token != "" {
		req.SetAuthToken(token)
	}

	resp, err := req.Post(rpcPath)
	if err != nil {
		return c.transportError(method, err)
	}
	var parsed rpcResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return errs.New(c.venueName, errs.KindInternal,
			errs.WithMessage(method+": undecodable response"), errs.WithCause(err))
	}
	if parsed.Error != nil {
		return translateRPCError(c.venueName, parsed.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(parsed.Result, out); err != nil {
		return errs.New(c.venueName, errs.KindInternal,
			errs.WithMessage(method+": undecodable result"), errs.WithCause(err))
	}
	return nil
}

func (c *Client) transportError(method string, err error) error {
	kind := errs.KindVenueUnreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = errs.KindTimeout
	}
	return errs.New(c.venueName, kind,
		errs.WithMessage(method+" transport failure"), errs.WithCause(err))
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	valid := c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSafetyMargin))
	token := c.accessToken
	c.mu.Unlock()
	if valid {
		return token, nil
	}
	return c.refreshToken(ctx)
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	var auth authResult
	err := c.call(ctx, "public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     c.creds.APIKey,
		"client_secret": c.creds.APISecret,
	}, &auth, "")
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.accessToken = auth.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return auth.AccessToken, nil
}
