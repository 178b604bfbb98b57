package deribit

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/observability"
	"github.com/tradefab/execd/internal/schema"
)

const (
	streamReadLimit       = 2 * 1024 * 1024
	streamWriteTimeout    = 5 * time.Second
	streamHandshakeWindow = 10 * time.Second
	heartbeatInterval     = 30
	defaultPollInterval   = 2 * time.Second
)

var userChannels = []string{"user.orders.any.any.raw", "user.trades.any.any.raw"}

// stream consumes Deribit's private notification channels over websocket and
// turns them into venue events. When no websocket URL is configured it falls
// back to polling open orders through the REST client.
//
// The stream makes no reconnection attempts of its own: on transport failure
// it closes the event channel and the supervisor re-dials with backoff.
type stream struct {
	venueName string
	cfg       config.VenueSettings
	client    *Client

	mu     sync.Mutex
	conn   *websocket.Conn
	events chan schema.VenueEvent
	cancel context.CancelFunc
	seq    uint64

	lastFilled map[string]decimal.Decimal
}

func newStream(venueName string, cfg config.VenueSettings, client *Client) *stream {
	return &stream{
		venueName:  venueName,
		cfg:        cfg,
		client:     client,
		lastFilled: make(map[string]decimal.Decimal),
	}
}

// open establishes the event source and returns the channel it feeds.
func (s *stream) open(ctx context.Context) (<-chan schema.VenueEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events != nil {
		return s.events, nil
	}
	s.events = make(chan schema.VenueEvent, 256)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.cfg.WebsocketURL == "" {
		go s.pollLoop(runCtx)
		return s.events, nil
	}

	dialCtx, dialDone := context.WithTimeout(ctx, s.handshakeWindow())
	conn, _, err := websocket.Dial(dialCtx, s.cfg.WebsocketURL, nil)
	dialDone()
	if err != nil {
		cancel()
		s.events = nil
		return nil, errs.New(s.venueName, errs.KindVenueUnreachable,
			errs.WithMessage("websocket dial failed"), errs.WithCause(err))
	}
	conn.SetReadLimit(streamReadLimit)
	s.conn = conn

	if err := s.handshake(ctx, conn); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		s.conn = nil
		s.events = nil
		return nil, err
	}

	go s.readLoop(runCtx, conn)
	return s.events, nil
}

// close tears down the event source. Safe to call twice.
func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	if s.events != nil {
		close(s.events)
		s.events = nil
	}
}

func (s *stream) handshakeWindow() time.Duration {
	if s.cfg.HandshakeTimeout > 0 {
		return s.cfg.HandshakeTimeout
	}
	return streamHandshakeWindow
}

// handshake authenticates the session, enables the server heartbeat, and
// subscribes the private channels. Responses are not awaited; the server
// reports subscription failures as regular RPC errors in the read loop.
func (s *stream) handshake(ctx context.Context, conn *websocket.Conn) error {
	requests := []rpcRequest{
		{JSONRPC: "2.0", ID: 1, Method: "public/auth", Params: map[string]any{
			"grant_type":    "client_credentials",
			"client_id":     s.cfg.Credentials.APIKey,
			"client_secret": s.cfg.Credentials.APISecret,
		}},
		{JSONRPC: "2.0", ID: 2, Method: "public/set_heartbeat", Params: map[string]any{
			"interval": heartbeatInterval,
		}},
		{JSONRPC: "2.0", ID: 3, Method: "private/subscribe", Params: map[string]any{
			"channels": userChannels,
		}},
	}
	for _, req := range requests {
		if err := s.write(ctx, conn, req); err != nil {
			return err
		}
	}
	return nil
}

func (s *stream) write(ctx context.Context, conn *websocket.Conn, req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errs.Internal("marshal "+req.Method, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(s.venueName, errs.KindVenueUnreachable,
			errs.WithMessage("write "+req.Method), errs.WithCause(err))
	}
	return nil
}

func (s *stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.close()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return
			}
			observability.Log().Warn("deribit stream read failed",
				observability.F("venue", s.venueName), observability.F("error", err.Error()))
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.handleMessage(ctx, conn, data)
	}
}

func (s *stream) handleMessage(ctx context.Context, conn *websocket.Conn, data []byte) {
	var note rpcNotification
	if err := json.Unmarshal(data, &note); err != nil {
		return
	}
	switch note.Method {
	case "heartbeat":
		var beat struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(note.Params.Data, &beat)
		// test_request demands an echo or the server drops the session.
		_ = s.write(ctx, conn, rpcRequest{JSONRPC: "2.0", ID: 0, Method: "public/test"})
	case "subscription":
		s.handleNotification(note.Params.Channel, note.Params.Data)
	default:
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.Error != nil {
			observability.Log().Error("deribit stream rpc error",
				observability.F("venue", s.venueName),
				observability.F("code", resp.Error.Code),
				observability.F("message", resp.Error.Message))
		}
	}
}

func (s *stream) handleNotification(channel string, data json.RawMessage) {
	switch {
	case strings.HasPrefix(channel, "user.orders"):
		var order wireOrder
		if err := json.Unmarshal(data, &order); err != nil {
			return
		}
		s.emitOrderState(order)
	case strings.HasPrefix(channel, "user.trades"):
		var trades []wireTrade
		if err := json.Unmarshal(data, &trades); err != nil {
			return
		}
		for _, trade := range trades {
			fill := trade.fill()
			s.emit(schema.VenueEvent{
				Type:         schema.EventOrderFilled,
				Venue:        s.venueName,
				VenueKind:    schema.VenueExternalSDK,
				VenueOrderID: trade.OrderID,
				OperationID:  trade.Label,
				Fill:         &fill,
				EmittedAt:    fill.Timestamp,
			})
		}
	}
}

func (s *stream) emitOrderState(order wireOrder) {
	event := schema.VenueEvent{
		Venue:        s.venueName,
		VenueKind:    schema.VenueExternalSDK,
		VenueOrderID: order.OrderID,
		OperationID:  order.Label,
		EmittedAt:    order.updatedAt(),
	}
	switch order.status() {
	case schema.StatusCancelled:
		event.Type = schema.EventOrderCancelled
	case schema.StatusRejected:
		event.Type = schema.EventOrderRejected
		event.RejectReason = order.OrderState
	default:
		// Fill deltas arrive on user.trades; open and filled states carry
		// no information the trade events do not.
		return
	}
	s.emit(event)
}

// pollLoop approximates the event stream by diffing open-order snapshots.
// Filled quantity growth becomes a synthetic fill; an order vanishing from
// the snapshot after being seen open is treated as terminal and left to
// reconciliation rather than guessed at.
func (s *stream) pollLoop(ctx context.Context) {
	defer s.close()
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snapshots, err := s.client.OpenOrders(ctx)
		if err != nil {
			observability.Log().Warn("deribit poll failed",
				observability.F("venue", s.venueName), observability.F("error", err.Error()))
			continue
		}
		for _, snap := range snapshots {
			s.mu.Lock()
			prev := s.lastFilled[snap.VenueOrderID]
			s.mu.Unlock()
			if !snap.FilledQty.GreaterThan(prev) {
				continue
			}
			if snap.AvgFillPrice == nil || !snap.AvgFillPrice.IsPositive() {
				// A fill delta without a price cannot be booked; the delta
				// waits for a snapshot carrying the average fill price.
				observability.Log().Warn("deribit snapshot fill without price, deferred",
					observability.F("venue", s.venueName),
					observability.F("venue_order_id", snap.VenueOrderID))
				continue
			}
			s.mu.Lock()
			s.lastFilled[snap.VenueOrderID] = snap.FilledQty
			s.mu.Unlock()
			fill := schema.Fill{
				VenueFillID: snap.VenueOrderID + ":" + snap.FilledQty.String(),
				Quantity:    snap.FilledQty.Sub(prev),
				Price:       *snap.AvgFillPrice,
				Timestamp:   snap.CapturedAt,
			}
			s.emit(schema.VenueEvent{
				Type:         schema.EventOrderFilled,
				Venue:        s.venueName,
				VenueKind:    schema.VenueExternalSDK,
				VenueOrderID: snap.VenueOrderID,
				OperationID:  snap.OperationID,
				Fill:         &fill,
				EmittedAt:    snap.CapturedAt,
			})
		}
	}
}

// emit hands an event to the supervisor. A full buffer closes the stream so
// the supervisor re-dials and reconciliation replays whatever was missed; a
// silent drop would leave order state diverged until the next reconnect.
func (s *stream) emit(event schema.VenueEvent) {
	s.mu.Lock()
	if s.events == nil {
		s.mu.Unlock()
		return
	}
	s.seq++
	event.Seq = s.seq
	select {
	case s.events <- event:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		observability.Log().Warn("deribit event buffer full, closing stream for resync",
			observability.F("venue", s.venueName))
		s.close()
	}
}
