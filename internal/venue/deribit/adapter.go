package deribit

import (
	"context"
	"sync"
	"time"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/router"
	"github.com/tradefab/execd/internal/schema"
	"github.com/tradefab/execd/internal/venue"
)

// Adapter drives Deribit through the external SDK path: REST for commands
// and snapshots, websocket (or polling) for the event stream.
type Adapter struct {
	venueName string
	client    *Client
	stream    *stream

	mu        sync.Mutex
	connected bool
}

// NewAdapter builds a Deribit adapter for the given venue settings.
func NewAdapter(venueName string, cfg config.VenueSettings) *Adapter {
	client := NewClient(venueName, cfg)
	return &Adapter{
		venueName: venueName,
		client:    client,
		stream:    newStream(venueName, cfg, client),
	}
}

var _ venue.Adapter = (*Adapter)(nil)

// Venue returns the configured venue name.
func (a *Adapter) Venue() string { return a.venueName }

// Kind reports the external SDK dispatch path.
func (a *Adapter) Kind() schema.VenueKind { return schema.VenueExternalSDK }

// Connect opens the event stream. REST needs no standing connection.
func (a *Adapter) Connect(ctx context.Context) error {
	if _, err := a.stream.open(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

// Disconnect tears the event stream down.
func (a *Adapter) Disconnect(context.Context) error {
	a.stream.close()
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

// SubmitOrder places the order over REST.
func (a *Adapter) SubmitOrder(ctx context.Context, order *schema.Order) (venue.SubmitResult, error) {
	return a.client.PlaceOrder(ctx, order)
}

// CancelOrder cancels a venue order over REST.
func (a *Adapter) CancelOrder(ctx context.Context, venueOrderID string) error {
	return a.client.CancelOrder(ctx, venueOrderID)
}

// OpenOrders snapshots open orders for reconciliation.
func (a *Adapter) OpenOrders(ctx context.Context) ([]schema.OrderSnapshot, error) {
	return a.client.OpenOrders(ctx)
}

// Positions snapshots the venue's authoritative position view.
func (a *Adapter) Positions(ctx context.Context) ([]schema.PositionSnapshot, error) {
	return a.client.Positions(ctx)
}

// SubscribeEvents returns the live event channel. The channel closes when
// the stream drops; the supervisor then reconnects.
func (a *Adapter) SubscribeEvents(ctx context.Context) (<-chan schema.VenueEvent, error) {
	return a.stream.open(ctx)
}

// Health reports adapter liveness.
func (a *Adapter) Health(context.Context) (venue.HealthStatus, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	return venue.HealthStatus{
		Venue:     a.venueName,
		Kind:      schema.VenueExternalSDK,
		Connected: connected,
	}, nil
}

// ProbeDepth answers the router's depth probes from the public order book.
func (a *Adapter) ProbeDepth(ctx context.Context, id instrument.ID, side string) (router.Quote, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return a.client.OrderBook(probeCtx, id, side)
}
