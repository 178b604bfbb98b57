// Package integrated hosts venue drivers that run inside the execd process.
// A driver speaks the venue's native protocol; the adapter wraps it behind
// the uniform venue contract so the orchestrator cannot tell integrated and
// external venues apart.
package integrated

import (
	"context"

	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/router"
	"github.com/tradefab/execd/internal/schema"
	"github.com/tradefab/execd/internal/venue"
)

// Driver is the in-process venue implementation surface.
type Driver interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	PlaceOrder(ctx context.Context, order *schema.Order) (venue.SubmitResult, error)
	CancelOrder(ctx context.Context, venueOrderID string) error
	OpenOrders(ctx context.Context) ([]schema.OrderSnapshot, error)
	Positions(ctx context.Context) ([]schema.PositionSnapshot, error)

	// Events yields the driver's stream. The channel closes when the driver
	// stops and a fresh one is produced by the next Start.
	Events() <-chan schema.VenueEvent

	// ProbeDepth serves the router's depth probes from the driver's book view.
	ProbeDepth(ctx context.Context, id instrument.ID, side string) (router.Quote, error)
}

// Adapter exposes a Driver through the uniform venue contract.
type Adapter struct {
	driver Driver
}

// NewAdapter wraps an in-process driver.
func NewAdapter(driver Driver) *Adapter {
	return &Adapter{driver: driver}
}

var _ venue.Adapter = (*Adapter)(nil)

// Venue returns the driver's venue name.
func (a *Adapter) Venue() string { return a.driver.Name() }

// Kind reports the integrated dispatch path.
func (a *Adapter) Kind() schema.VenueKind { return schema.VenueIntegrated }

// Connect starts the driver.
func (a *Adapter) Connect(ctx context.Context) error { return a.driver.Start(ctx) }

// Disconnect stops the driver.
func (a *Adapter) Disconnect(ctx context.Context) error { return a.driver.Stop(ctx) }

// SubmitOrder places an order through the driver.
func (a *Adapter) SubmitOrder(ctx context.Context, order *schema.Order) (venue.SubmitResult, error) {
	return a.driver.PlaceOrder(ctx, order)
}

// CancelOrder cancels a resting venue order.
func (a *Adapter) CancelOrder(ctx context.Context, venueOrderID string) error {
	return a.driver.CancelOrder(ctx, venueOrderID)
}

// OpenOrders snapshots the driver's resting orders.
func (a *Adapter) OpenOrders(ctx context.Context) ([]schema.OrderSnapshot, error) {
	return a.driver.OpenOrders(ctx)
}

// Positions snapshots the driver's position view.
func (a *Adapter) Positions(ctx context.Context) ([]schema.PositionSnapshot, error) {
	return a.driver.Positions(ctx)
}

// SubscribeEvents returns the driver's current event stream.
func (a *Adapter) SubscribeEvents(_ context.Context) (<-chan schema.VenueEvent, error) {
	return a.driver.Events(), nil
}

// Health reports driver liveness.
func (a *Adapter) Health(_ context.Context) (venue.HealthStatus, error) {
	return venue.HealthStatus{
		Venue:     a.driver.Name(),
		Kind:      schema.VenueIntegrated,
		Connected: true,
	}, nil
}

// ProbeDepth forwards the router's probe to the driver's book.
func (a *Adapter) ProbeDepth(ctx context.Context, id instrument.ID, side string) (router.Quote, error) {
	return a.driver.ProbeDepth(ctx, id, side)
}
