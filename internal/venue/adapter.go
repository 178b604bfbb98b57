// Package venue defines the adapter contract every execution venue implements
// and the supervision machinery that keeps adapters connected and throttled.
package venue

import (
	"context"
	"time"

	"github.com/tradefab/execd/internal/schema"
)

// SubmitResult is the synchronous acknowledgement of an order placement.
type SubmitResult struct {
	VenueOrderID string
	Status       schema.Status
	Fills        []schema.Fill
}

// HealthStatus reports an adapter's liveness for the health endpoint.
type HealthStatus struct {
	Venue       string           `json:"venue"`
	Kind        schema.VenueKind `json:"kind"`
	Connected   bool             `json:"connected"`
	CircuitOpen bool             `json:"circuit_open"`
	QueueDepth  int              `json:"queue_depth"`
	LastEventAt time.Time        `json:"last_event_at,omitempty"`
	Reconnects  uint64           `json:"reconnects"`
}

// Adapter is the uniform surface the orchestrator uses to talk to a venue,
// whether the venue is driven in-process or through an external SDK.
type Adapter interface {
	Venue() string
	Kind() schema.VenueKind

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SubmitOrder(ctx context.Context, order *schema.Order) (SubmitResult, error)
	CancelOrder(ctx context.Context, venueOrderID string) error

	OpenOrders(ctx context.Context) ([]schema.OrderSnapshot, error)
	Positions(ctx context.Context) ([]schema.PositionSnapshot, error)

	// SubscribeEvents returns a channel the adapter closes on disconnect.
	// Events for one venue order id arrive in venue emission order.
	SubscribeEvents(ctx context.Context) (<-chan schema.VenueEvent, error)

	Health(ctx context.Context) (HealthStatus, error)
}

// Reconciler receives venue state snapshots after every (re)connect so local
// order and position state converges on what the venue reports.
type Reconciler interface {
	ReconcileOrders(ctx context.Context, venue string, snapshots []schema.OrderSnapshot) error
	ReconcilePositions(ctx context.Context, venue string, snapshots []schema.PositionSnapshot) error
}

// EventSink consumes adapter events pumped by the supervisor.
type EventSink func(ctx context.Context, event schema.VenueEvent)
