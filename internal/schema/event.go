package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates the adapter event stream vocabulary.
type EventType string

const (
	EventOrderSubmitted  EventType = "OrderSubmitted"
	EventOrderFilled     EventType = "OrderFilled"
	EventOrderCancelled  EventType = "OrderCancelled"
	EventOrderRejected   EventType = "OrderRejected"
	EventOrderExpired    EventType = "OrderExpired"
	EventPositionUpdated EventType = "PositionUpdated"
	EventAccountUpdated  EventType = "AccountUpdated"
)

// VenueEvent is one entry of an adapter's event stream. Ordering per
// VenueOrderID is monotonic by Seq in adapter emission order.
type VenueEvent struct {
	Type         EventType         `json:"type"`
	Venue        string            `json:"venue"`
	VenueKind    VenueKind         `json:"venue_kind"`
	VenueOrderID string            `json:"venue_order_id,omitempty"`
	OperationID  string            `json:"operation_id,omitempty"`
	Seq          uint64            `json:"seq"`
	Fill         *Fill             `json:"fill,omitempty"`
	Snapshot     *PositionSnapshot `json:"snapshot,omitempty"`
	RejectReason string            `json:"reject_reason,omitempty"`
	EmittedAt    time.Time         `json:"emitted_at"`
}

// PartitionKey returns the key used to serialise delivery per venue order.
func (e *VenueEvent) PartitionKey() string {
	if e.VenueOrderID != "" {
		return e.Venue + "|" + e.VenueOrderID
	}
	return e.Venue + "|" + e.OperationID
}

// NewFillEvent constructs an OrderFilled event carrying one fill.
func NewFillEvent(venue string, kind VenueKind, venueOrderID string, qty, price, fee decimal.Decimal, venueFillID string, at time.Time) VenueEvent {
	fill := Fill{
		VenueFillID: venueFillID,
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		Timestamp:   at,
	}
	return VenueEvent{
		Type:         EventOrderFilled,
		Venue:        venue,
		VenueKind:    kind,
		VenueOrderID: venueOrderID,
		Fill:         &fill,
		EmittedAt:    at,
	}
}
