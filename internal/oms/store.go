// Package oms manages unified order state: the single source of truth for
// order lifecycle transitions, fill application, and lookup.
package oms

import (
	"context"
	"time"

	"github.com/tradefab/execd/internal/schema"
)

// Filter narrows order queries. Zero-valued fields match everything.
type Filter struct {
	Statuses   []schema.Status
	StrategyID string
	Venue      string
	Instrument string
	Limit      int
}

// Store persists unified order records keyed by operation ID.
type Store interface {
	// Insert stores a new order. A duplicate operation ID fails with
	// DUPLICATE_OPERATION.
	Insert(ctx context.Context, order *schema.Order) error
	// Update replaces the stored record for the order's operation ID.
	Update(ctx context.Context, order *schema.Order) error
	// Get returns the order for an operation ID, NOT_FOUND otherwise.
	Get(ctx context.Context, operationID string) (*schema.Order, error)
	// GetByVenueOrder resolves an order from its venue assignment.
	GetByVenueOrder(ctx context.Context, venueName, venueOrderID string) (*schema.Order, error)
	// List returns orders matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*schema.Order, error)
	// CountSince counts orders created by a strategy at or after the cutoff.
	CountSince(ctx context.Context, strategyID string, cutoff time.Time) (int, error)
}
