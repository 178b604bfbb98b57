package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position aggregates a holding per canonical key across venues.
type Position struct {
	CanonicalKey       string                     `json:"canonical_key"`
	BaseAsset          string                     `json:"base_asset"`
	AggregatedQuantity decimal.Decimal            `json:"aggregated_quantity"`
	PerVenueQuantity   map[string]decimal.Decimal `json:"per_venue_quantity"`
	PerVenueKind       map[string]VenueKind       `json:"per_venue_kind"`
	AvgEntryPrice      *decimal.Decimal           `json:"avg_entry_price,omitempty"`
	LastMarkPrice      *decimal.Decimal           `json:"last_mark_price,omitempty"`
	UnrealizedPnL      *decimal.Decimal           `json:"unrealized_pnl,omitempty"`
	RealizedPnL        *decimal.Decimal           `json:"realized_pnl,omitempty"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := *p
	out.PerVenueQuantity = make(map[string]decimal.Decimal, len(p.PerVenueQuantity))
	for k, v := range p.PerVenueQuantity {
		out.PerVenueQuantity[k] = v
	}
	out.PerVenueKind = make(map[string]VenueKind, len(p.PerVenueKind))
	for k, v := range p.PerVenueKind {
		out.PerVenueKind[k] = v
	}
	if p.AvgEntryPrice != nil {
		v := *p.AvgEntryPrice
		out.AvgEntryPrice = &v
	}
	if p.LastMarkPrice != nil {
		v := *p.LastMarkPrice
		out.LastMarkPrice = &v
	}
	if p.UnrealizedPnL != nil {
		v := *p.UnrealizedPnL
		out.UnrealizedPnL = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		out.RealizedPnL = &v
	}
	return &out
}

// PositionSnapshot is an adapter-reported authoritative holding for one venue.
type PositionSnapshot struct {
	CanonicalKey string           `json:"canonical_key"`
	Venue        string           `json:"venue"`
	VenueKind    VenueKind        `json:"venue_kind"`
	Quantity     decimal.Decimal  `json:"quantity"`
	MarkPrice    *decimal.Decimal `json:"mark_price,omitempty"`
	CapturedAt   time.Time        `json:"captured_at"`
}

// OrderSnapshot is an adapter-reported view of an open or settled order.
type OrderSnapshot struct {
	VenueOrderID string           `json:"venue_order_id"`
	OperationID  string           `json:"operation_id,omitempty"`
	Status       Status           `json:"status"`
	FilledQty    decimal.Decimal  `json:"filled_qty"`
	AvgFillPrice *decimal.Decimal `json:"avg_fill_price,omitempty"`
	Fills        []Fill           `json:"fills,omitempty"`
	CapturedAt   time.Time        `json:"captured_at"`
}
