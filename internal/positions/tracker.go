// Package positions aggregates fills and venue snapshots into a per-asset
// position view keyed by canonical position keys.
package positions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/observability"
	"github.com/tradefab/execd/internal/schema"
)

// Store persists position state across restarts. Persistence is best effort;
// venue reconciliation remains the source of truth for quantities.
type Store interface {
	UpsertPosition(ctx context.Context, pos *schema.Position) error
	ListPositions(ctx context.Context) ([]*schema.Position, error)
}

// Tracker maintains the live position book. Fills move positions through the
// average-entry model; venue snapshots reconcile against local state and win
// when they diverge past the drift tolerance.
type Tracker struct {
	registry  instrument.Registry
	bus       observability.TelemetryBus
	store     Store
	tolerance decimal.Decimal
	clock     func() time.Time

	mu        sync.RWMutex
	positions map[string]*schema.Position
}

// NewTracker constructs a tracker with the given drift tolerance. A zero
// tolerance treats any divergence as drift.
func NewTracker(registry instrument.Registry, bus observability.TelemetryBus, tolerance decimal.Decimal) *Tracker {
	t := new(Tracker)
	t.registry = registry
	t.bus = bus
	t.tolerance = tolerance
	t.clock = func() time.Time { return time.Now().UTC() }
	t.positions = make(map[string]*schema.Position)
	return t
}

// WithStore attaches durable storage for the position book.
func (t *Tracker) WithStore(store Store) *Tracker {
	t.store = store
	return t
}

// Restore loads the persisted book. Stored entries carry realized PnL and
// entry prices forward; quantities are overwritten by the first venue
// reconciliation after connect.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	stored, err := t.store.ListPositions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pos := range stored {
		t.positions[pos.CanonicalKey] = pos.Clone()
	}
	return nil
}

// OnFill applies one fill from the given order to the position book.
func (t *Tracker) OnFill(ctx context.Context, order *schema.Order, fill schema.Fill) error {
	if order == nil {
		return errs.Malformed("order must not be nil")
	}
	id, err := instrument.Parse(order.CanonicalID)
	if err != nil {
		return err
	}
	key := instrument.PositionKey(id, order.Venue, order.Selection)
	signed := fill.Quantity.Mul(decimal.NewFromInt(int64(order.Side.Sign())))

	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[key]
	if !ok {
		pos = &schema.Position{
			CanonicalKey:     key,
			BaseAsset:        id.BaseAsset(),
			PerVenueQuantity: make(map[string]decimal.Decimal),
			PerVenueKind:     make(map[string]schema.VenueKind),
		}
		t.positions[key] = pos
	}

	t.applyEntryModel(pos, signed, fill.Price, fill.Fee)
	pos.AggregatedQuantity = pos.AggregatedQuantity.Add(signed)
	pos.PerVenueQuantity[order.Venue] = pos.PerVenueQuantity[order.Venue].Add(signed)
	if order.VenueKind != "" {
		pos.PerVenueKind[order.Venue] = order.VenueKind
	}
	pos.UpdatedAt = t.clock()
	t.refreshUnrealized(pos)
	t.persist(ctx, pos)
	return nil
}

// applyEntryModel updates average entry and realized PnL for one signed fill.
// Increasing exposure folds price and fee into a volume-weighted average;
// reducing exposure realizes PnL against it; crossing zero restarts the
// average at the fill price.
func (t *Tracker) applyEntryModel(pos *schema.Position, signed, price, fee decimal.Decimal) {
	current := pos.AggregatedQuantity
	if current.IsZero() || current.Sign() == signed.Sign() {
		absCurrent := current.Abs()
		absFill := signed.Abs()
		total := absCurrent.Add(absFill)
		if total.IsZero() {
			return
		}
		prevAvg := decimal.Zero
		if pos.AvgEntryPrice != nil {
			prevAvg = *pos.AvgEntryPrice
		}
		avg := prevAvg.Mul(absCurrent).Add(price.Mul(absFill)).Add(fee).Div(total)
		pos.AvgEntryPrice = &avg
		return
	}

	// Reducing or flipping.
	avg := decimal.Zero
	if pos.AvgEntryPrice != nil {
		avg = *pos.AvgEntryPrice
	}
	reduced := decimal.Min(current.Abs(), signed.Abs())
	direction := decimal.NewFromInt(int64(current.Sign()))
	realized := price.Sub(avg).Mul(reduced).Mul(direction).Sub(fee)
	total := realized
	if pos.RealizedPnL != nil {
		total = pos.RealizedPnL.Add(realized)
	}
	pos.RealizedPnL = &total

	if signed.Abs().GreaterThan(current.Abs()) {
		// Flipped through zero: the residual opens a new position at the fill price.
		restarted := price
		pos.AvgEntryPrice = &restarted
	}
}

// ReconcilePositions folds a venue snapshot into local state. Divergence past
// the tolerance emits a drift event and adopts the venue quantity.
func (t *Tracker) ReconcilePositions(ctx context.Context, venueName string, snapshots []schema.PositionSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, snap := range snapshots {
		pos, ok := t.positions[snap.CanonicalKey]
		if !ok {
			pos = &schema.Position{
				CanonicalKey:     snap.CanonicalKey,
				PerVenueQuantity: make(map[string]decimal.Decimal),
				PerVenueKind:     make(map[string]schema.VenueKind),
			}
			t.positions[snap.CanonicalKey] = pos
		}
		local := pos.PerVenueQuantity[venueName]
		diff := snap.Quantity.Sub(local).Abs()
		if diff.GreaterThan(t.tolerance) {
			observability.Telemetry().IncCounter(observability.MetricPositionDrift, 1,
				map[string]string{"venue": venueName})
			observability.Log().Warn("position drift detected",
				observability.F("venue", venueName),
				observability.F("position_key", snap.CanonicalKey),
				observability.F("local", local.String()),
				observability.F("venue_qty", snap.Quantity.String()))
			if t.bus != nil {
				_ = t.bus.Publish(ctx, observability.TelemetryEvent{
					Type:     observability.TelemetryEventPositionDrift,
					Severity: observability.TelemetrySeverityWarn,
					Venue:    venueName,
					Metadata: map[string]any{
						"position_key": snap.CanonicalKey,
						"local":        local.String(),
						"venue":        snap.Quantity.String(),
					},
				})
			}
		}
		// The venue is authoritative for its own leg.
		pos.AggregatedQuantity = pos.AggregatedQuantity.Sub(local).Add(snap.Quantity)
		pos.PerVenueQuantity[venueName] = snap.Quantity
		if snap.VenueKind != "" {
			pos.PerVenueKind[venueName] = snap.VenueKind
		}
		if snap.MarkPrice != nil {
			mark := *snap.MarkPrice
			pos.LastMarkPrice = &mark
		}
		pos.UpdatedAt = t.clock()
		t.refreshUnrealized(pos)
		t.persist(ctx, pos)
	}
	return nil
}

// SetMark updates the mark price for a position key and refreshes PnL.
func (t *Tracker) SetMark(key string, mark decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[key]
	if !ok {
		return
	}
	pos.LastMarkPrice = &mark
	t.refreshUnrealized(pos)
}

// Get returns a copy of the position for a key.
func (t *Tracker) Get(key string) (*schema.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[key]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// All returns all positions sorted by key.
func (t *Tracker) All() []*schema.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*schema.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalKey < out[j].CanonicalKey })
	return out
}

// NotionalFor returns |quantity| * mark for one position key. Positions
// without a mark price report zero notional.
func (t *Tracker) NotionalFor(key string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[key]
	if !ok || pos.LastMarkPrice == nil {
		return decimal.Zero
	}
	return pos.AggregatedQuantity.Abs().Mul(*pos.LastMarkPrice)
}

// TotalNotional sums |quantity| * mark across the book.
func (t *Tracker) TotalNotional() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range t.positions {
		if pos.LastMarkPrice == nil {
			continue
		}
		total = total.Add(pos.AggregatedQuantity.Abs().Mul(*pos.LastMarkPrice))
	}
	return total
}

// persist writes the position through the store. Failures are logged and do
// not block the fill path.
func (t *Tracker) persist(ctx context.Context, pos *schema.Position) {
	if t.store == nil {
		return
	}
	if err := t.store.UpsertPosition(ctx, pos.Clone()); err != nil {
		observability.Log().Warn("position persist failed",
			observability.F("position_key", pos.CanonicalKey),
			observability.F("error", err.Error()))
	}
}

func (t *Tracker) refreshUnrealized(pos *schema.Position) {
	if pos.LastMarkPrice == nil || pos.AvgEntryPrice == nil {
		return
	}
	pnl := pos.LastMarkPrice.Sub(*pos.AvgEntryPrice).Mul(pos.AggregatedQuantity)
	pos.UnrealizedPnL = &pnl
}
