package oms

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/observability"
	"github.com/tradefab/execd/internal/schema"
)

// Manager serialises all mutations to an order behind a striped lock so fill
// application, lifecycle transitions, and reconciliation never interleave for
// the same operation ID.
type Manager struct {
	store Store
	bus   observability.TelemetryBus
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager constructs an order state manager over the given store.
func NewManager(store Store, bus observability.TelemetryBus) *Manager {
	m := new(Manager)
	m.store = store
	m.bus = bus
	m.clock = func() time.Time { return time.Now().UTC() }
	m.locks = make(map[string]*sync.Mutex)
	return m
}

// WithClock overrides the time source. Intended for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	if clock != nil {
		m.clock = clock
	}
	return m
}

// Create registers a new order in PENDING state. If the operation ID already
// exists the stored record is returned alongside DUPLICATE_OPERATION so the
// caller can answer idempotently.
func (m *Manager) Create(ctx context.Context, order *schema.Order) (*schema.Order, error) {
	if order == nil || order.OperationID == "" {
		return nil, errs.Malformed("order requires an operation_id")
	}
	unlock := m.lock(order.OperationID)
	defer unlock()

	if existing, err := m.store.Get(ctx, order.OperationID); err == nil {
		return existing, errs.New(existing.Venue, errs.KindDuplicateOperation,
			errs.WithMessage("operation already accepted: "+order.OperationID))
	}

	now := m.clock()
	order.Status = schema.StatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	if err := m.store.Insert(ctx, order); err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// BindVenueOrder records the venue assignment returned by a successful submit
// and moves the order to SUBMITTED.
func (m *Manager) BindVenueOrder(ctx context.Context, operationID, venueName string, kind schema.VenueKind, venueOrderID string) (*schema.Order, error) {
	unlock := m.lock(operationID)
	defer unlock()

	order, err := m.store.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return order, nil
	}
	order.Venue = venueName
	order.VenueKind = kind
	order.VenueOrderID = venueOrderID
	if order.Status == schema.StatusPending {
		order.Status = schema.StatusSubmitted
	}
	order.UpdatedAt = m.clock()
	if err := m.store.Update(ctx, order); err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// Transition moves an order to the target status, enforcing the lifecycle
// state machine. Transitions out of a terminal state are refused.
func (m *Manager) Transition(ctx context.Context, operationID string, target schema.Status, reason string) (*schema.Order, error) {
	unlock := m.lock(operationID)
	defer unlock()

	order, err := m.store.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	return m.transitionLocked(ctx, order, target, reason)
}

func (m *Manager) transitionLocked(ctx context.Context, order *schema.Order, target schema.Status, reason string) (*schema.Order, error) {
	if order.Status == target {
		return order.Clone(), nil
	}
	if !order.Status.CanTransition(target) {
		return nil, errs.Internal(
			"illegal transition "+string(order.Status)+" -> "+string(target)+" for "+order.OperationID, nil)
	}
	order.Status = target
	if reason != "" {
		switch target {
		case schema.StatusRejected:
			order.RejectionReason = reason
		case schema.StatusCancelled, schema.StatusExpired:
			order.ErrorMessage = reason
		}
	}
	order.UpdatedAt = m.clock()
	if err := m.store.Update(ctx, order); err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// ApplyFill applies one venue fill to the order owning the venue order ID.
// Replayed fills (same venue fill ID) are dropped. Fills that would push the
// cumulative quantity past the order quantity are refused. Fills landing on a
// terminal order are recorded as late-fill reconciliation without reopening
// the lifecycle.
func (m *Manager) ApplyFill(ctx context.Context, venueName, venueOrderID string, fill schema.Fill) (*schema.Order, error) {
	order, err := m.store.GetByVenueOrder(ctx, venueName, venueOrderID)
	if err != nil {
		return nil, err
	}
	unlock := m.lock(order.OperationID)
	defer unlock()

	// Reload under the lock; the unlocked lookup may race another fill.
	order, err = m.store.Get(ctx, order.OperationID)
	if err != nil {
		return nil, err
	}
	if order.HasVenueFill(fill.VenueFillID) {
		return order.Clone(), nil
	}
	if fill.Quantity.GreaterThan(order.RemainingQuantity()) {
		// The fill is dropped, not applied; the annotation keeps the
		// discrepancy visible on the record for reconciliation.
		order.ErrorMessage = "dropped fill " + fill.VenueFillID + ": quantity exceeds remaining"
		order.UpdatedAt = m.clock()
		observability.Log().Warn("fill exceeds remaining quantity, dropped",
			observability.F("operation_id", order.OperationID),
			observability.F("venue_fill_id", fill.VenueFillID),
			observability.F("quantity", fill.Quantity.String()))
		if err := m.store.Update(ctx, order); err != nil {
			return nil, err
		}
		return nil, errs.New(venueName, errs.KindInternal,
			errs.WithMessage("fill exceeds remaining quantity for "+order.OperationID))
	}
	if fill.FillID == "" {
		fill.FillID = uuid.NewString()
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = m.clock()
	}

	wasTerminal := order.Status.Terminal()
	order.Fills = append(order.Fills, fill)
	order.UpdatedAt = m.clock()

	if wasTerminal {
		m.publishLateFill(ctx, order, fill)
	} else if order.RemainingQuantity().IsZero() {
		order.Status = schema.StatusFilled
	} else {
		order.Status = schema.StatusPartiallyFilled
	}

	if err := m.store.Update(ctx, order); err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// Get returns the order for an operation ID.
func (m *Manager) Get(ctx context.Context, operationID string) (*schema.Order, error) {
	return m.store.Get(ctx, operationID)
}

// GetByVenueOrder resolves the order owning a venue order ID.
func (m *Manager) GetByVenueOrder(ctx context.Context, venueName, venueOrderID string) (*schema.Order, error) {
	return m.store.GetByVenueOrder(ctx, venueName, venueOrderID)
}

// Query returns orders matching the filter.
func (m *Manager) Query(ctx context.Context, filter Filter) ([]*schema.Order, error) {
	return m.store.List(ctx, filter)
}

// CountRecent counts a strategy's orders created within the window, feeding
// velocity checks.
func (m *Manager) CountRecent(ctx context.Context, strategyID string, window time.Duration) (int, error) {
	return m.store.CountSince(ctx, strategyID, m.clock().Add(-window))
}

// OpenNotional sums price*quantity over non-terminal orders, optionally
// restricted to one canonical instrument. Orders without a price contribute
// nothing; market orders are capped by the risk engine at admission instead.
func (m *Manager) OpenNotional(ctx context.Context, canonicalID string) (decimal.Decimal, error) {
	open, err := m.store.List(ctx, Filter{
		Statuses: []schema.Status{
			schema.StatusPending, schema.StatusSubmitted, schema.StatusPartiallyFilled,
		},
		Instrument: canonicalID,
	})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, order := range open {
		if order.Price == nil {
			continue
		}
		total = total.Add(order.Price.Mul(order.RemainingQuantity()))
	}
	return total, nil
}

// ReconcileOrders folds a venue's open-order snapshot into local state after
// a reconnect: fills missed while disconnected are applied, and orders the
// venue no longer knows stay untouched for the poll loop to expire.
func (m *Manager) ReconcileOrders(ctx context.Context, venueName string, snapshots []schema.OrderSnapshot) error {
	for _, snap := range snapshots {
		order, err := m.store.GetByVenueOrder(ctx, venueName, snap.VenueOrderID)
		if err != nil {
			if errs.IsKind(err, errs.KindNotFound) {
				observability.Log().Warn("venue reports unknown order",
					observability.F("venue", venueName),
					observability.F("venue_order_id", snap.VenueOrderID))
				continue
			}
			return err
		}
		for _, fill := range snap.Fills {
			if order.HasVenueFill(fill.VenueFillID) {
				continue
			}
			if _, err := m.ApplyFill(ctx, venueName, snap.VenueOrderID, fill); err != nil {
				observability.Log().Error("reconcile fill failed",
					observability.F("venue", venueName),
					observability.F("operation_id", order.OperationID),
					observability.F("error", err.Error()))
			}
		}
		if snap.Status.Terminal() && !order.Status.Terminal() {
			if _, err := m.Transition(ctx, order.OperationID, snap.Status, "venue reconciliation"); err != nil {
				observability.Log().Error("reconcile transition failed",
					observability.F("venue", venueName),
					observability.F("operation_id", order.OperationID),
					observability.F("error", err.Error()))
			}
		}
	}
	return nil
}

func (m *Manager) publishLateFill(ctx context.Context, order *schema.Order, fill schema.Fill) {
	observability.Log().Warn("late fill applied to terminal order",
		observability.F("operation_id", order.OperationID),
		observability.F("venue_fill_id", fill.VenueFillID),
		observability.F("status", string(order.Status)))
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, observability.TelemetryEvent{
		Type:        observability.TelemetryEventLateFillReconciled,
		Severity:    observability.TelemetrySeverityWarn,
		Venue:       order.Venue,
		OperationID: order.OperationID,
		Metadata: map[string]any{
			"venue_fill_id": fill.VenueFillID,
			"quantity":      fill.Quantity.String(),
		},
	})
}

func (m *Manager) lock(operationID string) func() {
	m.mu.Lock()
	lock, ok := m.locks[operationID]
	if !ok {
		lock = new(sync.Mutex)
		m.locks[operationID] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
