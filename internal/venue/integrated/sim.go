package integrated

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/router"
	"github.com/tradefab/execd/internal/schema"
	"github.com/tradefab/execd/internal/venue"
)

// SimBook is the simulated liquidity for one instrument and side.
type SimBook struct {
	Price decimal.Decimal
	Depth decimal.Decimal
}

// SimDriver is an in-process venue that fills against configured books.
// Market orders fill immediately; limit orders rest until the book crosses
// them via SetBook or they are cancelled. It backs paper trading and tests.
type SimDriver struct {
	name  string
	clock func() time.Time

	mu      sync.Mutex
	books   map[string]SimBook
	resting map[string]*schema.Order
	filled  map[string][]schema.Fill
	events  chan schema.VenueEvent
	running bool
	seq     uint64
	nextID  int
}

// NewSimDriver constructs a simulated venue with the given name.
func NewSimDriver(name string) *SimDriver {
	d := new(SimDriver)
	d.name = name
	d.clock = func() time.Time { return time.Now().UTC() }
	d.books = make(map[string]SimBook)
	d.resting = make(map[string]*schema.Order)
	d.filled = make(map[string][]schema.Fill)
	return d
}

var _ Driver = (*SimDriver)(nil)

// Name returns the simulated venue name.
func (d *SimDriver) Name() string { return d.name }

// SetBook installs liquidity for a canonical instrument and re-checks
// resting limit orders against the new price.
func (d *SimDriver) SetBook(canonicalID string, price, depth decimal.Decimal) {
	d.mu.Lock()
	d.books[canonicalID] = SimBook{Price: price, Depth: depth}
	crossed := d.crossedLocked()
	d.mu.Unlock()
	for _, order := range crossed {
		d.fillResting(order)
	}
}

// Start opens a fresh event stream.
func (d *SimDriver) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.events = make(chan schema.VenueEvent, 64)
	d.running = true
	return nil
}

// Stop closes the event stream.
func (d *SimDriver) Stop(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false
	close(d.events)
	return nil
}

// PlaceOrder fills market orders against the book and rests limit orders.
func (d *SimDriver) PlaceOrder(_ context.Context, order *schema.Order) (venue.SubmitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return venue.SubmitResult{}, errs.New(d.name, errs.KindVenueUnreachable,
			errs.WithMessage("driver stopped"))
	}
	book, ok := d.books[order.CanonicalID]
	if !ok {
		return venue.SubmitResult{}, errs.New(d.name, errs.KindVenueRejected,
			errs.WithMessage("unknown instrument: "+order.CanonicalID),
			errs.WithRawCode("UNKNOWN_SYMBOL"))
	}
	if order.Quantity.GreaterThan(book.Depth) {
		return venue.SubmitResult{}, errs.New(d.name, errs.KindVenueRejected,
			errs.WithMessage("insufficient depth"),
			errs.WithRawCode("INSUFFICIENT_LIQUIDITY"))
	}

	d.nextID++
	venueOrderID := d.name + "-" + strconv.Itoa(d.nextID)

	if order.OrderType == schema.OrderTypeLimit && !limitCrosses(order, book.Price) {
		rest := order.Clone()
		rest.VenueOrderID = venueOrderID
		d.resting[venueOrderID] = rest
		return venue.SubmitResult{VenueOrderID: venueOrderID, Status: schema.StatusSubmitted}, nil
	}

	fill := schema.Fill{
		VenueFillID: venueOrderID + "-f1",
		Quantity:    order.Quantity,
		Price:       book.Price,
		Timestamp:   d.clock(),
	}
	d.filled[venueOrderID] = []schema.Fill{fill}
	d.emitLocked(schema.VenueEvent{
		Type:         schema.EventOrderFilled,
		Venue:        d.name,
		VenueKind:    schema.VenueIntegrated,
		VenueOrderID: venueOrderID,
		Fill:         &fill,
		EmittedAt:    d.clock(),
	})
	return venue.SubmitResult{VenueOrderID: venueOrderID, Status: schema.StatusSubmitted}, nil
}

// CancelOrder removes a resting order and emits OrderCancelled.
func (d *SimDriver) CancelOrder(_ context.Context, venueOrderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.resting[venueOrderID]; !ok {
		if _, done := d.filled[venueOrderID]; done {
			return errs.New(d.name, errs.KindVenueRejected,
				errs.WithMessage("order already filled"),
				errs.WithRawCode("ORDER_FINAL"))
		}
		return errs.New(d.name, errs.KindNotFound,
			errs.WithMessage("unknown venue order: "+venueOrderID))
	}
	delete(d.resting, venueOrderID)
	d.emitLocked(schema.VenueEvent{
		Type:         schema.EventOrderCancelled,
		Venue:        d.name,
		VenueKind:    schema.VenueIntegrated,
		VenueOrderID: venueOrderID,
		EmittedAt:    d.clock(),
	})
	return nil
}

// OpenOrders snapshots resting orders.
func (d *SimDriver) OpenOrders(_ context.Context) ([]schema.OrderSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]schema.OrderSnapshot, 0, len(d.resting))
	for venueOrderID, order := range d.resting {
		out = append(out, schema.OrderSnapshot{
			VenueOrderID: venueOrderID,
			OperationID:  order.OperationID,
			Status:       schema.StatusSubmitted,
			CapturedAt:   d.clock(),
		})
	}
	return out, nil
}

// Positions derives per-instrument positions from accumulated fills.
func (d *SimDriver) Positions(_ context.Context) ([]schema.PositionSnapshot, error) {
	return nil, nil
}

// Events returns the current stream.
func (d *SimDriver) Events() <-chan schema.VenueEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

// ProbeDepth answers from the configured book.
func (d *SimDriver) ProbeDepth(_ context.Context, id instrument.ID, _ string) (router.Quote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	book, ok := d.books[id.String()]
	if !ok {
		// Venue-less routing ids may be booked under the venue-qualified form.
		qualified := id
		qualified.Venue = d.name
		if book, ok = d.books[qualified.String()]; !ok {
			return router.Quote{}, errs.New(d.name, errs.KindRouteUnavailable,
				errs.WithMessage("no book for "+id.String()))
		}
	}
	return router.Quote{
		Venue:    d.name,
		Price:    book.Price,
		Depth:    book.Depth,
		ProbedAt: d.clock(),
	}, nil
}

func limitCrosses(order *schema.Order, bookPrice decimal.Decimal) bool {
	if order.Price == nil {
		return true
	}
	if order.Side.Sign() > 0 {
		return order.Price.GreaterThanOrEqual(bookPrice)
	}
	return order.Price.LessThanOrEqual(bookPrice)
}

func (d *SimDriver) crossedLocked() []*schema.Order {
	out := make([]*schema.Order, 0)
	for venueOrderID, order := range d.resting {
		book, ok := d.books[order.CanonicalID]
		if !ok {
			continue
		}
		if limitCrosses(order, book.Price) {
			delete(d.resting, venueOrderID)
			out = append(out, order)
		}
	}
	return out
}

func (d *SimDriver) fillResting(order *schema.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	book := d.books[order.CanonicalID]
	fill := schema.Fill{
		VenueFillID: order.VenueOrderID + "-f1",
		Quantity:    order.Quantity,
		Price:       book.Price,
		Timestamp:   d.clock(),
	}
	d.filled[order.VenueOrderID] = append(d.filled[order.VenueOrderID], fill)
	d.emitLocked(schema.VenueEvent{
		Type:         schema.EventOrderFilled,
		Venue:        d.name,
		VenueKind:    schema.VenueIntegrated,
		VenueOrderID: order.VenueOrderID,
		Fill:         &fill,
		EmittedAt:    d.clock(),
	})
}

func (d *SimDriver) emitLocked(event schema.VenueEvent) {
	if !d.running {
		return
	}
	d.seq++
	event.Seq = d.seq
	select {
	case d.events <- event:
	default:
	}
}
