// Package orchestrator drives the execution pipeline: admission, routing,
// slicing, venue submission, and the event stream that keeps order and
// position state converged with the venues.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/observability"
	"github.com/tradefab/execd/internal/oms"
	"github.com/tradefab/execd/internal/positions"
	"github.com/tradefab/execd/internal/router"
	"github.com/tradefab/execd/internal/router/algo"
	"github.com/tradefab/execd/internal/schema"
	"github.com/tradefab/execd/internal/venue"
	"github.com/tradefab/execd/lib/async"
)

// RiskGate admits or denies orders before any venue traffic.
type RiskGate interface {
	Evaluate(ctx context.Context, order *schema.Order) error
}

// Routing plans the venue assignment for an order.
type Routing interface {
	Route(ctx context.Context, order *schema.Order, id instrument.ID) (router.Plan, error)
}

// Submitter is the slice of a venue supervisor the pipeline needs.
type Submitter interface {
	Submit(ctx context.Context, order *schema.Order) (venue.SubmitResult, error)
	Cancel(ctx context.Context, venueOrderID string) error
}

// Directory resolves submitters by venue name.
type Directory interface {
	Submitter(venueName string) (Submitter, bool)
}

// RegistryDirectory adapts the supervisor registry to the Directory interface.
type RegistryDirectory struct {
	Registry *venue.Registry
}

// Submitter returns the supervisor for a venue.
func (d RegistryDirectory) Submitter(venueName string) (Submitter, bool) {
	sup, ok := d.Registry.Get(venueName)
	if !ok {
		return nil, false
	}
	return sup, true
}

// Orchestrator coordinates one order's path from API acceptance to fills.
type Orchestrator struct {
	cfg     config.OrchestratorSettings
	orders  *oms.Manager
	book    *positions.Tracker
	risk    RiskGate
	routes  Routing
	slicers *algo.Registry
	venues  Directory
	events  *async.Partitioned
	bus     observability.TelemetryBus
	groups  *groupTable
	clock   func() time.Time
}

// New wires the orchestrator. The partitioned event pool guarantees per
// venue-order ordering of event application.
func New(cfg config.OrchestratorSettings, orders *oms.Manager, book *positions.Tracker, gate RiskGate, routes Routing, slicers *algo.Registry, venues Directory, bus observability.TelemetryBus) (*Orchestrator, error) {
	workers := cfg.EventWorkers
	if workers <= 0 {
		workers = 8
	}
	events, err := async.NewPartitioned(workers, cfg.EventQueueSize)
	if err != nil {
		return nil, err
	}
	o := new(Orchestrator)
	o.cfg = cfg
	o.orders = orders
	o.book = book
	o.risk = gate
	o.routes = routes
	o.slicers = slicers
	o.venues = venues
	o.events = events
	o.bus = bus
	o.groups = newGroupTable()
	o.clock = func() time.Time { return time.Now().UTC() }
	return o, nil
}

// Submit runs the full pipeline for one order. A duplicate operation ID
// returns the stored record unchanged.
func (o *Orchestrator) Submit(ctx context.Context, order *schema.Order) (*schema.Order, error) {
	started := o.clock()
	defer func() {
		observability.Telemetry().ObserveHistogram(observability.MetricRequestLatency,
			time.Since(started).Seconds(), map[string]string{"stage": "submit"})
	}()

	id, err := o.validate(order)
	if err != nil {
		return nil, err
	}

	accepted, err := o.orders.Create(ctx, order)
	if errs.IsKind(err, errs.KindDuplicateOperation) {
		return accepted, nil
	}
	if err != nil {
		return nil, err
	}

	if err := o.risk.Evaluate(ctx, accepted); err != nil {
		_, _ = o.orders.Transition(ctx, accepted.OperationID, schema.StatusRejected, err.Error())
		return nil, err
	}

	// Atomic members posted individually wait for the rest of their group;
	// nothing reaches a venue until the group dispatches as a whole.
	if accepted.AtomicGroupID != "" {
		return o.submitGroupMember(ctx, accepted)
	}

	plan, err := o.routes.Route(ctx, accepted, id)
	if err != nil {
		_, _ = o.orders.Transition(ctx, accepted.OperationID, schema.StatusRejected, err.Error())
		return nil, err
	}

	if plan.Split() {
		return o.submitSplit(ctx, accepted, plan)
	}

	leg := plan.Legs[0]
	if sliced, done, err := o.maybeSlice(ctx, accepted, leg); done {
		return sliced, err
	}

	if err := o.submitLeg(ctx, accepted, leg); err != nil {
		return o.currentWithErr(ctx, accepted.OperationID, err)
	}
	return o.orders.Get(ctx, accepted.OperationID)
}

// validate performs the structural checks that precede persistence.
func (o *Orchestrator) validate(order *schema.Order) (instrument.ID, error) {
	if order == nil {
		return instrument.ID{}, errs.Malformed("order body required")
	}
	if order.OperationID == "" {
		return instrument.ID{}, errs.Malformed("operation_id is required")
	}
	id, err := instrument.Parse(order.CanonicalID)
	if err != nil {
		return instrument.ID{}, err
	}
	return id, nil
}

// submitLeg drives a single order through venue submission with bounded
// retries on transport failures. Venue rejections never retry.
func (o *Orchestrator) submitLeg(ctx context.Context, order *schema.Order, leg router.Leg) error {
	submitter, ok := o.venues.Submitter(leg.Venue)
	if !ok {
		err := errs.New(leg.Venue, errs.KindRouteUnavailable,
			errs.WithMessage("venue not registered: "+leg.Venue))
		_, _ = o.orders.Transition(ctx, order.OperationID, schema.StatusRejected, err.Error())
		return err
	}

	attempt := order.Clone()
	attempt.Venue = leg.Venue
	attempt.VenueKind = leg.Kind
	attempt.Quantity = leg.Quantity

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	maxTries := uint(o.cfg.SubmitRetries) + 1

	operation := func() (venue.SubmitResult, error) {
		submitCtx, cancel := context.WithTimeout(ctx, o.submitTimeout())
		defer cancel()
		result, err := submitter.Submit(submitCtx, attempt)
		if err != nil && !retryable(err) {
			return venue.SubmitResult{}, backoff.Permanent(err)
		}
		return result, err
	}
	result, err := backoff.Retry(ctx, operation, backoff.WithBackOff(policy), backoff.WithMaxTries(maxTries))
	if err != nil {
		reason := err.Error()
		if errs.IsKind(err, errs.KindVenueBackpressure) || errs.IsKind(err, errs.KindVenueRejected) {
			_, _ = o.orders.Transition(ctx, order.OperationID, schema.StatusRejected, reason)
		} else {
			_, _ = o.orders.Transition(ctx, order.OperationID, schema.StatusRejected,
				"venue unreachable after retries: "+reason)
		}
		return err
	}

	bound, err := o.orders.BindVenueOrder(ctx, order.OperationID, leg.Venue, leg.Kind, result.VenueOrderID)
	if err != nil {
		return err
	}
	for _, fill := range result.Fills {
		if _, err := o.orders.ApplyFill(ctx, leg.Venue, result.VenueOrderID, fill); err != nil {
			observability.Log().Error("synchronous fill apply failed",
				observability.F("operation_id", order.OperationID),
				observability.F("error", err.Error()))
			continue
		}
		if err := o.book.OnFill(ctx, bound, fill); err != nil {
			observability.Log().Error("position update failed",
				observability.F("operation_id", order.OperationID),
				observability.F("error", err.Error()))
		}
	}
	return nil
}

// maybeSlice expands an algorithmic order into child slices. Returns done
// when the parent was handled as a sliced order.
func (o *Orchestrator) maybeSlice(ctx context.Context, order *schema.Order, leg router.Leg) (*schema.Order, bool, error) {
	if order.ExecAlgorithm == "" || order.ExecAlgorithm == schema.AlgoNormal {
		return nil, false, nil
	}
	slices, err := o.slicers.Plan(order.ExecAlgorithm, order.Quantity, order.ExecAlgoParams)
	if err != nil {
		_, _ = o.orders.Transition(ctx, order.OperationID, schema.StatusRejected, err.Error())
		return nil, true, err
	}
	if len(slices) == 1 {
		err := o.submitLeg(ctx, order, leg)
		if err != nil {
			current, cerr := o.currentWithErr(ctx, order.OperationID, err)
			return current, true, cerr
		}
		current, cerr := o.orders.Get(ctx, order.OperationID)
		return current, true, cerr
	}

	legs := make([]router.Leg, len(slices))
	for i, slice := range slices {
		child := leg
		child.Quantity = slice.Quantity
		legs[i] = child
	}
	parent, err := o.submitChildren(ctx, order, legs, slices)
	return parent, true, err
}

// submitSplit fans a routed split plan out as child orders under the parent
// operation.
func (o *Orchestrator) submitSplit(ctx context.Context, parent *schema.Order, plan router.Plan) (*schema.Order, error) {
	pacing := make([]algo.Slice, len(plan.Legs))
	for i, leg := range plan.Legs {
		pacing[i] = algo.Slice{Quantity: leg.Quantity}
	}
	return o.submitChildren(ctx, parent, plan.Legs, pacing)
}

// submitChildren creates one child order per leg and submits them. The first
// child goes out synchronously so the caller observes immediate rejection;
// paced slices follow on their own timers.
func (o *Orchestrator) submitChildren(ctx context.Context, parent *schema.Order, legs []router.Leg, pacing []algo.Slice) (*schema.Order, error) {
	childIDs := make([]string, 0, len(legs))
	for i, leg := range legs {
		child := parent.Clone()
		child.OperationID = fmt.Sprintf("%s:%d", parent.OperationID, i+1)
		child.ParentOperation = parent.OperationID
		child.Quantity = leg.Quantity
		child.ExecAlgorithm = schema.AlgoNormal
		child.ExecAlgoParams = nil
		if _, err := o.orders.Create(ctx, child); err != nil && !errs.IsKind(err, errs.KindDuplicateOperation) {
			return nil, err
		}
		childIDs = append(childIDs, child.OperationID)
	}
	o.groups.addParent(parent.OperationID, childIDs)

	if _, err := o.orders.Transition(ctx, parent.OperationID, schema.StatusSubmitted, ""); err != nil {
		return nil, err
	}

	for i, leg := range legs {
		opID := childIDs[i]
		delay := pacing[i].Delay
		if delay <= 0 {
			child, err := o.orders.Get(ctx, opID)
			if err != nil {
				return nil, err
			}
			if err := o.submitLeg(ctx, child, leg); err != nil {
				observability.Log().Warn("child submit failed",
					observability.F("operation_id", opID),
					observability.F("error", err.Error()))
				o.onChildTerminal(ctx, child.ParentOperation)
			}
			continue
		}
		go o.submitLater(opID, leg, delay)
	}
	return o.orders.Get(ctx, parent.OperationID)
}

func (o *Orchestrator) submitLater(opID string, leg router.Leg, delay time.Duration) {
	time.Sleep(delay)
	ctx, cancel := context.WithTimeout(context.Background(), o.submitTimeout()+delay)
	defer cancel()
	child, err := o.orders.Get(ctx, opID)
	if err != nil {
		return
	}
	if child.Status.Terminal() {
		return
	}
	if err := o.submitLeg(ctx, child, leg); err != nil {
		observability.Log().Warn("paced child submit failed",
			observability.F("operation_id", opID),
			observability.F("error", err.Error()))
		o.onChildTerminal(ctx, child.ParentOperation)
	}
}

// Cancel requests cancellation of an order. Terminal orders return as-is;
// orders not yet at a venue cancel locally.
func (o *Orchestrator) Cancel(ctx context.Context, operationID string) (*schema.Order, error) {
	order, err := o.orders.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return order, nil
	}

	if children, ok := o.groups.children(operationID); ok {
		for _, childID := range children {
			if _, err := o.Cancel(ctx, childID); err != nil && !errs.IsKind(err, errs.KindNotFound) {
				observability.Log().Warn("child cancel failed",
					observability.F("operation_id", childID),
					observability.F("error", err.Error()))
			}
		}
		o.onChildTerminal(ctx, operationID)
		return o.orders.Get(ctx, operationID)
	}

	if order.VenueOrderID == "" {
		return o.orders.Transition(ctx, operationID, schema.StatusCancelled, "cancelled before venue submission")
	}

	submitter, ok := o.venues.Submitter(order.Venue)
	if !ok {
		return nil, errs.New(order.Venue, errs.KindVenueUnreachable,
			errs.WithMessage("venue not registered: "+order.Venue))
	}
	cancelCtx, cancel := context.WithTimeout(ctx, o.cancelTimeout())
	defer cancel()
	if err := submitter.Cancel(cancelCtx, order.VenueOrderID); err != nil {
		return nil, err
	}
	return o.orders.Transition(ctx, operationID, schema.StatusCancelled, "cancel accepted by venue")
}

// Get returns the current order record.
func (o *Orchestrator) Get(ctx context.Context, operationID string) (*schema.Order, error) {
	return o.orders.Get(ctx, operationID)
}

// Query lists orders matching the filter.
func (o *Orchestrator) Query(ctx context.Context, filter oms.Filter) ([]*schema.Order, error) {
	return o.orders.Query(ctx, filter)
}

// Positions returns the aggregated position book.
func (o *Orchestrator) Positions() []*schema.Position {
	return o.book.All()
}

// HandleEvent is the sink wired into every venue supervisor. Events are
// applied on the partition owning the venue order ID, preserving emission
// order per order while different orders proceed in parallel.
func (o *Orchestrator) HandleEvent(ctx context.Context, event schema.VenueEvent) {
	err := o.events.Submit(ctx, event.PartitionKey(), func(taskCtx context.Context) error {
		o.applyEvent(taskCtx, event)
		return nil
	})
	if err != nil {
		observability.Log().Error("event enqueue failed",
			observability.F("venue", event.Venue),
			observability.F("type", string(event.Type)),
			observability.F("error", err.Error()))
	}
}

func (o *Orchestrator) applyEvent(ctx context.Context, event schema.VenueEvent) {
	if !event.EmittedAt.IsZero() {
		observability.Telemetry().ObserveHistogram(observability.MetricEventDBLag,
			o.clock().Sub(event.EmittedAt).Seconds(), map[string]string{"venue": event.Venue})
	}

	switch event.Type {
	case schema.EventOrderFilled:
		if event.Fill == nil {
			return
		}
		order, err := o.orders.ApplyFill(ctx, event.Venue, event.VenueOrderID, *event.Fill)
		if err != nil {
			observability.Log().Error("fill apply failed",
				observability.F("venue", event.Venue),
				observability.F("venue_order_id", event.VenueOrderID),
				observability.F("error", err.Error()))
			return
		}
		if err := o.book.OnFill(ctx, order, *event.Fill); err != nil {
			observability.Log().Error("position update failed",
				observability.F("operation_id", order.OperationID),
				observability.F("error", err.Error()))
		}
		if order.Status.Terminal() {
			if order.ParentOperation != "" {
				o.onChildTerminal(ctx, order.ParentOperation)
			}
			if order.AtomicGroupID != "" {
				o.onAtomicMemberTerminal(ctx, order.AtomicGroupID)
			}
		}
	case schema.EventOrderCancelled, schema.EventOrderRejected, schema.EventOrderExpired:
		o.applyTerminalEvent(ctx, event)
	case schema.EventPositionUpdated:
		if event.Snapshot == nil {
			return
		}
		if err := o.book.ReconcilePositions(ctx, event.Venue, []schema.PositionSnapshot{*event.Snapshot}); err != nil {
			observability.Log().Error("snapshot apply failed",
				observability.F("venue", event.Venue),
				observability.F("error", err.Error()))
		}
	}
}

func (o *Orchestrator) applyTerminalEvent(ctx context.Context, event schema.VenueEvent) {
	order, err := o.orders.GetByVenueOrder(ctx, event.Venue, event.VenueOrderID)
	if err != nil {
		observability.Log().Warn("terminal event for unknown order",
			observability.F("venue", event.Venue),
			observability.F("venue_order_id", event.VenueOrderID))
		return
	}
	target := map[schema.EventType]schema.Status{
		schema.EventOrderCancelled: schema.StatusCancelled,
		schema.EventOrderRejected:  schema.StatusRejected,
		schema.EventOrderExpired:   schema.StatusExpired,
	}[event.Type]

	if order.Status.Terminal() {
		return
	}
	if _, err := o.orders.Transition(ctx, order.OperationID, target, event.RejectReason); err != nil {
		observability.Log().Error("terminal transition failed",
			observability.F("operation_id", order.OperationID),
			observability.F("error", err.Error()))
		return
	}
	if order.ParentOperation != "" {
		o.onChildTerminal(ctx, order.ParentOperation)
	}
	if order.AtomicGroupID != "" {
		o.onAtomicMemberTerminal(ctx, order.AtomicGroupID)
	}
}

// Shutdown drains the event pipeline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.events.Shutdown(ctx)
}

func (o *Orchestrator) currentWithErr(ctx context.Context, operationID string, cause error) (*schema.Order, error) {
	order, err := o.orders.Get(ctx, operationID)
	if err != nil {
		return nil, cause
	}
	return order, cause
}

func (o *Orchestrator) submitTimeout() time.Duration {
	if o.cfg.SubmitTimeout > 0 {
		return o.cfg.SubmitTimeout
	}
	return 5 * time.Second
}

func (o *Orchestrator) cancelTimeout() time.Duration {
	if o.cfg.CancelTimeout > 0 {
		return o.cfg.CancelTimeout
	}
	return 5 * time.Second
}

func retryable(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindVenueUnreachable, errs.KindTimeout:
		return true
	}
	return false
}
