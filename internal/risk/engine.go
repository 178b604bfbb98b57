// Package risk implements the pre-trade admission gate. Every order passes
// the full check battery inside a hard evaluation budget; an overrun denies
// the order rather than letting it through unchecked.
package risk

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/observability"
	"github.com/tradefab/execd/internal/schema"
)

// OrderHistory exposes the order-rate view the velocity check needs.
type OrderHistory interface {
	CountRecent(ctx context.Context, strategyID string, window time.Duration) (int, error)
}

// ExposureView exposes the position notional view the cap checks need.
type ExposureView interface {
	NotionalFor(key string) decimal.Decimal
	TotalNotional() decimal.Decimal
}

// Engine evaluates orders against the configured limits.
type Engine struct {
	cfg      config.RiskSettings
	history  OrderHistory
	exposure ExposureView
	registry instrument.Registry
	bus      observability.TelemetryBus

	defaultCap    decimal.Decimal
	totalCap      decimal.Decimal
	tolerance     decimal.Decimal
	instrumentCap map[string]decimal.Decimal
}

// NewEngine builds a risk engine from settings. Malformed decimal settings
// fail construction instead of silently admitting everything.
func NewEngine(cfg config.RiskSettings, history OrderHistory, exposure ExposureView, registry instrument.Registry, bus observability.TelemetryBus) (*Engine, error) {
	e := new(Engine)
	e.cfg = cfg
	e.history = history
	e.exposure = exposure
	e.registry = registry
	e.bus = bus

	var err error
	if e.defaultCap, err = decimal.NewFromString(orDefault(cfg.DefaultInstrumentCap, "250000")); err != nil {
		return nil, errs.Malformed("default_instrument_cap: " + err.Error())
	}
	if e.totalCap, err = decimal.NewFromString(orDefault(cfg.TotalNotionalCap, "1000000")); err != nil {
		return nil, errs.Malformed("total_notional_cap: " + err.Error())
	}
	if e.tolerance, err = decimal.NewFromString(orDefault(cfg.PriceTolerancePct, "0.05")); err != nil {
		return nil, errs.Malformed("price_tolerance_pct: " + err.Error())
	}
	e.instrumentCap = make(map[string]decimal.Decimal, len(cfg.InstrumentNotionalCap))
	for id, raw := range cfg.InstrumentNotionalCap {
		cap, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errs.Malformed("instrument_notional_cap[" + id + "]: " + err.Error())
		}
		e.instrumentCap[id] = cap
	}
	return e, nil
}

// Evaluate runs all checks inside the evaluation budget. The gate fails
// closed: a budget overrun denies with reason RISK_TIMEOUT. When the master
// switch is off every order is admitted unchecked.
func (e *Engine) Evaluate(ctx context.Context, order *schema.Order) error {
	if e.cfg.Enabled != nil && !*e.cfg.Enabled {
		return nil
	}
	budget := e.cfg.EvaluationBudget
	if budget <= 0 {
		budget = 50 * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- e.runChecks(evalCtx, order) }()

	select {
	case err := <-done:
		if err != nil {
			e.recordDenial(ctx, order, err)
		}
		return err
	case <-evalCtx.Done():
		observability.Telemetry().ObserveHistogram(observability.MetricRequestLatency,
			time.Since(started).Seconds(), map[string]string{"stage": "risk"})
		err := errs.New(order.Venue, errs.KindRiskDenied,
			errs.WithReason(errs.RiskTimeout),
			errs.WithMessage("risk evaluation exceeded budget"))
		e.recordDenial(ctx, order, err)
		if e.bus != nil {
			_ = e.bus.Publish(ctx, observability.TelemetryEvent{
				Type:        observability.TelemetryEventRiskTimeout,
				Severity:    observability.TelemetrySeverityError,
				OperationID: order.OperationID,
			})
		}
		return err
	}
}

func (e *Engine) runChecks(ctx context.Context, order *schema.Order) error {
	id, err := e.checkShape(order)
	if err != nil {
		return err
	}
	meta, found := e.metadataFor(ctx, id)
	if found {
		if err := e.checkSizing(order, meta); err != nil {
			return err
		}
	}
	if err := e.checkWhitelist(order); err != nil {
		return err
	}
	if err := e.checkVelocity(ctx, order); err != nil {
		return err
	}
	notional := e.orderNotional(order, meta)
	if err := e.checkPriceTolerance(order, meta); err != nil {
		return err
	}
	if err := e.checkInstrumentCap(order, id, notional); err != nil {
		return err
	}
	return e.checkTotalNotional(order, notional)
}

// metadataFor resolves instrument metadata. A registry miss returns found
// false; sizing enforcement then defers to the venue's own limits.
func (e *Engine) metadataFor(ctx context.Context, id instrument.ID) (instrument.Metadata, bool) {
	if e.registry == nil {
		return instrument.Metadata{}, false
	}
	meta, err := e.registry.Lookup(ctx, id)
	if err != nil {
		return instrument.Metadata{}, false
	}
	return meta, true
}

// checkSizing enforces the instrument's venue contract: minimum size, size
// precision, tick alignment, and price precision.
func (e *Engine) checkSizing(order *schema.Order, meta instrument.Metadata) error {
	deny := func(msg string) error {
		return errs.New(order.Venue, errs.KindRiskDenied,
			errs.WithReason(errs.RiskOrderShape), errs.WithMessage(msg))
	}
	if meta.MinSize.IsPositive() && order.Quantity.LessThan(meta.MinSize) {
		return deny("quantity " + order.Quantity.String() + " below minimum size " + meta.MinSize.String())
	}
	if !order.Quantity.Equal(order.Quantity.Round(int32(meta.SizePrecision))) {
		return deny("quantity " + order.Quantity.String() + " exceeds size precision " + strconv.Itoa(meta.SizePrecision))
	}
	if order.Price != nil {
		if meta.TickSize.IsPositive() && !order.Price.Mod(meta.TickSize).IsZero() {
			return deny("price " + order.Price.String() + " not aligned to tick size " + meta.TickSize.String())
		}
		if !order.Price.Equal(order.Price.Round(int32(meta.PricePrecision))) {
			return deny("price " + order.Price.String() + " exceeds price precision " + strconv.Itoa(meta.PricePrecision))
		}
	}
	return nil
}

func (e *Engine) checkShape(order *schema.Order) (instrument.ID, error) {
	deny := func(msg string) error {
		return errs.New(order.Venue, errs.KindRiskDenied,
			errs.WithReason(errs.RiskOrderShape), errs.WithMessage(msg))
	}
	if !order.Operation.Valid() {
		return instrument.ID{}, deny("unknown operation: " + string(order.Operation))
	}
	if !order.Side.Valid() {
		return instrument.ID{}, deny("unknown side: " + string(order.Side))
	}
	if !order.OrderType.Valid() {
		return instrument.ID{}, deny("unknown order type: " + string(order.OrderType))
	}
	if !order.Quantity.IsPositive() {
		return instrument.ID{}, deny("quantity must be positive")
	}
	if order.OrderType == schema.OrderTypeLimit && order.Price == nil {
		return instrument.ID{}, deny("limit order requires a price")
	}
	if order.Price != nil && !order.Price.IsPositive() {
		return instrument.ID{}, deny("price must be positive")
	}
	id, err := instrument.Parse(order.CanonicalID)
	if err != nil {
		return instrument.ID{}, deny("canonical id: " + err.Error())
	}
	if order.Operation == schema.OpBet {
		if !id.Type.Betting() {
			return instrument.ID{}, deny("bet requires a betting instrument")
		}
		if order.Selection == "" {
			return instrument.ID{}, deny("bet requires a selection")
		}
		if order.Odds == nil || !order.Odds.GreaterThan(decimal.NewFromInt(1)) {
			return instrument.ID{}, deny("bet requires decimal odds above 1")
		}
	}
	return id, nil
}

func (e *Engine) checkWhitelist(order *schema.Order) error {
	allowed, restricted := e.cfg.OperationWhitelist[order.StrategyID]
	if !restricted {
		return nil
	}
	for _, op := range allowed {
		if schema.Operation(op) == order.Operation {
			return nil
		}
	}
	return errs.New(order.Venue, errs.KindRiskDenied,
		errs.WithReason(errs.RiskNotPermitted),
		errs.WithMessage("operation "+string(order.Operation)+" not whitelisted for "+order.StrategyID))
}

func (e *Engine) checkVelocity(ctx context.Context, order *schema.Order) error {
	if e.history == nil {
		return nil
	}
	deny := func(window string) error {
		return errs.New(order.Venue, errs.KindRiskDenied,
			errs.WithReason(errs.RiskVelocity),
			errs.WithMessage("order velocity limit hit for "+order.StrategyID+" over "+window))
	}
	// The order under evaluation is already persisted, so the window count
	// includes it; the limit is breached only past the cap.
	if e.cfg.MaxOrdersPerSecond > 0 {
		count, err := e.history.CountRecent(ctx, order.StrategyID, time.Second)
		if err != nil {
			return errs.Internal("velocity lookup failed", err)
		}
		if count > e.cfg.MaxOrdersPerSecond {
			return deny("1s")
		}
	}
	if e.cfg.MaxOrdersPerMinute > 0 {
		count, err := e.history.CountRecent(ctx, order.StrategyID, time.Minute)
		if err != nil {
			return errs.Internal("velocity lookup failed", err)
		}
		if count > e.cfg.MaxOrdersPerMinute {
			return deny("1m")
		}
	}
	return nil
}

// orderNotional prices the order: limit orders at their price, market orders
// at the registry mark. Instruments with no mark and no price contribute
// zero, leaving the cap checks to the venue's own limits.
func (e *Engine) orderNotional(order *schema.Order, meta instrument.Metadata) decimal.Decimal {
	price := decimal.Zero
	switch {
	case order.Price != nil:
		price = *order.Price
	case meta.MarkPrice != nil:
		price = *meta.MarkPrice
	}
	return price.Mul(order.Quantity)
}

func (e *Engine) checkPriceTolerance(order *schema.Order, meta instrument.Metadata) error {
	if order.Price == nil || meta.MarkPrice == nil || meta.MarkPrice.IsZero() {
		return nil
	}
	deviation := order.Price.Sub(*meta.MarkPrice).Abs().Div(*meta.MarkPrice)
	if deviation.GreaterThan(e.tolerance) {
		return errs.New(order.Venue, errs.KindRiskDenied,
			errs.WithReason(errs.RiskPriceTolerance),
			errs.WithMessage("limit price deviates "+deviation.StringFixed(4)+" from mark"))
	}
	return nil
}

func (e *Engine) checkInstrumentCap(order *schema.Order, id instrument.ID, notional decimal.Decimal) error {
	cap, ok := e.instrumentCap[order.CanonicalID]
	if !ok {
		cap = e.defaultCap
	}
	current := decimal.Zero
	if e.exposure != nil {
		current = e.exposure.NotionalFor(instrument.PositionKey(id, venueOf(order, id), order.Selection))
	}
	if current.Add(notional).GreaterThan(cap) {
		return errs.New(order.Venue, errs.KindRiskDenied,
			errs.WithReason(errs.RiskPositionCap),
			errs.WithMessage("instrument cap exceeded for "+order.CanonicalID))
	}
	return nil
}

func (e *Engine) checkTotalNotional(order *schema.Order, notional decimal.Decimal) error {
	current := decimal.Zero
	if e.exposure != nil {
		current = e.exposure.TotalNotional()
	}
	if current.Add(notional).GreaterThan(e.totalCap) {
		return errs.New(order.Venue, errs.KindRiskDenied,
			errs.WithReason(errs.RiskExposureCap),
			errs.WithMessage("total notional cap exceeded"))
	}
	return nil
}

func (e *Engine) recordDenial(ctx context.Context, order *schema.Order, err error) {
	if !errs.IsKind(err, errs.KindRiskDenied) {
		return
	}
	observability.Telemetry().IncCounter(observability.MetricRiskDenials, 1, map[string]string{
		"reason":   string(errs.ReasonOf(err)),
		"strategy": order.StrategyID,
	})
}

func venueOf(order *schema.Order, id instrument.ID) string {
	if order.Venue != "" {
		return order.Venue
	}
	return id.Venue
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
