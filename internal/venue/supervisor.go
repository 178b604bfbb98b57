package venue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/observability"
	"github.com/tradefab/execd/internal/schema"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 60 * time.Second
	defaultCallTimeout = 5 * time.Second
	snapshotTimeout    = 30 * time.Second
)

// Supervisor owns one adapter's lifetime: it connects with exponential
// backoff, reconciles venue state after every connect, pumps the event
// stream into the sink, and guards the request path with a throttle and a
// circuit breaker.
type Supervisor struct {
	adapter    Adapter
	cfg        config.VenueSettings
	throttle   *Throttle
	breaker    *gobreaker.CircuitBreaker
	sink       EventSink
	reconciler Reconciler
	bus        observability.TelemetryBus

	connected   atomic.Bool
	reconnects  atomic.Uint64
	lastEventMu sync.Mutex
	lastEventAt time.Time
}

// NewSupervisor wires a supervisor around the adapter. The sink must be
// non-nil; reconciler and bus may be nil when the caller has no use for them.
func NewSupervisor(adapter Adapter, cfg config.VenueSettings, sink EventSink, reconciler Reconciler, bus observability.TelemetryBus) *Supervisor {
	s := new(Supervisor)
	s.adapter = adapter
	s.cfg = cfg
	s.sink = sink
	s.reconciler = reconciler
	s.bus = bus
	s.throttle = NewThrottle(adapter.Venue(), cfg.RequestsPerSec, cfg.RequestBurst, cfg.QueueDepth)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        adapter.Venue(),
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: s.onBreakerChange,
	})
	return s
}

// Venue returns the supervised venue name.
func (s *Supervisor) Venue() string { return s.adapter.Venue() }

// Kind returns the supervised venue integration kind.
func (s *Supervisor) Kind() schema.VenueKind { return s.adapter.Kind() }

// Run connects and pumps events until ctx is cancelled. Each disconnect
// triggers a reconnect cycle with jittered exponential backoff.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.connected.Store(true)
		s.reconcile(ctx)
		s.pump(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
			_ = s.adapter.Disconnect(disconnectCtx)
			cancel()
			return ctx.Err()
		}
		s.reconnects.Add(1)
		observability.Telemetry().IncCounter(observability.MetricAdapterReconnect, 1,
			map[string]string{"venue": s.Venue()})
		s.publish(ctx, observability.TelemetryEventAdapterReconnect, observability.TelemetrySeverityWarn, nil)
	}
}

// Submit places an order through the throttle, circuit breaker, and call
// deadline. A saturated queue fails fast with VENUE_BACKPRESSURE and an open
// breaker with VENUE_UNREACHABLE.
func (s *Supervisor) Submit(ctx context.Context, order *schema.Order) (SubmitResult, error) {
	release, err := s.throttle.Acquire(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
	defer cancel()

	raw, err := s.breaker.Execute(func() (any, error) {
		return s.adapter.SubmitOrder(callCtx, order)
	})
	observability.Telemetry().IncCounter(observability.MetricAdapterSends, 1,
		map[string]string{"venue": s.Venue(), "outcome": outcomeLabel(err)})
	if err != nil {
		return SubmitResult{}, s.translate(err, "submit order")
	}
	result, ok := raw.(SubmitResult)
	if !ok {
		return SubmitResult{}, errs.Internal("unexpected submit result type", nil)
	}
	return result, nil
}

// Cancel requests cancellation of a resting venue order.
func (s *Supervisor) Cancel(ctx context.Context, venueOrderID string) error {
	release, err := s.throttle.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
	defer cancel()

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.adapter.CancelOrder(callCtx, venueOrderID)
	})
	if err != nil {
		return s.translate(err, "cancel order")
	}
	return nil
}

// Health reports supervisor-level liveness merged with the adapter's own view.
func (s *Supervisor) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Venue:       s.Venue(),
		Kind:        s.Kind(),
		Connected:   s.connected.Load(),
		CircuitOpen: s.breaker.State() == gobreaker.StateOpen,
		QueueDepth:  s.throttle.Depth(),
		Reconnects:  s.reconnects.Load(),
	}
	s.lastEventMu.Lock()
	status.LastEventAt = s.lastEventAt
	s.lastEventMu.Unlock()

	if reported, err := s.adapter.Health(ctx); err == nil {
		if !reported.LastEventAt.IsZero() && reported.LastEventAt.After(status.LastEventAt) {
			status.LastEventAt = reported.LastEventAt
		}
		status.Connected = status.Connected && reported.Connected
	}
	return status
}

func (s *Supervisor) connect(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectBaseDelay
	policy.MaxInterval = reconnectMaxDelay

	operation := func() (struct{}, error) {
		connectCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout())
		defer cancel()
		if err := s.adapter.Connect(connectCtx); err != nil {
			observability.Log().Warn("venue connect failed",
				observability.F("venue", s.Venue()), observability.F("error", err.Error()))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(policy))
	return err
}

// reconcile pulls open orders and positions so local state converges with the
// venue before any buffered events are applied.
func (s *Supervisor) reconcile(ctx context.Context) {
	if s.reconciler == nil {
		return
	}
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	if orders, err := s.adapter.OpenOrders(snapCtx); err != nil {
		observability.Log().Warn("open orders snapshot failed",
			observability.F("venue", s.Venue()), observability.F("error", err.Error()))
	} else if err := s.reconciler.ReconcileOrders(snapCtx, s.Venue(), orders); err != nil {
		observability.Log().Error("order reconciliation failed",
			observability.F("venue", s.Venue()), observability.F("error", err.Error()))
	}

	if positions, err := s.adapter.Positions(snapCtx); err != nil {
		observability.Log().Warn("positions snapshot failed",
			observability.F("venue", s.Venue()), observability.F("error", err.Error()))
	} else if err := s.reconciler.ReconcilePositions(snapCtx, s.Venue(), positions); err != nil {
		observability.Log().Error("position reconciliation failed",
			observability.F("venue", s.Venue()), observability.F("error", err.Error()))
	}
}

func (s *Supervisor) pump(ctx context.Context) {
	events, err := s.adapter.SubscribeEvents(ctx)
	if err != nil {
		observability.Log().Warn("event subscription failed",
			observability.F("venue", s.Venue()), observability.F("error", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.lastEventMu.Lock()
			s.lastEventAt = time.Now().UTC()
			s.lastEventMu.Unlock()
			observability.Telemetry().IncCounter(observability.MetricAdapterReceives, 1,
				map[string]string{"venue": s.Venue(), "type": string(event.Type)})
			s.sink(ctx, event)
		}
	}
}

func (s *Supervisor) translate(err error, action string) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.New(s.Venue(), errs.KindVenueUnreachable,
			errs.WithMessage("circuit open"), errs.WithCause(err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(s.Venue(), errs.KindTimeout,
			errs.WithMessage(action+" deadline exceeded"), errs.WithCause(err))
	}
	var envelope *errs.E
	if errors.As(err, &envelope) {
		return err
	}
	return errs.New(s.Venue(), errs.KindVenueUnreachable,
		errs.WithMessage(action+" failed"), errs.WithCause(err))
}

func (s *Supervisor) onBreakerChange(name string, from, to gobreaker.State) {
	observability.Log().Warn("circuit state change",
		observability.F("venue", name),
		observability.F("from", from.String()),
		observability.F("to", to.String()))
	if to == gobreaker.StateOpen {
		s.publish(context.Background(), observability.TelemetryEventCircuitOpen, observability.TelemetrySeverityError, nil)
	}
}

func (s *Supervisor) publish(ctx context.Context, eventType observability.TelemetryEventType, severity observability.TelemetrySeverity, meta map[string]any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, observability.TelemetryEvent{
		Type:     eventType,
		Severity: severity,
		Venue:    s.Venue(),
		Metadata: meta,
	})
}

func (s *Supervisor) callTimeout() time.Duration {
	if s.cfg.HTTPTimeout > 0 {
		return s.cfg.HTTPTimeout
	}
	return defaultCallTimeout
}

func (s *Supervisor) handshakeTimeout() time.Duration {
	if s.cfg.HandshakeTimeout > 0 {
		return s.cfg.HandshakeTimeout
	}
	return defaultCallTimeout
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
