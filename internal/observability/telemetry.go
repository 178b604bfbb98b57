package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradefab/execd/errs"
)

// TelemetrySeverity represents the severity level of a telemetry event.
type TelemetrySeverity string

const (
	// TelemetrySeverityInfo identifies informational telemetry.
	TelemetrySeverityInfo TelemetrySeverity = "INFO"
	// TelemetrySeverityWarn identifies warning telemetry.
	TelemetrySeverityWarn TelemetrySeverity = "WARN"
	// TelemetrySeverityError identifies error telemetry.
	TelemetrySeverityError TelemetrySeverity = "ERROR"
)

// TelemetryEventType enumerates ops-only telemetry event categories.
type TelemetryEventType string

const (
	// TelemetryEventPositionDrift signals a venue snapshot diverging from local positions.
	TelemetryEventPositionDrift TelemetryEventType = "position.drift"
	// TelemetryEventAdapterReconnect signals an adapter reconnect cycle.
	TelemetryEventAdapterReconnect TelemetryEventType = "adapter.reconnect"
	// TelemetryEventBackpressureApplied signals backpressure enforcement on a submit queue.
	TelemetryEventBackpressureApplied TelemetryEventType = "backpressure.applied"
	// TelemetryEventLateFillReconciled signals a fill applied to a terminal order.
	TelemetryEventLateFillReconciled TelemetryEventType = "late_fill.reconciled"
	// TelemetryEventRiskTimeout signals a risk evaluation exceeding its budget.
	TelemetryEventRiskTimeout TelemetryEventType = "risk.timeout"
	// TelemetryEventCircuitOpen signals an adapter circuit breaker opening.
	TelemetryEventCircuitOpen TelemetryEventType = "circuit.open"
	// TelemetryEventAtomicGroupRolledBack signals an atomic group rejected as a unit.
	TelemetryEventAtomicGroupRolledBack TelemetryEventType = "atomic_group.rolled_back"
)

// TelemetryEvent carries structured observability information for operations.
type TelemetryEvent struct {
	EventID     string             `json:"event_id"`
	Type        TelemetryEventType `json:"type"`
	Severity    TelemetrySeverity  `json:"severity"`
	Timestamp   time.Time          `json:"timestamp"`
	Venue       string             `json:"venue,omitempty"`
	OperationID string             `json:"operation_id,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// TelemetryBus defines pub/sub semantics for telemetry events.
type TelemetryBus interface {
	Publish(ctx context.Context, event TelemetryEvent) error
	Subscribe(ctx context.Context) (<-chan TelemetryEvent, error)
	Close()
}

// InMemoryTelemetryBus is an in-memory implementation of the telemetry bus.
type InMemoryTelemetryBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	subs     []*telemetrySubscriber
	shutdown sync.Once
}

type telemetrySubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan TelemetryEvent
	once   sync.Once
}

// NewInMemoryTelemetryBus constructs a memory-backed telemetry bus.
func NewInMemoryTelemetryBus(buffer int) *InMemoryTelemetryBus {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(InMemoryTelemetryBus)
	bus.ctx = ctx
	bus.cancel = cancel
	bus.buffer = buffer
	bus.subs = make([]*telemetrySubscriber, 0)
	return bus
}

// Publish broadcasts the telemetry event to all subscribers.
func (b *InMemoryTelemetryBus) Publish(ctx context.Context, event TelemetryEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	subs := append([]*telemetrySubscriber(nil), b.subs...)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := b.deliver(ctx, sub, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a telemetry subscriber tied to the caller's context.
func (b *InMemoryTelemetryBus) Subscribe(ctx context.Context) (<-chan TelemetryEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-b.ctx.Done():
		return nil, errs.New("", errs.KindShutdown, errs.WithMessage("telemetry bus closed"))
	default:
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &telemetrySubscriber{
		ctx:    subCtx,
		cancel: cancel,
		ch:     make(chan TelemetryEvent, b.buffer),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
		case <-b.ctx.Done():
		}
		b.remove(sub)
	}()
	return sub.ch, nil
}

// Close stops delivery and releases all subscribers.
func (b *InMemoryTelemetryBus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subs
		b.subs = nil
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

func (b *InMemoryTelemetryBus) deliver(ctx context.Context, sub *telemetrySubscriber, event TelemetryEvent) error {
	select {
	case <-b.ctx.Done():
		return errs.New("", errs.KindShutdown, errs.WithMessage("telemetry bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("telemetry publish: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- event:
		return nil
	default:
		// Slow subscribers drop events rather than block publishers.
		return nil
	}
}

func (b *InMemoryTelemetryBus) remove(target *telemetrySubscriber) {
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	target.close()
}

func (s *telemetrySubscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
