package deribit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/internal/schema"
)

func TestPollLoopPricesSyntheticFills(t *testing.T) {
	handler := &rpcHandler{t: t, handlers: map[string]func(map[string]any) (any, *rpcError){
		"public/auth": authResponder,
		"private/get_open_orders": func(map[string]any) (any, *rpcError) {
			return []wireOrder{
				{OrderID: "drb-1", OrderState: "open", Label: "op-1", Amount: 10, FilledAmount: 10, AveragePrice: 30000},
				{OrderID: "drb-2", OrderState: "open", Label: "op-2", Amount: 5, FilledAmount: 5},
			}, nil
		},
	}}
	client := newTestClient(t, handler)

	s := newStream("DERIBIT", config.VenueSettings{PollInterval: 10 * time.Millisecond}, client)
	events, err := s.open(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.close)

	select {
	case event := <-events:
		require.Equal(t, schema.EventOrderFilled, event.Type)
		require.Equal(t, "drb-1", event.VenueOrderID)
		require.Equal(t, "op-1", event.OperationID)
		require.Equal(t, "10", event.Fill.Quantity.String())
		require.Equal(t, "30000", event.Fill.Price.String())
	case <-time.After(time.Second):
		t.Fatal("no fill event from poll loop")
	}

	// The order reporting no average price stays deferred instead of
	// producing a priceless fill.
	select {
	case event := <-events:
		require.NotEqual(t, "drb-2", event.VenueOrderID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitOverflowClosesStream(t *testing.T) {
	s := newStream("DERIBIT", config.VenueSettings{}, nil)
	events := make(chan schema.VenueEvent, 1)
	s.events = events

	s.emit(schema.VenueEvent{Type: schema.EventOrderFilled, VenueOrderID: "vo-1"})
	s.emit(schema.VenueEvent{Type: schema.EventOrderFilled, VenueOrderID: "vo-2"})

	first, ok := <-events
	require.True(t, ok)
	require.Equal(t, "vo-1", first.VenueOrderID)
	require.Equal(t, uint64(1), first.Seq)

	// The overflow event is not queued; the channel closes so the
	// supervisor reconnects and reconciles.
	_, ok = <-events
	require.False(t, ok)
}
