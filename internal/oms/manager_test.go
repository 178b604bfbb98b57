package oms_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/oms"
	"github.com/tradefab/execd/internal/persistence/memory"
	"github.com/tradefab/execd/internal/schema"
)

func newManager(t *testing.T) *oms.Manager {
	t.Helper()
	return oms.NewManager(memory.NewOrderStore(), nil)
}

func baseOrder(opID string) *schema.Order {
	return &schema.Order{
		OperationID: opID,
		Operation:   schema.OpTrade,
		CanonicalID: "BINANCE-SPOT:SPOT_PAIR:BTC-USDT",
		Side:        schema.SideBuy,
		Quantity:    decimal.RequireFromString("1"),
		OrderType:   schema.OrderTypeMarket,
		StrategyID:  "strat-1",
	}
}

func TestCreateIsIdempotentPerOperationID(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	first, err := mgr.Create(ctx, baseOrder("op-1"))
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, first.Status)

	dup, err := mgr.Create(ctx, baseOrder("op-1"))
	require.True(t, errs.IsKind(err, errs.KindDuplicateOperation))
	require.Equal(t, first.OperationID, dup.OperationID)
	require.Equal(t, first.Status, dup.Status)
}

func TestFillDedupeByVenueFillID(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, baseOrder("op-1"))
	require.NoError(t, err)
	_, err = mgr.BindVenueOrder(ctx, "op-1", "BINANCE-SPOT", schema.VenueIntegrated, "vo-1")
	require.NoError(t, err)

	fill := schema.Fill{
		VenueFillID: "vf-1",
		Quantity:    decimal.RequireFromString("0.4"),
		Price:       decimal.RequireFromString("30000"),
	}
	order, err := mgr.ApplyFill(ctx, "BINANCE-SPOT", "vo-1", fill)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPartiallyFilled, order.Status)
	require.Equal(t, "0.4", order.FilledQuantity().String())

	// Replayed event: same venue fill id must not double-count.
	order, err = mgr.ApplyFill(ctx, "BINANCE-SPOT", "vo-1", fill)
	require.NoError(t, err)
	require.Len(t, order.Fills, 1)
	require.Equal(t, "0.4", order.FilledQuantity().String())
}

func TestFillsNeverExceedOrderQuantity(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, baseOrder("op-1"))
	require.NoError(t, err)
	_, err = mgr.BindVenueOrder(ctx, "op-1", "BINANCE-SPOT", schema.VenueIntegrated, "vo-1")
	require.NoError(t, err)

	_, err = mgr.ApplyFill(ctx, "BINANCE-SPOT", "vo-1", schema.Fill{
		VenueFillID: "vf-1", Quantity: decimal.RequireFromString("0.7"), Price: decimal.NewFromInt(30000),
	})
	require.NoError(t, err)

	_, err = mgr.ApplyFill(ctx, "BINANCE-SPOT", "vo-1", schema.Fill{
		VenueFillID: "vf-2", Quantity: decimal.RequireFromString("0.5"), Price: decimal.NewFromInt(30000),
	})
	require.True(t, errs.IsKind(err, errs.KindInternal))

	order, err := mgr.Get(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, "0.7", order.FilledQuantity().String())
	// The dropped fill leaves an annotation on the record.
	require.Contains(t, order.ErrorMessage, "vf-2")

	final, err := mgr.ApplyFill(ctx, "BINANCE-SPOT", "vo-1", schema.Fill{
		VenueFillID: "vf-3", Quantity: decimal.RequireFromString("0.3"), Price: decimal.NewFromInt(30000),
	})
	require.NoError(t, err)
	require.Equal(t, schema.StatusFilled, final.Status)
}

func TestLateFillOnTerminalOrderReconcilesWithoutReopening(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, baseOrder("op-1"))
	require.NoError(t, err)
	_, err = mgr.BindVenueOrder(ctx, "op-1", "BINANCE-SPOT", schema.VenueIntegrated, "vo-1")
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, "op-1", schema.StatusCancelled, "user cancel")
	require.NoError(t, err)

	order, err := mgr.ApplyFill(ctx, "BINANCE-SPOT", "vo-1", schema.Fill{
		VenueFillID: "vf-late", Quantity: decimal.RequireFromString("0.2"), Price: decimal.NewFromInt(30000),
	})
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, order.Status)
	require.Equal(t, "0.2", order.FilledQuantity().String())

	// A late fill past the order quantity is dropped and annotated.
	_, err = mgr.ApplyFill(ctx, "BINANCE-SPOT", "vo-1", schema.Fill{
		VenueFillID: "vf-over", Quantity: decimal.RequireFromString("2"), Price: decimal.NewFromInt(30000),
	})
	require.True(t, errs.IsKind(err, errs.KindInternal))

	order, err = mgr.Get(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, order.Status)
	require.Equal(t, "0.2", order.FilledQuantity().String())
	require.Contains(t, order.ErrorMessage, "vf-over")
}

func TestTerminalOrdersRefuseTransitions(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, baseOrder("op-1"))
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, "op-1", schema.StatusRejected, "risk denied")
	require.NoError(t, err)

	_, err = mgr.Transition(ctx, "op-1", schema.StatusSubmitted, "")
	require.True(t, errs.IsKind(err, errs.KindInternal))

	order, err := mgr.Get(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, "risk denied", order.RejectionReason)
}

func TestCountRecentFeedsVelocityWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mgr := oms.NewManager(memory.NewOrderStore(), nil).WithClock(clock)
	ctx := context.Background()

	for _, opID := range []string{"op-a", "op-b", "op-c"} {
		now = now.Add(400 * time.Millisecond)
		_, err := mgr.Create(ctx, baseOrder(opID))
		require.NoError(t, err)
	}

	count, err := mgr.CountRecent(ctx, "strat-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	now = now.Add(time.Minute)
	count, err = mgr.CountRecent(ctx, "strat-1", time.Second)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestReconcileAppliesMissedFillsAndTerminalStatus(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, baseOrder("op-1"))
	require.NoError(t, err)
	_, err = mgr.BindVenueOrder(ctx, "op-1", "DERIBIT", schema.VenueExternalSDK, "vo-1")
	require.NoError(t, err)

	err = mgr.ReconcileOrders(ctx, "DERIBIT", []schema.OrderSnapshot{{
		VenueOrderID: "vo-1",
		Status:       schema.StatusFilled,
		Fills: []schema.Fill{{
			VenueFillID: "vf-1", Quantity: decimal.RequireFromString("1"), Price: decimal.NewFromInt(64000),
		}},
	}})
	require.NoError(t, err)

	order, err := mgr.Get(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusFilled, order.Status)
	require.Equal(t, "1", order.FilledQuantity().String())
}
