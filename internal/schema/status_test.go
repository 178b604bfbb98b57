package schema_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradefab/execd/internal/schema"
)

func TestTerminalStatesAcceptNoTransitions(t *testing.T) {
	all := []schema.Status{
		schema.StatusPending, schema.StatusSubmitted, schema.StatusPartiallyFilled,
		schema.StatusFilled, schema.StatusCancelled, schema.StatusRejected, schema.StatusExpired,
	}
	terminal := []schema.Status{
		schema.StatusFilled, schema.StatusCancelled, schema.StatusRejected, schema.StatusExpired,
	}
	for _, from := range terminal {
		require.True(t, from.Terminal())
		for _, to := range all {
			require.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestLifecycleEdges(t *testing.T) {
	require.True(t, schema.StatusPending.CanTransition(schema.StatusSubmitted))
	require.True(t, schema.StatusPending.CanTransition(schema.StatusRejected))
	require.True(t, schema.StatusSubmitted.CanTransition(schema.StatusPartiallyFilled))
	require.True(t, schema.StatusSubmitted.CanTransition(schema.StatusFilled))
	require.True(t, schema.StatusSubmitted.CanTransition(schema.StatusExpired))
	require.True(t, schema.StatusPartiallyFilled.CanTransition(schema.StatusPartiallyFilled))
	require.True(t, schema.StatusPartiallyFilled.CanTransition(schema.StatusCancelled))

	require.False(t, schema.StatusPartiallyFilled.CanTransition(schema.StatusRejected))
	require.False(t, schema.StatusPartiallyFilled.CanTransition(schema.StatusSubmitted))
	require.False(t, schema.StatusSubmitted.CanTransition(schema.StatusPending))
}

func TestFilledQuantityAndRemaining(t *testing.T) {
	order := &schema.Order{
		OperationID: "op-1",
		Quantity:    decimal.RequireFromString("1.0"),
	}
	require.True(t, order.FilledQuantity().IsZero())

	order.Fills = append(order.Fills, schema.Fill{
		FillID: "f1", VenueFillID: "vf-1",
		Quantity: decimal.RequireFromString("0.3"),
		Price:    decimal.RequireFromString("30000"),
	})
	order.Fills = append(order.Fills, schema.Fill{
		FillID: "f2", VenueFillID: "vf-2",
		Quantity: decimal.RequireFromString("0.2"),
		Price:    decimal.RequireFromString("30010"),
	})

	require.Equal(t, "0.5", order.FilledQuantity().String())
	require.Equal(t, "0.5", order.RemainingQuantity().String())
	require.True(t, order.HasVenueFill("vf-2"))
	require.False(t, order.HasVenueFill("vf-9"))
}

func TestOrderCloneIsDeep(t *testing.T) {
	price := decimal.RequireFromString("30000")
	order := &schema.Order{
		OperationID:    "op-1",
		Price:          &price,
		Fills:          []schema.Fill{{FillID: "f1", Quantity: decimal.NewFromInt(1)}},
		ExpectedDeltas: map[string]decimal.Decimal{"BINANCE-SPOT:SPOT_ASSET:BTC": decimal.NewFromInt(1)},
	}
	clone := order.Clone()
	clone.Fills[0].FillID = "mutated"
	*clone.Price = decimal.NewFromInt(999)
	clone.ExpectedDeltas["X"] = decimal.Zero

	require.Equal(t, "f1", order.Fills[0].FillID)
	require.Equal(t, "30000", order.Price.String())
	require.NotContains(t, order.ExpectedDeltas, "X")
}
