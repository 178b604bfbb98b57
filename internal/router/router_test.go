package router_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/router"
	"github.com/tradefab/execd/internal/schema"
)

type stubProber struct {
	quotes map[string]router.Quote
	probes atomic.Int32
}

func (s *stubProber) ProbeDepth(_ context.Context, venueName string, _ instrument.ID, _ string) (router.Quote, error) {
	s.probes.Add(1)
	quote, ok := s.quotes[venueName]
	if !ok {
		return router.Quote{}, errs.New(venueName, errs.KindRouteUnavailable,
			errs.WithMessage("no book"))
	}
	return quote, nil
}

func profiles() map[string]router.VenueProfile {
	return map[string]router.VenueProfile{
		"BINANCE-SPOT": {
			Kind:    schema.VenueIntegrated,
			FeeBps:  decimal.NewFromInt(10),
			Latency: 50 * time.Millisecond,
		},
		"COINBASE": {
			Kind:    schema.VenueIntegrated,
			FeeBps:  decimal.NewFromInt(25),
			Latency: 50 * time.Millisecond,
		},
	}
}

func routerSettings() config.RouterSettings {
	return config.RouterSettings{
		DepthCacheTTL:    time.Second,
		SplitThreshold:   "1000000",
		MaxSplitLegs:     2,
		SlippageModelBps: 5,
	}
}

func deepQuotes() map[string]router.Quote {
	return map[string]router.Quote{
		"BINANCE-SPOT": {Venue: "BINANCE-SPOT", Price: decimal.NewFromInt(30000), Depth: decimal.NewFromInt(100)},
		"COINBASE":     {Venue: "COINBASE", Price: decimal.NewFromInt(30000), Depth: decimal.NewFromInt(100)},
	}
}

func routableOrder(qty string) *schema.Order {
	return &schema.Order{
		OperationID: "op-1",
		Operation:   schema.OpTrade,
		CanonicalID: "SPOT_PAIR:BTC-USDT",
		Side:        schema.SideBuy,
		Quantity:    decimal.RequireFromString(qty),
		OrderType:   schema.OrderTypeMarket,
	}
}

func TestCheapestFeeWinsAllElseEqual(t *testing.T) {
	prober := &stubProber{quotes: deepQuotes()}
	r, err := router.New(routerSettings(), profiles(), prober)
	require.NoError(t, err)

	order := routableOrder("1")
	id := instrument.MustParse(order.CanonicalID)
	plan, err := r.Route(context.Background(), order, id)
	require.NoError(t, err)
	require.False(t, plan.Split())
	require.Equal(t, "BINANCE-SPOT", plan.Legs[0].Venue)
	require.Equal(t, "1", plan.Legs[0].Quantity.String())
}

func TestTieBreakIsDeterministicByVenueName(t *testing.T) {
	// Identical fees, latency, and books: the lexicographically smaller
	// venue must win every time.
	equal := profiles()
	binance := equal["BINANCE-SPOT"]
	equal["COINBASE"] = binance

	prober := &stubProber{quotes: deepQuotes()}
	r, err := router.New(routerSettings(), equal, prober)
	require.NoError(t, err)

	order := routableOrder("1")
	id := instrument.MustParse(order.CanonicalID)
	for i := 0; i < 10; i++ {
		plan, err := r.Route(context.Background(), order, id)
		require.NoError(t, err)
		require.Equal(t, "BINANCE-SPOT", plan.Legs[0].Venue)
	}
}

func TestDepthCacheSuppressesRepeatedProbes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prober := &stubProber{quotes: deepQuotes()}
	r, err := router.New(routerSettings(), profiles(), prober)
	require.NoError(t, err)
	r.WithClock(func() time.Time { return now })

	order := routableOrder("1")
	id := instrument.MustParse(order.CanonicalID)

	_, err = r.Route(context.Background(), order, id)
	require.NoError(t, err)
	first := prober.probes.Load()

	_, err = r.Route(context.Background(), order, id)
	require.NoError(t, err)
	require.Equal(t, first, prober.probes.Load())

	now = now.Add(2 * time.Second)
	_, err = r.Route(context.Background(), order, id)
	require.NoError(t, err)
	require.Greater(t, prober.probes.Load(), first)
}

func TestThinDepthSplitsAcrossVenues(t *testing.T) {
	prober := &stubProber{quotes: map[string]router.Quote{
		"BINANCE-SPOT": {Venue: "BINANCE-SPOT", Price: decimal.NewFromInt(30000), Depth: decimal.NewFromInt(6)},
		"COINBASE":     {Venue: "COINBASE", Price: decimal.NewFromInt(30000), Depth: decimal.NewFromInt(6)},
	}}
	r, err := router.New(routerSettings(), profiles(), prober)
	require.NoError(t, err)

	order := routableOrder("10")
	id := instrument.MustParse(order.CanonicalID)
	plan, err := r.Route(context.Background(), order, id)
	require.NoError(t, err)
	require.True(t, plan.Split())

	total := decimal.Zero
	for _, leg := range plan.Legs {
		require.True(t, leg.Quantity.IsPositive())
		total = total.Add(leg.Quantity)
	}
	require.True(t, total.Equal(order.Quantity))
}

func TestVenueBoundInstrumentSkipsScoring(t *testing.T) {
	prober := &stubProber{quotes: map[string]router.Quote{}}
	venues := profiles()
	venues["DERIBIT"] = router.VenueProfile{Kind: schema.VenueExternalSDK}
	r, err := router.New(routerSettings(), venues, prober)
	require.NoError(t, err)

	order := &schema.Order{
		OperationID: "op-1",
		CanonicalID: "DERIBIT:PERPETUAL:BTC-USD",
		Quantity:    decimal.NewFromInt(1),
	}
	id := instrument.MustParse(order.CanonicalID)
	plan, err := r.Route(context.Background(), order, id)
	require.NoError(t, err)
	require.Equal(t, "DERIBIT", plan.Legs[0].Venue)
	require.Equal(t, schema.VenueExternalSDK, plan.Legs[0].Kind)
	require.Zero(t, prober.probes.Load())
}

func TestVenuesEnabledRestrictsCandidates(t *testing.T) {
	cfg := routerSettings()
	cfg.VenuesEnabled = []string{"COINBASE"}
	prober := &stubProber{quotes: deepQuotes()}
	r, err := router.New(cfg, profiles(), prober)
	require.NoError(t, err)

	order := routableOrder("1")
	id := instrument.MustParse(order.CanonicalID)
	plan, err := r.Route(context.Background(), order, id)
	require.NoError(t, err)
	// BINANCE-SPOT is cheaper but sits outside the enabled set.
	require.Equal(t, "COINBASE", plan.Legs[0].Venue)
}

func TestSmartExecutionOffRoutesByStaticFee(t *testing.T) {
	off := false
	cfg := routerSettings()
	cfg.SmartExecutionEnabled = &off
	prober := &stubProber{quotes: deepQuotes()}
	r, err := router.New(cfg, profiles(), prober)
	require.NoError(t, err)

	order := routableOrder("10")
	id := instrument.MustParse(order.CanonicalID)
	plan, err := r.Route(context.Background(), order, id)
	require.NoError(t, err)
	require.False(t, plan.Split())
	require.Equal(t, "BINANCE-SPOT", plan.Legs[0].Venue)
	require.Equal(t, "10", plan.Legs[0].Quantity.String())
	require.Zero(t, prober.probes.Load())
}

func TestNoEligibleVenueFailsRouteUnavailable(t *testing.T) {
	prober := &stubProber{quotes: map[string]router.Quote{}}
	r, err := router.New(routerSettings(), profiles(), prober)
	require.NoError(t, err)

	order := routableOrder("1")
	id := instrument.MustParse(order.CanonicalID)
	_, err = r.Route(context.Background(), order, id)
	require.True(t, errs.IsKind(err, errs.KindRouteUnavailable))
}
