package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/oms"
	"github.com/tradefab/execd/internal/orchestrator"
	"github.com/tradefab/execd/internal/persistence/memory"
	"github.com/tradefab/execd/internal/positions"
	"github.com/tradefab/execd/internal/risk"
	"github.com/tradefab/execd/internal/router"
	"github.com/tradefab/execd/internal/router/algo"
	"github.com/tradefab/execd/internal/schema"
	"github.com/tradefab/execd/internal/venue"
)

type mockVenue struct {
	name      string
	kind      schema.VenueKind
	mu        sync.Mutex
	attempts  int
	failFirst int
	failWith  error
	submitted []*schema.Order
	cancelled []string
}

func (m *mockVenue) Submit(_ context.Context, order *schema.Order) (venue.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failWith != nil && (m.failFirst == 0 || m.attempts <= m.failFirst) {
		return venue.SubmitResult{}, m.failWith
	}
	m.submitted = append(m.submitted, order.Clone())
	return venue.SubmitResult{VenueOrderID: "vo-" + order.OperationID, Status: schema.StatusSubmitted}, nil
}

func (m *mockVenue) Cancel(_ context.Context, venueOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, venueOrderID)
	return nil
}

func (m *mockVenue) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

func (m *mockVenue) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *mockVenue) cancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelled)
}

type mockDirectory struct {
	venues map[string]*mockVenue
}

func (d *mockDirectory) Submitter(venueName string) (orchestrator.Submitter, bool) {
	v, ok := d.venues[venueName]
	return v, ok
}

type stubProber struct {
	quotes map[string]router.Quote
}

func (s *stubProber) ProbeDepth(_ context.Context, venueName string, _ instrument.ID, _ string) (router.Quote, error) {
	quote, ok := s.quotes[venueName]
	if !ok {
		return router.Quote{}, errs.New(venueName, errs.KindRouteUnavailable, errs.WithMessage("no book"))
	}
	return quote, nil
}

type harness struct {
	orch   *orchestrator.Orchestrator
	dir    *mockDirectory
	orders *oms.Manager
	book   *positions.Tracker
}

type harnessOpts struct {
	riskCfg   *config.RiskSettings
	depth     map[string]router.Quote
	venueErrs map[string]error
	failFirst map[string]int
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	orders := oms.NewManager(memory.NewOrderStore(), nil)
	book := positions.NewTracker(instrument.NewStaticRegistry(), nil, decimal.RequireFromString("0.0001"))

	riskCfg := config.Default().Risk
	riskCfg.MaxOrdersPerSecond = 1000
	riskCfg.MaxOrdersPerMinute = 10000
	riskCfg.TotalNotionalCap = "100000000"
	riskCfg.DefaultInstrumentCap = "100000000"
	if opts.riskCfg != nil {
		riskCfg = *opts.riskCfg
	}
	gate, err := risk.NewEngine(riskCfg, orders, book, instrument.NewStaticRegistry(), nil)
	require.NoError(t, err)

	depth := opts.depth
	if depth == nil {
		depth = map[string]router.Quote{
			"V-A": {Venue: "V-A", Price: decimal.NewFromInt(30000), Depth: decimal.NewFromInt(1000)},
			"V-B": {Venue: "V-B", Price: decimal.NewFromInt(30000), Depth: decimal.NewFromInt(1000)},
		}
	}
	profiles := map[string]router.VenueProfile{
		"V-A":     {Kind: schema.VenueIntegrated, FeeBps: decimal.NewFromInt(10)},
		"V-B":     {Kind: schema.VenueIntegrated, FeeBps: decimal.NewFromInt(20)},
		"DERIBIT": {Kind: schema.VenueExternalSDK, FeeBps: decimal.NewFromInt(5)},
	}
	routes, err := router.New(config.RouterSettings{
		DepthCacheTTL:  time.Second,
		SplitThreshold: "1000000000",
		MaxSplitLegs:   2,
	}, profiles, &stubProber{quotes: depth})
	require.NoError(t, err)

	dir := &mockDirectory{venues: map[string]*mockVenue{
		"V-A":     {name: "V-A", kind: schema.VenueIntegrated},
		"V-B":     {name: "V-B", kind: schema.VenueIntegrated},
		"DERIBIT": {name: "DERIBIT", kind: schema.VenueExternalSDK},
	}}
	for name, failErr := range opts.venueErrs {
		dir.venues[name].failWith = failErr
	}
	for name, n := range opts.failFirst {
		dir.venues[name].failFirst = n
	}

	orch, err := orchestrator.New(config.OrchestratorSettings{
		SubmitTimeout:  time.Second,
		CancelTimeout:  time.Second,
		SubmitRetries:  2,
		EventWorkers:   4,
		EventQueueSize: 64,
	}, orders, book, gate, routes, algo.NewRegistry(), dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &harness{orch: orch, dir: dir, orders: orders, book: book}
}

func marketOrder(opID, qty string) *schema.Order {
	return &schema.Order{
		OperationID: opID,
		Operation:   schema.OpTrade,
		CanonicalID: "SPOT_PAIR:BTC-USDT",
		Side:        schema.SideBuy,
		Quantity:    decimal.RequireFromString(qty),
		OrderType:   schema.OrderTypeMarket,
		StrategyID:  "strat-1",
	}
}

func fillEvent(venueName, venueOrderID, fillID, qty, price string) schema.VenueEvent {
	return schema.VenueEvent{
		Type:         schema.EventOrderFilled,
		Venue:        venueName,
		VenueOrderID: venueOrderID,
		Fill: &schema.Fill{
			VenueFillID: fillID,
			Quantity:    decimal.RequireFromString(qty),
			Price:       decimal.RequireFromString(price),
		},
		EmittedAt: time.Now().UTC(),
	}
}

func TestSubmitRoutesToCheapestVenueAndFills(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	order, err := h.orch.Submit(ctx, marketOrder("op-1", "1"))
	require.NoError(t, err)
	require.Equal(t, schema.StatusSubmitted, order.Status)
	require.Equal(t, "V-A", order.Venue)
	require.Equal(t, "vo-op-1", order.VenueOrderID)
	require.Equal(t, 1, h.dir.venues["V-A"].submitCount())
	require.Zero(t, h.dir.venues["V-B"].submitCount())

	h.orch.HandleEvent(ctx, fillEvent("V-A", "vo-op-1", "vf-1", "1", "30000"))
	require.Eventually(t, func() bool {
		got, err := h.orch.Get(ctx, "op-1")
		return err == nil && got.Status == schema.StatusFilled
	}, time.Second, 5*time.Millisecond)

	// Venue-less routing ids accrue under the executing venue.
	pos, ok := h.book.Get("V-A:SPOT_ASSET:BTC")
	require.True(t, ok)
	require.Equal(t, "1", pos.AggregatedQuantity.String())
}

func TestDuplicateOperationIDIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first, err := h.orch.Submit(ctx, marketOrder("op-1", "1"))
	require.NoError(t, err)

	second, err := h.orch.Submit(ctx, marketOrder("op-1", "1"))
	require.NoError(t, err)
	require.Equal(t, first.OperationID, second.OperationID)
	require.Equal(t, first.VenueOrderID, second.VenueOrderID)
	require.Equal(t, 1, h.dir.venues["V-A"].submitCount())
}

func TestVelocityDenialRejectsBeforeVenue(t *testing.T) {
	riskCfg := config.Default().Risk
	riskCfg.MaxOrdersPerSecond = 1
	riskCfg.MaxOrdersPerMinute = 1000
	riskCfg.TotalNotionalCap = "100000000"
	riskCfg.DefaultInstrumentCap = "100000000"
	h := newHarness(t, harnessOpts{riskCfg: &riskCfg})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, marketOrder("op-1", "1"))
	require.NoError(t, err)

	_, err = h.orch.Submit(ctx, marketOrder("op-2", "1"))
	require.True(t, errs.IsKind(err, errs.KindRiskDenied))
	require.Equal(t, errs.RiskVelocity, errs.ReasonOf(err))

	rejected, err := h.orch.Get(ctx, "op-2")
	require.NoError(t, err)
	require.Equal(t, schema.StatusRejected, rejected.Status)
	require.Equal(t, 1, h.dir.venues["V-A"].submitCount())
}

func TestVenueUnreachableRetriesThenRejects(t *testing.T) {
	h := newHarness(t, harnessOpts{venueErrs: map[string]error{
		"V-A": errs.New("V-A", errs.KindVenueUnreachable, errs.WithMessage("dial refused")),
	}})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, marketOrder("op-1", "1"))
	require.True(t, errs.IsKind(err, errs.KindVenueUnreachable))
	// Initial attempt plus the configured retries.
	require.Equal(t, 3, h.dir.venues["V-A"].attemptCount())

	order, err := h.orch.Get(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusRejected, order.Status)
}

func TestTransientFailureRecoversWithinRetryBudget(t *testing.T) {
	h := newHarness(t, harnessOpts{
		venueErrs: map[string]error{
			"V-A": errs.New("V-A", errs.KindVenueUnreachable, errs.WithMessage("dial refused")),
		},
		failFirst: map[string]int{"V-A": 1},
	})
	ctx := context.Background()

	order, err := h.orch.Submit(ctx, marketOrder("op-1", "1"))
	require.NoError(t, err)
	require.Equal(t, schema.StatusSubmitted, order.Status)
	require.Equal(t, 2, h.dir.venues["V-A"].attemptCount())
}

func TestVenueRejectionDoesNotRetry(t *testing.T) {
	h := newHarness(t, harnessOpts{venueErrs: map[string]error{
		"V-A": errs.New("V-A", errs.KindVenueRejected, errs.WithMessage("insufficient margin")),
	}})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, marketOrder("op-1", "1"))
	require.True(t, errs.IsKind(err, errs.KindVenueRejected))
	require.Equal(t, 1, h.dir.venues["V-A"].attemptCount())

	order, err := h.orch.Get(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusRejected, order.Status)
}

func TestThinDepthSplitsAndParentAggregates(t *testing.T) {
	h := newHarness(t, harnessOpts{depth: map[string]router.Quote{
		"V-A": {Venue: "V-A", Price: decimal.NewFromInt(30000), Depth: decimal.NewFromInt(5)},
		"V-B": {Venue: "V-B", Price: decimal.NewFromInt(30000), Depth: decimal.NewFromInt(5)},
	}})
	ctx := context.Background()

	parent, err := h.orch.Submit(ctx, marketOrder("op-1", "10"))
	require.NoError(t, err)
	require.Equal(t, schema.StatusSubmitted, parent.Status)
	require.Equal(t, 1, h.dir.venues["V-A"].submitCount())
	require.Equal(t, 1, h.dir.venues["V-B"].submitCount())

	children, err := h.orch.Query(ctx, oms.Filter{})
	require.NoError(t, err)
	childCount := 0
	for _, child := range children {
		if child.ParentOperation == "op-1" {
			childCount++
			require.Equal(t, "5", child.Quantity.String())
		}
	}
	require.Equal(t, 2, childCount)

	h.orch.HandleEvent(ctx, fillEvent("V-A", "vo-op-1:1", "vf-1", "5", "30000"))
	h.orch.HandleEvent(ctx, fillEvent("V-B", "vo-op-1:2", "vf-2", "5", "30000"))

	require.Eventually(t, func() bool {
		got, err := h.orch.Get(ctx, "op-1")
		return err == nil && got.Status == schema.StatusFilled
	}, time.Second, 5*time.Millisecond)
}

func TestReplayedFillEventDoesNotDoubleCount(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, marketOrder("op-1", "1"))
	require.NoError(t, err)

	event := fillEvent("V-A", "vo-op-1", "vf-1", "0.6", "30000")
	h.orch.HandleEvent(ctx, event)
	h.orch.HandleEvent(ctx, event)

	require.Eventually(t, func() bool {
		got, err := h.orch.Get(ctx, "op-1")
		return err == nil && got.Status == schema.StatusPartiallyFilled
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	order, err := h.orch.Get(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, order.Fills, 1)
	require.Equal(t, "0.6", order.FilledQuantity().String())
}

func TestCancelBeforeVenueBindingCancelsLocally(t *testing.T) {
	h := newHarness(t, harnessOpts{venueErrs: map[string]error{
		"V-A": errs.New("V-A", errs.KindVenueRejected, errs.WithMessage("down")),
		"V-B": errs.New("V-B", errs.KindVenueRejected, errs.WithMessage("down")),
	}})
	ctx := context.Background()

	// Rejected order is terminal; cancel is a no-op returning the record.
	_, _ = h.orch.Submit(ctx, marketOrder("op-1", "1"))
	order, err := h.orch.Cancel(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusRejected, order.Status)
}

func TestCancelRestingOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, marketOrder("op-1", "1"))
	require.NoError(t, err)

	order, err := h.orch.Cancel(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, order.Status)
	require.Equal(t, 1, h.dir.venues["V-A"].cancelCount())
}

func TestAtomicGroupRollsBackOnMemberFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{venueErrs: map[string]error{
		"V-B": errs.New("V-B", errs.KindVenueRejected, errs.WithMessage("pool paused")),
	}})
	ctx := context.Background()

	supply := marketOrder("op-supply", "1")
	supply.Operation = schema.OpSupply
	supply.Side = schema.SideSupply
	supply.CanonicalID = "V-A:A_TOKEN:AUSDC@ETH"

	borrow := marketOrder("op-borrow", "1")
	borrow.Operation = schema.OpBorrow
	borrow.Side = schema.SideBorrow
	borrow.CanonicalID = "V-B:DEBT_TOKEN:DUSDT@ETH"

	members, err := h.orch.SubmitGroup(ctx, []*schema.Order{supply, borrow})
	require.Error(t, err)
	require.Len(t, members, 2)
	for _, member := range members {
		require.True(t, member.Status.Terminal(), member.OperationID)
		require.NotEqual(t, schema.StatusFilled, member.Status)
	}
	// The already-placed supply leg must have been cancelled at the venue.
	require.Equal(t, 1, h.dir.venues["V-A"].cancelCount())
}

func TestAtomicGroupAllLegsSubmit(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	supply := marketOrder("op-supply", "1")
	supply.Operation = schema.OpSupply
	supply.Side = schema.SideSupply
	supply.CanonicalID = "V-A:A_TOKEN:AUSDC@ETH"

	borrow := marketOrder("op-borrow", "1")
	borrow.Operation = schema.OpBorrow
	borrow.Side = schema.SideBorrow
	borrow.CanonicalID = "V-B:DEBT_TOKEN:DUSDT@ETH"

	members, err := h.orch.SubmitGroup(ctx, []*schema.Order{supply, borrow})
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, member := range members {
		require.Equal(t, schema.StatusSubmitted, member.Status)
		require.NotEmpty(t, member.AtomicGroupID)
	}
	require.Equal(t, members[0].AtomicGroupID, members[1].AtomicGroupID)
}

func TestAtomicGroupMemberHeldUntilComplete(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	supply := marketOrder("op-supply", "1")
	supply.Operation = schema.OpSupply
	supply.Side = schema.SideSupply
	supply.CanonicalID = "V-A:A_TOKEN:AUSDC@ETH"
	supply.AtomicGroupID = "g-7"
	supply.SequenceInGroup = 1
	supply.GroupSize = 2

	held, err := h.orch.Submit(ctx, supply)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, held.Status)
	require.Empty(t, held.Venue)
	require.Zero(t, h.dir.venues["V-A"].submitCount())
	require.Zero(t, h.dir.venues["V-B"].submitCount())

	borrow := marketOrder("op-borrow", "1")
	borrow.Operation = schema.OpBorrow
	borrow.Side = schema.SideBorrow
	borrow.CanonicalID = "V-B:DEBT_TOKEN:DUSDT@ETH"
	borrow.AtomicGroupID = "g-7"
	borrow.SequenceInGroup = 2
	borrow.GroupSize = 2

	last, err := h.orch.Submit(ctx, borrow)
	require.NoError(t, err)
	require.Equal(t, schema.StatusSubmitted, last.Status)

	first, err := h.orch.Get(ctx, "op-supply")
	require.NoError(t, err)
	require.Equal(t, schema.StatusSubmitted, first.Status)
	require.Equal(t, "g-7", first.AtomicGroupID)
	require.Equal(t, 1, h.dir.venues["V-A"].submitCount())
	require.Equal(t, 1, h.dir.venues["V-B"].submitCount())
}

func TestAtomicGroupCompletesOnContiguousSequence(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	supply := marketOrder("op-supply", "1")
	supply.Operation = schema.OpSupply
	supply.Side = schema.SideSupply
	supply.CanonicalID = "V-A:A_TOKEN:AUSDC@ETH"
	supply.AtomicGroupID = "g-8"
	supply.SequenceInGroup = 1

	held, err := h.orch.Submit(ctx, supply)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, held.Status)
	require.Zero(t, h.dir.venues["V-A"].submitCount())

	// Replaying the held member must not count as a second arrival.
	held, err = h.orch.Submit(ctx, supply)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, held.Status)
	require.Zero(t, h.dir.venues["V-A"].submitCount())

	borrow := marketOrder("op-borrow", "1")
	borrow.Operation = schema.OpBorrow
	borrow.Side = schema.SideBorrow
	borrow.CanonicalID = "V-B:DEBT_TOKEN:DUSDT@ETH"
	borrow.AtomicGroupID = "g-8"
	borrow.SequenceInGroup = 2

	last, err := h.orch.Submit(ctx, borrow)
	require.NoError(t, err)
	require.Equal(t, schema.StatusSubmitted, last.Status)
	require.Equal(t, 1, h.dir.venues["V-A"].submitCount())
	require.Equal(t, 1, h.dir.venues["V-B"].submitCount())
}

func TestTWAPOrderSlicesIntoChildren(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	order := marketOrder("op-1", "1")
	order.ExecAlgorithm = schema.AlgoTWAP
	order.ExecAlgoParams = map[string]any{"slices": 4, "duration_ms": 40}

	parent, err := h.orch.Submit(ctx, order)
	require.NoError(t, err)
	require.Equal(t, schema.StatusSubmitted, parent.Status)

	require.Eventually(t, func() bool {
		return h.dir.venues["V-A"].submitCount() == 4
	}, 2*time.Second, 5*time.Millisecond)

	children, err := h.orch.Query(ctx, oms.Filter{})
	require.NoError(t, err)
	sum := decimal.Zero
	for _, child := range children {
		if child.ParentOperation == "op-1" {
			sum = sum.Add(child.Quantity)
		}
	}
	require.True(t, sum.Equal(decimal.NewFromInt(1)))
}
