package httpserver_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
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
	httpserver "github.com/tradefab/execd/internal/server/http"
	"github.com/tradefab/execd/internal/venue"
	"github.com/tradefab/execd/internal/venue/integrated"
)

type mockVenue struct {
	mu        sync.Mutex
	failWith  error
	submitted int
	cancelled int
}

func (m *mockVenue) Submit(_ context.Context, order *schema.Order) (venue.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return venue.SubmitResult{}, m.failWith
	}
	m.submitted++
	return venue.SubmitResult{VenueOrderID: "vo-" + order.OperationID, Status: schema.StatusSubmitted}, nil
}

func (m *mockVenue) Cancel(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled++
	return nil
}

func (m *mockVenue) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted
}

type mockDirectory struct {
	venues map[string]*mockVenue
}

func (d *mockDirectory) Submitter(venueName string) (orchestrator.Submitter, bool) {
	v, ok := d.venues[venueName]
	return v, ok
}

type stubProber struct{}

func (stubProber) ProbeDepth(_ context.Context, venueName string, _ instrument.ID, _ string) (router.Quote, error) {
	return router.Quote{
		Venue: venueName,
		Price: decimal.NewFromInt(30000),
		Depth: decimal.NewFromInt(1000),
	}, nil
}

type apiHarness struct {
	handler http.Handler
	dir     *mockDirectory
	book    *positions.Tracker
}

func newAPIHarness(t *testing.T, riskCfg *config.RiskSettings, registry *venue.Registry) *apiHarness {
	t.Helper()

	orders := oms.NewManager(memory.NewOrderStore(), nil)
	book := positions.NewTracker(instrument.NewStaticRegistry(), nil, decimal.RequireFromString("0.0001"))

	cfg := config.Default().Risk
	cfg.MaxOrdersPerSecond = 1000
	cfg.MaxOrdersPerMinute = 10000
	cfg.TotalNotionalCap = "100000000"
	cfg.DefaultInstrumentCap = "100000000"
	if riskCfg != nil {
		cfg = *riskCfg
	}
	gate, err := risk.NewEngine(cfg, orders, book, instrument.NewStaticRegistry(), nil)
	require.NoError(t, err)

	profiles := map[string]router.VenueProfile{
		"V-A": {Kind: schema.VenueIntegrated, FeeBps: decimal.NewFromInt(10)},
		"V-B": {Kind: schema.VenueIntegrated, FeeBps: decimal.NewFromInt(20)},
	}
	routes, err := router.New(config.RouterSettings{
		DepthCacheTTL:  time.Second,
		SplitThreshold: "1000000000",
		MaxSplitLegs:   2,
	}, profiles, stubProber{})
	require.NoError(t, err)

	dir := &mockDirectory{venues: map[string]*mockVenue{
		"V-A": {},
		"V-B": {},
	}}

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

	if registry == nil {
		registry = venue.NewRegistry()
	}
	return &apiHarness{handler: httpserver.NewHandler(orch, registry), dir: dir, book: book}
}

func (h *apiHarness) do(t *testing.T, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) *schema.Order {
	t.Helper()
	var order schema.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	return &order
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func orderPayload(opID string) *schema.Order {
	return &schema.Order{
		OperationID: opID,
		Operation:   schema.OpTrade,
		CanonicalID: "SPOT_PAIR:BTC-USDT",
		Side:        schema.SideBuy,
		Quantity:    decimal.NewFromInt(1),
		OrderType:   schema.OrderTypeMarket,
		StrategyID:  "strat-1",
	}
}

func TestSubmitOrderReturnsAcceptedRecord(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	rec := h.do(t, http.MethodPost, "/api/orders", orderPayload("op-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	order := decodeOrder(t, rec)
	require.Equal(t, "op-1", order.OperationID)
	require.Equal(t, schema.StatusSubmitted, order.Status)
	require.Equal(t, "V-A", order.Venue)
	require.Equal(t, "vo-op-1", order.VenueOrderID)
}

func TestSubmitReplayIsIdempotent(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	first := h.do(t, http.MethodPost, "/api/orders", orderPayload("op-1"))
	require.Equal(t, http.StatusOK, first.Code)

	second := h.do(t, http.MethodPost, "/api/orders", orderPayload("op-1"))
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, decodeOrder(t, first).VenueOrderID, decodeOrder(t, second).VenueOrderID)
	require.Equal(t, 1, h.dir.venues["V-A"].submitCount())
}

func TestSubmitMalformedBody(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiskDenialMapsToUnprocessable(t *testing.T) {
	cfg := config.Default().Risk
	cfg.MaxOrdersPerSecond = 1
	cfg.MaxOrdersPerMinute = 1000
	cfg.TotalNotionalCap = "100000000"
	cfg.DefaultInstrumentCap = "100000000"
	h := newAPIHarness(t, &cfg, nil)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/orders", orderPayload("op-1")).Code)

	rec := h.do(t, http.MethodPost, "/api/orders", orderPayload("op-2"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	payload := decodeMap(t, rec)
	require.Equal(t, string(errs.KindRiskDenied), payload["kind"])
	require.Equal(t, string(errs.RiskVelocity), payload["reason"])
	// The rejected record rides along for the caller's bookkeeping.
	order, ok := payload["order"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, string(schema.StatusRejected), order["status"])
}

func TestSubmitGroupAppliesGroupID(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	supply := orderPayload("op-supply")
	supply.Operation = schema.OpSupply
	supply.Side = schema.SideSupply
	supply.CanonicalID = "V-A:A_TOKEN:AUSDC@ETH"

	borrow := orderPayload("op-borrow")
	borrow.Operation = schema.OpBorrow
	borrow.Side = schema.SideBorrow
	borrow.CanonicalID = "V-B:DEBT_TOKEN:DUSDT@ETH"

	rec := h.do(t, http.MethodPost, "/api/orders", map[string]any{
		"atomic_group_id": "grp-1",
		"orders":          []*schema.Order{supply, borrow},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Orders []*schema.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Orders, 2)
	for _, member := range resp.Orders {
		require.Equal(t, schema.StatusSubmitted, member.Status)
		require.Equal(t, "grp-1", member.AtomicGroupID)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	rec := h.do(t, http.MethodGet, "/api/orders/op-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOrder(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/orders", orderPayload("op-1")).Code)

	rec := h.do(t, http.MethodDelete, "/api/orders/op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, schema.StatusCancelled, decodeOrder(t, rec).Status)

	got := h.do(t, http.MethodGet, "/api/orders/op-1", nil)
	require.Equal(t, http.StatusOK, got.Code)
	require.Equal(t, schema.StatusCancelled, decodeOrder(t, got).Status)
}

func TestListOrdersFilters(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/orders", orderPayload("op-1")).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/orders", orderPayload("op-2")).Code)

	rec := h.do(t, http.MethodGet, "/api/orders?status=submitted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Orders []*schema.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Orders, 2)

	limited := h.do(t, http.MethodGet, "/api/orders?limit=1", nil)
	require.Equal(t, http.StatusOK, limited.Code)
	require.NoError(t, json.Unmarshal(limited.Body.Bytes(), &resp))
	require.Len(t, resp.Orders, 1)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/orders?limit=zero", nil).Code)

	none := h.do(t, http.MethodGet, "/api/orders?status=filled", nil)
	require.Equal(t, http.StatusOK, none.Code)
	require.NoError(t, json.Unmarshal(none.Body.Bytes(), &resp))
	require.Empty(t, resp.Orders)
}

func TestListPositionsEmpty(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	rec := h.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeMap(t, rec)
	positionsField, ok := payload["positions"].([]any)
	require.True(t, ok)
	require.Empty(t, positionsField)
}

func TestListPositionsFilters(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	btc := orderPayload("op-btc")
	btc.Venue = "V-A"
	require.NoError(t, h.book.OnFill(context.Background(), btc, schema.Fill{
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(30000),
	}))

	eth := orderPayload("op-eth")
	eth.CanonicalID = "SPOT_PAIR:ETH-USDT"
	eth.Venue = "V-B"
	require.NoError(t, h.book.OnFill(context.Background(), eth, schema.Fill{
		Quantity: decimal.NewFromInt(2),
		Price:    decimal.NewFromInt(2000),
	}))

	count := func(target string) int {
		rec := h.do(t, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		listed, ok := decodeMap(t, rec)["positions"].([]any)
		require.True(t, ok)
		return len(listed)
	}

	require.Equal(t, 2, count("/api/positions"))
	require.Equal(t, 1, count("/api/positions?base_asset=BTC"))
	require.Equal(t, 1, count("/api/positions?venue=V-B"))
	require.Equal(t, 1, count("/api/positions?canonical_key=V-A:SPOT_ASSET:BTC"))
	require.Equal(t, 0, count("/api/positions?base_asset=BTC&venue=V-B"))
}

func TestHealthReportsDegradedVenue(t *testing.T) {
	registry := venue.NewRegistry()
	sup := venue.NewSupervisor(
		integrated.NewAdapter(integrated.NewSimDriver("SIM")),
		config.VenueSettings{},
		func(context.Context, schema.VenueEvent) {},
		nil, nil)
	require.NoError(t, registry.Register(sup))

	h := newAPIHarness(t, nil, registry)

	// The supervisor never ran, so the venue reports disconnected.
	rec := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeMap(t, rec)
	require.Equal(t, "degraded", payload["status"])
	adapters, ok := payload["adapters"].(map[string]any)
	require.True(t, ok)
	sim, ok := adapters["SIM"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, sim["connected"])
}

func TestHealthOKWithoutVenues(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	rec := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeMap(t, rec)["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	h := newAPIHarness(t, nil, nil)

	rec := h.do(t, http.MethodPut, "/api/orders", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}
