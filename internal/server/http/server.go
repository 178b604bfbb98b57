// Package httpserver exposes the order entry and query API.
package httpserver

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/oms"
	"github.com/tradefab/execd/internal/orchestrator"
	"github.com/tradefab/execd/internal/schema"
	"github.com/tradefab/execd/internal/venue"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/api/orders"
	orderDetailPrefix = ordersPath + "/"
	positionsPath     = "/api/positions"
	healthPath        = "/api/health"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	orch     *orchestrator.Orchestrator
	registry *venue.Registry
}

// groupRequest is the atomic-group form of the order entry payload. A body
// without an "orders" array is decoded as a single order instead.
type groupRequest struct {
	AtomicGroupID string          `json:"atomic_group_id"`
	Orders        []*schema.Order `json:"orders"`
}

// NewHandler creates the HTTP handler for the execution API.
func NewHandler(orch *orchestrator.Orchestrator, registry *venue.Registry) http.Handler {
	server := &httpServer{orch: orch, registry: registry}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listOrders,
		http.MethodPost: server.submitOrders,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getOrder,
		http.MethodDelete: server.cancelOrder,
	}))
	mux.Handle(positionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPositions,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// submitOrders accepts a single order or an atomic group. A replayed
// operation ID returns the stored record with 200 instead of 201.
func (s *httpServer) submitOrders(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	var group groupRequest
	if err := json.Unmarshal(body, &group); err == nil && len(group.Orders) > 0 {
		s.submitGroup(w, r, group)
		return
	}

	var order schema.Order
	if err := json.Unmarshal(body, &order); err != nil {
		writeDecodeError(w, err)
		return
	}

	accepted, err := s.orch.Submit(r.Context(), &order)
	if err != nil {
		s.writePipelineError(w, r, order.OperationID, err)
		return
	}
	// Replays return the stored record; both paths answer 200 so callers
	// treat submission as idempotent.
	writeJSON(w, http.StatusOK, accepted)
}

func (s *httpServer) submitGroup(w http.ResponseWriter, r *http.Request, group groupRequest) {
	if group.AtomicGroupID != "" {
		for _, member := range group.Orders {
			member.AtomicGroupID = group.AtomicGroupID
		}
	}
	members, err := s.orch.SubmitGroup(r.Context(), group.Orders)
	if err != nil {
		payload := map[string]any{
			"status": "error",
			"kind":   string(errs.KindOf(err)),
			"error":  err.Error(),
		}
		if len(members) > 0 {
			payload["orders"] = members
		}
		writeJSON(w, statusFor(err), payload)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": members})
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	operationID := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if operationID == "" {
		writeError(w, http.StatusNotFound, "operation id required")
		return
	}
	order, err := s.orch.Get(r.Context(), operationID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	operationID := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if operationID == "" {
		writeError(w, http.StatusNotFound, "operation id required")
		return
	}
	order, err := s.orch.Cancel(r.Context(), operationID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := oms.Filter{
		StrategyID: query.Get("strategy_id"),
		Venue:      query.Get("venue"),
		Instrument: query.Get("instrument"),
	}
	for _, raw := range query["status"] {
		status := schema.Status(strings.ToUpper(strings.TrimSpace(raw)))
		if status != "" {
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	orders, err := s.orch.Query(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if orders == nil {
		orders = []*schema.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) listPositions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	key := query.Get("canonical_key")
	baseAsset := query.Get("base_asset")
	venueName := query.Get("venue")

	positions := make([]*schema.Position, 0)
	for _, pos := range s.orch.Positions() {
		if key != "" && pos.CanonicalKey != key {
			continue
		}
		if baseAsset != "" && pos.BaseAsset != baseAsset {
			continue
		}
		if venueName != "" {
			if _, ok := pos.PerVenueQuantity[venueName]; !ok {
				continue
			}
		}
		positions = append(positions, pos)
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	statuses := s.registry.HealthAll(r.Context())
	status := "ok"
	adapters := make(map[string]venue.HealthStatus, len(statuses))
	for _, v := range statuses {
		if !v.Connected || v.CircuitOpen {
			status = "degraded"
		}
		adapters[v.Venue] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"adapters": adapters,
	})
}

// writePipelineError reports a submission failure. The order record usually
// exists in REJECTED state by the time the pipeline fails, so it rides along
// for the caller's bookkeeping.
func (s *httpServer) writePipelineError(w http.ResponseWriter, r *http.Request, operationID string, err error) {
	payload := map[string]any{
		"status": "error",
		"kind":   string(errs.KindOf(err)),
		"error":  err.Error(),
	}
	if reason := errs.ReasonOf(err); reason != "" {
		payload["reason"] = string(reason)
	}
	if operationID != "" {
		if order, getErr := s.orch.Get(r.Context(), operationID); getErr == nil {
			payload["order"] = order
		}
	}
	writeJSON(w, statusFor(err), payload)
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindMalformed:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindDuplicateOperation:
		return http.StatusConflict
	case errs.KindRiskDenied, errs.KindVenueRejected:
		return http.StatusUnprocessableEntity
	case errs.KindRouteUnavailable:
		return http.StatusUnprocessableEntity
	case errs.KindVenueBackpressure:
		return http.StatusTooManyRequests
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindVenueUnreachable:
		return http.StatusBadGateway
	case errs.KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() {
		_ = r.Body.Close()
	}()
	return io.ReadAll(r.Body)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
