// Package httpserver exposes the engine's HTTP control surface for orders, positions and risk.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orbit/internal/app/oms"
	"github.com/coachpo/orbit/internal/app/risk"
	"github.com/coachpo/orbit/internal/domain/errs"
	"github.com/coachpo/orbit/internal/domain/schema"
	"github.com/coachpo/orbit/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"
	positionsPath     = "/positions"
	positionPrefix    = positionsPath + "/"
	riskPath          = "/risk"
	riskResetPath     = "/risk/reset"
	riskHardStopPath  = "/risk/hard-stop"
	riskLimitsPath    = "/risk/limits"
	healthPath        = "/healthz"
	openAPISpecPath   = "/docs/openapi.json"
)

// Orders is the order management surface used by the API.
type Orders interface {
	Order(id string) (*schema.Order, bool)
	Orders() []*schema.Order
	RequestCancel(ctx context.Context, orderID string) (oms.CancelResult, error)
	RequestModify(ctx context.Context, req schema.ModifyRequest) error
}

// Positions is the position read side used by the API.
type Positions interface {
	Position(id string) (*schema.Position, bool)
	Positions() []*schema.Position
}

// Risk is the risk control surface used by the API.
type Risk interface {
	States() []schema.RiskState
	Reset(ctx context.Context, scope string) error
	HardStop(ctx context.Context, reason string) error
	Limits() risk.Limits
	SetLimits(limits risk.Limits) error
}

// Deps wires the engine components into the handler.
type Deps struct {
	Environment config.Environment
	Orders      Orders
	Positions   Positions
	Risk        Risk
	ConfigStore *config.AppConfigStore
	// Health reports readiness; nil means always healthy.
	Health func(ctx context.Context) error
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	deps Deps
}

// NewHandler creates the control API handler.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{deps: deps}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrder))

	mux.Handle(positionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPositions,
	}))
	mux.Handle(positionPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPosition,
	}))

	mux.Handle(riskPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRisk,
	}))
	mux.Handle(riskResetPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resetRisk,
	}))
	mux.Handle(riskHardStopPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.hardStop,
	}))
	mux.Handle(riskLimitsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRiskLimits,
		http.MethodPut: server.updateRiskLimits,
	}))

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	if deps.Environment == config.EnvDev {
		mux.Handle(openAPISpecPath, http.HandlerFunc(server.serveOpenAPISpec))
	}

	return withCORS(mux)
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
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.deps.Orders.Orders()
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	strategy := strings.TrimSpace(r.URL.Query().Get("strategy"))
	filtered := make([]*schema.Order, 0, len(orders))
	for _, order := range orders {
		if status != "" && string(order.Status) != status {
			continue
		}
		if strategy != "" && order.StrategyID != strategy {
			continue
		}
		filtered = append(filtered, order)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": filtered})
}

// handleOrder serves /orders/{id}, /orders/{id}/cancel and /orders/{id}/modify.
func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	id, action, _ := strings.Cut(rest, "/")
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		order, ok := s.deps.Orders.Order(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("order %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, order)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.cancelOrder(w, r, id)
	case "modify":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.modifyOrder(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown order action %q", action))
	}
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request, id string) {
	result, err := s.deps.Orders.RequestCancel(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if result == oms.CancelRefused {
		writeJSON(w, http.StatusConflict, map[string]any{"status": "refused", "order_id": id})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancel_requested", "order_id": id})
}

type modifyPayload struct {
	Quantity     *decimal.Decimal `json:"quantity,omitempty"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
}

func (s *httpServer) modifyOrder(w http.ResponseWriter, r *http.Request, id string) {
	limitRequestBody(w, r)
	var payload modifyPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	req := schema.ModifyRequest{
		OrderID:      id,
		Quantity:     payload.Quantity,
		LimitPrice:   payload.LimitPrice,
		TriggerPrice: payload.TriggerPrice,
		RequestedAt:  time.Now().UTC(),
	}
	if err := s.deps.Orders.RequestModify(r.Context(), req); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "modify_requested", "order_id": id})
}

func (s *httpServer) listPositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"positions": s.deps.Positions.Positions()})
}

func (s *httpServer) getPosition(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, positionPrefix), "/")
	position, ok := s.deps.Positions.Position(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("position %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (s *httpServer) getRisk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"states": s.deps.Risk.States(),
		"limits": limitsPayloadFrom(s.deps.Risk.Limits()),
	})
}

type resetPayload struct {
	Scope string `json:"scope"`
}

func (s *httpServer) resetRisk(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload resetPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	scope := strings.TrimSpace(payload.Scope)
	if scope == "" {
		scope = schema.ScopePortfolio
	}
	if err := s.deps.Risk.Reset(r.Context(), scope); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "scope": scope})
}

type hardStopPayload struct {
	Reason string `json:"reason"`
}

func (s *httpServer) hardStop(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload hardStopPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	reason := strings.TrimSpace(payload.Reason)
	if reason == "" {
		reason = "operator"
	}
	if err := s.deps.Risk.HardStop(r.Context(), reason); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "halted", "reason": reason})
}

type limitsPayload struct {
	MaxDailyLoss         string `json:"maxDailyLoss"`
	MaxPositionValue     string `json:"maxPositionValue"`
	ConsecutiveLossLimit int    `json:"consecutiveLossLimit"`
}

func limitsPayloadFrom(limits risk.Limits) limitsPayload {
	return limitsPayload{
		MaxDailyLoss:         limits.MaxDailyLoss.String(),
		MaxPositionValue:     limits.MaxPositionValue.String(),
		ConsecutiveLossLimit: limits.ConsecutiveLossLimit,
	}
}

func (p limitsPayload) limits() (risk.Limits, error) {
	maxDailyLoss, err := decimal.NewFromString(strings.TrimSpace(p.MaxDailyLoss))
	if err != nil {
		return risk.Limits{}, fmt.Errorf("maxDailyLoss: %w", err)
	}
	maxPositionValue, err := decimal.NewFromString(strings.TrimSpace(p.MaxPositionValue))
	if err != nil {
		return risk.Limits{}, fmt.Errorf("maxPositionValue: %w", err)
	}
	limits := risk.Limits{
		MaxDailyLoss:         maxDailyLoss,
		MaxPositionValue:     maxPositionValue,
		ConsecutiveLossLimit: p.ConsecutiveLossLimit,
	}
	return limits, limits.Validate()
}

func (s *httpServer) getRiskLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"limits": limitsPayloadFrom(s.deps.Risk.Limits())})
}

func (s *httpServer) updateRiskLimits(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload limitsPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	limits, err := payload.limits()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.persistRisk(w, payload) {
		return
	}
	if err := s.deps.Risk.SetLimits(limits); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "limits": limitsPayloadFrom(limits)})
}

func (s *httpServer) persistRisk(w http.ResponseWriter, payload limitsPayload) bool {
	if s.deps.ConfigStore == nil {
		return true
	}
	cfg := s.deps.ConfigStore.Snapshot().Risk
	cfg.MaxDailyLoss = payload.MaxDailyLoss
	cfg.MaxPositionValue = payload.MaxPositionValue
	cfg.ConsecutiveLossLimit = payload.ConsecutiveLossLimit
	if err := s.deps.ConfigStore.SetRisk(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("persist risk config: %v", err))
		return false
	}
	return true
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) serveOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openAPISpec))
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// writeEngineError maps an error envelope code onto an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeConflict:
		status = http.StatusConflict
	case errs.CodeUnavailable, errs.CodeNetwork:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
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

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

const openAPISpec = `{
  "openapi": "3.0.3",
  "info": {"title": "Orbit control API", "version": "1.0.0"},
  "paths": {
    "/orders": {"get": {"summary": "List orders", "parameters": [
      {"name": "status", "in": "query", "schema": {"type": "string"}},
      {"name": "strategy", "in": "query", "schema": {"type": "string"}}]}},
    "/orders/{id}": {"get": {"summary": "Get an order"}},
    "/orders/{id}/cancel": {"post": {"summary": "Request cancellation"}},
    "/orders/{id}/modify": {"post": {"summary": "Request an amendment"}},
    "/positions": {"get": {"summary": "List open positions"}},
    "/positions/{id}": {"get": {"summary": "Get a position"}},
    "/risk": {"get": {"summary": "Risk states and limits"}},
    "/risk/reset": {"post": {"summary": "Reset a risk scope"}},
    "/risk/hard-stop": {"post": {"summary": "Engage the kill switch"}},
    "/risk/limits": {"get": {"summary": "Get limits"}, "put": {"summary": "Replace limits"}},
    "/healthz": {"get": {"summary": "Liveness"}}
  }
}`
