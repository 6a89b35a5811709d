// Package httpapi exposes the core pipeline over HTTP: chat command staging,
// confirmation confirm/cancel, run inspection, the SSE event stream, order
// fill status, health, and ops capabilities.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/execdesk/execdesk/internal/config"
	"github.com/execdesk/execdesk/internal/confirm"
	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/orchestrator"
	"github.com/execdesk/execdesk/internal/planner"
	"github.com/execdesk/execdesk/internal/ratelimit"
)

const version = "0.3.0"

type Server struct {
	cfg           *config.Config
	db            *database.Database
	confirmations *confirm.Store
	planner       *planner.Planner
	runner        *orchestrator.Runner

	routes    *routeTrie
	limiterMu sync.Mutex
	limiters  map[string]*ratelimit.TokenBucket
}

func NewServer(cfg *config.Config, db *database.Database, confirmations *confirm.Store,
	pl *planner.Planner, runner *orchestrator.Runner) *Server {
	s := &Server{
		cfg:           cfg,
		db:            db,
		confirmations: confirmations,
		planner:       pl,
		runner:        runner,
		routes:        newRouteTrie(),
		limiters:      map[string]*ratelimit.TokenBucket{},
	}

	// Rate-limit and audit rules; segment counts disambiguate.
	s.routes.Add("/api/v1/chat/command", RouteRule{Name: "chat_command", RatePerMinute: 30, Audit: true})
	s.routes.Add("/api/v1/confirmations/{id}/confirm", RouteRule{Name: "confirm", RatePerMinute: 30, Audit: true})
	s.routes.Add("/api/v1/confirmations/{id}/cancel", RouteRule{Name: "cancel", Audit: true})
	s.routes.Add("/api/v1/runs/{id}", RouteRule{Name: "run_detail"})
	s.routes.Add("/api/v1/runs/{id}/events", RouteRule{Name: "run_events"})
	return s
}

// Handler assembles the mux and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/chat/command", s.handleChatCommand)
	mux.HandleFunc("POST /api/v1/confirmations/{conf_id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/v1/confirmations/{conf_id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", s.handleRunDetail)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/trace", s.handleRunTrace)
	mux.HandleFunc("GET /api/v1/orders/{order_id}/fill-status", s.handleFillStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/ops/capabilities", s.handleCapabilities)
	mux.Handle("GET /metrics", promhttp.Handler())

	return withRequestID(withBodyLimit(s.withRoutePolicy(mux)))
}

// ---- chat command ----

type chatCommandRequest struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
	NewsEnabled    *bool  `json:"news_enabled"`
	LookbackHours  int    `json:"lookback_hours"`
}

func (s *Server) handleChatCommand(w http.ResponseWriter, r *http.Request) {
	var req chatCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errs.ValidationError, "malformed request body")
		return
	}
	if req.Text == "" {
		writeError(w, r, http.StatusBadRequest, errs.ValidationError, "text is required")
		return
	}

	result := s.planner.Plan(r.Context(), tenantOf(r), req.ConversationID, req.Text)

	payload := map[string]any{
		"intent":     result.Intent,
		"content":    result.Content,
		"request_id": RequestID(r.Context()),
	}
	if result.Status != "" {
		payload["status"] = result.Status
	}
	if result.ConfirmationID != "" {
		payload["confirmation_id"] = result.ConfirmationID
	}
	if result.PendingTrade != nil {
		payload["pending_trade"] = result.PendingTrade
	}
	if len(result.Suggestions) > 0 {
		payload["suggestions"] = result.Suggestions
	}
	if len(result.Insight) > 0 {
		payload["preconfirm_insight"] = json.RawMessage(result.Insight)
	}
	if result.Status == "REJECTED" {
		payload["confirmation_id"] = nil
	}
	writeJSON(w, http.StatusOK, payload)
}

// ---- confirmations ----

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	confID := r.PathValue("conf_id")
	tenantID := tenantOf(r)

	if !confirm.ValidID(confID) {
		writeError(w, r, http.StatusBadRequest, errs.ValidationError, "malformed confirmation id")
		return
	}

	conf, err := s.confirmations.Get(confID, tenantID)
	if err != nil {
		s.writeConfirmError(w, r, err)
		return
	}

	// Idempotent replay: already confirmed returns the bound run.
	if conf.Status == confirm.StatusConfirmed {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "CONFIRMED",
			"run_id": conf.RunID,
		})
		return
	}

	// Kill switch: LIVE confirmations are rejected outright.
	if conf.Mode == "LIVE" && s.cfg.TradingDisableLive {
		writeTradeError(w, r, http.StatusForbidden,
			errs.New(errs.LiveDisabled, "LIVE trading is disabled by the kill switch").
				WithRemediation("Set TRADING_DISABLE_LIVE=false and restart the backend to enable LIVE trading."))
		return
	}

	// A run refuses to start on an outdated schema.
	if ok, missing := s.db.ValidateSchema(); !ok {
		log.Error().Strs("missing_tables", missing).Msg("Schema validation failed at confirm")
		writeError(w, r, http.StatusServiceUnavailable, errs.DBSchemaOutdated, "")
		return
	}

	var proposal orchestrator.Proposal
	if err := json.Unmarshal([]byte(conf.ProposalJSON), &proposal); err != nil {
		writeError(w, r, http.StatusInternalServerError, errs.InternalError, "stored proposal is unreadable")
		return
	}

	runID, err := s.runner.CreateRun(tenantID, conf.Mode, "CRYPTO", conf.LockedProductID,
		proposal, `{"confirmed":true}`)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errs.InternalError, "run creation failed")
		return
	}

	conf, won, err := s.confirmations.Confirm(confID, tenantID, runID)
	if err != nil {
		s.writeConfirmError(w, r, err)
		return
	}
	if !won {
		// Lost the race to a concurrent confirm; report the winner's run.
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "CONFIRMED",
			"run_id": conf.RunID,
		})
		return
	}

	s.runner.Start(runID, tenantID)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "EXECUTING",
		"run_id":            runID,
		"news_enabled":      false,
		"financial_insight": json.RawMessage(orEmptyObject(conf.InsightJSON)),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	confID := r.PathValue("conf_id")
	tenantID := tenantOf(r)

	conf, err := s.confirmations.Cancel(confID, tenantID)
	if err != nil {
		s.writeConfirmError(w, r, err)
		return
	}
	if conf.Status == confirm.StatusConfirmed {
		// Cancelling a confirmed trade is a no-op; the run is already going.
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "CONFIRMED",
			"run_id": conf.RunID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": conf.Status})
}

func (s *Server) writeConfirmError(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case confirm.ErrMalformedID:
		writeError(w, r, http.StatusBadRequest, errs.ValidationError, "malformed confirmation id")
	case confirm.ErrNotFound:
		writeError(w, r, http.StatusNotFound, errs.ValidationError, "confirmation not found")
	case confirm.ErrNotPending:
		writeError(w, r, http.StatusConflict, errs.ValidationError, "confirmation is no longer pending")
	default:
		writeError(w, r, http.StatusInternalServerError, errs.InternalError, "")
	}
}

// ---- runs ----

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	tenantID := tenantOf(r)

	run, err := s.db.GetRun(runID, tenantID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errs.InternalError, "")
		return
	}
	if run == nil {
		writeError(w, r, http.StatusNotFound, errs.ValidationError, "run not found")
		return
	}

	nodes, _ := s.db.ListDagNodes(runID)
	orders, _ := s.db.ListOrdersByRun(runID)
	approvals, _ := s.db.ListApprovals(runID)
	policyEvents, _ := s.db.ListPolicyEvents(runID)
	snapshots, _ := s.db.ListSnapshotsByRun(runID)

	writeJSON(w, http.StatusOK, map[string]any{
		"run":           run,
		"nodes":         nodes,
		"orders":        orders,
		"approvals":     approvals,
		"policy_events": policyEvents,
		"snapshots":     snapshots,
		"evals":         []any{},
	})
}

func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	tenantID := tenantOf(r)

	run, err := s.db.GetRun(runID, tenantID)
	if err != nil || run == nil {
		writeError(w, r, http.StatusNotFound, errs.ValidationError, "run not found")
		return
	}

	nodes, _ := s.db.ListDagNodes(runID)
	artifacts, _ := s.db.ListArtifacts(runID)

	steps := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		steps = append(steps, map[string]any{
			"name":         n.Name,
			"status":       n.Status,
			"started_at":   n.StartedAt,
			"completed_at": n.CompletedAt,
			"outputs":      json.RawMessage(orEmptyObject(n.OutputsJSON)),
			"error":        json.RawMessage(orEmptyObject(n.ErrorJSON)),
		})
	}
	arts := make([]map[string]any, 0, len(artifacts))
	for _, a := range artifacts {
		arts = append(arts, map[string]any{
			"step_name":     a.StepName,
			"artifact_type": a.ArtifactType,
			"payload":       json.RawMessage(orEmptyObject(a.ArtifactJSON)),
			"created_at":    a.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plan": json.RawMessage(orEmptyObject(run.TradeProposalJSON)),
		"steps":     steps,
		"artifacts": arts,
	})
}

// ---- orders ----

// handleFillStatus reports fill_confirmed == true ONLY when the order is
// FILLED and at least one fill row exists. Anything else renders as
// submitted/awaiting fill.
func (s *Server) handleFillStatus(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("order_id")
	tenantID := tenantOf(r)

	order, err := s.db.GetOrder(orderID, tenantID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errs.InternalError, "")
		return
	}
	if order == nil {
		writeError(w, r, http.StatusNotFound, errs.ValidationError, "order not found")
		return
	}

	fills, _ := s.db.ListFillsByOrder(orderID)
	confirmed := order.Status == "FILLED" && len(fills) > 0

	message := "order submitted, awaiting fill"
	if confirmed {
		message = "order filled"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         order.Status,
		"fill_confirmed": confirmed,
		"message":        message,
	})
}

// ---- health / capabilities ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	schemaOK, _ := s.db.ValidateSchema()
	pending, _ := s.db.PendingMigrations()

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                   schemaOK,
		"db_ready":             true,
		"schema_ok":            schemaOK,
		"migrations_needed":    len(pending) > 0,
		"pending_migrations":   pending,
		"live_trading_enabled": s.cfg.LiveExecutionAllowed(),
		"migrate_cmd":          "execctl db migrate",
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	schemaOK, _ := s.db.ValidateSchema()
	pending, _ := s.db.PendingMigrations()

	payload := map[string]any{
		"live_trading_enabled":  s.cfg.LiveExecutionAllowed(),
		"paper_trading_enabled": true,
		"insights_enabled":      s.cfg.ReasonerAPIKey != "",
		"news_enabled":          false,
		"db_ready":              true,
		"migrations_needed":     len(pending) > 0,
		"news_provider_status":  "disabled",
		"market_data_provider":  s.cfg.MarketDataMode,
		"version":               version,
	}
	if !schemaOK {
		payload["remediation"] = errs.Remediation(errs.DBSchemaOutdated)
	}
	writeJSON(w, http.StatusOK, payload)
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
