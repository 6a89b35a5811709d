// Package orchestrator runs the per-trade DAG:
//
//	portfolio → policy_check → approval → execution → reconciliation
//
// Each node reads prior node outputs and writes its own; every start, end,
// input, output, and error is persisted, and every state change is observable
// through append-only run_events. A run terminates in COMPLETED, FAILED, or
// REJECTED within the configured wall-clock timeout.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/broker"
	"github.com/execdesk/execdesk/internal/config"
	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/executable"
	"github.com/execdesk/execdesk/internal/ids"
	"github.com/execdesk/execdesk/internal/metadata"
	"github.com/execdesk/execdesk/internal/telemetry"
)

// ProposalOrder is one order of a staged trade proposal.
type ProposalOrder struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	Qty         decimal.Decimal `json:"qty,omitempty"`
}

// AutoSell is the funds-recycling directive attached by preflight.
type AutoSell struct {
	NeedsRecycle  bool            `json:"needs_recycle"`
	SellSymbol    string          `json:"sell_symbol"`
	SellAmountUSD decimal.Decimal `json:"sell_amount_usd"`
	AvailableCash decimal.Decimal `json:"available_cash"`
	RequiredCash  decimal.Decimal `json:"required_cash"`
	Reason        string          `json:"reason"`
}

// Proposal is the trade_proposal_json payload of a run.
type Proposal struct {
	Orders   []ProposalOrder `json:"orders"`
	AutoSell *AutoSell       `json:"auto_sell,omitempty"`
}

// ProviderFactory builds the broker provider for an execution mode.
// sourceRunID is only meaningful for REPLAY.
type ProviderFactory func(executionMode, sourceRunID string) (broker.Provider, error)

// Notifier receives trade lifecycle pushes; implementations must never block
// or fail execution.
type Notifier interface {
	TradePlaced(mode, side, symbol string, notionalUSD decimal.Decimal, orderID, runID string)
	TradeFailed(mode, symbol string, notionalUSD decimal.Decimal, errText, runID string)
	TicketCreated(symbol, side string, notionalUSD decimal.Decimal, ticketID, runID string)
}

// Runner executes runs. It never holds a DB transaction across a network call.
type Runner struct {
	db        *database.Database
	cfg       *config.Config
	providers ProviderFactory
	fetcher   *executable.Fetcher
	meta      *metadata.Service
	priceOf   broker.PriceFunc
	notifier  Notifier
}

func NewRunner(db *database.Database, cfg *config.Config, providers ProviderFactory,
	fetcher *executable.Fetcher, meta *metadata.Service, priceOf broker.PriceFunc, notifier Notifier) *Runner {
	return &Runner{
		db: db, cfg: cfg, providers: providers,
		fetcher: fetcher, meta: meta, priceOf: priceOf, notifier: notifier,
	}
}

// CreateRun persists a QUEUED run for a confirmed proposal.
func (r *Runner) CreateRun(tenantID, executionMode, assetClass, lockedProductID string, proposal Proposal, metadataJSON string) (string, error) {
	raw, err := json.Marshal(proposal)
	if err != nil {
		return "", err
	}
	runID := ids.NewRun()
	err = r.db.CreateRun(&database.Run{
		RunID:             runID,
		TenantID:          tenantID,
		Status:            "QUEUED",
		ExecutionMode:     executionMode,
		AssetClass:        assetClass,
		TradeProposalJSON: string(raw),
		LockedProductID:   lockedProductID,
		MetadataJSON:      metadataJSON,
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// Start executes the run on its own goroutine under the wall-clock timeout.
func (r *Runner) Start(runID, tenantID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ExecutionTimeout)
		defer cancel()
		r.execute(ctx, runID, tenantID)
	}()
}

// Execute runs synchronously (tests and the ops CLI use this).
func (r *Runner) Execute(ctx context.Context, runID, tenantID string) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ExecutionTimeout)
	defer cancel()
	r.execute(ctx, runID, tenantID)
}

type nodeFunc func(ctx context.Context, run *database.Run, nodeID string, prior map[string]any) (map[string]any, error)

func (r *Runner) execute(ctx context.Context, runID, tenantID string) {
	run, err := r.db.GetRun(runID, tenantID)
	if err != nil || run == nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Run not found at execution start")
		return
	}

	if err := r.db.UpdateRunStatus(runID, "RUNNING"); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Run status update failed")
		return
	}
	r.emit(runID, tenantID, "PLAN_CREATED", map[string]any{
		"execution_mode": run.ExecutionMode,
		"asset_class":    run.AssetClass,
	})

	nodes := []struct {
		name string
		fn   nodeFunc
	}{
		{"portfolio", r.portfolioNode},
		{"policy_check", r.policyNode},
		{"approval", r.approvalNode},
		{"execution", r.executionNode},
		{"reconciliation", r.reconciliationNode},
	}

	prior := map[string]any{}
	for seq, node := range nodes {
		select {
		case <-ctx.Done():
			r.failRun(runID, tenantID, node.name, errs.New(errs.ExecutionTimeout,
				fmt.Sprintf("run exceeded %s wall clock", r.cfg.ExecutionTimeout)))
			return
		default:
		}

		nodeID := ids.NewNode()
		started := time.Now().UTC()
		inputs, _ := json.Marshal(prior)
		_ = r.db.CreateDagNode(&database.DagNode{
			NodeID: nodeID, RunID: runID, Name: node.name,
			Status: "RUNNING", InputsJSON: string(inputs), StartedAt: &started,
		})
		r.emit(runID, tenantID, "STEP_STARTED", map[string]any{"step": node.name, "seq": seq})

		outputs, err := node.fn(ctx, run, nodeID, prior)
		completed := time.Now().UTC()

		dagNode := &database.DagNode{
			NodeID: nodeID, RunID: runID, Name: node.name,
			InputsJSON: string(inputs), StartedAt: &started, CompletedAt: &completed,
		}
		if errors.Is(err, errPausedForApproval) {
			dagNode.Status = "PENDING"
			_ = r.db.UpdateDagNode(dagNode)
			_ = r.db.UpdateRunStatus(runID, "PAUSED")
			r.emit(runID, tenantID, "RUN_PAUSED", map[string]any{"reason": "awaiting approval"})
			return
		}
		if err != nil {
			te := errs.AsTradeError(err, errs.ExecutionFailed)
			errJSON, _ := json.Marshal(map[string]any{
				"error_code": te.Code, "message": te.Message, "remediation": te.Remediation,
			})
			dagNode.Status = "FAILED"
			dagNode.ErrorJSON = string(errJSON)
			_ = r.db.UpdateDagNode(dagNode)
			r.emit(runID, tenantID, "STEP_FAILED", map[string]any{
				"step": node.name, "error_code": te.Code, "message": te.Message,
			})

			if te.Code == errs.UserRejected {
				_ = r.db.UpdateRunStatus(runID, "REJECTED")
				telemetry.Runs.WithLabelValues("REJECTED").Inc()
				r.emit(runID, tenantID, "RUN_REJECTED", map[string]any{"step": node.name})
				return
			}
			r.failRun(runID, tenantID, node.name, te)
			return
		}

		out, _ := json.Marshal(outputs)
		dagNode.Status = "COMPLETED"
		dagNode.OutputsJSON = string(out)
		_ = r.db.UpdateDagNode(dagNode)
		r.emit(runID, tenantID, "STEP_COMPLETED", map[string]any{"step": node.name, "seq": seq})
		prior[node.name] = outputs
	}

	_ = r.db.UpdateRunStatus(runID, "COMPLETED")
	telemetry.Runs.WithLabelValues("COMPLETED").Inc()
	r.emit(runID, tenantID, "RUN_COMPLETED", nil)
	log.Info().Str("run_id", runID).Msg("Run completed")
}

func (r *Runner) failRun(runID, tenantID, step string, te *errs.TradeError) {
	_ = r.db.UpdateRunStatus(runID, "FAILED")
	telemetry.Runs.WithLabelValues("FAILED").Inc()
	r.emit(runID, tenantID, "RUN_FAILED", map[string]any{
		"step": step, "error_code": te.Code, "message": te.Message, "remediation": te.Remediation,
	})
	log.Error().Str("run_id", runID).Str("step", step).Str("error_code", string(te.Code)).
		Str("message", te.Message).Msg("Run failed")
}

// emit appends one run event; append order is the only ordering guarantee.
func (r *Runner) emit(runID, tenantID, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if err := r.db.AppendRunEvent(&database.RunEvent{
		RunID: runID, TenantID: tenantID, EventType: eventType, PayloadJSON: string(raw),
	}); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("event", eventType).Msg("Event append failed")
	}
}

func (r *Runner) saveArtifact(runID, step, artifactType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.db.SaveArtifact(&database.RunArtifact{
		RunID: runID, StepName: step, ArtifactType: artifactType, ArtifactJSON: string(raw),
	}); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("artifact", artifactType).Msg("Artifact write failed")
	}
}

func parseProposal(run *database.Run) (Proposal, error) {
	var p Proposal
	if err := json.Unmarshal([]byte(run.TradeProposalJSON), &p); err != nil {
		return p, errs.Newf(errs.ValidationError, "malformed trade proposal for run %s", run.RunID)
	}
	return p, nil
}
