package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
)

// Policy decisions.
const (
	policyAllowed          = "ALLOWED"
	policyRequiresApproval = "REQUIRES_APPROVAL"
	policyDenied           = "DENIED"
)

// policyNode applies the hard order caps and decides whether execution needs
// explicit approval. LIVE runs always require approval; PAPER does not.
func (r *Runner) policyNode(ctx context.Context, run *database.Run, nodeID string, prior map[string]any) (map[string]any, error) {
	proposal, err := parseProposal(run)
	if err != nil {
		return nil, err
	}

	decision := policyAllowed
	ruleName := "default_allow"

	for _, order := range proposal.Orders {
		if run.ExecutionMode == "LIVE" && order.NotionalUSD.GreaterThan(r.cfg.LiveMaxNotionalUSD) {
			decision = policyDenied
			ruleName = "live_max_notional"
			r.appendPolicyEvent(run, decision, ruleName, map[string]any{
				"symbol":       order.Symbol,
				"notional_usd": order.NotionalUSD,
				"cap_usd":      r.cfg.LiveMaxNotionalUSD,
			})
			return nil, errs.Newf(errs.ValidationError,
				"LIVE order $%s for %s exceeds the per-order cap $%s",
				order.NotionalUSD.StringFixed(2), order.Symbol, r.cfg.LiveMaxNotionalUSD.StringFixed(2))
		}
	}

	if run.ExecutionMode == "LIVE" {
		decision = policyRequiresApproval
		ruleName = "live_requires_approval"
	}

	r.appendPolicyEvent(run, decision, ruleName, map[string]any{"orders": len(proposal.Orders)})
	return map[string]any{"decision": decision, "rule": ruleName}, nil
}

func (r *Runner) appendPolicyEvent(run *database.Run, decision, ruleName string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	_ = r.db.AppendPolicyEvent(&database.PolicyEvent{
		RunID:       run.RunID,
		TenantID:    run.TenantID,
		Decision:    decision,
		RuleName:    ruleName,
		PayloadJSON: string(raw),
	})
}
