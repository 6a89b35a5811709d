package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/ids"
)

// errPausedForApproval signals the runner to park the run instead of failing it.
var errPausedForApproval = errors.New("run paused awaiting approval")

// approvalNode resolves whether execution may proceed.
//
// Auto-approve when: PAPER mode, the user already confirmed via the
// confirmation flow (metadata.confirmed), or a non-LIVE run that policy
// allowed. LIVE with REQUIRES_APPROVAL creates a PENDING approval row and
// pauses the run.
func (r *Runner) approvalNode(ctx context.Context, run *database.Run, nodeID string, prior map[string]any) (map[string]any, error) {
	userPreConfirmed := false
	if run.MetadataJSON != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(run.MetadataJSON), &meta); err == nil {
			userPreConfirmed, _ = meta["confirmed"].(bool)
		}
	}

	policyDecision := policyAllowed
	if out, ok := prior["policy_check"].(map[string]any); ok {
		if d, ok := out["decision"].(string); ok {
			policyDecision = d
		}
	}

	// An existing approval row decides first.
	existing, err := r.db.LatestApproval(run.RunID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch {
		case existing.Status == "COMPLETED" && existing.Decision == "APPROVED":
			return approvedOutput(existing.ApprovalID, "User approved execution"), nil
		case existing.Status == "COMPLETED" && existing.Decision == "REJECTED":
			return nil, errs.New(errs.UserRejected, "User rejected the trade proposal.").
				WithRemediation("Review the proposal and modify if necessary.")
		default:
			if run.ExecutionMode == "PAPER" || userPreConfirmed {
				if _, err := r.db.CompleteApproval(existing.ApprovalID, "APPROVED"); err != nil {
					return nil, err
				}
				log.Info().Str("run_id", run.RunID).Str("approval_id", existing.ApprovalID).
					Msg("Auto-approved pending approval")
				return approvedOutput(existing.ApprovalID, "Auto-approved"), nil
			}
			return nil, errPausedForApproval
		}
	}

	if run.ExecutionMode == "PAPER" || userPreConfirmed ||
		(run.ExecutionMode != "LIVE" && policyDecision == policyAllowed) {
		approvalID := ids.NewApproval()
		now := time.Now().UTC()
		if err := r.db.CreateApproval(&database.Approval{
			ApprovalID: approvalID,
			RunID:      run.RunID,
			TenantID:   run.TenantID,
			Status:     "COMPLETED",
			Decision:   "APPROVED",
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return nil, err
		}
		return approvedOutput(approvalID, "Auto-approved ("+run.ExecutionMode+" mode)"), nil
	}

	// LIVE requiring approval: park the run.
	approvalID := ids.NewApproval()
	if err := r.db.CreateApproval(&database.Approval{
		ApprovalID: approvalID,
		RunID:      run.RunID,
		TenantID:   run.TenantID,
		Status:     "PENDING",
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	log.Info().Str("run_id", run.RunID).Str("approval_id", approvalID).
		Msg("Approval required for LIVE run")
	return nil, errPausedForApproval
}

func approvedOutput(approvalID, summary string) map[string]any {
	return map[string]any{
		"requires_approval": false,
		"approval_id":       approvalID,
		"status":            "APPROVED",
		"safe_summary":      summary,
	}
}
