package orchestrator

import (
	"context"

	"github.com/execdesk/execdesk/internal/database"
)

// reconciliationNode verifies the fill invariant for every order of the run —
// an order counts as filled only when status == FILLED and at least one fill
// row is attached — and writes the run_diagnostics artifact.
func (r *Runner) reconciliationNode(ctx context.Context, run *database.Run, nodeID string, prior map[string]any) (map[string]any, error) {
	orders, err := r.db.ListOrdersByRun(run.RunID)
	if err != nil {
		return nil, err
	}

	type orderDiag struct {
		OrderID       string `json:"order_id"`
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		Fills         int    `json:"fills"`
		FillConfirmed bool   `json:"fill_confirmed"`
	}

	diags := make([]orderDiag, 0, len(orders))
	allConfirmed := len(orders) > 0
	for _, o := range orders {
		fills, err := r.db.ListFillsByOrder(o.OrderID)
		if err != nil {
			return nil, err
		}
		confirmed := o.Status == "FILLED" && len(fills) > 0
		if !confirmed {
			allConfirmed = false
		}
		diags = append(diags, orderDiag{
			OrderID:       o.OrderID,
			Symbol:        o.Symbol,
			Status:        o.Status,
			Fills:         len(fills),
			FillConfirmed: confirmed,
		})
	}

	executionOut, _ := prior["execution"].(map[string]any)
	r.saveArtifact(run.RunID, "reconciliation", "run_diagnostics", map[string]any{
		"run_id":         run.RunID,
		"execution_mode": run.ExecutionMode,
		"orders":         diags,
		"all_confirmed":  allConfirmed,
		"execution":      executionOut,
	})

	return map[string]any{
		"orders_checked": len(diags),
		"all_confirmed":  allConfirmed,
	}, nil
}
