package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/database"
)

// portfolioNode captures the current holdings for downstream display and for
// the run bundle. Balance truth for trading decisions stays with the context
// built at staging time; this snapshot is evidence, not input.
func (r *Runner) portfolioNode(ctx context.Context, run *database.Run, nodeID string, prior map[string]any) (map[string]any, error) {
	state := r.fetcher.Fetch(ctx, run.TenantID)

	balances := map[string]float64{}
	positions := map[string]float64{}
	total := decimal.Zero
	for ccy, bal := range state.Balances {
		qty, _ := bal.AvailableQty.Float64()
		balances[ccy] = qty
		if isCash(ccy) {
			total = total.Add(bal.AvailableQty)
			continue
		}
		if bal.AvailableQty.IsPositive() {
			positions[ccy] = qty
			if px := r.priceOf(ccy + "-USD"); px.IsPositive() {
				total = total.Add(bal.AvailableQty.Mul(px))
			}
		}
	}

	totalF, _ := total.Float64()
	return map[string]any{
		"source":          state.Source,
		"currencies":      len(balances),
		"positions":       positions,
		"total_value_usd": totalF,
	}, nil
}

func isCash(ccy string) bool {
	return ccy == "USD" || ccy == "USDC" || ccy == "USDT"
}
