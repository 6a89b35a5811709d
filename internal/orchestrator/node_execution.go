package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/broker"
	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/ids"
)

// minNotionalUSD is a defensive lower bound, not a business rule; authoritative
// minimums come from the broker and the verified catalog.
var minNotionalUSD = decimal.NewFromInt(1)

// executionNode places the proposal's orders. Guardrails, in order:
//
//  1. decision lock — locked_product_id overrides every order symbol
//  2. pre-trade snapshot (idempotent)
//  3. DEMO_SAFE_MODE gate for LIVE crypto
//  4. stock / ASSISTED_LIVE ticket path (no broker call)
//  5. auto-sell before the BUY
//  6. LIVE SELL execution-time preflight against refetched balances
//  7. $1 defensive notional floor
//  8. sequential placement with fresh client_order_ids
//  9. DB-authoritative status read-back and events
//  10. order_intent / trade_receipt artifacts
func (r *Runner) executionNode(ctx context.Context, run *database.Run, nodeID string, prior map[string]any) (map[string]any, error) {
	proposal, err := parseProposal(run)
	if err != nil {
		return nil, err
	}
	assetClass := run.AssetClass
	if assetClass == "" {
		assetClass = "CRYPTO"
	}

	// 1. Decision lock.
	if run.LockedProductID != "" {
		for i := range proposal.Orders {
			if proposal.Orders[i].Symbol != run.LockedProductID {
				log.Warn().Str("run_id", run.RunID).
					Str("original", proposal.Orders[i].Symbol).
					Str("locked", run.LockedProductID).
					Msg("Symbol drift prevented by decision lock")
			}
			proposal.Orders[i].Symbol = run.LockedProductID
		}
	} else {
		log.Warn().Str("run_id", run.RunID).
			Msg("Run has no locked_product_id; using proposal orders as-is")
	}

	r.saveArtifact(run.RunID, "execution", "order_intent", map[string]any{
		"execution_mode": run.ExecutionMode,
		"asset_class":    assetClass,
		"proposal":       proposal,
		"source_run_id":  run.SourceRunID,
	})

	// 2. Pre-trade snapshot so the portfolio chart has at least two points.
	r.writePreTradeSnapshot(ctx, run)

	// 3. DEMO_SAFE_MODE gate.
	if r.cfg.DemoSafeMode && run.ExecutionMode == "LIVE" && assetClass == "CRYPTO" {
		blocked := map[string]any{
			"reason_code":    string(errs.DemoModeLiveBlocked),
			"summary":        "LIVE order execution blocked by DEMO_SAFE_MODE",
			"execution_mode": run.ExecutionMode,
			"asset_class":    assetClass,
			"orders_blocked": len(proposal.Orders),
			"instructions":   "DEMO_SAFE_MODE is enabled. Set DEMO_SAFE_MODE=false to execute real LIVE orders, or use PAPER mode.",
		}
		r.saveArtifact(run.RunID, "execution", "demo_mode_blocked", blocked)
		r.emit(run.RunID, run.TenantID, "DEMO_MODE_LIVE_BLOCKED", blocked)
		log.Warn().Str("run_id", run.RunID).Msg("LIVE crypto execution blocked by DEMO_SAFE_MODE")
		return map[string]any{
			"execution_mode": run.ExecutionMode,
			"order_placed":   false,
			"reason_code":    string(errs.DemoModeLiveBlocked),
			"safe_summary":   "LIVE execution blocked by DEMO_SAFE_MODE - no orders placed",
		}, nil
	}

	// 4. Stock / ASSISTED_LIVE: generate tickets, never call the broker.
	if run.ExecutionMode == "ASSISTED_LIVE" || assetClass == "STOCK" {
		return r.createTradeTickets(run, assetClass, proposal)
	}

	provider, err := r.providers(run.ExecutionMode, run.SourceRunID)
	if err != nil {
		return nil, err
	}

	// 5. Auto-sell before the BUY. The BUY proceeds even when the SELL fails —
	// the venue may still accept it from residual cash.
	if as := proposal.AutoSell; as != nil && as.NeedsRecycle && as.SellSymbol != "" {
		r.runAutoSell(ctx, run, provider, as)
	}

	// 6. Execution-time SELL preflight (LIVE only): refetch balances and align
	// the quantity to the venue's increments.
	if run.ExecutionMode == "LIVE" {
		if err := r.sellPreflight(ctx, run, proposal.Orders); err != nil {
			return nil, err
		}
	}

	// 7. Defensive notional floor.
	for _, order := range proposal.Orders {
		if order.NotionalUSD.IsPositive() && order.NotionalUSD.LessThan(minNotionalUSD) {
			r.saveArtifact(run.RunID, "execution", "execution_failure", map[string]any{
				"summary":          fmt.Sprintf("Order notional $%s is below minimum $%s", order.NotionalUSD.StringFixed(2), minNotionalUSD.StringFixed(2)),
				"symbol":           order.Symbol,
				"notional_usd":     order.NotionalUSD,
				"min_notional_usd": minNotionalUSD,
			})
			return nil, errs.Newf(errs.BelowMinimumSize,
				"order for %s notional $%s is below minimum $%s",
				order.Symbol, order.NotionalUSD.StringFixed(2), minNotionalUSD.StringFixed(2))
		}
	}

	// 8–9. Place orders sequentially and read back DB-authoritative status.
	orderIDs := make([]string, 0, len(proposal.Orders))
	orderStatuses := map[string]string{}
	for _, order := range proposal.Orders {
		orderID, err := provider.PlaceOrder(ctx, broker.OrderRequest{
			RunID:         run.RunID,
			TenantID:      run.TenantID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			NotionalUSD:   order.NotionalUSD,
			Qty:           order.Qty,
			ClientOrderID: ids.NewClientOrder(),
		})
		if err != nil {
			te := errs.AsTradeError(err, errs.ExecutionFailed)
			r.saveArtifact(run.RunID, "execution", "execution_failure", map[string]any{
				"symbol":       order.Symbol,
				"error":        te.Message,
				"error_code":   te.Code,
				"remediation":  te.Remediation,
				"notional_usd": order.NotionalUSD,
			})
			if r.notifier != nil {
				r.notifier.TradeFailed(run.ExecutionMode, order.Symbol, order.NotionalUSD, te.Message, run.RunID)
			}
			return nil, te
		}
		orderIDs = append(orderIDs, orderID)

		status := r.readBackStatus(orderID)
		orderStatuses[orderID] = status

		payload := map[string]any{
			"order_id":     orderID,
			"symbol":       order.Symbol,
			"side":         order.Side,
			"notional_usd": order.NotionalUSD,
			"provider":     provider.Name(),
			"order_status": status,
			"message":      "Order submitted. You can confirm fill in your Coinbase app.",
		}
		r.emit(run.RunID, run.TenantID, "ORDER_SUBMITTED", payload)
		if status == "FILLED" {
			payload["message"] = "Order filled. You can also confirm in your Coinbase app."
			r.emit(run.RunID, run.TenantID, "ORDER_FILLED", payload)
		} else {
			r.emit(run.RunID, run.TenantID, "ORDER_PENDING_FILL", payload)
		}

		if r.notifier != nil {
			r.notifier.TradePlaced(run.ExecutionMode, order.Side, order.Symbol, order.NotionalUSD, orderID, run.RunID)
		}
	}

	// 10. Trade receipt: the durable record of what actually happened.
	r.writeTradeReceipt(run, assetClass)

	allFilled := len(orderIDs) > 0
	for _, oid := range orderIDs {
		if orderStatuses[oid] != "FILLED" {
			allFilled = false
			break
		}
	}
	summary := fmt.Sprintf("Placed %d order(s) via %s; pending fill confirmation.", len(orderIDs), run.ExecutionMode)
	if allFilled {
		summary = fmt.Sprintf("Placed %d order(s) via %s; fills confirmed.", len(orderIDs), run.ExecutionMode)
	}

	return map[string]any{
		"execution_mode": run.ExecutionMode,
		"order_ids":      orderIDs,
		"order_statuses": orderStatuses,
		"fill_confirmed": allFilled,
		"safe_summary":   summary,
		"evidence_refs":  []map[string]any{{"order_ids": orderIDs}},
	}, nil
}

func (r *Runner) readBackStatus(orderID string) string {
	o, err := r.db.GetOrderAnyTenant(orderID)
	if err != nil || o == nil || o.Status == "" {
		return "SUBMITTED"
	}
	return strings.ToUpper(o.Status)
}

func (r *Runner) writePreTradeSnapshot(ctx context.Context, run *database.Run) {
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
	balJSON, _ := json.Marshal(balances)
	posJSON, _ := json.Marshal(positions)
	if err := r.db.SaveSnapshotIgnore(&database.PortfolioSnapshot{
		SnapshotID:    "snap_pre_" + run.RunID,
		RunID:         run.RunID,
		TenantID:      run.TenantID,
		BalancesJSON:  string(balJSON),
		PositionsJSON: string(posJSON),
		TotalValueUSD: total.Round(2),
	}); err != nil {
		log.Warn().Err(err).Str("run_id", run.RunID).Msg("Pre-trade snapshot failed")
	}
}

func (r *Runner) runAutoSell(ctx context.Context, run *database.Run, provider broker.Provider, as *AutoSell) {
	log.Info().Str("run_id", run.RunID).Str("symbol", as.SellSymbol).
		Str("amount_usd", as.SellAmountUSD.StringFixed(2)).
		Msg("Auto-sell: raising cash before BUY")

	orderID, err := provider.PlaceOrder(ctx, broker.OrderRequest{
		RunID:         run.RunID,
		TenantID:      run.TenantID,
		Symbol:        as.SellSymbol,
		Side:          "SELL",
		NotionalUSD:   as.SellAmountUSD,
		ClientOrderID: ids.NewClientOrder(),
		ParentOrderID: "auto_sell",
	})
	if err != nil {
		// Continue with the BUY anyway; partial balance may still cover it.
		log.Error().Err(err).Str("run_id", run.RunID).Msg("Auto-sell failed; continuing with BUY")
		return
	}

	r.saveArtifact(run.RunID, "execution", "auto_sell_receipt", map[string]any{
		"sell_symbol":           as.SellSymbol,
		"sell_amount_usd":       as.SellAmountUSD,
		"sell_order_id":         orderID,
		"reason":                as.Reason,
		"available_cash_before": as.AvailableCash,
		"required_cash":         as.RequiredCash,
	})
}

// sellPreflight refetches live balances and replaces each SELL's quantity with
// a base-increment-aligned safe quantity. Dust positions fail the run with a
// balance_mismatch_diagnostic.
func (r *Runner) sellPreflight(ctx context.Context, run *database.Run, orders []ProposalOrder) error {
	state := r.fetcher.Fetch(ctx, run.TenantID)
	if len(state.Balances) == 0 {
		return nil
	}
	epsilon := decimal.RequireFromString("0.0000000001")

	for i := range orders {
		if strings.ToUpper(orders[i].Side) != "SELL" {
			continue
		}
		base := orders[i].Symbol
		if idx := strings.Index(base, "-"); idx > 0 {
			base = base[:idx]
		}
		bal, ok := state.Balances[base]
		if !ok {
			continue
		}

		rules := r.meta.Resolve(ctx, orders[i].Symbol, true)
		increment := decimal.RequireFromString("0.00000001")
		baseMin := decimal.Zero
		minMarket := decimal.Zero
		if rules.Rules != nil {
			if inc, err := decimal.NewFromString(rules.Rules.BaseIncrement); err == nil && inc.IsPositive() {
				increment = inc
			}
			if bm, err := decimal.NewFromString(rules.Rules.BaseMinSize); err == nil && bm.IsPositive() {
				baseMin = bm
			}
			if mm, err := decimal.NewFromString(rules.Rules.MinMarketFunds); err == nil && mm.IsPositive() {
				minMarket = mm
			}
		}

		safeQty := bal.AvailableQty.Sub(epsilon).Div(increment).Floor().Mul(increment)
		if safeQty.IsNegative() {
			safeQty = decimal.Zero
		}

		notional := decimal.Zero
		if px := r.priceOf(orders[i].Symbol); px.IsPositive() {
			notional = safeQty.Mul(px)
		}

		if safeQty.LessThan(baseMin) || (minMarket.IsPositive() && notional.IsPositive() && notional.LessThan(minMarket)) {
			log.Warn().Str("run_id", run.RunID).Str("symbol", orders[i].Symbol).
				Str("available", bal.AvailableQty.String()).Str("safe_qty", safeQty.String()).
				Str("base_min", baseMin.String()).Msg("Execution-time dust detected")
			r.saveArtifact(run.RunID, "execution", "balance_mismatch_diagnostic", map[string]any{
				"coinbase_available":   bal.AvailableQty,
				"coinbase_hold":        bal.HoldQty,
				"account_uuid":         bal.AccountUUID,
				"constraint_violated":  "DUST_BELOW_MINIMUM",
				"base_min_size":        baseMin,
				"min_market_funds":     minMarket,
				"computed_qty":         safeQty,
				"likely_causes": []string{
					"funds on hold from open orders",
					"portfolio/account mismatch",
					"recent deposit not yet settled",
				},
			})
			return errs.Newf(errs.BelowMinimumSize,
				"cannot sell %s: position below minimum order size (dust). Minimum base_size=%s, available=%s, computed_qty=%s",
				orders[i].Symbol, baseMin.String(), bal.AvailableQty.String(), safeQty.String()).
				WithRemediation("Position is too small to sell. Consider accumulating more or skipping this asset.")
		}

		orders[i].Qty = safeQty
		log.Info().Str("run_id", run.RunID).Str("symbol", orders[i].Symbol).
			Str("qty", safeQty.String()).Msg("Execution-time SELL quantity verified")
	}
	return nil
}

func (r *Runner) createTradeTickets(run *database.Run, assetClass string, proposal Proposal) (map[string]any, error) {
	ticketIDs := make([]string, 0, len(proposal.Orders))
	for _, order := range proposal.Orders {
		symbol := strings.TrimSuffix(order.Symbol, "-USD")
		estQty := decimal.Zero
		suggestedLimit := decimal.Zero
		if px := r.priceOf(order.Symbol); px.IsPositive() {
			estQty = order.NotionalUSD.Div(px)
			suggestedLimit = px
		}

		ticketID := ids.NewTicket()
		if err := r.db.CreateTicket(&database.TradeTicket{
			TicketID:       ticketID,
			TenantID:       run.TenantID,
			RunID:          run.RunID,
			Symbol:         symbol,
			Side:           strings.ToUpper(order.Side),
			NotionalUSD:    order.NotionalUSD,
			EstQty:         estQty,
			SuggestedLimit: suggestedLimit,
			TIF:            "DAY",
			AssetClass:     assetClass,
			Status:         "OPEN",
			ExpiresAt:      time.Now().UTC().Add(r.cfg.StockTicketTTL),
		}); err != nil {
			return nil, err
		}
		ticketIDs = append(ticketIDs, ticketID)

		r.emit(run.RunID, run.TenantID, "TRADE_TICKET_CREATED", map[string]any{
			"ticket_id":       ticketID,
			"symbol":          symbol,
			"side":            order.Side,
			"notional_usd":    order.NotionalUSD,
			"est_qty":         estQty,
			"suggested_limit": suggestedLimit,
			"asset_class":     assetClass,
		})
		if r.notifier != nil {
			r.notifier.TicketCreated(symbol, order.Side, order.NotionalUSD, ticketID, run.RunID)
		}
	}

	r.saveArtifact(run.RunID, "execution", "trade_ticket", map[string]any{
		"execution_mode": "ASSISTED_LIVE",
		"asset_class":    assetClass,
		"ticket_ids":     ticketIDs,
		"instructions":   "Order ticket generated. Execute manually in your brokerage, then submit the execution receipt.",
	})

	return map[string]any{
		"execution_mode": "ASSISTED_LIVE",
		"order_placed":   false,
		"ticket_ids":     ticketIDs,
		"safe_summary":   fmt.Sprintf("Generated %d order ticket(s) for manual execution", len(ticketIDs)),
	}, nil
}

func (r *Runner) writeTradeReceipt(run *database.Run, assetClass string) {
	orders, err := r.db.ListOrdersByRun(run.RunID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.RunID).Msg("Trade receipt order read failed")
		return
	}
	fills, _ := r.db.ListFillsByRun(run.RunID)

	venueName := "Paper (simulated)"
	if run.ExecutionMode == "LIVE" {
		venueName = "Coinbase"
	}
	r.saveArtifact(run.RunID, "execution", "trade_receipt", map[string]any{
		"run_id":         run.RunID,
		"execution_mode": run.ExecutionMode,
		"asset_class":    assetClass,
		"orders":         orders,
		"fills":          fills,
		"total_orders":   len(orders),
		"total_fills":    len(fills),
		"venue": map[string]any{
			"name":           venueName,
			"execution_mode": run.ExecutionMode,
			"order_type":     "market",
		},
	})
}
