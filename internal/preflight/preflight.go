// Package preflight runs the deterministic per-action checks against a trade
// context. It is a pure function of the context: no network, no clock, no
// hardcoded magic defaults. If product rules are unavailable the action is
// blocked — values are never invented.
package preflight

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/metadata"
	"github.com/execdesk/execdesk/internal/tradecontext"
)

// FeeRate is the estimated (not authoritative) taker fee.
var FeeRate = decimal.RequireFromString("0.006")

type Status string

const (
	Ready    Status = "READY"
	Blocked  Status = "BLOCKED"
	Adjusted Status = "ADJUSTED"
)

type ReasonCode string

const (
	NoBalance           ReasonCode = "NO_BALANCE"
	NotTradable         ReasonCode = "NOT_TRADABLE"
	BelowMin            ReasonCode = "BELOW_MIN"
	ProviderUnavailable ReasonCode = "PROVIDER_UNAVAILABLE"
	ExceedsHoldings     ReasonCode = "EXCEEDS_HOLDINGS"
	InsufficientCash    ReasonCode = "INSUFFICIENT_CASH"
	FundsOnHold         ReasonCode = "FUNDS_ON_HOLD"
)

// ActionResult is the preflight outcome for one action. A result carries at
// most one primary reason code.
type ActionResult struct {
	Action            tradecontext.Action
	Status            Status
	ReasonCode        ReasonCode
	UserMessage       string
	FixOptions        []string
	Verified          bool
	RuleSource        metadata.RuleSource
	AdjustedAmountUSD decimal.Decimal
	AdjustedQty       decimal.Decimal
	MaxSellableUSD    decimal.Decimal
	EstimatedFeeUSD   decimal.Decimal
	AutoSell          *RecycleResult // BUY shortfall proposal, confirmed separately
}

// Report aggregates results across all actions of an intent.
type Report struct {
	Results []ActionResult
}

func (r Report) AllReady() bool {
	for _, res := range r.Results {
		if res.Status != Ready {
			return false
		}
	}
	return true
}

func (r Report) AnyBlocked() bool {
	for _, res := range r.Results {
		if res.Status == Blocked {
			return true
		}
	}
	return false
}

// DiagnosticsDecisions builds the decisions sub-payload of the run_diagnostics
// artifact, keyed SIDE_ASSET_MODE.
func (r Report) DiagnosticsDecisions() map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, res := range r.Results {
		key := strings.ToUpper(fmt.Sprintf("%s_%s_%s", res.Action.Side, res.Action.Asset, res.Action.AmountMode))
		reason := ""
		if res.ReasonCode != "" {
			reason = string(res.ReasonCode)
		}
		out[key] = map[string]any{
			"status":      string(res.Status),
			"reason_code": reason,
			"rule_source": string(res.RuleSource),
		}
	}
	return out
}

// Recycler proposes an auto-sell when a BUY lacks cash. Nil disables recycling.
type Recycler interface {
	CheckAndRecycle(tenantID string, requiredUSD decimal.Decimal, ctx *tradecontext.Context) RecycleResult
}

// Engine holds the only dependency preflight is allowed: the recycler, which
// itself reads order history (not live truth sources).
type Engine struct {
	recycler Recycler
}

func NewEngine(recycler Recycler) *Engine {
	return &Engine{recycler: recycler}
}

// Run evaluates every action. Same context in, same report out.
func (e *Engine) Run(ctx *tradecontext.Context) Report {
	report := Report{}
	for _, action := range ctx.Actions() {
		report.Results = append(report.Results, e.checkAction(ctx, action))
	}
	return report
}

// checkAction applies the checks in order; the first failure wins and sets the
// single primary reason code.
func (e *Engine) checkAction(ctx *tradecontext.Context, action tradecontext.Action) ActionResult {
	asset := strings.ToUpper(action.Asset)
	side := strings.ToUpper(action.Side)
	productID := action.ProductID
	if productID == "" {
		productID = asset + "-USD"
	}

	rules, hasRules := ctx.ProductRules(productID)
	price := ctx.Price(asset)
	fee := action.AmountUSD.Mul(FeeRate)

	result := ActionResult{
		Action:          action,
		Status:          Ready,
		Verified:        rules.Verified,
		RuleSource:      rules.RuleSource,
		EstimatedFeeUSD: fee,
	}
	if !hasRules {
		result.RuleSource = metadata.SourceUnavailable
	}

	// 1. Tradability.
	if hasRules && (rules.TradingDisabled || rules.Status == "cancel_only" || rules.Status == "delisted") {
		return blocked(result, NotTradable,
			fmt.Sprintf("%s is not tradable right now.", asset),
			[]string{fmt.Sprintf("Try another asset instead of %s", asset)})
	}

	// 2. Rule availability — no fallback values are invented here.
	if !hasRules || rules.RuleSource == metadata.SourceUnavailable {
		result.Verified = false
		return blocked(result, ProviderUnavailable,
			fmt.Sprintf("Unable to verify trading rules for %s. The exchange metadata is temporarily unavailable. Please retry in a few moments.", asset),
			[]string{"Retry", "Cancel"})
	}

	if side == "SELL" {
		if done, res := e.checkSell(ctx, action, result, asset, rules, price, fee); done {
			return res
		}
	}

	if side == "BUY" {
		if done, res := e.checkBuy(ctx, action, result, fee); done {
			return res
		}
	}

	// Min market funds, common to both sides. SELL ALL with no price defers to
	// the execution-time check when the amount is still unknown.
	if rules.MinMarketFunds.IsPositive() {
		sellAllNoPrice := side == "SELL" && action.SellAll && !action.AmountUSD.IsPositive()
		if !sellAllNoPrice && action.AmountUSD.LessThan(rules.MinMarketFunds) {
			return blocked(result, BelowMin,
				fmt.Sprintf("Order $%s for %s is below the minimum market funds ($%s)%s.",
					action.AmountUSD.StringFixed(2), asset, rules.MinMarketFunds.StringFixed(2),
					estimatedLabel(result.Verified)),
				[]string{fmt.Sprintf("Increase amount to at least $%s", rules.MinMarketFunds.StringFixed(2)), "Cancel"})
		}
	}

	return result
}

func (e *Engine) checkSell(ctx *tradecontext.Context, action tradecontext.Action, result ActionResult, asset string, rules tradecontext.Rules, price, fee decimal.Decimal) (bool, ActionResult) {
	bal, found := ctx.Balance(asset)

	// 3. Balance presence. FUNDS_ON_HOLD wins over plain no-balance.
	if !found || !bal.AvailableQty.IsPositive() {
		if found && bal.HoldQty.IsPositive() {
			return true, blocked(result, FundsOnHold,
				fmt.Sprintf("%s funds are on hold and not currently executable.", asset),
				[]string{fmt.Sprintf("Retry after %s hold clears", asset)})
		}
		return true, blocked(result, NoBalance,
			fmt.Sprintf("No executable %s balance available for selling.", asset),
			[]string{"Buy the asset first", "Choose an asset you hold"})
	}

	var availableUSD decimal.Decimal
	haveUSD := price.IsPositive()
	if haveUSD {
		availableUSD = bal.AvailableQty.Mul(price)
	}

	// 4. SELL ALL dust gate.
	if action.SellAll && haveUSD && rules.BaseMinSize.IsPositive() {
		minSellUSD := rules.BaseMinSize.Mul(price)
		if availableUSD.LessThan(minSellUSD) {
			return true, blocked(result, BelowMin,
				fmt.Sprintf("Your %s holdings (~$%s) are below the venue minimum (~$%s). Options: buy more %s to reach ~$%s, or check Coinbase app for convert/dust options.",
					asset, availableUSD.StringFixed(2), minSellUSD.StringFixed(2), asset, minSellUSD.StringFixed(2)),
				[]string{
					"Cancel",
					fmt.Sprintf("Buy more %s to reach minimum", asset),
					"Check Coinbase app for convert/dust options",
				})
		}
	}

	// 5. Requested USD exceeds holdings ⇒ ADJUSTED, not blocked.
	if !action.SellAll && haveUSD && action.AmountUSD.GreaterThan(availableUSD) {
		result.Status = Adjusted
		result.ReasonCode = ExceedsHoldings
		result.UserMessage = fmt.Sprintf(
			"You requested $%s of %s but only ~$%s is sellable; I can sell the maximum available instead.",
			action.AmountUSD.StringFixed(2), asset, availableUSD.StringFixed(2))
		result.FixOptions = []string{"CONFIRM SELL MAX", "CANCEL"}
		result.AdjustedAmountUSD = availableUSD
		result.AdjustedQty = bal.AvailableQty
		result.MaxSellableUSD = availableUSD
		result.EstimatedFeeUSD = fee
		return true, result
	}

	// 6. Below base_min_size.
	if haveUSD && rules.BaseMinSize.IsPositive() && action.AmountUSD.IsPositive() {
		baseSize := action.AmountUSD.Div(price)
		if baseSize.LessThan(rules.BaseMinSize) {
			minUSD := rules.BaseMinSize.Mul(price)
			return true, blocked(result, BelowMin,
				fmt.Sprintf("Sell amount $%s of %s converts to ~%s %s, below the base minimum (%s %s ~ $%s)%s. Increase to at least ~$%s.",
					action.AmountUSD.StringFixed(2), asset, baseSize.StringFixed(8), asset,
					rules.BaseMinSize.String(), asset, minUSD.StringFixed(2),
					estimatedLabel(result.Verified), minUSD.StringFixed(2)),
				[]string{fmt.Sprintf("Increase amount to ~$%s", minUSD.StringFixed(2)), "Cancel"})
		}
	}

	return false, result
}

// checkBuy enforces cash sufficiency, consulting the recycler for a shortfall.
func (e *Engine) checkBuy(ctx *tradecontext.Context, action tradecontext.Action, result ActionResult, fee decimal.Decimal) (bool, ActionResult) {
	usdBal, usdFound := ctx.Balance("USD")
	cash := usdBal.AvailableQty
	totalNeeded := action.AmountUSD.Add(fee)

	if cash.GreaterThanOrEqual(totalNeeded) {
		return false, result
	}

	// Non-LIVE contexts with no balance data at all (no executable state and
	// no snapshot row) cannot gate on cash. A snapshot that merely omits the
	// USD key still counts as cash = 0 and is checked like any other balance.
	if !usdFound && len(ctx.Balances()) == 0 && ctx.ExecutionMode() != "LIVE" {
		return false, result
	}

	if e.recycler != nil {
		proposal := e.recycler.CheckAndRecycle(ctx.TenantID(), action.AmountUSD, ctx)
		if proposal.NeedsRecycle && proposal.SellSymbol != "" {
			result.AutoSell = &proposal
			result.UserMessage = proposal.Reason
			return false, result
		}
	}

	return true, blocked(result, InsufficientCash,
		fmt.Sprintf("Buying $%s of %s needs ~$%s including fees, but only $%s is available.",
			action.AmountUSD.StringFixed(2), strings.ToUpper(action.Asset),
			totalNeeded.StringFixed(2), cash.StringFixed(2)),
		[]string{"Deposit USD", "Reduce the buy amount", "Sell a holding first"})
}

func blocked(base ActionResult, reason ReasonCode, message string, fixes []string) ActionResult {
	base.Status = Blocked
	base.ReasonCode = reason
	base.UserMessage = message
	base.FixOptions = fixes
	return base
}

func estimatedLabel(verified bool) string {
	if verified {
		return ""
	}
	return " (estimated)"
}
