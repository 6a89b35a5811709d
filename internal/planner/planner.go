// Package planner turns a parsed chat command into either a staged
// confirmation or a rejection. It owns the one-context-per-intent rule: it
// builds the TradeContext exactly once and hands it to preflight; nothing
// downstream re-reads balances, rules, or prices.
package planner

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/catalog"
	"github.com/execdesk/execdesk/internal/config"
	"github.com/execdesk/execdesk/internal/confirm"
	"github.com/execdesk/execdesk/internal/executable"
	"github.com/execdesk/execdesk/internal/narrative"
	"github.com/execdesk/execdesk/internal/orchestrator"
	"github.com/execdesk/execdesk/internal/preflight"
	"github.com/execdesk/execdesk/internal/reasoner"
	"github.com/execdesk/execdesk/internal/resolver"
	"github.com/execdesk/execdesk/internal/tradecontext"
)

// Result is the staging outcome handed back to the HTTP surface.
type Result struct {
	Intent         string          `json:"intent"`
	Content        string          `json:"content"`
	Status         string          `json:"status,omitempty"`
	ConfirmationID string          `json:"confirmation_id,omitempty"`
	PendingTrade   *PendingTrade   `json:"pending_trade,omitempty"`
	Suggestions    []string        `json:"suggestions,omitempty"`
	Insight        json.RawMessage `json:"preconfirm_insight,omitempty"`
}

// PendingTrade is the user-visible staged plan.
type PendingTrade struct {
	Mode    string        `json:"mode"`
	Actions []TradeAction `json:"actions"`
}

type TradeAction struct {
	Side      string          `json:"side"`
	Asset     string          `json:"asset"`
	ProductID string          `json:"product_id"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	SellAll   bool            `json:"sell_all"`
}

type Planner struct {
	cfg           *config.Config
	catalog       *catalog.Service
	fetcher       *executable.Fetcher
	contexts      *tradecontext.Builder
	engine        *preflight.Engine
	confirmations *confirm.Store
	advisor       *reasoner.Advisor
}

func New(cfg *config.Config, cat *catalog.Service, fetcher *executable.Fetcher,
	contexts *tradecontext.Builder, engine *preflight.Engine,
	confirmations *confirm.Store, advisor *reasoner.Advisor) *Planner {
	return &Planner{
		cfg: cfg, catalog: cat, fetcher: fetcher, contexts: contexts,
		engine: engine, confirmations: confirmations, advisor: advisor,
	}
}

// Plan handles one chat command end to end: parse, resolve, context, preflight,
// stage or reject.
func (p *Planner) Plan(ctx context.Context, tenantID, conversationID, text string) Result {
	intent := ParseIntent(text)
	switch intent.Kind {
	case IntentGreeting:
		return Result{Intent: "GREETING", Content: "Hi! Tell me a trade, e.g. \"buy $5 of BTC\" or \"sell all DOGE\"."}
	case IntentOutOfScope:
		return Result{Intent: "OUT_OF_SCOPE", Content: "I can stage crypto and stock trades. Try \"buy $5 of BTC\"."}
	}

	mode := p.executionMode()
	state := p.fetcher.Fetch(ctx, tenantID)

	// Resolve each requested symbol. SELLs resolve against holdings; BUYs only
	// need a tradable product.
	var actions []tradecontext.Action
	for _, parsed := range intent.Actions {
		if parsed.Side == "SELL" {
			res := resolver.Resolve(parsed.Asset, state, p.catalog)
			if res.IsBlocked() {
				return p.reject(parsed.Asset, res.UserMessage, []string{"Cancel", "Try a different asset"})
			}
			actions = append(actions, tradecontext.Action{
				Side:      "SELL",
				Asset:     res.Symbol,
				ProductID: res.ProductID,
				AmountUSD: parsed.AmountUSD,
				AmountMode: func() string {
					if parsed.SellAll {
						return "all"
					}
					return "quote_usd"
				}(),
				SellAll: parsed.SellAll,
			})
			continue
		}

		asset := resolver.NormalizeSymbol(parsed.Asset)
		productID := asset + "-USD"
		if !p.catalog.IsTradeable(productID) {
			if p.catalog.IsTradeable(asset + "-USDC") {
				productID = asset + "-USDC"
			} else {
				return p.reject(asset,
					"No tradable product found for "+asset+" on the exchange.",
					[]string{"Cancel", "Try a different asset"})
			}
		}
		actions = append(actions, tradecontext.Action{
			Side:       "BUY",
			Asset:      asset,
			ProductID:  productID,
			AmountUSD:  parsed.AmountUSD,
			AmountMode: "quote_usd",
		})
	}

	// Single context build per intent.
	tctx := p.contexts.Build(ctx, tenantID, mode, actions)

	// SELL ALL amounts become concrete once prices are frozen.
	actions = tctx.Actions()
	for i := range actions {
		if actions[i].SellAll && !actions[i].AmountUSD.IsPositive() {
			if bal, ok := tctx.Balance(actions[i].Asset); ok {
				if px := tctx.Price(actions[i].Asset); px.IsPositive() {
					actions[i].AmountUSD = bal.AvailableQty.Mul(px).Round(2)
					actions[i].RequestedQty = bal.AvailableQty
				}
			}
		}
	}
	tctx = tctx.WithActions(actions)

	report := p.engine.Run(tctx)

	if report.AnyBlocked() {
		for _, res := range report.Results {
			if res.Status == preflight.Blocked {
				return p.reject(res.Action.Asset, res.UserMessage, res.FixOptions)
			}
		}
	}

	// ADJUSTED persists the adjusted amount into the staged proposal; the
	// user's CONFIRM executes the persisted value, not a fresh recomputation.
	var suggestions []string
	var autoSell *orchestrator.AutoSell
	for _, res := range report.Results {
		if res.Status == preflight.Adjusted {
			for i := range actions {
				if actions[i].Asset == res.Action.Asset && actions[i].Side == res.Action.Side {
					actions[i].AmountUSD = res.AdjustedAmountUSD.Round(2)
					actions[i].RequestedQty = res.AdjustedQty
				}
			}
			suggestions = append(suggestions, res.FixOptions...)
		}
		if res.AutoSell != nil {
			autoSell = &orchestrator.AutoSell{
				NeedsRecycle:  true,
				SellSymbol:    res.AutoSell.SellSymbol,
				SellAmountUSD: res.AutoSell.SellAmountUSD,
				AvailableCash: res.AutoSell.AvailableCash,
				RequiredCash:  res.AutoSell.RequiredCash,
				Reason:        res.AutoSell.Reason,
			}
		}
	}
	if len(suggestions) == 0 {
		suggestions = []string{"CONFIRM", "CANCEL"}
	}

	proposal := orchestrator.Proposal{AutoSell: autoSell}
	pending := &PendingTrade{Mode: mode}
	for _, a := range actions {
		proposal.Orders = append(proposal.Orders, orchestrator.ProposalOrder{
			Symbol:      a.ProductID,
			Side:        a.Side,
			NotionalUSD: a.AmountUSD,
			Qty:         a.RequestedQty,
		})
		pending.Actions = append(pending.Actions, TradeAction{
			Side:      a.Side,
			Asset:     a.Asset,
			ProductID: a.ProductID,
			AmountUSD: a.AmountUSD,
			SellAll:   a.SellAll,
		})
	}

	insight := p.advisor.Reason(ctx, p.advisorInput(text, tctx, report))
	insightJSON, _ := json.Marshal(insight)

	proposalJSON, err := json.Marshal(proposal)
	if err != nil {
		log.Error().Err(err).Msg("Proposal marshal failed")
		return Result{Intent: "TRADE", Status: "REJECTED", Content: "Something went wrong staging this trade."}
	}

	lockedProductID := ""
	if len(actions) == 1 {
		lockedProductID = actions[0].ProductID
	}

	confID, err := p.confirmations.CreatePending(tenantID, conversationID, mode,
		string(proposalJSON), string(insightJSON), lockedProductID)
	if err != nil {
		log.Error().Err(err).Msg("Confirmation staging failed")
		return Result{Intent: "TRADE", Status: "REJECTED", Content: "Something went wrong staging this trade."}
	}

	content := p.confirmationNarrative(actions, mode)
	return Result{
		Intent:         "TRADE_CONFIRMATION_PENDING",
		Content:        content,
		ConfirmationID: confID,
		PendingTrade:   pending,
		Suggestions:    suggestions,
		Insight:        insightJSON,
	}
}

func (p *Planner) executionMode() string {
	mode := p.cfg.ExecutionModeDefault
	if mode == "" {
		mode = "PAPER"
	}
	if p.cfg.ForcePaperMode {
		mode = "PAPER"
	}
	return mode
}

func (p *Planner) reject(asset, message string, fixes []string) Result {
	content, err := narrative.TradeBlocked(asset, message, fixes, nil)
	if err != nil {
		content = message
	}
	return Result{
		Intent:      "TRADE",
		Status:      "REJECTED",
		Content:     content,
		Suggestions: fixes,
	}
}

func (p *Planner) confirmationNarrative(actions []tradecontext.Action, mode string) string {
	if len(actions) == 0 {
		return "Nothing to stage."
	}
	a := actions[0]
	content, err := narrative.TradeConfirmation(a.Side, a.Asset, a.AmountUSD, a.SellAll, mode, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Confirmation narrative failed validation")
		return "Trade staged. Reply CONFIRM to execute or CANCEL to discard."
	}
	return content
}

func (p *Planner) advisorInput(text string, tctx *tradecontext.Context, report preflight.Report) reasoner.Input {
	in := reasoner.Input{UserText: text, Portfolio: map[string]decimal.Decimal{}}
	total := decimal.Zero
	for ccy, bal := range tctx.Balances() {
		in.Portfolio[ccy] = bal.AvailableQty
		if ccy == "USD" {
			total = total.Add(bal.AvailableQty)
		} else if px := tctx.Price(ccy); px.IsPositive() {
			total = total.Add(bal.AvailableQty.Mul(px))
		}
	}
	in.PortfolioTotalUSD = total.Round(2)

	for _, res := range report.Results {
		if res.Status == preflight.Blocked {
			in.Blocked = append(in.Blocked, reasoner.BlockedSummary{
				Asset:   res.Action.Asset,
				Reason:  string(res.ReasonCode),
				Message: res.UserMessage,
			})
			continue
		}
		in.ValidActions = append(in.ValidActions, reasoner.ActionSummary{
			Side:      res.Action.Side,
			Asset:     res.Action.Asset,
			AmountUSD: res.Action.AmountUSD,
			SellAll:   res.Action.SellAll,
		})
	}
	return in
}
