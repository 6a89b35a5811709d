// Package tradecontext builds the immutable snapshot every downstream stage
// consumes. After construction no component may re-query balances, rules, or
// prices — this is the load-bearing invariant of the whole pipeline.
package tradecontext

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/executable"
	"github.com/execdesk/execdesk/internal/metadata"
)

// Action is a single requested trade.
type Action struct {
	Side         string // BUY | SELL
	Asset        string // "BTC"
	ProductID    string // "BTC-USD"
	AmountUSD    decimal.Decimal
	AmountMode   string // quote_usd | base_qty | all
	SellAll      bool
	RequestedQty decimal.Decimal
}

// Rules are resolved product rules with provenance.
type Rules struct {
	ProductID       string
	RuleSource      metadata.RuleSource
	BaseMinSize     decimal.Decimal
	BaseIncrement   decimal.Decimal
	MinMarketFunds  decimal.Decimal
	Status          string
	TradingDisabled bool
	Verified        bool
}

// Balance is the per-currency executable quantity frozen into the context.
type Balance struct {
	Currency     string
	AvailableQty decimal.Decimal
	HoldQty      decimal.Decimal
}

// Context is the immutable snapshot. All fields are unexported; accessors
// return copies, so no caller can mutate the snapshot or observe later state.
type Context struct {
	tenantID      string
	executionMode string
	actions       []Action
	balances      map[string]Balance
	products      map[string]Rules
	prices        map[string]decimal.Decimal
	builtAt       time.Time
}

func (c *Context) TenantID() string      { return c.tenantID }
func (c *Context) ExecutionMode() string { return c.executionMode }
func (c *Context) BuiltAt() time.Time    { return c.builtAt }

func (c *Context) Actions() []Action {
	out := make([]Action, len(c.actions))
	copy(out, c.actions)
	return out
}

func (c *Context) Balance(currency string) (Balance, bool) {
	b, ok := c.balances[strings.ToUpper(currency)]
	return b, ok
}

func (c *Context) ProductRules(productID string) (Rules, bool) {
	r, ok := c.products[productID]
	return r, ok
}

// Price returns the display price for an asset, zero when unknown.
func (c *Context) Price(asset string) decimal.Decimal {
	return c.prices[strings.ToUpper(asset)]
}

// WithActions derives a context carrying the given actions over the same
// frozen snapshot. Used when SELL ALL amounts become concrete from the frozen
// prices — no truth source is re-queried.
func (c *Context) WithActions(actions []Action) *Context {
	frozen := make([]Action, len(actions))
	copy(frozen, actions)
	derived := *c
	derived.actions = frozen
	return &derived
}

func (c *Context) Balances() map[string]Balance {
	out := make(map[string]Balance, len(c.balances))
	for k, v := range c.balances {
		out[k] = v
	}
	return out
}

// New freezes the given snapshot into a Context. The builder is the normal
// entry point; direct construction exists for code that already holds a
// snapshot (and for tests). All inputs are copied.
func New(tenantID, executionMode string, actions []Action,
	balances map[string]Balance, products map[string]Rules, prices map[string]decimal.Decimal) *Context {
	frozenActions := make([]Action, len(actions))
	copy(frozenActions, actions)
	frozenBalances := make(map[string]Balance, len(balances))
	for k, v := range balances {
		frozenBalances[strings.ToUpper(k)] = v
	}
	frozenProducts := make(map[string]Rules, len(products))
	for k, v := range products {
		frozenProducts[k] = v
	}
	frozenPrices := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		frozenPrices[strings.ToUpper(k)] = v
	}
	return &Context{
		tenantID:      tenantID,
		executionMode: executionMode,
		actions:       frozenActions,
		balances:      frozenBalances,
		products:      frozenProducts,
		prices:        frozenPrices,
		builtAt:       time.Now().UTC(),
	}
}

// PriceFunc supplies best-effort display prices per asset symbol.
type PriceFunc func(symbol string) decimal.Decimal

// Builder wires the three truth sources the context freezes.
type Builder struct {
	fetcher *executable.Fetcher
	meta    *metadata.Service
	priceOf PriceFunc
}

func NewBuilder(fetcher *executable.Fetcher, meta *metadata.Service, priceOf PriceFunc) *Builder {
	return &Builder{fetcher: fetcher, meta: meta, priceOf: priceOf}
}

// Build constructs the snapshot for one trade intent:
//  1. fetches the executable state exactly once,
//  2. resolves rules for every referenced product,
//  3. fetches prices best-effort (display only).
func (b *Builder) Build(ctx context.Context, tenantID, executionMode string, actions []Action) *Context {
	state := b.fetcher.Fetch(ctx, tenantID)
	balances := make(map[string]Balance, len(state.Balances))
	for ccy, bal := range state.Balances {
		balances[ccy] = Balance{
			Currency:     ccy,
			AvailableQty: bal.AvailableQty,
			HoldQty:      bal.HoldQty,
		}
	}

	products := map[string]Rules{}
	for _, a := range actions {
		pid := a.ProductID
		if pid == "" {
			pid = strings.ToUpper(a.Asset) + "-USD"
		}
		if _, done := products[pid]; done {
			continue
		}
		products[pid] = resolveRules(ctx, b.meta, pid)
	}

	prices := map[string]decimal.Decimal{}
	for _, a := range actions {
		asset := strings.ToUpper(a.Asset)
		if asset == "USD" {
			continue
		}
		if _, done := prices[asset]; done {
			continue
		}
		if px := b.priceOf(asset); px.IsPositive() {
			prices[asset] = px
		}
	}

	frozen := make([]Action, len(actions))
	copy(frozen, actions)
	for i := range frozen {
		if frozen[i].ProductID == "" {
			frozen[i].ProductID = strings.ToUpper(frozen[i].Asset) + "-USD"
		}
	}

	return &Context{
		tenantID:      tenantID,
		executionMode: executionMode,
		actions:       frozen,
		balances:      balances,
		products:      products,
		prices:        prices,
		builtAt:       time.Now().UTC(),
	}
}

func resolveRules(ctx context.Context, meta *metadata.Service, productID string) Rules {
	res := meta.Resolve(ctx, productID, true)
	if !res.Success || res.Rules == nil {
		return Rules{ProductID: productID, RuleSource: metadata.SourceUnavailable}
	}
	source := res.Source
	if res.UsedStaleCache {
		// Stale reads are labelled catalog-grade: present but not verified.
		source = metadata.SourceCatalog
	}
	return Rules{
		ProductID:       productID,
		RuleSource:      source,
		BaseMinSize:     toDecimal(res.Rules.BaseMinSize),
		BaseIncrement:   toDecimal(res.Rules.BaseIncrement),
		MinMarketFunds:  toDecimal(res.Rules.MinMarketFunds),
		Status:          res.Rules.Status,
		TradingDisabled: res.Rules.TradingDisabled,
		Verified:        res.Verified,
	}
}

func toDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
