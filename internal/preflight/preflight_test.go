package preflight

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execdesk/execdesk/internal/metadata"
	"github.com/execdesk/execdesk/internal/tradecontext"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcRules(source metadata.RuleSource, verified bool) tradecontext.Rules {
	return tradecontext.Rules{
		ProductID:      "BTC-USD",
		RuleSource:     source,
		BaseMinSize:    d("0.00001"),
		BaseIncrement:  d("0.00000001"),
		MinMarketFunds: d("1.00"),
		Status:         "online",
		Verified:       verified,
	}
}

func ctxWith(mode string, actions []tradecontext.Action, balances map[string]tradecontext.Balance,
	products map[string]tradecontext.Rules, prices map[string]decimal.Decimal) *tradecontext.Context {
	return tradecontext.New("t1", mode, actions, balances, products, prices)
}

func sellAction(asset string, amountUSD string, sellAll bool) tradecontext.Action {
	mode := "quote_usd"
	if sellAll {
		mode = "all"
	}
	return tradecontext.Action{
		Side: "SELL", Asset: asset, ProductID: asset + "-USD",
		AmountUSD: d(amountUSD), AmountMode: mode, SellAll: sellAll,
	}
}

func TestSellExceedsHoldingsIsAdjusted(t *testing.T) {
	// $10 requested, 0.0001 BTC at $22,800 ⇒ only ~$2.28 sellable.
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{sellAction("BTC", "10", false)},
		map[string]tradecontext.Balance{"BTC": {Currency: "BTC", AvailableQty: d("0.0001")}},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	report := NewEngine(nil).Run(ctx)
	require.Len(t, report.Results, 1)
	res := report.Results[0]

	assert.Equal(t, Adjusted, res.Status)
	assert.Equal(t, ExceedsHoldings, res.ReasonCode)
	assert.True(t, res.AdjustedAmountUSD.Equal(d("2.28")), "got %s", res.AdjustedAmountUSD)
	assert.True(t, res.AdjustedQty.Equal(d("0.0001")))
	assert.Contains(t, res.FixOptions, "CONFIRM SELL MAX")
	assert.Contains(t, res.FixOptions, "CANCEL")
	assert.False(t, report.AllReady())
	assert.False(t, report.AnyBlocked(), "ADJUSTED must not count as blocked")
}

func TestSellAllDustIsBlocked(t *testing.T) {
	// 0.00001 BTC at $22,800 ≈ $0.23. The default base_min 0.00001 equals the
	// holdings exactly, so force a larger minimum.
	rules := btcRules(metadata.SourcePreview, true)
	rules.BaseMinSize = d("0.0001") // ~$2.28 minimum
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{sellAction("BTC", "0.23", true)},
		map[string]tradecontext.Balance{"BTC": {Currency: "BTC", AvailableQty: d("0.00001")}},
		map[string]tradecontext.Rules{"BTC-USD": rules},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	report := NewEngine(nil).Run(ctx)
	res := report.Results[0]

	require.Equal(t, Blocked, res.Status)
	assert.Equal(t, BelowMin, res.ReasonCode)
	assert.Contains(t, res.UserMessage, "below")
	assert.Contains(t, res.UserMessage, "minimum")
	assert.Contains(t, res.FixOptions, "Cancel")
	assert.Contains(t, res.FixOptions, "Buy more BTC to reach minimum")
	assert.Contains(t, res.FixOptions, "Check Coinbase app for convert/dust options")
}

func TestUnavailableRulesBlockWithProviderUnavailable(t *testing.T) {
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{sellAction("BTC", "5", false)},
		map[string]tradecontext.Balance{"BTC": {Currency: "BTC", AvailableQty: d("1")}},
		map[string]tradecontext.Rules{"BTC-USD": {ProductID: "BTC-USD", RuleSource: metadata.SourceUnavailable}},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	res := NewEngine(nil).Run(ctx).Results[0]
	assert.Equal(t, Blocked, res.Status)
	assert.Equal(t, ProviderUnavailable, res.ReasonCode)
	assert.Equal(t, []string{"Retry", "Cancel"}, res.FixOptions)
	assert.False(t, res.Verified)
}

func TestSellFundsOnHoldWinsOverNoBalance(t *testing.T) {
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{sellAction("BTC", "5", false)},
		map[string]tradecontext.Balance{"BTC": {Currency: "BTC", AvailableQty: d("0"), HoldQty: d("0.5")}},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	res := NewEngine(nil).Run(ctx).Results[0]
	assert.Equal(t, Blocked, res.Status)
	assert.Equal(t, FundsOnHold, res.ReasonCode)
}

func TestSellMissingBalanceIsNoBalance(t *testing.T) {
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{sellAction("BTC", "5", false)},
		map[string]tradecontext.Balance{},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	res := NewEngine(nil).Run(ctx).Results[0]
	assert.Equal(t, Blocked, res.Status)
	assert.Equal(t, NoBalance, res.ReasonCode)
}

func TestBuyBelowMinMarketFundsBlocked(t *testing.T) {
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{{
			Side: "BUY", Asset: "BTC", ProductID: "BTC-USD",
			AmountUSD: d("0.50"), AmountMode: "quote_usd",
		}},
		map[string]tradecontext.Balance{"USD": {Currency: "USD", AvailableQty: d("100")}},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourceCatalog, false)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	res := NewEngine(nil).Run(ctx).Results[0]
	require.Equal(t, Blocked, res.Status)
	assert.Equal(t, BelowMin, res.ReasonCode)
	assert.Contains(t, res.UserMessage, "(estimated)", "unverified rules must be labelled")
}

func TestNotTradableWinsOverEverything(t *testing.T) {
	rules := btcRules(metadata.SourcePreview, true)
	rules.Status = "cancel_only"
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{sellAction("BTC", "5", false)},
		map[string]tradecontext.Balance{},
		map[string]tradecontext.Rules{"BTC-USD": rules},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	res := NewEngine(nil).Run(ctx).Results[0]
	assert.Equal(t, NotTradable, res.ReasonCode)
}

func TestReadyActionHasNoReasonCode(t *testing.T) {
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{{
			Side: "BUY", Asset: "BTC", ProductID: "BTC-USD",
			AmountUSD: d("3"), AmountMode: "quote_usd",
		}},
		map[string]tradecontext.Balance{"USD": {Currency: "USD", AvailableQty: d("100")}},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	report := NewEngine(nil).Run(ctx)
	res := report.Results[0]
	assert.Equal(t, Ready, res.Status)
	assert.Empty(t, res.ReasonCode, "READY carries no reason code")
	assert.True(t, report.AllReady())
	// Fee model: 0.6% estimated.
	assert.True(t, res.EstimatedFeeUSD.Equal(d("0.018")), "got %s", res.EstimatedFeeUSD)
}

func buyAction(asset, amountUSD string) tradecontext.Action {
	return tradecontext.Action{
		Side: "BUY", Asset: asset, ProductID: asset + "-USD",
		AmountUSD: d(amountUSD), AmountMode: "quote_usd",
	}
}

// stubRecycler records the consult and returns a canned proposal.
type stubRecycler struct {
	called      bool
	requiredUSD decimal.Decimal
	result      RecycleResult
}

func (s *stubRecycler) CheckAndRecycle(tenantID string, requiredUSD decimal.Decimal, ctx *tradecontext.Context) RecycleResult {
	s.called = true
	s.requiredUSD = requiredUSD
	return s.result
}

func TestBuyInsufficientCashBlocked(t *testing.T) {
	// $1 cash against a $3 buy (+fee) and no recycler configured.
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{buyAction("BTC", "3")},
		map[string]tradecontext.Balance{"USD": {Currency: "USD", AvailableQty: d("1")}},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	res := NewEngine(nil).Run(ctx).Results[0]
	require.Equal(t, Blocked, res.Status)
	assert.Equal(t, InsufficientCash, res.ReasonCode)
	assert.Contains(t, res.UserMessage, "$3.02") // amount + 0.6% fee
	assert.Contains(t, res.UserMessage, "$1.00")
	assert.Contains(t, res.FixOptions, "Deposit USD")
}

func TestBuyMissingUSDKeyCountsAsZeroCash(t *testing.T) {
	// Snapshot data exists (a BTC position) but carries no USD key: cash is 0,
	// not unknown, so the buy is blocked rather than waved through.
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{buyAction("BTC", "3")},
		map[string]tradecontext.Balance{"BTC": {Currency: "BTC", AvailableQty: d("0.00001")}},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	res := NewEngine(nil).Run(ctx).Results[0]
	require.Equal(t, Blocked, res.Status)
	assert.Equal(t, InsufficientCash, res.ReasonCode)
}

func TestBuyWithNoBalanceDataSkipsCashCheck(t *testing.T) {
	// No executable state and no snapshot at all: non-LIVE contexts cannot
	// gate on cash and the buy proceeds to the remaining checks.
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{buyAction("BTC", "3")},
		map[string]tradecontext.Balance{},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	res := NewEngine(nil).Run(ctx).Results[0]
	assert.Equal(t, Ready, res.Status)
	assert.Empty(t, res.ReasonCode)
}

func TestBuyShortfallConsultsRecycler(t *testing.T) {
	recycler := &stubRecycler{result: RecycleResult{
		NeedsRecycle:   true,
		SellSymbol:     "ETH-USD",
		SellBaseSymbol: "ETH",
		SellAmountUSD:  d("2.50"),
		Reason:         "Auto-selling $2.50 of ETH to raise cash.",
	}}
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{buyAction("BTC", "3")},
		map[string]tradecontext.Balance{
			"USD": {Currency: "USD", AvailableQty: d("1")},
			"ETH": {Currency: "ETH", AvailableQty: d("0.01")},
		},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800"), "ETH": d("3000")},
	)

	res := NewEngine(recycler).Run(ctx).Results[0]
	assert.True(t, recycler.called)
	assert.True(t, recycler.requiredUSD.Equal(d("3")))
	require.Equal(t, Ready, res.Status, "a recycling proposal keeps the buy stageable")
	require.NotNil(t, res.AutoSell)
	assert.Equal(t, "ETH-USD", res.AutoSell.SellSymbol)
	assert.True(t, res.AutoSell.SellAmountUSD.Equal(d("2.50")))
}

func TestBuyShortfallWithNoRecyclableHoldingBlocks(t *testing.T) {
	recycler := &stubRecycler{result: RecycleResult{
		NeedsRecycle: true, // needed, but nothing sellable was found
		Reason:       "Insufficient funds. No sellable assets to raise cash.",
	}}
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{buyAction("BTC", "3")},
		map[string]tradecontext.Balance{"USD": {Currency: "USD", AvailableQty: d("1")}},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	res := NewEngine(recycler).Run(ctx).Results[0]
	assert.True(t, recycler.called)
	require.Equal(t, Blocked, res.Status)
	assert.Equal(t, InsufficientCash, res.ReasonCode)
	assert.Nil(t, res.AutoSell)
}

func TestPreflightIsPure(t *testing.T) {
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{sellAction("BTC", "10", false)},
		map[string]tradecontext.Balance{"BTC": {Currency: "BTC", AvailableQty: d("0.0001")}},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	engine := NewEngine(nil)
	first := engine.Run(ctx)
	second := engine.Run(ctx)
	assert.Equal(t, first, second)
}

func TestDiagnosticsDecisionsProjection(t *testing.T) {
	ctx := ctxWith("PAPER",
		[]tradecontext.Action{sellAction("BTC", "10", false)},
		map[string]tradecontext.Balance{"BTC": {Currency: "BTC", AvailableQty: d("0.0001")}},
		map[string]tradecontext.Rules{"BTC-USD": btcRules(metadata.SourcePreview, true)},
		map[string]decimal.Decimal{"BTC": d("22800")},
	)

	decisions := NewEngine(nil).Run(ctx).DiagnosticsDecisions()
	require.Contains(t, decisions, "SELL_BTC_QUOTE_USD")
	assert.Equal(t, "ADJUSTED", decisions["SELL_BTC_QUOTE_USD"]["status"])
	assert.Equal(t, "EXCEEDS_HOLDINGS", decisions["SELL_BTC_QUOTE_USD"]["reason_code"])
}
