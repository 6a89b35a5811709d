package preflight

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/tradecontext"
)

// RecycleResult describes whether an auto-sell is needed to fund a BUY and
// what to sell. The proposal still goes through the normal confirmation flow.
type RecycleResult struct {
	NeedsRecycle    bool            `json:"needs_recycle"`
	SellSymbol      string          `json:"sell_symbol,omitempty"`      // "BTC-USD"
	SellBaseSymbol  string          `json:"sell_base_symbol,omitempty"` // "BTC"
	SellAmountUSD   decimal.Decimal `json:"sell_amount_usd"`
	AvailableCash   decimal.Decimal `json:"available_cash"`
	RequiredCash    decimal.Decimal `json:"required_cash"`
	Reason          string          `json:"reason"`
	HoldingsChecked int             `json:"holdings_checked"`
}

var (
	dustFloorUSD  = decimal.RequireFromString("0.50")
	minSellUSD    = decimal.NewFromInt(1)
	feeBufferUSD  = decimal.RequireFromString("0.02")
	roundingBump  = decimal.RequireFromString("0.01")
)

// FundsRecycler finds the best holding to sell when cash cannot cover a BUY.
// Selection: most-recently-bought first (orders table), then largest USD
// value; holdings under ~$0.50 are never proposed.
type FundsRecycler struct {
	db *database.Database
}

func NewFundsRecycler(db *database.Database) *FundsRecycler {
	return &FundsRecycler{db: db}
}

func (f *FundsRecycler) CheckAndRecycle(tenantID string, requiredUSD decimal.Decimal, ctx *tradecontext.Context) RecycleResult {
	totalNeeded := requiredUSD.Add(requiredUSD.Mul(FeeRate)).Add(feeBufferUSD)

	usdBal, _ := ctx.Balance("USD")
	cash := usdBal.AvailableQty

	if cash.GreaterThanOrEqual(totalNeeded) {
		return RecycleResult{
			NeedsRecycle:  false,
			AvailableCash: cash,
			RequiredCash:  totalNeeded,
			Reason:        "Sufficient cash available",
		}
	}

	shortfall := totalNeeded.Sub(cash)
	candidate := f.findSellable(tenantID, ctx, shortfall)
	if candidate == nil {
		return RecycleResult{
			NeedsRecycle:    true,
			AvailableCash:   cash,
			RequiredCash:    totalNeeded,
			Reason:          "Insufficient funds. No sellable assets to raise cash.",
			HoldingsChecked: len(ctx.Balances()),
		}
	}

	// Gross up for the sell's own fee and round past dust.
	sellAmount := candidate.sellUSD.Div(decimal.NewFromInt(1).Sub(FeeRate)).Add(roundingBump).Round(2)

	return RecycleResult{
		NeedsRecycle:    true,
		SellSymbol:      candidate.productID,
		SellBaseSymbol:  candidate.base,
		SellAmountUSD:   sellAmount,
		AvailableCash:   cash,
		RequiredCash:    totalNeeded,
		Reason: fmt.Sprintf("Need $%s but only $%s available. Auto-selling $%s of %s to raise cash.",
			totalNeeded.StringFixed(2), cash.StringFixed(2), sellAmount.StringFixed(2), candidate.base),
		HoldingsChecked: len(ctx.Balances()),
	}
}

type sellCandidate struct {
	productID string
	base      string
	usdValue  decimal.Decimal
	sellUSD   decimal.Decimal
	recency   int
}

func (f *FundsRecycler) findSellable(tenantID string, ctx *tradecontext.Context, shortfall decimal.Decimal) *sellCandidate {
	recentBuys, err := f.db.RecentBuySymbols(tenantID, 10)
	if err != nil {
		log.Warn().Err(err).Msg("Recycler: recent buy lookup failed")
	}
	recencyOf := func(productID string) int {
		for i, s := range recentBuys {
			if s == productID {
				return i
			}
		}
		return len(recentBuys) + 1
	}

	var best *sellCandidate
	for ccy, bal := range ctx.Balances() {
		base := strings.ToUpper(ccy)
		if base == "USD" || base == "USDC" || base == "USDT" || !bal.AvailableQty.IsPositive() {
			continue
		}
		price := ctx.Price(base)
		if !price.IsPositive() {
			continue
		}
		usdValue := bal.AvailableQty.Mul(price)
		if usdValue.LessThan(dustFloorUSD) {
			continue
		}

		sellUSD := decimal.Min(shortfall, usdValue)
		if sellUSD.LessThan(minSellUSD) {
			sellUSD = minSellUSD
		}

		c := &sellCandidate{
			productID: base + "-USD",
			base:      base,
			usdValue:  usdValue,
			sellUSD:   sellUSD,
			recency:   recencyOf(base + "-USD"),
		}
		if best == nil ||
			c.recency < best.recency ||
			(c.recency == best.recency && c.usdValue.GreaterThan(best.usdValue)) {
			best = c
		}
	}
	return best
}
