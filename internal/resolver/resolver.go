// Package resolver deterministically maps user-supplied symbols to executable
// product ids using executable balances and product tradability. It is the
// single source of truth for that mapping across planning, preflight, quotes,
// and execution.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/executable"
)

// Status classifies a resolution outcome. First match wins; statuses are never
// combined.
type Status string

const (
	OK          Status = "OK"
	NotHeld     Status = "NOT_HELD"
	QtyZero     Status = "QTY_ZERO"
	FundsOnHold Status = "FUNDS_ON_HOLD"
	NoProduct   Status = "NO_PRODUCT"
	NotTradable Status = "NOT_TRADABLE"
	LimitOnly   Status = "LIMIT_ONLY"
)

// userMessages phrase every blocked status with the symbol named. The strings
// "quantity unavailable" and "position not found" must never be produced.
var userMessages = map[Status]string{
	NotHeld:     "%s is not held in your executable balances.",
	QtyZero:     "Available quantity is 0 for %s.",
	FundsOnHold: "%s funds are on hold and not currently executable.",
	NoProduct:   "No tradable product found for %s on the exchange.",
	NotTradable: "%s is not currently tradable (trading is disabled or market is cancel-only).",
	LimitOnly:   "%s is currently limit-only; market orders are unavailable.",
}

// cashCurrencies are excluded from holdings resolution on both sides.
var cashCurrencies = map[string]bool{
	"USD": true, "USDC": true, "USDT": true, "DAI": true, "BUSD": true,
}

// Resolution is the outcome for a single symbol.
type Resolution struct {
	Symbol        string
	FoundInState  bool
	ExecutableQty decimal.Decimal
	HoldQty       decimal.Decimal
	ProductID     string
	BaseAsset     string
	QuoteAsset    string
	Status        Status
	UserMessage   string
}

func (r Resolution) IsOK() bool      { return r.Status == OK }
func (r Resolution) IsBlocked() bool { return r.Status != OK }

// NormalizeSymbol upper-cases and strips -USD / -USDC suffixes.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "-USD")
	s = strings.TrimSuffix(s, "-USDC")
	return strings.TrimSpace(s)
}

// ProductLookup answers catalog queries for the resolver.
type ProductLookup interface {
	GetProduct(productID string) (*database.CatalogProduct, error)
}

// Resolve classifies a single symbol against the executable state and catalog.
//
// Resolution order, first match wins:
//  1. not present in balances            → NOT_HELD
//  2. no online product (-USD, -USDC)    → NO_PRODUCT
//  3. disabled / cancel-only / delisted  → NOT_TRADABLE
//  4. limit-only                         → LIMIT_ONLY
//  5. available ≤ 0 and hold > 0         → FUNDS_ON_HOLD
//  6. available ≤ 0                      → QTY_ZERO
//  7. otherwise                          → OK
func Resolve(symbol string, state executable.State, lookup ProductLookup) Resolution {
	norm := NormalizeSymbol(symbol)
	bal, found := state.Balances[norm]

	res := Resolution{
		Symbol:       norm,
		FoundInState: found,
		BaseAsset:    norm,
		QuoteAsset:   "USD",
	}
	if found {
		res.ExecutableQty = bal.AvailableQty
		res.HoldQty = bal.HoldQty
	}

	productID, quote, product := lookupProduct(norm, lookup)
	res.ProductID = productID
	res.QuoteAsset = quote

	switch {
	case !found:
		res.Status = NotHeld
	case productID == "":
		res.Status = NoProduct
	case product != nil && (product.TradingDisabled || product.Status == "cancel_only" || product.Status == "delisted"):
		res.Status = NotTradable
	case product != nil && product.Status == "limit_only":
		res.Status = LimitOnly
	case !res.ExecutableQty.IsPositive() && res.HoldQty.IsPositive():
		res.Status = FundsOnHold
	case !res.ExecutableQty.IsPositive():
		res.Status = QtyZero
	default:
		res.Status = OK
	}

	if res.Status != OK {
		res.UserMessage = fmt.Sprintf(userMessages[res.Status], norm)
	}
	return res
}

func lookupProduct(symbol string, lookup ProductLookup) (string, string, *database.CatalogProduct) {
	if lookup == nil {
		return "", "USD", nil
	}
	for _, quote := range []string{"USD", "USDC"} {
		pid := symbol + "-" + quote
		if p, err := lookup.GetProduct(pid); err == nil && p != nil {
			return pid, quote, p
		}
	}
	return "", "USD", nil
}

// ResolveAllHoldings partitions every non-cash currency in the state into
// (tradable, skipped). The partition is disjoint; USD and the other cash
// currencies appear in neither list.
func ResolveAllHoldings(state executable.State, lookup ProductLookup) (tradable, skipped []Resolution) {
	symbols := make([]string, 0, len(state.Balances))
	for s := range state.Balances {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		if cashCurrencies[symbol] {
			continue
		}
		r := Resolve(symbol, state, lookup)
		if r.Status == OK && r.ExecutableQty.IsPositive() {
			tradable = append(tradable, r)
		} else {
			skipped = append(skipped, r)
		}
	}
	return tradable, skipped
}
