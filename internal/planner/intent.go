package planner

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Intent classification for a chat command. Anything the trade grammar cannot
// parse is small-talk or out of scope; full NLU lives outside this service.
type IntentKind string

const (
	IntentGreeting   IntentKind = "GREETING"
	IntentOutOfScope IntentKind = "OUT_OF_SCOPE"
	IntentTrade      IntentKind = "TRADE"
)

// ParsedAction is one (side, asset, amount) triplet from the user text.
type ParsedAction struct {
	Side      string
	Asset     string
	AmountUSD decimal.Decimal
	SellAll   bool
}

type Intent struct {
	Kind    IntentKind
	Actions []ParsedAction
}

var (
	greetingRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|good (morning|afternoon|evening))\b`)
	// "buy $3 of BTC", "sell $10 BTC"
	amountTradeRe = regexp.MustCompile(`(?i)\b(buy|sell)\s+\$?([0-9]+(?:\.[0-9]+)?)\s*(?:usd\s+)?(?:of\s+|worth\s+of\s+)?([A-Za-z]{2,10})\b`)
	// "sell all BTC", "sell all my BTC"
	sellAllRe = regexp.MustCompile(`(?i)\bsell\s+all\s+(?:my\s+)?([A-Za-z]{2,10})\b`)
)

// ParseIntent classifies free-form text into a trade intent.
func ParseIntent(text string) Intent {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Intent{Kind: IntentOutOfScope}
	}

	var actions []ParsedAction
	seen := map[string]bool{}

	for _, m := range sellAllRe.FindAllStringSubmatch(trimmed, -1) {
		asset := strings.ToUpper(m[1])
		if skipWord(asset) || seen["SELL_"+asset] {
			continue
		}
		seen["SELL_"+asset] = true
		actions = append(actions, ParsedAction{Side: "SELL", Asset: asset, SellAll: true})
	}

	for _, m := range amountTradeRe.FindAllStringSubmatch(trimmed, -1) {
		side := strings.ToUpper(m[1])
		asset := strings.ToUpper(m[3])
		if skipWord(asset) || seen[side+"_"+asset] {
			continue
		}
		amount, err := decimal.NewFromString(m[2])
		if err != nil || !amount.IsPositive() {
			continue
		}
		seen[side+"_"+asset] = true
		actions = append(actions, ParsedAction{Side: side, Asset: asset, AmountUSD: amount})
	}

	if len(actions) > 0 {
		return Intent{Kind: IntentTrade, Actions: actions}
	}
	if greetingRe.MatchString(trimmed) {
		return Intent{Kind: IntentGreeting}
	}
	return Intent{Kind: IntentOutOfScope}
}

// skipWord filters grammar words the asset regex can capture.
func skipWord(token string) bool {
	switch token {
	case "OF", "MY", "ALL", "USD", "WORTH", "THE", "SOME":
		return true
	}
	return false
}
