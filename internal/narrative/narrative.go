// Package narrative formats user-facing trade messages. Every narrative
// satisfies one contract: 3–6 double-newline-separated paragraphs, no
// paragraph over 200 characters, the last paragraph carrying 2–4 evidence
// links, and no internal token names leaking to the chat surface.
package narrative

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	paragraphSep  = "\n\n"
	maxLineLength = 200
	minParagraphs = 3
	maxParagraphs = 6
)

// forbiddenTokens are internal identifiers that must never reach the user.
var forbiddenTokens = regexp.MustCompile(
	`(?i)(run_id|node_id|tenant_id|client_order_id|artifact_json|dag_node|` +
		`trade_proposal_json|locked_product_id|snapshot_id|balances_json|sqlite|traceback)`)

var evidenceLinkRe = regexp.MustCompile(`\[[^\]]+\]\([^)]+\)`)

// Evidence is one clickable reference attached to a narrative.
type Evidence struct {
	Label string
	Href  string
}

// Validate asserts the narrative contract and returns the text unchanged.
func Validate(text string) (string, error) {
	lines := strings.Split(text, paragraphSep)
	if len(lines) < minParagraphs || len(lines) > maxParagraphs {
		return "", fmt.Errorf("narrative must have %d-%d paragraphs, found %d", minParagraphs, maxParagraphs, len(lines))
	}
	for i, line := range lines {
		if len(line) > maxLineLength {
			return "", fmt.Errorf("paragraph %d exceeds %d chars", i+1, maxLineLength)
		}
		if forbiddenTokens.MatchString(line) {
			return "", fmt.Errorf("paragraph %d contains a forbidden internal token", i+1)
		}
	}
	links := evidenceLinkRe.FindAllString(lines[len(lines)-1], -1)
	if len(links) < 2 || len(links) > 4 {
		return "", fmt.Errorf("evidence line must have 2-4 links, found %d", len(links))
	}
	return text, nil
}

func formatEvidence(items []Evidence) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		href := item.Href
		if href == "" {
			href = "url:/runs"
		}
		label := item.Label
		if label == "" {
			label = "Evidence"
		}
		parts = append(parts, fmt.Sprintf("[%s](%s)", label, href))
	}
	return "Evidence: " + strings.Join(parts, " · ")
}

func truncateLine(line string) string {
	if len(line) <= maxLineLength {
		return line
	}
	return line[:maxLineLength-len("…")] + "…"
}

// TradeConfirmation builds the pre-confirmation narrative.
func TradeConfirmation(side, asset string, amountUSD decimal.Decimal, sellAll bool, mode string, evidence []Evidence) (string, error) {
	var what string
	if sellAll {
		what = fmt.Sprintf("Staged: %s ALL %s at market.", strings.ToUpper(side), asset)
	} else {
		what = fmt.Sprintf("Staged: %s $%s of %s at market.", strings.ToUpper(side), amountUSD.StringFixed(2), asset)
	}
	lines := []string{
		truncateLine(what),
		truncateLine(fmt.Sprintf("Mode is %s. Reply CONFIRM to execute or CANCEL to discard; this offer expires in 5 minutes.", mode)),
		formatEvidence(defaultEvidence(evidence)),
	}
	return Validate(strings.Join(lines, paragraphSep))
}

// TradeExecution builds the post-execution narrative.
func TradeExecution(side, asset string, amountUSD decimal.Decimal, filled bool, mode string, evidence []Evidence) (string, error) {
	status := "Order submitted, awaiting fill confirmation from the venue."
	if filled {
		status = "Order filled; holdings update in a few seconds."
	}
	lines := []string{
		truncateLine(fmt.Sprintf("Executed: %s $%s of %s (%s mode).", strings.ToUpper(side), amountUSD.StringFixed(2), asset, mode)),
		truncateLine(status),
		formatEvidence(defaultEvidence(evidence)),
	}
	return Validate(strings.Join(lines, paragraphSep))
}

// TradeBlocked builds the rejection narrative. The reason must already name
// the symbol and its status.
func TradeBlocked(asset, reason string, fixOptions []string, evidence []Evidence) (string, error) {
	options := "Reply with a different request to continue."
	if len(fixOptions) > 0 {
		options = "Options: " + strings.Join(fixOptions, " · ")
	}
	lines := []string{
		truncateLine(fmt.Sprintf("Trade for %s was not staged.", asset)),
		truncateLine(reason),
		truncateLine(options),
		formatEvidence(defaultEvidence(evidence)),
	}
	return Validate(strings.Join(lines, paragraphSep))
}

func defaultEvidence(items []Evidence) []Evidence {
	if len(items) >= 2 {
		if len(items) > 4 {
			return items[:4]
		}
		return items
	}
	out := append([]Evidence{}, items...)
	defaults := []Evidence{
		{Label: "Runs", Href: "url:/runs"},
		{Label: "Portfolio", Href: "url:/portfolio"},
	}
	for _, d := range defaults {
		if len(out) >= 2 {
			break
		}
		out = append(out, d)
	}
	return out
}
