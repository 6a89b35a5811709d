// Package reasoner is the advisory layer: it reasons about an already
// validated plan and annotates the confirmation with risk flags. It never
// modifies the plan, and it never fails the pipeline — on any error the
// deterministic template takes over.
package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Reasoning is the structured advisory output.
type Reasoning struct {
	Confidence      string   `json:"confidence"` // high | medium | low
	PlanSummary     string   `json:"plan_summary"`
	StepSummaries   []string `json:"step_summaries"`
	RiskFlags       []string `json:"risk_flags"`
	Warnings        []string `json:"warnings"`
	Alternatives    []string `json:"alternatives"`
	PortfolioImpact string   `json:"portfolio_impact,omitempty"`
	Reasoning       string   `json:"reasoning"`
}

// Input is the full context handed to the advisor.
type Input struct {
	UserText          string
	ValidActions      []ActionSummary
	Blocked           []BlockedSummary
	Portfolio         map[string]decimal.Decimal
	PortfolioTotalUSD decimal.Decimal
}

type ActionSummary struct {
	Side      string          `json:"side"`
	Asset     string          `json:"asset"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	SellAll   bool            `json:"sell_all"`
}

type BlockedSummary struct {
	Asset   string `json:"asset"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Advisor produces reasoning via an LLM endpoint when configured, template
// fallback otherwise.
type Advisor struct {
	apiKey string
	model  string
	url    string
	hc     *http.Client
}

func NewAdvisor(apiKey, model string) *Advisor {
	return &Advisor{
		apiKey: apiKey,
		model:  model,
		url:    "https://api.openai.com/v1/chat/completions",
		hc:     &http.Client{Timeout: 12 * time.Second},
	}
}

// Reason returns advisory output. It always returns a usable value.
func (a *Advisor) Reason(ctx context.Context, in Input) Reasoning {
	if a.apiKey == "" {
		return templateReasoning(in)
	}
	out, err := a.callModel(ctx, in)
	if err != nil {
		log.Warn().Err(err).Msg("Reasoner API failed; using template reasoning")
		return templateReasoning(in)
	}
	return out
}

const systemPrompt = `You are a trade plan advisor for a live crypto trading platform.
The plan is already validated against live balances; do not re-validate and do not change it.
Given JSON with user_text, valid_actions, blocked, portfolio, and portfolio_total_usd,
return ONLY a JSON object with fields: confidence (high|medium|low), plan_summary,
step_summaries, risk_flags, warnings, alternatives, portfolio_impact, reasoning.`

func (a *Advisor) callModel(ctx context.Context, in Input) (Reasoning, error) {
	userPayload, err := json.Marshal(map[string]any{
		"user_text":           in.UserText,
		"valid_actions":       in.ValidActions,
		"blocked":             in.Blocked,
		"portfolio":           in.Portfolio,
		"portfolio_total_usd": in.PortfolioTotalUSD,
	})
	if err != nil {
		return Reasoning{}, err
	}

	body, _ := json.Marshal(map[string]any{
		"model": a.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": string(userPayload)},
		},
		"response_format": map[string]string{"type": "json_object"},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return Reasoning{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	res, err := a.hc.Do(req)
	if err != nil {
		return Reasoning{}, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return Reasoning{}, fmt.Errorf("reasoner API status %d", res.StatusCode)
	}

	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return Reasoning{}, err
	}
	if len(envelope.Choices) == 0 {
		return Reasoning{}, fmt.Errorf("empty reasoner response")
	}

	var out Reasoning
	if err := json.Unmarshal([]byte(envelope.Choices[0].Message.Content), &out); err != nil {
		return Reasoning{}, fmt.Errorf("unparseable reasoner output: %w", err)
	}
	if out.Confidence == "" {
		out.Confidence = "medium"
	}
	return out, nil
}

// templateReasoning is the deterministic fallback so the pipeline never stalls
// on advisor failures.
func templateReasoning(in Input) Reasoning {
	confidence := "high"
	if len(in.Blocked) > 0 {
		confidence = "medium"
	}
	if len(in.ValidActions) == 0 {
		confidence = "low"
	}

	steps := make([]string, 0, len(in.ValidActions))
	for _, a := range in.ValidActions {
		if a.SellAll {
			steps = append(steps, fmt.Sprintf("%s all available %s", titleSide(a.Side), a.Asset))
			continue
		}
		steps = append(steps, fmt.Sprintf("%s $%s of %s", titleSide(a.Side), a.AmountUSD.StringFixed(2), a.Asset))
	}

	var alternatives []string
	for _, b := range in.Blocked {
		alternatives = append(alternatives, fmt.Sprintf("%s is blocked (%s); consider a different asset", b.Asset, b.Reason))
	}

	summary := "No executable trades in this request."
	if len(steps) > 0 {
		summary = strings.Join(steps, "; ") + "."
	}

	return Reasoning{
		Confidence:    confidence,
		PlanSummary:   summary,
		StepSummaries: steps,
		Alternatives:  alternatives,
		Reasoning:     "template fallback (advisor unavailable)",
	}
}

func titleSide(side string) string {
	s := strings.ToLower(side)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
