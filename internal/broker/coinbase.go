package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/ids"
	"github.com/execdesk/execdesk/internal/metadata"
	"github.com/execdesk/execdesk/internal/telemetry"
)

const (
	submitTimeout    = 10 * time.Second
	pollTimeout      = 30 * time.Second
	pollInterval     = time.Second
	maxPollErrors    = 5
	maxSubmitRetries = 3
)

// epsilon guards the increment floor division against binary float drift in
// upstream balance values.
var epsilon = decimal.RequireFromString("0.0000000001")

// PriceFunc returns the current price for a product id, zero when unknown.
type PriceFunc func(productID string) decimal.Decimal

// Coinbase places market IOC orders on Coinbase Advanced Trade.
type Coinbase struct {
	db            *database.Database
	meta          *metadata.Service
	priceOf       PriceFunc
	apiBase       string
	apiHost       string
	signer        *jwtSigner
	hc            *http.Client
	debugMinRules bool
}

// CoinbaseOptions carries construction-time wiring.
type CoinbaseOptions struct {
	APIBase       string
	KeyName       string
	PrivatePEM    string
	DebugMinRules bool
}

func NewCoinbase(db *database.Database, meta *metadata.Service, priceOf PriceFunc, opts CoinbaseOptions) (*Coinbase, error) {
	u, err := url.Parse(opts.APIBase)
	if err != nil {
		return nil, fmt.Errorf("invalid api base: %w", err)
	}
	c := &Coinbase{
		db:            db,
		meta:          meta,
		priceOf:       priceOf,
		apiBase:       strings.TrimRight(opts.APIBase, "/"),
		apiHost:       u.Host,
		hc:            &http.Client{Timeout: submitTimeout},
		debugMinRules: opts.DebugMinRules,
	}
	if opts.KeyName != "" && opts.PrivatePEM != "" {
		signer, err := newJWTSigner(opts.KeyName, opts.PrivatePEM)
		if err != nil {
			return nil, err
		}
		c.signer = signer
	}
	return c, nil
}

func (c *Coinbase) Name() string { return "COINBASE" }

// AuthHeaders is the metadata.AuthFunc for this provider's credentials.
func (c *Coinbase) AuthHeaders(method, path string) (map[string]string, error) {
	if c.signer == nil {
		return nil, errs.New(errs.CredentialsMissing, "coinbase credentials not configured")
	}
	token, err := c.signer.Mint(method, c.apiHost, path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// PlaceOrder submits one market IOC order with side-aware configuration.
//
// Coinbase market order rules: BUY specifies quote_size (USD to spend); SELL
// specifies base_size (crypto units). A SELL with quote_size is rejected by
// the venue as UNSUPPORTED_ORDER_CONFIGURATION, so that combination is never
// built here.
func (c *Coinbase) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = ids.NewClientOrder()
	}

	// Idempotency: a replayed client_order_id returns the original order.
	if existing, err := c.db.FindOrderByClientID(req.TenantID, c.Name(), req.ClientOrderID); err == nil && existing != nil {
		log.Info().Str("client_order_id", req.ClientOrderID).Str("order_id", existing.OrderID).
			Msg("Duplicate client_order_id; returning existing order")
		return existing.OrderID, nil
	}

	rules := c.meta.Resolve(ctx, req.Symbol, true)
	if !rules.Success && req.Side == "SELL" {
		// SELL needs precision rules; never guess them.
		return "", errs.Newf(errs.ProductDetailsUnavailable,
			"cannot place SELL order for %s: product details unavailable", req.Symbol)
	}

	var orderConfig map[string]map[string]string
	var qty decimal.Decimal
	var sellPrice decimal.Decimal

	if req.Side == "BUY" {
		orderConfig = map[string]map[string]string{
			"market_market_ioc": {"quote_size": req.NotionalUSD.StringFixed(2)},
		}
	} else {
		baseSize := req.Qty
		if !baseSize.IsPositive() {
			sellPrice = c.priceOf(req.Symbol)
			if !sellPrice.IsPositive() {
				return "", errs.Newf(errs.ExecutionFailed,
					"cannot determine price for %s to convert $%s to base units", req.Symbol, req.NotionalUSD.StringFixed(2))
			}
			baseSize = req.NotionalUSD.Div(sellPrice)
		}

		var err error
		baseSize, err = alignAndValidateSell(req.Symbol, baseSize, sellPrice, rules.Rules)
		if err != nil {
			return "", err
		}
		qty = baseSize
		req.Qty = baseSize // preview and persistence see the aligned size

		if c.debugMinRules && req.RunID != "" {
			c.emitMinRulesTrace(req, baseSize, sellPrice, rules)
		}

		orderConfig = map[string]map[string]string{
			"market_market_ioc": {"base_size": baseSize.StringFixed(8)},
		}
	}

	// Pre-submission dry run; a minimum-phrase rejection is final.
	if preview := c.PreviewOrder(ctx, req); preview.Available && !preview.Accepted {
		joined := strings.Join(preview.Errors, "; ")
		if strings.Contains(strings.ToLower(joined), "minimum") {
			return "", errs.Newf(errs.BelowMinimumSize, "order preview rejected: %s", joined)
		}
		return "", errs.Newf(errs.OrderRejected, "order preview rejected: %s", joined)
	}

	c.persistOrderRules(req, rules, qty, sellPrice)

	payload := map[string]any{
		"product_id":          req.Symbol,
		"side":                req.Side,
		"order_configuration": orderConfig,
		"client_order_id":     req.ClientOrderID,
	}
	orderID, err := c.submitWithRetry(ctx, req, payload, qty)
	if err != nil {
		return "", err
	}

	telemetry.Orders.WithLabelValues("LIVE", req.Side).Inc()
	c.pollUntilTerminal(ctx, orderID, req.RunID, req.TenantID)
	return orderID, nil
}

// alignAndValidateSell applies the canonical decimal sizing algorithm:
// floor((base − ε) / increment) · increment, then validates the result against
// base_min_size. price may be zero when the caller passed an explicit qty.
func alignAndValidateSell(productID string, baseSize, price decimal.Decimal, rules *metadata.ProductRules) (decimal.Decimal, error) {
	increment := decimal.RequireFromString("0.00000001")
	baseMin := decimal.Zero
	if rules != nil {
		if inc, err := decimal.NewFromString(rules.BaseIncrement); err == nil && inc.IsPositive() {
			increment = inc
		}
		if bm, err := decimal.NewFromString(rules.BaseMinSize); err == nil && bm.IsPositive() {
			baseMin = bm
		}
	}

	aligned := baseSize.Sub(epsilon).Div(increment).Floor().Mul(increment)
	if !aligned.IsPositive() {
		return decimal.Zero, errs.Newf(errs.BelowMinimumSize,
			"SELL amount is too small for %s (rounds to 0 base units at increment %s)",
			productID, increment.String())
	}
	if baseMin.IsPositive() && aligned.LessThan(baseMin) {
		minUSD := "unknown"
		if price.IsPositive() {
			minUSD = "$" + baseMin.Mul(price).StringFixed(2)
		}
		return decimal.Zero, errs.Newf(errs.BelowMinimumSize,
			"SELL base_size %s is below minimum %s for %s (~%s)",
			aligned.StringFixed(8), baseMin.String(), productID, minUSD)
	}
	return aligned, nil
}

type submitResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error        string `json:"error"`
		Message      string `json:"message"`
		ErrorDetails string `json:"error_details"`
	} `json:"error_response"`
}

func (c *Coinbase) submitWithRetry(ctx context.Context, req OrderRequest, payload map[string]any, qty decimal.Decimal) (string, error) {
	path := "/api/v3/brokerage/orders"
	body, _ := json.Marshal(payload)

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxSubmitRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("User-Agent", "execdesk/broker")
		headers, err := c.AuthHeaders(http.MethodPost, path)
		if err != nil {
			return "", err
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		res, err := c.hc.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		raw, _ := io.ReadAll(res.Body)
		res.Body.Close()

		// Transient statuses are retried; 4xx business errors are final.
		switch res.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("transient status %d", res.StatusCode)
			log.Warn().Int("status", res.StatusCode).Int("attempt", attempt).
				Str("symbol", req.Symbol).Msg("Transient order submit error; retrying")
			continue
		}
		if res.StatusCode >= 400 {
			reason := fmt.Sprintf("status %d: %s", res.StatusCode, truncate(string(raw), 300))
			c.persistRejected(req, qty, reason)
			return "", errs.Newf(errs.OrderRejected, "coinbase order rejected: %s", reason)
		}

		var parsed submitResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return "", errs.Newf(errs.BrokerAPIError, "malformed order response: %v", err)
		}
		if !parsed.Success && parsed.ErrorResponse.Error != "" {
			reason := fmt.Sprintf("%s: %s%s", parsed.ErrorResponse.Error,
				parsed.ErrorResponse.Message, parsed.ErrorResponse.ErrorDetails)
			c.persistRejected(req, qty, reason)
			return "", errs.Newf(errs.OrderRejected, "coinbase order rejected: %s", reason)
		}

		orderID := parsed.SuccessResponse.OrderID
		if orderID == "" {
			orderID = ids.NewOrder()
			log.Warn().Str("symbol", req.Symbol).Msg("No order_id in submit response; using generated id")
		}

		if err := c.db.InsertOrder(&database.Order{
			OrderID:       orderID,
			RunID:         req.RunID,
			TenantID:      req.TenantID,
			Provider:      c.Name(),
			Symbol:        req.Symbol,
			Side:          req.Side,
			OrderType:     "MARKET",
			Qty:           qty,
			NotionalUSD:   req.NotionalUSD,
			Status:        "SUBMITTED",
			ClientOrderID: req.ClientOrderID,
			ParentOrderID: req.ParentOrderID,
		}); err != nil {
			return "", err
		}
		c.appendOrderEvent(orderID, "SUBMITTED", map[string]any{"order_id": orderID})
		log.Info().Str("order_id", orderID).Str("symbol", req.Symbol).Str("side", req.Side).
			Str("notional_usd", req.NotionalUSD.StringFixed(2)).Msg("Order placed on Coinbase")
		return orderID, nil
	}

	err := errs.Newf(errs.OrderTimeout, "order placement failed after %d attempts: %v", maxSubmitRetries, lastErr)
	c.persistRejected(req, qty, err.Message)
	return "", err
}

func (c *Coinbase) persistRejected(req OrderRequest, qty decimal.Decimal, reason string) {
	now := time.Now().UTC()
	_ = c.db.InsertOrder(&database.Order{
		OrderID:         ids.NewOrder(),
		RunID:           req.RunID,
		TenantID:        req.TenantID,
		Provider:        c.Name(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       "MARKET",
		Qty:             qty,
		NotionalUSD:     req.NotionalUSD,
		Status:          "REJECTED",
		ClientOrderID:   req.ClientOrderID,
		ParentOrderID:   req.ParentOrderID,
		StatusReason:    truncate(reason, 500),
		StatusUpdatedAt: &now,
	})
}

// pollUntilTerminal polls the historical order endpoint until a terminal state
// or timeout. On FILLED it ingests fills. Persistent errors leave the order in
// its last observed status with a "Polling ended" reason.
func (c *Coinbase) pollUntilTerminal(ctx context.Context, orderID, runID, tenantID string) {
	deadline := time.Now().Add(pollTimeout)
	var lastStatus string
	consecutiveErrors := 0

	for time.Now().Before(deadline) {
		status, err := c.GetOrderHistory(ctx, orderID)
		if err != nil || status == nil {
			consecutiveErrors++
			if consecutiveErrors >= maxPollErrors {
				log.Warn().Str("order_id", orderID).Int("errors", consecutiveErrors).
					Msg("Order polling stopped after consecutive errors")
				c.finishPolling(orderID, lastStatus, "POLL_FAILED")
				return
			}
		} else {
			consecutiveErrors = 0
			lastStatus = status.Status
			_ = c.db.UpdateOrderStatus(orderID, status.Status, status.RejectReason)
			c.appendOrderEvent(orderID, status.Status, map[string]any{
				"status": status.Status, "reject_reason": status.RejectReason,
			})
			if isTerminal(status.Status) {
				if status.Status == "FILLED" {
					c.ingestFills(ctx, orderID, runID, tenantID)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			c.finishPolling(orderID, lastStatus, "TIMEOUT")
			return
		case <-time.After(pollInterval):
		}
	}
	c.finishPolling(orderID, lastStatus, "TIMEOUT")
}

func (c *Coinbase) finishPolling(orderID, lastStatus, how string) {
	reason := "Polling ended: " + how
	log.Warn().Str("order_id", orderID).Str("last_status", lastStatus).Msg(reason)
	if lastStatus != "" {
		_ = c.db.TouchOrderStatusReason(orderID, reason)
	} else {
		_ = c.db.UpdateOrderStatus(orderID, "SUBMITTED", reason)
	}
}

// ingestFills fetches fills, stores them, and writes VWAP aggregates back to
// the order row.
func (c *Coinbase) ingestFills(ctx context.Context, orderID, runID, tenantID string) {
	fills, err := c.GetFills(ctx, orderID)
	if err != nil || len(fills) == 0 {
		if err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("Fill fetch failed")
		}
		return
	}

	totalSize := decimal.Zero
	totalFees := decimal.Zero
	weighted := decimal.Zero
	for _, f := range fills {
		_ = c.db.InsertFill(&database.Fill{
			FillID:             ids.NewFill(),
			OrderID:            orderID,
			RunID:              runID,
			TenantID:           tenantID,
			ProductID:          f.ProductID,
			Price:              f.Price,
			Size:               f.Size,
			Fee:                f.Fee,
			TradeID:            f.TradeID,
			LiquidityIndicator: f.Liquidity,
			FilledAt:           f.FilledAt,
		})
		totalSize = totalSize.Add(f.Size)
		totalFees = totalFees.Add(f.Fee)
		weighted = weighted.Add(f.Price.Mul(f.Size))
	}
	avg := decimal.Zero
	if totalSize.IsPositive() {
		avg = weighted.Div(totalSize)
	}
	_ = c.db.SetOrderFillAggregates(orderID, totalSize, avg, totalFees)
}

// PreviewOrder consults the venue's preview endpoint when authenticated.
// Unknown response shapes or transport errors degrade to Available=false so
// callers fall back to metadata-only validation.
func (c *Coinbase) PreviewOrder(ctx context.Context, req OrderRequest) PreviewResult {
	if c.signer == nil {
		return PreviewResult{Available: false}
	}
	path := "/api/v3/brokerage/orders/preview"
	var sizeField map[string]string
	if req.Side == "BUY" {
		sizeField = map[string]string{"quote_size": req.NotionalUSD.StringFixed(2)}
	} else {
		sizeField = map[string]string{"base_size": req.Qty.StringFixed(8)}
	}
	payload := map[string]any{
		"product_id":          req.Symbol,
		"side":                req.Side,
		"order_configuration": map[string]any{"market_market_ioc": sizeField},
	}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return PreviewResult{Available: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	headers, err := c.AuthHeaders(http.MethodPost, path)
	if err != nil {
		return PreviewResult{Available: false}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	res, err := c.hc.Do(httpReq)
	if err != nil {
		return PreviewResult{Available: false}
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return PreviewResult{Available: false}
	}

	var parsed struct {
		Errs []string `json:"errs"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return PreviewResult{Available: false}
	}
	return PreviewResult{Available: true, Accepted: len(parsed.Errs) == 0, Errors: parsed.Errs}
}

// GetBalances reads the accounts endpoint: available_balance → Available,
// hold → Hold, currencies upper-cased.
func (c *Coinbase) GetBalances(ctx context.Context) (map[string]Balance, error) {
	path := "/api/v3/brokerage/accounts?limit=250"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path, nil)
	if err != nil {
		return nil, err
	}
	headers, err := c.AuthHeaders(http.MethodGet, "/api/v3/brokerage/accounts")
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return nil, errs.Newf(errs.BrokerAPIError, "accounts %d: %s", res.StatusCode, string(b))
	}

	var payload struct {
		Accounts []struct {
			UUID             string `json:"uuid"`
			Currency         string `json:"currency"`
			UpdatedAt        string `json:"updated_at"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
			Hold struct {
				Value string `json:"value"`
			} `json:"hold"`
		} `json:"accounts"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, err
	}

	balances := make(map[string]Balance, len(payload.Accounts))
	for _, acc := range payload.Accounts {
		ccy := strings.ToUpper(strings.TrimSpace(acc.Currency))
		if ccy == "" {
			continue
		}
		updated, _ := time.Parse(time.RFC3339, acc.UpdatedAt)
		balances[ccy] = Balance{
			Currency:    ccy,
			Available:   parseDecimal(acc.AvailableBalance.Value),
			Hold:        parseDecimal(acc.Hold.Value),
			AccountUUID: acc.UUID,
			UpdatedAt:   updated,
		}
	}
	return balances, nil
}

func (c *Coinbase) GetOrderHistory(ctx context.Context, orderID string) (*OrderStatus, error) {
	path := "/api/v3/brokerage/orders/historical/" + orderID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path, nil)
	if err != nil {
		return nil, err
	}
	headers, err := c.AuthHeaders(http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return nil, errs.Newf(errs.BrokerAPIError, "order status %d", res.StatusCode)
	}

	var payload struct {
		Order struct {
			OrderID      string `json:"order_id"`
			Status       string `json:"status"`
			RejectReason string `json:"reject_reason"`
		} `json:"order"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &OrderStatus{
		OrderID:      payload.Order.OrderID,
		Status:       strings.ToUpper(payload.Order.Status),
		RejectReason: payload.Order.RejectReason,
	}, nil
}

func (c *Coinbase) GetFills(ctx context.Context, orderID string) ([]FillData, error) {
	path := "/api/v3/brokerage/orders/historical/fills"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiBase+path+"?order_id="+url.QueryEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	headers, err := c.AuthHeaders(http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return nil, errs.Newf(errs.BrokerAPIError, "fills %d", res.StatusCode)
	}

	var payload struct {
		Fills []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
			Size      string `json:"size"`
			Commission string `json:"commission"`
			TradeID   string `json:"trade_id"`
			Liquidity string `json:"liquidity_indicator"`
			TradeTime string `json:"trade_time"`
		} `json:"fills"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, err
	}

	out := make([]FillData, 0, len(payload.Fills))
	for _, f := range payload.Fills {
		filledAt, _ := time.Parse(time.RFC3339, f.TradeTime)
		if filledAt.IsZero() {
			filledAt = time.Now().UTC()
		}
		out = append(out, FillData{
			ProductID: f.ProductID,
			Price:     parseDecimal(f.Price),
			Size:      parseDecimal(f.Size),
			Fee:       parseDecimal(f.Commission),
			TradeID:   f.TradeID,
			Liquidity: strings.ToUpper(f.Liquidity),
			FilledAt:  filledAt,
		})
	}
	return out, nil
}

func (c *Coinbase) persistOrderRules(req OrderRequest, rules metadata.Result, qty, price decimal.Decimal) {
	if req.RunID == "" {
		return
	}
	artifact := map[string]any{
		"product_id":   req.Symbol,
		"side":         req.Side,
		"notional_usd": req.NotionalUSD,
		"rule_source":  rules.Source,
		"verified":     rules.Verified,
	}
	if rules.Rules != nil {
		artifact["base_min_size"] = rules.Rules.BaseMinSize
		artifact["base_increment"] = rules.Rules.BaseIncrement
		artifact["min_market_funds"] = rules.Rules.MinMarketFunds
		artifact["quote_increment"] = rules.Rules.QuoteIncrement
	}
	if req.Side == "SELL" {
		artifact["computed_base_size"] = qty
		if price.IsPositive() {
			artifact["current_price"] = price
		}
		artifact["rounding_applied"] = true
	}
	raw, _ := json.Marshal(artifact)
	_ = c.db.SaveArtifact(&database.RunArtifact{
		RunID: req.RunID, StepName: "execution", ArtifactType: "order_rules", ArtifactJSON: string(raw),
	})
}

func (c *Coinbase) emitMinRulesTrace(req OrderRequest, baseSize, price decimal.Decimal, rules metadata.Result) {
	trace := map[string]any{
		"product_id":          req.Symbol,
		"requested_base_size": baseSize,
		"requested_notional":  req.NotionalUSD,
		"rule_source":         rules.Source,
	}
	if rules.Rules != nil {
		trace["base_min_size"] = rules.Rules.BaseMinSize
		trace["base_increment"] = rules.Rules.BaseIncrement
	}
	if price.IsPositive() {
		trace["current_price"] = price
	}
	raw, _ := json.Marshal(trace)
	_ = c.db.SaveArtifact(&database.RunArtifact{
		RunID: req.RunID, StepName: "execution", ArtifactType: "min_rules_trace", ArtifactJSON: string(raw),
	})
}

func (c *Coinbase) appendOrderEvent(orderID, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	_ = c.db.AppendOrderEvent(&database.OrderEvent{
		OrderID: orderID, EventType: eventType, PayloadJSON: string(raw),
	})
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
