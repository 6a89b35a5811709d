// Package metadata resolves per-product trading rules through a strict
// precedence chain:
//
//  1. fresh cache (≤1h, product_details table)
//  2. live brokerage API with backoff retry
//  3. stale cache (≤24h) when allowStale
//  4. product catalog (public listing, persistent)
//  5. safe fallback table for major pairs
//  6. failure — callers must block the action, never invent values
//
// Rules from tier 2 are verified; everything below is estimated and labelled
// by its source so downstream messages can say so.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/execdesk/execdesk/internal/catalog"
	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
)

// RuleSource labels the provenance of resolved product rules.
type RuleSource string

const (
	SourcePreview     RuleSource = "preview"
	SourceCatalog     RuleSource = "catalog"
	SourceFallback    RuleSource = "fallback"
	SourceUnavailable RuleSource = "unavailable"
)

// ProductRules is the rule payload handed to the context builder.
type ProductRules struct {
	ProductID       string
	BaseCurrency    string
	QuoteCurrency   string
	BaseMinSize     string
	BaseIncrement   string
	QuoteIncrement  string
	MinMarketFunds  string
	Status          string
	TradingDisabled bool
}

// Result is the outcome of a rules resolution.
type Result struct {
	Success         bool
	Rules           *ProductRules
	Source          RuleSource
	Verified        bool // true iff rules came from the live brokerage API or fresh cache of it
	UsedStaleCache  bool
	CacheAgeSeconds int
	ErrorCode       errs.Code
	ErrorMessage    string
}

// safeFallbackRules are conservative values for major pairs, used as the final
// tier when everything else misses. base_min_size values are base quantities.
var safeFallbackRules = map[string]ProductRules{
	"BTC-USD":  {BaseMinSize: "0.00001", BaseIncrement: "0.00000001", QuoteIncrement: "0.01", MinMarketFunds: "1.00", Status: "online"},
	"ETH-USD":  {BaseMinSize: "0.0001", BaseIncrement: "0.00000001", QuoteIncrement: "0.01", MinMarketFunds: "1.00", Status: "online"},
	"SOL-USD":  {BaseMinSize: "0.01", BaseIncrement: "0.00000001", QuoteIncrement: "0.01", MinMarketFunds: "1.00", Status: "online"},
	"LTC-USD":  {BaseMinSize: "0.001", BaseIncrement: "0.00000001", QuoteIncrement: "0.01", MinMarketFunds: "1.00", Status: "online"},
	"DOGE-USD": {BaseMinSize: "1.00", BaseIncrement: "0.00000001", QuoteIncrement: "0.0001", MinMarketFunds: "1.00", Status: "online"},
	"ADA-USD":  {BaseMinSize: "1.00", BaseIncrement: "0.00000001", QuoteIncrement: "0.0001", MinMarketFunds: "1.00", Status: "online"},
	"XRP-USD":  {BaseMinSize: "1.00", BaseIncrement: "0.00000001", QuoteIncrement: "0.0001", MinMarketFunds: "1.00", Status: "online"},
	"LINK-USD": {BaseMinSize: "0.01", BaseIncrement: "0.00000001", QuoteIncrement: "0.01", MinMarketFunds: "1.00", Status: "online"},
	"AVAX-USD": {BaseMinSize: "0.01", BaseIncrement: "0.00000001", QuoteIncrement: "0.01", MinMarketFunds: "1.00", Status: "online"},
	"SHIB-USD": {BaseMinSize: "100000.00", BaseIncrement: "1", QuoteIncrement: "0.00000001", MinMarketFunds: "1.00", Status: "online"},
	"USDC-USD": {BaseMinSize: "1.00", BaseIncrement: "0.01", QuoteIncrement: "0.0001", MinMarketFunds: "1.00", Status: "online"},
}

const (
	freshTTL = time.Hour
	staleTTL = 24 * time.Hour
)

// AuthFunc supplies Authorization headers for the brokerage API; nil means
// unauthenticated requests.
type AuthFunc func(method, path string) (map[string]string, error)

type Service struct {
	db      *database.Database
	catalog *catalog.Service
	apiBase string
	auth    AuthFunc
	client  *retryablehttp.Client
}

func New(db *database.Database, cat *catalog.Service, apiBase string, auth AuthFunc) *Service {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2 // 3 attempts total
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 4 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	// Hand back the last response once retries run out, so a final 429 or 5xx
	// is classified by status in fetchFromAPI.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// Retry only on 429/5xx/transport errors; every other 4xx is final.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return true, nil
		}
		return false, nil
	}
	return &Service{db: db, catalog: cat, apiBase: apiBase, auth: auth, client: rc}
}

// Resolve runs the precedence chain for one product. Safe to call from any
// goroutine; every network hop honours ctx.
//
// Callers that run inside the DAG scheduler use the same entry point — Go has
// no async/sync split to preserve.
func (s *Service) Resolve(ctx context.Context, productID string, allowStale bool) Result {
	// Tier 1: fresh cache.
	if cached, age := s.fromCache(productID, freshTTL); cached != nil {
		return Result{
			Success: true, Rules: cached, Source: SourcePreview, Verified: true,
			CacheAgeSeconds: age,
		}
	}

	// Tier 2: live brokerage API.
	apiRes := s.fetchFromAPI(ctx, productID)
	if apiRes.Success {
		s.saveToCache(apiRes.Rules)
		return apiRes
	}

	// Tier 3: stale cache.
	if allowStale {
		if stale, age := s.fromCache(productID, staleTTL); stale != nil {
			log.Warn().Str("product_id", productID).Int("cache_age_seconds", age).
				Str("api_error", apiRes.ErrorMessage).
				Msg("Using stale metadata cache")
			return Result{
				Success: true, Rules: stale, Source: SourcePreview, Verified: false,
				UsedStaleCache: true, CacheAgeSeconds: age,
			}
		}
	}

	// Tier 4: persistent product catalog.
	if s.catalog != nil {
		if p, err := s.catalog.GetProduct(productID); err == nil && p != nil {
			log.Info().Str("product_id", productID).Str("api_error", apiRes.ErrorMessage).
				Msg("Using product catalog for rules")
			return Result{
				Success: true,
				Rules: &ProductRules{
					ProductID:       p.ProductID,
					BaseCurrency:    p.BaseCurrency,
					QuoteCurrency:   p.QuoteCurrency,
					BaseMinSize:     p.BaseMinSize,
					BaseIncrement:   p.BaseIncrement,
					QuoteIncrement:  p.QuoteIncrement,
					MinMarketFunds:  p.MinMarketFunds,
					Status:          p.Status,
					TradingDisabled: p.TradingDisabled,
				},
				Source: SourceCatalog, Verified: false,
			}
		}
	}

	// Tier 5: safe fallback table for major pairs.
	if fb, ok := safeFallbackRules[productID]; ok {
		fb.ProductID = productID
		log.Warn().Str("product_id", productID).Str("api_error", apiRes.ErrorMessage).
			Msg("Using safe fallback precision")
		return Result{Success: true, Rules: &fb, Source: SourceFallback, Verified: false}
	}

	// Tier 6: nothing usable.
	log.Error().Str("product_id", productID).Str("error", apiRes.ErrorMessage).
		Msg("Product rules unavailable")
	apiRes.Source = SourceUnavailable
	return apiRes
}

type productEnvelope struct {
	Product struct {
		ProductID       string `json:"product_id"`
		BaseCurrencyID  string `json:"base_currency_id"`
		QuoteCurrencyID string `json:"quote_currency_id"`
		BaseMinSize     string `json:"base_min_size"`
		BaseIncrement   string `json:"base_increment"`
		QuoteIncrement  string `json:"quote_increment"`
		MinMarketFunds  string `json:"quote_min_size"`
		Status          string `json:"status"`
		TradingDisabled bool   `json:"trading_disabled"`
	} `json:"product"`
}

func (s *Service) fetchFromAPI(ctx context.Context, productID string) Result {
	path := "/api/v3/brokerage/products/" + productID
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+path, nil)
	if err != nil {
		return Result{Success: false, ErrorCode: errs.InternalError, ErrorMessage: err.Error()}
	}
	req.Header.Set("User-Agent", "execdesk/metadata")
	if s.auth != nil {
		if headers, err := s.auth(http.MethodGet, path); err == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		code := errs.ProductAPITimeout
		if ctx.Err() == nil {
			code = errs.BrokerAPIError
		}
		return Result{Success: false, ErrorCode: code, ErrorMessage: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{Success: false, ErrorCode: errs.ProductNotFound,
			ErrorMessage: fmt.Sprintf("product %s not found", productID)}
	case resp.StatusCode == http.StatusUnauthorized:
		if s.catalog != nil {
			s.catalog.RecordMetadata401()
		}
		return Result{Success: false, ErrorCode: errs.BrokerAPIError,
			ErrorMessage: fmt.Sprintf("auth error 401 for %s: check API key scopes", productID)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{Success: false, ErrorCode: errs.ProductAPIRateLimited,
			ErrorMessage: "rate limited after retries"}
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Result{Success: false, ErrorCode: errs.BrokerAPIError,
			ErrorMessage: fmt.Sprintf("status %d: %s", resp.StatusCode, string(b))}
	}

	var env productEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Result{Success: false, ErrorCode: errs.BrokerAPIError, ErrorMessage: "malformed product payload"}
	}
	p := env.Product
	if p.ProductID == "" {
		return Result{Success: false, ErrorCode: errs.BrokerAPIError, ErrorMessage: "empty product data in API response"}
	}
	return Result{
		Success: true,
		Rules: &ProductRules{
			ProductID:       p.ProductID,
			BaseCurrency:    p.BaseCurrencyID,
			QuoteCurrency:   p.QuoteCurrencyID,
			BaseMinSize:     p.BaseMinSize,
			BaseIncrement:   p.BaseIncrement,
			QuoteIncrement:  p.QuoteIncrement,
			MinMarketFunds:  p.MinMarketFunds,
			Status:          p.Status,
			TradingDisabled: p.TradingDisabled,
		},
		Source: SourcePreview, Verified: true, CacheAgeSeconds: 0,
	}
}

func (s *Service) fromCache(productID string, maxAge time.Duration) (*ProductRules, int) {
	row, err := s.db.GetProductDetail(productID, maxAge)
	if err != nil || row == nil {
		return nil, 0
	}
	age := int(time.Since(row.UpdatedAt).Seconds())
	return &ProductRules{
		ProductID:       row.ProductID,
		BaseCurrency:    row.BaseCurrency,
		QuoteCurrency:   row.QuoteCurrency,
		BaseMinSize:     row.BaseMinSize,
		BaseIncrement:   row.BaseIncrement,
		QuoteIncrement:  row.QuoteIncrement,
		MinMarketFunds:  row.MinMarketFunds,
		Status:          row.Status,
		TradingDisabled: row.TradingDisabled,
	}, age
}

func (s *Service) saveToCache(r *ProductRules) {
	if r == nil {
		return
	}
	err := s.db.SaveProductDetail(&database.ProductDetail{
		ProductID:       r.ProductID,
		BaseCurrency:    r.BaseCurrency,
		QuoteCurrency:   r.QuoteCurrency,
		BaseMinSize:     r.BaseMinSize,
		BaseIncrement:   r.BaseIncrement,
		QuoteIncrement:  r.QuoteIncrement,
		MinMarketFunds:  r.MinMarketFunds,
		Status:          r.Status,
		TradingDisabled: r.TradingDisabled,
	})
	if err != nil {
		log.Warn().Err(err).Str("product_id", r.ProductID).Msg("Metadata cache write failed")
	}
}
