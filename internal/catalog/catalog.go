// Package catalog maintains the persistent product catalog: every product the
// exchange currently lists, refreshed from the public listing endpoint.
//
// The catalog is the authoritative tradability source when the brokerage
// metadata API is unavailable (it needs no auth), and the defensive read path
// guarantees a usable base_min_size even when the exchange returns blanks.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/telemetry"
)

const (
	refreshInterval = 6 * time.Hour
	requestTimeout  = 15 * time.Second
)

// genericBaseMinSize is the last-resort floor. It is deliberately a base-unit
// quantity; it must never be confused with a quote increment.
const genericBaseMinSize = "0.00000001"

// safeBaseMinSizes holds conservative base minimums for major assets, used
// when the listing carries a null/zero base_min_size.
var safeBaseMinSizes = map[string]string{
	"BTC-USD":  "0.00001",
	"ETH-USD":  "0.0001",
	"LTC-USD":  "0.001",
	"SOL-USD":  "0.01",
	"DOGE-USD": "1.00",
	"ADA-USD":  "1.00",
	"XRP-USD":  "1.00",
	"SHIB-USD": "100000.00",
	"USDC-USD": "1.00",
}

// Service is a process-wide singleton; the refresh mutex ensures only one
// refresh runs at a time.
type Service struct {
	db          *database.Database
	listingURL  string
	hc          *http.Client
	refreshMu   sync.Mutex
	lastRefresh atomic.Int64 // unix seconds
	count401    atomic.Int64
}

func New(db *database.Database, exchangeBase string) *Service {
	return &Service{
		db:         db,
		listingURL: exchangeBase + "/products",
		hc:         &http.Client{Timeout: requestTimeout},
	}
}

// NeedsRefresh reports whether the catalog is stale (>6h) or empty.
func (s *Service) NeedsRefresh() bool {
	if time.Since(time.Unix(s.lastRefresh.Load(), 0)) > refreshInterval {
		return true
	}
	n, err := s.db.CountCatalogProducts()
	if err != nil {
		return true
	}
	return n == 0
}

// Refresh fetches the full public product list and upserts it. Returns the
// number of products stored.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	products, err := s.fetchPublicProducts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Product catalog refresh failed")
		return 0, err
	}
	if len(products) == 0 {
		log.Warn().Msg("Product catalog refresh returned 0 products")
		return 0, nil
	}
	stored, err := s.db.UpsertCatalogProducts(products)
	if err != nil {
		return stored, err
	}
	s.lastRefresh.Store(time.Now().Unix())
	telemetry.CatalogRefresh.Inc()
	telemetry.CatalogProducts.Set(float64(stored))
	log.Info().Int("products", stored).Msg("Product catalog refreshed")
	return stored, nil
}

// Start refreshes when needed and keeps the catalog fresh from a background
// goroutine until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		if s.NeedsRefresh() {
			if _, err := s.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("Startup catalog refresh failed; will retry")
			}
		}
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.NeedsRefresh() {
					_, _ = s.Refresh(ctx)
				}
			}
		}
	}()
}

// GetProduct looks up one catalog row with the defensive base_min_size
// substitution applied.
func (s *Service) GetProduct(productID string) (*database.CatalogProduct, error) {
	p, err := s.db.GetCatalogProduct(productID)
	if err != nil || p == nil {
		return nil, err
	}
	p.BaseMinSize = SafeBaseMinSize(productID, p.BaseMinSize)
	if p.BaseIncrement == "" {
		p.BaseIncrement = "0.00000001"
	}
	if p.QuoteIncrement == "" {
		p.QuoteIncrement = "0.01"
	}
	if p.MinMarketFunds == "" {
		p.MinMarketFunds = "1.00"
	}
	if p.Status == "" {
		p.Status = "online"
	}
	return p, nil
}

// IsTradeable reports whether the catalog allows market orders on the product.
func (s *Service) IsTradeable(productID string) bool {
	p, err := s.db.GetCatalogProduct(productID)
	if err != nil || p == nil {
		return false
	}
	return p.Status == "online" && !p.TradingDisabled
}

func (s *Service) GetAllTradeable(quote string) ([]string, error) {
	return s.db.ListTradeableProducts(quote)
}

// RecordMetadata401 increments the metadata auth-failure telemetry and returns
// the new count.
func (s *Service) RecordMetadata401() int64 {
	telemetry.Metadata401.Inc()
	count := s.count401.Add(1)
	if count <= 3 || count%10 == 0 {
		log.Warn().Int64("count", count).
			Msg("Brokerage metadata auth failed (401) — check API key scopes (requires view on Advanced Trade)")
	}
	return count
}

func (s *Service) Metadata401Count() int64 { return s.count401.Load() }

// SafeBaseMinSize prefers the stored value when it parses to a positive
// number, then the per-product safe table, then the generic floor. It never
// returns a quote increment.
func SafeBaseMinSize(productID, raw string) string {
	if raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			return raw
		}
	}
	if fb, ok := safeBaseMinSizes[productID]; ok {
		return fb
	}
	return genericBaseMinSize
}

type listingProduct struct {
	ID              string `json:"id"`
	BaseCurrency    string `json:"base_currency"`
	QuoteCurrency   string `json:"quote_currency"`
	BaseMinSize     string `json:"base_min_size"`
	BaseMaxSize     string `json:"base_max_size"`
	QuoteIncrement  string `json:"quote_increment"`
	BaseIncrement   string `json:"base_increment"`
	MinMarketFunds  string `json:"min_market_funds"`
	MaxMarketFunds  string `json:"max_market_funds"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
}

func (s *Service) fetchPublicProducts(ctx context.Context) ([]database.CatalogProduct, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.listingURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "execdesk/catalog")

	res, err := s.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("product listing %d: %s", res.StatusCode, string(b))
	}

	var listed []listingProduct
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		return nil, err
	}

	out := make([]database.CatalogProduct, 0, len(listed))
	for _, p := range listed {
		if p.ID == "" {
			continue
		}
		out = append(out, database.CatalogProduct{
			ProductID:       p.ID,
			BaseCurrency:    p.BaseCurrency,
			QuoteCurrency:   p.QuoteCurrency,
			BaseMinSize:     p.BaseMinSize,
			BaseMaxSize:     p.BaseMaxSize,
			QuoteIncrement:  p.QuoteIncrement,
			BaseIncrement:   p.BaseIncrement,
			MinMarketFunds:  p.MinMarketFunds,
			MaxMarketFunds:  p.MaxMarketFunds,
			Status:          p.Status,
			TradingDisabled: p.TradingDisabled,
		})
	}
	return out, nil
}
