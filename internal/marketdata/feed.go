package marketdata

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COINBASE PRICE FEED - spot prices for context building and display
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two sources behind one cache:
//   - Advanced Trade websocket ticker channel (streaming, preferred)
//   - Public Exchange REST ticker (on-demand fallback)
//
// Prices are display/estimation inputs only; order sizing re-reads the
// authoritative price at execution time through the same provider.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	coinbaseWSURL  = "wss://advanced-trade-ws.coinbase.com"
	requestTimeout = 5 * time.Second
)

// Feed caches spot prices per product, fed by a websocket subscription and
// refreshed on demand via REST when the stream has no value yet.
type Feed struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}

	exchangeBase string
	hc           *http.Client

	prices   map[string]decimal.Decimal // "BTC-USD" -> price
	products []string
}

func NewFeed(exchangeBase string, products []string) *Feed {
	return &Feed{
		stopCh:       make(chan struct{}),
		exchangeBase: strings.TrimRight(exchangeBase, "/"),
		hc:           &http.Client{Timeout: requestTimeout},
		prices:       make(map[string]decimal.Decimal),
		products:     products,
	}
}

// Start opens the websocket subscription. Reconnects with a flat 5s delay.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.streamLoop()
	log.Info().Strs("products", f.products).Msg("Market data feed started")
}

func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	log.Info().Msg("Market data feed stopped")
}

// GetPrice returns the cached price for an asset ("BTC") or product
// ("BTC-USD"), falling back to a REST lookup on a cache miss. Zero means
// no price is available.
func (f *Feed) GetPrice(symbol string) decimal.Decimal {
	productID := normalizeProduct(symbol)
	if productID == "USD-USD" || productID == "USDC-USD" {
		return decimal.NewFromInt(1)
	}

	f.mu.RLock()
	price, ok := f.prices[productID]
	f.mu.RUnlock()
	if ok && price.IsPositive() {
		return price
	}

	price, err := f.fetchTicker(productID)
	if err != nil {
		log.Debug().Err(err).Str("product_id", productID).Msg("Ticker fetch failed")
		return decimal.Zero
	}
	f.mu.Lock()
	f.prices[productID] = price
	f.mu.Unlock()
	return price
}

func normalizeProduct(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(s, "-") {
		return s
	}
	return s + "-USD"
}

func (f *Feed) fetchTicker(productID string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/products/%s/ticker", f.exchangeBase, url.PathEscape(productID))
	res, err := f.hc.Get(u)
	if err != nil {
		return decimal.Zero, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return decimal.Zero, fmt.Errorf("ticker %d: %s", res.StatusCode, string(b))
	}
	var payload struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(payload.Price)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usable price in ticker payload")
	}
	return price, nil
}

func (f *Feed) streamLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.streamOnce(); err != nil {
			log.Warn().Err(err).Msg("Price stream disconnected; reconnecting in 5s")
		}

		select {
		case <-f.stopCh:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

type tickerMessage struct {
	Channel string `json:"channel"`
	Events  []struct {
		Tickers []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
		} `json:"tickers"`
	} `json:"events"`
}

func (f *Feed) streamOnce() error {
	conn, _, err := websocket.DefaultDialer.Dial(coinbaseWSURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{
		"type":        "subscribe",
		"channel":     "ticker",
		"product_ids": f.products,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	log.Info().Msg("Price stream connected")

	for {
		select {
		case <-f.stopCh:
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var msg tickerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Channel != "ticker" {
			continue
		}
		f.mu.Lock()
		for _, ev := range msg.Events {
			for _, t := range ev.Tickers {
				if price, err := decimal.NewFromString(t.Price); err == nil && price.IsPositive() {
					f.prices[t.ProductID] = price
				}
			}
		}
		f.mu.Unlock()
	}
}
