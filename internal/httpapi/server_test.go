package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execdesk/execdesk/internal/broker"
	"github.com/execdesk/execdesk/internal/catalog"
	"github.com/execdesk/execdesk/internal/config"
	"github.com/execdesk/execdesk/internal/confirm"
	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/executable"
	"github.com/execdesk/execdesk/internal/metadata"
	"github.com/execdesk/execdesk/internal/orchestrator"
	"github.com/execdesk/execdesk/internal/planner"
	"github.com/execdesk/execdesk/internal/preflight"
	"github.com/execdesk/execdesk/internal/reasoner"
	"github.com/execdesk/execdesk/internal/tradecontext"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func staticPrice(symbol string) decimal.Decimal {
	switch symbol {
	case "BTC", "BTC-USD":
		return d("22800")
	case "ETH", "ETH-USD":
		return d("3000")
	}
	return decimal.Zero
}

type testEnv struct {
	db      *database.Database
	cfg     *config.Config
	store   *confirm.Store
	handler http.Handler
}

const metadataProductJSON = `{"product":{
	"product_id":"%s",
	"base_currency_id":"%s",
	"quote_currency_id":"USD",
	"base_min_size":"0.0001",
	"base_increment":"0.00000001",
	"quote_increment":"0.01",
	"quote_min_size":"1",
	"status":"online",
	"trading_disabled":false}}`

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	// Catalog rows the resolver and planner consult.
	_, err = db.UpsertCatalogProducts([]database.CatalogProduct{
		{ProductID: "BTC-USD", BaseCurrency: "BTC", QuoteCurrency: "USD",
			BaseMinSize: "0.0001", BaseIncrement: "0.00000001", QuoteIncrement: "0.01",
			MinMarketFunds: "1.00", Status: "online"},
		{ProductID: "ETH-USD", BaseCurrency: "ETH", QuoteCurrency: "USD",
			BaseMinSize: "0.0001", BaseIncrement: "0.00000001", QuoteIncrement: "0.01",
			MinMarketFunds: "1.00", Status: "online"},
	})
	require.NoError(t, err)

	// Metadata API stub: brokerage product endpoint for any known product.
	metaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pid string
		_, _ = fmt.Sscanf(r.URL.Path, "/api/v3/brokerage/products/%s", &pid)
		base := pid
		if i := len(base) - len("-USD"); i > 0 && base[i:] == "-USD" {
			base = base[:i]
		}
		if base == "MOODENG" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, metadataProductJSON, pid, base)
	}))
	t.Cleanup(metaSrv.Close)

	cfg := &config.Config{
		DatabaseURL:          "unused",
		ExecutionModeDefault: "PAPER",
		TradingDisableLive:   true,
		DemoSafeMode:         true,
		LiveMaxNotionalUSD:   d("20"),
		ExecutionTimeout:     30 * time.Second,
		ConfirmationTTL:      300 * time.Second,
		MarketDataMode:       "coinbase",
		StockTicketTTL:       24 * time.Hour,
	}

	cat := catalog.New(db, metaSrv.URL)
	meta := metadata.New(db, cat, metaSrv.URL, nil)
	fetcher := executable.NewFetcher(db, nil, false)
	contexts := tradecontext.NewBuilder(fetcher, meta, staticPrice)
	engine := preflight.NewEngine(preflight.NewFundsRecycler(db))
	store := confirm.NewStore(db, cfg.ConfirmationTTL)
	advisor := reasoner.NewAdvisor("", "")

	providers := func(mode, sourceRunID string) (broker.Provider, error) {
		return broker.NewPaper(db, staticPrice), nil
	}
	runner := orchestrator.NewRunner(db, cfg, providers, fetcher, meta, staticPrice, nil)
	pl := planner.New(cfg, cat, fetcher, contexts, engine, store, advisor)

	server := NewServer(cfg, db, store, pl, runner)
	return &testEnv{db: db, cfg: cfg, store: store, handler: server.Handler()}
}

func (e *testEnv) seedSnapshot(t *testing.T, tenantID string, balances map[string]float64) {
	t.Helper()
	raw, _ := json.Marshal(balances)
	require.NoError(t, e.db.SaveSnapshotIgnore(&database.PortfolioSnapshot{
		SnapshotID:   "snap_seed_" + tenantID,
		TenantID:     tenantID,
		BalancesJSON: string(raw),
	}))
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var parsed map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &parsed)
	return rec, parsed
}

func (e *testEnv) waitForRun(t *testing.T, runID string) *database.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.db.GetRun(runID, "default")
		require.NoError(t, err)
		if run != nil && (run.Status == "COMPLETED" || run.Status == "FAILED" || run.Status == "REJECTED") {
			return run
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state", runID)
	return nil
}

// S1 — BUY $3 BTC happy path through stage + confirm.
func TestBuyHappyPathEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot(t, "default", map[string]float64{"USD": 100})

	rec, body := env.do(t, http.MethodPost, "/api/v1/chat/command",
		map[string]any{"text": "buy $3 of BTC"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, "TRADE_CONFIRMATION_PENDING", body["intent"])

	pending := body["pending_trade"].(map[string]any)
	assert.Equal(t, "PAPER", pending["mode"])
	action := pending["actions"].([]any)[0].(map[string]any)
	assert.Equal(t, "BUY", action["side"])
	assert.Equal(t, "BTC", action["asset"])
	assert.InDelta(t, 3.0, toFloat(action["amount_usd"]), 0.001)

	confID := body["confirmation_id"].(string)
	rec, body = env.do(t, http.MethodPost, "/api/v1/confirmations/"+confID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EXECUTING", body["status"])
	runID := body["run_id"].(string)

	run := env.waitForRun(t, runID)
	assert.Equal(t, "COMPLETED", run.Status)

	orders, err := env.db.ListOrdersByRun(runID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "BUY", orders[0].Side)
	assert.Equal(t, "BTC-USD", orders[0].Symbol)
	assert.True(t, orders[0].NotionalUSD.Equal(d("3")))
	assert.NotEmpty(t, orders[0].ClientOrderID)

	receipt, err := env.db.GetArtifact(runID, "trade_receipt")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Contains(t, receipt.ArtifactJSON, orders[0].OrderID)

	// Re-confirming is idempotent and reports the same run.
	rec, body = env.do(t, http.MethodPost, "/api/v1/confirmations/"+confID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONFIRMED", body["status"])
	assert.Equal(t, runID, body["run_id"])
}

// S2 — SELL $10 when only ~$2.28 is sellable adjusts the staged amount.
func TestSellExceedingHoldingsIsAdjusted(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot(t, "default", map[string]float64{"BTC": 0.0001})

	rec, body := env.do(t, http.MethodPost, "/api/v1/chat/command",
		map[string]any{"text": "sell $10 of BTC"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "TRADE_CONFIRMATION_PENDING", body["intent"])

	action := body["pending_trade"].(map[string]any)["actions"].([]any)[0].(map[string]any)
	assert.InDelta(t, 2.28, toFloat(action["amount_usd"]), 0.01)

	suggestions := toStrings(body["suggestions"])
	assert.Contains(t, suggestions, "CONFIRM SELL MAX")
	assert.Contains(t, suggestions, "CANCEL")

	// The adjusted amount is persisted in the staged proposal.
	conf, err := env.store.Get(body["confirmation_id"].(string), "default")
	require.NoError(t, err)
	assert.Contains(t, conf.ProposalJSON, "2.28")
}

// S3 — SELL ALL dust is rejected with the enterprise fix options.
func TestSellAllDustIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot(t, "default", map[string]float64{"BTC": 0.00001})

	rec, body := env.do(t, http.MethodPost, "/api/v1/chat/command",
		map[string]any{"text": "sell all BTC"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "REJECTED", body["status"])
	assert.Nil(t, body["confirmation_id"])

	content := body["content"].(string)
	assert.Contains(t, content, "below")
	assert.Contains(t, content, "minimum")

	suggestions := toStrings(body["suggestions"])
	assert.Contains(t, suggestions, "Cancel")
	assert.Contains(t, suggestions, "Buy more BTC to reach minimum")
	assert.Contains(t, suggestions, "Check Coinbase app for convert/dust options")
}

// S4 — SELL of an unknown asset names the asset and nothing else.
func TestSellUnknownAssetRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot(t, "default", map[string]float64{})

	rec, body := env.do(t, http.MethodPost, "/api/v1/chat/command",
		map[string]any{"text": "sell $5 of MOODENG"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "REJECTED", body["status"])

	content := body["content"].(string)
	assert.Contains(t, content, "MOODENG")
	assert.Contains(t, content, "not held")
	assert.NotContains(t, content, "SOL")
}

// S5 — kill switch rejects LIVE confirmations with 403 LIVE_DISABLED.
func TestLiveKillSwitch(t *testing.T) {
	env := newTestEnv(t)

	confID, err := env.store.CreatePending("default", "conv1", "LIVE",
		`{"orders":[{"symbol":"BTC-USD","side":"BUY","notional_usd":"3"}]}`, "", "BTC-USD")
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodPost, "/api/v1/confirmations/"+confID+"/confirm", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	errObj := body["error"].(map[string]any)
	assert.Equal(t, "LIVE_DISABLED", errObj["error_code"])
	assert.Contains(t, errObj["remediation"], "TRADING_DISABLE_LIVE")
}

// S6 — a pending order is never reported as filled.
func TestPendingOrderNeverReportsFilled(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.db.InsertOrder(&database.Order{
		OrderID: "ord_pending", TenantID: "default", Provider: "COINBASE",
		Symbol: "BTC-USD", Side: "BUY", OrderType: "MARKET",
		NotionalUSD: d("3"), Status: "PENDING", ClientOrderID: "client_x",
	}))

	rec, body := env.do(t, http.MethodGet, "/api/v1/orders/ord_pending/fill-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["fill_confirmed"])
	assert.Contains(t, []string{"OPEN", "SUBMITTED", "PENDING", "PENDING_FILL", "PARTIALLY_FILLED"},
		body["status"])
	assert.Contains(t, body["message"], "order submitted")
}

func TestConfirmValidation(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/confirmations/bogus123/confirm", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed id")

	rec, _ = env.do(t, http.MethodPost, "/api/v1/confirmations/conf_doesnotexist/confirm", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown id")
}

func TestCrossTenantConfirmationIs404(t *testing.T) {
	env := newTestEnv(t)

	confID, err := env.store.CreatePending("tenant_a", "conv1", "PAPER", "{}", "", "")
	require.NoError(t, err)

	// Default tenant header is "default", not tenant_a.
	rec, _ := env.do(t, http.MethodPost, "/api/v1/confirmations/"+confID+"/confirm", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReportsSchema(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["schema_ok"])
	assert.Equal(t, false, body["migrations_needed"])
	assert.Equal(t, false, body["live_trading_enabled"])
}

func TestCancelPendingConfirmation(t *testing.T) {
	env := newTestEnv(t)

	confID, err := env.store.CreatePending("default", "conv1", "PAPER", "{}", "", "")
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodPost, "/api/v1/confirmations/"+confID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", body["status"])
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := decimal.NewFromString(t)
		out, _ := f.Float64()
		return out
	}
	return 0
}

func toStrings(v any) []string {
	arr, _ := v.([]any)
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
