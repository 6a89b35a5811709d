package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execdesk/execdesk/internal/broker"
	"github.com/execdesk/execdesk/internal/catalog"
	"github.com/execdesk/execdesk/internal/config"
	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/executable"
	"github.com/execdesk/execdesk/internal/metadata"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func staticPrice(productID string) decimal.Decimal {
	switch productID {
	case "BTC-USD":
		return d("22800")
	case "ETH-USD":
		return d("3000")
	}
	return d("1")
}

func testRunner(t *testing.T, cfg *config.Config) (*Runner, *database.Database) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	cat := catalog.New(db, "http://127.0.0.1:0")
	meta := metadata.New(db, cat, "http://127.0.0.1:0", nil)
	fetcher := executable.NewFetcher(db, nil, false)
	providers := func(mode, sourceRunID string) (broker.Provider, error) {
		return broker.NewPaper(db, staticPrice), nil
	}
	return NewRunner(db, cfg, providers, fetcher, meta, staticPrice, nil), db
}

func testConfig() *config.Config {
	return &config.Config{
		ExecutionTimeout:   30 * time.Second,
		LiveMaxNotionalUSD: d("20"),
		DemoSafeMode:       true,
		StockTicketTTL:     24 * time.Hour,
	}
}

func buyProposal(symbol, amount string) Proposal {
	return Proposal{Orders: []ProposalOrder{{
		Symbol: symbol, Side: "BUY", NotionalUSD: d(amount),
	}}}
}

func TestPaperBuyHappyPath(t *testing.T) {
	runner, db := testRunner(t, testConfig())

	runID, err := runner.CreateRun("t1", "PAPER", "CRYPTO", "BTC-USD",
		buyProposal("BTC-USD", "3"), `{"confirmed":true}`)
	require.NoError(t, err)

	runner.Execute(context.Background(), runID, "t1")

	run, err := db.GetRun(runID, "t1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "COMPLETED", run.Status)
	require.NotNil(t, run.CompletedAt)

	orders, err := db.ListOrdersByRun(runID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, "BUY", o.Side)
	assert.Equal(t, "BTC-USD", o.Symbol)
	assert.True(t, o.NotionalUSD.Equal(d("3")))
	assert.Equal(t, "FILLED", o.Status)
	assert.NotEmpty(t, o.ClientOrderID)

	fills, err := db.ListFillsByOrder(o.OrderID)
	require.NoError(t, err)
	assert.NotEmpty(t, fills, "a FILLED paper order always has fill rows")

	receipt, err := db.GetArtifact(runID, "trade_receipt")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(receipt.ArtifactJSON), &payload))
	assert.EqualValues(t, 1, payload["total_orders"])

	// Pre-trade snapshot written idempotently.
	snaps, err := db.ListSnapshotsByRun(runID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "snap_pre_"+runID, snaps[0].SnapshotID)
}

func TestEventOrderingPerRun(t *testing.T) {
	runner, db := testRunner(t, testConfig())

	runID, err := runner.CreateRun("t1", "PAPER", "CRYPTO", "BTC-USD",
		buyProposal("BTC-USD", "3"), `{"confirmed":true}`)
	require.NoError(t, err)
	runner.Execute(context.Background(), runID, "t1")

	events, err := db.ListRunEvents(runID, 0)
	require.NoError(t, err)

	idx := map[string]int{}
	for i, ev := range events {
		if _, seen := idx[ev.EventType]; !seen {
			idx[ev.EventType] = i
		}
	}
	require.Contains(t, idx, "PLAN_CREATED")
	require.Contains(t, idx, "STEP_STARTED")
	require.Contains(t, idx, "ORDER_SUBMITTED")
	require.Contains(t, idx, "ORDER_FILLED")
	assert.Less(t, idx["PLAN_CREATED"], idx["STEP_STARTED"])
	assert.Less(t, idx["ORDER_SUBMITTED"], idx["ORDER_FILLED"])
}

func TestDemoSafeModeBlocksLiveCrypto(t *testing.T) {
	cfg := testConfig()
	cfg.DemoSafeMode = true
	runner, db := testRunner(t, cfg)

	runID, err := runner.CreateRun("t1", "LIVE", "CRYPTO", "BTC-USD",
		buyProposal("BTC-USD", "3"), `{"confirmed":true}`)
	require.NoError(t, err)
	runner.Execute(context.Background(), runID, "t1")

	run, err := db.GetRun(runID, "t1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", run.Status, "blocked execution still completes the run")

	orders, _ := db.ListOrdersByRun(runID)
	assert.Empty(t, orders, "no orders may be placed under DEMO_SAFE_MODE")

	blocked, err := db.GetArtifact(runID, "demo_mode_blocked")
	require.NoError(t, err)
	require.NotNil(t, blocked)

	events, _ := db.ListRunEvents(runID, 0)
	var sawBlock bool
	for _, ev := range events {
		if ev.EventType == "DEMO_MODE_LIVE_BLOCKED" {
			sawBlock = true
		}
	}
	assert.True(t, sawBlock)
}

func TestStockRunCreatesTickets(t *testing.T) {
	runner, db := testRunner(t, testConfig())

	runID, err := runner.CreateRun("t1", "ASSISTED_LIVE", "STOCK", "",
		buyProposal("AAPL-USD", "100"), `{"confirmed":true}`)
	require.NoError(t, err)
	runner.Execute(context.Background(), runID, "t1")

	run, _ := db.GetRun(runID, "t1")
	assert.Equal(t, "COMPLETED", run.Status)

	tickets, err := db.ListTicketsByRun(runID)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "AAPL", tickets[0].Symbol)
	assert.Equal(t, "OPEN", tickets[0].Status)

	orders, _ := db.ListOrdersByRun(runID)
	assert.Empty(t, orders, "ASSISTED_LIVE never calls the broker")
}

func TestLiveNotionalCapRejectsRun(t *testing.T) {
	cfg := testConfig()
	cfg.DemoSafeMode = false
	runner, db := testRunner(t, cfg)

	runID, err := runner.CreateRun("t1", "LIVE", "CRYPTO", "BTC-USD",
		buyProposal("BTC-USD", "50"), `{"confirmed":true}`)
	require.NoError(t, err)
	runner.Execute(context.Background(), runID, "t1")

	run, _ := db.GetRun(runID, "t1")
	assert.Equal(t, "FAILED", run.Status)
}

func TestDecisionLockOverridesSymbol(t *testing.T) {
	runner, db := testRunner(t, testConfig())

	// Proposal says ETH, lock says BTC: lock wins.
	runID, err := runner.CreateRun("t1", "PAPER", "CRYPTO", "BTC-USD",
		buyProposal("ETH-USD", "3"), `{"confirmed":true}`)
	require.NoError(t, err)
	runner.Execute(context.Background(), runID, "t1")

	orders, err := db.ListOrdersByRun(runID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "BTC-USD", orders[0].Symbol)
}

func TestBelowDefensiveFloorFails(t *testing.T) {
	runner, db := testRunner(t, testConfig())

	runID, err := runner.CreateRun("t1", "PAPER", "CRYPTO", "BTC-USD",
		buyProposal("BTC-USD", "0.50"), `{"confirmed":true}`)
	require.NoError(t, err)
	runner.Execute(context.Background(), runID, "t1")

	run, _ := db.GetRun(runID, "t1")
	assert.Equal(t, "FAILED", run.Status)

	failure, err := db.GetArtifact(runID, "execution_failure")
	require.NoError(t, err)
	assert.NotNil(t, failure)
}

func TestAutoSellRunsBeforeBuy(t *testing.T) {
	runner, db := testRunner(t, testConfig())

	proposal := buyProposal("BTC-USD", "3")
	proposal.AutoSell = &AutoSell{
		NeedsRecycle:  true,
		SellSymbol:    "ETH-USD",
		SellAmountUSD: d("2.50"),
		Reason:        "raise cash",
	}
	runID, err := runner.CreateRun("t1", "PAPER", "CRYPTO", "",
		proposal, `{"confirmed":true}`)
	require.NoError(t, err)
	runner.Execute(context.Background(), runID, "t1")

	orders, err := db.ListOrdersByRun(runID)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	var sell, buy *database.Order
	for i := range orders {
		switch orders[i].Side {
		case "SELL":
			sell = &orders[i]
		case "BUY":
			buy = &orders[i]
		}
	}
	require.NotNil(t, sell)
	require.NotNil(t, buy)
	assert.Equal(t, "auto_sell", sell.ParentOrderID)
	assert.Equal(t, "ETH-USD", sell.Symbol)
	assert.False(t, sell.CreatedAt.After(buy.CreatedAt), "the SELL settles before the BUY is placed")

	receipt, err := db.GetArtifact(runID, "auto_sell_receipt")
	require.NoError(t, err)
	assert.NotNil(t, receipt)
}

func TestRunTimesOutToFailed(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionTimeout = time.Nanosecond
	runner, db := testRunner(t, cfg)

	runID, err := runner.CreateRun("t1", "PAPER", "CRYPTO", "BTC-USD",
		buyProposal("BTC-USD", "3"), `{"confirmed":true}`)
	require.NoError(t, err)
	runner.Execute(context.Background(), runID, "t1")

	run, _ := db.GetRun(runID, "t1")
	assert.Equal(t, "FAILED", run.Status, "no run may remain RUNNING past the timeout")
}
