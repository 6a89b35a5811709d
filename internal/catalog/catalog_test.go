package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execdesk/execdesk/internal/database"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	return db
}

const listingJSON = `[
	{"id":"BTC-USD","base_currency":"BTC","quote_currency":"USD","base_min_size":"0.00001",
	 "base_increment":"0.00000001","quote_increment":"0.01","min_market_funds":"1","status":"online"},
	{"id":"ETH-USD","base_currency":"ETH","quote_currency":"USD","base_min_size":"",
	 "base_increment":"0.00000001","quote_increment":"0.01","min_market_funds":"1","status":"online"},
	{"id":"OLD-USD","base_currency":"OLD","quote_currency":"USD","status":"delisted","trading_disabled":true},
	{"id":"HNT-USDC","base_currency":"HNT","quote_currency":"USDC","status":"online"}
]`

func newServiceWithListing(t *testing.T) (*Service, *database.Database) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/products", r.URL.Path)
		w.Write([]byte(listingJSON))
	}))
	t.Cleanup(srv.Close)
	db := newTestDB(t)
	return New(db, srv.URL), db
}

func TestRefreshUpsertIsIdempotent(t *testing.T) {
	svc, db := newServiceWithListing(t)

	n, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	count, err := db.CountCatalogProducts()
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
}

func TestIsTradeable(t *testing.T) {
	svc, _ := newServiceWithListing(t)
	_, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, svc.IsTradeable("BTC-USD"))
	assert.False(t, svc.IsTradeable("OLD-USD"), "delisted products are not tradeable")
	assert.False(t, svc.IsTradeable("NOPE-USD"))
}

func TestGetAllTradeableFiltersByQuote(t *testing.T) {
	svc, _ := newServiceWithListing(t)
	_, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	usd, err := svc.GetAllTradeable("USD")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"BTC-USD", "ETH-USD"}, usd)

	usdc, err := svc.GetAllTradeable("USDC")
	require.NoError(t, err)
	assert.Equal(t, []string{"HNT-USDC"}, usdc)
}

func TestEmptyBaseMinSizeGetsSafeSubstitute(t *testing.T) {
	svc, _ := newServiceWithListing(t)
	_, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	p, err := svc.GetProduct("ETH-USD")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "0.0001", p.BaseMinSize, "safe per-product value, not the stored blank")
	assert.NotEqual(t, p.QuoteIncrement, p.BaseMinSize,
		"base_min_size must never be the quote increment")
}

func TestSafeBaseMinSizeTable(t *testing.T) {
	tests := []struct {
		productID string
		raw       string
		want      string
	}{
		{"BTC-USD", "0.00001", "0.00001"}, // plausible stored value wins
		{"BTC-USD", "", "0.00001"},        // safe table
		{"BTC-USD", "0", "0.00001"},
		{"SHIB-USD", "", "100000.00"},
		{"OBSCURE-USD", "", "0.00000001"}, // generic floor
		{"OBSCURE-USD", "junk", "0.00000001"},
	}
	for _, tt := range tests {
		got := SafeBaseMinSize(tt.productID, tt.raw)
		assert.Equal(t, tt.want, got, "%s raw=%q", tt.productID, tt.raw)
		assert.NotEqual(t, "0.01", got, "must never return a quote-increment-like value")
	}
}

func TestNeedsRefreshOnEmptyCatalog(t *testing.T) {
	svc, _ := newServiceWithListing(t)
	assert.True(t, svc.NeedsRefresh())
	_, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, svc.NeedsRefresh())
}

func TestRecordMetadata401Counts(t *testing.T) {
	svc, _ := newServiceWithListing(t)
	assert.EqualValues(t, 1, svc.RecordMetadata401())
	assert.EqualValues(t, 2, svc.RecordMetadata401())
	assert.EqualValues(t, 2, svc.Metadata401Count())
}
