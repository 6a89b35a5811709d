package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	return db
}

const btcProductJSON = `{"product":{
	"product_id":"BTC-USD",
	"base_currency_id":"BTC",
	"quote_currency_id":"USD",
	"base_min_size":"0.00001",
	"base_increment":"0.00000001",
	"quote_increment":"0.01",
	"quote_min_size":"1",
	"status":"online",
	"trading_disabled":false}}`

func TestResolveFromLiveAPIIsVerified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(btcProductJSON))
	}))
	defer srv.Close()

	svc := New(newTestDB(t), nil, srv.URL, nil)
	res := svc.Resolve(context.Background(), "BTC-USD", true)

	require.True(t, res.Success)
	assert.Equal(t, SourcePreview, res.Source)
	assert.True(t, res.Verified)
	assert.Equal(t, "0.00001", res.Rules.BaseMinSize)
	assert.NotEqual(t, res.Rules.QuoteIncrement, res.Rules.BaseMinSize,
		"base_min_size must never equal quote_increment")
}

func TestResolveUsesFreshCacheBeforeAPI(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(btcProductJSON))
	}))
	defer srv.Close()

	svc := New(newTestDB(t), nil, srv.URL, nil)
	_ = svc.Resolve(context.Background(), "BTC-USD", true)
	_ = svc.Resolve(context.Background(), "BTC-USD", true)

	assert.Equal(t, int32(1), calls.Load(), "second resolve must hit the fresh cache")
}

func TestResolveStaleCacheAfterAPIFailure(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.Write([]byte(btcProductJSON))
			return
		}
		w.WriteHeader(http.StatusNotFound) // non-retryable failure
	}))
	defer srv.Close()

	db := newTestDB(t)
	svc := New(db, nil, srv.URL, nil)
	first := svc.Resolve(context.Background(), "BTC-USD", true)
	require.True(t, first.Success)

	// Age the cache past the fresh TTL but inside the stale window.
	require.NoError(t, db.DB().Exec(
		"UPDATE product_details SET updated_at = datetime('now', '-2 hours') WHERE product_id = ?",
		"BTC-USD").Error)

	healthy = false
	res := svc.Resolve(context.Background(), "BTC-USD", true)
	require.True(t, res.Success)
	assert.True(t, res.UsedStaleCache)
	assert.False(t, res.Verified, "stale reads are never verified")
	assert.Greater(t, res.CacheAgeSeconds, 3600)
}

func TestResolveSafeFallbackForMajors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := New(newTestDB(t), nil, srv.URL, nil)
	res := svc.Resolve(context.Background(), "BTC-USD", false)

	require.True(t, res.Success)
	assert.Equal(t, SourceFallback, res.Source)
	assert.False(t, res.Verified)
	assert.Equal(t, "0.00001", res.Rules.BaseMinSize)
}

func TestResolveUnknownProductFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := New(newTestDB(t), nil, srv.URL, nil)
	res := svc.Resolve(context.Background(), "MOODENG-USD", true)

	assert.False(t, res.Success)
	assert.Equal(t, SourceUnavailable, res.Source)
	assert.Equal(t, errs.ProductNotFound, res.ErrorCode)
	assert.Nil(t, res.Rules, "no component may invent rules")
}
