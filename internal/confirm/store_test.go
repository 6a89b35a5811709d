package confirm

import (
	"path/filepath"
	"testing"
	"time"

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

func TestCreateAndGet(t *testing.T) {
	store := NewStore(newTestDB(t), DefaultTTL)

	id, err := store.CreatePending("tenant_a", "conv1", "PAPER", `{"orders":[]}`, "", "BTC-USD")
	require.NoError(t, err)
	assert.True(t, ValidID(id))

	conf, err := store.Get(id, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, conf.Status)
	assert.Equal(t, "BTC-USD", conf.LockedProductID)
	assert.Equal(t, "PAPER", conf.Mode)
}

func TestMalformedID(t *testing.T) {
	store := NewStore(newTestDB(t), DefaultTTL)
	_, err := store.Get("bogus_123", "tenant_a")
	assert.ErrorIs(t, err, ErrMalformedID)
}

func TestTenantIsolation(t *testing.T) {
	store := NewStore(newTestDB(t), DefaultTTL)
	id, err := store.CreatePending("tenant_a", "conv1", "PAPER", "{}", "", "")
	require.NoError(t, err)

	_, err = store.Get(id, "tenant_b")
	assert.ErrorIs(t, err, ErrNotFound, "cross-tenant reads must look like missing rows")

	_, _, err = store.Confirm(id, "tenant_b", "run_x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmIsIdempotent(t *testing.T) {
	store := NewStore(newTestDB(t), DefaultTTL)
	id, err := store.CreatePending("tenant_a", "conv1", "PAPER", "{}", "", "")
	require.NoError(t, err)

	conf, won, err := store.Confirm(id, "tenant_a", "run_1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, "run_1", conf.RunID)

	// Replay returns the original run id, does not re-transition.
	conf, won, err = store.Confirm(id, "tenant_a", "run_2")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "run_1", conf.RunID)
}

func TestCancelConfirmedIsNoOp(t *testing.T) {
	store := NewStore(newTestDB(t), DefaultTTL)
	id, err := store.CreatePending("tenant_a", "conv1", "PAPER", "{}", "", "")
	require.NoError(t, err)

	_, _, err = store.Confirm(id, "tenant_a", "run_1")
	require.NoError(t, err)

	conf, err := store.Cancel(id, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, conf.Status)
	assert.Equal(t, "run_1", conf.RunID)
}

func TestCancelPending(t *testing.T) {
	store := NewStore(newTestDB(t), DefaultTTL)
	id, err := store.CreatePending("tenant_a", "conv1", "PAPER", "{}", "", "")
	require.NoError(t, err)

	conf, err := store.Cancel(id, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, conf.Status)

	// A cancelled confirmation cannot be confirmed afterwards.
	_, _, err = store.Confirm(id, "tenant_a", "run_1")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestExpiryIsLazy(t *testing.T) {
	store := NewStore(newTestDB(t), 50*time.Millisecond)
	id, err := store.CreatePending("tenant_a", "conv1", "PAPER", "{}", "", "")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	conf, err := store.Get(id, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, conf.Status)

	_, _, err = store.Confirm(id, "tenant_a", "run_1")
	assert.ErrorIs(t, err, ErrNotPending, "expired confirmations behave as cancelled")
}
