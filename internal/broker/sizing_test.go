package broker

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/metadata"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rules(minSize, increment string) *metadata.ProductRules {
	return &metadata.ProductRules{
		ProductID:     "BTC-USD",
		BaseMinSize:   minSize,
		BaseIncrement: increment,
	}
}

func TestAlignFloorsToIncrement(t *testing.T) {
	// 0.000123456789 at increment 1e-8 floors to 0.00012345.
	got, err := alignAndValidateSell("BTC-USD", d("0.000123456789"), d("22800"), rules("0.00001", "0.00000001"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("0.00012345")), "got %s", got)
}

func TestAlignEpsilonShavesExactMultiples(t *testing.T) {
	// The epsilon guard intentionally rounds an exact multiple down one
	// increment, so a full-balance sell can never overshoot the venue's view.
	got, err := alignAndValidateSell("BTC-USD", d("0.00010000"), d("22800"), rules("0.00001", "0.00000001"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("0.00009999")), "got %s", got)
}

func TestAlignRejectsZeroAfterRounding(t *testing.T) {
	// Smaller than one increment rounds to zero.
	_, err := alignAndValidateSell("BTC-USD", d("0.000000001"), d("22800"), rules("0", "0.00000001"))
	require.Error(t, err)
	var te *errs.TradeError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, errs.BelowMinimumSize, te.Code)
}

func TestAlignRejectsBelowBaseMin(t *testing.T) {
	_, err := alignAndValidateSell("BTC-USD", d("0.000005"), d("22800"), rules("0.00001", "0.00000001"))
	require.Error(t, err)
	var te *errs.TradeError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, errs.BelowMinimumSize, te.Code)
	assert.Contains(t, te.Message, "minimum")
}

func TestAlignDefaultsWithoutRules(t *testing.T) {
	got, err := alignAndValidateSell("BTC-USD", d("0.5"), d("22800"), nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(d("0.49999999")), "got %s", got)
}

func TestCoarseIncrementAlignment(t *testing.T) {
	// DOGE-style whole-unit increment.
	got, err := alignAndValidateSell("DOGE-USD", d("123.789"), d("0.10"),
		&metadata.ProductRules{ProductID: "DOGE-USD", BaseMinSize: "1", BaseIncrement: "1"})
	require.NoError(t, err)
	assert.True(t, got.Equal(d("123")), "got %s", got)
}
