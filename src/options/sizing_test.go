package options

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestCalculateLots(t *testing.T) {
	t.Run("risk budget buys whole lots only", func(t *testing.T) {
		// 10% of 100000 = 10000 budget, 7500 per lot -> 1 lot.
		size := CalculateLots(d(100000), d(10), d(7500), 50)

		assert.True(t, size.CanTrade)
		assert.EqualValues(t, 1, size.Lots)
		assert.Equal(t, 50, size.Quantity)
		assert.True(t, size.Amount.Equal(d(7500)), "amount %s", size.Amount)
	})

	t.Run("multiple lots floor down", func(t *testing.T) {
		// Budget 50000, lot 7500 -> 6.66 lots -> 6.
		size := CalculateLots(d(500000), d(10), d(7500), 50)

		assert.True(t, size.CanTrade)
		assert.EqualValues(t, 6, size.Lots)
		assert.Equal(t, 300, size.Quantity)
	})

	t.Run("budget below one lot cannot trade", func(t *testing.T) {
		size := CalculateLots(d(70000), d(10), d(7500), 50)

		assert.False(t, size.CanTrade)
		assert.Zero(t, size.Lots)
		assert.Zero(t, size.Quantity)
		assert.True(t, size.MinCapitalRequired.Equal(d(7500)))
	})

	t.Run("degenerate premium or lot size", func(t *testing.T) {
		assert.False(t, CalculateLots(d(100000), d(10), decimal.Zero, 50).CanTrade)
		assert.False(t, CalculateLots(d(100000), d(10), d(7500), 0).CanTrade)
	})
}

func TestValidateFixedQuantity(t *testing.T) {
	t.Run("capital covers the outlay", func(t *testing.T) {
		assert.NoError(t, ValidateFixedQuantity(d(20000), 2, d(7500)))
	})

	t.Run("insufficient capital carries the minimum", func(t *testing.T) {
		err := ValidateFixedQuantity(d(10000), 2, d(7500))
		require.Error(t, err)

		var insufficient *InsufficientCapitalError
		require.True(t, errors.As(err, &insufficient))
		assert.True(t, insufficient.Required.Equal(d(15000)))
		assert.Contains(t, err.Error(), "insufficient funds")
		assert.Contains(t, err.Error(), "15000.00")
	})
}
