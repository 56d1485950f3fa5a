package capital

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/signal-tracker/internal/config"
)

func testAllocator(reserve float64) *Allocator {
	return NewAllocator(config.CapitalConfig{
		ReserveBalance:      reserve,
		MinTradeSize:        10,
		MaxTradeSize:        150,
		LowBalanceThreshold: 200,
		LowBalancePct:       0.30,
	})
}

func TestSize(t *testing.T) {
	tests := []struct {
		name       string
		reserve    float64
		capital    float64
		want       float64
		lowBalance bool
	}{
		{"low balance flat 30 percent", 0, 150, 45, true},
		{"low balance with reserve", 20, 150, 45, true},
		{"low balance capped by available", 140, 160, 20, true},
		{"twelve percent tier", 0, 1000, 120, false},
		{"twelve percent of available", 100, 1000, 108, false},
		{"clamped to max", 0, 1900, 150, false},
		{"ten percent tier", 0, 2000, 150, false},
		{"eight percent tier clamped", 0, 5000, 150, false},
		{"minimum floor", 195, 280, 10.2, false},
		{"floor applies", 250, 290, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testAllocator(tt.reserve).Size(tt.capital)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got.AmountUSD, 1e-9)
			assert.Equal(t, tt.lowBalance, got.LowBalance)
			assert.LessOrEqual(t, got.AmountUSD, tt.capital-tt.reserve)
		})
	}
}

func TestSizeRefusesBelowMinimum(t *testing.T) {
	_, err := testAllocator(0).Size(9.99)
	assert.ErrorIs(t, err, ErrInsufficientCapital)

	_, err = testAllocator(50).Size(55)
	assert.ErrorIs(t, err, ErrInsufficientCapital)
}

func TestCapitalNeverNegative(t *testing.T) {
	a := testAllocator(0)
	capital := 1000.0
	for i := 0; i < 200; i++ {
		alloc, err := a.Size(capital)
		if err != nil {
			assert.ErrorIs(t, err, ErrInsufficientCapital)
			break
		}
		capital -= alloc.AmountUSD
		require.GreaterOrEqual(t, capital, 0.0)
	}
}
