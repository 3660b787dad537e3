package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		period int
		want   []float64
		isNil  bool
	}{
		{
			name:   "basic average",
			values: []float64{1, 2, 3, 4, 5},
			period: 3,
			want:   []float64{0, 0, 2, 3, 4},
		},
		{
			name:   "period of one echoes input",
			values: []float64{5, 7, 9},
			period: 1,
			want:   []float64{5, 7, 9},
		},
		{
			name:   "too few values",
			values: []float64{1, 2},
			period: 3,
			isNil:  true,
		},
		{
			name:   "zero period",
			values: []float64{1, 2, 3},
			period: 0,
			isNil:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SMA(tt.values, tt.period)
			if tt.isNil {
				assert.Nil(t, got)
				return
			}
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-9)
			}
		})
	}
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		period int
		want   []float64
		isNil  bool
	}{
		{
			name:   "mixed moves",
			prices: []float64{10, 11, 12, 11, 10, 9, 10, 11, 12, 13, 14, 13, 12, 11, 12},
			period: 5,
			want: []float64{
				math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(),
				40.00, 52.00, 61.60, 69.28, 75.42, 80.34, 64.27, 51.42, 41.13, 52.91,
			},
		},
		{
			name:   "all increasing",
			prices: []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19},
			period: 3,
			want: []float64{
				math.NaN(), math.NaN(), math.NaN(),
				100, 100, 100, 100, 100, 100, 100,
			},
		},
		{
			name:   "all decreasing",
			prices: []float64{20, 19, 18, 17, 16, 15, 14, 13, 12, 11},
			period: 3,
			want: []float64{
				math.NaN(), math.NaN(), math.NaN(),
				0, 0, 0, 0, 0, 0, 0,
			},
		},
		{
			name:   "too few prices",
			prices: []float64{10, 11},
			period: 5,
			isNil:  true,
		},
		{
			// The seed needs period changes, so period+1 prices is the
			// minimum that produces a value.
			name:   "exactly period prices",
			prices: []float64{10, 11, 12, 13, 14},
			period: 5,
			isNil:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RSI(tt.prices, tt.period)
			if tt.isNil {
				assert.Nil(t, got)
				return
			}
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				if math.IsNaN(tt.want[i]) {
					assert.True(t, math.IsNaN(got[i]), "index %d should be NaN", i)
					continue
				}
				assert.InDelta(t, tt.want[i], got[i], 0.01, "index %d", i)
			}
		})
	}
}

func TestBollinger(t *testing.T) {
	prices := []float64{20, 21, 22, 23, 24}

	bands, ok := Bollinger(prices, 5, 2)
	require.True(t, ok)
	assert.InDelta(t, 22.0, bands.Middle, 1e-9)
	// Population std dev of {20..24} is sqrt(2).
	sd := math.Sqrt(2)
	assert.InDelta(t, 22+2*sd, bands.Upper, 1e-9)
	assert.InDelta(t, 22-2*sd, bands.Lower, 1e-9)
}

func TestBollingerUsesTrailingWindow(t *testing.T) {
	prices := []float64{1000, 1000, 10, 10, 10, 10}

	bands, ok := Bollinger(prices, 4, 2)
	require.True(t, ok)
	assert.InDelta(t, 10.0, bands.Middle, 1e-9)
	assert.InDelta(t, 10.0, bands.Upper, 1e-9)
}

func TestBollingerTooFewPrices(t *testing.T) {
	_, ok := Bollinger([]float64{1, 2}, 5, 2)
	assert.False(t, ok)
}

func TestLast(t *testing.T) {
	assert.Equal(t, 0.0, Last(nil))
	assert.Equal(t, 3.0, Last([]float64{1, 2, 3}))
}
