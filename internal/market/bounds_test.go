package market

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cyclone/internal/cycle"
	"cyclone/internal/gateway/venue"
)

func flatRangeCandles(n int) []venue.Candle {
	out := make([]venue.Candle, n)
	for i := range out {
		out[i] = venue.Candle{Open: 1.1, High: 1.2, Low: 1.0, Close: 1.1}
	}
	return out
}

func TestBoundsFixedZonePassesThrough(t *testing.T) {
	data := new(MockMarketData)
	b := NewBounds(data, "M15")

	points, err := b.ZonePoints(context.Background(), "EURUSD", cycle.Params{ZoneSizePoints: 250}, venue.SymbolInfo{Point: 0.0001})
	require.NoError(t, err)
	assert.Equal(t, 250.0, points)
	data.AssertNotCalled(t, "Candles")
}

func TestBoundsDerivesZoneFromATR(t *testing.T) {
	data := new(MockMarketData)
	data.On("Candles", mock.Anything, "EURUSD", "M15", 50).Return(flatRangeCandles(50), nil).Once()
	b := NewBounds(data, "M15")

	p := cycle.Params{AutoBounds: true, ATRPeriod: 3, ATRMultiplier: 1.5}
	points, err := b.ZonePoints(context.Background(), "EURUSD", p, venue.SymbolInfo{Point: 0.0001})
	require.NoError(t, err)
	// Constant 0.2 true range smooths to a 0.2 ATR, scaled by 1.5 over a
	// 0.0001 point.
	assert.InDelta(t, 3000, points, 1e-6)

	// Second resolution inside the TTL serves the cache.
	_, err = b.ZonePoints(context.Background(), "EURUSD", p, venue.SymbolInfo{Point: 0.0001})
	require.NoError(t, err)
	data.AssertExpectations(t)
}

func TestBoundsATRErrors(t *testing.T) {
	t.Run("bad period", func(t *testing.T) {
		b := NewBounds(new(MockMarketData), "M15")
		_, err := b.ATR(context.Background(), "EURUSD", 1)
		assert.Error(t, err)
	})

	t.Run("fetch failure", func(t *testing.T) {
		data := new(MockMarketData)
		data.On("Candles", mock.Anything, "EURUSD", "M15", 50).Return(nil, errors.New("gateway down"))
		b := NewBounds(data, "M15")
		_, err := b.ATR(context.Background(), "EURUSD", 14)
		assert.ErrorContains(t, err, "gateway down")
	})

	t.Run("too little history", func(t *testing.T) {
		data := new(MockMarketData)
		data.On("Candles", mock.Anything, "EURUSD", "M15", 50).Return(flatRangeCandles(10), nil)
		b := NewBounds(data, "M15")
		_, err := b.ATR(context.Background(), "EURUSD", 14)
		assert.ErrorContains(t, err, "need more than 14 candles")
	})
}
