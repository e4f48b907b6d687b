package mt5

import (
	"strings"
	"testing"

	"cyclone/internal/gateway/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fiveDigitInfo() venue.SymbolInfo {
	return venue.SymbolInfo{
		Name: "EURUSD", Digits: 5, Point: 0.00001, StopsLevel: 10,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
	}
}

func TestResolveStopsConvertsDistancesAroundAnchor(t *testing.T) {
	info := fiveDigitInfo()
	anchor := 1.08350

	tests := []struct {
		name   string
		intent venue.Intent
		sl, tp float64
	}{
		{
			name:   "buy in points lands sl below tp above",
			intent: venue.Intent{Symbol: "EURUSD", Type: venue.TypeBuy, StopLoss: 200, TakeProfit: 300, StopUnit: venue.UnitPoints},
			sl:     1.08150, tp: 1.08650,
		},
		{
			name:   "sell mirrors the directions",
			intent: venue.Intent{Symbol: "EURUSD", Type: venue.TypeSell, StopLoss: 200, TakeProfit: 300, StopUnit: venue.UnitPoints},
			sl:     1.08550, tp: 1.08050,
		},
		{
			name:   "pips are ten points",
			intent: venue.Intent{Symbol: "EURUSD", Type: venue.TypeBuy, StopLoss: 20, TakeProfit: 30, StopUnit: venue.UnitPips},
			sl:     1.08150, tp: 1.08650,
		},
		{
			name:   "absolute prices pass through rounded",
			intent: venue.Intent{Symbol: "EURUSD", Type: venue.TypeBuy, StopLoss: 1.081504, TakeProfit: 1.086497, StopUnit: venue.UnitPrice},
			sl:     1.08150, tp: 1.08650,
		},
		{
			name:   "empty unit means absolute price",
			intent: venue.Intent{Symbol: "EURUSD", Type: venue.TypeBuy, StopLoss: 1.08150},
			sl:     1.08150, tp: 0,
		},
		{
			name:   "zero distances stay zero",
			intent: venue.Intent{Symbol: "EURUSD", Type: venue.TypeBuy, StopUnit: venue.UnitPoints},
			sl:     0, tp: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sl, tp, err := resolveStops(tc.intent, info, anchor)
			require.NoError(t, err)
			assert.InDelta(t, tc.sl, sl, 1e-9)
			assert.InDelta(t, tc.tp, tp, 1e-9)
		})
	}
}

func TestResolveStopsRejectsLevelsInsideStopsLevel(t *testing.T) {
	info := fiveDigitInfo()
	info.StopsLevel = 50 // min distance 0.00050

	_, _, err := resolveStops(venue.Intent{
		Symbol: "EURUSD", Type: venue.TypeBuy,
		StopLoss: 30, StopUnit: venue.UnitPoints,
	}, info, 1.08350)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop loss")

	_, _, err = resolveStops(venue.Intent{
		Symbol: "EURUSD", Type: venue.TypeBuy,
		TakeProfit: 1.08360, StopUnit: venue.UnitPrice,
	}, info, 1.08350)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "take profit")
}

func TestResolveStopsNeedsAnchorAndPointForDistances(t *testing.T) {
	info := fiveDigitInfo()

	_, _, err := resolveStops(venue.Intent{
		Symbol: "EURUSD", Type: venue.TypeBuy,
		StopLoss: 200, StopUnit: venue.UnitPoints,
	}, info, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anchor")

	info.Point = 0
	_, _, err = resolveStops(venue.Intent{
		Symbol: "EURUSD", Type: venue.TypeBuy,
		StopLoss: 200, StopUnit: venue.UnitPoints,
	}, info, 1.08350)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "point size")
}

func TestNormalizeVolumeSnapsAndClamps(t *testing.T) {
	info := fiveDigitInfo()

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"on the grid", 0.10, 0.10},
		{"binary drift snaps clean", 0.1 + 0.2, 0.30},
		{"rounds to nearest step", 0.013, 0.01},
		{"rounds up past half step", 0.017, 0.02},
		{"below minimum clamps up", 0.004, 0.01},
		{"above maximum clamps down", 150, 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalizeVolume(tc.in, info)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}

	_, err := normalizeVolume(0, info)
	require.Error(t, err)
	_, err = normalizeVolume(-0.1, info)
	require.Error(t, err)
}

func TestAnchorPricePicksTheFillSide(t *testing.T) {
	tick := venue.Tick{Symbol: "EURUSD", Bid: 1.0833, Ask: 1.0835}

	buy := venue.Intent{Type: venue.TypeBuy}
	assert.InDelta(t, 1.0835, anchorPrice(buy, tick), 1e-9)

	sell := venue.Intent{Type: venue.TypeSell}
	assert.InDelta(t, 1.0833, anchorPrice(sell, tick), 1e-9)

	pending := venue.Intent{Type: venue.TypeBuyStop, Price: 1.0900}
	assert.InDelta(t, 1.0900, anchorPrice(pending, tick), 1e-9)

	// A one-sided quote falls back to whatever is there.
	askOnly := venue.Tick{Ask: 1.0835}
	assert.InDelta(t, 1.0835, anchorPrice(sell, askOnly), 1e-9)
}

func TestSubmitCommentCarriesCorrelation(t *testing.T) {
	assert.Equal(t, "cyc-abc123", submitComment(venue.Intent{Correlation: "cyc-abc123", Comment: "ignored"}))
	assert.Equal(t, "manual note", submitComment(venue.Intent{Comment: " manual note "}))

	// The terminal truncates at 31 characters, so we do it first.
	long := strings.Repeat("x", 40)
	assert.Len(t, submitComment(venue.Intent{Correlation: long}), 31)
}

func TestRoundToDigits(t *testing.T) {
	assert.InDelta(t, 1.23457, roundToDigits(1.234567, 5), 1e-9)
	assert.InDelta(t, 108.35, roundToDigits(108.3450001, 2), 1e-9)
	assert.Zero(t, roundToDigits(0, 5))
	assert.InDelta(t, 2, roundToDigits(1.6, -1), 1e-9)
}
