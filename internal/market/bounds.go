package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"

	"cyclone/internal/cycle"
	"cyclone/internal/gateway/venue"
)

const atrCacheTTL = 5 * time.Minute

// Bounds derives band widths from recent volatility. ATR values are
// cached per symbol so a burst of cycle openings does not hammer the
// venue history endpoint.
type Bounds struct {
	data      venue.MarketData
	timeframe string

	mu    sync.RWMutex
	cache map[string]atrSnapshot
}

type atrSnapshot struct {
	atr       float64
	period    int
	updatedAt time.Time
}

// NewBounds builds the calculator. timeframe is the candle timeframe the
// ATR is computed on, e.g. "M15".
func NewBounds(data venue.MarketData, timeframe string) *Bounds {
	if timeframe = strings.TrimSpace(timeframe); timeframe == "" {
		timeframe = "M15"
	}
	return &Bounds{
		data:      data,
		timeframe: timeframe,
		cache:     make(map[string]atrSnapshot),
	}
}

// ZonePoints resolves the band half-width in points for one cycle. Fixed
// parameter sets pass through untouched; auto-bounds sets derive it from
// the symbol's ATR scaled by the configured multiplier.
func (b *Bounds) ZonePoints(ctx context.Context, symbol string, p cycle.Params, info venue.SymbolInfo) (float64, error) {
	if !p.AutoBounds {
		return p.ZoneSizePoints, nil
	}
	atr, err := b.ATR(ctx, symbol, p.ATRPeriod)
	if err != nil {
		return 0, err
	}
	point := info.Point
	if point <= 0 {
		point = 1e-5
	}
	points := atr * p.ATRMultiplier / point
	if points < 1 {
		return 0, fmt.Errorf("derived zone width %.2f points for %s is unusable (atr=%v)", points, symbol, atr)
	}
	return points, nil
}

// ATR returns the average true range for the symbol on the configured
// timeframe, serving a cached value while it is fresh.
func (b *Bounds) ATR(ctx context.Context, symbol string, period int) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if period <= 1 {
		return 0, fmt.Errorf("atr period must be greater than 1, got %d", period)
	}
	b.mu.RLock()
	snap, ok := b.cache[symbol]
	b.mu.RUnlock()
	if ok && snap.period == period && time.Since(snap.updatedAt) < atrCacheTTL {
		return snap.atr, nil
	}

	count := period * 3
	if count < 50 {
		count = 50
	}
	candles, err := b.data.Candles(ctx, symbol, b.timeframe, count)
	if err != nil {
		return 0, fmt.Errorf("fetch %s %s candles: %w", symbol, b.timeframe, err)
	}
	if len(candles) <= period {
		return 0, fmt.Errorf("need more than %d candles for %s atr, got %d", period, symbol, len(candles))
	}

	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	atr := lastNonZero(talib.Atr(highs, lows, closes, period))
	if atr <= 0 {
		return 0, fmt.Errorf("atr for %s came out flat", symbol)
	}

	b.mu.Lock()
	b.cache[symbol] = atrSnapshot{atr: atr, period: period, updatedAt: time.Now()}
	b.mu.Unlock()
	return atr, nil
}

func lastNonZero(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if series[i] != 0 {
			return series[i]
		}
	}
	return 0
}
