package mt5

import (
	"fmt"
	"math"

	"cyclone/internal/gateway/venue"

	"github.com/shopspring/decimal"
)

// Stop distances arrive in raw price, points (one tick size), or pips
// (ten tick sizes). Everything the terminal sees is an absolute price
// rounded to the symbol's digits.

// resolveStops converts an intent's stop-loss/take-profit into absolute
// prices around the anchor: the live price for market orders, the
// requested entry for pendings. Buy stops land below the anchor and buy
// targets above; sell is mirrored. Zero values stay zero (no stop).
func resolveStops(intent venue.Intent, info venue.SymbolInfo, anchor float64) (sl, tp float64, err error) {
	unit := intent.StopUnit
	if unit == "" {
		unit = venue.UnitPrice
	}
	if unit == venue.UnitPrice {
		sl = roundToDigits(intent.StopLoss, info.Digits)
		tp = roundToDigits(intent.TakeProfit, info.Digits)
		return sl, tp, validateStopDistances(info, anchor, sl, tp)
	}

	if info.Point <= 0 {
		return 0, 0, fmt.Errorf("symbol %s has no point size", info.Name)
	}
	if anchor <= 0 {
		return 0, 0, fmt.Errorf("no price anchor for %s stop conversion", intent.Symbol)
	}
	mult := 1.0
	if unit == venue.UnitPips {
		mult = 10.0
	}

	dir := 1.0
	if intent.Type.Side() == venue.SideSell {
		dir = -1.0
	}
	if d := intent.StopLoss; d > 0 {
		sl = roundToDigits(anchor-dir*d*mult*info.Point, info.Digits)
	}
	if d := intent.TakeProfit; d > 0 {
		tp = roundToDigits(anchor+dir*d*mult*info.Point, info.Digits)
	}
	return sl, tp, validateStopDistances(info, anchor, sl, tp)
}

// validateStopDistances rejects stops closer to the anchor than the
// venue's minimum (stops level x point) before the terminal can.
func validateStopDistances(info venue.SymbolInfo, anchor, sl, tp float64) error {
	if info.StopsLevel <= 0 || info.Point <= 0 || anchor <= 0 {
		return nil
	}
	min := float64(info.StopsLevel) * info.Point
	if sl > 0 && math.Abs(anchor-sl) < min {
		return fmt.Errorf("stop loss %.5f within %d points of price %.5f", sl, info.StopsLevel, anchor)
	}
	if tp > 0 && math.Abs(anchor-tp) < min {
		return fmt.Errorf("take profit %.5f within %d points of price %.5f", tp, info.StopsLevel, anchor)
	}
	return nil
}

// roundToDigits rounds a price to the symbol's digit count.
func roundToDigits(value float64, digits int) float64 {
	if value == 0 {
		return 0
	}
	if digits < 0 {
		digits = 0
	}
	factor := math.Pow10(digits)
	return math.Round(value*factor) / factor
}

// normalizeVolume snaps a requested volume onto the symbol's step grid
// and clamps it into the allowed range. Decimal arithmetic keeps
// 0.1+0.2-style drift out of lot sizes.
func normalizeVolume(vol float64, info venue.SymbolInfo) (float64, error) {
	if vol <= 0 {
		return 0, fmt.Errorf("volume must be positive, got %v", vol)
	}
	step := info.VolumeStep
	if step <= 0 {
		step = 0.01
	}
	d := decimal.NewFromFloat(vol)
	dStep := decimal.NewFromFloat(step)
	steps := d.Div(dStep).Round(0)
	snapped := steps.Mul(dStep)

	if info.VolumeMin > 0 && snapped.LessThan(decimal.NewFromFloat(info.VolumeMin)) {
		snapped = decimal.NewFromFloat(info.VolumeMin)
	}
	if info.VolumeMax > 0 && snapped.GreaterThan(decimal.NewFromFloat(info.VolumeMax)) {
		snapped = decimal.NewFromFloat(info.VolumeMax)
	}
	out, _ := snapped.Float64()
	if out <= 0 {
		return 0, fmt.Errorf("volume %v below symbol minimum", vol)
	}
	return out, nil
}

// anchorPrice picks the conversion anchor: pendings anchor at their
// requested entry, market orders at the current quote on the side they
// would fill (buy fills at ask, sell at bid).
func anchorPrice(intent venue.Intent, tick venue.Tick) float64 {
	if intent.Type.IsPending() {
		return intent.Price
	}
	if intent.Type.Side() == venue.SideBuy {
		if tick.Ask > 0 {
			return tick.Ask
		}
	} else if tick.Bid > 0 {
		return tick.Bid
	}
	return tick.Mid()
}

func toVenueOrderFromPosition(p bridgePosition) venue.Order {
	return venue.Order{
		Ticket:     venue.Ticket(p.Ticket),
		Symbol:     p.Symbol,
		Type:       venue.OrderType(p.Type),
		Kind:       venue.KindPosition,
		Volume:     p.Volume,
		OpenPrice:  p.PriceOpen,
		Price:      p.PriceCurrent,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Commission: p.Commission,
		Swap:       p.Swap,
		Profit:     p.Profit,
		OpenTime:   millisToTime(p.TimeMs),
		Magic:      p.Magic,
		Comment:    p.Comment,
	}
}

func toVenueOrderFromPending(o bridgeOrder) venue.Order {
	return venue.Order{
		Ticket:     venue.Ticket(o.Ticket),
		Symbol:     o.Symbol,
		Type:       venue.OrderType(o.Type),
		Kind:       venue.KindPending,
		Volume:     o.Volume,
		OpenPrice:  o.PriceOpen,
		Price:      o.PriceCurrent,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
		OpenTime:   millisToTime(o.TimeSetupMs),
		Magic:      o.Magic,
		Comment:    o.Comment,
	}
}

func toVenueSymbolInfo(s symbolInfoResponse) venue.SymbolInfo {
	return venue.SymbolInfo{
		Name:        s.Name,
		Digits:      s.Digits,
		Point:       s.Point,
		StopsLevel:  s.StopsLevel,
		VolumeMin:   s.VolumeMin,
		VolumeMax:   s.VolumeMax,
		VolumeStep:  s.VolumeStep,
		ContractSz:  s.ContractSize,
		Description: s.Description,
	}
}

func toVenueTick(t tickResponse) venue.Tick {
	return venue.Tick{
		Symbol: t.Symbol,
		Bid:    t.Bid,
		Ask:    t.Ask,
		Last:   t.Last,
		Time:   millisToTime(t.TimeMs),
	}
}
