package cycle

import (
	"fmt"

	"github.com/shopspring/decimal"

	"cyclone/internal/gateway/venue"
)

// Params is the strategy parameter snapshot a cycle is created with. The
// snapshot is stored alongside the cycle so later template edits never
// change the behavior of cycles already running.
type Params struct {
	// ZoneSizePoints is the half-width of the managed band in points.
	ZoneSizePoints float64 `json:"zone_size_points" yaml:"zone_size_points"`
	// InitialVolume is the lot size of the opening order.
	InitialVolume float64 `json:"initial_volume" yaml:"initial_volume"`
	// LotProgression holds the lot sizes for successive recovery steps.
	// lot_idx indexes into this list and clamps at the last entry.
	LotProgression []float64 `json:"lot_progression" yaml:"lot_progression"`
	// MaxRecovery bounds how many recovery steps may be taken before the
	// cycle is abandoned via stop-out.
	MaxRecovery int `json:"max_recovery" yaml:"max_recovery"`

	// ProfitTarget closes the cycle once its total profit in account
	// currency reaches this value. Zero disables the target.
	ProfitTarget float64 `json:"profit_target" yaml:"profit_target"`
	// MaxDrawdown stops the cycle out once its total loss in account
	// currency reaches this value. Zero disables the stop.
	MaxDrawdown float64 `json:"max_drawdown" yaml:"max_drawdown"`
	// TakeProfitDistance and StopLossDistance are attached to each order,
	// expressed in StopUnit. Zero leaves the level unset.
	TakeProfitDistance float64 `json:"take_profit_distance" yaml:"take_profit_distance"`
	StopLossDistance   float64 `json:"stop_loss_distance" yaml:"stop_loss_distance"`
	// StopUnit states how the two distances above are expressed.
	StopUnit venue.StopUnit `json:"stop_unit" yaml:"stop_unit"`

	// ThresholdInsetPoints nests an inner band this many points inside the
	// outer bound. Zero disables the inner band.
	ThresholdInsetPoints float64 `json:"threshold_inset_points" yaml:"threshold_inset_points"`

	// AutoBounds derives ZoneSizePoints from recent volatility instead of
	// the fixed value above.
	AutoBounds    bool    `json:"auto_bounds" yaml:"auto_bounds"`
	ATRPeriod     int     `json:"atr_period" yaml:"atr_period"`
	ATRMultiplier float64 `json:"atr_multiplier" yaml:"atr_multiplier"`
}

// Validate checks internal consistency. Zone size and initial volume are
// mandatory; everything else has a usable zero value.
func (p Params) Validate() error {
	if p.ZoneSizePoints <= 0 {
		return fmt.Errorf("zone_size_points must be positive, got %v", p.ZoneSizePoints)
	}
	if p.InitialVolume <= 0 {
		return fmt.Errorf("initial_volume must be positive, got %v", p.InitialVolume)
	}
	for i, lot := range p.LotProgression {
		if lot <= 0 {
			return fmt.Errorf("lot_progression[%d] must be positive, got %v", i, lot)
		}
	}
	if p.MaxRecovery < 0 {
		return fmt.Errorf("max_recovery must not be negative, got %d", p.MaxRecovery)
	}
	if p.ProfitTarget < 0 {
		return fmt.Errorf("profit_target must not be negative, got %v", p.ProfitTarget)
	}
	if p.MaxDrawdown < 0 {
		return fmt.Errorf("max_drawdown must not be negative, got %v", p.MaxDrawdown)
	}
	if p.TakeProfitDistance < 0 || p.StopLossDistance < 0 {
		return fmt.Errorf("stop distances must not be negative")
	}
	if p.StopUnit != "" {
		switch p.StopUnit {
		case venue.UnitPrice, venue.UnitPoints, venue.UnitPips:
		default:
			return fmt.Errorf("unknown stop_unit %q", p.StopUnit)
		}
	}
	if p.ThresholdInsetPoints < 0 {
		return fmt.Errorf("threshold_inset_points must not be negative")
	}
	if p.ThresholdInsetPoints > 0 && p.ThresholdInsetPoints >= p.ZoneSizePoints {
		return fmt.Errorf("threshold inset %v leaves no inner band inside zone size %v", p.ThresholdInsetPoints, p.ZoneSizePoints)
	}
	if p.AutoBounds {
		if p.ATRPeriod <= 1 {
			return fmt.Errorf("atr_period must be greater than 1 when auto_bounds is set")
		}
		if p.ATRMultiplier <= 0 {
			return fmt.Errorf("atr_multiplier must be positive when auto_bounds is set")
		}
	}
	return nil
}

// VolumeFor returns the lot size for a position-sizing step. Step 0 is the
// initial volume; deeper steps walk the progression and clamp at its end.
func (p Params) VolumeFor(lotIdx int) float64 {
	if lotIdx <= 0 || len(p.LotProgression) == 0 {
		return p.InitialVolume
	}
	i := lotIdx - 1
	if i >= len(p.LotProgression) {
		i = len(p.LotProgression) - 1
	}
	return p.LotProgression[i]
}

// RecoveryLimit returns the effective number of recovery steps allowed.
func (p Params) RecoveryLimit() int {
	if p.MaxRecovery > 0 {
		return p.MaxRecovery
	}
	if len(p.LotProgression) > 0 {
		return len(p.LotProgression)
	}
	return 0
}

// Band holds the derived price bounds of a cycle.
type Band struct {
	Lower          float64
	Upper          float64
	ThresholdLower float64
	ThresholdUpper float64
}

// BandAround centers the managed band on an anchor price. All arithmetic is
// done in decimals scaled by the symbol point so bounds land exactly on a
// price grid step regardless of float representation.
func (p Params) BandAround(anchor float64, point float64, digits int) Band {
	if point <= 0 {
		point = 1e-5
	}
	anchorDec := decimal.NewFromFloat(anchor)
	halfWidth := decimal.NewFromFloat(p.ZoneSizePoints).Mul(decimal.NewFromFloat(point))
	lower := anchorDec.Sub(halfWidth).Round(int32(digits))
	upper := anchorDec.Add(halfWidth).Round(int32(digits))

	band := Band{
		Lower: lower.InexactFloat64(),
		Upper: upper.InexactFloat64(),
	}
	if p.ThresholdInsetPoints > 0 {
		inset := decimal.NewFromFloat(p.ThresholdInsetPoints).Mul(decimal.NewFromFloat(point))
		band.ThresholdLower = lower.Add(inset).Round(int32(digits)).InexactFloat64()
		band.ThresholdUpper = upper.Sub(inset).Round(int32(digits)).InexactFloat64()
	}
	return band
}
