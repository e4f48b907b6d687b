package cycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParamsValidate(t *testing.T) {
	base := Params{
		ZoneSizePoints: 200,
		InitialVolume:  0.10,
		LotProgression: []float64{0.2, 0.4},
	}
	assert.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero zone size", func(p *Params) { p.ZoneSizePoints = 0 }},
		{"zero initial volume", func(p *Params) { p.InitialVolume = 0 }},
		{"negative progression entry", func(p *Params) { p.LotProgression = []float64{0.2, -0.1} }},
		{"negative max recovery", func(p *Params) { p.MaxRecovery = -1 }},
		{"negative profit target", func(p *Params) { p.ProfitTarget = -5 }},
		{"negative drawdown", func(p *Params) { p.MaxDrawdown = -5 }},
		{"unknown stop unit", func(p *Params) { p.StopUnit = "furlongs" }},
		{"inset swallows the band", func(p *Params) { p.ThresholdInsetPoints = 200 }},
		{"auto bounds without period", func(p *Params) { p.AutoBounds = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestParamsVolumeFor(t *testing.T) {
	p := Params{InitialVolume: 0.10, LotProgression: []float64{0.2, 0.4, 0.8}}

	assert.Equal(t, 0.10, p.VolumeFor(0))
	assert.Equal(t, 0.2, p.VolumeFor(1))
	assert.Equal(t, 0.8, p.VolumeFor(3))
	assert.Equal(t, 0.8, p.VolumeFor(9), "steps past the progression clamp at its end")

	flat := Params{InitialVolume: 0.05}
	assert.Equal(t, 0.05, flat.VolumeFor(4), "no progression falls back to the initial volume")
}

func TestParamsRecoveryLimit(t *testing.T) {
	assert.Equal(t, 3, Params{MaxRecovery: 3, LotProgression: []float64{0.2}}.RecoveryLimit())
	assert.Equal(t, 2, Params{LotProgression: []float64{0.2, 0.4}}.RecoveryLimit())
	assert.Equal(t, 0, Params{}.RecoveryLimit())
}

func TestParamsBandAround(t *testing.T) {
	p := Params{ZoneSizePoints: 100, ThresholdInsetPoints: 20}
	b := p.BandAround(1.1000, 0.0001, 4)

	assert.InDelta(t, 1.0900, b.Lower, 1e-9)
	assert.InDelta(t, 1.1100, b.Upper, 1e-9)
	assert.InDelta(t, 1.0920, b.ThresholdLower, 1e-9)
	assert.InDelta(t, 1.1080, b.ThresholdUpper, 1e-9)

	noInset := Params{ZoneSizePoints: 100}.BandAround(1.1000, 0.0001, 4)
	assert.Zero(t, noInset.ThresholdLower)
	assert.Zero(t, noInset.ThresholdUpper)
}
