package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const strategiesFixture = `strategies:
  zone_classic:
    description: Fixed-width zone recovery
    version: 2
    symbols: [eurusd, GBPUSD]
    params:
      zone_size_points: 200
      initial_volume: 0.1
      lot_progression: [0.1, 0.2, 0.4]
      max_recovery: 6
      profit_target: 50
      stop_unit: points
    schema:
      type: object
      additionalProperties: false
      properties:
        profit_target:
          type: number
          maximum: 100
  atr_adaptive:
    params:
      zone_size_points: 150
      initial_volume: 0.05
      auto_bounds: true
      atr_period: 14
      atr_multiplier: 1.5
`

func writeStrategies(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(writeStrategies(t, strategiesFixture))
	require.NoError(t, err)
	return reg
}

func TestNewRegistryLoadsAndNormalizesTemplates(t *testing.T) {
	reg := newTestRegistry(t)

	assert.Equal(t, []string{"atr_adaptive", "zone_classic"}, reg.IDs())

	tpl, ok := reg.Template("zone_classic")
	require.True(t, ok)
	assert.Equal(t, "zone_classic", tpl.ID)
	assert.Equal(t, 2, tpl.Version)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, tpl.Symbols)
	assert.InDelta(t, 200, tpl.Params.ZoneSizePoints, 1e-9)

	// ID falls back to the map key and version defaults to 1.
	tpl, ok = reg.Template("atr_adaptive")
	require.True(t, ok)
	assert.Equal(t, "atr_adaptive", tpl.ID)
	assert.Equal(t, 1, tpl.Version)
	assert.True(t, tpl.Params.AutoBounds)

	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, snap.Templates, 2)
	assert.False(t, snap.LoadedAt.IsZero())
}

func TestResolveAppliesOverridesOnTopOfTemplate(t *testing.T) {
	reg := newTestRegistry(t)

	tpl, params, err := reg.Resolve("zone_classic", "eurusd", map[string]any{"profit_target": 75.0})
	require.NoError(t, err)
	assert.Equal(t, "zone_classic", tpl.ID)
	assert.InDelta(t, 75, params.ProfitTarget, 1e-9)
	// Fields not overridden keep the template values.
	assert.InDelta(t, 200, params.ZoneSizePoints, 1e-9)
	assert.Equal(t, []float64{0.1, 0.2, 0.4}, params.LotProgression)

	_, params, err = reg.Resolve("zone_classic", "GBPUSD", nil)
	require.NoError(t, err)
	assert.InDelta(t, 50, params.ProfitTarget, 1e-9)
}

func TestResolveRejectsUnknownStrategyAndSymbol(t *testing.T) {
	reg := newTestRegistry(t)

	_, _, err := reg.Resolve("does_not_exist", "EURUSD", nil)
	assert.ErrorContains(t, err, "unknown strategy")

	_, _, err = reg.Resolve("zone_classic", "USDJPY", nil)
	assert.ErrorContains(t, err, "does not trade")

	// A template without a symbols list trades anything.
	_, _, err = reg.Resolve("atr_adaptive", "USDJPY", nil)
	assert.NoError(t, err)
}

func TestResolveValidatesOverridesAgainstSchema(t *testing.T) {
	reg := newTestRegistry(t)

	_, _, err := reg.Resolve("zone_classic", "EURUSD", map[string]any{"profit_target": 500.0})
	assert.ErrorContains(t, err, "overrides rejected")

	_, _, err = reg.Resolve("zone_classic", "EURUSD", map[string]any{"zone_size_points": 100.0})
	assert.ErrorContains(t, err, "overrides rejected")

	// Numeric strings coerce before schema validation; hand-typed request
	// bodies commonly carry them.
	_, params, err := reg.Resolve("zone_classic", "EURUSD", map[string]any{"profit_target": "80"})
	require.NoError(t, err)
	assert.InDelta(t, 80, params.ProfitTarget, 1e-9)
}

func TestResolveRejectsInvalidMergedParams(t *testing.T) {
	reg := newTestRegistry(t)

	// atr_adaptive has no schema, so the merged params validation is the
	// backstop.
	_, _, err := reg.Resolve("atr_adaptive", "EURUSD", map[string]any{"initial_volume": -1.0})
	assert.ErrorContains(t, err, "initial_volume")
}

func TestNewRegistryRejectsBadFiles(t *testing.T) {
	_, err := NewRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = NewRegistry(writeStrategies(t, "strategies: {}\n"))
	assert.ErrorContains(t, err, "no templates")

	_, err = NewRegistry(writeStrategies(t, `strategies:
  broken:
    params:
      zone_size_points: 0
      initial_volume: 0.1
`))
	assert.ErrorContains(t, err, "zone_size_points")

	_, err = NewRegistry("")
	assert.Error(t, err)
}
