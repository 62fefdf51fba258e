package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

var t0 = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func series(temps ...float64) []contracts.TelemetryReading {
	out := make([]contracts.TelemetryReading, len(temps))
	for i, temp := range temps {
		out[i] = contracts.TelemetryReading{
			UnitID:      "u1",
			Temperature: temp,
			Humidity:    60,
			CapturedAt:  t0.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestClassify_UltraColdCritical(t *testing.T) {
	band := DefaultProfile().BandFor(contracts.CategoryVaccine, true)
	c, err := Classify(series(-70, -72, -63, -70), band)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReadingCritical, c.Readings[2].Status)
	assert.True(t, c.Rollup.Compromised)
	assert.Equal(t, 3, c.Rollup.Optimal)
	assert.Equal(t, 1, c.Rollup.Critical)
	assert.Equal(t, BandUltraCold, c.Rollup.Band)
	assert.Equal(t, -72.0, c.Rollup.MinTemperature)
	assert.Equal(t, -63.0, c.Rollup.MaxTemperature)
	assert.Equal(t, -70.0, c.Rollup.LatestTemperature)
	assert.Equal(t, contracts.ReadingOptimal, c.Rollup.LatestStatus)
}

func TestClassify_BoundariesAreInclusive(t *testing.T) {
	band := DefaultProfile().BandFor(contracts.CategoryVaccine, true)
	c, err := Classify(series(-80, -65), band)
	require.NoError(t, err)
	assert.False(t, c.Rollup.Compromised)
	assert.Equal(t, 2, c.Rollup.Optimal)
}

func TestClassify_WarningsNeverCompromise(t *testing.T) {
	band := DefaultProfile().BandFor(contracts.CategoryInsulin, true)
	c, err := Classify(series(9, 10, 11, 12, 1), band)
	require.NoError(t, err)

	for _, r := range c.Readings {
		assert.Equal(t, contracts.ReadingWarning, r.Status)
	}
	assert.Equal(t, 5, c.Rollup.Warning)
	assert.False(t, c.Rollup.Compromised, "sustained warnings stay below the critical tier")
}

func TestClassify_AmbientFallback(t *testing.T) {
	p := DefaultProfile()
	assert.Equal(t, BandAmbient, p.BandFor(contracts.CategoryVaccine, false).Name)
	assert.Equal(t, BandAmbient, p.BandFor(contracts.CategoryAntibiotic, true).Name)

	c, err := Classify(series(20, 36, -6), p.BandFor(contracts.CategoryPainkiller, false))
	require.NoError(t, err)
	assert.Equal(t, []contracts.ReadingStatus{contracts.ReadingOptimal, contracts.ReadingWarning, contracts.ReadingWarning},
		[]contracts.ReadingStatus{c.Readings[0].Status, c.Readings[1].Status, c.Readings[2].Status})
}

func TestClassify_DoesNotMutateInput(t *testing.T) {
	in := series(-70)
	_, err := Classify(in, DefaultProfile().BandFor(contracts.CategoryVaccine, true))
	require.NoError(t, err)
	assert.Empty(t, in[0].Status)
}

func TestClassify_RejectsUnorderedWindow(t *testing.T) {
	band := DefaultProfile().BandFor(contracts.CategoryVaccine, true)

	dup := series(-70, -70)
	dup[1].CapturedAt = dup[0].CapturedAt
	if _, err := Classify(dup, band); !errors.Is(err, ErrUnorderedWindow) {
		t.Fatalf("duplicate timestamp: expected ErrUnorderedWindow, got %v", err)
	}

	rev := series(-70, -70)
	rev[0], rev[1] = rev[1], rev[0]
	if _, err := Classify(rev, band); !errors.Is(err, ErrUnorderedWindow) {
		t.Fatalf("reversed window: expected ErrUnorderedWindow, got %v", err)
	}
}

func TestClassify_EmptyWindow(t *testing.T) {
	_, err := Classify(nil, DefaultProfile().BandFor(contracts.CategoryVaccine, true))
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestExprBand(t *testing.T) {
	band, err := ExprBand("humid-ambient", "temperature > 30.0 || humidity > 80.0", contracts.ReadingWarning)
	require.NoError(t, err)

	readings := series(20, 20, 31)
	readings[1].Humidity = 85
	c, err := Classify(readings, band)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReadingOptimal, c.Readings[0].Status)
	assert.Equal(t, contracts.ReadingWarning, c.Readings[1].Status)
	assert.Equal(t, contracts.ReadingWarning, c.Readings[2].Status)
}

func TestExprBand_Invalid(t *testing.T) {
	_, err := ExprBand("bad", "temperature + 1.0", contracts.ReadingWarning)
	assert.ErrorIs(t, err, ErrInvalidBand, "non-boolean expression")

	_, err = ExprBand("bad", "pressure > 1.0", contracts.ReadingWarning)
	assert.ErrorIs(t, err, ErrInvalidBand, "undeclared variable")

	_, err = ExprBand("bad", "temperature > 1.0", contracts.ReadingOptimal)
	assert.ErrorIs(t, err, ErrInvalidBand, "optimal is not a breach status")
}
