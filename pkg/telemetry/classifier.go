// Package telemetry classifies cold-chain sensor windows against threshold bands
// and fetches those windows from a telemetry source.
package telemetry

import (
	"errors"
	"fmt"
	"math"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

var (
	ErrUnorderedWindow = errors.New("telemetry: readings not strictly ordered by capture time")
	ErrEmptyWindow     = errors.New("telemetry: empty window")
)

// Rollup is the window-level digest. Compromised is true iff at least one
// reading is critical; warnings are counted but never compromise a window.
type Rollup = contracts.TelemetrySummary

// Classification is the per-reading result plus its rollup.
type Classification struct {
	// Readings are copies of the input, in input order, with Status set.
	Readings []contracts.TelemetryReading
	Rollup   Rollup
}

// Classify assigns a status to every reading and rolls the window up.
func Classify(readings []contracts.TelemetryReading, band *Band) (Classification, error) {
	if band == nil {
		return Classification{}, fmt.Errorf("%w: nil band", ErrInvalidBand)
	}
	if len(readings) == 0 {
		return Classification{}, ErrEmptyWindow
	}

	out := Classification{
		Readings: make([]contracts.TelemetryReading, len(readings)),
		Rollup: Rollup{
			Band:           band.Name,
			Readings:       len(readings),
			MinTemperature: math.Inf(1),
			MaxTemperature: math.Inf(-1),
			WindowStart:    readings[0].CapturedAt.UTC(),
			WindowEnd:      readings[len(readings)-1].CapturedAt.UTC(),
		},
	}

	for i, r := range readings {
		if i > 0 && !r.CapturedAt.After(readings[i-1].CapturedAt) {
			return Classification{}, fmt.Errorf("%w: reading %d at %s", ErrUnorderedWindow, i, r.CapturedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		status, err := band.Status(r)
		if err != nil {
			return Classification{}, err
		}
		r.Status = status
		out.Readings[i] = r

		switch status {
		case contracts.ReadingOptimal:
			out.Rollup.Optimal++
		case contracts.ReadingWarning:
			out.Rollup.Warning++
		case contracts.ReadingCritical:
			out.Rollup.Critical++
			out.Rollup.Compromised = true
		}
		out.Rollup.MinTemperature = math.Min(out.Rollup.MinTemperature, r.Temperature)
		out.Rollup.MaxTemperature = math.Max(out.Rollup.MaxTemperature, r.Temperature)
	}

	latest := out.Readings[len(out.Readings)-1]
	out.Rollup.LatestTemperature = latest.Temperature
	out.Rollup.LatestHumidity = latest.Humidity
	out.Rollup.LatestStatus = latest.Status
	return out, nil
}
