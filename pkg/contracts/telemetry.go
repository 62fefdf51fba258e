package contracts

import "time"

// ReadingStatus is the per-reading classification.
type ReadingStatus string

const (
	ReadingOptimal  ReadingStatus = "optimal"
	ReadingWarning  ReadingStatus = "warning"
	ReadingCritical ReadingStatus = "critical"
)

// Valid reports whether s is a known reading status.
func (s ReadingStatus) Valid() bool {
	switch s {
	case ReadingOptimal, ReadingWarning, ReadingCritical:
		return true
	}
	return false
}

// TelemetryReading is one cold-chain sensor sample. Status is empty until the
// classifier has computed it.
type TelemetryReading struct {
	UnitID      string        `json:"unit_id"`
	Temperature float64       `json:"temperature"` // °C
	Humidity    float64       `json:"humidity"`    // %RH
	CapturedAt  time.Time     `json:"captured_at"`
	Status      ReadingStatus `json:"status,omitempty"`
	Location    string        `json:"location,omitempty"`
}

// TelemetrySummary is the audit-facing digest of a classified window.
type TelemetrySummary struct {
	Band              string        `json:"band"`
	Readings          int           `json:"readings"`
	Optimal           int           `json:"optimal"`
	Warning           int           `json:"warning"`
	Critical          int           `json:"critical"`
	Compromised       bool          `json:"compromised"`
	MinTemperature    float64       `json:"min_temperature"`
	MaxTemperature    float64       `json:"max_temperature"`
	LatestTemperature float64       `json:"latest_temperature"`
	LatestHumidity    float64       `json:"latest_humidity"`
	LatestStatus      ReadingStatus `json:"latest_status,omitempty"`
	WindowStart       time.Time     `json:"window_start"`
	WindowEnd         time.Time     `json:"window_end"`
}
