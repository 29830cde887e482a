package domain

import (
	"math"
	"time"
)

// LabelUnknown is the explicit sentinel label for readings whose source
// could not be determined. See the package documentation for how it differs
// from an absent label.
const LabelUnknown = "unknown"

// CellPrecision is the number of decimal places heatmap cell keys round
// coordinates to. Four decimals is roughly 11 m of resolution at the equator.
const CellPrecision = 4

// NoiseReading is one geotagged, timestamped noise observation.
type NoiseReading struct {
	ID          string         `json:"id"`
	DeviceID    string         `json:"device_id"`
	Timestamp   time.Time      `json:"timestamp"` // measurement time, not insertion time
	Lat         float64        `json:"lat"`
	Lon         float64        `json:"lon"`
	DBLevel     float64        `json:"db_level"`
	SourceLabel *string        `json:"source_label,omitempty"`
	Features    map[string]any `json:"features,omitempty"`
	RawAudioPath string        `json:"raw_audio_path,omitempty"`

	// Capture metadata reported by the sensor alongside the measurement.
	SampleRate      int     `json:"sample_rate,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// Processed marks that a feature-extraction/classification attempt was
	// made for this reading. It is never true without a matching label.
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadingSummary is the trimmed row shape served by the recent-readings
// endpoint.
type ReadingSummary struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	DBLevel     float64   `json:"db_level"`
	SourceLabel *string   `json:"source_label"`
}

// Summary projects a reading onto its summary shape.
func (r NoiseReading) Summary() ReadingSummary {
	return ReadingSummary{
		ID:          r.ID,
		DeviceID:    r.DeviceID,
		Timestamp:   r.Timestamp,
		Lat:         r.Lat,
		Lon:         r.Lon,
		DBLevel:     r.DBLevel,
		SourceLabel: r.SourceLabel,
	}
}

// Validate checks the required fields and value ranges of a reading.
// A reading that fails validation must not be persisted.
func (r NoiseReading) Validate() error {
	if r.DeviceID == "" {
		return NewValidationError("device_id", "is required")
	}
	if r.Timestamp.IsZero() {
		return NewValidationError("timestamp", "is required")
	}
	if r.Lat < -90 || r.Lat > 90 || math.IsNaN(r.Lat) {
		return NewValidationError("lat", "must be within [-90, 90]")
	}
	if r.Lon < -180 || r.Lon > 180 || math.IsNaN(r.Lon) {
		return NewValidationError("lon", "must be within [-180, 180]")
	}
	if math.IsNaN(r.DBLevel) || math.IsInf(r.DBLevel, 0) {
		return NewValidationError("db_level", "must be finite")
	}
	return nil
}

// Labeled reports whether the reading carries any source label, including
// the explicit "unknown".
func (r NoiseReading) Labeled() bool {
	return r.SourceLabel != nil
}

// SetLabel assigns a source label value.
func (r *NoiseReading) SetLabel(label string) {
	r.SourceLabel = &label
}

// RoundCoord rounds a coordinate to the heatmap cell precision.
func RoundCoord(v float64) float64 {
	const scale = 1e4 // 10^CellPrecision
	return math.Round(v*scale) / scale
}
