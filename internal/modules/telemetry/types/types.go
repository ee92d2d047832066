package types

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the canonical UTC timestamp format for generated readings.
const TimestampLayout = "2006-01-02T15:04:05Z"

var (
	// ErrEmptyPayload is returned when an inbound write carries no usable fields.
	ErrEmptyPayload = errors.New("no telemetry fields in payload")
	// ErrNoDataYet is returned when nothing has been stored and the journal is empty.
	ErrNoDataYet = errors.New("no data received yet")
)

// Source names the ingest path that produced a reading.
const (
	SourceAPI    = "api"
	SourceCompat = "compat"
	SourceMQTT   = "mqtt"
)

// Reading is one telemetry record. Nil values are absent and encode as null.
type Reading struct {
	AQI       *float64 `json:"aqi"`
	SpO2      *float64 `json:"spo2"`
	HeartRate *float64 `json:"heart_rate"`
	BodyTempC *float64 `json:"body_temp_c"`
	Timestamp string   `json:"timestamp"`
	Source    string   `json:"source,omitempty"`
}

// CompactReading is the reduced shape served to constrained clients.
type CompactReading struct {
	AQI       *float64 `json:"aqi"`
	SpO2      *float64 `json:"spo2"`
	HeartRate *float64 `json:"heart_rate"`
	BodyTempC *float64 `json:"body_temp_c"`
	Timestamp string   `json:"timestamp"`
}

func (r Reading) Compact() CompactReading {
	return CompactReading{
		AQI:       r.AQI,
		SpO2:      r.SpO2,
		HeartRate: r.HeartRate,
		BodyTempC: r.BodyTempC,
		Timestamp: r.Timestamp,
	}
}

// Clone returns a deep copy so callers cannot alias the store's slot.
func (r Reading) Clone() Reading {
	out := r
	out.AQI = clonePtr(r.AQI)
	out.SpO2 = clonePtr(r.SpO2)
	out.HeartRate = clonePtr(r.HeartRate)
	out.BodyTempC = clonePtr(r.BodyTempC)
	return out
}

// MergeOnto fills r's absent values from prev. Timestamp and Source are not merged.
func (r Reading) MergeOnto(prev Reading) Reading {
	out := r.Clone()
	if out.AQI == nil {
		out.AQI = clonePtr(prev.AQI)
	}
	if out.SpO2 == nil {
		out.SpO2 = clonePtr(prev.SpO2)
	}
	if out.HeartRate == nil {
		out.HeartRate = clonePtr(prev.HeartRate)
	}
	if out.BodyTempC == nil {
		out.BodyTempC = clonePtr(prev.BodyTempC)
	}
	return out
}

// Summary renders the reading as a single human-readable line.
func (r Reading) Summary() string {
	var b strings.Builder
	b.WriteString("AQI=")
	b.WriteString(formatValue(r.AQI))
	b.WriteString(" SpO2=")
	b.WriteString(formatValue(r.SpO2))
	b.WriteString(" HR=")
	b.WriteString(formatValue(r.HeartRate))
	b.WriteString(" Temp=")
	b.WriteString(formatValue(r.BodyTempC))
	if r.BodyTempC != nil {
		b.WriteString("°C")
	}
	return b.String()
}

// Time parses Timestamp. Client-supplied timestamps are not guaranteed to parse.
func (r Reading) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, r.Timestamp)
}

// Policy selects how an update combines with the stored reading.
type Policy int

const (
	// PolicyReplace sets fields missing from the update to absent.
	PolicyReplace Policy = iota
	// PolicyMerge keeps the previous value of fields missing from the update.
	// Legacy behaviour of the /data endpoint.
	PolicyMerge
)

func (p Policy) String() string {
	switch p {
	case PolicyReplace:
		return "replace"
	case PolicyMerge:
		return "merge"
	default:
		return "policy(" + strconv.Itoa(int(p)) + ")"
	}
}

// Status is the health summary served by /api/status.
type Status struct {
	HasData         bool
	LatestTimestamp string
}

// FormatTimestamp renders t in the canonical layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func formatValue(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}
