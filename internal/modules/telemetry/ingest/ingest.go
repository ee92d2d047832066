// Package ingest normalises inbound telemetry payloads into a Reading.
//
// A Chain tries its parsers in order and the first one that yields fields
// wins. New payload shapes are added as parsers; the store never sees
// anything but a canonical Reading.
package ingest

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"healthsense-server/internal/modules/telemetry/types"
)

// wrapperKeys are fields some clients nest the actual reading under.
var wrapperKeys = []string{"data", "payload", "telemetry", "reading"}

type Chain struct {
	parsers []Parser
	strict  bool
}

// NewChain builds a chain. A strict chain stops at the first parser error;
// a permissive one moves on to the next parser.
func NewChain(strict bool, parsers ...Parser) *Chain {
	return &Chain{parsers: parsers, strict: strict}
}

// Strict accepts JSON bodies only.
func Strict() *Chain {
	return NewChain(true, JSONBody{})
}

// Permissive accepts JSON, then form fields, then query parameters.
func Permissive() *Chain {
	return NewChain(false, JSONBody{}, FormBody{}, QueryString{})
}

// Decode runs the parsers and unwraps the winning field map.
func (c *Chain) Decode(p *Payload) (map[string]any, error) {
	for _, parser := range c.parsers {
		fields, ok, err := parser.Parse(p)
		if err != nil {
			if c.strict {
				return nil, err
			}
			slog.Debug("ingest parser rejected payload", "parser", parser.Name(), "error", err)
			continue
		}
		if !ok {
			continue
		}
		fields = Unwrap(fields)
		if len(fields) == 0 {
			continue
		}
		return fields, nil
	}
	return nil, types.ErrEmptyPayload
}

// Reading decodes p into a canonical reading stamped with now when the
// payload carries no timestamp.
func (c *Chain) Reading(p *Payload, now time.Time) (types.Reading, error) {
	fields, err := c.Decode(p)
	if err != nil {
		return types.Reading{}, err
	}
	return Canonicalize(fields, now)
}

// Unwrap returns the object nested under a wrapper key, if any. The
// wrapper may hold an object or a string containing a JSON object (for
// example a form field data={...}). An outer timestamp is kept when the
// inner object has none.
func Unwrap(fields map[string]any) map[string]any {
	for _, key := range wrapperKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		inner, ok := asObject(raw)
		if !ok || len(inner) == 0 {
			continue
		}
		if _, has := inner["timestamp"]; !has {
			if ts, outer := fields["timestamp"]; outer {
				inner["timestamp"] = ts
			}
		}
		return inner
	}
	return fields
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if !strings.HasPrefix(s, "{") {
			return nil, false
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(s)))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

// Canonicalize coerces a field map into a Reading. Numbers and numeric
// strings are accepted; anything else is treated as absent. A map with
// none of the reading's fields yields types.ErrEmptyPayload.
func Canonicalize(fields map[string]any, now time.Time) (types.Reading, error) {
	var r types.Reading
	known := false

	targets := []struct {
		key string
		dst **float64
	}{
		{"aqi", &r.AQI},
		{"spo2", &r.SpO2},
		{"heart_rate", &r.HeartRate},
		{"body_temp_c", &r.BodyTempC},
	}
	for _, t := range targets {
		raw, ok := fields[t.key]
		if !ok {
			continue
		}
		known = true
		v, ok := coerceFloat(raw)
		if !ok {
			slog.Debug("ingest dropped non-numeric value", "field", t.key, "value", raw)
			continue
		}
		*t.dst = v
	}

	if raw, ok := fields["timestamp"]; ok {
		known = true
		r.Timestamp = coerceTimestamp(raw)
	}
	if !known {
		return types.Reading{}, types.ErrEmptyPayload
	}
	if r.Timestamp == "" {
		r.Timestamp = types.FormatTimestamp(now)
	}
	return r, nil
}

func coerceFloat(v any) (*float64, bool) {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil, true
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return nil, false
		}
		f = n
	case string:
		s := strings.TrimSpace(t)
		if s == "" || strings.EqualFold(s, "null") {
			return nil, true
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		f = n
	default:
		return nil, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return &f, true
}

// maxEpochSeconds bounds numeric timestamps so the int64 conversion stays
// in range.
const maxEpochSeconds = 1e11

// coerceTimestamp keeps non-empty strings verbatim and formats numeric
// Unix times (seconds, or milliseconds when large enough).
func coerceTimestamp(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number, float64, int, int64:
		p, ok := coerceFloat(t)
		if !ok || p == nil || *p <= 0 {
			return ""
		}
		secs := *p
		if secs > 1e12 {
			secs /= 1000
		}
		if secs > maxEpochSeconds {
			return ""
		}
		return types.FormatTimestamp(time.Unix(int64(secs), 0))
	default:
		return ""
	}
}
