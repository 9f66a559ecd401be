// Package payload turns raw MQTT bodies into typed device records.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/iotpulse/internal/models"
	"github.com/iotpulse/internal/topic"
)

var (
	ErrMalformed  = errors.New("malformed payload")
	ErrNotObject  = errors.New("payload is not a JSON object")
	ErrUnroutable = errors.New("topic not routable")
)

// Normalize builds the record for a routed message. now is used when the body
// carries no usable ts and as the receipt time of online status messages.
func Normalize(route topic.Route, body []byte, now time.Time) (models.Record, error) {
	if !route.OK() {
		return nil, ErrUnroutable
	}
	now = now.UTC().Truncate(time.Second)

	if route.Kind == models.KindOnline {
		return &models.OnlineStatus{
			DeviceID: route.DeviceID,
			Online:   strings.TrimSpace(string(body)) == "1",
			At:       now,
		}, nil
	}

	fields, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(bytes.Clone(body))
	ts := timestamp(fields, now)

	switch route.Kind {
	case models.KindTelemetry:
		s := &models.TelemetrySample{
			DeviceID: route.DeviceID,
			TS:       ts,
			IP:       stringField(fields, "ip"),
			UptimeS:  intField(fields, "uptime_s"),
			CPUTempC: floatField(fields, "cpu_temp_c"),
			Payload:  raw,
		}
		if disk, ok := fields["disk"].(map[string]any); ok {
			s.DiskUsedPct = floatField(disk, "used_pct")
		}
		return s, nil

	case models.KindEvents:
		e := &models.VisionEvent{
			DeviceID:     route.DeviceID,
			TS:           ts,
			IP:           stringField(fields, "ip"),
			Labels:       stringList(fields["labels"]),
			SnapshotURL:  stringField(fields, "snapshot_url"),
			SnapshotPath: stringField(fields, "snapshot_path"),
			SnapshotB64:  stringField(fields, "snapshot_b64"),
			Detections:   detections(fields["detections"]),
			Payload:      raw,
		}
		if faces, ok := intField(fields, "faces").Get(); ok {
			e.Faces = models.Some(int(faces))
		}
		return e, nil
	}

	return nil, fmt.Errorf("%w: kind %s", ErrUnroutable, route.Kind)
}

func decodeObject(body []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrNotObject)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}
	return fields, nil
}

func timestamp(fields map[string]any, now time.Time) time.Time {
	s, ok := fields["ts"].(string)
	if !ok {
		return now
	}
	ts, err := ParseTimestamp(s)
	if err != nil {
		return now
	}
	return ts
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts ISO-8601 instants. Values without a zone are UTC.
// The result is UTC truncated to whole seconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func stringField(fields map[string]any, key string) models.Optional[string] {
	if s, ok := fields[key].(string); ok {
		return models.Some(s)
	}
	return models.None[string]()
}

func floatField(fields map[string]any, key string) models.Optional[float64] {
	n, ok := fields[key].(json.Number)
	if !ok {
		return models.None[float64]()
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return models.None[float64]()
	}
	return models.Some(f)
}

// intField accepts integral numbers only; 12.5 is not an integer.
func intField(fields map[string]any, key string) models.Optional[int64] {
	n, ok := fields[key].(json.Number)
	if !ok {
		return models.None[int64]()
	}
	if i, err := n.Int64(); err == nil {
		return models.Some(i)
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return models.None[int64]()
	}
	return models.Some(int64(f))
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func detections(v any) []models.Detection {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]models.Detection, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		d := models.Detection{Label: stringField(obj, "label")}
		if conf, ok := floatField(obj, "conf").Get(); ok {
			d.Conf = models.Some(math.Min(1, math.Max(0, conf)))
		}
		out = append(out, d)
	}
	return out
}
