package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	StatusOn  = "on"
	StatusOff = "off"
)

// Payload is the canonical form of one inbound tray message. The named
// fields are the ones the pipeline reasons about; Fields keeps the full
// decoded mapping for audit storage, unrecognized keys included.
type Payload struct {
	TrayID        string
	Status        string // "on" or "off" when meaningful, "" otherwise
	LocationLabel string
	Latitude      *float64
	Longitude     *float64
	// Timestamp is the device-reported event time, when the payload
	// carried a parseable one. Receipt time is the fallback; device
	// clocks are best-effort.
	Timestamp *time.Time
	Fields    map[string]any
}

// HasStatus reports whether the message carried a usable on/off state.
// Messages without one are not state transitions and must not touch
// snapshots.
func (p Payload) HasStatus() bool { return p.Status == StatusOn || p.Status == StatusOff }

func (p Payload) IsActive() bool { return p.Status == StatusOn }

// Parse decodes raw message bytes arriving on topic. It never fails:
// undecodable bytes are dropped, non-JSON text falls back to a
// key=value parser, and a missing tray id falls back to a
// topic-derived one so messages from unidentified senders can still be
// tracked by origin.
func Parse(raw []byte, topic string) Payload {
	fields := decode(raw)

	p := Payload{Fields: fields}
	p.TrayID = asString(fields["tray_id"])
	if p.TrayID == "" {
		p.TrayID = trayIDFromTopic(topic)
	}

	loc, _ := fields["location"].(map[string]any)
	p.Latitude = pickFloat(fields, loc, "latitude", "lat")
	p.Longitude = pickFloat(fields, loc, "longitude", "lon")
	p.LocationLabel = firstNonEmpty(
		asString(fields["location_label"]),
		asString(fields["location_name"]),
		asString(loc["label"]),
		asString(loc["name"]),
	)

	if s := strings.ToLower(asString(fields["status"])); s == StatusOn || s == StatusOff {
		p.Status = s
	}
	p.Timestamp = parseTimestamp(fields["timestamp"])
	return p
}

func parseTimestamp(v any) *time.Time {
	s := asString(v)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

func decode(raw []byte) map[string]any {
	text := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
	if text == "" {
		return map[string]any{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj
	}

	// Permissive key=value,key=value fallback for legacy firmware.
	fields := map[string]any{}
	parts := strings.Split(text, ",")
	for _, part := range parts {
		if key, value, ok := strings.Cut(part, "="); ok {
			fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	if _, ok := fields["tray_id"]; !ok && len(parts) > 0 {
		fields["tray_id"] = strings.TrimSpace(parts[0])
	}
	return fields
}

func trayIDFromTopic(topic string) string {
	cleaned := strings.Trim(topic, "/")
	if cleaned == "" {
		return ""
	}
	return strings.ReplaceAll(cleaned, "/", "-")
}

// pickFloat resolves a coordinate from the top-level key or, when that
// key is absent, the nested location mapping's synonyms. Top level wins
// even when its value does not coerce.
func pickFloat(fields, loc map[string]any, key, nestedAlias string) *float64 {
	if v, ok := fields[key]; ok {
		return safeFloat(v)
	}
	if v, ok := loc[key]; ok {
		return safeFloat(v)
	}
	if v, ok := loc[nestedAlias]; ok {
		return safeFloat(v)
	}
	return nil
}

// safeFloat coerces anything float-like; unparsable values become nil,
// never an error.
func safeFloat(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case float32:
		f := float64(t)
		return &f
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return &f
		}
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
