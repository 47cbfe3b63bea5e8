package normalize

import (
	"testing"
	"time"
)

func TestParseJSONObject(t *testing.T) {
	p := Parse([]byte(`{"tray_id":"T1","status":"ON","latitude":1.5,"longitude":-2.25,"location_label":"Ward 3"}`), "MET/hospital/sensors/T1")
	if p.TrayID != "T1" {
		t.Fatalf("expected tray T1, got %q", p.TrayID)
	}
	if !p.HasStatus() || !p.IsActive() {
		t.Fatalf("expected active status, got %q", p.Status)
	}
	if p.Latitude == nil || *p.Latitude != 1.5 {
		t.Fatalf("unexpected latitude %v", p.Latitude)
	}
	if p.Longitude == nil || *p.Longitude != -2.25 {
		t.Fatalf("unexpected longitude %v", p.Longitude)
	}
	if p.LocationLabel != "Ward 3" {
		t.Fatalf("unexpected label %q", p.LocationLabel)
	}
}

func TestParseKeyValueFallback(t *testing.T) {
	p := Parse([]byte("tray_id=T2, status=off, location_label=Storage"), "site/x")
	if p.TrayID != "T2" {
		t.Fatalf("expected tray T2, got %q", p.TrayID)
	}
	if p.Status != StatusOff {
		t.Fatalf("expected off, got %q", p.Status)
	}
	if p.LocationLabel != "Storage" {
		t.Fatalf("unexpected label %q", p.LocationLabel)
	}
}

func TestParseBareTokenBecomesTrayID(t *testing.T) {
	p := Parse([]byte("T3, status=on"), "site/x")
	if p.TrayID != "T3" {
		t.Fatalf("expected tray T3, got %q", p.TrayID)
	}
	if p.Status != StatusOn {
		t.Fatalf("expected on, got %q", p.Status)
	}
}

func TestParseTrayIDFromTopic(t *testing.T) {
	p := Parse([]byte(`{"status":"on"}`), "/MET/hospital/sensors/T4/")
	if p.TrayID != "MET-hospital-sensors-T4" {
		t.Fatalf("unexpected topic-derived id %q", p.TrayID)
	}
}

func TestParseEmptyPayloadEmptyTopic(t *testing.T) {
	p := Parse(nil, "")
	if p.TrayID != "" || p.HasStatus() {
		t.Fatalf("expected empty payload, got %+v", p)
	}
	if len(p.Fields) != 0 {
		t.Fatalf("expected no fields, got %v", p.Fields)
	}
}

func TestParseNestedLocationSynonyms(t *testing.T) {
	p := Parse([]byte(`{"tray_id":"T5","status":"on","location":{"lat":"3.5","lon":4,"name":"Lab"}}`), "site/T5")
	if p.Latitude == nil || *p.Latitude != 3.5 {
		t.Fatalf("unexpected latitude %v", p.Latitude)
	}
	if p.Longitude == nil || *p.Longitude != 4 {
		t.Fatalf("unexpected longitude %v", p.Longitude)
	}
	if p.LocationLabel != "Lab" {
		t.Fatalf("unexpected label %q", p.LocationLabel)
	}
}

func TestParseTopLevelCoordinateWins(t *testing.T) {
	p := Parse([]byte(`{"tray_id":"T6","latitude":9,"location":{"latitude":1}}`), "site/T6")
	if p.Latitude == nil || *p.Latitude != 9 {
		t.Fatalf("expected top-level latitude 9, got %v", p.Latitude)
	}
}

func TestParseIgnoresNonStatusValues(t *testing.T) {
	for _, status := range []string{"", "unknown", "onn", "1", "true"} {
		p := Parse([]byte(`{"tray_id":"T7","status":"`+status+`"}`), "site/T7")
		if p.HasStatus() {
			t.Fatalf("status %q should not be meaningful", status)
		}
	}
	p := Parse([]byte(`{"tray_id":"T7","status":"OfF"}`), "site/T7")
	if p.Status != StatusOff {
		t.Fatalf("expected case-insensitive off, got %q", p.Status)
	}
}

func TestParseUnconvertibleCoordinateBecomesNil(t *testing.T) {
	p := Parse([]byte(`{"tray_id":"T8","latitude":"north","longitude":null}`), "site/T8")
	if p.Latitude != nil {
		t.Fatalf("expected nil latitude, got %v", *p.Latitude)
	}
	if p.Longitude != nil {
		t.Fatalf("expected nil longitude, got %v", *p.Longitude)
	}
}

func TestParseDeviceTimestamp(t *testing.T) {
	p := Parse([]byte(`{"tray_id":"T1","status":"on","timestamp":"2025-06-01T08:30:00Z"}`), "site/T1")
	if p.Timestamp == nil {
		t.Fatalf("expected parsed timestamp")
	}
	want := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	if !p.Timestamp.Equal(want) {
		t.Fatalf("expected %v, got %v", want, *p.Timestamp)
	}

	p = Parse([]byte(`{"tray_id":"T1","status":"on","timestamp":"yesterday"}`), "site/T1")
	if p.Timestamp != nil {
		t.Fatalf("unparsable timestamp should be nil, got %v", *p.Timestamp)
	}
}

func TestParseKeepsUnrecognizedFields(t *testing.T) {
	p := Parse([]byte(`{"tray_id":"T9","status":"on","battery":87}`), "site/T9")
	if v, ok := p.Fields["battery"]; !ok || v != float64(87) {
		t.Fatalf("expected battery passthrough, got %v", p.Fields)
	}
}
