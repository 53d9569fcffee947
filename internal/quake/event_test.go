package quake

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecode_CanonicalPayload(t *testing.T) {
	body := []byte(`{"id":"cl-01","lat":-36.82,"lon":-73.05,"mag":6.2,"origin":"CSN","depth_km":25,"zone":"Biobío","report":"Movimiento fuerte","time":1700000000}`)
	e, err := Decode(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if e.ID != "cl-01" || e.Lat != -36.82 || e.Lon != -73.05 {
		t.Errorf("unexpected identity fields: %+v", e)
	}
	if e.Mag == nil || *e.Mag != 6.2 {
		t.Errorf("expected mag 6.2, got %v", e.Mag)
	}
	if e.DepthKm == nil || *e.DepthKm != 25 {
		t.Errorf("expected depth 25, got %v", e.DepthKm)
	}
	if e.Zone != "Biobío" {
		t.Errorf("expected zone Biobío, got %q", e.Zone)
	}
	if e.Time != 1700000000 {
		t.Errorf("expected time 1700000000, got %d", e.Time)
	}
}

func TestDecode_ResolvesAliases(t *testing.T) {
	body := []byte(`{"id":"cl-2025yz06","lat":"-53.16","lon":-70.91,"origen":"CSN","mag":4.3,"prof_km":18,"zona":"Magallanes","reporte":"Sismo débil en Punta Arenas."}`)
	e, err := Decode(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if e.Lat != -53.16 {
		t.Errorf("expected string latitude to be parsed, got %v", e.Lat)
	}
	if e.Origin != "CSN" || e.Zone != "Magallanes" || e.Report != "Sismo débil en Punta Arenas." {
		t.Errorf("aliases not resolved: %+v", e)
	}
	if e.DepthKm == nil || *e.DepthKm != 18 {
		t.Errorf("expected prof_km to resolve into depth_km, got %v", e.DepthKm)
	}
}

func TestDecode_CanonicalKeyWinsOverAlias(t *testing.T) {
	e, err := Decode([]byte(`{"id":"x","lat":1,"lon":2,"zone":"canonical","zona":"alias","depth_km":5,"prof_km":9}`))
	if err != nil {
		t.Fatal(err)
	}
	if e.Zone != "canonical" {
		t.Errorf("expected canonical zone, got %q", e.Zone)
	}
	if *e.DepthKm != 5 {
		t.Errorf("expected canonical depth, got %v", *e.DepthKm)
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"id":`, `[1,2,3]`, `{"id":"a","lat":"north","lon":1}`} {
		_, err := Decode([]byte(body))
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("Decode(%q): expected ErrMalformedMessage, got %v", body, err)
		}
	}
}

func TestDecode_MissingFields(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"no id", `{"lat":1,"lon":2}`, "id"},
		{"blank id", `{"id":"  ","lat":1,"lon":2}`, "id"},
		{"no lat", `{"id":"a","lon":2}`, "lat"},
		{"null lon", `{"id":"a","lat":1,"lon":null}`, "lon"},
		{"null payload", `null`, "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			if !errors.Is(err, ErrMissingField) {
				t.Fatalf("expected ErrMissingField, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error to name %q, got %v", tt.field, err)
			}
		})
	}
}

func TestMarshal_PreservesNonASCII(t *testing.T) {
	b, err := Marshal(Event{ID: "cl-1", Lat: -33.65, Lon: -71.61, Zone: "Valparaíso", Report: "O’Higgins <costa> & mar"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, "Valparaíso") || !strings.Contains(s, "O’Higgins <costa> & mar") {
		t.Errorf("expected unescaped UTF-8 and HTML characters, got %s", s)
	}
	if strings.HasSuffix(s, "\n") {
		t.Error("expected no trailing newline")
	}
	if strings.Contains(s, "mag") || strings.Contains(s, "depth_km") {
		t.Errorf("expected optional fields to be omitted, got %s", s)
	}
}

func TestMarshal_DecodeRoundTrip(t *testing.T) {
	in := Event{ID: "us-2025abcd", Lat: -33.45, Lon: -70.66, Mag: Float(5.9), Origin: "USGS", DepthKm: Float(80), Zone: "RM", Time: 42}
	b, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || *out.Mag != *in.Mag || *out.DepthKm != *in.DepthKm || out.Zone != in.Zone || out.Time != in.Time {
		t.Errorf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestStamped(t *testing.T) {
	now := time.Unix(1700000000, 0)
	if got := (Event{ID: "a"}).Stamped(now).Time; got != 1700000000 {
		t.Errorf("expected stamped time, got %d", got)
	}
	if got := (Event{ID: "a", Time: 5}).Stamped(now).Time; got != 5 {
		t.Errorf("expected existing time to be kept, got %d", got)
	}
}
