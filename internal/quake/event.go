// Package quake defines the earthquake event distributed over the bus and the
// enriched detail record derived from it.
package quake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var (
	// ErrMalformedMessage means the payload is not a decodable event object.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMissingField means a required field (id, lat, lon) is absent.
	ErrMissingField = errors.New("missing required field")
)

// Event is the unit of distribution. It is never mutated after publishing;
// enrichment produces a Detail.
type Event struct {
	ID      string   `json:"id"`
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	Mag     *float64 `json:"mag,omitempty"`
	Origin  string   `json:"origin,omitempty"`
	DepthKm *float64 `json:"depth_km,omitempty"`
	Zone    string   `json:"zone,omitempty"`
	Report  string   `json:"report,omitempty"`
	Time    int64    `json:"time,omitempty"`
}

// Stamped returns a copy of e with Time set to now when it is unset.
func (e Event) Stamped(now time.Time) Event {
	if e.Time == 0 {
		e.Time = now.Unix()
	}
	return e
}

// Float is a convenience for building optional numeric fields.
func Float(v float64) *float64 { return &v }

// wireEvent accepts the canonical keys plus the aliases emitted by older
// producers and the lookup service. Aliases are resolved once in decode.
type wireEvent struct {
	ID        *string    `json:"id"`
	Lat       *flexFloat `json:"lat"`
	Lon       *flexFloat `json:"lon"`
	Mag       *flexFloat `json:"mag"`
	Origin    string     `json:"origin"`
	Origen    string     `json:"origen"`
	DepthKm   *flexFloat `json:"depth_km"`
	ProfKm    *flexFloat `json:"prof_km"`
	Depth     *flexFloat `json:"depth"`
	Zone      string     `json:"zone"`
	Zona      string     `json:"zona"`
	Report    string     `json:"report"`
	Reporte   string     `json:"reporte"`
	Time      *flexFloat `json:"time"`
	HoraUTC   string     `json:"hora_utc"`
	Place     string     `json:"place"`
	PlaceName string     `json:"place_name"`
	Title     string     `json:"title"`
}

// flexFloat decodes a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexFloat(v)
	return nil
}

func (f *flexFloat) ptr() *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func decodeWire(body []byte) (wireEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return w, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return w, nil
}

func (w wireEvent) event() Event {
	e := Event{
		Mag:    w.Mag.ptr(),
		Origin: firstNonEmpty(w.Origin, w.Origen),
		Zone:   firstNonEmpty(w.Zone, w.Zona),
		Report: firstNonEmpty(w.Report, w.Reporte),
	}
	if w.ID != nil {
		e.ID = *w.ID
	}
	if w.Lat != nil {
		e.Lat = float64(*w.Lat)
	}
	if w.Lon != nil {
		e.Lon = float64(*w.Lon)
	}
	switch {
	case w.DepthKm != nil:
		e.DepthKm = w.DepthKm.ptr()
	case w.ProfKm != nil:
		e.DepthKm = w.ProfKm.ptr()
	case w.Depth != nil:
		e.DepthKm = w.Depth.ptr()
	}
	if w.Time != nil {
		e.Time = int64(*w.Time)
	}
	return e
}

// Decode parses a bus payload into an Event. It returns an error wrapping
// ErrMalformedMessage when the payload cannot be decoded and ErrMissingField
// when id, lat or lon are absent.
func Decode(body []byte) (Event, error) {
	w, err := decodeWire(body)
	if err != nil {
		return Event{}, err
	}
	switch {
	case w.ID == nil || strings.TrimSpace(*w.ID) == "":
		return Event{}, fmt.Errorf("%w: id", ErrMissingField)
	case w.Lat == nil:
		return Event{}, fmt.Errorf("%w: lat", ErrMissingField)
	case w.Lon == nil:
		return Event{}, fmt.Errorf("%w: lon", ErrMissingField)
	}
	return w.event(), nil
}

// Marshal encodes v as canonical JSON: UTF-8 with non-ASCII and HTML
// characters left unescaped and no trailing newline.
func Marshal(v any) ([]byte, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(sb.String(), "\n")), nil
}
