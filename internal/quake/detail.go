package quake

import (
	"fmt"
	"time"
)

// HoraLayout is the format of Detail.HoraUTC.
const HoraLayout = "2006-01-02T15:04:05Z"

// Detail is an Event enriched for display. It is always a copy; the source
// Event is left untouched.
type Detail struct {
	Event
	HoraUTC string `json:"hora_utc,omitempty"`
	Place   string `json:"place,omitempty"`
}

// Enrich derives a Detail from e, filling the UTC time and display place.
func Enrich(e Event) Detail {
	d := Detail{Event: e, Place: firstNonEmpty(e.Zone, e.Report)}
	if e.Time > 0 {
		d.HoraUTC = time.Unix(e.Time, 0).UTC().Format(HoraLayout)
	}
	return d
}

// Raw wraps e as a Detail without any derived fields. Used when no
// enrichment is available.
func Raw(e Event) Detail {
	return Detail{Event: e}
}

// DecodeDetail parses a lookup response. Required event fields are not
// enforced; the display place is resolved with the precedence
// place > place_name > title > zone > report.
func DecodeDetail(body []byte) (Detail, error) {
	w, err := decodeWire(body)
	if err != nil {
		return Detail{}, err
	}
	e := w.event()
	return Detail{
		Event:   e,
		HoraUTC: w.HoraUTC,
		Place:   firstNonEmpty(w.Place, w.PlaceName, w.Title, e.Zone, e.Report),
	}, nil
}

// When returns the best known origin time for display.
func (d Detail) When() string {
	if d.HoraUTC != "" {
		return d.HoraUTC
	}
	if d.Time > 0 {
		return time.Unix(d.Time, 0).UTC().Format(HoraLayout)
	}
	return "unknown"
}

// DisplayPlace returns the resolved place, falling back to zone and report.
func (d Detail) DisplayPlace() string {
	if p := firstNonEmpty(d.Place, d.Zone, d.Report); p != "" {
		return p
	}
	return "unknown"
}

// Magnitude formats the magnitude for display.
func (d Detail) Magnitude() string {
	if d.Mag == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.1f", *d.Mag)
}
