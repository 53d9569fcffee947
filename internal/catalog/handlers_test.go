package catalog

import (
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/darkden-lab/quakewatch/internal/quake"
)

func TestHandlers_Get(t *testing.T) {
	store := NewMemoryStore(quake.Event{ID: "cl-01", Lat: -36.82, Lon: -73.05, Zone: "Biobío", Time: 1700000000})
	r := mux.NewRouter()
	NewHandlers(store).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/quakes/cl-01", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	d, err := quake.DecodeDetail(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != "cl-01" || d.HoraUTC != "2023-11-14T22:13:20Z" || d.Place != "Biobío" {
		t.Errorf("unexpected detail %+v", d)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/quakes/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandlers_List(t *testing.T) {
	events, _ := Dataset()
	r := mux.NewRouter()
	NewHandlers(NewMemoryStore(events...)).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/quakes", nil))

	var resp struct {
		Quakes []json.RawMessage `json:"quakes"`
		Total  int               `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 15 || len(resp.Quakes) != 15 {
		t.Errorf("expected 15 quakes, got %d", resp.Total)
	}
}
