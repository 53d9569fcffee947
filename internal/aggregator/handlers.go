package aggregator

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/darkden-lab/quakewatch/internal/httputil"
)

// Handlers exposes the Store over HTTP.
type Handlers struct {
	store *Store
}

// NewHandlers creates a new Handlers.
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes wires the region endpoints onto the provided router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/regions/report", h.Report).Methods("POST")
	r.HandleFunc("/regions/totals", h.Totals).Methods("GET")
	r.HandleFunc("/regions", h.ListRegions).Methods("GET")
	r.HandleFunc("/regions/{region}", h.GetRegion).Methods("GET")
}

// reportResponse echoes the normalized region, the status and the region's
// stats after the report was applied.
type reportResponse struct {
	Region string      `json:"region"`
	Status Status      `json:"status"`
	Stats  RegionStats `json:"stats"`
}

// Report handles POST /regions/report
func (h *Handlers) Report(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region string          `json:"region"`
		Status string          `json:"status"`
		Quake  json.RawMessage `json:"quake"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	region, stats, err := h.store.Report(req.Region, Status(req.Status), req.Quake)
	switch {
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidRegion):
		log.Warn().Err(err).Str("region", req.Region).Msg("aggregator: rejected report")
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status, _ := ParseStatus(req.Status)
	log.Debug().Str("region", region).Str("status", string(status)).Int("published", stats.PublishedCount).Msg("aggregator: report applied")
	httputil.WriteJSON(w, http.StatusOK, reportResponse{Region: region, Status: status, Stats: stats})
}

// Totals handles GET /regions/totals
func (h *Handlers) Totals(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.store.Totals())
}

// ListRegions handles GET /regions
func (h *Handlers) ListRegions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"regions": h.store.Regions(),
	})
}

// GetRegion handles GET /regions/{region}
func (h *Handlers) GetRegion(w http.ResponseWriter, r *http.Request) {
	region, stats, ok := h.store.Region(mux.Vars(r)["region"])
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown region "+region)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"region": region,
		"stats":  stats,
	})
}
