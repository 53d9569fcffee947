package catalog

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/quakewatch/internal/httputil"
	"github.com/darkden-lab/quakewatch/internal/quake"
)

// Handlers serves the lookup endpoints.
type Handlers struct {
	store Store
}

// NewHandlers creates a new Handlers.
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes wires the quake lookup endpoints onto the provided router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/quakes", h.List).Methods("GET")
	r.HandleFunc("/quakes/{id}", h.Get).Methods("GET")
}

// Get handles GET /quakes/{id}. The response is the enriched detail record.
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "quake "+id+" not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, quake.Enrich(e))
}

// List handles GET /quakes
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.List(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	details := make([]quake.Detail, 0, len(events))
	for _, e := range events {
		details = append(details, quake.Enrich(e))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"quakes": details,
		"total":  len(details),
	})
}
