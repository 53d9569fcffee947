package publisher

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/darkden-lab/quakewatch/internal/httputil"
	"github.com/darkden-lab/quakewatch/internal/quake"
)

// Handlers serves the publish trigger.
type Handlers struct {
	publisher *Publisher
}

// NewHandlers creates a new Handlers.
func NewHandlers(p *Publisher) *Handlers {
	return &Handlers{publisher: p}
}

// RegisterRoutes wires the publish endpoint onto the provided router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/quakes/publish", h.Publish).Methods("POST")
}

type publishResponse struct {
	Published int      `json:"published"`
	IDs       []string `json:"ids"`
}

// Publish handles POST /quakes/publish. An empty body or {"all": true}
// publishes the whole catalog; any other body is a single quake event.
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	body = bytes.TrimSpace(body)

	if publishesAll(body) {
		ids, err := h.publisher.PublishCatalog(r.Context())
		switch {
		case errors.Is(err, ErrNoCatalog):
			httputil.WriteError(w, http.StatusNotImplemented, err.Error())
			return
		case err != nil:
			httputil.WriteError(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, publishResponse{Published: len(ids), IDs: ids})
		return
	}

	e, err := quake.Decode(body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	published, err := h.publisher.Publish(r.Context(), e)
	switch {
	case errors.Is(err, ErrInvalidEvent):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		httputil.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, publishResponse{Published: 1, IDs: []string{published.ID}})
}

func publishesAll(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	var req struct {
		All *bool `json:"all"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	return req.All != nil && *req.All
}
