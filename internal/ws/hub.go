// Package ws streams accepted disposition reports to websocket clients.
package ws

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
)

// ReportEvent is pushed to clients after the aggregator accepts a report.
type ReportEvent struct {
	Region         string            `json:"region"`
	Status         aggregator.Status `json:"status"`
	InterestCount  int               `json:"interest_count"`
	IgnoredCount   int               `json:"ignored_count"`
	PublishedCount int               `json:"published_count"`
	Quake          json.RawMessage   `json:"quake,omitempty"`
}

// NewReportEvent summarizes a report from the region's counters and the
// quake it carried.
func NewReportEvent(region string, status aggregator.Status, counts aggregator.RegionStats, sample json.RawMessage) ReportEvent {
	return ReportEvent{
		Region:         region,
		Status:         status,
		InterestCount:  counts.InterestCount,
		IgnoredCount:   counts.IgnoredCount,
		PublishedCount: counts.PublishedCount,
		Quake:          sample,
	}
}

type broadcastMsg struct {
	region string
	data   []byte
}

// Hub tracks connected clients and fans report events out to them. It is
// safe for concurrent use.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMsg
	mu         sync.RWMutex
}

// NewHub allocates a Hub. Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan broadcastMsg, 256),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client's send channel.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			h.mu.Unlock()
			log.Debug().Str("client", c.ID).Msg("ws: client registered")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				close(c.send)
			}
			h.mu.Unlock()
			log.Debug().Str("client", c.ID).Msg("ws: client unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				if !c.Wants(msg.region) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					log.Warn().Str("client", c.ID).Msg("ws: slow client, event dropped")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues ev for every client interested in its region. It never
// blocks; when the hub is saturated the event is dropped.
func (h *Hub) Publish(ev ReportEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("ws: failed to marshal report event")
		return
	}
	select {
	case h.broadcast <- broadcastMsg{region: aggregator.NormalizeRegion(ev.Region), data: data}:
	default:
		log.Warn().Str("region", ev.Region).Msg("ws: hub saturated, event dropped")
	}
}

// Hook returns an aggregator hook that streams every accepted report.
func (h *Hub) Hook() aggregator.ReportHook {
	return func(region string, status aggregator.Status, counts aggregator.RegionStats, sample json.RawMessage) {
		h.Publish(NewReportEvent(region, status, counts, sample))
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Register(c *Client) {
	h.register <- c
}

func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}
