package ws

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// controlMessage changes the regions a client follows.
type controlMessage struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Region string `json:"region"`
}

// Client is one websocket connection. A client with no region filter
// receives every event.
type Client struct {
	ID      string
	conn    *websocket.Conn
	regions map[string]bool
	mu      sync.RWMutex
	send    chan []byte
	hub     *Hub
}

// NewClient creates a Client following the given regions.
func NewClient(hub *Hub, conn *websocket.Conn, regions ...string) *Client {
	c := &Client{
		ID:      uuid.New().String(),
		conn:    conn,
		regions: make(map[string]bool),
		send:    make(chan []byte, 64),
		hub:     hub,
	}
	for _, r := range regions {
		c.Follow(r)
	}
	return c
}

// Follow adds region to the client's filter.
func (c *Client) Follow(region string) {
	key := aggregator.NormalizeRegion(region)
	if key == "" {
		return
	}
	c.mu.Lock()
	c.regions[key] = true
	c.mu.Unlock()
}

// Unfollow removes region from the client's filter.
func (c *Client) Unfollow(region string) {
	c.mu.Lock()
	delete(c.regions, aggregator.NormalizeRegion(region))
	c.mu.Unlock()
}

// Wants reports whether an event for the normalized region should be sent.
func (c *Client) Wants(region string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.regions) == 0 || c.regions[region]
}

// ReadPump handles control messages until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.ID).Msg("ws: read error")
			}
			return
		}

		var cm controlMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			log.Debug().Err(err).Str("client", c.ID).Msg("ws: invalid control message")
			continue
		}
		switch cm.Action {
		case "subscribe":
			c.Follow(cm.Region)
		case "unsubscribe":
			c.Unfollow(cm.Region)
		default:
			log.Debug().Str("client", c.ID).Str("action", cm.Action).Msg("ws: unknown action")
		}
	}
}

// WritePump writes queued events and keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
