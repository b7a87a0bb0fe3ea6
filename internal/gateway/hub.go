// Package gateway holds the WebSocket wake-up surface. Clients do not receive
// message content here; a wake frame only tells a device that its inbox has
// new rows, and the device fetches them over the API. Wake fan-out crosses
// processes via Valkey pub/sub.
package gateway

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// inboxFrame is the only frame the server pushes.
var inboxFrame = []byte(`{"t":"inbox"}`)

// pongFrame answers a client ping.
var pongFrame = []byte(`{"t":"pong"}`)

// deviceKey identifies one connected device.
type deviceKey struct {
	UserID   uuid.UUID
	DeviceID int
}

// Hub tracks connected devices and routes wake frames to them. A device may
// hold several concurrent connections (reconnect races); all of them are
// woken.
type Hub struct {
	mu      sync.RWMutex
	clients map[deviceKey]map[*Client]struct{}
	log     zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[deviceKey]map[*Client]struct{}),
		log:     log.With().Str("component", "gateway").Logger(),
	}
}

// Register attaches a connection and starts its pumps.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.key]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.key] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.readPump()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.key]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.key)
	}
	close(c.send)
}

// Wake pushes an inbox frame to every connection of the device. Devices that
// are not connected are skipped; they will see the rows on their next poll.
func (h *Hub) Wake(userID uuid.UUID, deviceID int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[deviceKey{UserID: userID, DeviceID: deviceID}] {
		c.enqueue(inboxFrame)
	}
}

// Connected reports whether the device has at least one live connection.
func (h *Hub) Connected(userID uuid.UUID, deviceID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[deviceKey{UserID: userID, DeviceID: deviceID}]) > 0
}

// CloseAll severs every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, set := range h.clients {
		for c := range set {
			close(c.send)
			_ = c.conn.Close()
		}
		delete(h.clients, key)
	}
}
