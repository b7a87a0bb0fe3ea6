package gateway

import (
	"bytes"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize bounds a single inbound message; clients only ever send
	// small ping frames.
	maxMessageSize = 512

	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// readIdleTimeout severs connections that stop pinging.
	readIdleTimeout = 90 * time.Second
)

// wsConn is the slice of the WebSocket connection the gateway uses, so tests
// can substitute a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Client is one authenticated WebSocket connection bound to a device.
type Client struct {
	hub  *Hub
	conn wsConn
	key  deviceKey
	send chan []byte
	log  zerolog.Logger
}

// NewClient wraps an upgraded, already-authenticated connection.
func NewClient(hub *Hub, conn wsConn, userID uuid.UUID, deviceID int, log zerolog.Logger) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		key:  deviceKey{UserID: userID, DeviceID: deviceID},
		send: make(chan []byte, 16),
		log:  log,
	}
}

// readPump drains inbound frames. The only meaningful inbound traffic is the
// ping keepalive; anything else just resets the idle deadline.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

		if bytes.Contains(message, []byte(`"ping"`)) {
			c.enqueue(pongFrame)
		}
	}
}

// writePump flushes the send channel to the connection and exits when the
// channel closes.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("websocket write error")
			return
		}
	}
}

// enqueue drops the frame when the buffer is full; a stalled reader must not
// hold up the hub, and a lost wake is recovered on the next poll.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("client send buffer full, dropping wake")
	}
}
