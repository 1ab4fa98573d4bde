package relay

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/adi-253/echowire/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer; a file chunk encoded as a
	// JSON byte array is about four times its raw size
	maxMessageSize = 512 * 1024

	sendBuffer = 256
)

// Client represents a single authenticated WebSocket connection
type Client struct {
	hub *Hub

	// WebSocket connection
	conn *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte

	UserID  int64
	Profile models.UserProfile

	// groups and closed are owned by the hub's run loop
	groups map[int64]bool
	closed bool
}

// NewClient creates a new Client instance
func NewClient(hub *Hub, conn *websocket.Conn, profile models.UserProfile) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		UserID:  profile.UserID,
		Profile: profile,
		groups:  make(map[int64]bool),
	}
}

// ReadPump pumps frames from the WebSocket connection to the hub
// This runs in its own goroutine per client
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("user_id", c.UserID).Warn("Read error")
			}
			return
		}

		select {
		case c.hub.inbound <- &inboundFrame{client: c, data: message}:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump pumps frames from the hub to the WebSocket connection
// This runs in its own goroutine per client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
				return
			}

			// each frame is a separate JSON document
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
