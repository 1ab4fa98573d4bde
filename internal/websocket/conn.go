package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. A 16KB file chunk encoded as a
	// JSON array of byte values runs to roughly 64KB.
	maxMessageSize = 512 * 1024
)

// conn wraps one live socket. gorilla allows a single concurrent writer,
// so every frame goes through write.
type conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &conn{ws: ws, done: make(chan struct{})}
}

func (c *conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// pingLoop keeps the peer's read deadline fresh until the conn is closed.
func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close frame with code and reason, then drops the socket.
func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()

		c.ws.Close()
	})
}

// shutdown drops the socket without a close handshake.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// closeCode extracts the peer's close code. Anything that is not a close
// frame counts as an abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
