package relay

import (
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any origin (CORS handled by middleware)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub    *Hub
	tokens Tokens
	log    *log.Entry
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, tokens Tokens) *Handler {
	return &Handler{hub: hub, tokens: tokens, log: hub.log.WithField("component", "relay_ws")}
}

// ServeWS handles WebSocket upgrade requests at /ws/messages?token=...
// Unknown tokens are refused with 401 before the upgrade.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}

	profile, ok := h.tokens.Lookup(token)
	if !ok {
		h.log.WithField("remote", r.RemoteAddr).Warn("Rejected socket with unknown token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, profile)
	if !h.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay stopped"))
		conn.Close()
		return
	}

	// Start read/write pumps in separate goroutines
	go client.WritePump()
	go client.ReadPump()
}
