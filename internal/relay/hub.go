// Package relay is a development counterpart of the messaging server. It
// speaks the same frames as the client core and serves the key-storage,
// directory and history endpoints from a Store.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/models"
	"github.com/adi-253/echowire/internal/protocol"
)

// Hub maintains the set of active clients and routes frames between the
// members of each group.
type Hub struct {
	// groups maps groupID to the clients that joined it
	groups map[int64]map[*Client]bool

	// users maps userID to that user's live connections
	users map[int64]map[*Client]bool

	// uploads maps an in-flight uploadId to its group, for cancel frames
	// that carry no group id
	uploads map[string]int64

	register   chan *Client
	unregister chan *Client
	inbound    chan *inboundFrame
	done       chan struct{}

	// mu guards reads of groups and users from outside the run loop
	mu sync.RWMutex

	store Store
	log   *log.Entry
	now   func() time.Time
}

type inboundFrame struct {
	client *Client
	data   []byte
}

// NewHub creates a new Hub instance
func NewHub(store Store, logger *log.Entry) *Hub {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Hub{
		groups:     make(map[int64]map[*Client]bool),
		users:      make(map[int64]map[*Client]bool),
		uploads:    make(map[string]int64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *inboundFrame, 256),
		done:       make(chan struct{}),
		store:      store,
		log:        logger.WithField("component", "relay_hub"),
		now:        time.Now,
	}
}

// Run starts the hub's main event loop and returns when ctx is done.
// This should be called in a goroutine: go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case f := <-h.inbound:
			h.handleFrame(ctx, f)
		}
	}
}

// Register hands a new client to the run loop. It reports false once the
// hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// GroupClientCount returns the number of connections joined to a group.
func (h *Hub) GroupClientCount(groupID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupID])
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	first := len(h.users[c.UserID]) == 0
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[*Client]bool)
	}
	h.users[c.UserID][c] = true
	count := len(h.users[c.UserID])

	var online []models.UserProfile
	for id, conns := range h.users {
		if id == c.UserID {
			continue
		}
		for other := range conns {
			online = append(online, other.Profile)
			break
		}
	}
	h.mu.Unlock()

	h.log.WithFields(log.Fields{"user_id": c.UserID, "connections": count}).Info("Client connected")

	// the newcomer learns who is already online
	for _, p := range online {
		h.deliver(c, mustMarshal(statusFrame(p, true)))
	}
	if first {
		h.broadcastAll(mustMarshal(statusFrame(c.Profile, true)), c)
	}
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	conns, ok := h.users[c.UserID]
	if !ok || !conns[c] {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	last := len(conns) == 0
	if last {
		delete(h.users, c.UserID)
	}
	for groupID := range c.groups {
		h.removeFromGroupLocked(groupID, c)
	}
	c.closed = true
	close(c.send)
	h.mu.Unlock()

	h.log.WithField("user_id", c.UserID).Info("Client disconnected")

	if last {
		h.broadcastAll(mustMarshal(statusFrame(c.Profile, false)), nil)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.users {
		for c := range conns {
			c.closed = true
			close(c.send)
		}
	}
	h.users = make(map[int64]map[*Client]bool)
	h.groups = make(map[int64]map[*Client]bool)
	h.log.Info("Hub stopped")
}

func (h *Hub) handleFrame(ctx context.Context, f *inboundFrame) {
	c := f.client
	if c.closed {
		return
	}
	env, err := protocol.Decode(f.data)
	if err != nil {
		h.log.WithError(err).WithField("user_id", c.UserID).Warn("Dropping malformed frame")
		return
	}

	switch env.Kind {
	case protocol.KindUserJoined:
		if env.GroupID == 0 {
			h.log.WithField("user_id", c.UserID).Warn("Join without group id")
			return
		}
		h.join(ctx, c, env.GroupID)
		h.broadcastGroup(env.GroupID, mustMarshal(protocol.NewJoin(env.GroupID, c.UserID, h.now())), c)

	case protocol.KindUserLeft:
		h.leave(c, env.GroupID)
		h.broadcastGroup(env.GroupID, mustMarshal(protocol.NewLeave(env.GroupID, c.UserID, h.now())), c)

	case protocol.KindTyping:
		if !c.groups[env.GroupID] {
			return
		}
		typing := env.Type == protocol.TypeTypingStart
		h.broadcastGroup(env.GroupID, mustMarshal(protocol.NewTyping(env.GroupID, c.UserID, typing, h.now())), c)

	case protocol.KindMessage:
		h.handleChat(ctx, c, env)

	case protocol.KindFileStart, protocol.KindFileChunk, protocol.KindFileEnd, protocol.KindFileCancel:
		h.relayFile(c, env, f.data)

	default:
		h.log.WithField("type", env.Type).Debug("Ignoring frame")
	}
}

// handleChat stamps a chat frame with a server id and broadcasts it to the
// whole group, sender included, so the sender can reconcile.
func (h *Hub) handleChat(ctx context.Context, c *Client, env *protocol.Envelope) {
	if env.GroupID == 0 || env.Content == "" {
		h.log.WithField("user_id", c.UserID).Warn("Dropping chat frame without group or content")
		return
	}
	if !c.groups[env.GroupID] {
		h.join(ctx, c, env.GroupID)
	}

	now := h.now()
	msg := protocol.ChatMessage{
		Type:       protocol.TypeMessage,
		MessageID:  uuid.NewString(),
		ClientID:   env.ClientID,
		GroupID:    env.GroupID,
		SenderID:   c.UserID,
		SenderName: c.Profile.Name,
		Content:    env.Content,
		Timestamp:  protocol.FormatTimestamp(now),
	}

	rec := models.HistoryRecord{
		MessageID:  msg.MessageID,
		Content:    msg.Content,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		CreatedAt:  msg.Timestamp,
	}
	if err := h.store.AppendMessage(ctx, env.GroupID, rec); err != nil {
		h.log.WithError(err).WithField("group_id", env.GroupID).Error("Failed to record message")
	}

	h.broadcastGroup(env.GroupID, mustMarshal(msg), nil)
}

// relayFile forwards file frames untouched to the rest of the group. Only
// members may send them.
func (h *Hub) relayFile(c *Client, env *protocol.Envelope, raw []byte) {
	groupID := env.GroupID
	if groupID == 0 {
		groupID = h.uploads[env.UploadID]
	}
	if groupID == 0 {
		h.log.WithField("upload_id", env.UploadID).Warn("File frame for unknown group")
		return
	}
	if !c.groups[groupID] {
		h.log.WithFields(log.Fields{"user_id": c.UserID, "group_id": groupID}).Warn("Dropping file frame for a group the sender has not joined")
		return
	}

	switch env.Kind {
	case protocol.KindFileStart:
		h.uploads[env.UploadID] = groupID
	case protocol.KindFileEnd, protocol.KindFileCancel:
		delete(h.uploads, env.UploadID)
	}
	h.broadcastGroup(groupID, raw, c)
}

func (h *Hub) join(ctx context.Context, c *Client, groupID int64) {
	h.mu.Lock()
	if h.groups[groupID] == nil {
		h.groups[groupID] = make(map[*Client]bool)
	}
	h.groups[groupID][c] = true
	c.groups[groupID] = true
	size := len(h.groups[groupID])
	h.mu.Unlock()

	if err := h.store.AddMember(ctx, groupID, c.UserID); err != nil {
		h.log.WithError(err).Warn("Failed to record membership")
	}
	h.log.WithFields(log.Fields{"user_id": c.UserID, "group_id": groupID, "total": size}).Info("Client joined group")
}

func (h *Hub) leave(c *Client, groupID int64) {
	h.mu.Lock()
	h.removeFromGroupLocked(groupID, c)
	h.mu.Unlock()
	h.log.WithFields(log.Fields{"user_id": c.UserID, "group_id": groupID}).Info("Client left group")
}

func (h *Hub) removeFromGroupLocked(groupID int64, c *Client) {
	delete(c.groups, groupID)
	if clients, ok := h.groups[groupID]; ok {
		delete(clients, c)
		// Clean up empty groups
		if len(clients) == 0 {
			delete(h.groups, groupID)
		}
	}
}

func (h *Hub) broadcastGroup(groupID int64, data []byte, except *Client) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.groups[groupID]))
	for c := range h.groups[groupID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
}

func (h *Hub) broadcastAll(data []byte, except *Client) {
	h.mu.RLock()
	var targets []*Client
	for _, conns := range h.users {
		for c := range conns {
			if c != except {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
}

// deliver queues data for c. A client whose buffer is full is dropped.
func (h *Hub) deliver(c *Client, data []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.WithField("user_id", c.UserID).Warn("Send buffer full, dropping client")
		h.unregisterClient(c)
	}
}

func statusFrame(p models.UserProfile, online bool) protocol.StatusUpdate {
	return protocol.StatusUpdate{
		Type:         protocol.TypeStatusUpdate,
		UserID:       p.UserID,
		OnlineStatus: online,
		UserName:     p.Name,
		Username:     p.Username,
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
