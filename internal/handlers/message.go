package handlers

import (
	"net/http"
	"strconv"

	"github.com/adi-253/echowire/internal/models"
	"github.com/adi-253/echowire/internal/relay"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Presence reports whether a user has a live socket.
type Presence interface {
	IsOnline(userID int64) bool
}

// MessageHandler serves message history, group members and user profiles.
type MessageHandler struct {
	store    relay.Store
	presence Presence
}

// NewMessageHandler creates a new MessageHandler instance.
func NewMessageHandler(store relay.Store, presence Presence) *MessageHandler {
	return &MessageHandler{store: store, presence: presence}
}

// GetMessages handles GET /api/groups/{groupId}/messages
// Query params:
//   - limit: page size, default 50, at most 200
//   - offset: number of newest messages to skip
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	groupID, ok := idParam(w, r, "groupId")
	if !ok {
		return
	}

	limit, offset := defaultHistoryLimit, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(v, maxHistoryLimit)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = v
	}

	records, err := h.store.Messages(r.Context(), groupID, limit, offset)
	if err != nil {
		storeError(w, err, "history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// GetMembers handles GET /api/groups/{groupId}/members
func (h *MessageHandler) GetMembers(w http.ResponseWriter, r *http.Request) {
	groupID, ok := idParam(w, r, "groupId")
	if !ok {
		return
	}
	ids, err := h.store.Members(r.Context(), groupID)
	if err != nil {
		storeError(w, err, "group")
		return
	}
	writeJSON(w, http.StatusOK, models.GroupMembersResponse{GroupID: groupID, MemberIDs: ids})
}

// GetUser handles GET /api/users/{userId}
func (h *MessageHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := idParam(w, r, "userId")
	if !ok {
		return
	}
	profile, err := h.store.User(r.Context(), userID)
	if err != nil {
		storeError(w, err, "user")
		return
	}
	if h.presence != nil {
		profile.Online = h.presence.IsOnline(userID)
	}
	writeJSON(w, http.StatusOK, profile)
}
