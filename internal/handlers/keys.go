package handlers

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/models"
	"github.com/adi-253/echowire/internal/relay"
)

// KeyHandler serves the key-storage API. The relay never sees a private or
// group key in the clear; it stores base64 blobs as given.
type KeyHandler struct {
	store relay.Store
	log   *log.Entry
}

// NewKeyHandler creates a new KeyHandler instance.
func NewKeyHandler(store relay.Store, logger *log.Entry) *KeyHandler {
	return &KeyHandler{store: store, log: logger.WithField("component", "keys_api")}
}

// RegisterUserKey handles POST /api/keys/user
func (h *KeyHandler) RegisterUserKey(w http.ResponseWriter, r *http.Request) {
	var key models.UserKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if key.PublicKey == "" {
		http.Error(w, "publicKey is required", http.StatusBadRequest)
		return
	}

	me, _ := caller(r)
	if key.UserID == 0 {
		key.UserID = me.UserID
	}
	if key.UserID != me.UserID {
		http.Error(w, "cannot register a key for another user", http.StatusForbidden)
		return
	}

	if err := h.store.SaveUserKey(r.Context(), key); err != nil {
		storeError(w, err, "user key")
		return
	}
	h.log.WithField("user_id", key.UserID).Info("Registered user key")
	writeJSON(w, http.StatusCreated, map[string]string{"status": "key registered"})
}

// GetUserKey handles GET /api/keys/user/{userId}
func (h *KeyHandler) GetUserKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := idParam(w, r, "userId")
	if !ok {
		return
	}
	key, err := h.store.UserKey(r.Context(), userID)
	if err != nil {
		storeError(w, err, "user key")
		return
	}
	// only the public half leaves the relay for other users
	me, _ := caller(r)
	if me.UserID != userID {
		key = &models.UserKey{UserID: key.UserID, PublicKey: key.PublicKey}
	}
	writeJSON(w, http.StatusOK, key)
}

// UploadGroupPublicKey handles POST /api/keys/group-public
func (h *KeyHandler) UploadGroupPublicKey(w http.ResponseWriter, r *http.Request) {
	var req models.GroupPublicKey
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.GroupID <= 0 || req.GroupPublicKey == "" {
		http.Error(w, "groupId and groupPublicKey are required", http.StatusBadRequest)
		return
	}
	if err := h.store.SaveGroupPublicKey(r.Context(), req.GroupID, req.GroupPublicKey); err != nil {
		storeError(w, err, "group key")
		return
	}
	h.log.WithField("group_id", req.GroupID).Info("Published group public key")
	writeJSON(w, http.StatusCreated, req)
}

// GetGroupPublicKey handles GET /api/keys/group-public/{groupId}
func (h *KeyHandler) GetGroupPublicKey(w http.ResponseWriter, r *http.Request) {
	groupID, ok := idParam(w, r, "groupId")
	if !ok {
		return
	}
	pub, err := h.store.GroupPublicKey(r.Context(), groupID)
	if err != nil {
		storeError(w, err, "group key")
		return
	}
	writeJSON(w, http.StatusOK, models.GroupPublicKey{GroupID: groupID, GroupPublicKey: pub})
}

// UploadGroupMemberKey handles POST /api/keys/group-member
func (h *KeyHandler) UploadGroupMemberKey(w http.ResponseWriter, r *http.Request) {
	var key models.GroupMemberKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if key.GroupID <= 0 || key.UserID <= 0 || key.EncryptedGroupPrivateKey == "" || key.Nonce == "" {
		http.Error(w, "groupId, userId, encryptedGroupPrivateKey and nonce are required", http.StatusBadRequest)
		return
	}
	if err := h.store.SaveGroupMemberKey(r.Context(), key); err != nil {
		storeError(w, err, "member key")
		return
	}
	h.log.WithFields(log.Fields{"group_id": key.GroupID, "user_id": key.UserID}).Info("Stored wrapped group key")
	w.WriteHeader(http.StatusCreated)
}

// GetGroupMemberKey handles GET /api/keys/group-member/{groupId}/{userId}
func (h *KeyHandler) GetGroupMemberKey(w http.ResponseWriter, r *http.Request) {
	groupID, ok := idParam(w, r, "groupId")
	if !ok {
		return
	}
	userID, ok := idParam(w, r, "userId")
	if !ok {
		return
	}
	key, err := h.store.GroupMemberKey(r.Context(), groupID, userID)
	if err != nil {
		storeError(w, err, "member key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}
