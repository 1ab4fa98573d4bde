package models

import (
	"fmt"
	"strings"
	"time"
)

// MessageStatus is the delivery state of a message as seen by this client.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// LocalIDPrefix marks optimistic ids generated on this client.
// Server-issued ids never carry it.
const LocalIDPrefix = "local-"

// Message represents one chat message in a group's visible list.
type Message struct {
	// ID is the server-issued id, or a local- prefixed id for optimistic entries
	ID string `json:"id"`

	// ClientID correlates an optimistic entry with its server confirmation
	ClientID string `json:"client_id,omitempty"`

	// GroupID is the group this message belongs to
	GroupID int64 `json:"group_id"`

	// SenderID is the sender's user id
	SenderID int64 `json:"sender_id"`

	// SenderName is the sender's display name
	SenderName string `json:"sender_name"`

	// Content is the message text
	Content string `json:"content"`

	// Timestamp is when the message was sent
	Timestamp time.Time `json:"timestamp"`

	// Status is the delivery state
	Status MessageStatus `json:"status"`

	// IsCurrentUser is true when the signed-in user sent the message
	IsCurrentUser bool `json:"is_current_user"`
}

// IsLocal reports whether the message is an unconfirmed optimistic entry.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// HistoryRecord is one entry of the paginated message-history API.
// Field names vary between backend versions, so both spellings are kept.
type HistoryRecord struct {
	MessageID  any    `json:"messageId,omitempty"`
	ID         any    `json:"id,omitempty"`
	Content    string `json:"content,omitempty"`
	Message    string `json:"message,omitempty"`
	SenderID   int64  `json:"senderId,omitempty"`
	UserID     int64  `json:"userId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Username   string `json:"username,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// ToMessage maps a history record onto the Message entity.
// parseTime is supplied by the caller so the wire timestamp rules stay in one place.
func (r HistoryRecord) ToMessage(groupID, currentUserID int64, parseTime func(string) (time.Time, bool)) Message {
	id := firstID(r.MessageID, r.ID)

	content := r.Content
	if content == "" {
		content = r.Message
	}

	sender := r.SenderID
	if sender == 0 {
		sender = r.UserID
	}

	name := r.SenderName
	if name == "" {
		name = r.Username
	}
	if name == "" {
		name = fmt.Sprintf("User %d", sender)
	}

	ts := time.Now().UTC()
	for _, raw := range []string{r.CreatedAt, r.Timestamp} {
		if parsed, ok := parseTime(raw); ok {
			ts = parsed
			break
		}
	}

	return Message{
		ID:            id,
		GroupID:       groupID,
		SenderID:      sender,
		SenderName:    name,
		Content:       content,
		Timestamp:     ts,
		Status:        StatusDelivered,
		IsCurrentUser: sender == currentUserID,
	}
}

func firstID(values ...any) string {
	for _, v := range values {
		switch id := v.(type) {
		case string:
			if id != "" {
				return id
			}
		case float64:
			return fmt.Sprintf("%.0f", id)
		}
	}
	return ""
}
