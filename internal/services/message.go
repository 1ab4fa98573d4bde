package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/models"
	"github.com/adi-253/echowire/internal/protocol"
	"github.com/adi-253/echowire/internal/websocket"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrMissingGroup = errors.New("group id is required")
)

// Sender is the transport the services write envelopes to.
type Sender interface {
	Send(v any) error
}

// Subscriber registers envelope listeners, typically a *websocket.Manager.
type Subscriber interface {
	On(kind protocol.Kind, fn websocket.Listener) func()
}

// Message is an internal representation matching the model
type Message = models.Message

// MessageChannel sends chat messages and keeps the reconciled per-group view:
// optimistic local entries are replaced by their server confirmations.
type MessageChannel struct {
	sender Sender
	userID int64
	dedup  *DedupSet
	log    *log.Entry
	now    func() time.Time

	// messages stores messages per group in insertion order
	messages map[int64][]Message
	mu       sync.RWMutex

	changeMu sync.RWMutex
	onChange []func(groupID int64)
}

// NewMessageChannel creates a MessageChannel for the signed-in user.
func NewMessageChannel(sender Sender, currentUserID int64, dedup *DedupSet, logger *log.Entry) *MessageChannel {
	if dedup == nil {
		dedup = NewDedupSet(0, 0)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &MessageChannel{
		sender:   sender,
		userID:   currentUserID,
		dedup:    dedup,
		log:      logger.WithField("component", "message"),
		now:      func() time.Time { return time.Now().UTC() },
		messages: make(map[int64][]Message),
	}
}

// Attach registers the channel's chat listener and returns its unsubscribe func.
func (c *MessageChannel) Attach(sub Subscriber) func() {
	return sub.On(protocol.KindMessage, c.HandleEnvelope)
}

// OnChange registers fn to be called whenever a group's view changes.
func (c *MessageChannel) OnChange(fn func(groupID int64)) {
	c.changeMu.Lock()
	c.onChange = append(c.onChange, fn)
	c.changeMu.Unlock()
}

// SendMessage validates and transmits a chat envelope. It returns the
// correlation id the server echoes back. Success means the transport accepted
// the frame; inserting the optimistic entry is the caller's job.
func (c *MessageChannel) SendMessage(groupID int64, content string, senderID int64) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if groupID == 0 {
		return "", ErrMissingGroup
	}

	clientID := uuid.NewString()
	if err := c.sender.Send(protocol.NewChatMessage(groupID, senderID, content, clientID, c.now())); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return clientID, nil
}

// Post sends content as the current user and, once the transport accepts it,
// inserts the optimistic entry. Nothing is inserted on failure.
func (c *MessageChannel) Post(groupID int64, content string) (Message, error) {
	clientID, err := c.SendMessage(groupID, content, c.userID)
	if err != nil {
		return Message{}, err
	}
	return c.AddOptimistic(groupID, content, c.userID, clientID), nil
}

// AddOptimistic inserts a pending local entry shown until the server confirms it.
func (c *MessageChannel) AddOptimistic(groupID int64, content string, senderID int64, clientID string) Message {
	msg := Message{
		ID:            models.LocalIDPrefix + uuid.NewString(),
		ClientID:      clientID,
		GroupID:       groupID,
		SenderID:      senderID,
		SenderName:    "You",
		Content:       strings.TrimSpace(content),
		Timestamp:     c.now(),
		Status:        models.StatusPending,
		IsCurrentUser: true,
	}

	c.mu.Lock()
	c.messages[groupID] = append(c.messages[groupID], msg)
	c.mu.Unlock()

	c.notify(groupID)
	return msg
}

// MarkFailed flags an optimistic entry as failed. It reports whether the
// entry was found.
func (c *MessageChannel) MarkFailed(localID string) bool {
	c.mu.Lock()
	var groupID int64
	found := false
	for g, list := range c.messages {
		for i := range list {
			if list[i].ID == localID && list[i].IsLocal() {
				list[i].Status = models.StatusFailed
				groupID, found = g, true
				break
			}
		}
		if found {
			break
		}
	}
	c.mu.Unlock()

	if found {
		c.notify(groupID)
	}
	return found
}

// HandleEnvelope reconciles one confirmed chat envelope into the view.
// Repeated ids are discarded without touching state.
func (c *MessageChannel) HandleEnvelope(env *protocol.Envelope) error {
	if env.GroupID == 0 {
		return fmt.Errorf("message %q: %w", env.MessageID, ErrMissingGroup)
	}

	id := env.MessageID
	if id == "" {
		id = "ws-" + uuid.NewString()
	}
	if !c.dedup.Add(id) {
		c.log.WithField("message_id", id).Debug("Duplicate message discarded")
		return nil
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	name := env.SenderName
	if name == "" {
		name = env.Username
	}
	if name == "" {
		name = fmt.Sprintf("User %d", env.SenderID)
	}

	msg := Message{
		ID:            id,
		ClientID:      env.ClientID,
		GroupID:       env.GroupID,
		SenderID:      env.SenderID,
		SenderName:    name,
		Content:       env.Content,
		Timestamp:     ts,
		Status:        models.StatusDelivered,
		IsCurrentUser: env.SenderID == c.userID,
	}

	c.mu.Lock()
	list := c.messages[msg.GroupID]
	if indexOf(list, id) >= 0 {
		// the dedup window expired but the entry is still visible
		c.mu.Unlock()
		return nil
	}
	list = removeOptimistic(list, msg)
	c.messages[msg.GroupID] = append(list, msg)
	c.mu.Unlock()

	c.notify(msg.GroupID)
	return nil
}

// LoadHistory seeds a group with fetched history. Ids already seen are skipped.
func (c *MessageChannel) LoadHistory(groupID int64, history []Message) int {
	added := 0

	c.mu.Lock()
	list := c.messages[groupID]
	for _, msg := range history {
		if msg.ID == "" || !c.dedup.Add(msg.ID) || indexOf(list, msg.ID) >= 0 {
			continue
		}
		msg.GroupID = groupID
		list = append(list, msg)
		added++
	}
	c.messages[groupID] = list
	c.mu.Unlock()

	if added > 0 {
		c.log.WithFields(log.Fields{"group_id": groupID, "count": added}).Debug("History loaded")
		c.notify(groupID)
	}
	return added
}

// Messages returns a group's messages ascending by timestamp. Equal
// timestamps keep insertion order.
func (c *MessageChannel) Messages(groupID int64) []Message {
	c.mu.RLock()
	list := c.messages[groupID]
	result := make([]Message, len(list))
	copy(result, list)
	c.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

// Clear drops a group's view, for example when leaving it.
func (c *MessageChannel) Clear(groupID int64) {
	c.mu.Lock()
	count := len(c.messages[groupID])
	delete(c.messages, groupID)
	c.mu.Unlock()

	if count > 0 {
		c.log.WithFields(log.Fields{"group_id": groupID, "count": count}).Debug("Cleared group messages")
	}
}

func (c *MessageChannel) notify(groupID int64) {
	c.changeMu.RLock()
	handlers := append(([]func(int64))(nil), c.onChange...)
	c.changeMu.RUnlock()

	for _, fn := range handlers {
		fn(groupID)
	}
}

func indexOf(list []Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// removeOptimistic drops the local entry that confirmed stands for: the one
// carrying its correlation id, else the earliest with equal sender and content
// when either side has no correlation id.
func removeOptimistic(list []Message, confirmed Message) []Message {
	match := -1
	if confirmed.ClientID != "" {
		for i := range list {
			if list[i].IsLocal() && list[i].ClientID == confirmed.ClientID {
				match = i
				break
			}
		}
	}
	if match < 0 {
		for i := range list {
			m := list[i]
			// entries with a different correlation id belong to another send
			if m.ClientID != "" && confirmed.ClientID != "" {
				continue
			}
			if m.IsLocal() && m.SenderID == confirmed.SenderID && m.Content == confirmed.Content {
				match = i
				break
			}
		}
	}
	if match < 0 {
		return list
	}
	return append(list[:match:match], list[match+1:]...)
}
