package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/models"
	"github.com/adi-253/echowire/internal/protocol"
)

// Directory resolves user profiles, typically *api.Client.
type Directory interface {
	GetUser(ctx context.Context, userID int64) (*models.UserProfile, error)
}

// PresenceTracker keeps online/offline state per user. Entries are created
// only by an online observation.
type PresenceTracker struct {
	mu      sync.RWMutex
	entries map[int64]models.PresenceEntry
	log     *log.Entry
}

func NewPresenceTracker(logger *log.Entry) *PresenceTracker {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &PresenceTracker{
		entries: make(map[int64]models.PresenceEntry),
		log:     logger.WithField("component", "presence"),
	}
}

// Attach registers the status_update listener.
func (p *PresenceTracker) Attach(sub Subscriber) func() {
	return sub.On(protocol.KindStatusUpdate, p.HandleEnvelope)
}

// HandleEnvelope applies one status_update envelope.
func (p *PresenceTracker) HandleEnvelope(env *protocol.Envelope) error {
	if env.UserID == 0 {
		return errors.New("status update without user id")
	}
	if env.Online == nil {
		return fmt.Errorf("status update for user %d without online flag", env.UserID)
	}
	p.Apply(env.UserID, *env.Online, env.SenderName, env.Username)
	return nil
}

// Apply records a status observation and reports whether the map changed.
// Status always overwrites; name and username only when non-empty. An
// offline observation for an unseen user is ignored.
func (p *PresenceTracker) Apply(userID int64, online bool, name, username string) bool {
	status := models.PresenceOffline
	if online {
		status = models.PresenceOnline
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[userID]
	if !ok {
		if !online {
			return false
		}
		entry = models.PresenceEntry{UserID: userID}
	}

	entry.Status = status
	if name != "" {
		entry.Name = name
	}
	if username != "" {
		entry.Username = username
	}
	p.entries[userID] = entry

	p.log.WithFields(log.Fields{"user_id": userID, "status": status}).Debug("Presence updated")
	return true
}

func (p *PresenceTracker) Get(userID int64) (models.PresenceEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[userID]
	return e, ok
}

// Online returns the users currently online, ordered by id.
func (p *PresenceTracker) Online() []models.PresenceEntry {
	p.mu.RLock()
	result := make([]models.PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.Status == models.PresenceOnline {
			result = append(result, e)
		}
	}
	p.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// Snapshot returns a copy of every tracked entry.
func (p *PresenceTracker) Snapshot() map[int64]models.PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[int64]models.PresenceEntry, len(p.entries))
	for id, e := range p.entries {
		out[id] = e
	}
	return out
}

// DecorateMembers overlays tracked status onto members. Untracked members
// are offline.
func (p *PresenceTracker) DecorateMembers(members []models.Member) []models.Member {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.Member, len(members))
	for i, m := range members {
		m.Status = models.PresenceOffline
		if e, ok := p.entries[m.UserID]; ok {
			m.Status = e.Status
		}
		out[i] = m
	}
	return out
}

// ResolveMembers looks up each id in dir and decorates the result with
// presence. Failed lookups become placeholder members.
func (p *PresenceTracker) ResolveMembers(ctx context.Context, dir Directory, ids []int64) []models.Member {
	members := make([]models.Member, 0, len(ids))
	for _, id := range ids {
		profile, err := dir.GetUser(ctx, id)
		if err != nil || profile == nil {
			p.log.WithError(err).WithField("user_id", id).Warn("Profile lookup failed, using placeholder")
			members = append(members, models.PlaceholderMember(id))
			continue
		}
		members = append(members, models.Member{
			UserID:   id,
			Name:     profile.Name,
			Username: profile.Username,
			Email:    profile.Email,
		})
	}
	return p.DecorateMembers(members)
}
