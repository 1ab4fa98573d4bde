package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/adi-253/echowire/internal/models"
)

// ErrNotFound is returned by a Store when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store persists what the relay serves over REST: key records, user
// profiles, group membership and message history.
type Store interface {
	SaveUser(ctx context.Context, profile models.UserProfile) error
	User(ctx context.Context, userID int64) (*models.UserProfile, error)

	SaveUserKey(ctx context.Context, key models.UserKey) error
	UserKey(ctx context.Context, userID int64) (*models.UserKey, error)
	SaveGroupPublicKey(ctx context.Context, groupID int64, publicKey string) error
	GroupPublicKey(ctx context.Context, groupID int64) (string, error)
	SaveGroupMemberKey(ctx context.Context, key models.GroupMemberKey) error
	GroupMemberKey(ctx context.Context, groupID, userID int64) (*models.GroupMemberKey, error)

	AddMember(ctx context.Context, groupID, userID int64) error
	Members(ctx context.Context, groupID int64) ([]int64, error)

	AppendMessage(ctx context.Context, groupID int64, rec models.HistoryRecord) error
	// Messages returns up to limit records in chronological order, skipping
	// the newest offset records.
	Messages(ctx context.Context, groupID int64, limit, offset int) ([]models.HistoryRecord, error)
}

// MemoryStore is the in-process Store used when no Redis is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[int64]models.UserProfile
	userKeys   map[int64]models.UserKey
	groupKeys  map[int64]string
	memberKeys map[string]models.GroupMemberKey
	members    map[int64]map[int64]bool
	history    map[int64][]models.HistoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[int64]models.UserProfile),
		userKeys:   make(map[int64]models.UserKey),
		groupKeys:  make(map[int64]string),
		memberKeys: make(map[string]models.GroupMemberKey),
		members:    make(map[int64]map[int64]bool),
		history:    make(map[int64][]models.HistoryRecord),
	}
}

func memberKeyID(groupID, userID int64) string {
	return fmt.Sprintf("%d:%d", groupID, userID)
}

func (s *MemoryStore) SaveUser(_ context.Context, profile models.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[profile.UserID] = profile
	return nil
}

func (s *MemoryStore) User(_ context.Context, userID int64) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) SaveUserKey(_ context.Context, key models.UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userKeys[key.UserID] = key
	return nil
}

func (s *MemoryStore) UserKey(_ context.Context, userID int64) (*models.UserKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.userKeys[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (s *MemoryStore) SaveGroupPublicKey(_ context.Context, groupID int64, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupKeys[groupID] = publicKey
	return nil
}

func (s *MemoryStore) GroupPublicKey(_ context.Context, groupID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.groupKeys[groupID]
	if !ok {
		return "", ErrNotFound
	}
	return k, nil
}

func (s *MemoryStore) SaveGroupMemberKey(_ context.Context, key models.GroupMemberKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberKeys[memberKeyID(key.GroupID, key.UserID)] = key
	return nil
}

func (s *MemoryStore) GroupMemberKey(_ context.Context, groupID, userID int64) (*models.GroupMemberKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.memberKeys[memberKeyID(groupID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (s *MemoryStore) AddMember(_ context.Context, groupID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[groupID] == nil {
		s.members[groupID] = make(map[int64]bool)
	}
	s.members[groupID][userID] = true
	return nil
}

func (s *MemoryStore) Members(_ context.Context, groupID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.members[groupID]))
	for id := range s.members[groupID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, groupID int64, rec models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[groupID] = append(s.history[groupID], rec)
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, groupID int64, limit, offset int) ([]models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end := pageBounds(len(s.history[groupID]), limit, offset)
	out := make([]models.HistoryRecord, end-start)
	copy(out, s.history[groupID][start:end])
	return out, nil
}

// pageBounds maps limit/offset counted back from the newest record onto
// [start, end) of a chronological list of n records.
func pageBounds(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	end := n - offset
	if end < 0 {
		end = 0
	}
	start := 0
	if limit > 0 {
		start = max(end-limit, 0)
	}
	return start, end
}
