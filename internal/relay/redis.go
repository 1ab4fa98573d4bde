package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/adi-253/echowire/internal/models"
)

const keyPrefix = "echowire:"

// RedisStore is a Store backed by Redis. Records are JSON strings, history
// is a list per group and membership a set per group.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance at url and pings it.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func userKey(id int64) string { return fmt.Sprintf("%suser:%d", keyPrefix, id) }
func userPublicKey(id int64) string { return fmt.Sprintf("%skeys:user:%d", keyPrefix, id) }
func groupPublicKey(id int64) string { return fmt.Sprintf("%skeys:group:%d", keyPrefix, id) }
func groupMemberKey(g, u int64) string { return fmt.Sprintf("%skeys:member:%d:%d", keyPrefix, g, u) }
func groupMembersKey(id int64) string { return fmt.Sprintf("%smembers:%d", keyPrefix, id) }
func groupHistoryKey(id int64) string { return fmt.Sprintf("%shistory:%d", keyPrefix, id) }

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) SaveUser(ctx context.Context, profile models.UserProfile) error {
	return s.setJSON(ctx, userKey(profile.UserID), profile)
}

func (s *RedisStore) User(ctx context.Context, userID int64) (*models.UserProfile, error) {
	var p models.UserProfile
	if err := s.getJSON(ctx, userKey(userID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) SaveUserKey(ctx context.Context, key models.UserKey) error {
	return s.setJSON(ctx, userPublicKey(key.UserID), key)
}

func (s *RedisStore) UserKey(ctx context.Context, userID int64) (*models.UserKey, error) {
	var k models.UserKey
	if err := s.getJSON(ctx, userPublicKey(userID), &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *RedisStore) SaveGroupPublicKey(ctx context.Context, groupID int64, publicKey string) error {
	return s.client.Set(ctx, groupPublicKey(groupID), publicKey, 0).Err()
}

func (s *RedisStore) GroupPublicKey(ctx context.Context, groupID int64) (string, error) {
	k, err := s.client.Get(ctx, groupPublicKey(groupID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return k, err
}

func (s *RedisStore) SaveGroupMemberKey(ctx context.Context, key models.GroupMemberKey) error {
	return s.setJSON(ctx, groupMemberKey(key.GroupID, key.UserID), key)
}

func (s *RedisStore) GroupMemberKey(ctx context.Context, groupID, userID int64) (*models.GroupMemberKey, error) {
	var k models.GroupMemberKey
	if err := s.getJSON(ctx, groupMemberKey(groupID, userID), &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *RedisStore) AddMember(ctx context.Context, groupID, userID int64) error {
	return s.client.SAdd(ctx, groupMembersKey(groupID), userID).Err()
}

func (s *RedisStore) Members(ctx context.Context, groupID int64) ([]int64, error) {
	raw, err := s.client.SMembers(ctx, groupMembersKey(groupID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, groupID int64, rec models.HistoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, groupHistoryKey(groupID), data).Err()
}

func (s *RedisStore) Messages(ctx context.Context, groupID int64, limit, offset int) ([]models.HistoryRecord, error) {
	n, err := s.client.LLen(ctx, groupHistoryKey(groupID)).Result()
	if err != nil {
		return nil, err
	}
	start, end := pageBounds(int(n), limit, offset)
	if start >= end {
		return []models.HistoryRecord{}, nil
	}

	raw, err := s.client.LRange(ctx, groupHistoryKey(groupID), int64(start), int64(end-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.HistoryRecord, 0, len(raw))
	for _, r := range raw {
		var rec models.HistoryRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
