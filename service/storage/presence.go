package storage

import (
	"PPSync/logger"
	"PPSync/service/protocol"
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const presencePrefix = "relay:presence:"

// kv is the subset of redis.Cmdable the presence store needs.
type kv interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// PresenceStore mirrors room snapshots into redis so processes without a socket
// (dashboards, the persistence API) can read who is in a project.
// key: relay:presence:<projectId>, value: presence JSON, TTL renewed on every change.
type PresenceStore struct {
	rdb kv
	ttl time.Duration
}

func NewPresenceStore(rdb kv, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceStore{rdb: rdb, ttl: ttl}
}

func PresenceKey(projectID string) string { return presencePrefix + projectID }

// Publish stores the snapshot, or deletes the key once the room is empty.
func (s *PresenceStore) Publish(ctx context.Context, p protocol.Presence) error {
	key := PresenceKey(p.ProjectID)
	if p.Count == 0 {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return errors.Wrapf(err, "del %s", key)
		}
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal presence")
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

// Lookup returns the mirrored snapshot; ok is false when the room is empty or
// the key expired.
func (s *PresenceStore) Lookup(ctx context.Context, projectID string) (p protocol.Presence, ok bool, err error) {
	val, err := s.rdb.Get(ctx, PresenceKey(projectID)).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.NewPresence(projectID, nil), false, nil
	}
	if err != nil {
		return p, false, errors.Wrapf(err, "get presence %s", projectID)
	}
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		logger.Warn("[Presence] corrupt snapshot", zap.String("projectId", projectID), zap.Error(err))
		return protocol.NewPresence(projectID, nil), false, errors.Wrap(err, "decode presence")
	}
	return p, true, nil
}
