package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/driftline/uploadd/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "upload:session:"
	activityKey      = "upload:sessions:activity"
)

// Compare-and-set scripts run atomically inside Redis, which is what makes a
// single hash per session a linearizable serialization point. Each script
// returns 1 on success, 0 on a lost compare, -1 when the key does not exist.
var (
	casOffsetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local status = redis.call('HGET', KEYS[1], 'status')
local open = false
for s in string.gmatch(ARGV[7], '([^,]+)') do
  if status == s then open = true end
end
if not open then return 0 end
local off = tonumber(redis.call('HGET', KEYS[1], 'received_offset'))
if off ~= tonumber(ARGV[1]) then return 0 end
redis.call('HSET', KEYS[1], 'received_offset', ARGV[2], 'status', ARGV[3], 'last_activity_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
return 1
`)

	casStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'last_activity_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

	completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'completing' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'completed', 'storage_handle', ARGV[1], 'last_activity_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)
)

// RedisStore keeps each session in a Redis hash, with a sorted set indexing
// sessions by last activity for the expiry sweeper.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(id uuid.UUID) string {
	return sessionKeyPrefix + id.String()
}

// Create allocates a new session record
func (rs *RedisStore) Create(ctx context.Context, declaredLength int64, metadata types.MetaData) (*types.UploadSession, error) {
	now := time.Now().UTC()
	session := &types.UploadSession{
		ID:             uuid.New(),
		DeclaredLength: declaredLength,
		ReceivedOffset: 0,
		Status:         types.StatusCreated,
		Metadata:       metadata,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	key := sessionKey(session.ID)
	pipe := rs.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":               session.ID.String(),
		"declared_length":  session.DeclaredLength,
		"received_offset":  session.ReceivedOffset,
		"status":           string(session.Status),
		"metadata":         string(metaJSON),
		"storage_handle":   "",
		"created_at":       now.Format(time.RFC3339Nano),
		"last_activity_at": now.Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, activityKey, redis.Z{Score: float64(now.UnixNano()), Member: session.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	return session, nil
}

// Get returns the current session state
func (rs *RedisStore) Get(ctx context.Context, id uuid.UUID) (*types.UploadSession, error) {
	fields, err := rs.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseSessionHash(fields)
}

// CompareAndSetOffset advances the offset if the stored value matches
func (rs *RedisStore) CompareAndSetOffset(ctx context.Context, id uuid.UUID, expectedOffset, newOffset int64, status types.SessionStatus) (*types.UploadSession, error) {
	now := time.Now().UTC()
	res, err := casOffsetScript.Run(ctx, rs.client,
		[]string{sessionKey(id), activityKey},
		expectedOffset, newOffset, string(status),
		now.Format(time.RFC3339Nano), now.UnixNano(), id.String(),
		openStatusList(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to run offset CAS: %w", err)
	}

	switch res {
	case -1:
		return nil, ErrNotFound
	case 0:
		current, err := rs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, ErrConflict
	default:
		return rs.Get(ctx, id)
	}
}

// CompareAndSetStatus performs a guarded status transition
func (rs *RedisStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to types.SessionStatus) (*types.UploadSession, error) {
	now := time.Now().UTC()
	res, err := casStatusScript.Run(ctx, rs.client,
		[]string{sessionKey(id), activityKey},
		string(from), string(to),
		now.Format(time.RFC3339Nano), now.UnixNano(), id.String(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to run status CAS: %w", err)
	}

	switch res {
	case -1:
		return nil, ErrNotFound
	case 0:
		current, err := rs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, ErrConflict
	default:
		return rs.Get(ctx, id)
	}
}

// CompleteSession marks a completing session as completed
func (rs *RedisStore) CompleteSession(ctx context.Context, id uuid.UUID, storageHandle string) error {
	now := time.Now().UTC()
	res, err := completeScript.Run(ctx, rs.client,
		[]string{sessionKey(id), activityKey},
		storageHandle, now.Format(time.RFC3339Nano), now.UnixNano(), id.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to run completion CAS: %w", err)
	}

	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrConflict
	default:
		return nil
	}
}

// ListExpirable returns open sessions idle since the cutoff
func (rs *RedisStore) ListExpirable(ctx context.Context, cutoff time.Time) ([]*types.UploadSession, error) {
	ids, err := rs.staleIDs(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var stale []*types.UploadSession
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		session, err := rs.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				// Index entry outlived the hash; drop it.
				rs.client.ZRem(ctx, activityKey, raw)
				continue
			}
			return nil, err
		}
		if isOpen(session.Status) {
			stale = append(stale, session)
		}
	}
	return stale, nil
}

// PurgeTombstones removes terminal sessions older than the cutoff
func (rs *RedisStore) PurgeTombstones(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	ids, err := rs.staleIDs(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var removed []uuid.UUID
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		session, err := rs.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				rs.client.ZRem(ctx, activityKey, raw)
				continue
			}
			return removed, err
		}
		if session.Status.Terminal() {
			if err := rs.Delete(ctx, id); err != nil && err != ErrNotFound {
				return removed, err
			}
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// Delete removes a session record
func (rs *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	pipe := rs.client.TxPipeline()
	del := pipe.Del(ctx, sessionKey(id))
	pipe.ZRem(ctx, activityKey, id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (rs *RedisStore) staleIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := rs.client.ZRangeByScore(ctx, activityKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan activity index: %w", err)
	}
	return ids, nil
}

func parseSessionHash(fields map[string]string) (*types.UploadSession, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("corrupt session id: %w", err)
	}

	declared, err := strconv.ParseInt(fields["declared_length"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt declared length: %w", err)
	}
	offset, err := strconv.ParseInt(fields["received_offset"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt offset: %w", err)
	}

	var metadata types.MetaData
	if raw := fields["metadata"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata: %w", err)
		}
	}

	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt created_at: %w", err)
	}
	lastActivity, err := time.Parse(time.RFC3339Nano, fields["last_activity_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt last_activity_at: %w", err)
	}

	return &types.UploadSession{
		ID:             id,
		DeclaredLength: declared,
		ReceivedOffset: offset,
		Status:         types.SessionStatus(fields["status"]),
		Metadata:       metadata,
		StorageHandle:  fields["storage_handle"],
		CreatedAt:      createdAt,
		LastActivityAt: lastActivity,
	}, nil
}
