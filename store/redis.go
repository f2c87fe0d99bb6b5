package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key templates, namespaced by label.
const (
	keyState        = "relay:%s:state:%s"
	keyDevices      = "relay:%s:devices:%s"
	keyBlocked      = "relay:%s:blocked:%s"
	keySession      = "relay:%s:session:%s"
	keyIdentity     = "relay:%s:identity:%s"
	keyPreKey       = "relay:%s:prekey:%d"
	keySignedPreKey = "relay:%s:signedprekey:%d"
)

// RedisStore is a key-value Store backend namespaced by label.
type RedisStore struct {
	ctx    context.Context
	client *redis.Client
	label  string
}

// NewRedisStore builds a RedisStore. An empty label uses the bare key
// templates (no extra namespace segment beyond "relay").
func NewRedisStore(ctx context.Context, client *redis.Client, label string) *RedisStore {
	if label == "" {
		label = "default"
	}
	return &RedisStore{ctx: ctx, client: client, label: label}
}

func (s *RedisStore) Initialize() error {
	return s.client.Ping(s.ctx).Err()
}

func (s *RedisStore) Shutdown() error {
	return s.client.Close()
}

func (s *RedisStore) get(key string) ([]byte, bool, error) {
	val, err := s.client.Get(s.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) set(key string, value []byte) error {
	if err := s.client.Set(s.ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) del(key string) error {
	if err := s.client.Del(s.ctx, key).Err(); err != nil {
		return fmt.Errorf("store: redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetState(key string) ([]byte, bool, error) {
	return s.get(fmt.Sprintf(keyState, s.label, key))
}

func (s *RedisStore) PutState(key string, value []byte) error {
	return s.set(fmt.Sprintf(keyState, s.label, key), value)
}

func (s *RedisStore) GetDeviceIds(addr uuid.UUID) ([]int, error) {
	members, err := s.client.SMembers(s.ctx, fmt.Sprintf(keyDevices, s.label, addr.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis smembers devices %s: %w", addr, err)
	}
	ids := make([]int, 0, len(members))
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *RedisStore) AddDeviceID(addr uuid.UUID, deviceID int) error {
	if err := s.client.SAdd(s.ctx, fmt.Sprintf(keyDevices, s.label, addr.String()), deviceID).Err(); err != nil {
		return fmt.Errorf("store: redis sadd device %s.%d: %w", addr, deviceID, err)
	}
	return nil
}

func (s *RedisStore) RemoveDeviceID(addr uuid.UUID, deviceID int) error {
	if err := s.client.SRem(s.ctx, fmt.Sprintf(keyDevices, s.label, addr.String()), deviceID).Err(); err != nil {
		return fmt.Errorf("store: redis srem device %s.%d: %w", addr, deviceID, err)
	}
	return nil
}

func (s *RedisStore) IsBlocked(addr uuid.UUID) (bool, error) {
	n, err := s.client.Exists(s.ctx, fmt.Sprintf(keyBlocked, s.label, addr.String())).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis exists blocked %s: %w", addr, err)
	}
	return n > 0, nil
}

func (s *RedisStore) AddBlocked(addr uuid.UUID) error {
	return s.set(fmt.Sprintf(keyBlocked, s.label, addr.String()), []byte("1"))
}

func (s *RedisStore) RemoveBlocked(addr uuid.UUID) error {
	return s.del(fmt.Sprintf(keyBlocked, s.label, addr.String()))
}

func (s *RedisStore) GetSession(encodedAddr string) ([]byte, bool, error) {
	return s.get(fmt.Sprintf(keySession, s.label, encodedAddr))
}

func (s *RedisStore) PutSession(encodedAddr string, record []byte) error {
	return s.set(fmt.Sprintf(keySession, s.label, encodedAddr), record)
}

func (s *RedisStore) RemoveSession(encodedAddr string) error {
	return s.del(fmt.Sprintf(keySession, s.label, encodedAddr))
}

func (s *RedisStore) GetIdentityKey(addr uuid.UUID) ([]byte, bool, error) {
	return s.get(fmt.Sprintf(keyIdentity, s.label, addr.String()))
}

func (s *RedisStore) PutIdentityKey(addr uuid.UUID, key []byte) error {
	return s.set(fmt.Sprintf(keyIdentity, s.label, addr.String()), key)
}

func (s *RedisStore) GetPreKey(id uint32) ([]byte, bool, error) {
	return s.get(fmt.Sprintf(keyPreKey, s.label, id))
}

func (s *RedisStore) PutPreKey(id uint32, record []byte) error {
	return s.set(fmt.Sprintf(keyPreKey, s.label, id), record)
}

func (s *RedisStore) RemovePreKey(id uint32) error {
	return s.del(fmt.Sprintf(keyPreKey, s.label, id))
}

func (s *RedisStore) GetSignedPreKey(id uint32) ([]byte, bool, error) {
	return s.get(fmt.Sprintf(keySignedPreKey, s.label, id))
}

func (s *RedisStore) PutSignedPreKey(id uint32, record []byte) error {
	return s.set(fmt.Sprintf(keySignedPreKey, s.label, id), record)
}

var _ Store = (*RedisStore)(nil)
