package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/coderoom/internal/room"
)

const roomKeyPrefix = "coderoom:room:"

// RedisStore keeps room records as JSON strings. A non-zero ttl acts as the
// retention policy: rooms not written for ttl expire on their own.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Connects to addr and pings it before returning
func DialRedis(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return NewRedisStore(rdb, ttl), nil
}

func redisKey(key string) string {
	return roomKeyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (room.Record, error) {
	raw, err := s.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return room.Record{}, room.ErrNotFound
	}
	if err != nil {
		return room.Record{}, err
	}

	var rec room.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return room.Record{}, fmt.Errorf("decode room %s: %w", key, err)
	}
	return rec, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, rec room.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", key, err)
	}
	return s.rdb.Set(ctx, redisKey(key), raw, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, redisKey(key)).Err()
}

func (s *RedisStore) Stats(ctx context.Context) (map[string]any, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, roomKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return map[string]any{"stored_rooms": count, "backend": "redis"}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
