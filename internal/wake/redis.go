package wake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type redisCommands interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisStore keeps alarms in a sorted set scored by due time (unix millis)
// and checkpoints as plain string keys.
type RedisStore struct {
	client redisCommands
	prefix string
}

// NewRedisStore dials Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(client, cfg.Prefix), nil
}

func newRedisStore(client redisCommands, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "navigator"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) alarmsKey() string {
	return s.prefix + ":wake:alarms"
}

func (s *RedisStore) checkpointKey(key string) string {
	return s.prefix + ":wake:checkpoint:" + key
}

// SetAlarm implements Store.
func (s *RedisStore) SetAlarm(ctx context.Context, name string, fireAt time.Time) error {
	err := s.client.ZAdd(ctx, s.alarmsKey(), redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: name,
	}).Err()
	if err != nil {
		return fmt.Errorf("set alarm %s: %w", name, err)
	}
	return nil
}

// ClearAlarm implements Store.
func (s *RedisStore) ClearAlarm(ctx context.Context, name string) (bool, error) {
	removed, err := s.client.ZRem(ctx, s.alarmsKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("clear alarm %s: %w", name, err)
	}
	return removed > 0, nil
}

// DueAlarms implements Store.
func (s *RedisStore) DueAlarms(ctx context.Context, now time.Time) ([]Alarm, error) {
	members, err := s.client.ZRangeByScoreWithScores(ctx, s.alarmsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due alarms: %w", err)
	}
	due := make([]Alarm, 0, len(members))
	for _, m := range members {
		name, ok := m.Member.(string)
		if !ok {
			continue
		}
		due = append(due, Alarm{Name: name, FireAt: time.UnixMilli(int64(m.Score)).UTC()})
	}
	return due, nil
}

// SaveCheckpoint implements Store.
func (s *RedisStore) SaveCheckpoint(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.checkpointKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *RedisStore) LoadCheckpoint(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return data, nil
}

// DeleteCheckpoint implements Store.
func (s *RedisStore) DeleteCheckpoint(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.checkpointKey(key)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
