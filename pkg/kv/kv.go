// Package kv is a thin wrapper over Redis giving the billing core atomic
// counters, time-scored indexes, pattern scans and pipelined batch reads.
package kv

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/doodleops/platform/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Module provides the shared key-value store client.
var Module = fx.Module("kv",
	fx.Provide(New),
)

type Store struct {
	client *redis.Client
}

func New(cfg config.Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying connection for primitives the wrapper does
// not cover, such as the call-lock scripts.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetInt reads an integer key. A missing key returns (0, false, nil).
func (s *Store) GetInt(ctx context.Context, key string) (int64, bool, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

func (s *Store) SetInt(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return s.client.Set(ctx, key, strconv.FormatInt(value, 10), ttl).Err()
}

func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// GetString reads a string key. A missing key returns ("", false, nil).
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.IncrBy(ctx, key, delta).Result()
}

func (s *Store) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.DecrBy(ctx, key, delta).Result()
}

// IncrWithTTL increments a counter and stamps the TTL when the key is new.
func (s *Store) IncrWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	val, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, err
	}
	if val == delta && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return val, err
		}
	}
	return val, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// ScanKeys walks the keyspace for a pattern with a cursor loop. Only the
// reconciliation jobs use this; the hot path reads exact keys.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// MGetInts reads many integer keys in one pipelined round trip. Missing or
// non-numeric keys read as zero.
func (s *Store) MGetInts(ctx context.Context, keys []string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Get(ctx, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]int64, len(keys))
	for i, cmd := range cmds {
		val, err := cmd.Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			continue
		}
		out[i] = val
	}
	return out, nil
}

// ZAddAt indexes a member under a time score and refreshes the index TTL.
func (s *Store) ZAddAt(ctx context.Context, key, member string, at time.Time, ttl time.Duration) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.Unix()),
		Member: member,
	}).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return s.client.Expire(ctx, key, ttl).Err()
	}
	return nil
}

// ZRangeBetween returns members scored strictly between after and before.
func (s *Store) ZRangeBetween(ctx context.Context, key string, after, before time.Time) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after.Unix(), 10),
		Max: "(" + strconv.FormatInt(before.Unix(), 10),
	}).Result()
}

// ZRemove drops members from an index.
func (s *Store) ZRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Err()
}
