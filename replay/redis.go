package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// insertAllScript sets every key with a PX expiry only if none exists.
const insertAllScript = `
for i, key in ipairs(KEYS) do
  if redis.call('EXISTS', key) == 1 then
    return 0
  end
end
for i, key in ipairs(KEYS) do
  redis.call('SET', key, ARGV[2], 'PX', ARGV[1])
end
return 1
`

var _ Store = (*RedisStore)(nil)

// RedisStore shares the replay set between gateway instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	insert *redis.Script
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		insert: redis.NewScript(insertAllScript),
	}
}

// DialRedis connects to addr and verifies connectivity.
func DialRedis(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(rdb, prefix), nil
}

func (s *RedisStore) keys(ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.prefix + id
	}
	return keys
}

func (s *RedisStore) Contains(ctx context.Context, ids []string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	n, err := s.client.Exists(ctx, s.keys(ids)...).Result()
	if err != nil {
		return false, fmt.Errorf("replay lookup failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) InsertAll(ctx context.Context, ids []string, ttl time.Duration) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	res, err := s.insert.Run(ctx, s.client, s.keys(ids), ms, time.Now().Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("replay insert failed: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, s.keys(ids)...).Err(); err != nil {
		return fmt.Errorf("replay remove failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
