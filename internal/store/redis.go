package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript runs prune/insert/count/rollback/expire as one unit so
// concurrent gateway instances can never admit more than limit requests.
//
// KEYS[1] window key
// ARGV[1] now (unix ms)  ARGV[2] window (ms)  ARGV[3] limit  ARGV[4] member
// returns {allowed, count, oldest_ms}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
redis.call('ZADD', key, now, member)
local count = redis.call('ZCARD', key)
local allowed = 1
if count > limit then
  redis.call('ZREM', key, member)
  count = count - 1
  allowed = 0
end
redis.call('PEXPIRE', key, window)

local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisStore is a CounterStore backed by Redis. It accepts any
// UniversalClient so single node, sentinel and cluster deployments share code.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	opTimeout time.Duration
}

type RedisOption func(*RedisStore)

// WithPrefix namespaces every key (e.g. "secgate" -> "secgate:ratelimit:...").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithOpTimeout bounds every store round trip. Zero disables the bound.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.opTimeout = d }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:       rdb,
		opTimeout: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *RedisStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// unavailable tags an infrastructure error so callers can match ErrUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *RedisStore) SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.rdb.SetXX(ctx, s.key(key), value, ttl).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("setxx", err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *RedisStore) HIncr(ctx context.Context, key, field string, stamp map[string]string, ttl time.Duration) (map[string]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	k := s.key(key)
	var all *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, k, field, 1)
		if len(stamp) > 0 {
			pipe.HSet(ctx, k, stamp)
		}
		if ttl > 0 {
			pipe.PExpire(ctx, k, ttl)
		}
		all = pipe.HGetAll(ctx, k)
		return nil
	})
	if err != nil {
		return nil, unavailable("hincr", err)
	}
	return all.Val(), nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	m, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	return m, nil
}

func (s *RedisStore) SlidingWindow(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int64) (Window, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{s.key(key)},
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return Window{}, unavailable("sliding_window", err)
	}
	if len(res) != 3 {
		return Window{}, unavailable("sliding_window", fmt.Errorf("unexpected reply length %d", len(res)))
	}
	w := Window{Allowed: res[0] == 1, Count: res[1]}
	if res[2] > 0 {
		w.Oldest = time.UnixMilli(res[2])
	}
	return w, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
