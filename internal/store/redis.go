package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings, the same fields the
// session store takes to reach a Redis instance.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a Store backed by a shared redis.Client. Counters use INCRBY
// plus a conditional EXPIRE so a restarted counter still gets a TTL
// without clobbering one already set on a live key.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis connects to Redis, pinging once at construction the way
// session.NewRedisStore does, so callers fail fast instead of discovering
// a bad address on the first request.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "protectcore:"
	}

	slog.Info("redis store initialized", "addr", cfg.Addr, "key_prefix", prefix)
	return &Redis{client: client, keyPrefix: prefix}, nil
}

// NewRedisFromClient wraps an already-constructed client, used by tests
// that point at a miniredis instance instead of dialing a real server.
func NewRedisFromClient(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "protectcore:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) key(k string) string {
	return r.keyPrefix + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// incrScript increments a counter and applies a TTL only when the key has
// none yet, atomically, so concurrent callers never reset each other's
// expiration.
var incrScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 and redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return v
`)

func (r *Redis) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ttlSeconds := int64(0)
	if ttl > 0 {
		ttlSeconds = int64(ttl.Seconds())
		if ttlSeconds <= 0 {
			ttlSeconds = 1
		}
	}
	v, err := incrScript.Run(ctx, r.client, []string{r.key(key)}, delta, ttlSeconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Client exposes the underlying redis.Client for components that need
// Redis-specific primitives this interface doesn't generalize (sorted
// sets for the rate limiter, SETNX for the deduplicator).
func (r *Redis) Client() *redis.Client {
	return r.client
}

// KeyPrefix returns the namespace prefix applied to every key.
func (r *Redis) KeyPrefix() string {
	return r.keyPrefix
}
