package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"ingest-platform/internal/domain"
)

var _ domain.PseudoLockBackend = (*RedisBackend)(nil)

// acquireScript sets KEYS[1] to ARGV[1] for ARGV[2] milliseconds unless the key
// holds a different payload. Redis drops expired keys on its own.
var acquireScript = redis.NewScript(1, `
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// RedisBackend stores each lock as a key whose value is the payload and whose
// TTL is the lock lifetime.
type RedisBackend struct {
	pool      *redis.Pool
	keyPrefix string
}

// NewRedisPool returns a connection pool for the server at addr.
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
	}
}

// NewRedisBackend creates a RedisBackend. Keys are stored under keyPrefix.
func NewRedisBackend(pool *redis.Pool, keyPrefix string) *RedisBackend {
	return &RedisBackend{pool: pool, keyPrefix: keyPrefix}
}

func (b *RedisBackend) key(name string) string { return b.keyPrefix + name }

func (b *RedisBackend) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return conn, nil
}

// Lock implements domain.PseudoLockBackend.
func (b *RedisBackend) Lock(ctx context.Context, name, payload string, ttl time.Duration) error {
	if name == "" {
		return domain.ErrValidation("lock name is required")
	}
	if ttl <= 0 {
		return domain.ErrValidation("lock %s: ttl must be positive", name)
	}
	conn, err := b.conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ok, err := redis.Int(acquireScript.Do(conn, b.key(name), payload, ttl.Milliseconds()))
	if err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	if ok == 0 {
		return domain.ErrConflict("lock %s is already held with a different payload", name)
	}
	return nil
}

// Unlock implements domain.PseudoLockBackend.
func (b *RedisBackend) Unlock(ctx context.Context, name string) error {
	conn, err := b.conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	n, err := redis.Int(conn.Do("DEL", b.key(name)))
	if err != nil {
		return fmt.Errorf("unlock %s: %w", name, err)
	}
	if n == 0 {
		return domain.ErrNotFound("lock %s does not exist", name)
	}
	return nil
}

// IsLocked implements domain.PseudoLockBackend.
func (b *RedisBackend) IsLocked(ctx context.Context, name string) (bool, error) {
	conn, err := b.conn(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()

	exists, err := redis.Bool(conn.Do("EXISTS", b.key(name)))
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", name, err)
	}
	return exists, nil
}

// GetLockPayload implements domain.PseudoLockBackend.
func (b *RedisBackend) GetLockPayload(ctx context.Context, name string) (string, error) {
	conn, err := b.conn(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	payload, err := redis.String(conn.Do("GET", b.key(name)))
	if errors.Is(err, redis.ErrNil) {
		return "", domain.ErrNotFound("lock %s is not held", name)
	}
	if err != nil {
		return "", fmt.Errorf("read lock %s: %w", name, err)
	}
	return payload, nil
}

// NoActiveLocksWithPrefix implements domain.PseudoLockBackend.
func (b *RedisBackend) NoActiveLocksWithPrefix(ctx context.Context, prefix, instance string) (bool, error) {
	conn, err := b.conn(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()

	cursor := 0
	for {
		values, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", b.key(prefix)+"*", "COUNT", 100))
		if err != nil {
			return false, fmt.Errorf("scan locks with prefix %s: %w", prefix, err)
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return false, fmt.Errorf("scan locks with prefix %s: %w", prefix, err)
		}
		for _, key := range keys {
			if strings.Contains(strings.TrimPrefix(key, b.keyPrefix), instance) {
				return false, nil
			}
		}
		if cursor == 0 {
			return true, nil
		}
	}
}
