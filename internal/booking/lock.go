package booking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker serialises bookings of the same slot across concurrent calls.
type Locker interface {
	// Acquire tries to take key for ttl. It returns false when another holder
	// owns the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops key.
	Release(ctx context.Context, key string) error
}

// RedisLocker implements [Locker] with SET NX so that several replicas share
// one view of in-flight bookings.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker returns a Locker storing keys under prefix.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire implements [Locker].
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("booking: redis lock: %w", err)
	}
	return ok, nil
}

// Release implements [Locker].
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("booking: redis unlock: %w", err)
	}
	return nil
}

// NewRedisClient parses url, connects and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("booking: parse redis url: %w", err)
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("booking: redis ping: %w", err)
	}
	return client, nil
}

// MemLocker is an in-process [Locker] for single-replica deployments and
// tests. The zero value is ready to use.
type MemLocker struct {
	mu   sync.Mutex
	keys map[string]time.Time
}

var _ Locker = (*MemLocker)(nil)

// Acquire implements [Locker].
func (l *MemLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.keys == nil {
		l.keys = make(map[string]time.Time)
	}
	now := time.Now()
	if exp, ok := l.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.keys[key] = now.Add(ttl)
	return true, nil
}

// Release implements [Locker].
func (l *MemLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
	return nil
}
