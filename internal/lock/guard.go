package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Guard admits at most one holder per name. TryAcquire never blocks: a busy
// name returns ok=false so the caller can report the run as skipped.
type Guard interface {
	TryAcquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

// ProcessGuard serializes runs inside one process.
type ProcessGuard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProcessGuard returns an empty ProcessGuard.
func NewProcessGuard() *ProcessGuard {
	return &ProcessGuard{locks: make(map[string]*sync.Mutex)}
}

func (g *ProcessGuard) TryAcquire(_ context.Context, name string) (func(), bool, error) {
	g.mu.Lock()
	m, ok := g.locks[name]
	if !ok {
		m = &sync.Mutex{}
		g.locks[name] = m
	}
	g.mu.Unlock()

	if !m.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, true, nil
}

// releaseScript deletes the key only while it still carries our token, so an
// expired holder cannot drop a lock a newer run has taken.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisGuard serializes runs across every instance sharing one Redis.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisGuard.
type RedisOption func(*RedisGuard)

// WithKeyPrefix sets the Redis key prefix (default "nudgepipe:lock:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(g *RedisGuard) { g.prefix = prefix }
}

// WithTTL bounds how long a crashed holder can block others (default 15m).
func WithTTL(ttl time.Duration) RedisOption {
	return func(g *RedisGuard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// NewRedisGuard wraps an existing client.
func NewRedisGuard(client *redis.Client, opts ...RedisOption) *RedisGuard {
	g := &RedisGuard{client: client, prefix: "nudgepipe:lock:", ttl: 15 * time.Minute}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DialRedisGuard parses a redis:// URL and verifies the server is reachable.
func DialRedisGuard(ctx context.Context, url string, opts ...RedisOption) (*RedisGuard, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisGuard(client, opts...), nil
}

func (g *RedisGuard) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	key := g.prefix + name
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled at shutdown.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, g.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				slog.Warn("RedisGuard.release: failed", "key", key, "error", err)
			}
		})
	}
	return release, true, nil
}

// Close closes the underlying client.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// Chain acquires every guard in order and releases them in reverse. A busy or
// failing guard releases whatever was already taken.
type Chain []Guard

func (c Chain) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range c {
		release, ok, err := g.TryAcquire(ctx, name)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}
