package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redemptionKeyPrefix = "callroom:invite:"

// RedemptionGuard binds a single-use invite token to the first user who redeems it.
type RedemptionGuard interface {
	// Claim reports whether userID may use tokenID: true for the first redeemer
	// and for that same user again, false for anyone else.
	Claim(ctx context.Context, tokenID, userID string, ttl time.Duration) (bool, error)
}

// MemoryRedemptionGuard keeps bindings in process memory.
type MemoryRedemptionGuard struct {
	mu       sync.Mutex
	bindings map[string]redemption
	clock    func() time.Time
}

type redemption struct {
	userID    string
	expiresAt time.Time
}

func NewMemoryRedemptionGuard(clock func() time.Time) *MemoryRedemptionGuard {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRedemptionGuard{bindings: make(map[string]redemption), clock: clock}
}

func (g *MemoryRedemptionGuard) Claim(_ context.Context, tokenID, userID string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	for key, binding := range g.bindings {
		if now.After(binding.expiresAt) {
			delete(g.bindings, key)
		}
	}
	if binding, ok := g.bindings[tokenID]; ok {
		return binding.userID == userID, nil
	}
	g.bindings[tokenID] = redemption{userID: userID, expiresAt: now.Add(ttl)}
	return true, nil
}

// RedisRedemptionGuard shares bindings across instances.
type RedisRedemptionGuard struct {
	client *redis.Client
}

func NewRedisRedemptionGuard(client *redis.Client) *RedisRedemptionGuard {
	return &RedisRedemptionGuard{client: client}
}

var claimRedemptionScript = redis.NewScript(`
-- KEYS[1] = redemption key
-- ARGV[1] = user id
-- ARGV[2] = ttl_ms
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return 1
end
return 0
`)

func (g *RedisRedemptionGuard) Claim(ctx context.Context, tokenID, userID string, ttl time.Duration) (bool, error) {
	if g.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	res, err := claimRedemptionScript.Run(ctx, g.client, []string{redemptionKeyPrefix + tokenID}, userID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// RedisConfig controls the redis client used for shared invite bindings.
type RedisConfig struct {
	Addr         string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
