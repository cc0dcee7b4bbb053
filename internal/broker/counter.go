package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	id "securebase/pkg/domain"
)

// DenialCounter tracks consecutive delegation denials per tenant.
type DenialCounter interface {
	Increment(ctx context.Context, tenantID id.TenantID) (int, error)
	Reset(ctx context.Context, tenantID id.TenantID) error
}

// InMemoryCounter is process-local; a restart forgets partial streaks.
type InMemoryCounter struct {
	mu     sync.Mutex
	counts map[id.TenantID]int
}

func NewInMemoryCounter() *InMemoryCounter {
	return &InMemoryCounter{counts: make(map[id.TenantID]int)}
}

func (c *InMemoryCounter) Increment(_ context.Context, tenantID id.TenantID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[tenantID]++
	return c.counts[tenantID], nil
}

func (c *InMemoryCounter) Reset(_ context.Context, tenantID id.TenantID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, tenantID)
	return nil
}

const redisDenialKeyPrefix = "broker:denials:"

// RedisCounter shares denial streaks across replicas. A streak idle for
// longer than ttl starts over.
type RedisCounter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCounter(client *redis.Client, ttl time.Duration) *RedisCounter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCounter{client: client, ttl: ttl}
}

func (c *RedisCounter) Increment(ctx context.Context, tenantID id.TenantID) (int, error) {
	key := redisDenialKeyPrefix + tenantID.String()
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment denial counter: %w", err)
	}
	return int(incr.Val()), nil
}

func (c *RedisCounter) Reset(ctx context.Context, tenantID id.TenantID) error {
	if err := c.client.Del(ctx, redisDenialKeyPrefix+tenantID.String()).Err(); err != nil {
		return fmt.Errorf("reset denial counter: %w", err)
	}
	return nil
}
