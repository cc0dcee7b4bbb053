// Package sync serializes work per key without allocating a lock per key.
package sync

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 32

// ShardedMutex maps keys onto a fixed set of mutexes. Two keys may share a
// shard, so holders must not lock a second key while holding the first.
type ShardedMutex struct {
	shards []sync.Mutex
}

// NewShardedMutex returns a mutex set with n shards, or 32 when n < 1.
func NewShardedMutex(n int) *ShardedMutex {
	if n < 1 {
		n = defaultShards
	}
	return &ShardedMutex{shards: make([]sync.Mutex, n)}
}

func (m *ShardedMutex) Lock(key string) {
	m.shards[m.shardFor(key)].Lock()
}

func (m *ShardedMutex) Unlock(key string) {
	m.shards[m.shardFor(key)].Unlock()
}

// Do runs fn while holding key's shard.
func (m *ShardedMutex) Do(key string, fn func()) {
	m.Lock(key)
	defer m.Unlock(key)
	fn()
}

func (m *ShardedMutex) shardFor(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
