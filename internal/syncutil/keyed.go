// Package syncutil holds small concurrency primitives shared across packages.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex serializes work per string key using a fixed pool of
// channel-backed locks. Memory is bounded regardless of how many keys are
// seen; two keys that hash to the same shard contend with each other.
type KeyedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	m.init()
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Lock blocks until the lock for key is held and returns its release func.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shard(key)
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx is done. The release func is
// nil when an error is returned.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
