// Package syncutil provides concurrency-friendly data structures.
package syncutil

import (
	"encoding"
	"fmt"
	"hash/fnv"
	"sync"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
// Readers and writers of unrelated keys never block each other, shard
// collisions aside.
type ShardMap[K comparable, V any] struct {
	shards     []*shard[K, V]
	shardCount uint32
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// ShardsNum configures the number of shards of a [ShardMap].
type ShardsNum uint

const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// If no number of shards is specified, the default number of shards (32) is used.
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	var shardsNum ShardsNum
	for _, o := range opts {
		if v, ok := o.(ShardsNum); ok {
			shardsNum = v
		}
	}

	if shardsNum == 0 {
		shardsNum = defShardsNum
	}

	shards := make([]*shard[K, V], shardsNum)
	for i := range shards {
		shards[i] = &shard[K, V]{
			items: make(map[K]V),
		}
	}

	return &ShardMap[K, V]{
		shards:     shards,
		shardCount: uint32(shardsNum),
	}
}

func (m *ShardMap[K, V]) getShard(key K) *shard[K, V] {
	hash := fnv.New32a()
	// prefer the key's canonical binary form when it has one
	if bm, ok := any(key).(encoding.BinaryMarshaler); ok {
		if data, err := bm.MarshalBinary(); err == nil {
			hash.Write(data)
			return m.shards[hash.Sum32()%m.shardCount]
		}
	}
	fmt.Fprint(hash, key)
	return m.shards[hash.Sum32()%m.shardCount]
}

// Set adds or updates a key-value pair.
func (m *ShardMap[K, V]) Set(key K, value V) {
	shard := m.getShard(key)
	shard.Lock()
	shard.items[key] = value
	shard.Unlock()
}

// SetIfAbsent adds a key-value pair only when the key is not present yet.
// It reports whether the value was stored.
func (m *ShardMap[K, V]) SetIfAbsent(key K, value V) bool {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	if _, ok := shard.items[key]; ok {
		return false
	}
	shard.items[key] = value
	return true
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	shard := m.getShard(key)
	shard.RLock()
	defer shard.RUnlock()
	val, ok := shard.items[key]
	return val, ok
}

// Del removes a key-value pair by key and returns the removed value, if any.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	shard := m.getShard(key)
	shard.Lock()
	val, ok := shard.items[key]
	if ok {
		delete(shard.items, key)
	}
	shard.Unlock()
	return val, ok
}

// Has checks if a key exists.
func (m *ShardMap[K, V]) Has(key K) bool {
	shard := m.getShard(key)
	shard.RLock()
	_, ok := shard.items[key]
	shard.RUnlock()
	return ok
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, shard := range m.shards {
		shard.RLock()
		size += len(shard.items)
		shard.RUnlock()
	}
	return size
}

// Items returns a snapshot of all key-value pairs.
func (m *ShardMap[K, V]) Items() map[K]V {
	out := make(map[K]V, m.Size())
	for _, shard := range m.shards {
		shard.RLock()
		for k, v := range shard.items {
			out[k] = v
		}
		shard.RUnlock()
	}
	return out
}

// Clear removes all items from the map.
func (m *ShardMap[K, V]) Clear() {
	for _, shard := range m.shards {
		shard.Lock()
		clear(shard.items)
		shard.Unlock()
	}
}
