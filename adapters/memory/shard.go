package memory

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 32

// shard is one lock domain. Identities hashed to different shards never contend.
type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

type shardSet[V any] struct {
	shards []*shard[V]
}

func newShardSet[V any](n int) *shardSet[V] {
	if n <= 0 {
		n = DefaultShards
	}
	s := &shardSet[V]{shards: make([]*shard[V], n)}
	for i := range s.shards {
		s.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return s
}

// get returns the shard for a given key using consistent hashing.
func (s *shardSet[V]) get(k string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(k))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *shardSet[V]) len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.m)
		sh.mu.Unlock()
	}
	return total
}
