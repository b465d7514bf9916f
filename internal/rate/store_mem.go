package rate

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const (
	memShardCount     = 256
	memSweepThreshold = 4096
)

type memEntry struct {
	value     int64
	expiresAt time.Time
}

type memShard struct {
	mu sync.Mutex
	m  map[string]memEntry
}

// MemStore is the single-process [CounterStore]: a fixed arena of shards
// with per-shard locking, so contention on one hot fingerprint never
// serializes unrelated keys. Expired entries are evicted lazily on access
// and swept inline when a shard grows past a threshold.
type MemStore struct {
	shards [memShardCount]memShard
	seed   maphash.Seed
	now    func() time.Time
}

// NewMemStore creates an in-memory counter arena.
func NewMemStore() *MemStore {
	s := &MemStore{
		seed: maphash.MakeSeed(),
		now:  time.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]memEntry)
	}
	return s
}

func (s *MemStore) shard(key string) *memShard {
	return &s.shards[maphash.String(s.seed, key)%memShardCount]
}

// Incr atomically increments key under the owning shard lock.
func (s *MemStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.m[key]
	if !ok || now.After(entry.expiresAt) {
		entry = memEntry{value: 0, expiresAt: now.Add(ttl)}
	}
	entry.value++
	sh.m[key] = entry

	if len(sh.m) > memSweepThreshold {
		s.sweepLocked(sh, now)
	}

	return entry.value, nil
}

// Get returns the counter value, treating missing and expired keys as zero.
func (s *MemStore) Get(_ context.Context, key string) (int64, error) {
	now := s.now()
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.m[key]
	if !ok {
		return 0, nil
	}
	if now.After(entry.expiresAt) {
		delete(sh.m, key)
		return 0, nil
	}
	return entry.value, nil
}

// Put overwrites the counter value with a fresh TTL.
func (s *MemStore) Put(_ context.Context, key string, value int64, ttl time.Duration) error {
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.m[key] = memEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// Del removes a counter.
func (s *MemStore) Del(_ context.Context, key string) error {
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.m, key)
	return nil
}

func (s *MemStore) sweepLocked(sh *memShard, now time.Time) {
	for k, e := range sh.m {
		if now.After(e.expiresAt) {
			delete(sh.m, k)
		}
	}
}
