// This module implements the sharded entry index which distributes keys uniformly across shards. Each shard is an
// independent lock domain holding its slice of the key space: the key to handle map, the arena the handles point
// into, the eviction policy threading those handles and the shard's byte budget. Goroutines touching different
// keys mostly lock different shards, so they don't contend with each other.

package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/tiercache/pkg/utils"
)

// hashKey is the single hash used for shard selection and frequency estimation.
func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

type shard struct {
	mux    sync.Mutex
	index  map[string]Handle // Provides lookup for an entry by its key.
	arena  *arena
	policy evictionPolicy
	used   int64 // Resident bytes.
	budget int64
	// pending holds entries evicted from this shard whose spill to disk has neither been published nor abandoned.
	pending map[string]*Spill
	tick    uint64 // Logical access clock.
}

func newShard(budget int64) *shard {
	return &shard{
		index:   make(map[string]Handle),
		arena:   newArena(64),
		budget:  budget,
		pending: make(map[string]*Spill),
	}
}

// lookup returns the handle of a resident key.
func (s *shard) lookup(key string) (Handle, bool /*found*/) {
	h, found := s.index[key]
	return h, found
}

// insert indexes `h` under `key` and returns the handle it replaced, if any.
func (s *shard) insert(key string, h Handle) (Handle, bool /*replaced*/) {
	previous, replaced := s.index[key]
	s.index[key] = h
	return previous, replaced
}

// remove drops `key` from the index only; the caller owns the returned handle.
func (s *shard) remove(key string) (Handle, bool /*found*/) {
	h, found := s.index[key]
	if found {
		delete(s.index, key)
	}
	return h, found
}

// unlink takes a resident entry out of the index, the policy and the byte accounting, then frees its slot.
func (s *shard) unlink(h Handle) *entry {
	e := s.arena.at(h)
	removed := *e
	s.policy.onRemove(h)
	s.remove(e.key)
	s.used -= e.size
	if s.used < 0 {
		utils.RaiseInvariant("cache", "negative_resident_bytes",
			"Shard resident bytes went negative.", "used", s.used, "key", e.key)
		s.used = 0
	}
	s.arena.release(h)
	return &removed
}

// splitBudget divides the memory capacity over `shardCount` shards, spreading the remainder over the first ones.
func splitBudget(capacity int64, shardCount int) []int64 {
	if shardCount <= 0 {
		utils.RaiseInvariant("shard", "negative_shard_count",
			"Invalid shard count has been given to the entry index.", "shardCount", shardCount)
		shardCount = 1
	}
	budgets := make([]int64, shardCount)
	base, remainder := capacity/int64(shardCount), capacity%int64(shardCount)
	for i := range budgets {
		budgets[i] = base
		if int64(i) < remainder {
			budgets[i]++
		}
	}
	return budgets
}
