package cache

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nobletooth/tiercache/pkg/metrics"
	"github.com/nobletooth/tiercache/pkg/utils"
)

var (
	// ErrEntryTooLarge is returned when an entry can never fit in its shard's memory budget.
	ErrEntryTooLarge = errors.New("entry is larger than the memory shard budget")
	// ErrEmptyKey is returned for zero-length keys.
	ErrEmptyKey = errors.New("key must not be empty")
)

// Tier tells where a key currently lives.
type Tier uint8

const (
	TierNone Tier = iota
	TierMemory
	TierDisk
	TierInFlight // A disk fetch or a spill of the key is in progress.
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	case TierInFlight:
		return "in-flight"
	default:
		return "none"
	}
}

// Spill is an entry that left memory and may be written to the disk tier. The engine keeps serving it from Get
// until the spill is published or abandoned.
type Spill struct {
	Key     []byte
	Value   []byte
	Version uint64
	hash    uint64
}

// InsertResult reports the outcome of an admission.
type InsertResult struct {
	Admitted bool
	// Spills are the spill-eligible entries that left memory, including the candidate itself when it was rejected.
	// Each one must be handed to PublishSpill or AbortSpill.
	Spills []Spill
}

// Options configures an Engine.
type Options struct {
	CapacityBytes int64
	Shards        int
	Policy        Policy
	PolicyOptions PolicyOptions
	Sketch        SketchOptions // Sketch.Counters defaults to one counter per 64 bytes of capacity.
	// SpillLimit is the largest entry handed to the spill path; 0 disables spilling so evictions just drop.
	SpillLimit int64
	Metrics    metrics.Sink
}

// EngineStats is a point-in-time view of the memory tier.
type EngineStats struct {
	Entries       int
	ResidentBytes int64
	CapacityBytes int64
	PendingSpills int
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Rejections    uint64 // Candidates refused by admission.
	Promotions    uint64
	Dropped       uint64 // Evicted entries that were not spill-eligible.
}

// Engine is the memory tier. It is safe for concurrent use.
type Engine struct {
	shards     []*shard
	sketch     *FrequencySketch
	capacity   int64
	spillLimit int64
	maxEntry   int64
	metrics    metrics.Sink

	hits, misses, evictions, rejections, promotions, dropped atomic.Uint64
}

// NewEngine builds the shards, their policies and the shared frequency sketch.
func NewEngine(opts Options) (*Engine, error) {
	if opts.CapacityBytes <= 0 {
		return nil, fmt.Errorf("memory capacity must be positive, got %d", opts.CapacityBytes)
	}
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if int64(opts.Shards) > opts.CapacityBytes {
		return nil, fmt.Errorf("%d shards cannot split %d bytes of memory", opts.Shards, opts.CapacityBytes)
	}
	if opts.Policy == "" {
		opts.Policy = PolicyRecency
	}
	if _, err := ParsePolicy(string(opts.Policy)); err != nil {
		return nil, err
	}
	if opts.Sketch.Counters <= 0 {
		opts.Sketch.Counters = int(min(max(opts.CapacityBytes/64, minSketchCounter), 1<<20))
	}
	if opts.Sketch.SampleFactor <= 0 {
		opts.Sketch.SampleFactor = 10
	}

	e := &Engine{
		sketch:     NewFrequencySketch(opts.Sketch),
		capacity:   opts.CapacityBytes,
		spillLimit: opts.SpillLimit,
		metrics:    metrics.Safe(opts.Metrics, nil /*logger*/),
	}
	budgets := splitBudget(opts.CapacityBytes, opts.Shards)
	e.maxEntry = budgets[len(budgets)-1] // Budgets are non-increasing.
	for i, budget := range budgets {
		s := newShard(budget)
		policyOpts := opts.PolicyOptions
		policyOpts.Seed += uint64(i)
		s.policy = newPolicy(opts.Policy, s.arena, e.sketch, budget, policyOpts)
		e.shards = append(e.shards, s)
	}
	return e, nil
}

// MaxEntrySize is the largest entry weight every shard can hold.
func (e *Engine) MaxEntrySize() int64 {
	return e.maxEntry
}

// Sketch exposes the frequency estimator shared by all shards.
func (e *Engine) Sketch() *FrequencySketch {
	return e.sketch
}

func (e *Engine) shardFor(hash uint64) *shard {
	return e.shards[hash%uint64(len(e.shards))]
}

func (e *Engine) spillable(size int64, noSpill bool) bool {
	return !noSpill && e.spillLimit > 0 && size <= e.spillLimit
}

// Get returns the value of a key held in memory or waiting to be spilled. Every call counts as an access of the
// key in the frequency sketch, including misses, so keys build frequency before they are ever admitted.
// The returned slice must be treated as read-only.
func (e *Engine) Get(key []byte) ([]byte, Tier, bool /*found*/) {
	hash := hashKey(key)
	e.sketch.Record(hash)
	s := e.shardFor(hash)

	s.mux.Lock()
	defer s.mux.Unlock()
	if h, found := s.lookup(string(key)); found {
		s.tick++
		entry := s.arena.at(h)
		entry.accessed = s.tick
		s.policy.onAccess(h)
		e.hits.Add(1)
		return entry.value, TierMemory, true
	}
	if spill, found := s.pending[string(key)]; found {
		e.hits.Add(1)
		return spill.Value, TierInFlight, true
	}
	e.misses.Add(1)
	return nil, TierNone, false
}

// Peek returns the value of a key held in memory or waiting to be spilled without counting an access.
func (e *Engine) Peek(key []byte) ([]byte, Tier, bool /*found*/) {
	s := e.shardFor(hashKey(key))
	k := string(key)

	s.mux.Lock()
	defer s.mux.Unlock()
	if h, found := s.lookup(k); found {
		return s.arena.at(h).value, TierMemory, true
	}
	if spill, found := s.pending[k]; found {
		return spill.Value, TierInFlight, true
	}
	return nil, TierNone, false
}

// Insert admits a new value for `key`, replacing any previous one. `invalidate`, if given, runs under the shard
// lock before anything else so that the caller can drop copies of the key held elsewhere atomically with the
// write. A candidate whose estimate is lower than the policy's victim is rejected and handed back as a spill.
func (e *Engine) Insert(key, value []byte, version uint64, noSpill bool, invalidate func()) (InsertResult, error) {
	if len(key) == 0 {
		return InsertResult{}, ErrEmptyKey
	}
	size := int64(len(key) + len(value))
	hash := hashKey(key)
	s := e.shardFor(hash)
	if size > s.budget {
		return InsertResult{}, fmt.Errorf("%w: %d > %d", ErrEntryTooLarge, size, s.budget)
	}
	e.sketch.Record(hash)
	k := string(key)
	value = bytes.Clone(value)

	s.mux.Lock()
	defer s.mux.Unlock()
	// Any spill of the key still in flight is stale from now on.
	delete(s.pending, k)
	if invalidate != nil {
		invalidate()
	}
	if h, found := s.lookup(k); found {
		s.unlink(h)
	}

	var result InsertResult
	if s.used+size > s.budget {
		victim := admissionVictim(s.policy)
		if victim != nilHandle && e.sketch.Estimate(hash) < e.sketch.Estimate(s.arena.at(victim).hash) {
			e.rejections.Add(1)
			e.metrics.Add(metrics.Rejections, 1)
			if e.spillable(size, noSpill) {
				spill := &Spill{Key: []byte(k), Value: value, Version: version, hash: hash}
				s.pending[k] = spill
				result.Spills = append(result.Spills, *spill)
			} else {
				e.dropped.Add(1)
			}
			return result, nil
		}
		result.Spills = e.evictUntilFits(s, size)
	}
	e.admit(s, k, value, hash, size, version, noSpill)
	result.Admitted = true
	return result, nil
}

// Promote offers a value read from disk for admission. It's discarded when the key became resident or got a spill
// in flight after the read started, or when `claim` reports that the disk copy read is no longer current. `claim`
// runs under the shard lock once admission succeeded and must remove the disk copy when it returns true.
func (e *Engine) Promote(key, value []byte, version uint64, claim func() bool) InsertResult {
	size := int64(len(key) + len(value))
	hash := hashKey(key)
	s := e.shardFor(hash)
	if len(key) == 0 || size > s.budget {
		return InsertResult{}
	}
	k := string(key)

	s.mux.Lock()
	defer s.mux.Unlock()
	if _, resident := s.lookup(k); resident {
		return InsertResult{}
	}
	if _, inFlight := s.pending[k]; inFlight {
		return InsertResult{}
	}
	if s.used+size > s.budget {
		victim := admissionVictim(s.policy)
		if victim != nilHandle && e.sketch.Estimate(hash) < e.sketch.Estimate(s.arena.at(victim).hash) {
			e.rejections.Add(1)
			e.metrics.Add(metrics.Rejections, 1)
			return InsertResult{}
		}
	}
	if claim != nil && !claim() {
		return InsertResult{}
	}

	var result InsertResult
	if s.used+size > s.budget {
		result.Spills = e.evictUntilFits(s, size)
	}
	e.admit(s, k, bytes.Clone(value), hash, size, version, false /*noSpill*/)
	e.promotions.Add(1)
	e.metrics.Add(metrics.Promotions, 1)
	result.Admitted = true
	return result
}

// evictUntilFits removes victims until `size` more bytes fit the shard budget. Evict-before-admit keeps the
// budget invariant true at every point a public operation returns.
func (e *Engine) evictUntilFits(s *shard, size int64) []Spill {
	var spills []Spill
	for s.used+size > s.budget {
		victim := s.policy.selectVictim()
		if victim == nilHandle {
			utils.RaiseInvariant("cache", "no_victim",
				"Shard is over budget but the policy has no victim.", "used", s.used, "budget", s.budget)
			break
		}
		evicted := s.unlink(victim)
		e.evictions.Add(1)
		e.metrics.Add(metrics.Evictions, 1)
		if !e.spillable(evicted.size, evicted.noSpill) {
			e.dropped.Add(1)
			continue
		}
		spill := &Spill{Key: []byte(evicted.key), Value: evicted.value, Version: evicted.version, hash: evicted.hash}
		s.pending[evicted.key] = spill
		spills = append(spills, *spill)
	}
	return spills
}

func (e *Engine) admit(s *shard, key string, value []byte, hash uint64, size int64, version uint64, noSpill bool) {
	h := s.arena.alloc()
	entry := s.arena.at(h)
	s.tick++
	entry.key, entry.value, entry.hash, entry.size = key, value, hash, size
	entry.version, entry.noSpill, entry.accessed = version, noSpill, s.tick
	if _, replaced := s.insert(key, h); replaced {
		utils.RaiseInvariant("cache", "double_admission", "Key was admitted while already resident.", "key", key)
	}
	s.policy.onInsert(h)
	s.used += size
}

// PublishSpill runs `publish` under the shard lock if the spill is still the latest state of its key, and then
// forgets the pending entry. It returns false without calling `publish` when the key was re-inserted or removed
// since its eviction.
func (e *Engine) PublishSpill(spill Spill, publish func() error) (bool /*published*/, error) {
	s := e.shardFor(spill.hash)
	k := string(spill.Key)

	s.mux.Lock()
	defer s.mux.Unlock()
	pending, found := s.pending[k]
	if !found || pending.Version != spill.Version {
		return false, nil
	}
	delete(s.pending, k)
	if err := publish(); err != nil {
		return false, err
	}
	return true, nil
}

// AbortSpill forgets a pending spill that will not be written.
func (e *Engine) AbortSpill(spill Spill) {
	s := e.shardFor(spill.hash)
	k := string(spill.Key)

	s.mux.Lock()
	defer s.mux.Unlock()
	if pending, found := s.pending[k]; found && pending.Version == spill.Version {
		delete(s.pending, k)
	}
}

// Remove drops the key from memory and from the pending spills. `invalidate` runs under the shard lock and reports
// whether a copy elsewhere was removed too.
func (e *Engine) Remove(key []byte, invalidate func() bool) bool /*removed*/ {
	s := e.shardFor(hashKey(key))
	k := string(key)

	s.mux.Lock()
	defer s.mux.Unlock()
	removed := false
	if h, found := s.lookup(k); found {
		s.unlink(h)
		removed = true
	}
	if _, found := s.pending[k]; found {
		delete(s.pending, k)
		removed = true
	}
	if invalidate != nil && invalidate() {
		removed = true
	}
	return removed
}

// WithShardLock runs `fn` under the lock of the key's shard, for callers that must order their own state changes
// with admissions of that key.
func (e *Engine) WithShardLock(key []byte, fn func(tier Tier)) {
	s := e.shardFor(hashKey(key))
	k := string(key)

	s.mux.Lock()
	defer s.mux.Unlock()
	tier := TierNone
	if _, found := s.lookup(k); found {
		tier = TierMemory
	} else if _, found := s.pending[k]; found {
		tier = TierInFlight
	}
	fn(tier)
}

// Stats aggregates the counters of every shard.
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		CapacityBytes: e.capacity,
		Hits:          e.hits.Load(),
		Misses:        e.misses.Load(),
		Evictions:     e.evictions.Load(),
		Rejections:    e.rejections.Load(),
		Promotions:    e.promotions.Load(),
		Dropped:       e.dropped.Load(),
	}
	for _, s := range e.shards {
		s.mux.Lock()
		stats.Entries += len(s.index)
		stats.ResidentBytes += s.used
		stats.PendingSpills += len(s.pending)
		s.mux.Unlock()
	}
	return stats
}
