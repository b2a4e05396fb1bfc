// Package hybrid is the public face of the cache. A Cache keeps hot entries in a sharded memory tier and spills
// what the memory tier evicts into a log-structured disk tier. Lookups span both tiers: a memory miss becomes at
// most one disk read per key, whose result is offered back to the memory tier for promotion.
//
// A key lives in at most one tier at a time. Spills are published and promotions are claimed under the memory
// shard lock of the key, and every write or removal of a key drops its disk copy under that same lock.
package hybrid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/device"
	"github.com/nobletooth/tiercache/pkg/metrics"
	"github.com/nobletooth/tiercache/pkg/storage"
	"github.com/nobletooth/tiercache/pkg/utils"
	"golang.org/x/sync/singleflight"
)

// CacheStats is a point-in-time view of both tiers.
type CacheStats struct {
	Hits                uint64 // Lookups served by either tier.
	Misses              uint64 // Lookups found in neither tier.
	DiskHits            uint64
	Evictions           uint64
	Rejections          uint64
	Promotions          uint64
	Spills              uint64 // Evicted entries written to disk.
	SpillsDropped       uint64 // Spill-eligible entries that could not be written.
	Entries             int
	ResidentBytes       int64
	MemoryCapacityBytes int64
	DiskEntries         int
	DiskUsedBytes       int64
	DiskDegraded        bool // The disk tier failed to open and the cache runs memory-only.
	Disk                storage.Stats
}

// Cache is a hybrid memory and disk cache. It is safe for concurrent use.
type Cache struct {
	cfg      Config
	engine   *cache.Engine
	disk     diskTier
	degraded bool
	maxEntry int64
	logger   *slog.Logger
	metrics  metrics.Sink

	fetches  singleflight.Group
	fetching sync.Map // Keys with a disk fetch in flight.
	// epochs count writes and removals per stripe of keys. A fetch that started before a write of its key must
	// not be handed to callers that arrived after the write.
	epochs [writeEpochStripes]atomic.Uint64
	clock  atomic.Uint64
	closed atomic.Bool

	hits, misses, diskHits, spills, spillsDropped atomic.Uint64
}

const writeEpochStripes = 256

type insertOptions struct {
	noSpill bool
}

// InsertOption customizes a single Insert.
type InsertOption func(*insertOptions)

// WithoutSpill keeps the entry out of the disk tier: once evicted from memory it is gone.
func WithoutSpill() InsertOption {
	return func(o *insertOptions) { o.noSpill = true }
}

// Open validates the config and builds both tiers. A disk tier that cannot be opened leaves the cache running
// memory-only, which Stats reports as DiskDegraded.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:     cfg,
		disk:    noopDisk{},
		logger:  utils.ComponentLogger(cfg.Logger, "hybrid"),
		metrics: metrics.Safe(cfg.Metrics, cfg.Logger),
	}
	cfg.Metrics = c.metrics
	c.cfg = cfg

	if cfg.DiskCapacityBytes > 0 {
		disk, err := openDisk(ctx, cfg)
		if err != nil {
			c.logger.Error("Failed to open the disk tier, running memory-only.", "err", err)
			c.degraded = true
		} else {
			c.disk = disk
		}
	}

	c.maxEntry = cfg.MaxEntrySize
	if c.maxEntry == 0 {
		c.maxEntry = cfg.memoryShardBudget()
	}
	engineOpts := cfg.engineOptions()
	engineOpts.SpillLimit = min(c.maxEntry, c.disk.MaxEntrySize())
	engine, err := cache.NewEngine(engineOpts)
	if err != nil {
		_ = c.disk.Close()
		return nil, &ConfigError{Field: "MemoryCapacityBytes", Reason: err.Error()}
	}
	c.engine = engine
	c.maxEntry = min(c.maxEntry, engine.MaxEntrySize())
	// Versions continue after whatever the disk tier recovered so that newer writes always win.
	c.clock.Store(c.disk.RecoveredVersion())

	c.logger.Info("Opened cache.", "memory", cfg.MemoryCapacityBytes, "policy", cfg.EvictionPolicy,
		"disk", cfg.DiskCapacityBytes, "degraded", c.degraded, "maxEntry", c.maxEntry)
	return c, nil
}

func openDisk(ctx context.Context, cfg Config) (*storage.Store, error) {
	dev := cfg.Device
	if dev == nil && cfg.DiskPath != "" {
		fileDevice, err := device.OpenFile(nil /*fsys*/, cfg.DiskPath, cfg.DiskCapacityBytes)
		if err != nil {
			return nil, err
		}
		dev = fileDevice
	}
	if dev == nil {
		dev = device.NewMemoryDevice(cfg.DiskCapacityBytes)
	}
	store, err := storage.Open(ctx, cfg.storeOptions(dev))
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return store, nil
}

// Config returns the config the cache was opened with, defaults filled in.
func (c *Cache) Config() Config {
	return c.cfg
}

// MaxEntrySize is the largest key plus value Insert accepts.
func (c *Cache) MaxEntrySize() int64 {
	return c.maxEntry
}

// Get returns the value of `key` from memory, or from disk after a memory miss. Concurrent misses on the same key
// share a single disk read. A value found on disk is offered to the memory tier for promotion.
// Disk read failures are returned; a cancelled `ctx` stops the wait but not the shared read.
func (c *Cache) Get(ctx context.Context, key []byte) ([]byte, bool /*found*/, error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	for {
		if value, _, found := c.engine.Get(key); found {
			c.hit()
			return bytes.Clone(value), true, nil
		}

		epoch := c.epochFor(key).Load()
		results := c.fetches.DoChan(string(key), func() (any, error) {
			return c.fetch(context.WithoutCancel(ctx), key)
		})
		var result singleflight.Result
		select {
		case result = <-results:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if result.Err != nil {
			return nil, false, result.Err
		}
		fetched, _ := result.Val.(fetchResult)
		if fetched.epoch < epoch {
			// Joined a fetch that began before the key was last written or removed.
			continue
		}
		if !fetched.found {
			c.misses.Add(1)
			c.metrics.Add(metrics.Misses, 1)
			return nil, false, nil
		}
		c.hit()
		// Every caller sharing the fetch gets its own copy.
		return bytes.Clone(fetched.value), true, nil
	}
}

func (c *Cache) epochFor(key []byte) *atomic.Uint64 {
	return &c.epochs[xxhash.Sum64(key)%writeEpochStripes]
}

// invalidate drops the disk copy of `key` and marks fetches of it started so far as stale. It runs under the
// memory shard lock of the key.
func (c *Cache) invalidate(key []byte) bool /*removed*/ {
	c.epochFor(key).Add(1)
	return c.disk.Remove(key)
}

func (c *Cache) hit() {
	c.hits.Add(1)
	c.metrics.Add(metrics.Hits, 1)
}

type fetchResult struct {
	value []byte
	found bool
	epoch uint64 // Write epoch of the key when the fetch started.
}

// fetch reads `key` from disk and offers it for promotion.
func (c *Cache) fetch(ctx context.Context, key []byte) (fetchResult, error) {
	c.fetching.Store(string(key), struct{}{})
	defer c.fetching.Delete(string(key))

	epoch := c.epochFor(key).Load()
	start := time.Now()
	value, loc, err := c.disk.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		// A fetch that finished just before this one may have promoted the key.
		if value, _, found := c.engine.Peek(key); found {
			return fetchResult{value: bytes.Clone(value), found: true, epoch: epoch}, nil
		}
		return fetchResult{epoch: epoch}, nil
	}
	if err != nil {
		c.logger.Debug("Failed to read from disk.", "key", string(key), "err", err)
		return fetchResult{}, err
	}
	c.diskHits.Add(1)
	c.metrics.Add(metrics.DiskHits, 1)
	c.metrics.Observe(metrics.FetchLatency, time.Since(start).Seconds())

	// The promotion only goes through while the disk copy read is still the current one; claiming it removes it
	// from disk atomically with the admission.
	result := c.engine.Promote(key, value, loc.Version, func() bool { return c.disk.RemoveIf(key, loc) })
	c.spill(ctx, result.Spills)
	return fetchResult{value: value, found: true, epoch: epoch}, nil
}

// Insert stores `value` under `key`, replacing the previous value in either tier. Entries evicted to make room are
// spilled to disk; spill failures are counted but never returned.
func (c *Cache) Insert(ctx context.Context, key, value []byte, opts ...InsertOption) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if size := int64(len(key) + len(value)); size > c.maxEntry {
		return fmt.Errorf("%w: %d > %d", ErrEntryTooLarge, size, c.maxEntry)
	}
	var options insertOptions
	for _, opt := range opts {
		opt(&options)
	}

	version := c.clock.Add(1)
	result, err := c.engine.Insert(key, value, version, options.noSpill, func() { c.invalidate(key) })
	// Later lookups must not join a fetch that read the previous value.
	c.fetches.Forget(string(key))
	if err != nil {
		return err
	}
	c.spill(ctx, result.Spills)
	return nil
}

// spill writes entries that left memory to disk. Until an entry is published, or given up on, it is still served
// from memory.
func (c *Cache) spill(ctx context.Context, spills []cache.Spill) {
	for _, spill := range spills {
		if err := c.spillOne(ctx, spill); err != nil {
			c.engine.AbortSpill(spill)
			c.spillsDropped.Add(1)
			c.metrics.Add(metrics.SpillsDropped, 1)
			c.logger.Debug("Dropped spill.", "key", string(spill.Key), "err", err)
		}
	}
}

func (c *Cache) spillOne(ctx context.Context, spill cache.Spill) error {
	if err := c.disk.AcquireTicket(ctx); err != nil {
		return err
	}
	encoded, err := c.disk.Encode(spill.Key, spill.Value, spill.Version)
	if err != nil {
		return err
	}
	published, err := c.engine.PublishSpill(spill, func() error {
		_, err := c.disk.Commit(encoded)
		return err
	})
	if err != nil {
		return err
	}
	if published {
		c.spills.Add(1)
		c.metrics.Add(metrics.Spills, 1)
	}
	return nil
}

// Remove drops `key` from both tiers. It returns false when neither tier had the key, so removing twice is a
// no-op.
func (c *Cache) Remove(key []byte) bool /*removed*/ {
	if c.closed.Load() || len(key) == 0 {
		return false
	}
	removed := c.engine.Remove(key, func() bool { return c.invalidate(key) })
	c.fetches.Forget(string(key))
	return removed
}

// Tier reports where `key` lives right now.
func (c *Cache) Tier(key []byte) Tier {
	tier := TierNone
	c.engine.WithShardLock(key, func(memoryTier cache.Tier) {
		switch {
		case memoryTier != TierNone:
			tier = memoryTier
		case c.disk.Contains(key):
			tier = TierDisk
		}
	})
	if tier == TierDisk {
		if _, inFlight := c.fetching.Load(string(key)); inFlight {
			return TierInFlight
		}
	}
	return tier
}

// Flush makes everything spilled so far durable.
func (c *Cache) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.disk.Flush(ctx)
}

// Stats returns a snapshot of both tiers.
func (c *Cache) Stats() CacheStats {
	engineStats := c.engine.Stats()
	diskStats := c.disk.Stats()
	stats := CacheStats{
		Hits:                c.hits.Load(),
		Misses:              c.misses.Load(),
		DiskHits:            c.diskHits.Load(),
		Evictions:           engineStats.Evictions,
		Rejections:          engineStats.Rejections,
		Promotions:          engineStats.Promotions,
		Spills:              c.spills.Load(),
		SpillsDropped:       c.spillsDropped.Load(),
		Entries:             engineStats.Entries,
		ResidentBytes:       engineStats.ResidentBytes,
		MemoryCapacityBytes: engineStats.CapacityBytes,
		DiskEntries:         diskStats.IndexedEntries,
		DiskUsedBytes:       diskStats.UsedBytes,
		DiskDegraded:        c.degraded,
		Disk:                diskStats,
	}
	if stats.ResidentBytes > stats.MemoryCapacityBytes {
		utils.RaiseInvariant("hybrid", "memory_budget", "Resident bytes exceed the memory capacity.",
			"resident", stats.ResidentBytes, "capacity", stats.MemoryCapacityBytes)
	}
	c.metrics.Set(metrics.ResidentBytes, float64(stats.ResidentBytes))
	return stats
}

// Close flushes the disk tier and releases it. The cache is unusable afterwards.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.disk.Close()
	c.logger.Info("Closed cache.", "err", err)
	return err
}
