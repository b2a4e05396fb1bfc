package hybrid

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/device"
	"github.com/nobletooth/tiercache/pkg/metrics"
	"github.com/nobletooth/tiercache/pkg/storage"
)

// Config holds every construction-time option of a Cache. Zero values pick the documented defaults; Validate
// rejects the rest.
type Config struct {
	// Memory tier.
	MemoryCapacityBytes int64
	MemoryShards        int    // Default 1.
	EvictionPolicy      string // recency, segmented, frequency-admission, sampling or clock. Default recency.
	ProtectedRatio      float64
	WindowRatio         float64
	SampleSize          int
	SketchCounters      int // Default: one counter per 64 bytes of memory.
	SketchDoorkeeper    bool
	// MaxEntrySize bounds key plus value. It defaults to the smallest memory shard budget.
	MaxEntrySize int64

	// Disk tier. DiskCapacityBytes == 0 disables it.
	DiskCapacityBytes int64
	// DiskPath is the cache file. With no path and no Device the disk tier lives in memory, which is only useful
	// in tests.
	DiskPath                string
	Device                  device.Device // Overrides DiskPath.
	RegionSizeBytes         int64
	WriterShards            int
	Flushers                int
	Reclaimers              int
	CleanRegionThreshold    int
	ReclaimTriggerRatio     float64
	ReclaimInterval         time.Duration
	Compaction              bool
	Compression             string // none, zstd or lz4.
	CatalogBits             uint
	TicketInsertRateLimit   float64 // Spills per second; 0 means unlimited.
	TicketInsertBurst       int
	TicketWait              time.Duration // How long a spill may wait for a ticket before giving up.
	TicketReinsertRateLimit float64       // Relocations per second; 0 means unlimited.
	ReadTimeout             time.Duration
	Recover                 bool
	RecoverConcurrency      int

	Logger  *slog.Logger
	Metrics metrics.Sink
}

// ConfigError reports an invalid construction parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// withDefaults returns a copy of the config with zero values replaced by their defaults.
func (c Config) withDefaults() Config {
	if c.MemoryShards == 0 {
		c.MemoryShards = 1
	}
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = string(cache.PolicyRecency)
	}
	if c.Compression == "" {
		c.Compression = storage.CompressionNone.String()
	}
	if c.WriterShards == 0 {
		c.WriterShards = 1
	}
	return c
}

// memoryShardBudget is the budget of the smallest memory shard.
func (c Config) memoryShardBudget() int64 {
	return c.MemoryCapacityBytes / int64(max(c.MemoryShards, 1))
}

// Validate reports the first invalid field as a *ConfigError.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.MemoryCapacityBytes <= 0 {
		return configErrorf("MemoryCapacityBytes", "must be positive, got %d", c.MemoryCapacityBytes)
	}
	if c.MemoryShards < 0 || int64(c.MemoryShards) > c.MemoryCapacityBytes {
		return configErrorf("MemoryShards", "%d shards cannot split %d bytes", c.MemoryShards, c.MemoryCapacityBytes)
	}
	if _, err := cache.ParsePolicy(c.EvictionPolicy); err != nil {
		return configErrorf("EvictionPolicy", "%v", err)
	}
	for _, ratio := range []struct {
		field string
		value float64
	}{{"ProtectedRatio", c.ProtectedRatio}, {"WindowRatio", c.WindowRatio}, {"ReclaimTriggerRatio", c.ReclaimTriggerRatio}} {
		if ratio.value < 0 || ratio.value > 1 {
			return configErrorf(ratio.field, "must be within (0, 1], got %v", ratio.value)
		}
	}
	if c.SampleSize < 0 {
		return configErrorf("SampleSize", "must not be negative, got %d", c.SampleSize)
	}
	if c.SketchCounters < 0 {
		return configErrorf("SketchCounters", "must not be negative, got %d", c.SketchCounters)
	}
	if c.MaxEntrySize < 0 || c.MaxEntrySize > c.memoryShardBudget() {
		return configErrorf("MaxEntrySize", "%d is outside [0, %d], the memory shard budget",
			c.MaxEntrySize, c.memoryShardBudget())
	}

	if c.DiskCapacityBytes < 0 {
		return configErrorf("DiskCapacityBytes", "must not be negative, got %d", c.DiskCapacityBytes)
	}
	if c.DiskCapacityBytes == 0 {
		return nil
	}
	if c.RegionSizeBytes < storage.MinRegionSize {
		return configErrorf("RegionSizeBytes", "must hold a header and a record, at least %d bytes, got %d",
			storage.MinRegionSize, c.RegionSizeBytes)
	}
	if c.DiskCapacityBytes%c.RegionSizeBytes != 0 {
		return configErrorf("DiskCapacityBytes", "%d is not a multiple of the region size %d",
			c.DiskCapacityBytes, c.RegionSizeBytes)
	}
	if c.Device != nil && c.Device.Size() < c.DiskCapacityBytes {
		return configErrorf("Device", "holds %d bytes, less than the disk capacity %d",
			c.Device.Size(), c.DiskCapacityBytes)
	}
	regions := c.DiskCapacityBytes / c.RegionSizeBytes
	if c.WriterShards < 0 || int64(c.WriterShards) > regions {
		return configErrorf("WriterShards", "%d writer shards need as many of the %d regions", c.WriterShards, regions)
	}
	for _, count := range []struct {
		field string
		value int
	}{{"Flushers", c.Flushers}, {"Reclaimers", c.Reclaimers}, {"CleanRegionThreshold", c.CleanRegionThreshold},
		{"RecoverConcurrency", c.RecoverConcurrency}, {"TicketInsertBurst", c.TicketInsertBurst}} {
		if count.value < 0 {
			return configErrorf(count.field, "must not be negative, got %d", count.value)
		}
	}
	if c.Reclaimers > 1 {
		return configErrorf("Reclaimers", "at most one reclaimer runs, got %d", c.Reclaimers)
	}
	if int64(c.CleanRegionThreshold) > regions {
		return configErrorf("CleanRegionThreshold", "%d exceeds the %d regions", c.CleanRegionThreshold, regions)
	}
	if _, err := storage.ParseCompression(c.Compression); err != nil {
		return configErrorf("Compression", "%v", err)
	}
	if c.CatalogBits > 16 {
		return configErrorf("CatalogBits", "must be at most 16, got %d", c.CatalogBits)
	}
	if c.TicketInsertRateLimit < 0 {
		return configErrorf("TicketInsertRateLimit", "must not be negative, got %v", c.TicketInsertRateLimit)
	}
	if c.TicketReinsertRateLimit < 0 {
		return configErrorf("TicketReinsertRateLimit", "must not be negative, got %v", c.TicketReinsertRateLimit)
	}
	for _, duration := range []struct {
		field string
		value time.Duration
	}{{"TicketWait", c.TicketWait}, {"ReadTimeout", c.ReadTimeout}, {"ReclaimInterval", c.ReclaimInterval}} {
		if duration.value < 0 {
			return configErrorf(duration.field, "must not be negative, got %v", duration.value)
		}
	}
	return nil
}

func (c Config) engineOptions() cache.Options {
	policy, _ := cache.ParsePolicy(c.EvictionPolicy)
	return cache.Options{
		CapacityBytes: c.MemoryCapacityBytes,
		Shards:        c.MemoryShards,
		Policy:        policy,
		PolicyOptions: cache.PolicyOptions{
			ProtectedRatio: c.ProtectedRatio,
			WindowRatio:    c.WindowRatio,
			SampleSize:     c.SampleSize,
		},
		Sketch:  cache.SketchOptions{Counters: c.SketchCounters, Doorkeeper: c.SketchDoorkeeper},
		Metrics: c.Metrics,
	}
}

func (c Config) storeOptions(dev device.Device) storage.Options {
	compression, _ := storage.ParseCompression(c.Compression)
	opts := storage.Options{
		Device:               dev,
		RegionSize:           c.RegionSizeBytes,
		WriterShards:         c.WriterShards,
		Flushers:             c.Flushers,
		Reclaimers:           c.Reclaimers,
		CleanRegionThreshold: c.CleanRegionThreshold,
		ReclaimTriggerRatio:  c.ReclaimTriggerRatio,
		ReclaimInterval:      c.ReclaimInterval,
		Compaction:           c.Compaction,
		Compression:          compression,
		CatalogBits:          c.CatalogBits,
		ReadTimeout:          c.ReadTimeout,
		Recover:              c.Recover,
		RecoverConcurrency:   c.RecoverConcurrency,
		Logger:               c.Logger,
		Metrics:              c.Metrics,
	}
	if c.TicketInsertRateLimit > 0 {
		opts.InsertTickets = storage.NewTicketer(c.TicketInsertRateLimit, c.TicketInsertBurst, c.TicketWait)
	}
	if c.TicketReinsertRateLimit > 0 {
		opts.ReinsertTickets = storage.NewTicketer(c.TicketReinsertRateLimit, 0 /*burst*/, 0 /*maxWait*/)
	}
	return opts
}
