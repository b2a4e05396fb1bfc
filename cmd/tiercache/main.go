// Runs a synthetic workload against a hybrid cache and periodically logs its stats.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nobletooth/tiercache/pkg/config"
	"github.com/nobletooth/tiercache/pkg/hybrid"
	"github.com/nobletooth/tiercache/pkg/metrics"
	"github.com/nobletooth/tiercache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	printVersion = flag.Bool("print_version", false, "Print the version and exit.")

	memoryCapacity = flag.Int64("memory_capacity_bytes", 64<<20, "Memory tier capacity in bytes.")
	memoryShards   = flag.Int("memory_shards", 16, "Number of memory tier shards.")
	evictionPolicy = flag.String("eviction_policy", "frequency-admission",
		"Eviction policy: recency/segmented/frequency-admission/sampling/clock.")
	sketchDoorkeeper = flag.Bool("sketch_doorkeeper", false, "Put a bloom filter in front of the frequency sketch.")

	diskPath             = flag.String("disk_path", "", "Cache file of the disk tier; empty keeps the disk tier in memory.")
	diskCapacity         = flag.Int64("disk_capacity_bytes", 256<<20, "Disk tier capacity in bytes; 0 disables it.")
	regionSize           = flag.Int64("region_size_bytes", 4<<20, "Size of a disk region.")
	writerShards         = flag.Int("writer_shard_count", 4, "Number of concurrently active regions.")
	flushers             = flag.Int("flushers", 2, "Number of goroutines flushing sealed regions.")
	reclaimers           = flag.Int("reclaimers", 1, "1 runs the background reclaimer, 0 disables it.")
	cleanRegionThreshold = flag.Int("clean_region_threshold", 0, "Free regions the reclaimer keeps available.")
	reclaimTriggerRatio  = flag.Float64("reclaim_trigger_ratio", 0.8,
		"Fraction of evictable regions at which reclamation runs regardless of free regions.")
	compaction        = flag.Bool("compaction", false, "Relocate live records of reclaimed regions.")
	compression       = flag.String("compression", "none", "Value compression: none/zstd/lz4.")
	catalogBits       = flag.Uint("catalog_bits", 6, "The disk index has 2^catalog_bits shards.")
	insertRateLimit   = flag.Float64("ticket_insert_rate_limit", 0, "Spills per second; 0 is unlimited.")
	reinsertRateLimit = flag.Float64("ticket_reinsert_rate_limit", 0, "Relocations per second; 0 is unlimited.")
	ticketWait        = flag.Duration("ticket_wait", 0, "How long a spill may wait for a ticket.")
	readTimeout       = flag.Duration("read_timeout", time.Second, "Deadline of a single disk read.")
	recoverDisk       = flag.Bool("recover", false, "Rebuild the disk index from the cache file on start.")
	recoverWorkers    = flag.Int("recover_concurrency", 4, "Regions scanned in parallel during recovery.")

	workloadDuration = flag.Duration("duration", 10*time.Second, "How long the workload runs; 0 runs until interrupted.")
	workers          = flag.Int("workers", 8, "Concurrent workload goroutines.")
	keySpace         = flag.Int("key_space", 1<<20, "Number of distinct keys.")
	valueSize        = flag.Int("value_size", 1<<10, "Value size in bytes.")
	getRatio         = flag.Float64("get_ratio", 0.8, "Fraction of operations that are lookups.")
	statsInterval    = flag.Duration("stats_interval", 2*time.Second, "How often stats are logged.")
)

// cacheConfigFromFlags maps the command line onto a cache config.
func cacheConfigFromFlags(sink metrics.Sink) hybrid.Config {
	return hybrid.Config{
		MemoryCapacityBytes:     *memoryCapacity,
		MemoryShards:            *memoryShards,
		EvictionPolicy:          *evictionPolicy,
		SketchDoorkeeper:        *sketchDoorkeeper,
		DiskCapacityBytes:       *diskCapacity,
		DiskPath:                *diskPath,
		RegionSizeBytes:         *regionSize,
		WriterShards:            *writerShards,
		Flushers:                *flushers,
		Reclaimers:              *reclaimers,
		CleanRegionThreshold:    *cleanRegionThreshold,
		ReclaimTriggerRatio:     *reclaimTriggerRatio,
		Compaction:              *compaction,
		Compression:             *compression,
		CatalogBits:             *catalogBits,
		TicketInsertRateLimit:   *insertRateLimit,
		TicketWait:              *ticketWait,
		TicketReinsertRateLimit: *reinsertRateLimit,
		ReadTimeout:             *readTimeout,
		Recover:                 *recoverDisk,
		RecoverConcurrency:      *recoverWorkers,
		Metrics:                 sink,
	}
}

type workload struct {
	keySpace  int
	valueSize int
	getRatio  float64
}

// entry builds the key and value of the i-th key. Values are derived from the key so that lookups can be verified.
func (w workload) entry(i int) utils.BytePair {
	key := []byte(fmt.Sprintf("key-%012d", i))
	value := make([]byte, w.valueSize)
	for j := range value {
		value[j] = key[len(key)-1-j%4]
	}
	return utils.BytePair{Key: key, Value: value}
}

// run issues operations until `ctx` is done. Key popularity is zipfian so that the memory tier sees a hot set.
func (w workload) run(ctx context.Context, c *hybrid.Cache, seed uint64) error {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	zipf := rand.NewZipf(rng, 1.1, 1, uint64(w.keySpace-1))
	for ctx.Err() == nil {
		pair := w.entry(int(zipf.Uint64()))
		if rng.Float64() < w.getRatio {
			value, found, err := c.Get(ctx, pair.Key)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if err != nil {
				slog.Warn("Lookup failed.", "key", string(pair.Key), "err", err)
				continue
			}
			if found && string(value) != string(pair.Value) {
				return fmt.Errorf("key %s returned a foreign value", pair.Key)
			}
			continue
		}
		if err := c.Insert(ctx, pair.Key, pair.Value); err != nil {
			return fmt.Errorf("failed to insert %s: %w", pair.Key, err)
		}
	}
	return nil
}

func logStats(c *hybrid.Cache) {
	stats := c.Stats()
	var hitRatio float64
	if lookups := stats.Hits + stats.Misses; lookups > 0 {
		hitRatio = float64(stats.Hits) / float64(lookups)
	}
	slog.Info("Cache stats.", "hitRatio", hitRatio, "hits", stats.Hits, "misses", stats.Misses,
		"diskHits", stats.DiskHits, "evictions", stats.Evictions, "promotions", stats.Promotions,
		"spills", stats.Spills, "spillsDropped", stats.SpillsDropped, "residentBytes", stats.ResidentBytes,
		"diskEntries", stats.DiskEntries, "diskUsedBytes", stats.DiskUsedBytes, "freeRegions", stats.Disk.FreeRegions,
		"reclaimed", stats.Disk.Reclaimed, "degraded", stats.DiskDegraded)
}

// runWorkload drives `c` with `workerCount` goroutines and logs stats every `interval` until `ctx` is done.
func runWorkload(ctx context.Context, c *hybrid.Cache, w workload, workerCount int, interval time.Duration) error {
	var wg sync.WaitGroup
	errs := make(chan error, workerCount)
	for i := range workerCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.run(ctx, c, uint64(i)); err != nil {
				errs <- err
			}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-ticker.C:
			logStats(c)
		case <-done:
			close(errs)
			var joined error
			for err := range errs {
				joined = errors.Join(joined, err)
			}
			logStats(c)
			return joined
		}
	}
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Tiercache build info.", utils.BuildAttrs()...)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *workloadDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *workloadDuration)
		defer cancel()
	}

	sink := metrics.NewPrometheusSink(prometheus.Labels{"instance": "workload"})
	c, err := hybrid.Open(ctx, cacheConfigFromFlags(sink))
	if err != nil {
		slog.Error("Failed to open the cache.", "err", err)
		os.Exit(1)
	}
	w := workload{keySpace: max(*keySpace, 2), valueSize: *valueSize, getRatio: *getRatio}
	workloadErr := runWorkload(ctx, c, w, max(*workers, 1), *statsInterval)
	if err := c.Close(); err != nil {
		slog.Error("Failed to close the cache.", "err", err)
	}
	if workloadErr != nil {
		slog.Error("Workload failed.", "err", workloadErr)
		os.Exit(1)
	}
}
