// The region store turns records evicted from memory into sequential writes. The device is cut into a fixed ring
// of equally sized regions. Each writer shard appends into its own active region image in memory; a full region is
// sealed, queued for a durable flush and replaced by a region taken from the free list. Flushed regions become
// evictable and the reclaimer returns them to the free list in the order they became evictable, relocating or
// dropping the records that are still live.
//
// Lock order: writer shard, then region, then disk index shard. Nothing holds a region or index lock while doing
// device I/O.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/tiercache/pkg/device"
	"github.com/nobletooth/tiercache/pkg/metrics"
	"github.com/nobletooth/tiercache/pkg/utils"
	"golang.org/x/sync/semaphore"
)

const (
	defaultReclaimTriggerRatio = 0.8
	defaultReclaimInterval     = 50 * time.Millisecond
	maxCatalogBits             = 16
)

// Options configures a Store. Zero values pick the defaults noted on each field.
type Options struct {
	Device     device.Device
	RegionSize int64
	// WriterShards is the number of concurrently active regions (default 1).
	WriterShards int
	// Flushers is the number of goroutines draining the sealed-region queue (default 1).
	Flushers int
	// Reclaimers enables the background reclamation loop when positive. With 0, ReclaimTick must be driven by
	// the caller.
	Reclaimers int
	// CleanRegionThreshold is the number of free regions the reclaimer keeps available (default WriterShards).
	CleanRegionThreshold int
	// ReclaimTriggerRatio is the evictable fraction of all regions at which reclamation runs regardless of the
	// free region count (default 0.8).
	ReclaimTriggerRatio float64
	ReclaimInterval     time.Duration // How often the reclamation loop re-checks its triggers (default 50ms).
	// Compaction relocates live records of a reclaimed region instead of dropping them.
	Compaction  bool
	Compression Compression
	CatalogBits uint // The disk index has 2^CatalogBits shards.
	// InsertTickets and ReinsertTickets rate limit appends and relocations. nil means unlimited.
	InsertTickets   *Ticketer
	ReinsertTickets *Ticketer
	ReadTimeout     time.Duration // Bounds each device read; 0 means only the caller's context applies.
	// Recover rebuilds the disk index from the device instead of starting empty.
	Recover            bool
	RecoverConcurrency int
	Logger             *slog.Logger
	Metrics            metrics.Sink
}

// Stats is a snapshot of the store.
type Stats struct {
	Regions          int
	FreeRegions      int
	ActiveRegions    int
	SealedRegions    int
	EvictableRegions int
	IndexedEntries   int
	UsedBytes        int64 // Bytes of records still reachable through the disk index.
	Appends          uint64
	Reads            uint64
	Backpressure     uint64
	StorageFull      uint64
	Flushed          uint64
	FlushErrors      uint64
	Reclaimed        uint64
	Relocated        uint64
	Dropped          uint64 // Live records dropped by reclamation.
}

type writer struct {
	mux    sync.Mutex
	active *region
}

// Store is the disk tier. It is safe for concurrent use.
type Store struct {
	opts       Options
	device     device.Device
	regionSize int64
	regions    []*region
	writers    []*writer
	index      *diskIndex
	pool       *bufferPool
	logger     *slog.Logger
	metrics    metrics.Sink

	allocMux   sync.Mutex
	free       []uint32 // FIFO of free region ids.
	evictable  []uint32 // FIFO of evictable region ids, in the order they were flushed.
	generation atomic.Uint64
	maxVersion uint64 // Highest record version seen by recovery.

	flushQueue    chan *region
	writeSem      *semaphore.Weighted
	flushWG       sync.WaitGroup
	reclaimMux    sync.Mutex
	reclaimSignal chan struct{}
	stopReclaim   context.CancelFunc
	reclaimWG     sync.WaitGroup
	closed        atomic.Bool

	usedBytes                                           atomic.Int64
	appends, reads, backpressure, storageFull           atomic.Uint64
	flushed, flushErrors, reclaimed, relocated, dropped atomic.Uint64
}

// Open validates the options, optionally recovers the device's content and starts the background workers.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Device == nil {
		return nil, errors.New("a device is required")
	}
	if opts.RegionSize < MinRegionSize || opts.RegionSize > math.MaxUint32 {
		return nil, fmt.Errorf("region size %d is outside [%d, %d]", opts.RegionSize, MinRegionSize, uint32(math.MaxUint32))
	}
	regionCount := opts.Device.Size() / opts.RegionSize
	if regionCount == 0 {
		return nil, fmt.Errorf("device of %d bytes cannot hold a region of %d bytes", opts.Device.Size(), opts.RegionSize)
	}
	if opts.CatalogBits > maxCatalogBits {
		return nil, fmt.Errorf("catalog bits %d exceed %d", opts.CatalogBits, maxCatalogBits)
	}
	opts.WriterShards = max(opts.WriterShards, 1)
	if int64(opts.WriterShards) > regionCount {
		return nil, fmt.Errorf("%d writer shards need at least as many regions, got %d", opts.WriterShards, regionCount)
	}
	opts.Flushers = max(opts.Flushers, 1)
	if opts.CleanRegionThreshold <= 0 {
		opts.CleanRegionThreshold = opts.WriterShards
	}
	if opts.ReclaimTriggerRatio <= 0 || opts.ReclaimTriggerRatio > 1 {
		opts.ReclaimTriggerRatio = defaultReclaimTriggerRatio
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = defaultReclaimInterval
	}

	s := &Store{
		opts:          opts,
		device:        opts.Device,
		regionSize:    opts.RegionSize,
		regions:       make([]*region, regionCount),
		writers:       make([]*writer, opts.WriterShards),
		index:         newDiskIndex(opts.CatalogBits),
		pool:          newBufferPool(int(opts.RegionSize)),
		logger:        utils.ComponentLogger(opts.Logger, "storage"),
		metrics:       metrics.Safe(opts.Metrics, opts.Logger),
		flushQueue:    make(chan *region, regionCount),
		writeSem:      semaphore.NewWeighted(int64(opts.Flushers)),
		reclaimSignal: make(chan struct{}, 1),
	}
	for i := range s.regions {
		s.regions[i] = newRegion(uint32(i), opts.RegionSize)
	}
	for i := range s.writers {
		s.writers[i] = &writer{}
	}

	if opts.Recover {
		if err := s.recover(ctx); err != nil {
			return nil, err
		}
	} else {
		for i := range s.regions {
			s.free = append(s.free, uint32(i))
		}
	}

	for range opts.Flushers {
		s.flushWG.Add(1)
		go s.flushLoop()
	}
	reclaimCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopReclaim = cancel
	if opts.Reclaimers > 0 {
		s.reclaimWG.Add(1)
		go s.reclaimLoop(reclaimCtx)
	}
	s.logger.Info("Opened disk tier.", "regions", regionCount, "regionSize", opts.RegionSize,
		"writers", opts.WriterShards, "flushers", opts.Flushers, "reclaimers", opts.Reclaimers,
		"compression", opts.Compression, "recovered", s.index.len())
	s.reportGauges()
	return s, nil
}

// RegionCount returns the size of the region ring.
func (s *Store) RegionCount() int {
	return len(s.regions)
}

// MaxRecordSize is the largest encoded record a region can hold.
func (s *Store) MaxRecordSize() int64 {
	return s.regionSize - regionHeaderSize - sealRecordSize
}

// MaxEntrySize is the largest key plus value that always fits a region, even uncompressed.
func (s *Store) MaxEntrySize() int64 {
	return s.MaxRecordSize() - recordOverhead
}

// RecoveredVersion is the highest record version found by recovery, 0 without recovery.
func (s *Store) RecoveredVersion() uint64 {
	return s.maxVersion
}

// Encoded is a record ready to be committed. Encoding happens outside of any lock.
type Encoded struct {
	key     []byte
	bytes   []byte
	version uint64
}

// Size is the record's footprint on the device.
func (e *Encoded) Size() int {
	return len(e.bytes)
}

// Encode compresses and serializes an entry.
func (s *Store) Encode(key, value []byte, version uint64) (*Encoded, error) {
	stored, codec, err := compressValue(s.opts.Compression, value)
	if err != nil {
		return nil, err
	}
	rec := &record{codec: codec, key: key, value: stored, rawLen: len(value), version: version}
	if int64(rec.encodedLen()) > s.MaxRecordSize() {
		return nil, fmt.Errorf("%w: %d bytes, regions hold %d", ErrRecordTooLarge, rec.encodedLen(), s.MaxRecordSize())
	}
	encoded, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	return &Encoded{key: bytes.Clone(key), bytes: encoded, version: version}, nil
}

// AcquireTicket takes an insert ticket, failing fast with ErrBackpressure.
func (s *Store) AcquireTicket(ctx context.Context) error {
	if err := s.opts.InsertTickets.Acquire(ctx); err != nil {
		s.backpressure.Add(1)
		s.metrics.Add(metrics.Backpressure, 1)
		return err
	}
	return nil
}

// Append takes a ticket, then encodes and commits the entry.
func (s *Store) Append(ctx context.Context, key, value []byte, version uint64) (Location, error) {
	if s.closed.Load() {
		return Location{}, ErrClosed
	}
	if err := s.AcquireTicket(ctx); err != nil {
		return Location{}, err
	}
	encoded, err := s.Encode(key, value, version)
	if err != nil {
		return Location{}, err
	}
	return s.Commit(encoded)
}

// Commit appends an encoded record to its writer's active region and publishes it in the disk index, replacing
// any older location of the key. It never blocks on I/O.
func (s *Store) Commit(encoded *Encoded) (Location, error) {
	var previous Location
	var replaced bool
	loc, err := s.write(encoded.key, encoded.bytes, encoded.version, func(loc Location) bool {
		previous, replaced = s.index.put(encoded.key, loc)
		return true
	})
	if err != nil {
		return Location{}, err
	}
	if replaced {
		s.markDead(previous)
	}
	s.appends.Add(1)
	return loc, nil
}

// write appends `encoded` to the writer shard of `key` and calls `publish` with the record's location while the
// writer is still locked. A record that `publish` refuses is dead on arrival.
func (s *Store) write(key, encoded []byte, version uint64, publish func(Location) bool) (Location, error) {
	w := s.writers[xxhash.Sum64(key)%uint64(len(s.writers))]
	w.mux.Lock()
	defer w.mux.Unlock()
	if s.closed.Load() {
		return Location{}, ErrClosed
	}

	for rotations := 0; ; rotations++ {
		if w.active == nil {
			if err := s.rotate(w); err != nil {
				return Location{}, err
			}
		}
		r := w.active
		r.mux.Lock()
		if r.fits(len(encoded)) {
			loc := Location{
				Region: r.id, Offset: r.append(encoded), Length: uint32(len(encoded)),
				Generation: r.generation, Version: version,
			}
			r.mux.Unlock()
			if !publish(loc) {
				r.mux.Lock()
				r.live.Remove(loc.Offset)
				r.mux.Unlock()
				return loc, errRefused
			}
			s.usedBytes.Add(int64(loc.Length))
			return loc, nil
		}
		if rotations > 0 {
			r.mux.Unlock()
			utils.RaiseInvariant("storage", "record_exceeds_region",
				"A fresh region cannot hold the record.", "region", r.id, "size", len(encoded))
			return Location{}, ErrRecordTooLarge
		}
		err := r.seal()
		count := r.count
		r.mux.Unlock()
		if err != nil {
			utils.RaiseInvariant("storage", "seal_state", "Failed to seal the active region.", "err", err)
			return Location{}, err
		}
		w.active = nil
		s.flushQueue <- r
		s.logger.Debug("Sealed region.", "region", r.id, "records", count)
	}
}

// errRefused is returned by write when the publish callback refused the record.
var errRefused = errors.New("record location was refused")

// rotate gives the writer a fresh active region. Caller holds the writer lock.
func (s *Store) rotate(w *writer) error {
	s.allocMux.Lock()
	if len(s.free) == 0 {
		s.allocMux.Unlock()
		s.storageFull.Add(1)
		s.metrics.Add(metrics.StorageFull, 1)
		s.signalReclaim()
		return ErrStorageFull
	}
	id := s.free[0]
	s.free = s.free[1:]
	s.allocMux.Unlock()

	r := s.regions[id]
	r.mux.Lock()
	err := r.activate(s.generation.Add(1), s.pool.get())
	r.mux.Unlock()
	if err != nil {
		utils.RaiseInvariant("storage", "activate_state", "Free list handed out a busy region.", "err", err)
		return err
	}
	w.active = r
	s.signalReclaim()
	s.reportGauges()
	return nil
}

// markDead clears the live bit of a record the disk index no longer references.
func (s *Store) markDead(loc Location) {
	s.usedBytes.Add(-int64(loc.Length))
	r := s.regions[loc.Region]
	r.mux.Lock()
	if r.generation == loc.Generation {
		r.live.Remove(loc.Offset)
	}
	r.mux.Unlock()
}

// Lookup returns the location of a key on disk.
func (s *Store) Lookup(key []byte) (Location, bool /*found*/) {
	return s.index.get(key)
}

// Contains reports whether the disk index has the key.
func (s *Store) Contains(key []byte) bool {
	_, found := s.index.get(key)
	return found
}

// Get looks the key up and reads its value. It returns the location read so that callers can later act on that
// exact copy.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, Location, error) {
	loc, found := s.index.get(key)
	if !found {
		return nil, Location{}, ErrNotFound
	}
	value, err := s.Read(ctx, loc)
	if err != nil {
		return nil, Location{}, err
	}
	return value, loc, nil
}

// Read returns the value stored at `loc`. A location whose region was reclaimed since is reported as ErrNotFound.
func (s *Store) Read(ctx context.Context, loc Location) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if int(loc.Region) >= len(s.regions) || int64(loc.Offset)+int64(loc.Length) > s.regionSize {
		return nil, ErrNotFound
	}
	s.reads.Add(1)
	r := s.regions[loc.Region]

	var raw []byte
	r.mux.RLock()
	if r.generation != loc.Generation || r.state == regionFree {
		r.mux.RUnlock()
		return nil, ErrNotFound
	}
	if r.buffer != nil { // Not flushed yet.
		raw = bytes.Clone((*r.buffer)[loc.Offset : loc.Offset+loc.Length])
		r.mux.RUnlock()
	} else {
		r.mux.RUnlock()
		var err error
		if raw, err = s.readDevice(ctx, r.offset+int64(loc.Offset), int(loc.Length)); err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil, err
			}
			return nil, &StorageError{Op: "read", Region: loc.Region, Err: err}
		}
		// The region may have been reclaimed and rewritten while we were reading.
		r.mux.RLock()
		stale := r.generation != loc.Generation || r.state == regionFree
		r.mux.RUnlock()
		if stale {
			return nil, ErrNotFound
		}
	}

	rec, _, err := decodeRecord(raw)
	if err != nil {
		return nil, &StorageError{Op: "read", Region: loc.Region, Err: err}
	}
	if rec.version != loc.Version {
		return nil, &StorageError{Op: "read", Region: loc.Region,
			Err: fmt.Errorf("%w: version %d, expected %d", ErrCorrupted, rec.version, loc.Version)}
	}
	value, err := decompressValue(rec.codec, rec.value, rec.rawLen)
	if err != nil {
		return nil, &StorageError{Op: "read", Region: loc.Region, Err: err}
	}
	return value, nil
}

type readResult struct {
	data []byte
	err  error
}

// readDevice runs a device read that the caller may stop waiting for; the read itself then completes in the
// background and its result is discarded.
func (s *Store) readDevice(ctx context.Context, off int64, n int) ([]byte, error) {
	if s.opts.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ReadTimeout)
		defer cancel()
	}
	done := make(chan readResult, 1)
	go func() {
		data := make([]byte, n)
		_, err := s.device.ReadAt(data, off)
		done <- readResult{data: data, err: err}
	}()
	select {
	case result := <-done:
		return result.data, result.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// RemoveIf drops the key only if it's still at `loc`, e.g. after promoting exactly that copy to memory.
func (s *Store) RemoveIf(key []byte, loc Location) bool /*removed*/ {
	if !s.index.removeIf(key, loc) {
		return false
	}
	s.markDead(loc)
	return true
}

// Remove drops the key's disk copy if there is one.
func (s *Store) Remove(key []byte) bool /*removed*/ {
	loc, found := s.index.remove(key)
	if found {
		s.markDead(loc)
	}
	return found
}

// Flush seals every active region holding records and durably writes every sealed region, including regions
// whose earlier flush failed. It returns the first failure.
func (s *Store) Flush(ctx context.Context) error {
	for _, w := range s.writers {
		w.mux.Lock()
		if s.closed.Load() {
			w.mux.Unlock()
			return ErrClosed
		}
		s.sealActive(w)
		w.mux.Unlock()
	}
	return s.flushSealed(ctx)
}

// sealActive seals and queues the writer's active region. Caller holds the writer lock.
func (s *Store) sealActive(w *writer) {
	r := w.active
	if r == nil {
		return
	}
	r.mux.Lock()
	if r.count == 0 {
		r.mux.Unlock()
		return
	}
	err := r.seal()
	r.mux.Unlock()
	if err != nil {
		utils.RaiseInvariant("storage", "seal_state", "Failed to seal the active region.", "err", err)
		return
	}
	w.active = nil
	s.flushQueue <- r
}

func (s *Store) flushSealed(ctx context.Context) error {
	var firstErr error
	for _, r := range s.regions {
		r.mux.RLock()
		sealed := r.state == regionSealed
		r.mux.RUnlock()
		if !sealed {
			continue
		}
		if err := s.flushRegion(ctx, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the store.
func (s *Store) Stats() Stats {
	stats := Stats{
		Regions:        len(s.regions),
		IndexedEntries: s.index.len(),
		UsedBytes:      s.usedBytes.Load(),
		Appends:        s.appends.Load(),
		Reads:          s.reads.Load(),
		Backpressure:   s.backpressure.Load(),
		StorageFull:    s.storageFull.Load(),
		Flushed:        s.flushed.Load(),
		FlushErrors:    s.flushErrors.Load(),
		Reclaimed:      s.reclaimed.Load(),
		Relocated:      s.relocated.Load(),
		Dropped:        s.dropped.Load(),
	}
	for _, r := range s.regions {
		r.mux.RLock()
		switch r.state {
		case regionFree:
			stats.FreeRegions++
		case regionActive:
			stats.ActiveRegions++
		case regionSealed:
			stats.SealedRegions++
		case regionEvictable, regionReclaiming:
			stats.EvictableRegions++
		}
		r.mux.RUnlock()
	}
	return stats
}

func (s *Store) reportGauges() {
	s.allocMux.Lock()
	free := len(s.free)
	s.allocMux.Unlock()
	s.metrics.Set(metrics.FreeRegions, float64(free))
	s.metrics.Set(metrics.DiskUsedBytes, float64(s.usedBytes.Load()))
}

// Close stops the background workers, flushes what was written and closes the device. Records that cannot be
// flushed are lost.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stopReclaim()
	s.reclaimWG.Wait()
	// Every writer sees `closed` once its lock was taken here, so nothing queues flushes after the barrier.
	for _, w := range s.writers {
		w.mux.Lock()
		s.sealActive(w)
		w.mux.Unlock()
	}
	close(s.flushQueue)
	s.flushWG.Wait()
	flushErr := s.flushSealed(context.Background())
	if flushErr != nil {
		s.logger.Error("Failed to flush regions on close.", "err", flushErr)
	}
	return errors.Join(flushErr, s.device.Close())
}
