package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nobletooth/tiercache/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRegionSize = 1 << 10
	testDiskSize   = 4 * testRegionSize
	// A 7 byte key and a 200 byte value encode to 230 bytes, so exactly 4 records fit a test region.
	testValueSize = 200
)

func testKey(i int) []byte {
	return []byte(fmt.Sprintf("key-%03d", i))
}

func testValue(i int) []byte {
	return bytes.Repeat([]byte{byte(i)}, testValueSize)
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Device == nil {
		opts.Device = device.NewMemoryDevice(testDiskSize)
	}
	if opts.RegionSize == 0 {
		opts.RegionSize = testRegionSize
	}
	store, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendTestEntries(t *testing.T, store *Store, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		_, err := store.Append(context.Background(), testKey(i), testValue(i), uint64(i+1))
		require.NoError(t, err, "append #%d", i)
	}
}

func TestOpen_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Options{RegionSize: testRegionSize})
	assert.Error(t, err, "A device is required")
	_, err = Open(ctx, Options{Device: device.NewMemoryDevice(testDiskSize), RegionSize: 16})
	assert.Error(t, err, "Regions must hold at least one record")
	_, err = Open(ctx, Options{Device: device.NewMemoryDevice(100), RegionSize: testRegionSize})
	assert.Error(t, err, "The device must hold at least one region")
	_, err = Open(ctx, Options{Device: device.NewMemoryDevice(testDiskSize), RegionSize: testRegionSize,
		WriterShards: 5})
	assert.Error(t, err, "Every writer shard needs a region")
}

func TestStore_AppendAndRead(t *testing.T) {
	store := openTestStore(t, Options{})
	ctx := context.Background()
	loc, err := store.Append(ctx, []byte("key"), []byte("value"), 7)
	require.NoError(t, err)
	assert.EqualValues(t, 7, loc.Version)
	assert.True(t, store.Contains([]byte("key")))

	// Served from the region image before the flush.
	value, got, err := store.Get(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)
	assert.Equal(t, loc, got)

	require.NoError(t, store.Flush(ctx))
	stats := store.Stats()
	assert.Equal(t, 1, stats.EvictableRegions)
	assert.EqualValues(t, 1, stats.Flushed)

	// Served from the device after the flush.
	value, _, err = store.Get(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)

	_, _, err = store.Get(ctx, []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_OverwriteAndRemove(t *testing.T) {
	store := openTestStore(t, Options{})
	ctx := context.Background()
	first, err := store.Append(ctx, []byte("key"), []byte("old"), 1)
	require.NoError(t, err)
	second, err := store.Append(ctx, []byte("key"), []byte("new"), 2)
	require.NoError(t, err)

	value, _, err := store.Get(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), value)
	stats := store.Stats()
	assert.Equal(t, 1, stats.IndexedEntries)
	assert.EqualValues(t, second.Length, stats.UsedBytes)

	assert.False(t, store.RemoveIf([]byte("key"), first), "A stale location must not remove the newer copy")
	assert.True(t, store.RemoveIf([]byte("key"), second))
	assert.False(t, store.Remove([]byte("key")))
	_, _, err = store.Get(ctx, []byte("key"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, store.Stats().UsedBytes)
}

func TestStore_Compression(t *testing.T) {
	for _, codec := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			store := openTestStore(t, Options{Compression: codec})
			ctx := context.Background()
			value := bytes.Repeat([]byte("compressible "), 40)
			loc, err := store.Append(ctx, []byte("key"), value, 1)
			require.NoError(t, err)
			if codec != CompressionNone {
				assert.Less(t, int(loc.Length), len(value))
			}
			require.NoError(t, store.Flush(ctx))
			got, _, err := store.Get(ctx, []byte("key"))
			require.NoError(t, err)
			assert.Equal(t, value, got)
		})
	}
}

func TestStore_RecordTooLarge(t *testing.T) {
	store := openTestStore(t, Options{})
	assert.EqualValues(t, testRegionSize-regionHeaderSize-sealRecordSize-recordOverhead, store.MaxEntrySize())
	_, err := store.Append(context.Background(), []byte("k"), make([]byte, testRegionSize), 1)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

// Four regions fill up; without reclamation the next rotation fails with ErrStorageFull, and reclaiming one
// region makes room again.
func TestStore_StorageFullUntilReclaimed(t *testing.T) {
	store := openTestStore(t, Options{})
	ctx := context.Background()
	appendTestEntries(t, store, 0, 16)
	assert.Equal(t, 0, store.Stats().FreeRegions)

	_, err := store.Append(ctx, testKey(16), testValue(16), 17)
	assert.ErrorIs(t, err, ErrStorageFull)
	_, err = store.Append(ctx, testKey(16), testValue(16), 17)
	assert.ErrorIs(t, err, ErrStorageFull, "Spills keep failing until a region is reclaimed")
	assert.EqualValues(t, 2, store.Stats().StorageFull)

	require.NoError(t, store.Flush(ctx))
	assert.Equal(t, 4, store.Stats().EvictableRegions)
	reclaimed, err := store.ReclaimTick(ctx)
	require.NoError(t, err)
	assert.True(t, reclaimed)

	_, err = store.Append(ctx, testKey(16), testValue(16), 17)
	require.NoError(t, err)
	stats := store.Stats()
	assert.EqualValues(t, 1, stats.Reclaimed)
	assert.EqualValues(t, 4, stats.Dropped, "Without compaction live records of the reclaimed region are dropped")
	assert.Equal(t, 13, stats.IndexedEntries)
}

func TestStore_ReclaimIsFIFO(t *testing.T) {
	store := openTestStore(t, Options{})
	ctx := context.Background()
	for batch := range 3 {
		appendTestEntries(t, store, batch*4, batch*4+4)
		require.NoError(t, store.Flush(ctx))
	}

	for batch := range 3 {
		reclaimed, err := store.ReclaimTick(ctx)
		require.NoError(t, err)
		require.True(t, reclaimed)
		for i := range 12 {
			_, _, err := store.Get(ctx, testKey(i))
			if i < (batch+1)*4 {
				assert.ErrorIs(t, err, ErrNotFound, "key %d should be gone after reclaiming batch %d", i, batch)
			} else {
				assert.NoError(t, err, "key %d should survive reclaiming batch %d", i, batch)
			}
		}
	}
	reclaimed, err := store.ReclaimTick(ctx)
	require.NoError(t, err)
	assert.False(t, reclaimed, "Nothing is left to reclaim")
	assert.Equal(t, 4, store.Stats().FreeRegions)
}

func TestStore_ReclaimWipesHeaderDurably(t *testing.T) {
	dev := device.NewMemoryDevice(testDiskSize)
	store := openTestStore(t, Options{Device: dev})
	ctx := context.Background()
	appendTestEntries(t, store, 0, 4)
	require.NoError(t, store.Flush(ctx))
	loc, found := store.index.get(testKey(0))
	require.True(t, found)
	offset := store.regions[loc.Region].offset

	header := make([]byte, regionHeaderSize)
	_, err := dev.ReadAt(header, offset)
	require.NoError(t, err)
	require.NotEqual(t, make([]byte, regionHeaderSize), header, "A flushed region carries a header")

	syncs := dev.Syncs()
	reclaimed, err := store.ReclaimTick(ctx)
	require.NoError(t, err)
	require.True(t, reclaimed)
	assert.Equal(t, syncs+1, dev.Syncs(), "The wiped header must be synced")
	_, err = dev.ReadAt(header, offset)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, regionHeaderSize), header)
}

func TestStore_CompactionRelocatesLiveRecords(t *testing.T) {
	store := openTestStore(t, Options{Compaction: true})
	ctx := context.Background()
	appendTestEntries(t, store, 0, 4)
	require.NoError(t, store.Flush(ctx))

	require.True(t, store.Remove(testKey(1)))
	_, err := store.Append(ctx, testKey(2), []byte("rewritten"), 10)
	require.NoError(t, err)

	reclaimed, err := store.ReclaimTick(ctx)
	require.NoError(t, err)
	require.True(t, reclaimed)
	stats := store.Stats()
	assert.EqualValues(t, 2, stats.Relocated, "Only records still referenced by the index move")
	assert.Zero(t, stats.Dropped)
	assert.Equal(t, 3, stats.FreeRegions)

	for i, expected := range map[int][]byte{0: testValue(0), 2: []byte("rewritten"), 3: testValue(3)} {
		value, loc, err := store.Get(ctx, testKey(i))
		require.NoError(t, err)
		assert.Equal(t, expected, value)
		assert.NotEqual(t, uint32(0), loc.Region, "Records must have left the reclaimed region")
	}
	_, _, err = store.Get(ctx, testKey(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReinsertTicketsLimitRelocation(t *testing.T) {
	store := openTestStore(t, Options{Compaction: true, ReinsertTickets: NewTicketer(1, 1, 0)})
	ctx := context.Background()
	appendTestEntries(t, store, 0, 2)
	require.NoError(t, store.Flush(ctx))

	reclaimed, err := store.ReclaimTick(ctx)
	require.NoError(t, err)
	require.True(t, reclaimed)
	stats := store.Stats()
	assert.EqualValues(t, 1, stats.Relocated)
	assert.EqualValues(t, 1, stats.Dropped)
	assert.Equal(t, 1, stats.IndexedEntries)
}

func TestStore_InsertTicketsBackpressure(t *testing.T) {
	store := openTestStore(t, Options{InsertTickets: NewTicketer(1, 1, 0)})
	ctx := context.Background()
	succeeded := 0
	for i := range 10 {
		_, err := store.Append(ctx, testKey(i), []byte("v"), uint64(i+1))
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrBackpressure)
	}
	assert.Equal(t, 1, succeeded)
	assert.EqualValues(t, 9, store.Stats().Backpressure)
}

func TestStore_FlushFailureKeepsRegionSealed(t *testing.T) {
	fsys := device.NewFaultyFS(nil)
	dev, err := device.OpenFile(fsys, filepath.Join(t.TempDir(), "cache.bin"), testDiskSize)
	require.NoError(t, err)
	store := openTestStore(t, Options{Device: dev})
	ctx := context.Background()
	appendTestEntries(t, store, 0, 2)

	fsys.SetFault("cache.bin", device.Fault{FailOnSync: true})
	err = store.Flush(ctx)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "sync", storageErr.Op)
	assert.ErrorIs(t, err, device.ErrInjected)

	stats := store.Stats()
	assert.Equal(t, 1, stats.SealedRegions)
	assert.Zero(t, stats.EvictableRegions, "Undurable regions never become evictable")
	assert.NotZero(t, stats.FlushErrors)
	reclaimed, err := store.ReclaimTick(ctx)
	require.NoError(t, err)
	assert.False(t, reclaimed)

	// Records stay readable from the region image.
	value, _, err := store.Get(ctx, testKey(1))
	require.NoError(t, err)
	assert.Equal(t, testValue(1), value)

	fsys.ClearFaults()
	require.NoError(t, store.Flush(ctx), "Flush retries regions whose flush failed")
	assert.Equal(t, 1, store.Stats().EvictableRegions)
}

func TestStore_ReadFailure(t *testing.T) {
	fsys := device.NewFaultyFS(nil)
	dev, err := device.OpenFile(fsys, filepath.Join(t.TempDir(), "cache.bin"), testDiskSize)
	require.NoError(t, err)
	store := openTestStore(t, Options{Device: dev})
	ctx := context.Background()
	appendTestEntries(t, store, 0, 1)
	require.NoError(t, store.Flush(ctx))

	fsys.SetFault("cache.bin", device.Fault{FailReads: true})
	_, _, err = store.Get(ctx, testKey(0))
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "read", storageErr.Op)
	assert.ErrorIs(t, err, device.ErrInjected)
	fsys.ClearFaults()
}

// gatedDevice blocks reads until the gate is closed.
type gatedDevice struct {
	*device.MemoryDevice
	gate chan struct{}
}

func (g *gatedDevice) ReadAt(p []byte, off int64) (int, error) {
	<-g.gate
	return g.MemoryDevice.ReadAt(p, off)
}

func TestStore_ReadTimeout(t *testing.T) {
	gated := &gatedDevice{MemoryDevice: device.NewMemoryDevice(testDiskSize), gate: make(chan struct{})}
	defer close(gated.gate)
	store := openTestStore(t, Options{Device: gated, ReadTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	appendTestEntries(t, store, 0, 1)
	require.NoError(t, store.Flush(ctx))

	_, _, err := store.Get(ctx, testKey(0))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStore_Recovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	ctx := context.Background()

	dev, err := device.OpenFile(nil, path, testDiskSize)
	require.NoError(t, err)
	store, err := Open(ctx, Options{Device: dev, RegionSize: testRegionSize})
	require.NoError(t, err)
	appendTestEntries(t, store, 0, 6)
	_, err = store.Append(ctx, testKey(0), []byte("newest"), 10)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	_, err = store.Append(ctx, testKey(1), []byte("late"), 11)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, store.Close(), "Closing twice is a no-op")

	dev, err = device.OpenFile(nil, path, testDiskSize)
	require.NoError(t, err)
	recovered := openTestStore(t, Options{Device: dev, Recover: true, RecoverConcurrency: 2})
	assert.EqualValues(t, 10, recovered.RecoveredVersion())
	stats := recovered.Stats()
	assert.Equal(t, 6, stats.IndexedEntries)
	assert.Equal(t, 2, stats.EvictableRegions)
	assert.Equal(t, 2, stats.FreeRegions)

	value, loc, err := recovered.Get(ctx, testKey(0))
	require.NoError(t, err)
	assert.Equal(t, []byte("newest"), value, "The highest version wins")
	assert.EqualValues(t, 10, loc.Version)
	for i := 1; i < 6; i++ {
		value, _, err := recovered.Get(ctx, testKey(i))
		require.NoError(t, err)
		assert.Equal(t, testValue(i), value)
	}

	// New regions continue the generation sequence, so reclaiming keeps FIFO order.
	appendTestEntries(t, recovered, 6, 10)
	require.NoError(t, recovered.Flush(ctx))
	reclaimed, err := recovered.ReclaimTick(ctx)
	require.NoError(t, err)
	require.True(t, reclaimed)
	_, _, err = recovered.Get(ctx, testKey(1))
	assert.ErrorIs(t, err, ErrNotFound, "The oldest recovered region is reclaimed first")
}

func TestStore_BackgroundReclaimer(t *testing.T) {
	store := openTestStore(t, Options{
		WriterShards: 2, Reclaimers: 1, CleanRegionThreshold: 2, Compaction: true,
		ReclaimInterval: time.Millisecond,
	})
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; i < 64; {
		_, err := store.Append(ctx, testKey(i), testValue(i), uint64(i+1))
		if err == nil {
			i++
			continue
		}
		require.ErrorIs(t, err, ErrStorageFull, "append #%d", i)
		require.True(t, time.Now().Before(deadline), "The reclaimer never freed a region for append #%d", i)
		time.Sleep(time.Millisecond)
	}
	assert.NotZero(t, store.Stats().Reclaimed)
	value, _, err := store.Get(ctx, testKey(63))
	require.NoError(t, err)
	assert.Equal(t, testValue(63), value)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := openTestStore(t, Options{
		Device: device.NewMemoryDevice(16 * testRegionSize), WriterShards: 4, Flushers: 2, Reclaimers: 1,
		Compaction: true, CatalogBits: 2, ReclaimInterval: time.Millisecond,
	})
	ctx := context.Background()
	var wg sync.WaitGroup
	for worker := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := testKey(worker*1000 + i%50)
				switch i % 3 {
				case 0, 1:
					if _, err := store.Append(ctx, key, testValue(i), uint64(i+1)); err != nil &&
						!errors.Is(err, ErrStorageFull) {
						assert.NoError(t, err)
					}
				default:
					if _, _, err := store.Get(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
						assert.NoError(t, err)
					}
				}
			}
		}()
	}
	wg.Wait()
	stats := store.Stats()
	assert.Equal(t, stats.Regions,
		stats.FreeRegions+stats.ActiveRegions+stats.SealedRegions+stats.EvictableRegions)
	assert.GreaterOrEqual(t, stats.UsedBytes, int64(0))
}
