package hybrid

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig is a cache with a 4 region disk tier of 1 KiB regions, flushed and reclaimed only on demand.
func testConfig(memory int64) Config {
	return Config{
		MemoryCapacityBytes: memory,
		SketchCounters:      4096,
		SampleSize:          64,
		DiskCapacityBytes:   4 << 10,
		RegionSizeBytes:     1 << 10,
	}
}

func openTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// assertTierExclusive checks that no key is both resident in memory and indexed on disk.
func assertTierExclusive(t *testing.T, c *Cache, keys [][]byte) {
	t.Helper()
	for _, key := range keys {
		_, memoryTier, inMemory := c.engine.Peek(key)
		onDisk := c.disk.Contains(key)
		assert.False(t, inMemory && memoryTier == cache.TierMemory && onDisk, "key %s lives in both tiers", key)
	}
}

func TestOpen_MemoryOnly(t *testing.T) {
	c := openTestCache(t, Config{MemoryCapacityBytes: 100})
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, []byte("key"), []byte("value")))
	value, found, err := c.Get(ctx, []byte("key"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("value"), value)
	assert.False(t, c.Stats().DiskDegraded)
	assert.Zero(t, c.Stats().Disk.Regions)
}

func TestOpen_DegradesWhenTheDiskCannotOpen(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))
	cfg := testConfig(100)
	cfg.DiskPath = filepath.Join(blocker, "cache.bin")
	c := openTestCache(t, cfg)
	assert.True(t, c.Stats().DiskDegraded)

	ctx := context.Background()
	for i := range 10 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{'v'}, 13)))
	}
	stats := c.Stats()
	assert.LessOrEqual(t, stats.ResidentBytes, int64(100))
	assert.Zero(t, stats.Spills, "Memory-only caches drop their evictions")
	value, found, err := c.Get(ctx, []byte("k9"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, value, 13)
}

func TestCache_InsertValidation(t *testing.T) {
	c := openTestCache(t, Config{MemoryCapacityBytes: 100})
	ctx := context.Background()
	assert.ErrorIs(t, c.Insert(ctx, nil, []byte("v")), ErrEmptyKey)
	assert.ErrorIs(t, c.Insert(ctx, []byte("k"), make([]byte, 100)), ErrEntryTooLarge)
	_, _, err := c.Get(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.EqualValues(t, 100, c.MaxEntrySize())
}

func TestCache_RoundTrip(t *testing.T) {
	c := openTestCache(t, testConfig(1<<10))
	ctx := context.Background()
	for i := range 20 {
		key, value := []byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i))
		require.NoError(t, c.Insert(ctx, key, value))
		got, found, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, value, got)
	}

	// Overwrites win.
	require.NoError(t, c.Insert(ctx, []byte("key-0"), []byte("new")))
	got, _, err := c.Get(ctx, []byte("key-0"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)

	// Callers own what they get back.
	got[0] = 'X'
	got, _, err = c.Get(ctx, []byte("key-0"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)

	_, found, err := c.Get(ctx, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)
	stats := c.Stats()
	assert.EqualValues(t, 22, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
}

// Ten entries of 15 bytes go through 100 bytes of memory: the four oldest spill to disk and come back through
// promotion on their next lookup.
func TestCache_MemoryBudgetSpillAndPromotion(t *testing.T) {
	c := openTestCache(t, testConfig(100))
	ctx := context.Background()
	var keys [][]byte
	for i := range 10 {
		key := []byte(fmt.Sprintf("k%d", i))
		keys = append(keys, key)
		require.NoError(t, c.Insert(ctx, key, bytes.Repeat([]byte{byte('a' + i)}, 13)))
		assert.LessOrEqual(t, c.Stats().ResidentBytes, int64(100))
	}
	stats := c.Stats()
	assert.EqualValues(t, 90, stats.ResidentBytes)
	assert.EqualValues(t, 4, stats.Evictions)
	assert.EqualValues(t, 4, stats.Spills)
	assert.Equal(t, 4, stats.DiskEntries)
	for i := range 4 {
		assert.Equal(t, TierDisk, c.Tier(keys[i]), "k%d", i)
	}
	assertTierExclusive(t, c, keys)

	// First lookup misses memory and is served from disk, the second one hits memory.
	value, found, err := c.Get(ctx, keys[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bytes.Repeat([]byte{'a'}, 13), value)
	assert.Equal(t, TierMemory, c.Tier(keys[0]))
	assert.Equal(t, TierDisk, c.Tier(keys[4]), "Promotion evicted the least recently used entry")
	stats = c.Stats()
	assert.EqualValues(t, 1, stats.DiskHits)
	assert.EqualValues(t, 1, stats.Promotions)

	value, found, err = c.Get(ctx, keys[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bytes.Repeat([]byte{'a'}, 13), value)
	assert.EqualValues(t, 1, c.Stats().DiskHits, "The second lookup is a memory hit")

	for i := 1; i < 4; i++ {
		value, found, err := c.Get(ctx, keys[i])
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, 13), value)
		assert.LessOrEqual(t, c.Stats().ResidentBytes, int64(100))
	}
	assertTierExclusive(t, c, keys)
}

func TestCache_RemoveIsIdempotent(t *testing.T) {
	c := openTestCache(t, testConfig(100))
	ctx := context.Background()
	for i := range 8 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{'v'}, 13)))
	}
	// k0 was spilled, k7 is resident.
	for _, key := range []string{"k0", "k7"} {
		assert.True(t, c.Remove([]byte(key)), key)
		assert.False(t, c.Remove([]byte(key)), key)
		assert.Equal(t, TierNone, c.Tier([]byte(key)))
		_, found, err := c.Get(ctx, []byte(key))
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.False(t, c.Remove([]byte("never-inserted")))
}

func TestCache_InsertReplacesTheDiskCopy(t *testing.T) {
	c := openTestCache(t, testConfig(100))
	ctx := context.Background()
	for i := range 8 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{'v'}, 13)))
	}
	require.Equal(t, TierDisk, c.Tier([]byte("k0")))
	require.NoError(t, c.Insert(ctx, []byte("k0"), []byte("fresh")))
	assert.False(t, c.disk.Contains([]byte("k0")), "The stale disk copy must be gone")
	value, found, err := c.Get(ctx, []byte("k0"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("fresh"), value)
}

func TestCache_WithoutSpill(t *testing.T) {
	c := openTestCache(t, testConfig(100))
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, []byte("pinned"), bytes.Repeat([]byte{'p'}, 9), WithoutSpill()))
	for i := range 7 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{'v'}, 13)))
	}
	assert.Equal(t, TierNone, c.Tier([]byte("pinned")))
	_, found, err := c.Get(ctx, []byte("pinned"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, c.Stats().SpillsDropped, "Entries excluded from spilling are not failed spills")
}

func TestCache_CoalescedFetch(t *testing.T) {
	c := openTestCache(t, testConfig(1000))
	ctx := context.Background()
	cold := bytes.Repeat([]byte{'c'}, 100)
	require.NoError(t, c.Insert(ctx, []byte("cold"), cold))
	require.NoError(t, c.Insert(ctx, []byte("big"), make([]byte, 950)))
	require.Equal(t, TierDisk, c.Tier([]byte("cold")))
	require.True(t, c.Remove([]byte("big")))
	readsBefore := c.Stats().Disk.Reads

	const callers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			value, found, err := c.Get(ctx, []byte("cold"))
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, cold, value)
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, c.Stats().Disk.Reads-readsBefore, "Concurrent misses share a single disk read")
	assert.EqualValues(t, 1, c.Stats().Promotions)
	assert.Equal(t, TierMemory, c.Tier([]byte("cold")))
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

func TestCache_GetHonorsContext(t *testing.T) {
	gated := &gatedDevice{MemoryDevice: device.NewMemoryDevice(4 << 10), gate: make(chan struct{})}
	cfg := testConfig(100)
	cfg.Device = gated
	c := openTestCache(t, cfg)
	ctx := context.Background()
	for i := range 7 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{'v'}, 13)))
	}
	require.NoError(t, c.Flush(ctx))

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err := c.Get(timeoutCtx, []byte("k0"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, TierInFlight, c.Tier([]byte("k0")))

	// The shared read keeps going and lands the value in memory.
	close(gated.gate)
	assert.Eventually(t, func() bool { return c.Tier([]byte("k0")) == TierMemory }, time.Second, time.Millisecond)
}

// openGatedCache returns a cache whose k0 was spilled and flushed, so that reading it blocks until the gate closes.
func openGatedCache(t *testing.T) (*Cache, *gatedDevice) {
	t.Helper()
	gated := &gatedDevice{MemoryDevice: device.NewMemoryDevice(4 << 10), gate: make(chan struct{})}
	cfg := testConfig(100)
	cfg.Device = gated
	c := openTestCache(t, cfg)
	ctx := context.Background()
	for i := range 7 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{'v'}, 13)))
	}
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, TierDisk, c.Tier([]byte("k0")))
	return c, gated
}

type getResult struct {
	value []byte
	found bool
	err   error
}

// startGet runs a Get in the background and waits until its disk read is in flight.
func startGet(t *testing.T, c *Cache, key []byte) <-chan getResult {
	t.Helper()
	done := make(chan getResult, 1)
	go func() {
		value, found, err := c.Get(context.Background(), key)
		done <- getResult{value: value, found: found, err: err}
	}()
	require.Eventually(t, func() bool { return c.Tier(key) == TierInFlight }, time.Second, time.Millisecond)
	return done
}

func TestCache_RemoveDuringFetch(t *testing.T) {
	c, gated := openGatedCache(t)
	ctx := context.Background()
	key := []byte("k0")
	before := startGet(t, c, key)

	assert.True(t, c.Remove(key))
	assert.Equal(t, TierNone, c.Tier(key))
	// A lookup that starts after the removal must not wait for, nor share, the read of the removed value.
	_, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "A removed key must not be served to later lookups")

	close(gated.gate)
	result := <-before
	require.NoError(t, result.err)
	assert.True(t, result.found, "The lookup that overlapped the removal may see the old value")
	assert.Equal(t, bytes.Repeat([]byte{'v'}, 13), result.value)

	assert.Equal(t, TierNone, c.Tier(key), "The read of the removed value must not be promoted")
	assert.Zero(t, c.Stats().Promotions)
	_, found, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_InsertDuringFetch(t *testing.T) {
	c, gated := openGatedCache(t)
	ctx := context.Background()
	key := []byte("k0")
	before := startGet(t, c, key)

	require.NoError(t, c.Insert(ctx, key, []byte("fresh")))
	value, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("fresh"), value, "Lookups after a write must see it")

	close(gated.gate)
	result := <-before
	require.NoError(t, result.err)
	assert.True(t, result.found)
	assert.Equal(t, bytes.Repeat([]byte{'v'}, 13), result.value)

	assert.Equal(t, TierMemory, c.Tier(key))
	assert.False(t, c.disk.Contains(key), "The replaced disk copy must not come back")
	assert.Zero(t, c.Stats().Promotions, "The old value must not replace the new one")
	value, found, err = c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("fresh"), value)
}

func TestCache_LookupAfterWriteSkipsStaleFetch(t *testing.T) {
	c := openTestCache(t, testConfig(100))
	ctx := context.Background()
	key := []byte("k0")
	require.NoError(t, c.Insert(ctx, key, []byte("old")))
	stale := c.epochFor(key).Load()
	c.Remove(key)
	assert.Greater(t, c.epochFor(key).Load(), stale, "Removal marks fetches started before it as stale")

	// A fetch that began before the removal is still shared, as when a lookup joins it right before the removal
	// forgets it.
	release := make(chan struct{})
	c.fetches.DoChan(string(key), func() (any, error) {
		<-release
		return fetchResult{value: []byte("old"), found: true, epoch: stale}, nil
	})
	done := make(chan getResult, 1)
	go func() {
		value, found, err := c.Get(ctx, key)
		done <- getResult{value: value, found: found, err: err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	result := <-done
	require.NoError(t, result.err)
	assert.False(t, result.found, "The stale fetch must be retried, not returned")
	assert.Nil(t, result.value)
}

func TestCache_SpillBackpressure(t *testing.T) {
	cfg := testConfig(100)
	cfg.TicketInsertRateLimit = 1
	cfg.TicketInsertBurst = 1
	c := openTestCache(t, cfg)
	ctx := context.Background()
	start := time.Now()
	for i := range 16 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("k%02d", i)), bytes.Repeat([]byte{'v'}, 12)))
	}
	stats := c.Stats()
	assert.EqualValues(t, 10, stats.Evictions)
	if time.Since(start) < time.Second {
		assert.EqualValues(t, 1, stats.Spills)
		assert.EqualValues(t, 9, stats.SpillsDropped)
		assert.EqualValues(t, 9, stats.Disk.Backpressure)
	}
	assert.Equal(t, 4, stats.Disk.Regions)
}

func TestCache_SpillsFailWhenTheDiskIsFull(t *testing.T) {
	c := openTestCache(t, testConfig(300))
	ctx := context.Background()
	// Each insert evicts the previous entry; a region holds four of them.
	for i := range 18 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("key-%03d", i)), bytes.Repeat([]byte{'v'}, 200)))
	}
	stats := c.Stats()
	assert.EqualValues(t, 16, stats.Spills)
	assert.EqualValues(t, 1, stats.SpillsDropped)
	assert.EqualValues(t, 1, stats.Disk.StorageFull)
	assert.Equal(t, 0, stats.Disk.FreeRegions)

	// The memory tier keeps working.
	value, found, err := c.Get(ctx, []byte("key-017"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, value, 200)
	value, found, err = c.Get(ctx, []byte("key-003"))
	require.NoError(t, err)
	assert.True(t, found, "Spilled entries stay readable from disk")
	assert.Len(t, value, 200)
}

func TestCache_FlushFailure(t *testing.T) {
	fsys := device.NewFaultyFS(nil)
	dev, err := device.OpenFile(fsys, filepath.Join(t.TempDir(), "cache.bin"), 4<<10)
	require.NoError(t, err)
	cfg := testConfig(100)
	cfg.Device = dev
	c := openTestCache(t, cfg)
	ctx := context.Background()
	for i := range 8 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{'v'}, 13)))
	}

	fsys.SetFault("cache.bin", device.Fault{FailWrites: true})
	err = c.Flush(ctx)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "write", storageErr.Op)

	// Nothing in memory changed and the spilled entries are still served.
	value, found, err := c.Get(ctx, []byte("k0"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, value, 13)

	fsys.ClearFaults()
	assert.NoError(t, c.Flush(ctx))
}

func TestCache_Recovery(t *testing.T) {
	cfg := testConfig(100)
	cfg.DiskPath = filepath.Join(t.TempDir(), "cache.bin")
	cfg.Compression = "zstd"
	ctx := context.Background()

	c, err := Open(ctx, cfg)
	require.NoError(t, err)
	for i := range 10 {
		require.NoError(t, c.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{byte('a' + i)}, 13)))
	}
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Insert(ctx, []byte("k"), nil), ErrClosed)
	_, _, err = c.Get(ctx, []byte("k0"))
	assert.ErrorIs(t, err, ErrClosed)

	cfg.Recover = true
	reopened := openTestCache(t, cfg)
	assert.Equal(t, 4, reopened.Stats().DiskEntries, "Only spilled entries survive")
	for i := range 4 {
		value, found, err := reopened.Get(ctx, []byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		require.True(t, found, "k%d", i)
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, 13), value)
	}
	_, found, err := reopened.Get(ctx, []byte("k9"))
	require.NoError(t, err)
	assert.False(t, found, "Resident entries are not persisted")
	assert.EqualValues(t, 4, reopened.clock.Load(), "Versions continue after the recovered ones")
}

func TestCache_ConcurrentInvariants(t *testing.T) {
	for _, policy := range cache.Policies {
		t.Run(string(policy), func(t *testing.T) {
			cfg := testConfig(2 << 10)
			cfg.MemoryShards = 4
			cfg.EvictionPolicy = string(policy)
			cfg.DiskCapacityBytes = 16 << 10
			cfg.WriterShards = 2
			cfg.Reclaimers = 1
			cfg.Compaction = true
			cfg.ReclaimInterval = time.Millisecond
			c := openTestCache(t, cfg)
			ctx := context.Background()

			var keys [][]byte
			for i := range 64 {
				keys = append(keys, []byte(fmt.Sprintf("key-%02d", i)))
			}
			var wg sync.WaitGroup
			for worker := range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rng := rand.New(rand.NewPCG(uint64(worker), 7))
					for range 500 {
						key := keys[rng.IntN(len(keys))]
						switch op := rng.IntN(10); {
						case op < 5:
							_, _, err := c.Get(ctx, key)
							assert.NoError(t, err)
						case op < 9:
							value := bytes.Repeat([]byte{key[len(key)-1]}, 10+rng.IntN(100))
							assert.NoError(t, c.Insert(ctx, key, value))
						default:
							c.Remove(key)
						}
						assert.LessOrEqual(t, c.Stats().ResidentBytes, cfg.MemoryCapacityBytes)
					}
				}()
			}
			wg.Wait()

			assertTierExclusive(t, c, keys)
			for _, key := range keys {
				value, found, err := c.Get(ctx, key)
				require.NoError(t, err)
				if found {
					assert.Equal(t, bytes.Repeat([]byte{key[len(key)-1]}, len(value)), value)
				}
			}
		})
	}
}

func TestCache_TierOfInFlightSpill(t *testing.T) {
	c := openTestCache(t, testConfig(100))
	result, err := c.engine.Insert([]byte("k"), make([]byte, 99), 1, false /*noSpill*/, nil)
	require.NoError(t, err)
	require.True(t, result.Admitted)
	result, err = c.engine.Insert([]byte("j"), make([]byte, 99), 2, false /*noSpill*/, nil)
	require.NoError(t, err)
	require.Len(t, result.Spills, 1)
	assert.Equal(t, TierInFlight, c.Tier([]byte("k")), "An unpublished spill is still in flight")
	c.spill(context.Background(), result.Spills)
	assert.Equal(t, TierDisk, c.Tier([]byte("k")))
	assert.NoError(t, c.Flush(context.Background()))
}
