package storage

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Location addresses one record on the device. Generation pins the region incarnation the record was written to;
// a location whose generation no longer matches its region is stale.
type Location struct {
	Region     uint32
	Offset     uint32
	Length     uint32
	Generation uint64
	Version    uint64
}

// diskIndex maps keys to their on-disk location. It's split into 2^catalogBits shards, each with its own lock.
type diskIndex struct {
	shards []*indexShard
	shift  uint
}

type indexShard struct {
	mux       sync.RWMutex
	locations map[string]Location
}

func newDiskIndex(catalogBits uint) *diskIndex {
	index := &diskIndex{shards: make([]*indexShard, 1<<catalogBits), shift: 64 - catalogBits}
	for i := range index.shards {
		index.shards[i] = &indexShard{locations: make(map[string]Location)}
	}
	return index
}

func (d *diskIndex) shardFor(key []byte) *indexShard {
	if len(d.shards) == 1 {
		return d.shards[0]
	}
	return d.shards[xxhash.Sum64(key)>>d.shift]
}

func (d *diskIndex) get(key []byte) (Location, bool /*found*/) {
	shard := d.shardFor(key)
	shard.mux.RLock()
	defer shard.mux.RUnlock()
	loc, found := shard.locations[string(key)]
	return loc, found
}

// put maps `key` to `loc` and returns the location it replaced.
func (d *diskIndex) put(key []byte, loc Location) (Location, bool /*replaced*/) {
	shard := d.shardFor(key)
	shard.mux.Lock()
	defer shard.mux.Unlock()
	previous, replaced := shard.locations[string(key)]
	shard.locations[string(key)] = loc
	return previous, replaced
}

// compareAndSwap replaces the location of `key` only if it's still `old`.
func (d *diskIndex) compareAndSwap(key []byte, old, new Location) bool /*swapped*/ {
	shard := d.shardFor(key)
	shard.mux.Lock()
	defer shard.mux.Unlock()
	if current, found := shard.locations[string(key)]; !found || current != old {
		return false
	}
	shard.locations[string(key)] = new
	return true
}

// removeIf drops `key` only if it still maps to `loc`.
func (d *diskIndex) removeIf(key []byte, loc Location) bool /*removed*/ {
	shard := d.shardFor(key)
	shard.mux.Lock()
	defer shard.mux.Unlock()
	if current, found := shard.locations[string(key)]; !found || current != loc {
		return false
	}
	delete(shard.locations, string(key))
	return true
}

func (d *diskIndex) remove(key []byte) (Location, bool /*found*/) {
	shard := d.shardFor(key)
	shard.mux.Lock()
	defer shard.mux.Unlock()
	loc, found := shard.locations[string(key)]
	if found {
		delete(shard.locations, string(key))
	}
	return loc, found
}

func (d *diskIndex) len() int {
	total := 0
	for _, shard := range d.shards {
		shard.mux.RLock()
		total += len(shard.locations)
		shard.mux.RUnlock()
	}
	return total
}
