package cache

import "github.com/nobletooth/tiercache/pkg/utils"

// Handle addresses an entry slot inside a shard's arena. The zero Handle is never allocated.
type Handle uint32

const nilHandle Handle = 0

// listID names the policy list an entry currently belongs to.
type listID uint8

const (
	listNone listID = iota
	listMain        // recency and clock policies keep a single list.
	listWindow
	listProbation
	listProtected
)

// entry is the unit of caching. Besides the payload it carries the intrusive linkage of its eviction list.
type entry struct {
	key      string
	value    []byte
	hash     uint64 // xxhash of the key; shared by the index and the sketch.
	size     int64
	version  uint64
	accessed uint64 // Logical access tick of the shard; the sampling policy breaks ties with it.
	noSpill  bool

	prev, next Handle // Eviction list linkage.
	list       listID
	ref        bool  // Reference bit of the clock policy.
	slot       int32 // Position in the sampling policy's member slice.
	inUse      bool
}

// arena owns the entries of one shard. Pointers returned by `at` stay valid until the next `alloc`.
type arena struct {
	entries []entry // entries[0] is a sentinel so that nilHandle never addresses a live entry.
	free    []Handle
}

func newArena(capacityHint int) *arena {
	a := &arena{entries: make([]entry, 1, capacityHint+1)}
	return a
}

// alloc returns a handle to a zeroed, in-use slot.
func (a *arena) alloc() Handle {
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		a.entries[h] = entry{inUse: true}
		return h
	}
	a.entries = append(a.entries, entry{inUse: true})
	return Handle(len(a.entries) - 1)
}

// release returns the slot to the free list and drops its payload.
func (a *arena) release(h Handle) {
	e := a.at(h)
	if e == nil {
		return
	}
	*e = entry{}
	a.free = append(a.free, h)
}

// at returns the entry addressed by `h`, or nil for the nil handle.
func (a *arena) at(h Handle) *entry {
	if h == nilHandle {
		return nil
	}
	e := &a.entries[h]
	if !e.inUse {
		utils.RaiseInvariant("cache", "freed_handle", "Handle points at a freed arena slot.", "handle", h)
	}
	return e
}

// live returns the number of in-use slots.
func (a *arena) live() int {
	return len(a.entries) - 1 - len(a.free)
}
