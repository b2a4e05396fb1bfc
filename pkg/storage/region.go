package storage

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

type regionState uint8

const (
	regionFree regionState = iota
	regionActive
	regionSealed
	regionEvictable
	regionReclaiming
)

func (s regionState) String() string {
	switch s {
	case regionActive:
		return "active"
	case regionSealed:
		return "sealed"
	case regionEvictable:
		return "evictable"
	case regionReclaiming:
		return "reclaiming"
	default:
		return "free"
	}
}

// region is a fixed span of the device. Its state, buffer and live set are guarded by `mux`; `flushMux` serializes
// flush attempts so that a background flusher and an explicit Flush never write the same region twice.
type region struct {
	id     uint32
	offset int64 // Byte offset of the region on the device.

	mux        sync.RWMutex
	state      regionState
	generation uint64
	buffer     *[]byte // In-memory image while the region is Active or Sealed.
	cursor     int     // Next write offset within the region.
	count      uint32  // Records appended since rotation.
	live       *roaring.Bitmap

	flushMux sync.Mutex
}

func newRegion(id uint32, size int64) *region {
	return &region{id: id, offset: int64(id) * size, live: roaring.New()}
}

// activate prepares a free region for appends. Caller holds `mux`.
func (r *region) activate(generation uint64, buffer *[]byte) error {
	if r.state != regionFree {
		return fmt.Errorf("region %d cannot be activated from state %s", r.id, r.state)
	}
	r.state = regionActive
	r.generation = generation
	r.buffer = buffer
	r.count = 0
	r.live.Clear()
	putRegionHeader(*r.buffer, regionHeader{id: r.id, generation: generation})
	r.cursor = regionHeaderSize
	return nil
}

// fits reports whether a record of `n` bytes still leaves room for the sealing record. Caller holds `mux`.
func (r *region) fits(n int) bool {
	return r.cursor+n+sealRecordSize <= len(*r.buffer)
}

// append copies an encoded record into the region image and returns its offset. Caller holds `mux`.
func (r *region) append(encoded []byte) uint32 {
	offset := r.cursor
	r.cursor += copy((*r.buffer)[offset:], encoded)
	r.count++
	r.live.Add(uint32(offset))
	return uint32(offset)
}

// seal terminates the region image. Caller holds `mux`.
func (r *region) seal() error {
	if r.state != regionActive {
		return fmt.Errorf("region %d cannot be sealed from state %s", r.id, r.state)
	}
	image := *r.buffer
	putRegionHeader(image, regionHeader{id: r.id, generation: r.generation, count: r.count})
	putSealRecord(image, r.cursor, r.count)
	r.state = regionSealed
	return nil
}

// sealedLen is the number of bytes a flush has to write. Caller holds `mux`.
func (r *region) sealedLen() int {
	return r.cursor + sealRecordSize
}

// free makes a reclaimed region available again and returns its buffer, if any. Caller holds `mux`.
func (r *region) free() (*[]byte, error) {
	if r.state != regionReclaiming {
		return nil, fmt.Errorf("region %d cannot be freed from state %s", r.id, r.state)
	}
	buffer := r.buffer
	r.state = regionFree
	r.buffer = nil
	r.cursor = 0
	r.count = 0
	r.live.Clear()
	return buffer, nil
}
