// This module implements a count-min frequency sketch with 4-bit saturating counters. The sketch approximates how
// often a key has been seen recently; admission and sampling policies compare estimates instead of exact counts.
// Aging halves every counter after a sample period of recorded accesses so the sketch tracks recent popularity.
// An optional bloom filter "doorkeeper" absorbs the first access of each key, keeping one-hit wonders out of the
// counters entirely.

package cache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	sketchDepth      = 4
	sketchMaxCount   = 15 // Counters saturate at the 4-bit maximum.
	minSketchCounter = 1 << 6
)

var sketchSeeds = [sketchDepth]uint64{0xc3a5c85c97cb3127, 0xb492b66fbe98f273, 0x9ae16a3b2f90404f, 0xcbf29ce484222325}

// FrequencySketch estimates access frequencies of key hashes. It's safe for concurrent use; counters are updated
// with atomic compare-and-swap so recording never takes a lock unless the doorkeeper is enabled.
type FrequencySketch struct {
	rows         [sketchDepth][]atomic.Uint32
	mask         uint64
	additions    atomic.Uint64
	samplePeriod uint64
	agingMux     sync.Mutex
	ages         atomic.Uint64

	doorMux sync.Mutex
	door    *bloom.BloomFilter // nil when the doorkeeper is disabled.
}

// SketchOptions controls the shape of a FrequencySketch.
type SketchOptions struct {
	Counters     int     // Counters per row; rounded up to a power of two.
	SampleFactor int     // Aging happens every SampleFactor * Counters recorded accesses.
	Doorkeeper   bool    // Enables the bloom filter doorkeeper.
	DoorkeeperFP float64 // Target false positive rate of the doorkeeper.
}

// NewFrequencySketch allocates a sketch once; its size never changes afterwards.
func NewFrequencySketch(opts SketchOptions) *FrequencySketch {
	width := nextPowerOfTwo(max(opts.Counters, minSketchCounter))
	sampleFactor := max(opts.SampleFactor, 1)
	s := &FrequencySketch{mask: uint64(width - 1), samplePeriod: uint64(width * sampleFactor)}
	for i := range s.rows {
		s.rows[i] = make([]atomic.Uint32, width)
	}
	if opts.Doorkeeper {
		fp := opts.DoorkeeperFP
		if fp <= 0 || fp >= 1 {
			fp = 0.01
		}
		s.door = bloom.NewWithEstimates(uint(width), fp)
	}
	return s
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// counterIndex derives the column of `row` for `keyHash`.
func (s *FrequencySketch) counterIndex(keyHash uint64, row int) uint64 {
	x := (keyHash ^ sketchSeeds[row]) * 0x9e3779b97f4a7c15
	x ^= x >> 31
	return x & s.mask
}

// Record counts one access of the key with the given hash.
func (s *FrequencySketch) Record(keyHash uint64) {
	if s.door != nil {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], keyHash)
		s.doorMux.Lock()
		seen := s.door.TestOrAdd(b[:])
		s.doorMux.Unlock()
		if !seen {
			s.countAddition()
			return
		}
	}
	for row := range sketchDepth {
		counter := &s.rows[row][s.counterIndex(keyHash, row)]
		for {
			current := counter.Load()
			if current >= sketchMaxCount || counter.CompareAndSwap(current, current+1) {
				break
			}
		}
	}
	s.countAddition()
}

func (s *FrequencySketch) countAddition() {
	if s.additions.Add(1) < s.samplePeriod {
		return
	}
	// A single goroutine ages the sketch; others keep recording into the current period.
	if s.agingMux.TryLock() {
		defer s.agingMux.Unlock()
		if s.additions.Load() >= s.samplePeriod {
			s.age()
		}
	}
}

// Estimate returns the approximate access count of a key, bounded to [0, 15].
func (s *FrequencySketch) Estimate(keyHash uint64) uint8 {
	estimate := uint32(sketchMaxCount)
	for row := range sketchDepth {
		estimate = min(estimate, s.rows[row][s.counterIndex(keyHash, row)].Load())
	}
	if s.door != nil {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], keyHash)
		s.doorMux.Lock()
		seen := s.door.Test(b[:])
		s.doorMux.Unlock()
		if seen {
			estimate++
		}
	}
	return uint8(min(estimate, sketchMaxCount))
}

// Age halves every counter and resets the doorkeeper.
func (s *FrequencySketch) Age() {
	s.agingMux.Lock()
	defer s.agingMux.Unlock()
	s.age()
}

func (s *FrequencySketch) age() {
	for row := range sketchDepth {
		for i := range s.rows[row] {
			counter := &s.rows[row][i]
			for {
				current := counter.Load()
				if counter.CompareAndSwap(current, current>>1) {
					break
				}
			}
		}
	}
	if s.door != nil {
		s.doorMux.Lock()
		s.door.ClearAll()
		s.doorMux.Unlock()
	}
	s.additions.Store(0)
	s.ages.Add(1)
}

// Ages returns how many times the sketch has been aged.
func (s *FrequencySketch) Ages() uint64 {
	return s.ages.Load()
}
