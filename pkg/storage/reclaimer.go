package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nobletooth/tiercache/pkg/metrics"
	"github.com/nobletooth/tiercache/pkg/utils"
)

// signalReclaim wakes the reclamation loop without blocking.
func (s *Store) signalReclaim() {
	select {
	case s.reclaimSignal <- struct{}{}:
	default:
	}
}

// needsReclaim reports whether the free list ran below the clean region threshold or too many regions are
// evictable.
func (s *Store) needsReclaim() bool {
	s.allocMux.Lock()
	defer s.allocMux.Unlock()
	if len(s.evictable) == 0 {
		return false
	}
	evictableRatio := float64(len(s.evictable)) / float64(len(s.regions))
	return len(s.free) < s.opts.CleanRegionThreshold || evictableRatio >= s.opts.ReclaimTriggerRatio
}

func (s *Store) reclaimLoop(ctx context.Context) {
	defer s.reclaimWG.Done()
	ticker := time.NewTicker(s.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reclaimSignal:
		case <-ticker.C:
		}
		for ctx.Err() == nil && s.needsReclaim() {
			if _, err := s.ReclaimTick(ctx); err != nil {
				s.logger.Error("Failed to reclaim region.", "err", err)
				break
			}
		}
	}
}

// ReclaimTick reclaims the region that became evictable first, if any. Live records are relocated into an active
// region when compaction is on and a reinsertion ticket is available, and dropped from the disk index otherwise.
func (s *Store) ReclaimTick(ctx context.Context) (bool /*reclaimed*/, error) {
	s.reclaimMux.Lock()
	defer s.reclaimMux.Unlock()

	s.allocMux.Lock()
	if len(s.evictable) == 0 {
		s.allocMux.Unlock()
		return false, nil
	}
	id := s.evictable[0]
	s.evictable = s.evictable[1:]
	s.allocMux.Unlock()

	start := time.Now()
	r := s.regions[id]
	r.mux.Lock()
	if r.state != regionEvictable {
		r.mux.Unlock()
		utils.RaiseInvariant("storage", "reclaim_state",
			"Evictable queue held a region in another state.", "region", id, "state", r.state)
		return false, nil
	}
	r.state = regionReclaiming
	generation := r.generation
	offsets := r.live.ToArray()
	r.mux.Unlock()

	if len(offsets) > 0 {
		image, err := s.readDevice(ctx, r.offset, int(s.regionSize))
		if err != nil {
			// Put the region back at the head of the queue; its records stay readable.
			r.mux.Lock()
			r.state = regionEvictable
			r.mux.Unlock()
			s.allocMux.Lock()
			s.evictable = append([]uint32{id}, s.evictable...)
			s.allocMux.Unlock()
			if errors.Is(err, ErrTimeout) {
				return false, err
			}
			return false, &StorageError{Op: "read", Region: id, Err: err}
		}
		s.evacuate(ctx, id, generation, image, offsets)
	}
	// Wipe the header so that recovery never resurrects this incarnation once the region is reused.
	if _, err := s.device.WriteAt(make([]byte, regionHeaderSize), r.offset); err != nil {
		s.logger.Warn("Failed to wipe the header of a reclaimed region.", "region", id, "err", err)
	} else if err := s.device.Sync(); err != nil {
		s.logger.Warn("Failed to sync the wiped header of a reclaimed region.", "region", id, "err", err)
	}

	r.mux.Lock()
	buffer, err := r.free()
	r.mux.Unlock()
	if err != nil {
		utils.RaiseInvariant("storage", "free_state", "Failed to free a reclaimed region.", "err", err)
		return false, err
	}
	s.pool.put(buffer)
	s.allocMux.Lock()
	s.free = append(s.free, id)
	s.allocMux.Unlock()

	s.reclaimed.Add(1)
	s.metrics.Add(metrics.RegionsReclaimed, 1)
	s.metrics.Observe(metrics.ReclaimLatency, time.Since(start).Seconds())
	s.reportGauges()
	s.logger.Debug("Reclaimed region.", "region", id, "live", len(offsets), "took", time.Since(start))
	return true, nil
}

// evacuate relocates or drops the live records of a region being reclaimed.
func (s *Store) evacuate(ctx context.Context, id uint32, generation uint64, image []byte, offsets []uint32) {
	for _, offset := range offsets {
		rec, n, err := decodeRecord(image[offset:])
		if err != nil {
			// Without the key there's no way to find the index entry, so drop everything pointing here.
			s.logger.Error("Found a corrupted live record while reclaiming.", "region", id, "offset", offset, "err", err)
			s.dropRegion(id, generation)
			return
		}
		loc := Location{Region: id, Offset: offset, Length: uint32(n), Generation: generation, Version: rec.version}
		if s.opts.Compaction && ctx.Err() == nil && s.opts.ReinsertTickets.TryAcquire() {
			if s.relocate(rec.key, image[offset:offset+uint32(n)], loc) {
				s.relocated.Add(1)
				s.metrics.Add(metrics.EntriesRelocated, 1)
				continue
			}
		}
		if s.index.removeIf(rec.key, loc) {
			s.usedBytes.Add(-int64(loc.Length))
			s.dropped.Add(1)
		}
	}
}

// relocate appends a copy of a live record and moves the index to it, unless the key changed in the meantime.
func (s *Store) relocate(key, encoded []byte, old Location) bool /*relocated*/ {
	_, err := s.write(key, encoded, old.Version, func(loc Location) bool {
		return s.index.compareAndSwap(key, old, loc)
	})
	if err != nil {
		return false
	}
	// The new copy took over the old one's bytes.
	s.usedBytes.Add(-int64(old.Length))
	return true
}

// dropRegion removes every index entry pointing into a region incarnation.
func (s *Store) dropRegion(id uint32, generation uint64) {
	for _, shard := range s.index.shards {
		shard.mux.Lock()
		for key, loc := range shard.locations {
			if loc.Region == id && loc.Generation == generation {
				delete(shard.locations, key)
				s.usedBytes.Add(-int64(loc.Length))
				s.dropped.Add(1)
			}
		}
		shard.mux.Unlock()
	}
}
