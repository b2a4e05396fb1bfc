package storage

import (
	"context"

	"github.com/nobletooth/tiercache/pkg/metrics"
)

// flushLoop drains the sealed-region queue until the store closes it.
func (s *Store) flushLoop() {
	defer s.flushWG.Done()
	for r := range s.flushQueue {
		if err := s.flushRegion(context.Background(), r); err != nil {
			// The region stays sealed; the next Flush retries it.
			s.logger.Error("Failed to flush region.", "region", r.id, "err", err)
		}
	}
}

// flushRegion durably writes a sealed region and makes it evictable. Regions in any other state were already
// handled by a concurrent flush and are skipped.
func (s *Store) flushRegion(ctx context.Context, r *region) error {
	r.flushMux.Lock()
	defer r.flushMux.Unlock()

	r.mux.RLock()
	if r.state != regionSealed {
		r.mux.RUnlock()
		return nil
	}
	// A sealed image is immutable, so it can be written without holding the region lock.
	image := (*r.buffer)[:r.sealedLen()]
	generation := r.generation
	r.mux.RUnlock()

	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	_, err := s.device.WriteAt(image, r.offset)
	op := "write"
	if err == nil {
		op = "sync"
		err = s.device.Sync()
	}
	s.writeSem.Release(1)
	if err != nil {
		s.flushErrors.Add(1)
		s.metrics.Add(metrics.FlushErrors, 1)
		return &StorageError{Op: op, Region: r.id, Err: err}
	}

	r.mux.Lock()
	if r.state != regionSealed || r.generation != generation {
		r.mux.Unlock()
		return nil
	}
	buffer := r.buffer
	r.buffer = nil
	r.state = regionEvictable
	r.mux.Unlock()
	s.pool.put(buffer)

	s.allocMux.Lock()
	s.evictable = append(s.evictable, r.id)
	s.allocMux.Unlock()
	s.flushed.Add(1)
	s.logger.Debug("Flushed region.", "region", r.id, "bytes", len(image))
	s.signalReclaim()
	return nil
}
