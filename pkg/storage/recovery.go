package storage

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

type recoveredRecord struct {
	key []byte
	loc Location
}

type recoveredRegion struct {
	id         uint32
	generation uint64
	count      uint32
	cursor     int
	records    []recoveredRecord
}

// scanRegion validates a region image read from the device and lists its records.
func scanRegion(id uint32, image []byte) (*recoveredRegion, error) {
	header, err := parseRegionHeader(image)
	if err != nil {
		return nil, err
	}
	if header.id != id {
		return nil, fmt.Errorf("%w: region %d carries the header of region %d", ErrCorrupted, id, header.id)
	}
	scanned := &recoveredRegion{id: id, generation: header.generation, count: header.count}
	offset := regionHeaderSize
	for range header.count {
		if offset >= len(image) || isSealRecord(image[offset:]) {
			return nil, fmt.Errorf("%w: region ends before its %d records", ErrCorrupted, header.count)
		}
		rec, n, err := decodeRecord(image[offset:])
		if err != nil {
			return nil, err
		}
		scanned.records = append(scanned.records, recoveredRecord{
			key: bytes.Clone(rec.key),
			loc: Location{Region: id, Offset: uint32(offset), Length: uint32(n), Generation: header.generation,
				Version: rec.version},
		})
		offset += n
	}
	if err := verifySealRecord(image, offset, header.count); err != nil {
		return nil, err
	}
	scanned.cursor = offset
	return scanned, nil
}

// recover rebuilds the disk index from every sealed region on the device. Regions that don't validate are
// returned to the free list; their content is lost. When the same key shows up more than once, the highest version
// wins and equal versions resolve to the younger region.
func (s *Store) recover(ctx context.Context) error {
	scanned := make([]*recoveredRegion, len(s.regions))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(s.opts.RecoverConcurrency, 1))
	for i, r := range s.regions {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			image := make([]byte, s.regionSize)
			if _, err := s.device.ReadAt(image, r.offset); err != nil {
				return &StorageError{Op: "recover", Region: r.id, Err: err}
			}
			region, err := scanRegion(r.id, image)
			if err != nil {
				s.logger.Debug("Region holds no recoverable data.", "region", r.id, "reason", err)
				return nil
			}
			scanned[i] = region
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("failed to recover the disk tier: %w", err)
	}

	valid := slices.DeleteFunc(scanned, func(r *recoveredRegion) bool { return r == nil })
	slices.SortFunc(valid, func(a, b *recoveredRegion) int {
		switch {
		case a.generation < b.generation:
			return -1
		case a.generation > b.generation:
			return 1
		}
		return 0
	})

	var used int64
	recovered := make(map[uint32]bool, len(valid))
	for _, scannedRegion := range valid {
		r := s.regions[scannedRegion.id]
		r.state = regionEvictable
		r.generation = scannedRegion.generation
		r.count = scannedRegion.count
		r.cursor = scannedRegion.cursor
		recovered[r.id] = true
		s.evictable = append(s.evictable, r.id)
		s.generation.Store(max(s.generation.Load(), r.generation))

		for _, rec := range scannedRegion.records {
			s.maxVersion = max(s.maxVersion, rec.loc.Version)
			if previous, exists := s.index.get(rec.key); exists {
				if previous.Version > rec.loc.Version {
					continue
				}
				s.regions[previous.Region].live.Remove(previous.Offset)
				used -= int64(previous.Length)
			}
			s.index.put(rec.key, rec.loc)
			r.live.Add(rec.loc.Offset)
			used += int64(rec.loc.Length)
		}
	}
	for _, r := range s.regions {
		if !recovered[r.id] {
			s.free = append(s.free, r.id)
		}
	}
	s.usedBytes.Store(used)
	s.logger.Info("Recovered disk tier.", "regions", len(valid), "entries", s.index.len(),
		"maxVersion", s.maxVersion)
	return nil
}
