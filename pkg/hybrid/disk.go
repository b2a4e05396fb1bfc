// The disk tier is reached through an interface so that a cache without one, or whose device could not be opened,
// keeps the same code path as a cache with a real region store.

package hybrid

import (
	"context"

	"github.com/nobletooth/tiercache/pkg/storage"
)

// diskTier is the part of the region store the cache uses.
type diskTier interface {
	Contains(key []byte) bool
	// Get returns the value and the exact location it was read from.
	Get(ctx context.Context, key []byte) ([]byte, storage.Location, error)
	AcquireTicket(ctx context.Context) error
	Encode(key, value []byte, version uint64) (*storage.Encoded, error)
	Commit(encoded *storage.Encoded) (storage.Location, error)
	RemoveIf(key []byte, loc storage.Location) bool
	Remove(key []byte) bool
	Flush(ctx context.Context) error
	Stats() storage.Stats
	MaxEntrySize() int64
	RecoveredVersion() uint64
	Close() error
}

var _ diskTier = (*storage.Store)(nil)

// noopDisk is a disk tier that doesn't store anything.
// It is used when the disk tier is disabled or failed to open.
type noopDisk struct{} // Implements diskTier.

var _ diskTier = noopDisk{}

// Contains always returns false, as nothing is stored.
func (noopDisk) Contains([]byte) bool { return false }

// Get always misses.
func (noopDisk) Get(context.Context, []byte) ([]byte, storage.Location, error) {
	return nil, storage.Location{}, storage.ErrNotFound
}

// AcquireTicket always fails; there is no room to spill into.
func (noopDisk) AcquireTicket(context.Context) error { return storage.ErrStorageFull }

func (noopDisk) Encode([]byte, []byte, uint64) (*storage.Encoded, error) {
	return nil, storage.ErrStorageFull
}

func (noopDisk) Commit(*storage.Encoded) (storage.Location, error) {
	return storage.Location{}, storage.ErrStorageFull
}

func (noopDisk) RemoveIf([]byte, storage.Location) bool { return false }
func (noopDisk) Remove([]byte) bool                     { return false }
func (noopDisk) Flush(context.Context) error            { return nil }
func (noopDisk) Stats() storage.Stats                   { return storage.Stats{} }
func (noopDisk) MaxEntrySize() int64                    { return 0 }
func (noopDisk) RecoveredVersion() uint64               { return 0 }
func (noopDisk) Close() error                           { return nil }
