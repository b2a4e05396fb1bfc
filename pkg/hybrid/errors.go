package hybrid

import (
	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/storage"
)

var (
	ErrEntryTooLarge = cache.ErrEntryTooLarge
	ErrEmptyKey      = cache.ErrEmptyKey
	ErrNotFound      = storage.ErrNotFound
	ErrBackpressure  = storage.ErrBackpressure
	ErrStorageFull   = storage.ErrStorageFull
	ErrTimeout       = storage.ErrTimeout
	ErrCorrupted     = storage.ErrCorrupted
	ErrClosed        = storage.ErrClosed
)

// StorageError reports a disk I/O failure.
type StorageError = storage.StorageError

// Tier tells where a key currently lives.
type Tier = cache.Tier

const (
	TierNone     = cache.TierNone
	TierMemory   = cache.TierMemory
	TierDisk     = cache.TierDisk
	TierInFlight = cache.TierInFlight
)
