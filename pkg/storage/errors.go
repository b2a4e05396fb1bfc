package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is a normal result: the key has no live copy on disk.
	ErrNotFound = errors.New("key was not found")
	// ErrBackpressure means no ticket was available within the configured wait.
	ErrBackpressure = errors.New("disk tier is applying backpressure")
	// ErrStorageFull means no free region was available for rotation.
	ErrStorageFull = errors.New("no free region is available")
	// ErrTimeout means a disk read did not finish within its deadline.
	ErrTimeout = errors.New("disk operation timed out")
	// ErrCorrupted means on-media bytes failed validation.
	ErrCorrupted = errors.New("corrupted record")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")
	// ErrRecordTooLarge means a record can never fit in a region.
	ErrRecordTooLarge = errors.New("record is larger than a region")
)

// StorageError reports an I/O failure of a specific operation on a region.
type StorageError struct {
	Op     string // "read", "write", "sync" or "recover".
	Region uint32
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed on region %d: %v", e.Op, e.Region, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
