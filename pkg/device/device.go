package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrOutOfRange is returned for accesses beyond the device capacity.
var ErrOutOfRange = errors.New("access out of device range")

// Device is a fixed-size byte-addressable store.
type Device interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Sync makes all completed writes durable.
	Sync() error
	// Size returns the capacity of the device in bytes.
	Size() int64
}

// checkRange validates that [off, off+n) lies within a device of `size` bytes.
func checkRange(off int64, n int, size int64) error {
	if off < 0 || off+int64(n) > size {
		return fmt.Errorf("%w: offset %d length %d size %d", ErrOutOfRange, off, n, size)
	}
	return nil
}

// FileDevice is a Device backed by a single preallocated file.
type FileDevice struct { // Implements Device.
	file File
	path string
	size int64
}

var _ Device = (*FileDevice)(nil)

// OpenFile opens (or creates) the cache file at `path` with `size` bytes of capacity.
// An existing file keeps its content so that the disk tier can be recovered.
func OpenFile(fsys FileSystem, path string, size int64) (*FileDevice, error) {
	if size <= 0 {
		return nil, fmt.Errorf("expected a positive device size, got %d", size)
	}
	if fsys == nil {
		fsys = DefaultFS
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create device directory: %w", err)
	}
	file, err := fsys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat device file %s: %w", path, err)
	}
	if info.Size() < size {
		if err := preallocate(file, size); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to preallocate device file %s: %w", path, err)
		}
	}
	slog.Debug("Opened file device.", "path", path, "size", size)
	return &FileDevice{file: file, path: path, size: size}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), d.size); err != nil {
		return 0, err
	}
	return d.file.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), d.size); err != nil {
		return 0, err
	}
	return d.file.WriteAt(p, off)
}

func (d *FileDevice) Sync() error { return d.file.Sync() }
func (d *FileDevice) Size() int64 { return d.size }

// Path returns the backing file path.
func (d *FileDevice) Path() string { return d.path }

func (d *FileDevice) Close() error {
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("failed to close device file %s: %w", d.path, err)
	}
	return nil
}

// MemoryDevice is a Device held entirely in memory; writes are "durable" as soon as they return.
type MemoryDevice struct { // Implements Device.
	mux    sync.RWMutex
	data   []byte
	syncs  int
	closed bool
}

var _ Device = (*MemoryDevice)(nil)

// NewMemoryDevice allocates a zeroed in-memory device of `size` bytes.
func NewMemoryDevice(size int64) *MemoryDevice {
	return &MemoryDevice{data: make([]byte, size)}
}

func (d *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mux.RLock()
	defer d.mux.RUnlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	if err := checkRange(off, len(p), int64(len(d.data))); err != nil {
		return 0, err
	}
	return copy(p, d.data[off:]), nil
}

func (d *MemoryDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	if err := checkRange(off, len(p), int64(len(d.data))); err != nil {
		return 0, err
	}
	return copy(d.data[off:], p), nil
}

func (d *MemoryDevice) Sync() error {
	d.mux.Lock()
	defer d.mux.Unlock()
	if d.closed {
		return os.ErrClosed
	}
	d.syncs++
	return nil
}

// Syncs returns the number of Sync calls so far.
func (d *MemoryDevice) Syncs() int {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.syncs
}

func (d *MemoryDevice) Size() int64 { return int64(len(d.data)) }

func (d *MemoryDevice) Close() error {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.closed = true
	return nil
}
