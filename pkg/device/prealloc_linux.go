//go:build linux

package device

import (
	"errors"

	"golang.org/x/sys/unix"
)

// preallocate reserves `size` bytes for the file so that region flushes never hit ENOSPC half-way.
// File systems without fallocate support fall back to a sparse truncate.
func preallocate(file File, size int64) error {
	err := unix.Fallocate(int(file.Fd()), 0 /*mode*/, 0 /*offset*/, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return file.Truncate(size)
	}
	return err
}
