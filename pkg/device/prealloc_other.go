//go:build !linux

package device

// preallocate extends the file to `size` bytes; the file may stay sparse on this platform.
func preallocate(file File, size int64) error {
	return file.Truncate(size)
}
