// Values are compressed per record. The record's flag byte names the codec actually used, which is not always the
// configured one: values that don't shrink are stored raw, so readers never assume the store-wide setting.

package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names a value codec.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// ParseCompression accepts "none", "zstd" or "lz4".
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", name)
}

var (
	zstdEncoderPool = sync.Pool{New: func() any {
		encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		return encoder
	}}
	zstdDecoderPool = sync.Pool{New: func() any {
		decoder, _ := zstd.NewReader(nil)
		return decoder
	}}
)

// compressValue returns the stored form of `value` and the codec that produced it.
func compressValue(codec Compression, value []byte) ([]byte, Compression, error) {
	if codec == CompressionNone || len(value) == 0 {
		return value, CompressionNone, nil
	}
	var compressed []byte
	switch codec {
	case CompressionZstd:
		encoder := zstdEncoderPool.Get().(*zstd.Encoder)
		compressed = encoder.EncodeAll(value, nil)
		zstdEncoderPool.Put(encoder)
	case CompressionLZ4:
		compressed = make([]byte, lz4.CompressBlockBound(len(value)))
		n, err := lz4.CompressBlock(value, compressed, nil)
		if err != nil {
			return nil, CompressionNone, fmt.Errorf("lz4 compression failed: %w", err)
		}
		compressed = compressed[:n] // n == 0 means incompressible.
	}
	if len(compressed) == 0 || len(compressed) >= len(value) {
		return value, CompressionNone, nil
	}
	return compressed, codec, nil
}

// decompressValue restores a value of `rawLen` bytes.
func decompressValue(codec Compression, stored []byte, rawLen int) ([]byte, error) {
	switch codec {
	case CompressionNone:
		if len(stored) != rawLen {
			return nil, fmt.Errorf("%w: raw length %d, stored %d", ErrCorrupted, rawLen, len(stored))
		}
		return stored, nil
	case CompressionZstd:
		decoder := zstdDecoderPool.Get().(*zstd.Decoder)
		defer zstdDecoderPool.Put(decoder)
		value, err := decoder.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if len(value) != rawLen {
			return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", ErrCorrupted, len(value), rawLen)
		}
		return value, nil
	case CompressionLZ4:
		value := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", ErrCorrupted, n, rawLen)
		}
		return value, nil
	}
	return nil, fmt.Errorf("%w: unknown compression flag %d", ErrCorrupted, codec)
}
