// On-media layout of a region:
//
//	region header: magic u32 | region id u32 | generation u64 | record count u32 | header crc u32
//	record:        flags u8 | key length u16 | stored value length u32 | raw value length u32 | version u64 |
//	               key | stored value | crc u32 (over everything before it in the record)
//	sealing record: magic u32 | record count u32 | crc u32 (over every byte of the region before it)
//
// Integers are little endian and checksums are CRC-32C. A region without a valid sealing record was never flushed
// completely, so recovery ignores it.

package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	regionMagic       uint32 = 0x47524354 // "TCRG"
	sealMagic         uint32 = 0x4c535354 // "TSSL"
	regionHeaderSize         = 24
	recordHeaderSize         = 19
	recordTrailerSize        = 4
	recordOverhead           = recordHeaderSize + recordTrailerSize
	sealRecordSize           = 12
	// MinRegionSize fits a header, a record with a one byte key and the sealing record.
	MinRegionSize = regionHeaderSize + recordOverhead + 1 + sealRecordSize
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

type regionHeader struct {
	id         uint32
	generation uint64
	count      uint32
}

func putRegionHeader(dst []byte, header regionHeader) {
	binary.LittleEndian.PutUint32(dst[0:], regionMagic)
	binary.LittleEndian.PutUint32(dst[4:], header.id)
	binary.LittleEndian.PutUint64(dst[8:], header.generation)
	binary.LittleEndian.PutUint32(dst[16:], header.count)
	binary.LittleEndian.PutUint32(dst[20:], checksum(dst[:20]))
}

func parseRegionHeader(src []byte) (regionHeader, error) {
	if len(src) < regionHeaderSize {
		return regionHeader{}, fmt.Errorf("%w: short region header", ErrCorrupted)
	}
	if magic := binary.LittleEndian.Uint32(src[0:]); magic != regionMagic {
		return regionHeader{}, fmt.Errorf("%w: bad region magic %#x", ErrCorrupted, magic)
	}
	if binary.LittleEndian.Uint32(src[20:]) != checksum(src[:20]) {
		return regionHeader{}, fmt.Errorf("%w: region header checksum mismatch", ErrCorrupted)
	}
	return regionHeader{
		id:         binary.LittleEndian.Uint32(src[4:]),
		generation: binary.LittleEndian.Uint64(src[8:]),
		count:      binary.LittleEndian.Uint32(src[16:]),
	}, nil
}

// record is a decoded entry. `value` holds the stored (possibly compressed) bytes.
type record struct {
	codec   Compression
	key     []byte
	value   []byte
	rawLen  int
	version uint64
}

func (r *record) encodedLen() int {
	return recordOverhead + len(r.key) + len(r.value)
}

// encodeRecord serializes a record into a fresh slice.
func encodeRecord(r *record) ([]byte, error) {
	if len(r.key) == 0 || len(r.key) > math.MaxUint16 {
		return nil, fmt.Errorf("key length %d is out of range", len(r.key))
	}
	if len(r.value) > math.MaxUint32 || r.rawLen > math.MaxUint32 {
		return nil, fmt.Errorf("value length %d is out of range", r.rawLen)
	}
	dst := make([]byte, r.encodedLen())
	dst[0] = byte(r.codec)
	binary.LittleEndian.PutUint16(dst[1:], uint16(len(r.key)))
	binary.LittleEndian.PutUint32(dst[3:], uint32(len(r.value)))
	binary.LittleEndian.PutUint32(dst[7:], uint32(r.rawLen))
	binary.LittleEndian.PutUint64(dst[11:], r.version)
	n := recordHeaderSize
	n += copy(dst[n:], r.key)
	n += copy(dst[n:], r.value)
	binary.LittleEndian.PutUint32(dst[n:], checksum(dst[:n]))
	return dst, nil
}

// decodeRecord parses the record at the start of `src` and returns it with its encoded length. The returned
// record aliases `src`.
func decodeRecord(src []byte) (*record, int, error) {
	if len(src) < recordOverhead {
		return nil, 0, fmt.Errorf("%w: short record header", ErrCorrupted)
	}
	keyLen := int(binary.LittleEndian.Uint16(src[1:]))
	valueLen := int(binary.LittleEndian.Uint32(src[3:]))
	total := recordOverhead + keyLen + valueLen
	if keyLen == 0 || total > len(src) || total < recordOverhead {
		return nil, 0, fmt.Errorf("%w: record of %d bytes overflows %d bytes", ErrCorrupted, total, len(src))
	}
	body := total - recordTrailerSize
	if binary.LittleEndian.Uint32(src[body:]) != checksum(src[:body]) {
		return nil, 0, fmt.Errorf("%w: record checksum mismatch", ErrCorrupted)
	}
	return &record{
		codec:   Compression(src[0]),
		key:     src[recordHeaderSize : recordHeaderSize+keyLen],
		value:   src[recordHeaderSize+keyLen : body],
		rawLen:  int(binary.LittleEndian.Uint32(src[7:])),
		version: binary.LittleEndian.Uint64(src[11:]),
	}, total, nil
}

func isSealRecord(src []byte) bool {
	return len(src) >= sealRecordSize && binary.LittleEndian.Uint32(src) == sealMagic
}

// putSealRecord terminates a region whose used bytes are `region[:offset]`.
func putSealRecord(region []byte, offset int, count uint32) {
	dst := region[offset:]
	binary.LittleEndian.PutUint32(dst[0:], sealMagic)
	binary.LittleEndian.PutUint32(dst[4:], count)
	binary.LittleEndian.PutUint32(dst[8:], checksum(region[:offset+8]))
}

func verifySealRecord(region []byte, offset int, count uint32) error {
	if offset+sealRecordSize > len(region) || !isSealRecord(region[offset:]) {
		return fmt.Errorf("%w: missing sealing record", ErrCorrupted)
	}
	src := region[offset:]
	if sealed := binary.LittleEndian.Uint32(src[4:]); sealed != count {
		return fmt.Errorf("%w: sealing record counts %d records, found %d", ErrCorrupted, sealed, count)
	}
	if binary.LittleEndian.Uint32(src[8:]) != checksum(region[:offset+8]) {
		return fmt.Errorf("%w: sealing record checksum mismatch", ErrCorrupted)
	}
	return nil
}
