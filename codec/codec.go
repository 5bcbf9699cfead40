// Package codec packs and unpacks the fixed-width little-endian integers
// CANopen SDO transfers require: signed/unsigned 8/16/32-bit values.
package codec

import (
	"encoding/binary"
	"fmt"
)

// RangeError reports an integer that doesn't fit the target codec width.
type RangeError struct {
	Width int
	Value int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("codec: value %d out of range for %d-bit width", e.Value, e.Width*8)
}

// U8 packs v into a single unsigned byte.
func U8(v int) ([]byte, error) {
	if v < 0 || v > 0xff {
		return nil, &RangeError{Width: 1, Value: int64(v)}
	}
	return []byte{byte(v)}, nil
}

// I8 packs v into a single signed byte.
func I8(v int) ([]byte, error) {
	if v < -0x80 || v > 0x7f {
		return nil, &RangeError{Width: 1, Value: int64(v)}
	}
	return []byte{byte(int8(v))}, nil
}

// U16 packs v into two little-endian bytes.
func U16(v int) ([]byte, error) {
	if v < 0 || v > 0xffff {
		return nil, &RangeError{Width: 2, Value: int64(v)}
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(v))
	return buf, nil
}

// I16 packs v into two little-endian bytes.
func I16(v int) ([]byte, error) {
	if v < -0x8000 || v > 0x7fff {
		return nil, &RangeError{Width: 2, Value: int64(v)}
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(int16(v)))
	return buf, nil
}

// U32 packs v into four little-endian bytes.
func U32(v int64) ([]byte, error) {
	if v < 0 || v > 0xffffffff {
		return nil, &RangeError{Width: 4, Value: v}
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf, nil
}

// I32 packs v into four little-endian bytes.
func I32(v int64) ([]byte, error) {
	if v < -0x80000000 || v > 0x7fffffff {
		return nil, &RangeError{Width: 4, Value: v}
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(v)))
	return buf, nil
}

// DecodeU8 is the inverse of U8.
func DecodeU8(b []byte) uint8 { return b[0] }

// DecodeI8 is the inverse of I8.
func DecodeI8(b []byte) int8 { return int8(b[0]) }

// DecodeU16 is the inverse of U16.
func DecodeU16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

// DecodeI16 is the inverse of I16.
func DecodeI16(b []byte) int16 { return int16(binary.LittleEndian.Uint16(b)) }

// DecodeU32 is the inverse of U32.
func DecodeU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// DecodeI32 is the inverse of I32.
func DecodeI32(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) }

// Width returns the number of bytes for a property named by CiA-402 bit
// width conventions used throughout the object dictionary: 8, 16 or 32.
func Width(bits int) (int, error) {
	switch bits {
	case 8:
		return 1, nil
	case 16:
		return 2, nil
	case 32:
		return 4, nil
	default:
		return 0, fmt.Errorf("codec: unsupported width %d bits", bits)
	}
}
