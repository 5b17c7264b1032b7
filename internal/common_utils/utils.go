package commonutils

import (
	"encoding/binary"
)

// AddressToUID packs a page number and an in-page offset into a uid:
// (pgno << 32) | offset.
func AddressToUID(pgno int, offset uint16) uint64 {
	return uint64(uint32(pgno))<<32 | uint64(offset)
}

// UIDToAddress is the inverse of AddressToUID.
func UIDToAddress(uid uint64) (pgno int, offset uint16) {
	return int(uint32(uid >> 32)), uint16(uid & 0xFFFF)
}

func PutUint64(buf []byte, v uint64) { binary.BigEndian.PutUint64(buf, v) }
func Uint64(buf []byte) uint64       { return binary.BigEndian.Uint64(buf) }
func PutUint32(buf []byte, v uint32) { binary.BigEndian.PutUint32(buf, v) }
func Uint32(buf []byte) uint32       { return binary.BigEndian.Uint32(buf) }
func PutUint16(buf []byte, v uint16) { binary.BigEndian.PutUint16(buf, v) }
func Uint16(buf []byte) uint16       { return binary.BigEndian.Uint16(buf) }

// Uint64Bytes returns v as 8 big-endian bytes.
func Uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Concat joins byte slices into one newly allocated slice.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
