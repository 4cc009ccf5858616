// Package codec declares the fixed-size codec contract that the B+tree is
// generic over. A type satisfying Codec[T] has a serialized size known up
// front and imposes a total order consistent with the decoded values.
// Uint64Codec encodes and decodes without heap allocation;
// FixedBytesCodec's Decode allocates the slice it returns.
//
// Go has no const generics, so the "compile-time-known size" of the
// original design becomes a size fixed per Codec value instead of per
// type: callers build one Codec and reuse it for the lifetime of a tree.
// Size must never change once a tree has been created with a given codec.
package codec

import "encoding/binary"

// Codec encodes and decodes a fixed-size value of type T and orders it.
type Codec[T any] interface {
	// Size is the number of bytes Encode writes and Decode reads. It must
	// be constant for the lifetime of a Codec value.
	Size() int

	// Encode writes v into buf, which is exactly Size() bytes long.
	Encode(v T, buf []byte)

	// Decode reads a value out of buf, which is exactly Size() bytes long.
	Decode(buf []byte) T

	// Compare returns <0, 0, >0 as a is less than, equal to, or greater
	// than b, consistent with the order Encode/Decode preserve.
	Compare(a, b T) int
}

// Uint64Codec encodes uint64 values big-endian, so that byte-wise and
// numeric ordering coincide. This is the key codec used throughout the
// end-to-end scenarios (page_size = 88, key = u64 big-endian).
type Uint64Codec struct{}

func (Uint64Codec) Size() int { return 8 }

func (Uint64Codec) Encode(v uint64, buf []byte) {
	binary.BigEndian.PutUint64(buf, v)
}

func (Uint64Codec) Decode(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}

func (Uint64Codec) Compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FixedBytesCodec codes a byte slice of a fixed length N, ordered
// lexicographically. It is the general-purpose codec for opaque
// fixed-size values whose shape isn't known until the tree is opened.
// Decode returns a freshly allocated copy of the bytes on every call.
type FixedBytesCodec struct {
	N int
}

func (c FixedBytesCodec) Size() int { return c.N }

func (c FixedBytesCodec) Encode(v []byte, buf []byte) {
	copy(buf, v)
}

func (c FixedBytesCodec) Decode(buf []byte) []byte {
	out := make([]byte, c.N)
	copy(out, buf)
	return out
}

func (c FixedBytesCodec) Compare(a, b []byte) int {
	for i := 0; i < c.N; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
