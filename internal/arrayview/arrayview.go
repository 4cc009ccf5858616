// Package arrayview implements a typed cursor over a fixed-capacity byte
// region: a packed, ordered array of fixed-size records with an external
// length counter. It never reallocates; capacity is fixed by the
// containing page. This is the one primitive every node view (leaf keys,
// leaf values, internal keys, internal children) is built from.
//
// Insert and Delete shift the trailing records over by one slot to open
// or close a gap; since every record is fixed-size, each shift is a
// single contiguous copy rather than a slot-by-slot walk.
package arrayview

import "github.com/NicolasDP/cowbtree/codec"

// Length is the external length counter an ArrayView reads and mutates.
// It is usually backed by the shared entry count stored in a node's page
// header: leaf keys and values share one counter, internal children use a
// derived counter one larger than the key counter (see node's childCount).
type Length interface {
	Get() int
	Set(n int)
}

// View is a packed array of T over buf, addressed [0, Cap()) but logically
// only [0, Len()) holding live data.
type View[T any] struct {
	buf    []byte
	length Length
	codec  codec.Codec[T]
}

// New builds a View over buf using length as its external length counter.
// buf's size must be a whole multiple of codec.Size(); the remainder past
// Len() is unused capacity reserved for future inserts.
func New[T any](buf []byte, length Length, c codec.Codec[T]) View[T] {
	return View[T]{buf: buf, length: length, codec: c}
}

// Len returns the number of live entries.
func (v View[T]) Len() int { return v.length.Get() }

// Cap returns the maximum number of entries the backing region can hold.
func (v View[T]) Cap() int {
	size := v.codec.Size()
	if size == 0 {
		return 0
	}
	return len(v.buf) / size
}

func (v View[T]) slot(i int) []byte {
	size := v.codec.Size()
	return v.buf[i*size : (i+1)*size]
}

// Get decodes the entry at position i.
func (v View[T]) Get(i int) T {
	return v.codec.Decode(v.slot(i))
}

// TryGet decodes the entry at i, or reports false if i is out of [0, Len()).
func (v View[T]) TryGet(i int) (T, bool) {
	var zero T
	if i < 0 || i >= v.Len() {
		return zero, false
	}
	return v.Get(i), true
}

// Set overwrites the entry at position i without changing the length.
func (v View[T]) Set(i int, val T) {
	v.codec.Encode(val, v.slot(i))
}

// Insert shifts entries [i, Len()) one slot to the right and writes val at
// i, growing the length by one. Callers must ensure Len() < Cap() first.
func (v View[T]) Insert(i int, val T) {
	n := v.Len()
	size := v.codec.Size()
	copy(v.buf[(i+1)*size:(n+1)*size], v.buf[i*size:n*size])
	v.length.Set(n + 1)
	v.Set(i, val)
}

// Delete shifts entries (i, Len()) one slot to the left, shrinking the
// length by one.
func (v View[T]) Delete(i int) {
	n := v.Len()
	size := v.codec.Size()
	copy(v.buf[i*size:(n-1)*size], v.buf[(i+1)*size:n*size])
	v.length.Set(n - 1)
}

// BinarySearch returns (pos, true) when key is found at pos, or
// (insertion position, false) when it is absent — the insertion position
// being where key would need to go to keep the array strictly ascending.
func (v View[T]) BinarySearch(key T) (int, bool) {
	lo, hi := 0, v.Len()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		switch c := v.codec.Compare(v.Get(mid), key); {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// CopyAllFrom overwrites this view's live entries with src's, growing or
// shrinking the length to match src.Len().
func (v View[T]) CopyAllFrom(src View[T]) {
	n := src.Len()
	v.length.Set(n)
	size := v.codec.Size()
	copy(v.buf[:n*size], src.buf[:n*size])
}

// AppendAllFrom copies src's live entries onto the tail of this view,
// after the entry currently at Len()-1.
func (v View[T]) AppendAllFrom(src View[T]) {
	base := v.Len()
	for i := 0; i < src.Len(); i++ {
		v.Insert(base+i, src.Get(i))
	}
}
