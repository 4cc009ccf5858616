// Package node interprets a page as either an internal node (keys + child
// page ids) or a leaf (keys + values). It exposes typed views over the raw
// bytes and the split/rebalance primitives the backtrack stacks drive.
//
// Layout: byte 0 is the tag (0x01 internal, 0x02 leaf), bytes [1:5] are
// a little-endian entry count shared by both arrays in the node,
// followed by the keys region and then the values-or-children region,
// each sized by the node's capacity rather than its current length.
// Fixed-size K and V mean every slot has a constant offset and no
// compaction pass is ever needed.
package node

import (
	"encoding/binary"
	"errors"

	"github.com/NicolasDP/cowbtree/internal/pageid"
)

// Tag discriminates a page's node kind.
type Tag byte

const (
	Internal Tag = 0x01
	Leaf     Tag = 0x02
)

// HeaderSize is the fixed 1-byte tag + 4-byte count header.
const HeaderSize = 5

var (
	// ErrCorruptedPage is returned when a page's tag isn't Internal or Leaf.
	ErrCorruptedPage = errors.New("cowbtree: corrupted page: unknown tag")
	// ErrInvariantViolation indicates an internal consistency check failed,
	// e.g. rebalance invoked on a node with no siblings at all.
	ErrInvariantViolation = errors.New("cowbtree: invariant violation")
)

// ReadTag reads and validates the tag byte of buf.
func ReadTag(buf []byte) (Tag, error) {
	t := Tag(buf[0])
	if t != Internal && t != Leaf {
		return 0, ErrCorruptedPage
	}
	return t, nil
}

// LeafCapacity returns floor((page_size-header)/(keySize+valSize)).
func LeafCapacity(pageSize, keySize, valSize int) int {
	avail := pageSize - HeaderSize
	if avail <= 0 {
		return 0
	}
	return avail / (keySize + valSize)
}

// InternalCapacity returns floor((page_size-header-4)/(keySize+4)); the
// extra 4 bytes reserved account for the children array needing one more
// slot than the keys array (L keys, L+1 children).
func InternalCapacity(pageSize, keySize int) int {
	avail := pageSize - HeaderSize - 4
	if avail <= 0 {
		return 0
	}
	return avail / (keySize + 4)
}

// pageCount is the shared entry-count counter stored in a node's header,
// implementing arrayview.Length.
type pageCount struct{ buf []byte }

func (c pageCount) Get() int { return int(binary.LittleEndian.Uint32(c.buf[1:5])) }
func (c pageCount) Set(n int) {
	binary.LittleEndian.PutUint32(c.buf[1:5], uint32(n))
}

// childCount derives the children-array length (keys length + 1) from the
// same shared counter, implementing arrayview.Length.
type childCount struct{ base pageCount }

func (c childCount) Get() int  { return c.base.Get() + 1 }
func (c childCount) Set(n int) { c.base.Set(n - 1) }

// pageIDCodec codes pageid.ID as a little-endian uint32; it satisfies
// codec.Codec[pageid.ID].
type pageIDCodec struct{}

func (pageIDCodec) Size() int { return 4 }
func (pageIDCodec) Encode(v pageid.ID, buf []byte) {
	binary.LittleEndian.PutUint32(buf, uint32(v))
}
func (pageIDCodec) Decode(buf []byte) pageid.ID {
	return pageid.ID(binary.LittleEndian.Uint32(buf))
}
func (pageIDCodec) Compare(a, b pageid.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// RebalanceKind enumerates the four possible outcomes of a rebalance:
// borrow from a sibling, or merge with one.
type RebalanceKind int

const (
	RebalanceTookFromLeft RebalanceKind = iota
	RebalanceTookFromRight
	RebalanceMergedIntoLeft
	RebalanceMergedIntoSelf
)

// RebalanceOutcome reports which of the four rebalance shapes occurred;
// the data movement (including the parent separator update, for the
// borrow cases) has already been applied by the time it's returned.
type RebalanceOutcome struct {
	Kind RebalanceKind
}
