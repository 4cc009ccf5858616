package node

import (
	"github.com/NicolasDP/cowbtree/codec"
	"github.com/NicolasDP/cowbtree/internal/arrayview"
	"github.com/NicolasDP/cowbtree/internal/pageid"
)

// InternalView interprets a page's bytes as an internal node: a shared
// count of L, L keys, and L+1 child page ids.
type InternalView[K any] struct {
	buf      []byte
	kc       codec.Codec[K]
	keys     arrayview.View[K]
	children arrayview.View[pageid.ID]
}

// InitInternal stamps buf as an empty internal node: tag + zero count.
// An empty internal node is only valid transiently, immediately before
// its first child is set by the caller (a brand new root, see
// InitRoot and backtrack's InsertBacktrack.Run).
func InitInternal(buf []byte) {
	buf[0] = byte(Internal)
	for i := 1; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

// NewInternalView builds an InternalView over buf, which must already
// carry the Internal tag (see InitInternal).
func NewInternalView[K any](buf []byte, kc codec.Codec[K]) InternalView[K] {
	count := pageCount{buf: buf}
	kcap := InternalCapacity(len(buf), kc.Size())
	keysBuf := buf[HeaderSize : HeaderSize+kcap*kc.Size()]
	childrenBuf := buf[HeaderSize+kcap*kc.Size() : HeaderSize+kcap*kc.Size()+(kcap+1)*4]
	return InternalView[K]{
		buf:      buf,
		kc:       kc,
		keys:     arrayview.New(keysBuf, count, kc),
		children: arrayview.New(childrenBuf, childCount{base: count}, pageIDCodec{}),
	}
}

// Len returns the number of live keys (one fewer than the number of children).
func (n InternalView[K]) Len() int { return n.keys.Len() }

// Cap returns the maximum number of keys the page can hold.
func (n InternalView[K]) Cap() int { return n.keys.Cap() }

// Key returns the separator key at position i.
func (n InternalView[K]) Key(i int) K { return n.keys.Get(i) }

// Child returns the child page id at position i, 0 <= i <= Len().
func (n InternalView[K]) Child(i int) pageid.ID { return n.children.Get(i) }

// Route returns the index of the child to descend into for key: the
// first child whose subtree may contain key (children[i] holds keys
// < keys[i], the last child holds keys >= keys[Len()-1]).
func (n InternalView[K]) Route(key K) int {
	pos, found := n.keys.BinarySearch(key)
	if found {
		return pos + 1
	}
	return pos
}

// SetFirstChild initializes a freshly created internal node with its
// sole child. A root split does not use it; it goes through InitRoot.
func (n InternalView[K]) SetFirstChild(child pageid.ID) {
	n.children.Insert(0, child)
}

// SetChild overwrites the child pointer at position i, used to fix up a
// parent after the child below it was shadow-copied to a new id.
func (n InternalView[K]) SetChild(i int, child pageid.ID) {
	n.children.Set(i, child)
}

// InitRoot turns a freshly allocated, empty internal node into a new
// root with a single separator: leftChild, key, rightChild. This is the
// only place a brand new internal node is built from scratch rather
// than by splitting an existing one.
func (n InternalView[K]) InitRoot(leftChild pageid.ID, key K, rightChild pageid.ID) {
	n.children.Insert(0, leftChild)
	n.keys.Insert(0, key)
	n.children.Insert(1, rightChild)
}

// InternalInsertKind enumerates the outcomes of InternalView.InsertChild.
type InternalInsertKind int

const (
	InternalInsertOK InternalInsertKind = iota
	InternalInsertSplit
)

// InternalInsertOutcome is the result of inserting a promoted separator
// key and its right child into an internal node.
type InternalInsertOutcome[K any] struct {
	Kind     InternalInsertKind
	SplitKey K
	RightBuf []byte
}

// InsertChild inserts key as a new separator at the position that
// routes to rightChild, with rightChild becoming the child immediately
// after it. Used when a child below self just split and promoted key
// upward. Splits self via allocate() if full.
func (n InternalView[K]) InsertChild(key K, rightChild pageid.ID, allocate func() []byte) InternalInsertOutcome[K] {
	pos, _ := n.keys.BinarySearch(key)

	if n.keys.Len() < n.keys.Cap() {
		n.keys.Insert(pos, key)
		n.children.Insert(pos+1, rightChild)
		return InternalInsertOutcome[K]{Kind: InternalInsertOK}
	}

	rightBuf := allocate()
	InitInternal(rightBuf)
	right := NewInternalView[K](rightBuf, n.kc)

	mid := n.keys.Len() / 2
	promoted := n.keys.Get(mid)

	nk := n.keys.Len()
	for i := mid + 1; i < nk; i++ {
		right.keys.Insert(right.keys.Len(), n.keys.Get(i))
	}
	for i := mid + 1; i < n.children.Len(); i++ {
		right.children.Insert(right.children.Len(), n.children.Get(i))
	}
	for i := nk - 1; i >= mid; i-- {
		n.keys.Delete(i)
	}
	for i := n.children.Len() - 1; i >= mid+1; i-- {
		n.children.Delete(i)
	}

	if n.kc.Compare(key, promoted) < 0 {
		p, _ := n.keys.BinarySearch(key)
		n.keys.Insert(p, key)
		n.children.Insert(p+1, rightChild)
	} else {
		p, _ := right.keys.BinarySearch(key)
		right.keys.Insert(p, key)
		right.children.Insert(p+1, rightChild)
	}

	return InternalInsertOutcome[K]{Kind: InternalInsertSplit, SplitKey: promoted, RightBuf: rightBuf}
}

// DeleteChild removes the key/child pair at separator position pos and
// its child at childPos (childPos is pos or pos+1, whichever subtree
// collapsed). It reports whether the node dropped below minimum
// occupancy afterward.
func (n InternalView[K]) DeleteChild(pos, childPos int) bool {
	n.keys.Delete(pos)
	n.children.Delete(childPos)
	min := (n.keys.Cap() + 1) / 2
	return n.keys.Len() < min
}

// Rebalance restores an internal node's minimum occupancy the same way
// LeafView.Rebalance does, but rotating through the parent separator as
// classic B-tree internal-node borrow/merge requires: borrowing pulls
// the parent's separator down as self's new edge key and promotes the
// sibling's edge key up to the parent; merging folds the parent
// separator back in between the two key arrays.
func (n InternalView[K]) Rebalance(parent InternalView[K], left, right *InternalView[K], leftAnchor, rightAnchor int) (RebalanceOutcome, error) {
	min := (n.keys.Cap() + 1) / 2

	if left != nil && left.keys.Len() > min {
		sep := parent.keys.Get(leftAnchor)
		promoted := left.keys.Get(left.keys.Len() - 1)
		movedChild := left.children.Get(left.children.Len() - 1)
		left.keys.Delete(left.keys.Len() - 1)
		left.children.Delete(left.children.Len() - 1)
		n.keys.Insert(0, sep)
		n.children.Insert(0, movedChild)
		parent.keys.Set(leftAnchor, promoted)
		return RebalanceOutcome{Kind: RebalanceTookFromLeft}, nil
	}

	if right != nil && right.keys.Len() > min {
		sep := parent.keys.Get(rightAnchor)
		promoted := right.keys.Get(0)
		movedChild := right.children.Get(0)
		right.keys.Delete(0)
		right.children.Delete(0)
		n.keys.Insert(n.keys.Len(), sep)
		n.children.Insert(n.children.Len(), movedChild)
		parent.keys.Set(rightAnchor, promoted)
		return RebalanceOutcome{Kind: RebalanceTookFromRight}, nil
	}

	if left != nil {
		sep := parent.keys.Get(leftAnchor)
		left.keys.Insert(left.keys.Len(), sep)
		for i := 0; i < n.keys.Len(); i++ {
			left.keys.Insert(left.keys.Len(), n.keys.Get(i))
		}
		for i := 0; i < n.children.Len(); i++ {
			left.children.Insert(left.children.Len(), n.children.Get(i))
		}
		return RebalanceOutcome{Kind: RebalanceMergedIntoLeft}, nil
	}

	if right != nil {
		sep := parent.keys.Get(rightAnchor)
		n.keys.Insert(n.keys.Len(), sep)
		for i := 0; i < right.keys.Len(); i++ {
			n.keys.Insert(n.keys.Len(), right.keys.Get(i))
		}
		for i := 0; i < right.children.Len(); i++ {
			n.children.Insert(n.children.Len(), right.children.Get(i))
		}
		return RebalanceOutcome{Kind: RebalanceMergedIntoSelf}, nil
	}

	return RebalanceOutcome{}, ErrInvariantViolation
}
