package node

import (
	"github.com/NicolasDP/cowbtree/codec"
	"github.com/NicolasDP/cowbtree/internal/arrayview"
)

// LeafView interprets a page's bytes as a leaf node: a shared count, L
// keys, and L values, packed back to back after the header.
type LeafView[K, V any] struct {
	buf  []byte
	kc   codec.Codec[K]
	vc   codec.Codec[V]
	keys arrayview.View[K]
	vals arrayview.View[V]
}

// InitLeaf stamps buf as an empty leaf: tag + zero count.
func InitLeaf(buf []byte) {
	buf[0] = byte(Leaf)
	for i := 1; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

// NewLeafView builds a LeafView over buf, which must already carry the
// Leaf tag (see InitLeaf). keySize and valSize come from the tree's
// Codec[K]/Codec[V].
func NewLeafView[K, V any](buf []byte, kc codec.Codec[K], vc codec.Codec[V]) LeafView[K, V] {
	count := pageCount{buf: buf}
	cap := LeafCapacity(len(buf), kc.Size(), vc.Size())
	keysBuf := buf[HeaderSize : HeaderSize+cap*kc.Size()]
	valsBuf := buf[HeaderSize+cap*kc.Size() : HeaderSize+cap*kc.Size()+cap*vc.Size()]
	return LeafView[K, V]{
		buf:  buf,
		kc:   kc,
		vc:   vc,
		keys: arrayview.New(keysBuf, count, kc),
		vals: arrayview.New(valsBuf, count, vc),
	}
}

// Len returns the number of live entries.
func (l LeafView[K, V]) Len() int { return l.keys.Len() }

// Cap returns the maximum number of entries the page can hold.
func (l LeafView[K, V]) Cap() int { return l.keys.Cap() }

// Key returns the key at position i.
func (l LeafView[K, V]) Key(i int) K { return l.keys.Get(i) }

// Value returns the value at position i.
func (l LeafView[K, V]) Value(i int) V { return l.vals.Get(i) }

// Find looks up key, returning its value and whether it was present.
func (l LeafView[K, V]) Find(key K) (V, bool) {
	pos, found := l.keys.BinarySearch(key)
	if !found {
		var zero V
		return zero, false
	}
	return l.vals.Get(pos), true
}

// LeafInsertKind enumerates the outcomes of LeafView.Insert.
type LeafInsertKind int

const (
	LeafInsertOK LeafInsertKind = iota
	LeafInsertDuplicate
	LeafInsertSplit
)

// LeafInsertOutcome is the result of attempting a leaf insert. When Kind
// is LeafInsertSplit, RightBuf holds the freshly split-off right sibling
// page and SplitKey always equals the right sibling's first key.
type LeafInsertOutcome[K any] struct {
	Kind     LeafInsertKind
	SplitKey K
	RightBuf []byte
}

// Insert inserts (key, val), splitting the page via allocate() if full.
// allocate must return a zeroed, page-sized buffer; Insert stamps it as a
// leaf itself.
func (l LeafView[K, V]) Insert(key K, val V, allocate func() []byte) LeafInsertOutcome[K] {
	pos, found := l.keys.BinarySearch(key)
	if found {
		return LeafInsertOutcome[K]{Kind: LeafInsertDuplicate}
	}
	if l.keys.Len() < l.keys.Cap() {
		l.keys.Insert(pos, key)
		l.vals.Insert(pos, val)
		return LeafInsertOutcome[K]{Kind: LeafInsertOK}
	}

	rightBuf := allocate()
	InitLeaf(rightBuf)
	right := NewLeafView[K, V](rightBuf, l.kc, l.vc)

	mid := l.keys.Len() / 2
	n := l.keys.Len()
	for i := mid; i < n; i++ {
		right.keys.Insert(right.keys.Len(), l.keys.Get(i))
		right.vals.Insert(right.vals.Len(), l.vals.Get(i))
	}
	for i := n - 1; i >= mid; i-- {
		l.keys.Delete(i)
		l.vals.Delete(i)
	}

	splitKey := right.keys.Get(0)
	if l.kc.Compare(key, splitKey) < 0 {
		p, _ := l.keys.BinarySearch(key)
		l.keys.Insert(p, key)
		l.vals.Insert(p, val)
	} else {
		p, _ := right.keys.BinarySearch(key)
		right.keys.Insert(p, key)
		right.vals.Insert(p, val)
	}

	return LeafInsertOutcome[K]{Kind: LeafInsertSplit, SplitKey: splitKey, RightBuf: rightBuf}
}

// LeafDeleteKind enumerates the outcomes of LeafView.Delete.
type LeafDeleteKind int

const (
	LeafDeleteOK LeafDeleteKind = iota
	LeafDeleteNotFound
	LeafDeleteNeedsRebalance
)

// LeafDeleteOutcome is the result of attempting a leaf delete.
type LeafDeleteOutcome struct {
	Kind LeafDeleteKind
}

// Delete removes key, reporting LeafDeleteNeedsRebalance when the
// resulting occupancy drops below ceil(capacity/2).
func (l LeafView[K, V]) Delete(key K) LeafDeleteOutcome {
	pos, found := l.keys.BinarySearch(key)
	if !found {
		return LeafDeleteOutcome{Kind: LeafDeleteNotFound}
	}
	l.keys.Delete(pos)
	l.vals.Delete(pos)
	min := (l.keys.Cap() + 1) / 2
	if l.keys.Len() < min {
		return LeafDeleteOutcome{Kind: LeafDeleteNeedsRebalance}
	}
	return LeafDeleteOutcome{Kind: LeafDeleteOK}
}

// Rebalance restores a leaf's minimum occupancy by borrowing a single
// entry from whichever sibling can spare one, or merging with one when
// neither can. The tie-break order is: borrow from left,
// then borrow from right, then merge into left, then merge into right —
// left is always preferred when a choice exists. leftAnchor/rightAnchor
// are the positions in parent's key array of the separators bordering
// self; a nil sibling means that side doesn't exist (self is the first
// or last child).
func (l LeafView[K, V]) Rebalance(parent InternalView[K], left, right *LeafView[K, V], leftAnchor, rightAnchor int) (RebalanceOutcome, error) {
	min := (l.keys.Cap() + 1) / 2

	if left != nil && left.keys.Len() > min {
		k := left.keys.Get(left.keys.Len() - 1)
		v := left.vals.Get(left.vals.Len() - 1)
		left.keys.Delete(left.keys.Len() - 1)
		left.vals.Delete(left.vals.Len() - 1)
		l.keys.Insert(0, k)
		l.vals.Insert(0, v)
		parent.keys.Set(leftAnchor, k)
		return RebalanceOutcome{Kind: RebalanceTookFromLeft}, nil
	}

	if right != nil && right.keys.Len() > min {
		k := right.keys.Get(0)
		v := right.vals.Get(0)
		right.keys.Delete(0)
		right.vals.Delete(0)
		l.keys.Insert(l.keys.Len(), k)
		l.vals.Insert(l.vals.Len(), v)
		parent.keys.Set(rightAnchor, right.keys.Get(0))
		return RebalanceOutcome{Kind: RebalanceTookFromRight}, nil
	}

	if left != nil {
		for i := 0; i < l.keys.Len(); i++ {
			left.keys.Insert(left.keys.Len(), l.keys.Get(i))
			left.vals.Insert(left.vals.Len(), l.vals.Get(i))
		}
		return RebalanceOutcome{Kind: RebalanceMergedIntoLeft}, nil
	}

	if right != nil {
		for i := 0; i < right.keys.Len(); i++ {
			l.keys.Insert(l.keys.Len(), right.keys.Get(i))
			l.vals.Insert(l.vals.Len(), right.vals.Get(i))
		}
		return RebalanceOutcome{Kind: RebalanceMergedIntoSelf}, nil
	}

	return RebalanceOutcome{}, ErrInvariantViolation
}
