// Package backtrack drives a single root-to-leaf descent for insert and
// delete, shadow-copying every node it touches and fixing up parent
// child pointers on the way back up. There are no parent pointers
// anywhere in the page format; the backtrack stack built during descent
// stands in for them, walking down with an explicit stack instead of
// threading parent links through the page format.
package backtrack

import (
	"fmt"

	"github.com/NicolasDP/cowbtree/codec"
	"github.com/NicolasDP/cowbtree/internal/node"
	"github.com/NicolasDP/cowbtree/internal/pageid"
)

// PageSource is the slice of the transaction manager a backtrack needs:
// read pages, allocate fresh shadow copies, and release pages that are
// no longer reachable. FreePage schedules a page for reclamation once no
// reader can still be looking at the version it belonged to; FreeImmediately
// returns a page straight to the free list because nothing could ever
// have observed it (see the abort and merge-abandon paths below).
type PageSource interface {
	ReadPage(id pageid.ID) ([]byte, error)
	AllocPage() (pageid.ID, []byte, error)
	FreePage(id pageid.ID)
	FreeImmediately(id pageid.ID)
}

// frame records one internal-node level visited during descent: its
// shadow-copied id and buffer, and the index of the child we routed
// into (needed both to fix up the child pointer on the way back up and,
// for delete, to locate the separators bordering that child).
type frame[K any] struct {
	id       pageid.ID
	view     node.InternalView[K]
	childPos int
}

// ledger tracks every page a backtrack touches this transaction: pages
// it shadow-copied out of (now superseded, freed via FreePage once this
// transaction commits) and pages it freshly allocated (freed via
// FreeImmediately if the transaction aborts, or if a page it allocated
// turns out never to be linked into the tree at all, as happens when a
// merge discards a sibling it only shadow-copied to read).
type ledger struct {
	src        PageSource
	superseded []pageid.ID
	allocated  []pageid.ID
}

func (l *ledger) shadowCopy(id pageid.ID) (pageid.ID, []byte, error) {
	old, err := l.src.ReadPage(id)
	if err != nil {
		return pageid.Null, nil, err
	}
	newID, buf, err := l.src.AllocPage()
	if err != nil {
		return pageid.Null, nil, err
	}
	copy(buf, old)
	l.superseded = append(l.superseded, id)
	l.allocated = append(l.allocated, newID)
	return newID, buf, nil
}

func (l *ledger) alloc() (pageid.ID, []byte, error) {
	id, buf, err := l.src.AllocPage()
	if err != nil {
		return pageid.Null, nil, err
	}
	l.allocated = append(l.allocated, id)
	return id, buf, nil
}

// abandon marks a page this transaction allocated (directly or via
// shadowCopy) as turning out to be unused after all — e.g. a sibling
// shadow-copied to support a merge, once the merge folds its entries
// elsewhere and discards the copy itself.
func (l *ledger) abandon(id pageid.ID) {
	l.src.FreeImmediately(id)
}

// abort discards the whole transaction: every page it ever allocated
// was never linked into anything reachable, so all of them can be
// reused immediately.
func (l *ledger) abort() {
	for _, id := range l.allocated {
		l.src.FreeImmediately(id)
	}
}

// commit schedules every page this transaction shadow-copied out of for
// reclamation once no reader older than this version remains.
func (l *ledger) commit() {
	for _, id := range l.superseded {
		l.src.FreePage(id)
	}
}

// InsertBacktrack performs a single insert: descend to the target leaf
// shadow-copying every node on the path, insert there, and propagate
// any split back up, allocating a new root if the existing root splits.
type InsertBacktrack[K, V any] struct {
	Src PageSource
	KC  codec.Codec[K]
	VC  codec.Codec[V]
}

// ErrDuplicateKey is returned when the key being inserted already exists.
var ErrDuplicateKey = fmt.Errorf("cowbtree: key already exists")

// Run descends from root, inserts (key, val), and returns the new root
// id. On a duplicate key, every page this attempt touched is returned to
// the free list immediately and ErrDuplicateKey is returned with the
// original root id unchanged.
func (b InsertBacktrack[K, V]) Run(root pageid.ID, key K, val V) (pageid.ID, error) {
	l := &ledger{src: b.Src}
	var frames []frame[K]

	curID, curBuf, err := l.shadowCopy(root)
	if err != nil {
		return pageid.Null, err
	}

	tag, err := node.ReadTag(curBuf)
	if err != nil {
		return pageid.Null, err
	}

	for tag == node.Internal {
		view := node.NewInternalView[K](curBuf, b.KC)
		pos := view.Route(key)
		frames = append(frames, frame[K]{id: curID, view: view, childPos: pos})

		childID := view.Child(pos)
		curID, curBuf, err = l.shadowCopy(childID)
		if err != nil {
			return pageid.Null, err
		}

		tag, err = node.ReadTag(curBuf)
		if err != nil {
			return pageid.Null, err
		}
	}

	leaf := node.NewLeafView[K, V](curBuf, b.KC, b.VC)

	var rightID pageid.ID
	var allocErr error
	allocate := func() []byte {
		id, buf, err := l.alloc()
		if err != nil {
			allocErr = err
			return nil
		}
		rightID = id
		return buf
	}

	outcome := leaf.Insert(key, val, allocate)
	if allocErr != nil {
		return pageid.Null, allocErr
	}
	if outcome.Kind == node.LeafInsertDuplicate {
		l.abort()
		return root, ErrDuplicateKey
	}

	childID := curID // the leaf's (or root-as-leaf's) new shadow id
	havePendingSplit := outcome.Kind == node.LeafInsertSplit
	splitKey := outcome.SplitKey
	pendingRight := rightID

	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		f.view.SetChild(f.childPos, childID)

		if !havePendingSplit {
			childID = f.id
			continue
		}

		var newRight pageid.ID
		allocErr = nil
		allocateParent := func() []byte {
			id, buf, err := l.alloc()
			if err != nil {
				allocErr = err
				return nil
			}
			newRight = id
			return buf
		}
		out := f.view.InsertChild(splitKey, pendingRight, allocateParent)
		if allocErr != nil {
			return pageid.Null, allocErr
		}

		childID = f.id
		havePendingSplit = out.Kind == node.InternalInsertSplit
		if havePendingSplit {
			splitKey = out.SplitKey
			pendingRight = newRight
		}
	}

	if !havePendingSplit {
		l.commit()
		return childID, nil
	}

	// The root itself split (or the root-as-leaf split with no frames at
	// all): allocate a brand new root one level taller.
	newRootID, newRootBuf, err := l.alloc()
	if err != nil {
		return pageid.Null, err
	}
	node.InitInternal(newRootBuf)
	newRoot := node.NewInternalView[K](newRootBuf, b.KC)
	newRoot.InitRoot(childID, splitKey, pendingRight)
	l.commit()
	return newRootID, nil
}

// DeleteBacktrack performs a single delete: descend to the target leaf
// shadow-copying every node on the path, delete the key there, and
// rebalance back up as far as occupancy requires, lazily shadow-copying
// only the siblings a rebalance actually touches.
type DeleteBacktrack[K, V any] struct {
	Src PageSource
	KC  codec.Codec[K]
	VC  codec.Codec[V]
}

func (b DeleteBacktrack[K, V]) shadowSibling(l *ledger, id pageid.ID) (pageid.ID, []byte, error) {
	if !id.Valid() {
		return pageid.Null, nil, nil
	}
	return l.shadowCopy(id)
}

// Run descends from root and deletes key, returning the new root id and
// whether key was found. On a not-found key, every page this attempt
// touched is returned to the free list immediately and the original
// root id is returned unchanged.
func (b DeleteBacktrack[K, V]) Run(root pageid.ID, key K) (pageid.ID, bool, error) {
	l := &ledger{src: b.Src}
	var frames []frame[K]

	curID, curBuf, err := l.shadowCopy(root)
	if err != nil {
		return pageid.Null, false, err
	}

	tag, err := node.ReadTag(curBuf)
	if err != nil {
		return pageid.Null, false, err
	}

	for tag == node.Internal {
		view := node.NewInternalView[K](curBuf, b.KC)
		pos := view.Route(key)
		frames = append(frames, frame[K]{id: curID, view: view, childPos: pos})

		childID := view.Child(pos)
		curID, curBuf, err = l.shadowCopy(childID)
		if err != nil {
			return pageid.Null, false, err
		}

		tag, err = node.ReadTag(curBuf)
		if err != nil {
			return pageid.Null, false, err
		}
	}

	leaf := node.NewLeafView[K, V](curBuf, b.KC, b.VC)
	outcome := leaf.Delete(key)
	if outcome.Kind == node.LeafDeleteNotFound {
		l.abort()
		return root, false, nil
	}

	childID := curID
	needsFix := outcome.Kind == node.LeafDeleteNeedsRebalance
	bottomHandled := false

	if needsFix && len(frames) > 0 {
		bottomHandled = true
		f := frames[len(frames)-1]
		leftID, rightID := pageid.Null, pageid.Null
		if f.childPos > 0 {
			leftID = f.view.Child(f.childPos - 1)
		}
		if f.childPos < f.view.Len() {
			rightID = f.view.Child(f.childPos + 1)
		}

		leftNewID, leftBuf, err := b.shadowSibling(l, leftID)
		if err != nil {
			return pageid.Null, false, err
		}
		rightNewID, rightBuf, err := b.shadowSibling(l, rightID)
		if err != nil {
			return pageid.Null, false, err
		}

		var leftLeaf, rightLeaf *node.LeafView[K, V]
		if leftBuf != nil {
			v := node.NewLeafView[K, V](leftBuf, b.KC, b.VC)
			leftLeaf = &v
		}
		if rightBuf != nil {
			v := node.NewLeafView[K, V](rightBuf, b.KC, b.VC)
			rightLeaf = &v
		}

		out, err := leaf.Rebalance(f.view, leftLeaf, rightLeaf, f.childPos-1, f.childPos)
		if err != nil {
			return pageid.Null, false, err
		}

		switch out.Kind {
		case node.RebalanceTookFromLeft:
			f.view.SetChild(f.childPos-1, leftNewID)
			f.view.SetChild(f.childPos, childID)
			needsFix = false
		case node.RebalanceTookFromRight:
			f.view.SetChild(f.childPos, childID)
			f.view.SetChild(f.childPos+1, rightNewID)
			needsFix = false
		case node.RebalanceMergedIntoLeft:
			f.view.SetChild(f.childPos-1, leftNewID)
			needsFix = f.view.DeleteChild(f.childPos-1, f.childPos)
			l.abandon(childID)
			childID = leftNewID
		case node.RebalanceMergedIntoSelf:
			f.view.SetChild(f.childPos, childID)
			needsFix = f.view.DeleteChild(f.childPos, f.childPos+1)
			l.abandon(rightNewID)
		}
	}

	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if !(i == len(frames)-1 && bottomHandled) {
			f.view.SetChild(f.childPos, childID)
		}
		if !needsFix {
			childID = f.id
			continue
		}
		if i == 0 {
			// handled after the loop: possible root collapse.
			childID = f.id
			break
		}

		parent := frames[i-1]
		leftID, rightID := pageid.Null, pageid.Null
		if parent.childPos > 0 {
			leftID = parent.view.Child(parent.childPos - 1)
		}
		if parent.childPos < parent.view.Len() {
			rightID = parent.view.Child(parent.childPos + 1)
		}

		leftNewID, leftBuf, err := b.shadowSibling(l, leftID)
		if err != nil {
			return pageid.Null, false, err
		}
		rightNewID, rightBuf, err := b.shadowSibling(l, rightID)
		if err != nil {
			return pageid.Null, false, err
		}

		var leftView, rightView *node.InternalView[K]
		if leftBuf != nil {
			v := node.NewInternalView[K](leftBuf, b.KC)
			leftView = &v
		}
		if rightBuf != nil {
			v := node.NewInternalView[K](rightBuf, b.KC)
			rightView = &v
		}

		out, err := f.view.Rebalance(parent.view, leftView, rightView, parent.childPos-1, parent.childPos)
		if err != nil {
			return pageid.Null, false, err
		}

		switch out.Kind {
		case node.RebalanceTookFromLeft:
			parent.view.SetChild(parent.childPos-1, leftNewID)
			parent.view.SetChild(parent.childPos, f.id)
			needsFix = false
			childID = f.id
		case node.RebalanceTookFromRight:
			parent.view.SetChild(parent.childPos, f.id)
			parent.view.SetChild(parent.childPos+1, rightNewID)
			needsFix = false
			childID = f.id
		case node.RebalanceMergedIntoLeft:
			parent.view.SetChild(parent.childPos-1, leftNewID)
			needsFix = parent.view.DeleteChild(parent.childPos-1, parent.childPos)
			l.abandon(f.id)
			childID = leftNewID
		case node.RebalanceMergedIntoSelf:
			parent.view.SetChild(parent.childPos, f.id)
			needsFix = parent.view.DeleteChild(parent.childPos, parent.childPos+1)
			l.abandon(rightNewID)
			childID = f.id
		}
		// parent is processed again as frames[i-1] on the next loop
		// iteration with the correct childID already threaded through.
		frames[i-1] = parent
	}

	if len(frames) == 0 {
		l.commit()
		return childID, true, nil
	}

	root0 := frames[0].view
	if root0.Len() == 0 {
		// The root collapsed to a single child: the tree shrinks by one
		// level. The old root page is no longer reachable from any future
		// reader, but readers still pinned to the pre-delete version may
		// be using it, so it goes through the normal reclamation path
		// rather than FreeImmediately.
		l.superseded = append(l.superseded, frames[0].id)
		l.commit()
		return root0.Child(0), true, nil
	}

	l.commit()
	return frames[0].id, true, nil
}
