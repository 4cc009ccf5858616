// Package txn implements snapshot isolation over the page store: a
// single writer slot guarded by a mutex, unlimited concurrent readers
// each pinned to the root and version they saw at BeginRead, and a
// Checkpoint operation that syncs pages then atomically rewrites the
// metadata file.
package txn

import (
	"fmt"
	"sync"

	"github.com/NicolasDP/cowbtree/codec"
	"github.com/NicolasDP/cowbtree/cowbtreeutil"
	"github.com/NicolasDP/cowbtree/internal/backtrack"
	"github.com/NicolasDP/cowbtree/internal/node"
	"github.com/NicolasDP/cowbtree/internal/pageid"
	"github.com/NicolasDP/cowbtree/internal/pagemgr"
	"github.com/NicolasDP/cowbtree/internal/store"
)

// MetadataFile is the minimal surface txn needs from a control file;
// *os.File and cowbtreeutil's direct-I/O wrapper both satisfy it.
type MetadataFile interface {
	pagemgrWriterAt
	pagemgrReaderAt
	Sync() error
}

type pagemgrWriterAt interface {
	WriteAt(p []byte, off int64) (int, error)
}
type pagemgrReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Tree owns the page store, the page-id allocator, and the version
// bookkeeping that implements snapshot isolation for one open index.
type Tree[K, V any] struct {
	kc codec.Codec[K]
	vc codec.Codec[V]

	store *store.Store
	meta  MetadataFile

	writerMu sync.Mutex // serializes WriteTxn begin/commit (spec: single writer)

	stateMu     sync.Mutex
	root        pageid.ID
	version     uint64
	liveReaders map[uint64]int

	pagesMu sync.Mutex
	pages   *pagemgr.Manager
}

// Options configures a new or reopened Tree.
type Options struct {
	PageSize     uint32
	NodesPerPage uint32
}

const defaultNodesPerPage = 2000

// New creates a brand new tree: a single empty leaf as root, version 0.
func New[K, V any](backing store.Backing, meta MetadataFile, kc codec.Codec[K], vc codec.Codec[V], opts Options) (*Tree[K, V], error) {
	if opts.NodesPerPage == 0 {
		opts.NodesPerPage = defaultNodesPerPage
	}
	st, err := store.Open(backing, opts.PageSize, opts.NodesPerPage)
	if err != nil {
		return nil, fmt.Errorf("cowbtree: txn: open store: %w", err)
	}

	pages := pagemgr.NewManager(pageid.Null, nil)
	rootID := pages.Alloc()
	if err := st.EnsureCapacity(rootID); err != nil {
		return nil, err
	}
	buf, err := st.MutPage(rootID)
	if err != nil {
		return nil, err
	}
	node.InitLeaf(buf)

	t := &Tree[K, V]{
		kc:          kc,
		vc:          vc,
		store:       st,
		meta:        meta,
		root:        rootID,
		version:     0,
		liveReaders: make(map[uint64]int),
		pages:       pages,
	}
	if err := t.persistMetadata(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open reopens a tree from its persisted metadata.
func Open[K, V any](backing store.Backing, meta MetadataFile, kc codec.Codec[K], vc codec.Codec[V], opts Options) (*Tree[K, V], error) {
	if opts.NodesPerPage == 0 {
		opts.NodesPerPage = defaultNodesPerPage
	}
	m, err := pagemgr.ReadMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("cowbtree: txn: read metadata: %w", err)
	}
	st, err := store.Open(backing, opts.PageSize, opts.NodesPerPage)
	if err != nil {
		return nil, fmt.Errorf("cowbtree: txn: open store: %w", err)
	}
	if err := st.EnsureCapacity(m.NextPage); err != nil {
		return nil, err
	}

	pages := pagemgr.NewManager(m.NextPage, m.FreeList)
	return &Tree[K, V]{
		kc:          kc,
		vc:          vc,
		store:       st,
		meta:        meta,
		root:        m.Root,
		version:     0,
		liveReaders: make(map[uint64]int),
		pages:       pages,
	}, nil
}

func (t *Tree[K, V]) persistMetadata() error {
	t.pagesMu.Lock()
	snap := t.pages.Snapshot(t.root)
	t.pagesMu.Unlock()
	return snap.Write(t.meta)
}

// Close releases the store's memory mapping. It does not sync; call
// Checkpoint first if durability is required.
func (t *Tree[K, V]) Close() error { return t.store.Close() }

// Checkpoint flushes all dirty pages to durable storage and then
// atomically rewrites the metadata file with the current root and free
// list. It is the only operation that durably persists prior writes;
// without it, writes only live in the mmap'd page store.
func (t *Tree[K, V]) Checkpoint() error {
	t.writerMu.Lock()
	defer t.writerMu.Unlock()

	cowbtreeutil.Debugf("cowbtree: checkpoint: syncing page store")
	if err := t.store.SyncFile(); err != nil {
		return fmt.Errorf("cowbtree: txn: checkpoint sync: %w", err)
	}
	if err := t.persistMetadata(); err != nil {
		return fmt.Errorf("cowbtree: txn: checkpoint metadata: %w", err)
	}
	if err := t.meta.Sync(); err != nil {
		return fmt.Errorf("cowbtree: txn: checkpoint metadata sync: %w", err)
	}
	cowbtreeutil.Debugf("cowbtree: checkpoint: root=%v committed", t.root)
	return nil
}

// pin registers a reader at the tree's current root/version and returns
// both, guaranteeing that version's pages stay reachable until unpin.
func (t *Tree[K, V]) pin() (pageid.ID, uint64) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.liveReaders[t.version]++
	return t.root, t.version
}

func (t *Tree[K, V]) unpin(version uint64) {
	t.stateMu.Lock()
	t.liveReaders[version]--
	if t.liveReaders[version] == 0 {
		delete(t.liveReaders, version)
	}
	min := t.minLiveVersionLocked()
	t.stateMu.Unlock()

	cowbtreeutil.Debugf("cowbtree: reclaim: releasing pages superseded before version %d", min)
	t.pagesMu.Lock()
	t.pages.Reclaim(min)
	t.pagesMu.Unlock()
}

func (t *Tree[K, V]) minLiveVersionLocked() uint64 {
	min := t.version + 1
	for v := range t.liveReaders {
		if v < min {
			min = v
		}
	}
	return min
}

// storePageSource adapts Tree's store+pagemgr to backtrack.PageSource
// for the duration of one write transaction. allocated records every
// page id this transaction has handed out, across however many
// Insert/Delete calls it makes, so Rollback can return all of them
// without needing to walk the (discarded) tree.
type storePageSource[K, V any] struct {
	t         *Tree[K, V]
	version   uint64
	allocated *[]pageid.ID
}

func (s storePageSource[K, V]) ReadPage(id pageid.ID) ([]byte, error) {
	return s.t.store.GetPage(id)
}

func (s storePageSource[K, V]) AllocPage() (pageid.ID, []byte, error) {
	s.t.pagesMu.Lock()
	id := s.t.pages.Alloc()
	s.t.pagesMu.Unlock()
	*s.allocated = append(*s.allocated, id)

	if err := s.t.store.EnsureCapacity(id); err != nil {
		return pageid.Null, nil, err
	}
	buf, err := s.t.store.MutPage(id)
	if err != nil {
		return pageid.Null, nil, err
	}
	return id, buf, nil
}

func (s storePageSource[K, V]) FreePage(id pageid.ID) {
	s.t.pagesMu.Lock()
	s.t.pages.ScheduleReclamation(s.version, id)
	s.t.pagesMu.Unlock()
}

// FreeImmediately also drops id from allocated: Rollback returns every
// id still listed there, and a page must not reach the free list twice.
func (s storePageSource[K, V]) FreeImmediately(id pageid.ID) {
	for i, a := range *s.allocated {
		if a == id {
			*s.allocated = append((*s.allocated)[:i], (*s.allocated)[i+1:]...)
			break
		}
	}
	s.t.pagesMu.Lock()
	s.t.pages.FreeImmediately(id)
	s.t.pagesMu.Unlock()
}

// WriteTxn is the single writer slot: exactly one may be open at a
// time. It mutates shadow copies of every page it touches; the old
// root remains valid for any reader still pinned to the prior version
// until Commit publishes the new one.
type WriteTxn[K, V any] struct {
	t         *Tree[K, V]
	src       storePageSource[K, V]
	root      pageid.ID
	done      bool
	allocated []pageid.ID
}

// BeginWrite acquires the single writer slot, blocking until any other
// write transaction commits or rolls back.
func (t *Tree[K, V]) BeginWrite() *WriteTxn[K, V] {
	t.writerMu.Lock()
	t.stateMu.Lock()
	root := t.root
	version := t.version + 1
	t.stateMu.Unlock()
	w := &WriteTxn[K, V]{t: t, root: root}
	w.src = storePageSource[K, V]{t: t, version: version, allocated: &w.allocated}
	return w
}

// Insert adds key/val, failing with backtrack.ErrDuplicateKey if key is
// already present.
func (w *WriteTxn[K, V]) Insert(key K, val V) error {
	ib := backtrack.InsertBacktrack[K, V]{Src: w.src, KC: w.t.kc, VC: w.t.vc}
	newRoot, err := ib.Run(w.root, key, val)
	if err != nil {
		return err
	}
	w.root = newRoot
	return nil
}

// Delete removes key, reporting whether it was present.
func (w *WriteTxn[K, V]) Delete(key K) (bool, error) {
	db := backtrack.DeleteBacktrack[K, V]{Src: w.src, KC: w.t.kc, VC: w.t.vc}
	newRoot, found, err := db.Run(w.root, key)
	if err != nil {
		return false, err
	}
	w.root = newRoot
	return found, nil
}

// Commit publishes this transaction's root as the tree's current root
// and bumps the version counter, making the prior root's superseded
// pages eligible for reclamation once no reader is pinned to it.
func (w *WriteTxn[K, V]) Commit() error {
	if w.done {
		return fmt.Errorf("cowbtree: txn: write transaction already finished")
	}
	w.done = true
	defer w.t.writerMu.Unlock()

	w.t.stateMu.Lock()
	w.t.root = w.root
	w.t.version = w.src.version
	w.t.stateMu.Unlock()
	return nil
}

// Rollback discards every page this transaction allocated, without
// publishing a new root: the pages it shadow-copied out of are still
// exactly what the current committed root references, so those stay
// live, while every page it freshly allocated (shadow copies and splits
// alike) goes straight back to the free list.
func (w *WriteTxn[K, V]) Rollback() {
	if w.done {
		return
	}
	w.done = true
	defer w.t.writerMu.Unlock()

	w.t.pagesMu.Lock()
	for _, id := range w.allocated {
		w.t.pages.FreeImmediately(id)
	}
	w.t.pages.DiscardPendingVersion(w.src.version)
	w.t.pagesMu.Unlock()
}

// ReadTxn is a pinned, consistent snapshot: the root and version it saw
// at BeginRead remain valid for every operation performed through it,
// regardless of concurrent writers.
type ReadTxn[K, V any] struct {
	t       *Tree[K, V]
	root    pageid.ID
	version uint64
	closed  bool
}

// BeginRead pins the tree's current root and version for this reader.
func (t *Tree[K, V]) BeginRead() *ReadTxn[K, V] {
	root, version := t.pin()
	return &ReadTxn[K, V]{t: t, root: root, version: version}
}

// Close unpins this reader's version, allowing superseded pages it held
// open to be reclaimed once no other reader needs them either.
func (r *ReadTxn[K, V]) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.t.unpin(r.version)
}

// Lookup returns the value stored for key, if any.
func (r *ReadTxn[K, V]) Lookup(key K) (V, bool, error) {
	var zero V
	id := r.root
	for {
		buf, err := r.t.store.GetPage(id)
		if err != nil {
			return zero, false, err
		}
		tag, err := node.ReadTag(buf)
		if err != nil {
			return zero, false, err
		}
		if tag == node.Leaf {
			leaf := node.NewLeafView[K, V](buf, r.t.kc, r.t.vc)
			v, ok := leaf.Find(key)
			return v, ok, nil
		}
		internal := node.NewInternalView[K](buf, r.t.kc)
		id = internal.Child(internal.Route(key))
	}
}

// cursorFrame records one level of the descent stack a Cursor walks:
// the page id at that level and the child (internal) or entry (leaf)
// index the cursor is currently positioned at.
type cursorFrame struct {
	id  pageid.ID
	pos int
}

// Cursor walks entries in ascending key order over [lo, hi), half-open:
// lo is inclusive, hi is exclusive. There are no leaf sibling pointers
// in this page format (shadow-paging would have to update them on
// every split), so the cursor instead keeps the full root-to-leaf
// descent stack and climbs it to find each next subtree.
type Cursor[K, V any] struct {
	r        *ReadTxn[K, V]
	hi       K
	stack    []cursorFrame
	finished bool
}

// Range opens a cursor over [lo, hi). The returned cursor must be
// advanced with Next until it reports no more entries; it holds no
// separate pin beyond the ReadTxn it was opened from.
func (r *ReadTxn[K, V]) Range(lo, hi K) *Cursor[K, V] {
	c := &Cursor[K, V]{r: r, hi: hi}
	c.descendTo(r.root, lo)
	return c
}

// descendTo pushes the path from id down to the leaf that would contain
// key, positioning each frame's pos at the child/entry index taken.
func (c *Cursor[K, V]) descendTo(id pageid.ID, key K) {
	for {
		buf, err := c.r.t.store.GetPage(id)
		if err != nil {
			c.finished = true
			return
		}
		tag, err := node.ReadTag(buf)
		if err != nil {
			c.finished = true
			return
		}
		if tag == node.Leaf {
			leaf := node.NewLeafView[K, V](buf, c.r.t.kc, c.r.t.vc)
			pos, _ := leafBinarySearchFloor(leaf, c.r.t.kc, key)
			c.stack = append(c.stack, cursorFrame{id: id, pos: pos})
			return
		}
		internal := node.NewInternalView[K](buf, c.r.t.kc)
		pos := internal.Route(key)
		c.stack = append(c.stack, cursorFrame{id: id, pos: pos})
		id = internal.Child(pos)
	}
}

// leafBinarySearchFloor returns the index of the first entry >= key.
func leafBinarySearchFloor[K, V any](leaf node.LeafView[K, V], kc codec.Codec[K], key K) (int, bool) {
	lo, hi := 0, leaf.Len()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if kc.Compare(leaf.Key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < leaf.Len()
}

// Next returns the next entry in ascending order, or ok=false once the
// range is exhausted.
func (c *Cursor[K, V]) Next() (key K, val V, ok bool) {
	if c.finished || len(c.stack) == 0 {
		return key, val, false
	}

	top := len(c.stack) - 1
	leafID := c.stack[top].id
	buf, err := c.r.t.store.GetPage(leafID)
	if err != nil {
		c.finished = true
		return key, val, false
	}
	leaf := node.NewLeafView[K, V](buf, c.r.t.kc, c.r.t.vc)

	if c.stack[top].pos >= leaf.Len() {
		if !c.advanceToNextLeaf() {
			c.finished = true
			return key, val, false
		}
		return c.Next()
	}

	k := leaf.Key(c.stack[top].pos)
	if c.r.t.kc.Compare(k, c.hi) >= 0 {
		c.finished = true
		return key, val, false
	}
	v := leaf.Value(c.stack[top].pos)
	c.stack[top].pos++
	return k, v, true
}

// advanceToNextLeaf pops exhausted leaf/internal frames and descends
// into the next sibling subtree, leaving the stack positioned at the
// next leaf's first unread entry. It reports false when the traversal
// has no more subtrees to visit.
func (c *Cursor[K, V]) advanceToNextLeaf() bool {
	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		top := len(c.stack) - 1
		buf, err := c.r.t.store.GetPage(c.stack[top].id)
		if err != nil {
			return false
		}
		internal := node.NewInternalView[K](buf, c.r.t.kc)
		nextChildPos := c.stack[top].pos + 1
		if nextChildPos > internal.Len() {
			c.stack = c.stack[:top]
			continue
		}
		c.stack[top].pos = nextChildPos
		childID := internal.Child(nextChildPos)
		c.descendLeftmost(childID)
		return true
	}
	return false
}

// descendLeftmost pushes the leftmost path from id down to its leaf.
func (c *Cursor[K, V]) descendLeftmost(id pageid.ID) {
	for {
		buf, err := c.r.t.store.GetPage(id)
		if err != nil {
			c.finished = true
			return
		}
		tag, err := node.ReadTag(buf)
		if err != nil {
			c.finished = true
			return
		}
		if tag == node.Leaf {
			c.stack = append(c.stack, cursorFrame{id: id, pos: 0})
			return
		}
		internal := node.NewInternalView[K](buf, c.r.t.kc)
		c.stack = append(c.stack, cursorFrame{id: id, pos: 0})
		id = internal.Child(0)
	}
}
