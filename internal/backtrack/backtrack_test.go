package backtrack_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasDP/cowbtree/codec"
	"github.com/NicolasDP/cowbtree/internal/backtrack"
	"github.com/NicolasDP/cowbtree/internal/node"
	"github.com/NicolasDP/cowbtree/internal/pageid"
)

// fakeSource is a simple in-memory PageSource: pages are plain byte
// slices keyed by id, with no reclamation bookkeeping, enough to drive
// InsertBacktrack/DeleteBacktrack without the rest of the txn stack.
type fakeSource struct {
	pageSize uint32
	pages    map[pageid.ID][]byte
	next     pageid.ID
	freed    []pageid.ID
}

func newFakeSource(pageSize uint32) *fakeSource {
	return &fakeSource{pageSize: pageSize, pages: make(map[pageid.ID][]byte), next: pageid.RootPage}
}

func (f *fakeSource) ReadPage(id pageid.ID) ([]byte, error) { return f.pages[id], nil }

func (f *fakeSource) AllocPage() (pageid.ID, []byte, error) {
	id := f.next
	f.next++
	buf := make([]byte, f.pageSize)
	f.pages[id] = buf
	return id, buf, nil
}

func (f *fakeSource) FreePage(id pageid.ID)       { f.freed = append(f.freed, id) }
func (f *fakeSource) FreeImmediately(id pageid.ID) { f.freed = append(f.freed, id) }

const testPageSize = 96

func newTree(t *testing.T) (*fakeSource, pageid.ID) {
	t.Helper()
	src := newFakeSource(testPageSize)
	rootID, rootBuf, err := src.AllocPage()
	require.NoError(t, err)
	node.InitLeaf(rootBuf)
	return src, rootID
}

func insertBT(src *fakeSource) backtrack.InsertBacktrack[uint64, uint64] {
	return backtrack.InsertBacktrack[uint64, uint64]{Src: src, KC: codec.Uint64Codec{}, VC: codec.Uint64Codec{}}
}

func deleteBT(src *fakeSource) backtrack.DeleteBacktrack[uint64, uint64] {
	return backtrack.DeleteBacktrack[uint64, uint64]{Src: src, KC: codec.Uint64Codec{}, VC: codec.Uint64Codec{}}
}

func lookup(t *testing.T, src *fakeSource, root pageid.ID, key uint64) (uint64, bool) {
	t.Helper()
	id := root
	for {
		buf := src.pages[id]
		tag, err := node.ReadTag(buf)
		require.NoError(t, err)
		if tag == node.Leaf {
			leaf := node.NewLeafView[uint64, uint64](buf, codec.Uint64Codec{}, codec.Uint64Codec{})
			return leaf.Find(key)
		}
		n := node.NewInternalView[uint64](buf, codec.Uint64Codec{})
		id = n.Child(n.Route(key))
	}
}

func countEntries(t *testing.T, src *fakeSource, root pageid.ID) int {
	t.Helper()
	var walk func(id pageid.ID) int
	walk = func(id pageid.ID) int {
		buf := src.pages[id]
		tag, err := node.ReadTag(buf)
		require.NoError(t, err)
		if tag == node.Leaf {
			leaf := node.NewLeafView[uint64, uint64](buf, codec.Uint64Codec{}, codec.Uint64Codec{})
			return leaf.Len()
		}
		n := node.NewInternalView[uint64](buf, codec.Uint64Codec{})
		total := 0
		for i := 0; i <= n.Len(); i++ {
			total += walk(n.Child(i))
		}
		return total
	}
	return walk(root)
}

func TestInsertLookupManyKeysForcesSplitsAndStaysFindable(t *testing.T) {
	src, root := newTree(t)
	ib := insertBT(src)

	const n = 500
	for i := uint64(0); i < n; i++ {
		var err error
		root, err = ib.Run(root, i, i*2)
		require.NoError(t, err)
	}

	for i := uint64(0); i < n; i++ {
		v, ok := lookup(t, src, root, i)
		require.True(t, ok, "key %d missing", i)
		assert.Equal(t, i*2, v)
	}
	assert.Equal(t, n, countEntries(t, src, root))
}

func TestInsertDuplicateKeyFailsAndLeavesRootUnchanged(t *testing.T) {
	src, root := newTree(t)
	ib := insertBT(src)

	root, err := ib.Run(root, 1, 1)
	require.NoError(t, err)
	before := root

	got, err := ib.Run(before, 1, 999)
	assert.ErrorIs(t, err, backtrack.ErrDuplicateKey)
	assert.Equal(t, before, got)
}

func TestDeleteRemovesKeyAndKeepsRestFindable(t *testing.T) {
	src, root := newTree(t)
	ib := insertBT(src)

	const n = 300
	for i := uint64(0); i < n; i++ {
		var err error
		root, err = ib.Run(root, i, i)
		require.NoError(t, err)
	}

	db := deleteBT(src)
	for i := uint64(0); i < n; i += 2 {
		var found bool
		var err error
		root, found, err = db.Run(root, i)
		require.NoError(t, err)
		require.True(t, found)
	}

	for i := uint64(0); i < n; i++ {
		v, ok := lookup(t, src, root, i)
		if i%2 == 0 {
			assert.False(t, ok, "key %d should have been deleted", i)
		} else {
			require.True(t, ok, "key %d should still be present", i)
			assert.Equal(t, i, v)
		}
	}
}

func TestDeleteNotFoundReportsFalseAndKeepsRoot(t *testing.T) {
	src, root := newTree(t)
	ib := insertBT(src)
	root, err := ib.Run(root, 1, 1)
	require.NoError(t, err)

	db := deleteBT(src)
	newRoot, found, err := db.Run(root, 42)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, root, newRoot)
}

func TestInsertSchedulesOldRootForReclamationOnSuccess(t *testing.T) {
	src, root := newTree(t)
	ib := insertBT(src)

	before := root
	newRoot, err := ib.Run(root, 1, 1)
	require.NoError(t, err)
	assert.NotEqual(t, before, newRoot)
	assert.Contains(t, src.freed, before)
}

func TestInsertDuplicateKeyFreesAllPagesAllocatedThisAttempt(t *testing.T) {
	src, root := newTree(t)
	ib := insertBT(src)

	root, err := ib.Run(root, 1, 1)
	require.NoError(t, err)
	freedBefore := len(src.freed)
	pagesBefore := len(src.pages)

	_, err = ib.Run(root, 1, 999)
	assert.ErrorIs(t, err, backtrack.ErrDuplicateKey)
	// the failed attempt shadow-copied the root and freed it immediately;
	// no new pages remain live beyond what existed before the attempt.
	assert.Greater(t, len(src.freed), freedBefore)
	assert.Equal(t, pagesBefore+1, len(src.pages))
}

func TestDeleteNotFoundFreesAllPagesAllocatedThisAttempt(t *testing.T) {
	src, root := newTree(t)
	ib := insertBT(src)
	root, err := ib.Run(root, 1, 1)
	require.NoError(t, err)

	db := deleteBT(src)
	freedBefore := len(src.freed)
	newRoot, found, err := db.Run(root, 42)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, root, newRoot)
	assert.Greater(t, len(src.freed), freedBefore)
}

func TestDeleteThroughMergesKeepsRemainingKeysFindable(t *testing.T) {
	src, root := newTree(t)
	ib := insertBT(src)

	// Force at least one split so a delete can trigger a merge between
	// two leaves under a shared parent.
	const n = 40
	for i := uint64(0); i < n; i++ {
		var err error
		root, err = ib.Run(root, i, i)
		require.NoError(t, err)
	}

	db := deleteBT(src)
	for i := uint64(0); i < n-2; i++ {
		var found bool
		var err error
		root, found, err = db.Run(root, i)
		require.NoError(t, err)
		require.True(t, found)
	}

	for i := uint64(0); i < n-2; i++ {
		_, ok := lookup(t, src, root, i)
		assert.False(t, ok)
	}
	for i := uint64(n - 2); i < n; i++ {
		_, ok := lookup(t, src, root, i)
		assert.True(t, ok)
	}
}

func TestDeleteEveryKeyLeavesAnEmptyLeafRoot(t *testing.T) {
	src, root := newTree(t)
	ib := insertBT(src)
	const n = 200
	for i := uint64(0); i < n; i++ {
		var err error
		root, err = ib.Run(root, i, i)
		require.NoError(t, err)
	}

	db := deleteBT(src)
	for i := uint64(0); i < n; i++ {
		var found bool
		var err error
		root, found, err = db.Run(root, i)
		require.NoError(t, err)
		require.True(t, found)
	}

	assert.Equal(t, 0, countEntries(t, src, root))
}
