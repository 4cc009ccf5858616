package cowbtree_test

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cowbtree "github.com/NicolasDP/cowbtree"
	"github.com/NicolasDP/cowbtree/codec"
)

func newMemTree(t *testing.T) *cowbtree.Tree[uint64, uint64] {
	t.Helper()
	tr, err := cowbtree.New[uint64, uint64]("", codec.Uint64Codec{}, codec.Uint64Codec{}, cowbtree.Options{InMemory: true, PageSize: 256})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestInsertOneAndLookup(t *testing.T) {
	tr := newMemTree(t)

	require.NoError(t, tr.InsertOne(1, 100))
	v, ok, err := tr.Lookup(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), v)

	_, ok, err = tr.Lookup(2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertOneDuplicateFails(t *testing.T) {
	tr := newMemTree(t)
	require.NoError(t, tr.InsertOne(1, 1))

	err := tr.InsertOne(1, 2)
	assert.True(t, errors.Is(err, cowbtree.ErrDuplicateKey))
}

func TestInsertManyIsAllOrNothing(t *testing.T) {
	tr := newMemTree(t)
	require.NoError(t, tr.InsertOne(5, 5))

	err := tr.InsertMany([]cowbtree.Entry[uint64, uint64]{
		{Key: 1, Value: 1},
		{Key: 5, Value: 999}, // duplicate, should abort the whole batch
		{Key: 2, Value: 2},
	})
	assert.True(t, errors.Is(err, cowbtree.ErrDuplicateKey))

	_, ok, err := tr.Lookup(1)
	require.NoError(t, err)
	assert.False(t, ok, "batch must not have partially applied")
}

func TestInsertAsyncReportsCompletion(t *testing.T) {
	tr := newMemTree(t)
	done := tr.InsertAsync(7, 70)
	require.NoError(t, <-done)

	v, ok, err := tr.Lookup(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(70), v)
}

func TestDeleteRemovesKey(t *testing.T) {
	tr := newMemTree(t)
	require.NoError(t, tr.InsertOne(3, 30))

	found, err := tr.Delete(3)
	require.NoError(t, err)
	assert.True(t, found)

	_, ok, err := tr.Lookup(3)
	require.NoError(t, err)
	assert.False(t, ok)

	found, err = tr.Delete(3)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRangeAndCollectReturnOrderedEntries(t *testing.T) {
	tr := newMemTree(t)
	keys := []uint64{42, 7, 19, 3, 88, 15, 60}
	for _, k := range keys {
		require.NoError(t, tr.InsertOne(k, k*10))
	}

	entries, err := tr.Collect(0, 1000)
	require.NoError(t, err)
	require.Len(t, entries, len(keys))

	sorted := append([]uint64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, e := range entries {
		assert.Equal(t, sorted[i], e.Key)
		assert.Equal(t, sorted[i]*10, e.Value)
	}
}

func TestRangeStopsEarlyWhenCallbackReturnsFalse(t *testing.T) {
	tr := newMemTree(t)
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, tr.InsertOne(i, i))
	}

	var seen []uint64
	err := tr.Range(0, 19, func(k, v uint64) bool {
		seen = append(seen, k)
		return len(seen) < 5
	})
	require.NoError(t, err)
	assert.Len(t, seen, 5)
}

func TestCheckpointIsSafeToCallRepeatedly(t *testing.T) {
	tr := newMemTree(t)
	require.NoError(t, tr.InsertOne(1, 1))
	require.NoError(t, tr.Checkpoint())
	require.NoError(t, tr.InsertOne(2, 2))
	require.NoError(t, tr.Checkpoint())

	v, ok, err := tr.Lookup(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), v)
}

func TestCheckpointThenReopenFromDiskPreservesTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")

	tr, err := cowbtree.New[uint64, uint64](path, codec.Uint64Codec{}, codec.Uint64Codec{}, cowbtree.Options{PageSize: 256})
	require.NoError(t, err)

	for i := uint64(0); i < 40; i++ {
		require.NoError(t, tr.InsertOne(i, i*5))
	}
	require.NoError(t, tr.Checkpoint())
	require.NoError(t, tr.Close())

	reopened, err := cowbtree.Open[uint64, uint64](path, codec.Uint64Codec{}, codec.Uint64Codec{}, cowbtree.Options{})
	require.NoError(t, err)
	defer reopened.Close()

	for i := uint64(0); i < 40; i++ {
		v, ok, err := reopened.Lookup(i)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i*5, v)
	}
}

func TestOpenRejectsMismatchedKeyCodecSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")

	tr, err := cowbtree.New[uint64, uint64](path, codec.Uint64Codec{}, codec.Uint64Codec{}, cowbtree.Options{PageSize: 256})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = cowbtree.Open[[]byte, uint64](path, codec.FixedBytesCodec{N: 4}, codec.Uint64Codec{}, cowbtree.Options{})
	assert.Error(t, err)
}

// TestConcurrentReadersSingleWriter exercises the single-writer/
// multi-reader concurrency model: many goroutines read concurrently with
// one goroutine writing, and -race (when the suite is run with it) must
// find nothing, since the store performs no interior mutation readers
// could race on.
func TestConcurrentReadersSingleWriter(t *testing.T) {
	tr := newMemTree(t)
	const n = 200
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.InsertOne(i, i))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := uint64(0); i < n; i++ {
					_, _, err := tr.Lookup(i)
					require.NoError(t, err)
				}
			}
		}()
	}

	for i := uint64(n); i < n+50; i++ {
		require.NoError(t, tr.InsertOne(i, i))
	}
	close(stop)
	wg.Wait()

	v, ok, err := tr.Lookup(n + 49)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(n+49), v)
}

// TestOpenPreservesStaticSettings reopens a tree and confirms the key
// codec size recorded at creation is still enforced (the static-settings
// file is never rewritten after New).
func TestOpenPreservesStaticSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	tr, err := cowbtree.New[uint64, uint64](path, codec.Uint64Codec{}, codec.Uint64Codec{}, cowbtree.Options{PageSize: 256})
	require.NoError(t, err)
	require.NoError(t, tr.InsertOne(1, 1))
	require.NoError(t, tr.Checkpoint())
	require.NoError(t, tr.Close())

	reopened, err := cowbtree.Open[uint64, uint64](path, codec.Uint64Codec{}, codec.Uint64Codec{}, cowbtree.Options{})
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Lookup(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)

	_, err = cowbtree.Open[[]byte, uint64](path, codec.FixedBytesCodec{N: 4}, codec.Uint64Codec{}, cowbtree.Options{})
	assert.Error(t, err, "a mismatched key codec size must be rejected on reopen")
}

// TestRangeIncludesStartKey confirms Range/Collect treat lo as inclusive
// and hi as exclusive: [lo, hi).
func TestRangeIncludesStartKey(t *testing.T) {
	tr := newMemTree(t)
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, tr.InsertOne(i, i))
	}

	entries, err := tr.Collect(3, 4)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(3), entries[0].Key)

	empty, err := tr.Collect(3, 3)
	require.NoError(t, err)
	assert.Empty(t, empty, "lo == hi must yield the empty sequence")
}

// TestDeleteMinimumKeyRefreshesAncestorFence deletes the smallest key in
// a tree deep enough to have split, and checks that every ancestor
// separator still routes correctly afterward: both the new minimum and
// every other key remain reachable via Lookup and Range.
func TestDeleteMinimumKeyRefreshesAncestorFence(t *testing.T) {
	tr := newMemTree(t)
	const n = 100
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.InsertOne(i, i))
	}

	found, err := tr.Delete(0)
	require.NoError(t, err)
	require.True(t, found)

	_, ok, err := tr.Lookup(0)
	require.NoError(t, err)
	assert.False(t, ok)

	for i := uint64(1); i < n; i++ {
		v, ok, err := tr.Lookup(i)
		require.NoError(t, err)
		require.True(t, ok, "key %d must still route correctly", i)
		assert.Equal(t, i, v)
	}

	entries, err := tr.Collect(0, n)
	require.NoError(t, err)
	require.Len(t, entries, n-1)
	assert.Equal(t, uint64(1), entries[0].Key)
}

func TestManyInsertsAndDeletesStayConsistent(t *testing.T) {
	tr := newMemTree(t)
	const n = 500

	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.InsertOne(i, i*3))
	}
	for i := uint64(0); i < n; i += 3 {
		found, err := tr.Delete(i)
		require.NoError(t, err)
		require.True(t, found)
	}

	for i := uint64(0); i < n; i++ {
		v, ok, err := tr.Lookup(i)
		require.NoError(t, err)
		if i%3 == 0 {
			assert.False(t, ok)
		} else {
			require.True(t, ok)
			assert.Equal(t, i*3, v)
		}
	}
}
