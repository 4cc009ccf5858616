package node_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasDP/cowbtree/codec"
	"github.com/NicolasDP/cowbtree/internal/node"
	"github.com/NicolasDP/cowbtree/internal/pageid"
)

const pageSize = 128

func newLeaf() ([]byte, node.LeafView[uint64, uint64]) {
	buf := make([]byte, pageSize)
	node.InitLeaf(buf)
	return buf, node.NewLeafView[uint64, uint64](buf, codec.Uint64Codec{}, codec.Uint64Codec{})
}

func allocator(t *testing.T) func() []byte {
	t.Helper()
	return func() []byte { return make([]byte, pageSize) }
}

func TestLeafInsertAndFind(t *testing.T) {
	_, leaf := newLeaf()

	out := leaf.Insert(5, 50, allocator(t))
	require.Equal(t, node.LeafInsertOK, out.Kind)

	out = leaf.Insert(5, 999, allocator(t))
	require.Equal(t, node.LeafInsertDuplicate, out.Kind)

	v, ok := leaf.Find(5)
	require.True(t, ok)
	assert.Equal(t, uint64(50), v)

	_, ok = leaf.Find(6)
	assert.False(t, ok)
}

func TestLeafSplitIsOrderedAndFirstKeyOfRightMatchesSplitKey(t *testing.T) {
	_, leaf := newLeaf()
	cap := leaf.Cap()
	require.Greater(t, cap, 2)

	var lastOut node.LeafInsertOutcome[uint64]
	for i := 0; i < cap; i++ {
		lastOut = leaf.Insert(uint64(i*10), uint64(i), allocator(t))
		require.Equal(t, node.LeafInsertOK, lastOut.Kind)
	}

	// one more insert overflows the page and must split
	out := leaf.Insert(uint64(cap*10+5), 999, allocator(t))
	require.Equal(t, node.LeafInsertSplit, out.Kind)

	right := node.NewLeafView[uint64, uint64](out.RightBuf, codec.Uint64Codec{}, codec.Uint64Codec{})
	assert.Equal(t, out.SplitKey, right.Key(0))

	for i := 1; i < right.Len(); i++ {
		assert.Less(t, right.Key(i-1), right.Key(i))
	}
	for i := 1; i < leaf.Len(); i++ {
		assert.Less(t, leaf.Key(i-1), leaf.Key(i))
	}
	assert.Less(t, leaf.Key(leaf.Len()-1), right.Key(0))
}

func TestLeafDeleteReportsNeedsRebalanceBelowMinOccupancy(t *testing.T) {
	_, leaf := newLeaf()
	leaf.Insert(1, 1, allocator(t))
	leaf.Insert(2, 2, allocator(t))

	out := leaf.Delete(2)
	assert.Equal(t, node.LeafDeleteNeedsRebalance, out.Kind)
}

func TestLeafDeleteNotFound(t *testing.T) {
	_, leaf := newLeaf()
	leaf.Insert(1, 1, allocator(t))

	out := leaf.Delete(2)
	assert.Equal(t, node.LeafDeleteNotFound, out.Kind)
}

func TestLeafRebalanceTakesFromLeftBeforeMerging(t *testing.T) {
	parentBuf := make([]byte, pageSize)
	node.InitInternal(parentBuf)
	parent := node.NewInternalView[uint64](parentBuf, codec.Uint64Codec{})

	leftBuf, left := newLeaf()
	for i := uint64(0); i < 5; i++ {
		left.Insert(i, i, allocator(t))
	}
	_ = leftBuf
	rightBuf, self := newLeaf()
	self.Insert(100, 100, allocator(t))
	_ = rightBuf

	parent.InitRoot(pageid.ID(10), uint64(100), pageid.ID(20))

	out, err := self.Rebalance(parent, &left, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, node.RebalanceTookFromLeft, out.Kind)
	assert.Equal(t, 4, left.Len())
	assert.Equal(t, 2, self.Len())
	assert.Equal(t, self.Key(0), parent.Key(0))
}

func TestLeafRebalanceMergesIntoLeftWhenNeitherCanLend(t *testing.T) {
	parentBuf := make([]byte, pageSize)
	node.InitInternal(parentBuf)
	parent := node.NewInternalView[uint64](parentBuf, codec.Uint64Codec{})

	_, left := newLeaf()
	left.Insert(1, 1, allocator(t))
	_, self := newLeaf()
	self.Insert(100, 100, allocator(t))

	parent.InitRoot(pageid.ID(10), uint64(100), pageid.ID(20))

	out, err := self.Rebalance(parent, &left, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, node.RebalanceMergedIntoLeft, out.Kind)
	assert.Equal(t, 2, left.Len())
	assert.Equal(t, uint64(1), left.Key(0))
	assert.Equal(t, uint64(100), left.Key(1))
}

func TestInternalRoute(t *testing.T) {
	buf := make([]byte, pageSize)
	node.InitInternal(buf)
	n := node.NewInternalView[uint64](buf, codec.Uint64Codec{})
	n.InitRoot(pageid.ID(1), 50, pageid.ID(2))
	n.InsertChild(80, pageid.ID(3), allocator(t))

	assert.Equal(t, 0, n.Route(10))
	assert.Equal(t, 1, n.Route(60))
	assert.Equal(t, 2, n.Route(90))
	assert.Equal(t, pageid.ID(1), n.Child(n.Route(10)))
	assert.Equal(t, pageid.ID(2), n.Child(n.Route(60)))
	assert.Equal(t, pageid.ID(3), n.Child(n.Route(90)))
}
