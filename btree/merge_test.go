package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradcypert/lowkeydb-sub000/common/testutil"
)

func newMergeTestPager(t *testing.T) *Pager {
	dir := testutil.TempDir(t)
	pager, err := OpenPager(filepath.Join(dir, "merge.db"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { pager.Close() })
	return pager
}

func fillLeaf(t *testing.T, leaf *LeafNode, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, leaf.Insert([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i))))
	}
}

// buildLeafParent creates a parent internal node over two leaf children,
// where left holds [lo,mid) and right holds [mid,hi), with the separator
// set to right's first key.
func buildLeafParent(t *testing.T, pg *Pager, lo, mid, hi int) (*InternalNode, *LeafNode, *LeafNode) {
	t.Helper()

	leftPage, leftLatch, err := pg.NewPage(KindLeaf)
	require.NoError(t, err)
	left := NewLeafNode(leftPage)
	fillLeaf(t, left, lo, mid)
	leftLatch.UnpinExclusive(true)

	rightPage, rightLatch, err := pg.NewPage(KindLeaf)
	require.NoError(t, err)
	right := NewLeafNode(rightPage)
	fillLeaf(t, right, mid, hi)
	rightLatch.UnpinExclusive(true)

	parentPage, parentLatch, err := pg.NewPage(KindInternal)
	require.NoError(t, err)
	parent := NewInternalNode(parentPage)
	parent.SetFirstChild(leftPage.ID())
	require.NoError(t, parent.InsertSeparator(0, []byte(fmt.Sprintf("k%03d", mid)), rightPage.ID()))
	parentLatch.UnpinExclusive(true)

	return parent, left, right
}

func TestRebalanceChildBorrowsFromLeftLeaf(t *testing.T) {
	pg := newMergeTestPager(t)

	// Left has plenty to spare, right is down to a single entry.
	parent, left, right := buildLeafParent(t, pg, 0, 10, 11)
	_ = left
	_ = right

	underfull, err := RebalanceChild(pg, parent, 1)
	require.NoError(t, err)
	assert.False(t, underfull)

	leftPage, leftLatch, err := pg.GetExclusive(parent.FirstChild())
	require.NoError(t, err)
	reloadedLeft := LoadLeafNode(leftPage)
	assert.Equal(t, uint16(9), reloadedLeft.Count())
	leftLatch.UnpinExclusive(false)

	rightID := parent.ChildAt(1)
	rightPage, rightLatch, err := pg.GetExclusive(rightID)
	require.NoError(t, err)
	reloadedRight := LoadLeafNode(rightPage)
	assert.Equal(t, uint16(2), reloadedRight.Count())
	rightLatch.UnpinExclusive(false)

	assert.Equal(t, reloadedRight.KeyAt(0), parent.KeyAt(0))
}

func TestRebalanceChildBorrowsFromRightLeaf(t *testing.T) {
	pg := newMergeTestPager(t)

	// Left is down to one entry, right has plenty to spare.
	parent, left, right := buildLeafParent(t, pg, 0, 1, 11)
	_ = left
	_ = right

	underfull, err := RebalanceChild(pg, parent, 0)
	require.NoError(t, err)
	assert.False(t, underfull)

	leftID := parent.FirstChild()
	leftPage, leftLatch, err := pg.GetExclusive(leftID)
	require.NoError(t, err)
	reloadedLeft := LoadLeafNode(leftPage)
	assert.Equal(t, uint16(2), reloadedLeft.Count())
	leftLatch.UnpinExclusive(false)

	rightID := parent.ChildAt(1)
	rightPage, rightLatch, err := pg.GetExclusive(rightID)
	require.NoError(t, err)
	reloadedRight := LoadLeafNode(rightPage)
	assert.Equal(t, uint16(9), reloadedRight.Count())
	rightLatch.UnpinExclusive(false)

	assert.Equal(t, reloadedRight.KeyAt(0), parent.KeyAt(0))
}

func TestRebalanceChildMergesLeftWhenNeitherSiblingHasSpare(t *testing.T) {
	pg := newMergeTestPager(t)

	// Both siblings hold a single entry each: no rotation possible, must merge.
	parent, left, right := buildLeafParent(t, pg, 0, 1, 2)
	_ = left
	_ = right

	underfull, err := RebalanceChild(pg, parent, 1)
	require.NoError(t, err)
	assert.True(t, underfull)
	assert.Equal(t, uint16(0), parent.Count())

	mergedID := parent.FirstChild()
	mergedPage, mergedLatch, err := pg.GetExclusive(mergedID)
	require.NoError(t, err)
	merged := LoadLeafNode(mergedPage)
	assert.Equal(t, uint16(2), merged.Count())
	mergedLatch.UnpinExclusive(false)
}

func TestRebalanceChildMergesRightWhenLeftmostChildUnderfull(t *testing.T) {
	pg := newMergeTestPager(t)

	parent, left, right := buildLeafParent(t, pg, 0, 1, 2)
	_ = left
	_ = right

	underfull, err := RebalanceChild(pg, parent, 0)
	require.NoError(t, err)
	assert.True(t, underfull)
	assert.Equal(t, uint16(0), parent.Count())

	mergedID := parent.FirstChild()
	mergedPage, mergedLatch, err := pg.GetExclusive(mergedID)
	require.NoError(t, err)
	merged := LoadLeafNode(mergedPage)
	assert.Equal(t, uint16(2), merged.Count())
	mergedLatch.UnpinExclusive(false)
}

// buildInternalParent creates a grandparent over two internal children,
// each with firstChild+oneSeparator, suitable for borrow/merge tests at
// the internal-node level.
func buildInternalParent(t *testing.T, pg *Pager, leftSeparators, rightSeparators int) (*InternalNode, uint32, uint32) {
	t.Helper()

	nextLeaf := func() uint32 {
		leafPage, leafLatch, err := pg.NewPage(KindLeaf)
		require.NoError(t, err)
		leafLatch.UnpinExclusive(true)
		return leafPage.ID()
	}

	leftPage, leftLatch, err := pg.NewPage(KindInternal)
	require.NoError(t, err)
	left := NewInternalNode(leftPage)
	left.SetFirstChild(nextLeaf())
	for i := 0; i < leftSeparators; i++ {
		require.NoError(t, left.InsertSeparator(uint16(i), []byte(fmt.Sprintf("lk%02d", i)), nextLeaf()))
	}
	leftLatch.UnpinExclusive(true)

	rightPage, rightLatch, err := pg.NewPage(KindInternal)
	require.NoError(t, err)
	right := NewInternalNode(rightPage)
	right.SetFirstChild(nextLeaf())
	for i := 0; i < rightSeparators; i++ {
		require.NoError(t, right.InsertSeparator(uint16(i), []byte(fmt.Sprintf("rk%02d", i)), nextLeaf()))
	}
	rightLatch.UnpinExclusive(true)

	parentPage, parentLatch, err := pg.NewPage(KindInternal)
	require.NoError(t, err)
	parent := NewInternalNode(parentPage)
	parent.SetFirstChild(leftPage.ID())
	require.NoError(t, parent.InsertSeparator(0, []byte("sep"), rightPage.ID()))
	parentLatch.UnpinExclusive(true)

	return parent, leftPage.ID(), rightPage.ID()
}

func TestRebalanceChildBorrowsFromLeftInternal(t *testing.T) {
	pg := newMergeTestPager(t)

	parent, _, rightID := buildInternalParent(t, pg, 5, 0)

	underfull, err := RebalanceChild(pg, parent, 1)
	require.NoError(t, err)
	assert.False(t, underfull)

	rightPage, rightLatch, err := pg.GetExclusive(rightID)
	require.NoError(t, err)
	reloadedRight := LoadInternalNode(rightPage)
	assert.Equal(t, uint16(1), reloadedRight.Count())
	rightLatch.UnpinExclusive(false)
}

func TestRebalanceChildBorrowsFromRightInternal(t *testing.T) {
	pg := newMergeTestPager(t)

	parent, leftID, _ := buildInternalParent(t, pg, 0, 5)

	underfull, err := RebalanceChild(pg, parent, 0)
	require.NoError(t, err)
	assert.False(t, underfull)

	leftPage, leftLatch, err := pg.GetExclusive(leftID)
	require.NoError(t, err)
	reloadedLeft := LoadInternalNode(leftPage)
	assert.Equal(t, uint16(1), reloadedLeft.Count())
	leftLatch.UnpinExclusive(false)
}

func TestRebalanceChildMergesInternalSiblingsWhenNeitherHasSpare(t *testing.T) {
	pg := newMergeTestPager(t)

	parent, _, _ := buildInternalParent(t, pg, 0, 0)

	underfull, err := RebalanceChild(pg, parent, 1)
	require.NoError(t, err)
	assert.True(t, underfull)
	assert.Equal(t, uint16(0), parent.Count())

	mergedID := parent.FirstChild()
	mergedPage, mergedLatch, err := pg.GetExclusive(mergedID)
	require.NoError(t, err)
	merged := LoadInternalNode(mergedPage)
	assert.Equal(t, uint16(1), merged.Count())
	mergedLatch.UnpinExclusive(false)
}
