package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLeaf() *LeafNode {
	return NewLeafNode(NewPage(1, KindLeaf))
}

func TestLeafInsertAndSearch(t *testing.T) {
	l := newTestLeaf()

	require.NoError(t, l.Insert([]byte("b"), []byte("2")))
	require.NoError(t, l.Insert([]byte("a"), []byte("1")))
	require.NoError(t, l.Insert([]byte("c"), []byte("3")))

	assert.Equal(t, uint16(3), l.Count())
	assert.Equal(t, []byte("a"), l.KeyAt(0))
	assert.Equal(t, []byte("b"), l.KeyAt(1))
	assert.Equal(t, []byte("c"), l.KeyAt(2))

	idx, found := l.Search([]byte("b"))
	assert.True(t, found)
	assert.Equal(t, 1, idx)

	_, found = l.Search([]byte("z"))
	assert.False(t, found)
}

func TestLeafInsertRejectsDuplicateAndOversizedKey(t *testing.T) {
	l := newTestLeaf()
	require.NoError(t, l.Insert([]byte("a"), []byte("1")))

	err := l.Insert([]byte("a"), []byte("2"))
	require.Error(t, err)

	oversized := make([]byte, MaxKeySize+1)
	err = l.Insert(oversized, []byte("x"))
	require.Error(t, err)
}

func TestLeafDelete(t *testing.T) {
	l := newTestLeaf()
	require.NoError(t, l.Insert([]byte("a"), []byte("1")))
	require.NoError(t, l.Insert([]byte("b"), []byte("2")))

	assert.True(t, l.Delete([]byte("a")))
	assert.False(t, l.Delete([]byte("a")))
	assert.Equal(t, uint16(1), l.Count())

	_, found := l.Search([]byte("a"))
	assert.False(t, found)
}

func TestLeafCompactReclaimsFragmentation(t *testing.T) {
	l := newTestLeaf()
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%02d", i))
		require.NoError(t, l.Insert(key, []byte("some-medium-length-value")))
	}
	// Four deletions leave 4*29 of 580 data bytes (20%) dead, under
	// MaxFragmentation, so Delete has not compacted the leaf itself.
	for i := 0; i < 4; i++ {
		l.Delete([]byte(fmt.Sprintf("key%02d", i)))
	}

	before := l.freeSpace()
	l.Compact()
	after := l.freeSpace()
	assert.Greater(t, after, before)
	assert.Equal(t, uint16(16), l.Count())
}

func TestLeafRebuildPreservesNextLeaf(t *testing.T) {
	l := newTestLeaf()
	l.SetNextLeaf(42)
	require.NoError(t, l.Rebuild([][]byte{[]byte("a"), []byte("b")}, [][]byte{[]byte("1"), []byte("2")}))

	assert.Equal(t, uint32(42), l.NextLeaf())
	assert.Equal(t, uint16(2), l.Count())
	assert.Equal(t, []byte("a"), l.KeyAt(0))
}

func TestLeafAllEntriesRoundTrip(t *testing.T) {
	l := newTestLeaf()
	want := [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	for _, kv := range want {
		require.NoError(t, l.Insert([]byte(kv[0]), []byte(kv[1])))
	}

	keys, vals := l.AllEntries()
	require.Len(t, keys, 3)
	for i, kv := range want {
		assert.Equal(t, kv[0], string(keys[i]))
		assert.Equal(t, kv[1], string(vals[i]))
	}
}

func TestLeafUnderfullAndFits(t *testing.T) {
	l := newTestLeaf()
	assert.True(t, l.Underfull())

	for i := 0; i < 200 && l.Fits(6, 20); i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		if err := l.Insert(key, make([]byte, 20)); err != nil {
			break
		}
	}
	assert.False(t, l.Underfull())
}
