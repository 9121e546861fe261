package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradcypert/lowkeydb-sub000/common"
	"github.com/bradcypert/lowkeydb-sub000/common/testutil"
)

func newTestBTree(t *testing.T) *BTree {
	dir := testutil.TempDir(t)
	pager, err := OpenPager(filepath.Join(dir, "data.db"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { pager.Close() })
	return NewBTree(pager)
}

func TestBTreePutGetDelete(t *testing.T) {
	bt := newTestBTree(t)

	_, err := bt.Put([]byte("key1"), []byte("value1"))
	require.NoError(t, err)

	value, err := bt.Get([]byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, "value1", string(value))

	_, err = bt.Get([]byte("missing"))
	assert.ErrorIs(t, err, common.ErrKeyNotFound)

	_, err = bt.Delete([]byte("key1"))
	require.NoError(t, err)
	_, err = bt.Get([]byte("key1"))
	assert.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestBTreePutOverwritesExistingKey(t *testing.T) {
	bt := newTestBTree(t)

	_, err := bt.Put([]byte("key1"), []byte("value1"))
	require.NoError(t, err)
	_, err = bt.Put([]byte("key1"), []byte("value2"))
	require.NoError(t, err)

	value, err := bt.Get([]byte("key1"))
	require.NoError(t, err)
	assert.Equal(t, "value2", string(value))
}

func TestBTreeManyKeysTriggerSplitsAndStayRetrievable(t *testing.T) {
	bt := newTestBTree(t)

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		value := []byte(fmt.Sprintf("value%05d", i))
		_, err := bt.Put(key, value)
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		value, err := bt.Get(key)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value%05d", i), string(value))
	}

	assert.NoError(t, bt.ValidateStructure())
}

func TestBTreeDeleteAllKeysLeavesEmptyValidTree(t *testing.T) {
	bt := newTestBTree(t)

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		_, err := bt.Put(key, []byte("v"))
		require.NoError(t, err)
	}

	require.NoError(t, bt.ValidateStructure())

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		_, err := bt.Delete(key)
		require.NoError(t, err)
	}

	require.NoError(t, bt.ValidateStructure())
	assert.Equal(t, int64(0), bt.pager.KeyCount())

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		_, err := bt.Get(key)
		assert.ErrorIs(t, err, common.ErrKeyNotFound)
	}
}

func TestBTreeInterleavedInsertDeleteKeepsStructureValid(t *testing.T) {
	bt := newTestBTree(t)

	present := make(map[string]bool)
	for i := 0; i < 800; i++ {
		key := fmt.Sprintf("k%04d", i)
		_, err := bt.Put([]byte(key), []byte(key))
		require.NoError(t, err)
		present[key] = true

		if i%3 == 0 {
			del := fmt.Sprintf("k%04d", i/2)
			if present[del] {
				_, err := bt.Delete([]byte(del))
				require.NoError(t, err)
				delete(present, del)
			}
		}
	}

	require.NoError(t, bt.ValidateStructure())

	for key := range present {
		value, err := bt.Get([]byte(key))
		require.NoError(t, err)
		assert.Equal(t, key, string(value))
	}
}

func TestBTreeRejectsEmptyAndOversizedKeys(t *testing.T) {
	bt := newTestBTree(t)

	_, err := bt.Put([]byte{}, []byte("v"))
	assert.ErrorIs(t, err, common.ErrKeyEmpty)

	oversized := make([]byte, MaxKeySize+1)
	_, err = bt.Put(oversized, []byte("v"))
	assert.ErrorIs(t, err, common.ErrKeyTooLarge)
}

func TestBTreePersistsAcrossReopen(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "data.db")

	pager, err := OpenPager(path, 64)
	require.NoError(t, err)
	bt := NewBTree(pager)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		value := []byte(fmt.Sprintf("value%03d", i))
		_, err := bt.Put(key, value)
		require.NoError(t, err)
	}
	require.NoError(t, pager.Close())

	pager2, err := OpenPager(path, 64)
	require.NoError(t, err)
	defer pager2.Close()
	bt2 := NewBTree(pager2)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		value, err := bt2.Get(key)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value%03d", i), string(value))
	}
}
