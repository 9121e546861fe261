package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLeafDistributesEntriesAndChainsNext(t *testing.T) {
	left := newTestLeaf()
	left.SetNextLeaf(99)
	for i := 0; i < 20; i++ {
		require.NoError(t, left.Insert([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}

	promotion, right := SplitLeaf(left, NewPage(2, KindLeaf))

	assert.Equal(t, uint16(10), left.Count())
	assert.Equal(t, uint16(10), right.Count())
	assert.Less(t, string(left.KeyAt(left.Count()-1)), string(right.KeyAt(0)))
	assert.Equal(t, right.KeyAt(0), []byte(promotion))
	assert.Equal(t, uint32(2), left.NextLeaf())
	assert.Equal(t, uint32(99), right.NextLeaf())
}

func TestSplitInternalPromotesMiddleKeyOutOfBothSides(t *testing.T) {
	left := newTestInternal()
	left.SetFirstChild(1)
	for i := 0; i < 10; i++ {
		require.NoError(t, left.InsertSeparator(uint16(i), []byte(fmt.Sprintf("k%02d", i)), uint32(i+2)))
	}

	promotion, right := SplitInternal(left, NewPage(2, KindInternal))

	total := int(left.Count()) + int(right.Count())
	assert.Equal(t, 9, total)
	assert.Equal(t, []byte("k05"), promotion)

	for i := uint16(0); i < left.Count(); i++ {
		assert.Less(t, string(left.KeyAt(i)), string(promotion))
	}
	for i := uint16(0); i < right.Count(); i++ {
		assert.Greater(t, string(right.KeyAt(i)), string(promotion))
	}
}
