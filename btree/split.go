package btree

// SplitLeaf moves the upper half of left's entries into right (a
// freshly allocated leaf page), threads the next-leaf chain through
// right, and returns the promotion key: the first key now held by
// right, copied rather than moved.
func SplitLeaf(left *LeafNode, rightPage *Page) (promotionKey []byte, right *LeafNode) {
	right = NewLeafNode(rightPage)

	count := left.Count()
	mid := count / 2

	keys := make([][]byte, count)
	vals := make([][]byte, count)
	for i := uint16(0); i < count; i++ {
		keys[i] = left.KeyAt(i)
		vals[i] = left.ValueAt(i)
	}

	right.SetNextLeaf(left.NextLeaf())
	for i := mid; i < count; i++ {
		_ = right.Insert(keys[i], vals[i])
	}

	left.setCount(0)
	left.setDataStart(uint16(len(left.page.Payload())))
	for i := uint16(0); i < mid; i++ {
		_ = left.Insert(keys[i], vals[i])
	}
	left.SetNextLeaf(right.Page().ID())

	return append([]byte(nil), keys[mid]...), right
}

// SplitInternal moves the upper half of left's separators/children
// into right (a freshly allocated internal page) and returns the
// middle key, which is promoted out of the tree level entirely rather
// than duplicated into either side.
func SplitInternal(left *InternalNode, rightPage *Page) (promotionKey []byte, right *InternalNode) {
	keys, children := left.AllEntries()
	count := len(keys)
	mid := count / 2

	promoted := append([]byte(nil), keys[mid]...)

	leftKeys := keys[:mid]
	leftChildren := children[:mid+1]
	rightKeys := keys[mid+1:]
	rightChildren := children[mid+1:]

	right = NewInternalNode(rightPage)
	_ = right.Rebuild(rightKeys, rightChildren)
	_ = left.Rebuild(leftKeys, leftChildren)

	return promoted, right
}
