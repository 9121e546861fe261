package btree

import (
	"bytes"

	"github.com/bradcypert/lowkeydb-sub000/common"
)

// maxDescentDepth bounds a single root-to-leaf walk; exceeding it
// means a cycle or corrupted child pointer rather than a legitimately
// deep tree.
const maxDescentDepth = 20

// BTree drives Get/Put/Delete against pages owned by a Pager,
// following the lock-ordering rule that latches are acquired
// top-down along the descent path and released as soon as a node is
// known not to need splitting or merging.
type BTree struct {
	pager *Pager
}

func NewBTree(pager *Pager) *BTree { return &BTree{pager: pager} }

// pathFrame is one step of a root-to-leaf path.
type pathFrame struct {
	page  *Page
	latch *PageLatch
}

// Get returns the value for key, or common.ErrKeyNotFound.
func (t *BTree) Get(key []byte) ([]byte, error) {
	rootID := t.pager.RootPageID()
	if rootID == 0 {
		return nil, common.ErrKeyNotFound
	}

	id := rootID
	for depth := 0; depth < maxDescentDepth; depth++ {
		page, latch, err := t.pager.GetShared(id)
		if err != nil {
			return nil, err
		}

		if page.IsLeaf() {
			leaf := LoadLeafNode(page)
			idx, found := leaf.Search(key)
			if !found {
				latch.UnpinShared()
				return nil, common.ErrKeyNotFound
			}
			val := leaf.ValueAt(uint16(idx))
			latch.UnpinShared()
			return val, nil
		}

		node := LoadInternalNode(page)
		childIdx := node.FindChildIndex(key)
		childID := node.ChildAt(childIdx)
		latch.UnpinShared()
		id = childID
	}
	return nil, common.NewOperationError(common.OpInternalError, "descent exceeded maximum depth")
}

// Put inserts key with value, splitting nodes along the way as
// needed, and returns the id of the page the entry ended up on (the
// WAL records it alongside the mutation). A Put for a key that
// already exists is translated into delete-then-insert, since
// in-place leaf update is disabled.
func (t *BTree) Put(key, value []byte) (uint32, error) {
	if len(key) == 0 {
		return 0, common.ErrKeyEmpty
	}
	if len(key) > MaxKeySize {
		return 0, common.ErrKeyTooLarge
	}

	if t.pager.RootPageID() == 0 {
		return t.createRootLeaf(key, value)
	}

	path, err := t.descendForWrite(key)
	if err != nil {
		return 0, err
	}
	defer releasePath(path)

	leafFrame := path[len(path)-1]
	leaf := LoadLeafNode(leafFrame.page)

	if _, found := leaf.Search(key); found {
		leaf.Delete(key)
		t.pager.DecrKeyCount()
	}

	if err := leaf.Insert(key, value); err == nil {
		leafFrame.latch.MarkDirty()
		t.pager.IncrKeyCount()
		return leafFrame.page.ID(), nil
	}

	leafFrame.latch.MarkDirty()
	t.pager.IncrKeyCount()
	return t.splitAndInsert(path, key, value)
}

// createRootLeaf handles the empty-tree case, guarding against the
// race of two writers both observing root==0 by re-checking under the
// newly allocated leaf's exclusive latch before publishing it as root.
func (t *BTree) createRootLeaf(key, value []byte) (uint32, error) {
	page, latch, err := t.pager.NewPage(KindLeaf)
	if err != nil {
		return 0, err
	}
	leaf := NewLeafNode(page)
	if err := leaf.Insert(key, value); err != nil {
		latch.UnpinExclusive(false)
		return 0, err
	}
	latch.UnpinExclusive(true)

	if err := t.pager.SetRootPageID(page.ID()); err != nil {
		return 0, err
	}
	t.pager.IncrKeyCount()
	return page.ID(), nil
}

// descendForWrite walks root-to-leaf holding every frame's exclusive
// latch, so a split can be propagated upward without re-fetching.
func (t *BTree) descendForWrite(key []byte) ([]pathFrame, error) {
	var path []pathFrame
	id := t.pager.RootPageID()

	for depth := 0; depth < maxDescentDepth; depth++ {
		page, latch, err := t.pager.GetExclusive(id)
		if err != nil {
			releasePath(path)
			return nil, err
		}
		path = append(path, pathFrame{page: page, latch: latch})

		if page.IsLeaf() {
			return path, nil
		}

		node := LoadInternalNode(page)
		id = node.ChildAt(node.FindChildIndex(key))
	}

	releasePath(path)
	return nil, common.NewOperationError(common.OpInternalError, "descent exceeded maximum depth")
}

func releasePath(path []pathFrame) {
	for _, f := range path {
		f.latch.UnpinExclusive(false)
	}
}

// splitAndInsert is called after the leaf at the bottom of path
// overflowed; it splits the leaf, then walks back up path promoting a
// separator into each ancestor, splitting ancestors in turn as needed,
// and finally grows the tree by one level if the root itself splits.
// It returns the id of whichever leaf half the new entry landed on.
func (t *BTree) splitAndInsert(path []pathFrame, key, value []byte) (uint32, error) {
	leafFrame := path[len(path)-1]
	leaf := LoadLeafNode(leafFrame.page)

	rightPage, rightLatch, err := t.pager.NewPage(KindLeaf)
	if err != nil {
		return 0, err
	}
	promotionKey, right := SplitLeaf(leaf, rightPage)
	leafFrame.latch.MarkDirty()

	var insertedPageID uint32
	if bytes.Compare(key, promotionKey) < 0 {
		if err := leaf.Insert(key, value); err != nil {
			rightLatch.UnpinExclusive(true)
			return 0, err
		}
		insertedPageID = leafFrame.page.ID()
	} else {
		if err := right.Insert(key, value); err != nil {
			rightLatch.UnpinExclusive(true)
			return 0, err
		}
		insertedPageID = rightPage.ID()
	}
	rightLatch.UnpinExclusive(true)

	childID := rightPage.ID()

	for i := len(path) - 2; i >= 0; i-- {
		parentFrame := path[i]
		parent := LoadInternalNode(parentFrame.page)
		idx := parent.FindChildIndex(promotionKey)

		if err := parent.InsertSeparator(idx, promotionKey, childID); err == nil {
			parentFrame.latch.MarkDirty()
			return insertedPageID, nil
		}

		newRightPage, newRightLatch, err := t.pager.NewPage(KindInternal)
		if err != nil {
			return 0, err
		}
		nextPromotion, _ := SplitInternal(parent, newRightPage)
		parentFrame.latch.MarkDirty()

		// The separator being inserted lands in whichever half now
		// owns its position.
		right := LoadInternalNode(newRightPage)
		if bytes.Compare(promotionKey, nextPromotion) >= 0 {
			ridx := right.FindChildIndex(promotionKey)
			_ = right.InsertSeparator(ridx, promotionKey, childID)
		} else {
			pidx := parent.FindChildIndex(promotionKey)
			_ = parent.InsertSeparator(pidx, promotionKey, childID)
		}
		newRightLatch.UnpinExclusive(true)

		promotionKey = nextPromotion
		childID = newRightPage.ID()
	}

	if err := t.growRoot(path[0].page.ID(), promotionKey, childID); err != nil {
		return 0, err
	}
	return insertedPageID, nil
}

// growRoot creates a new root internal page when the old root split,
// making it one level taller.
func (t *BTree) growRoot(oldRootID uint32, promotionKey []byte, newChildID uint32) error {
	page, latch, err := t.pager.NewPage(KindInternal)
	if err != nil {
		return err
	}
	root := NewInternalNode(page)
	root.SetFirstChild(oldRootID)
	if err := root.InsertSeparator(0, promotionKey, newChildID); err != nil {
		latch.UnpinExclusive(false)
		return err
	}
	latch.UnpinExclusive(true)

	return t.pager.SetRootPageID(page.ID())
}

// Delete removes key, rebalancing underfull nodes along the descent
// path via borrow/merge, and returns the id of the leaf the key was
// removed from (the WAL records it alongside the mutation).
func (t *BTree) Delete(key []byte) (uint32, error) {
	rootID := t.pager.RootPageID()
	if rootID == 0 {
		return 0, common.ErrKeyNotFound
	}

	path, err := t.descendForWrite(key)
	if err != nil {
		return 0, err
	}

	leafFrame := path[len(path)-1]
	ancestors := path[:len(path)-1]
	leaf := LoadLeafNode(leafFrame.page)
	pageID := leafFrame.page.ID()

	if !leaf.Delete(key) {
		leafFrame.latch.UnpinExclusive(false)
		releasePath(ancestors)
		return 0, common.ErrKeyNotFound
	}
	t.pager.DecrKeyCount()
	underfull := leaf.Count() == 0 || leaf.Underfull()
	leafFrame.latch.UnpinExclusive(true)

	if !underfull || len(ancestors) == 0 {
		releasePath(ancestors)
		return pageID, nil
	}

	if err := t.rebalanceUp(ancestors, key); err != nil {
		return 0, err
	}
	return pageID, nil
}

// rebalanceUp walks from the leaf's parent upward, rebalancing each
// level that reports itself underfull, and collapses the root when it
// is left with a single child. Each ancestor's latch, still held from
// the original descent, is released as soon as RebalanceChild is done
// treating it as a parent — the next iteration up re-fetches it fresh
// as the child being rebalanced, which would deadlock on its own latch
// otherwise.
func (t *BTree) rebalanceUp(ancestors []pathFrame, key []byte) error {
	for i := len(ancestors) - 1; i >= 0; i-- {
		parentFrame := ancestors[i]
		parent := LoadInternalNode(parentFrame.page)
		childIdx := parent.FindChildIndex(key)

		underfull, err := RebalanceChild(t.pager, parent, childIdx)
		if err != nil {
			parentFrame.latch.UnpinExclusive(true)
			releasePath(ancestors[:i])
			return err
		}

		if i == 0 && underfull && parent.Count() == 0 {
			newRoot := parent.FirstChild()
			parentFrame.latch.UnpinExclusive(true)
			return t.pager.SetRootPageID(newRoot)
		}

		parentFrame.latch.UnpinExclusive(true)

		if !underfull {
			releasePath(ancestors[:i])
			return nil
		}
	}
	return nil
}

// ValidateStructure walks every reachable page exactly once,
// verifying the B+-tree ordering invariant, the forward-sorted
// next-leaf chain, and that the reachable key count matches the
// header's tracked count.
func (t *BTree) ValidateStructure() error {
	rootID := t.pager.RootPageID()
	if rootID == 0 {
		if t.pager.KeyCount() != 0 {
			return common.NewOperationError(common.OpInternalError, "empty tree has nonzero key count")
		}
		return nil
	}

	visited := make(map[uint32]bool)
	var firstLeaf uint32
	count, err := t.walkValidate(rootID, nil, nil, visited, &firstLeaf)
	if err != nil {
		return err
	}

	if int64(count) != t.pager.KeyCount() {
		return common.NewOperationError(common.OpInternalError, "reachable key count does not match header key count")
	}

	return t.validateLeafChain(firstLeaf)
}

func (t *BTree) walkValidate(id uint32, lowerBound, upperBound []byte, visited map[uint32]bool, firstLeaf *uint32) (int, error) {
	if visited[id] {
		return 0, common.NewOperationError(common.OpInternalError, "cycle detected in page graph")
	}
	visited[id] = true

	page, latch, err := t.pager.GetShared(id)
	if err != nil {
		return 0, err
	}
	defer latch.UnpinShared()

	if page.IsLeaf() {
		leaf := LoadLeafNode(page)
		count := int(leaf.Count())
		keys, _ := leaf.AllEntries()
		for i := 1; i < len(keys); i++ {
			if bytes.Compare(keys[i-1], keys[i]) >= 0 {
				return 0, common.NewOperationError(common.OpInternalError, "leaf keys not strictly ascending")
			}
		}
		if len(keys) > 0 {
			if lowerBound != nil && bytes.Compare(keys[0], lowerBound) < 0 {
				return 0, common.NewOperationError(common.OpInternalError, "leaf key below subtree lower bound")
			}
			if upperBound != nil && bytes.Compare(keys[len(keys)-1], upperBound) >= 0 {
				return 0, common.NewOperationError(common.OpInternalError, "leaf key at or above subtree upper bound")
			}
		}
		if *firstLeaf == 0 {
			*firstLeaf = id
		}
		return count, nil
	}

	node := LoadInternalNode(page)
	keys, children := node.AllEntries()
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			return 0, common.NewOperationError(common.OpInternalError, "internal separators not strictly ascending")
		}
	}

	total := 0
	for i, childID := range children {
		childLower, childUpper := lowerBound, upperBound
		if i > 0 {
			childLower = keys[i-1]
		}
		if i < len(keys) {
			childUpper = keys[i]
		}
		n, err := t.walkValidate(childID, childLower, childUpper, visited, firstLeaf)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (t *BTree) validateLeafChain(id uint32) error {
	var prevKey []byte
	for id != 0 {
		page, latch, err := t.pager.GetShared(id)
		if err != nil {
			return err
		}
		leaf := LoadLeafNode(page)
		keys, _ := leaf.AllEntries()
		if len(keys) > 0 {
			if prevKey != nil && bytes.Compare(prevKey, keys[0]) >= 0 {
				latch.UnpinShared()
				return common.NewOperationError(common.OpInternalError, "next-leaf chain out of order")
			}
			prevKey = keys[len(keys)-1]
		}
		next := leaf.NextLeaf()
		latch.UnpinShared()
		id = next
	}
	return nil
}
