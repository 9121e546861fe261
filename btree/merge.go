package btree

func (pg *Pager) fetchExclusive(id uint32) (*Page, *PageLatch, error) {
	return pg.GetExclusive(id)
}

// RebalanceChild restores the fill invariant for parent's child at
// childIndex after a deletion left it underfull, trying borrow-left,
// borrow-right, merge-left, merge-right in that priority order. After
// a merge it reports whether parent itself is now underfull, so the
// caller can continue propagating one level up; a borrow leaves parent
// with all its children and reports false.
func RebalanceChild(pg *Pager, parent *InternalNode, childIndex uint16) (parentUnderfull bool, err error) {
	childID := parent.ChildAt(childIndex)
	childPage, childLatch, err := pg.fetchExclusive(childID)
	if err != nil {
		return false, err
	}

	isLeaf := childPage.IsLeaf()

	if childIndex > 0 {
		leftID := parent.ChildAt(childIndex - 1)
		leftPage, leftLatch, err := pg.fetchExclusive(leftID)
		if err != nil {
			childLatch.UnpinExclusive(false)
			return false, err
		}

		ok, err := tryBorrowLeft(pg, parent, childIndex, isLeaf, leftPage, leftLatch, childPage, childLatch)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}

	if int(childIndex) < int(parent.Count()) {
		rightID := parent.ChildAt(childIndex + 1)
		rightPage, rightLatch, err := pg.fetchExclusive(rightID)
		if err != nil {
			childLatch.UnpinExclusive(false)
			return false, err
		}

		ok, err := tryBorrowRight(pg, parent, childIndex, isLeaf, childPage, childLatch, rightPage, rightLatch)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}

	if childIndex > 0 {
		leftID := parent.ChildAt(childIndex - 1)
		leftPage, leftLatch, err := pg.fetchExclusive(leftID)
		if err != nil {
			childLatch.UnpinExclusive(false)
			return false, err
		}
		if err := mergeSiblings(pg, parent, childIndex-1, isLeaf, leftPage, leftLatch, childPage, childLatch); err != nil {
			return false, err
		}
		return parent.Underfull(), nil
	}

	rightID := parent.ChildAt(childIndex + 1)
	rightPage, rightLatch, err := pg.fetchExclusive(rightID)
	if err != nil {
		childLatch.UnpinExclusive(false)
		return false, err
	}
	if err := mergeSiblings(pg, parent, childIndex, isLeaf, childPage, childLatch, rightPage, rightLatch); err != nil {
		return false, err
	}
	return parent.Underfull(), nil
}

// tryBorrowLeft attempts to rotate one entry from the left sibling
// into child. Releases both latches and returns ok=true on success;
// on failure (left has nothing to spare) it releases the left latch
// only and leaves child latched for the next attempt.
func tryBorrowLeft(pg *Pager, parent *InternalNode, childIndex uint16, isLeaf bool, leftPage *Page, leftLatch *PageLatch, childPage *Page, childLatch *PageLatch) (bool, error) {
	if isLeaf {
		left := LoadLeafNode(leftPage)
		child := LoadLeafNode(childPage)
		if left.Count() <= 1 || !spareAfterLoss(left) {
			leftLatch.UnpinExclusive(false)
			return false, nil
		}
		keys, vals := left.AllEntries()
		lastIdx := len(keys) - 1
		borrowedKey, borrowedVal := keys[lastIdx], vals[lastIdx]

		if err := left.Rebuild(keys[:lastIdx], vals[:lastIdx]); err != nil {
			leftLatch.UnpinExclusive(false)
			childLatch.UnpinExclusive(false)
			return false, err
		}
		ckeys, cvals := child.AllEntries()
		newKeys := append([][]byte{borrowedKey}, ckeys...)
		newVals := append([][]byte{borrowedVal}, cvals...)
		if err := child.Rebuild(newKeys, newVals); err != nil {
			leftLatch.UnpinExclusive(true)
			childLatch.UnpinExclusive(false)
			return false, err
		}
		if err := parent.ReplaceKeyAt(childIndex-1, borrowedKey); err != nil {
			leftLatch.UnpinExclusive(true)
			childLatch.UnpinExclusive(true)
			return false, err
		}
		leftLatch.UnpinExclusive(true)
		childLatch.UnpinExclusive(true)
		return true, nil
	}

	left := LoadInternalNode(leftPage)
	child := LoadInternalNode(childPage)
	if left.Count() <= 1 || !spareAfterLossInternal(left) {
		leftLatch.UnpinExclusive(false)
		return false, nil
	}
	leftKeys, leftChildren := left.AllEntries()
	lastKeyIdx := len(leftKeys) - 1
	lastChildIdx := len(leftChildren) - 1
	rotatedKey := leftKeys[lastKeyIdx]
	rotatedChild := leftChildren[lastChildIdx]
	separator := parent.KeyAt(childIndex - 1)

	if err := left.Rebuild(leftKeys[:lastKeyIdx], leftChildren[:lastChildIdx]); err != nil {
		leftLatch.UnpinExclusive(false)
		childLatch.UnpinExclusive(false)
		return false, err
	}
	ckeys, cchildren := child.AllEntries()
	newKeys := append([][]byte{separator}, ckeys...)
	newChildren := append([]uint32{rotatedChild}, cchildren...)
	if err := child.Rebuild(newKeys, newChildren); err != nil {
		leftLatch.UnpinExclusive(true)
		childLatch.UnpinExclusive(false)
		return false, err
	}
	if err := parent.ReplaceKeyAt(childIndex-1, rotatedKey); err != nil {
		leftLatch.UnpinExclusive(true)
		childLatch.UnpinExclusive(true)
		return false, err
	}
	leftLatch.UnpinExclusive(true)
	childLatch.UnpinExclusive(true)
	return true, nil
}

func tryBorrowRight(pg *Pager, parent *InternalNode, childIndex uint16, isLeaf bool, childPage *Page, childLatch *PageLatch, rightPage *Page, rightLatch *PageLatch) (bool, error) {
	if isLeaf {
		child := LoadLeafNode(childPage)
		right := LoadLeafNode(rightPage)
		if right.Count() <= 1 || !spareAfterLoss(right) {
			rightLatch.UnpinExclusive(false)
			return false, nil
		}
		keys, vals := right.AllEntries()
		borrowedKey, borrowedVal := keys[0], vals[0]

		if err := right.Rebuild(keys[1:], vals[1:]); err != nil {
			rightLatch.UnpinExclusive(false)
			childLatch.UnpinExclusive(false)
			return false, err
		}
		ckeys, cvals := child.AllEntries()
		newKeys := append(append([][]byte{}, ckeys...), borrowedKey)
		newVals := append(append([][]byte{}, cvals...), borrowedVal)
		if err := child.Rebuild(newKeys, newVals); err != nil {
			rightLatch.UnpinExclusive(true)
			childLatch.UnpinExclusive(false)
			return false, err
		}
		newSeparator := right.KeyAt(0)
		if err := parent.ReplaceKeyAt(childIndex, newSeparator); err != nil {
			rightLatch.UnpinExclusive(true)
			childLatch.UnpinExclusive(true)
			return false, err
		}
		rightLatch.UnpinExclusive(true)
		childLatch.UnpinExclusive(true)
		return true, nil
	}

	child := LoadInternalNode(childPage)
	right := LoadInternalNode(rightPage)
	if right.Count() <= 1 || !spareAfterLossInternal(right) {
		rightLatch.UnpinExclusive(false)
		return false, nil
	}
	rightKeys, rightChildren := right.AllEntries()
	rotatedKey := rightKeys[0]
	rotatedChild := rightChildren[0]
	separator := parent.KeyAt(childIndex)

	if err := right.Rebuild(rightKeys[1:], rightChildren[1:]); err != nil {
		rightLatch.UnpinExclusive(false)
		childLatch.UnpinExclusive(false)
		return false, err
	}
	ckeys, cchildren := child.AllEntries()
	newKeys := append(append([][]byte{}, ckeys...), separator)
	newChildren := append(append([]uint32{}, cchildren...), rotatedChild)
	if err := child.Rebuild(newKeys, newChildren); err != nil {
		rightLatch.UnpinExclusive(true)
		childLatch.UnpinExclusive(false)
		return false, err
	}
	if err := parent.ReplaceKeyAt(childIndex, rotatedKey); err != nil {
		rightLatch.UnpinExclusive(true)
		childLatch.UnpinExclusive(true)
		return false, err
	}
	rightLatch.UnpinExclusive(true)
	childLatch.UnpinExclusive(true)
	return true, nil
}

// mergeSiblings merges right's contents into left (both latched
// exclusively), removes the separator between them from parent, and
// returns right's page to the free list. leftIdx is the index in
// parent of the separator key dividing left and right (parent.ChildAt
// (leftIdx) == left, parent.ChildAt(leftIdx+1) == right).
func mergeSiblings(pg *Pager, parent *InternalNode, leftIdx uint16, isLeaf bool, leftPage *Page, leftLatch *PageLatch, rightPage *Page, rightLatch *PageLatch) error {
	if isLeaf {
		left := LoadLeafNode(leftPage)
		right := LoadLeafNode(rightPage)
		lkeys, lvals := left.AllEntries()
		rkeys, rvals := right.AllEntries()

		merged := append(append([][]byte{}, lkeys...), rkeys...)
		mergedVals := append(append([][]byte{}, lvals...), rvals...)
		if err := left.Rebuild(merged, mergedVals); err != nil {
			leftLatch.UnpinExclusive(false)
			rightLatch.UnpinExclusive(false)
			return err
		}
		left.SetNextLeaf(right.NextLeaf())
		rightID := rightPage.ID()
		rightLatch.UnpinExclusive(false)
		leftLatch.UnpinExclusive(true)

		parent.RemoveSeparator(leftIdx)
		return pg.FreePage(rightID)
	}

	left := LoadInternalNode(leftPage)
	right := LoadInternalNode(rightPage)
	lkeys, lchildren := left.AllEntries()
	rkeys, rchildren := right.AllEntries()
	separator := parent.KeyAt(leftIdx)

	mergedKeys := append(append(append([][]byte{}, lkeys...), separator), rkeys...)
	mergedChildren := append(append([]uint32{}, lchildren...), rchildren...)
	if err := left.Rebuild(mergedKeys, mergedChildren); err != nil {
		leftLatch.UnpinExclusive(false)
		rightLatch.UnpinExclusive(false)
		return err
	}
	rightID := rightPage.ID()
	rightLatch.UnpinExclusive(false)
	leftLatch.UnpinExclusive(true)

	parent.RemoveSeparator(leftIdx)
	return pg.FreePage(rightID)
}

// spareAfterLoss reports whether a leaf with more than one entry can
// give one up to a sibling without becoming empty itself.
func spareAfterLoss(l *LeafNode) bool { return l.Count() > 1 }

// spareAfterLossInternal mirrors spareAfterLoss for internal nodes.
func spareAfterLossInternal(n *InternalNode) bool { return n.Count() > 1 }
