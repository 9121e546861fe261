package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/bradcypert/lowkeydb-sub000/common"
)

// MaxKeySize bounds every key stored in the tree:
// internal separators are bounded to 64 bytes, and a separator is
// always copied from some leaf's key, so the bound is enforced
// uniformly at the leaf.
const MaxKeySize = 64

// Leaf payload header:
//
//	[count(2)][dataStart(2)][nextLeaf(4)] = 8 bytes
//
// followed by a slot directory growing from the low end, each slot
// {dataOffset(2), keyLen(2), valLen(2)} = 6 bytes, with key|value bytes
// packed from the high end. Slots are kept in ascending key order.
const (
	leafHeaderSize = 8
	leafOffCount   = 0
	leafOffData    = 2
	leafOffNext    = 4
	leafSlotSize   = 6
)

// MaxFragmentation is the fraction of the data region that may be dead
// (reclaimed by deleted slots but not yet compacted). A Delete that
// pushes the ratio past it compacts the leaf; an Insert that does not
// fit compacts first when the ratio is past it.
const MaxFragmentation = 0.25

// LeafNode is a typed view over a KindLeaf page.
type LeafNode struct {
	page *Page
}

// NewLeafNode initializes a freshly allocated leaf page.
func NewLeafNode(page *Page) *LeafNode {
	l := &LeafNode{page: page}
	l.setCount(0)
	l.setDataStart(uint16(len(page.Payload())))
	l.SetNextLeaf(0)
	return l
}

// LoadLeafNode wraps an existing leaf page.
func LoadLeafNode(page *Page) *LeafNode { return &LeafNode{page: page} }

func (l *LeafNode) Page() *Page { return l.page }

func (l *LeafNode) Count() uint16 {
	return binary.BigEndian.Uint16(l.page.Payload()[leafOffCount:])
}

func (l *LeafNode) setCount(n uint16) {
	binary.BigEndian.PutUint16(l.page.Payload()[leafOffCount:], n)
}

func (l *LeafNode) dataStart() uint16 {
	return binary.BigEndian.Uint16(l.page.Payload()[leafOffData:])
}

func (l *LeafNode) setDataStart(off uint16) {
	binary.BigEndian.PutUint16(l.page.Payload()[leafOffData:], off)
}

func (l *LeafNode) NextLeaf() uint32 {
	return binary.BigEndian.Uint32(l.page.Payload()[leafOffNext:])
}

func (l *LeafNode) SetNextLeaf(id uint32) {
	binary.BigEndian.PutUint32(l.page.Payload()[leafOffNext:], id)
}

func (l *LeafNode) slotOffset(i uint16) int { return leafHeaderSize + int(i)*leafSlotSize }

func (l *LeafNode) slotAt(i uint16) (dataOff, keyLen, valLen uint16) {
	payload := l.page.Payload()
	o := l.slotOffset(i)
	return binary.BigEndian.Uint16(payload[o:]), binary.BigEndian.Uint16(payload[o+2:]), binary.BigEndian.Uint16(payload[o+4:])
}

func (l *LeafNode) setSlot(i uint16, dataOff, keyLen, valLen uint16) {
	payload := l.page.Payload()
	o := l.slotOffset(i)
	binary.BigEndian.PutUint16(payload[o:], dataOff)
	binary.BigEndian.PutUint16(payload[o+2:], keyLen)
	binary.BigEndian.PutUint16(payload[o+4:], valLen)
}

// KeyAt and ValueAt return copies of the entry at slot i.
func (l *LeafNode) KeyAt(i uint16) []byte {
	off, keyLen, _ := l.slotAt(i)
	payload := l.page.Payload()
	out := make([]byte, keyLen)
	copy(out, payload[off:off+keyLen])
	return out
}

func (l *LeafNode) ValueAt(i uint16) []byte {
	off, keyLen, valLen := l.slotAt(i)
	payload := l.page.Payload()
	out := make([]byte, valLen)
	copy(out, payload[int(off)+int(keyLen):int(off)+int(keyLen)+int(valLen)])
	return out
}

// Search returns the slot index of key if present (found=true), or
// the sorted insertion index otherwise.
func (l *LeafNode) Search(key []byte) (idx int, found bool) {
	count := int(l.Count())
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(key, l.KeyAt(uint16(mid)))
		switch {
		case cmp == 0:
			return mid, true
		case cmp < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

func (l *LeafNode) freeSpace() int {
	count := l.Count()
	dirEnd := l.slotOffset(count)
	return int(l.dataStart()) - dirEnd
}

func cellSize(keyLen, valLen int) int { return leafSlotSize + keyLen + valLen }

// Fits reports whether a new entry of the given sizes has room
// without a split.
func (l *LeafNode) Fits(keyLen, valLen int) bool {
	return l.freeSpace() >= cellSize(keyLen, valLen)
}

// deadBytes is the portion of the data region no live slot points
// into (left behind by Delete without compaction).
func (l *LeafNode) deadBytes() int {
	total := len(l.page.Payload()) - int(l.dataStart())
	live := 0
	count := l.Count()
	for i := uint16(0); i < count; i++ {
		_, keyLen, valLen := l.slotAt(i)
		live += int(keyLen) + int(valLen)
	}
	return total - live
}

func (l *LeafNode) fragmentationRatio() float64 {
	total := len(l.page.Payload()) - int(l.dataStart())
	if total == 0 {
		return 0
	}
	return float64(l.deadBytes()) / float64(total)
}

// Insert places (key, value) in sorted position. Returns
// common.OpInvalidOperation if key already exists, common.OpKeyTooLarge
// if key is too long, or common.OpOutOfMemory if the entry doesn't fit.
func (l *LeafNode) Insert(key, value []byte) error {
	if len(key) > MaxKeySize {
		return common.NewOperationError(common.OpKeyTooLarge, "key exceeds maximum length")
	}

	idx, found := l.Search(key)
	if found {
		return common.NewOperationError(common.OpInvalidOperation, "key already exists")
	}

	if !l.Fits(len(key), len(value)) {
		if l.fragmentationRatio() > MaxFragmentation {
			l.Compact()
			if l.Fits(len(key), len(value)) {
				return l.insertAt(idx, key, value)
			}
		}
		return common.NewOperationError(common.OpOutOfMemory, "leaf page full")
	}

	return l.insertAt(idx, key, value)
}

func (l *LeafNode) insertAt(idx int, key, value []byte) error {
	count := l.Count()
	newOff := l.dataStart() - uint16(len(key)+len(value))

	payload := l.page.Payload()
	copy(payload[newOff:], key)
	copy(payload[int(newOff)+len(key):], value)

	for i := count; i > uint16(idx); i-- {
		off, kl, vl := l.slotAt(i - 1)
		l.setSlot(i, off, kl, vl)
	}
	l.setSlot(uint16(idx), newOff, uint16(len(key)), uint16(len(value)))
	l.setCount(count + 1)
	l.setDataStart(newOff)
	return nil
}

// Delete removes the entry for key, reclaiming its slot. Its byte
// range stays dead until a compaction, which Delete runs itself once
// the fragmentation ratio exceeds MaxFragmentation. Returns false if
// key was absent.
func (l *LeafNode) Delete(key []byte) bool {
	idx, found := l.Search(key)
	if !found {
		return false
	}
	count := l.Count()
	for i := uint16(idx); i < count-1; i++ {
		off, kl, vl := l.slotAt(i + 1)
		l.setSlot(i, off, kl, vl)
	}
	l.setCount(count - 1)

	if l.fragmentationRatio() > MaxFragmentation {
		l.Compact()
	}
	return true
}

// Compact eliminates fragmentation by repacking live key|value bytes
// contiguously from the high end, in current slot order.
func (l *LeafNode) Compact() {
	count := l.Count()
	type entry struct {
		key, val []byte
	}
	entries := make([]entry, count)
	for i := uint16(0); i < count; i++ {
		entries[i] = entry{key: l.KeyAt(i), val: l.ValueAt(i)}
	}

	payload := l.page.Payload()
	cursor := uint16(len(payload))
	for i := int(count) - 1; i >= 0; i-- {
		e := entries[i]
		cursor -= uint16(len(e.key) + len(e.val))
		copy(payload[cursor:], e.key)
		copy(payload[int(cursor)+len(e.key):], e.val)
		l.setSlot(uint16(i), cursor, uint16(len(e.key)), uint16(len(e.val)))
	}
	l.setDataStart(cursor)
}

// AllEntries returns every (key, value) pair in sorted order, used by
// split/merge/redistribute to rebuild a node wholesale.
func (l *LeafNode) AllEntries() (keys, vals [][]byte) {
	count := l.Count()
	keys = make([][]byte, count)
	vals = make([][]byte, count)
	for i := uint16(0); i < count; i++ {
		keys[i] = l.KeyAt(i)
		vals[i] = l.ValueAt(i)
	}
	return keys, vals
}

// Rebuild wholesale-replaces this leaf's contents, preserving
// nextLeaf.
func (l *LeafNode) Rebuild(keys, vals [][]byte) error {
	next := l.NextLeaf()
	l.setCount(0)
	l.setDataStart(uint16(len(l.page.Payload())))
	for i := range keys {
		if err := l.insertAt(i, keys[i], vals[i]); err != nil {
			return err
		}
	}
	l.SetNextLeaf(next)
	return nil
}

// Underfull reports whether the leaf holds fewer than half of a
// reference node's typical capacity.
func (l *LeafNode) Underfull() bool {
	return l.freeSpace() > len(l.page.Payload())/2
}
