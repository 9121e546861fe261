package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/bradcypert/lowkeydb-sub000/common"
)

// Internal payload header:
//
//	[count(2)][dataStart(2)][firstChild(4)] = 8 bytes
//
// followed by a cell directory growing from the low end, each cell
// {keyOffset(2), keyLen(2), child(4)} = 8 bytes, with key bytes packed
// from the high end. Cell i holds (separator[i], child[i+1]); child[0]
// is firstChild. child[i] holds keys < separator[i]; child[i+1] holds
// keys >= separator[i].
const (
	internalHeaderSize = 8
	internalOffCount   = 0
	internalOffData    = 2
	internalOffFirst   = 4
	internalCellSize   = 8
)

// InternalNode is a typed view over a KindInternal page.
type InternalNode struct {
	page *Page
}

func NewInternalNode(page *Page) *InternalNode {
	n := &InternalNode{page: page}
	n.setCount(0)
	n.setDataStart(uint16(len(page.Payload())))
	n.SetFirstChild(0)
	return n
}

func LoadInternalNode(page *Page) *InternalNode { return &InternalNode{page: page} }

func (n *InternalNode) Page() *Page { return n.page }

func (n *InternalNode) Count() uint16 {
	return binary.BigEndian.Uint16(n.page.Payload()[internalOffCount:])
}

func (n *InternalNode) setCount(c uint16) {
	binary.BigEndian.PutUint16(n.page.Payload()[internalOffCount:], c)
}

func (n *InternalNode) dataStart() uint16 {
	return binary.BigEndian.Uint16(n.page.Payload()[internalOffData:])
}

func (n *InternalNode) setDataStart(off uint16) {
	binary.BigEndian.PutUint16(n.page.Payload()[internalOffData:], off)
}

func (n *InternalNode) FirstChild() uint32 {
	return binary.BigEndian.Uint32(n.page.Payload()[internalOffFirst:])
}

func (n *InternalNode) SetFirstChild(id uint32) {
	binary.BigEndian.PutUint32(n.page.Payload()[internalOffFirst:], id)
}

func (n *InternalNode) cellOffset(i uint16) int { return internalHeaderSize + int(i)*internalCellSize }

func (n *InternalNode) cellAt(i uint16) (keyOff, keyLen uint16, child uint32) {
	payload := n.page.Payload()
	o := n.cellOffset(i)
	return binary.BigEndian.Uint16(payload[o:]), binary.BigEndian.Uint16(payload[o+2:]), binary.BigEndian.Uint32(payload[o+4:])
}

func (n *InternalNode) setCell(i uint16, keyOff, keyLen uint16, child uint32) {
	payload := n.page.Payload()
	o := n.cellOffset(i)
	binary.BigEndian.PutUint16(payload[o:], keyOff)
	binary.BigEndian.PutUint16(payload[o+2:], keyLen)
	binary.BigEndian.PutUint32(payload[o+4:], child)
}

// KeyAt returns the i-th separator key.
func (n *InternalNode) KeyAt(i uint16) []byte {
	off, keyLen, _ := n.cellAt(i)
	payload := n.page.Payload()
	out := make([]byte, keyLen)
	copy(out, payload[off:off+keyLen])
	return out
}

// ChildAt returns child[i] for i in [0, Count()].
func (n *InternalNode) ChildAt(i uint16) uint32 {
	if i == 0 {
		return n.FirstChild()
	}
	_, _, child := n.cellAt(i - 1)
	return child
}

// FindChildIndex returns i such that ChildAt(i) is the subtree key
// belongs in: the smallest i with key < separator[i], else Count().
func (n *InternalNode) FindChildIndex(key []byte) uint16 {
	count := n.Count()
	lo, hi := uint16(0), count
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(key, n.KeyAt(mid)) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func (n *InternalNode) freeSpace() int {
	count := n.Count()
	dirEnd := n.cellOffset(count)
	return int(n.dataStart()) - dirEnd
}

func internalCellCost(keyLen int) int { return internalCellSize + keyLen }

func (n *InternalNode) Fits(keyLen int) bool {
	return n.freeSpace() >= internalCellCost(keyLen)
}

// InsertSeparator inserts (key, rightChild) at logical position idx:
// rightChild becomes ChildAt(idx+1), and the previous ChildAt(idx+1)
// shifts right. idx is obtained from FindChildIndex on the promoted
// key before the split that produced rightChild.
func (n *InternalNode) InsertSeparator(idx uint16, key []byte, rightChild uint32) error {
	if len(key) > MaxKeySize {
		return common.NewOperationError(common.OpKeyTooLarge, "separator key exceeds maximum length")
	}
	if !n.Fits(len(key)) {
		return common.NewOperationError(common.OpOutOfMemory, "internal page full")
	}

	count := n.Count()
	newOff := n.dataStart() - uint16(len(key))
	payload := n.page.Payload()
	copy(payload[newOff:], key)

	for i := count; i > idx; i-- {
		off, kl, child := n.cellAt(i - 1)
		n.setCell(i, off, kl, child)
	}
	n.setCell(idx, newOff, uint16(len(key)), rightChild)
	n.setCount(count + 1)
	n.setDataStart(newOff)
	return nil
}

// RemoveSeparator deletes separator/child pair at cell index idx,
// where ChildAt(idx+1) is the child being collapsed away (the caller
// has already merged its contents into a sibling).
func (n *InternalNode) RemoveSeparator(idx uint16) {
	count := n.Count()
	for i := idx; i < count-1; i++ {
		off, kl, child := n.cellAt(i + 1)
		n.setCell(i, off, kl, child)
	}
	n.setCount(count - 1)
}

// ReplaceKeyAt rewrites the separator key at cell index idx in place,
// used when a borrow from a sibling changes the dividing key.
func (n *InternalNode) ReplaceKeyAt(idx uint16, key []byte) error {
	_, _, child := n.cellAt(idx)
	if !n.canReplaceInPlace(idx, key) {
		n.Compact()
	}
	if !n.canReplaceInPlace(idx, key) {
		return common.NewOperationError(common.OpOutOfMemory, "internal page full")
	}
	newOff := n.dataStart() - uint16(len(key))
	copy(n.page.Payload()[newOff:], key)
	n.setCell(idx, newOff, uint16(len(key)), child)
	n.setDataStart(newOff)
	return nil
}

func (n *InternalNode) canReplaceInPlace(idx uint16, key []byte) bool {
	return n.freeSpace() >= len(key)
}

// Compact repacks live separator key bytes contiguously from the high
// end, in current cell order.
func (n *InternalNode) Compact() {
	count := n.Count()
	keys := make([][]byte, count)
	children := make([]uint32, count)
	for i := uint16(0); i < count; i++ {
		keys[i] = n.KeyAt(i)
		_, _, child := n.cellAt(i)
		children[i] = child
	}

	payload := n.page.Payload()
	cursor := uint16(len(payload))
	for i := int(count) - 1; i >= 0; i-- {
		cursor -= uint16(len(keys[i]))
		copy(payload[cursor:], keys[i])
		n.setCell(uint16(i), cursor, uint16(len(keys[i])), children[i])
	}
	n.setDataStart(cursor)
}

// AllEntries returns (keys, children) with len(children) == len(keys)+1,
// used by split/merge/redistribute to rebuild a node wholesale.
func (n *InternalNode) AllEntries() (keys [][]byte, children []uint32) {
	count := n.Count()
	keys = make([][]byte, count)
	children = make([]uint32, count+1)
	children[0] = n.FirstChild()
	for i := uint16(0); i < count; i++ {
		keys[i] = n.KeyAt(i)
		_, _, child := n.cellAt(i)
		children[i+1] = child
	}
	return keys, children
}

// Rebuild wholesale-replaces this node's contents from (keys,
// children) with len(children) == len(keys)+1.
func (n *InternalNode) Rebuild(keys [][]byte, children []uint32) error {
	n.setCount(0)
	n.setDataStart(uint16(len(n.page.Payload())))
	n.SetFirstChild(children[0])
	for i, key := range keys {
		if err := n.InsertSeparator(uint16(i), key, children[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (n *InternalNode) Underfull() bool {
	return n.freeSpace() > len(n.page.Payload())/2
}
