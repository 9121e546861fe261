package btree

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
)

// Pager owns page allocation and the header page's bookkeeping fields
// (root, free list, page count, key count) on top of a BufferPool. It
// is the only component that mutates page 0, always under that page's
// exclusive buffer-pool latch.
type Pager struct {
	bp   *BufferPool
	file *os.File

	keyCount atomic.Int64

	// headerMu serializes the read-modify-write of root/freelist/
	// pagecount across concurrent allocators; the page-0 latch still
	// guards the bytes themselves against a racing flush/eviction.
	headerMu sync.Mutex
}

// OpenPager opens (creating if absent) the data file at path and wires
// it to a BufferPool with the given frame capacity.
func OpenPager(path string, cacheCapacity int) (*Pager, error) {
	file, existed, err := openOrCreate(path)
	if err != nil {
		return nil, err
	}

	bp := NewBufferPool(cacheCapacity)
	bp.SetFile(file)
	pg := &Pager{bp: bp, file: file}

	if !existed {
		h := NewHeaderPage()
		if _, err := file.WriteAt(h.Page().Data(), 0); err != nil {
			file.Close()
			return nil, err
		}
		pg.keyCount.Store(0)
		return pg, nil
	}

	page, latch, err := bp.GetShared(0)
	if err != nil {
		file.Close()
		return nil, err
	}
	h := LoadHeaderPage(page)
	if err := h.Validate(); err != nil {
		latch.UnpinShared()
		file.Close()
		return nil, err
	}
	pg.keyCount.Store(int64(h.KeyCount()))
	latch.UnpinShared()

	return pg, nil
}

func openOrCreate(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err == nil {
		return f, true, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, err
	}
	return f, false, nil
}

func (pg *Pager) BufferPool() *BufferPool { return pg.bp }

// RootPageID reads the current root page id (0 means an empty tree).
func (pg *Pager) RootPageID() uint32 {
	page, latch, err := pg.bp.GetShared(0)
	if err != nil {
		return 0
	}
	defer latch.UnpinShared()
	return LoadHeaderPage(page).RootPage()
}

// SetRootPageID publishes a new root page id through page 0's
// exclusive latch.
func (pg *Pager) SetRootPageID(id uint32) error {
	page, latch, err := pg.bp.GetExclusive(0)
	if err != nil {
		return err
	}
	defer latch.UnpinExclusive(true)
	LoadHeaderPage(page).SetRootPage(id)
	return nil
}

func (pg *Pager) PageCount() uint32 {
	page, latch, err := pg.bp.GetShared(0)
	if err != nil {
		return 0
	}
	defer latch.UnpinShared()
	return LoadHeaderPage(page).PageCount()
}

// KeyCount returns the in-memory atomic counter.
func (pg *Pager) KeyCount() int64 { return pg.keyCount.Load() }

func (pg *Pager) IncrKeyCount() { pg.keyCount.Add(1) }
func (pg *Pager) DecrKeyCount() { pg.keyCount.Add(-1) }

// syncKeyCountToHeader publishes the in-memory key count into page 0.
func (pg *Pager) syncKeyCountToHeader() error {
	page, latch, err := pg.bp.GetExclusive(0)
	if err != nil {
		return err
	}
	defer latch.UnpinExclusive(true)
	LoadHeaderPage(page).SetKeyCount(uint64(pg.keyCount.Load()))
	return nil
}

// GetShared returns a read-pinned page of either kind.
func (pg *Pager) GetShared(id uint32) (*Page, *PageLatch, error) {
	return pg.bp.GetShared(id)
}

func (pg *Pager) GetExclusive(id uint32) (*Page, *PageLatch, error) {
	return pg.bp.GetExclusive(id)
}

// NewPage allocates a page of the given kind: reused from the free
// list if one is available, otherwise appended to the end of the
// file. Free-page-list updates run under page 0's exclusive latch.
func (pg *Pager) NewPage(kind byte) (*Page, *PageLatch, error) {
	pg.headerMu.Lock()
	defer pg.headerMu.Unlock()

	hpage, hlatch, err := pg.bp.GetExclusive(0)
	if err != nil {
		return nil, nil, err
	}
	h := LoadHeaderPage(hpage)

	if head := h.FreeListHead(); head != 0 {
		freePage, freeLatch, err := pg.bp.GetExclusive(head)
		if err != nil {
			hlatch.UnpinExclusive(false)
			return nil, nil, err
		}
		next := binary.BigEndian.Uint32(freePage.Payload()[:4])
		h.SetFreeListHead(next)
		hlatch.UnpinExclusive(true)

		reused := NewPage(head, kind)
		copy(freePage.Data(), reused.Data())
		return freePage, freeLatch, nil
	}

	newID := h.PageCount()
	h.SetPageCount(newID + 1)
	hlatch.UnpinExclusive(true)

	p := NewPage(newID, kind)
	p.UpdateChecksum()
	if err := pg.bp.ExtendFile(newID, p); err != nil {
		return nil, nil, err
	}

	page, latch, err := pg.bp.GetExclusive(newID)
	if err != nil {
		return nil, nil, err
	}
	return page, latch, nil
}

// FreePage places pageID onto the head of the free list, rewriting its
// cached frame as a KindFree page whose payload links to the previous
// head; the page id becomes reusable by a future NewPage.
func (pg *Pager) FreePage(id uint32) error {
	pg.headerMu.Lock()
	defer pg.headerMu.Unlock()

	page, latch, err := pg.bp.GetExclusive(id)
	if err != nil {
		return err
	}
	freed := NewPage(id, KindFree)

	hpage, hlatch, err := pg.bp.GetExclusive(0)
	if err != nil {
		latch.UnpinExclusive(false)
		return err
	}
	h := LoadHeaderPage(hpage)
	binary.BigEndian.PutUint32(freed.Payload()[:4], h.FreeListHead())
	h.SetFreeListHead(id)
	hlatch.UnpinExclusive(true)

	copy(page.Data(), freed.Data())
	latch.UnpinExclusive(true)
	return nil
}

// Flush writes every dirty page (including page 0) to disk.
func (pg *Pager) Flush() error {
	if err := pg.syncKeyCountToHeader(); err != nil {
		return err
	}
	return pg.bp.FlushAll()
}

// Sync flushes and fsyncs the data file.
func (pg *Pager) Sync() error {
	if err := pg.Flush(); err != nil {
		return err
	}
	return pg.file.Sync()
}

func (pg *Pager) Close() error {
	if err := pg.Sync(); err != nil {
		pg.file.Close()
		return err
	}
	return pg.file.Close()
}
