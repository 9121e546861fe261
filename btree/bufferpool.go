package btree

import (
	"container/list"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bradcypert/lowkeydb-sub000/common"
)

// frame is a cached page plus the latch guarding it.
type frame struct {
	page  *Page
	latch PageLatch
}

// BufferPool is a fixed-capacity page cache. A single mutex protects
// the page map and the LRU list together,
// deliberately avoiding a second, separately-ordered LRU lock.
type BufferPool struct {
	mu       sync.Mutex
	file     *os.File
	capacity int
	frames   map[uint32]*frame
	lru      *list.List
	lruElem  map[uint32]*list.Element

	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	writebacks atomic.Uint64
}

// NewBufferPool creates a pool with the given frame capacity. SetFile
// must be called before any page I/O is attempted.
func NewBufferPool(capacity int) *BufferPool {
	return &BufferPool{
		capacity: capacity,
		frames:   make(map[uint32]*frame, capacity),
		lru:      list.New(),
		lruElem:  make(map[uint32]*list.Element, capacity),
	}
}

// SetFile attaches the backing data file.
func (bp *BufferPool) SetFile(f *os.File) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.file = f
}

// GetShared returns a read-pinned frame for pageID, loading it from
// disk on a cache miss.
func (bp *BufferPool) GetShared(pageID uint32) (*Page, *PageLatch, error) {
	fr, err := bp.acquireFrame(pageID)
	if err != nil {
		return nil, nil, err
	}
	fr.latch.PinShared()
	return fr.page, &fr.latch, nil
}

// GetExclusive returns a write-pinned frame for pageID, loading it
// from disk on a cache miss.
func (bp *BufferPool) GetExclusive(pageID uint32) (*Page, *PageLatch, error) {
	fr, err := bp.acquireFrame(pageID)
	if err != nil {
		return nil, nil, err
	}
	fr.latch.PinExclusive()
	return fr.page, &fr.latch, nil
}

// acquireFrame finds or loads the frame for pageID and moves it to the
// MRU end, under the pool mutex only; the page latch itself is
// acquired by the caller after the mutex is released.
func (bp *BufferPool) acquireFrame(pageID uint32) (*frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if fr, ok := bp.frames[pageID]; ok {
		bp.hits.Add(1)
		if elem, ok := bp.lruElem[pageID]; ok {
			bp.lru.MoveToFront(elem)
		}
		return fr, nil
	}

	bp.misses.Add(1)

	page, err := bp.readPageLocked(pageID)
	if err != nil {
		return nil, err
	}

	if len(bp.frames) >= bp.capacity {
		if err := bp.evictLocked(); err != nil {
			return nil, err
		}
	}

	fr := &frame{page: page}
	bp.frames[pageID] = fr
	bp.lruElem[pageID] = bp.lru.PushFront(pageID)
	return fr, nil
}

// readPageLocked reads pageID from disk. A read past end-of-file
// returns a freshly initialized blank page (used for ids allocated by
// the caller but not yet flushed).
func (bp *BufferPool) readPageLocked(pageID uint32) (*Page, error) {
	if bp.file == nil {
		return nil, common.NewOperationError(common.OpInternalError, "buffer pool has no backing file")
	}

	offset := int64(pageID) * PageSize
	info, err := bp.file.Stat()
	if err != nil {
		return nil, err
	}
	if offset+PageSize > info.Size() {
		return NewPage(pageID, KindFree), nil
	}

	buf := make([]byte, PageSize)
	if _, err := bp.file.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return LoadPage(pageID, buf), nil
}

// evictLocked evicts the least-recently-used unpinned frame, scanning
// from the LRU tail. Callers hold bp.mu.
func (bp *BufferPool) evictLocked() error {
	for elem := bp.lru.Back(); elem != nil; elem = elem.Prev() {
		pageID := elem.Value.(uint32)
		fr := bp.frames[pageID]
		if fr.latch.IsPinned() {
			continue
		}

		if fr.latch.IsDirty() {
			if err := bp.writePageLocked(fr.page); err != nil {
				return err
			}
			fr.latch.ClearDirty()
			bp.writebacks.Add(1)
		}

		delete(bp.frames, pageID)
		delete(bp.lruElem, pageID)
		bp.lru.Remove(elem)
		bp.evictions.Add(1)
		return nil
	}

	return common.NewOperationError(common.OpOutOfBuffers, fmt.Sprintf("no unpinned frame to evict (capacity %d)", bp.capacity))
}

func (bp *BufferPool) writePageLocked(p *Page) error {
	p.UpdateChecksum()
	_, err := bp.file.WriteAt(p.Data(), int64(p.ID())*PageSize)
	return err
}

// Flush writes a single page back to disk if dirty and clears its
// dirty bit. Fsync is not performed here; it is driven by the WAL and
// the engine's checkpoint path.
func (bp *BufferPool) Flush(pageID uint32) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fr, ok := bp.frames[pageID]
	if !ok {
		return nil
	}
	if !fr.latch.IsDirty() {
		return nil
	}
	if err := bp.writePageLocked(fr.page); err != nil {
		return err
	}
	fr.latch.ClearDirty()
	bp.writebacks.Add(1)
	return nil
}

// FlushAll writes every dirty frame back to disk.
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for pageID, fr := range bp.frames {
		if !fr.latch.IsDirty() {
			continue
		}
		if err := bp.writePageLocked(fr.page); err != nil {
			return err
		}
		fr.latch.ClearDirty()
		bp.writebacks.Add(1)
		_ = pageID
	}
	return nil
}

// Stats returns a snapshot of the pool's counters. It is legal to call
// this without holding the pool mutex.
func (bp *BufferPool) Stats() common.BufferStats {
	hits := bp.hits.Load()
	misses := bp.misses.Load()
	total := hits + misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}

	bp.mu.Lock()
	inBuffer := len(bp.frames)
	cap := bp.capacity
	bp.mu.Unlock()

	return common.BufferStats{
		Hits:          hits,
		Misses:        misses,
		Evictions:     bp.evictions.Load(),
		Writebacks:    bp.writebacks.Load(),
		HitRatio:      ratio,
		PagesInBuffer: inBuffer,
		Capacity:      cap,
	}
}

// ExtendFile grows the backing file to hold pageID by writing a blank
// page at its offset, used when allocating past current EOF.
func (bp *BufferPool) ExtendFile(pageID uint32, p *Page) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.writePageLocked(p)
}

// Discard drops a cached frame without flushing it, for a page whose
// contents no longer matter.
func (bp *BufferPool) Discard(pageID uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if elem, ok := bp.lruElem[pageID]; ok {
		bp.lru.Remove(elem)
		delete(bp.lruElem, pageID)
	}
	delete(bp.frames, pageID)
}
