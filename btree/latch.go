package btree

import (
	"sync"
	"sync/atomic"
)

// PageLatch is a short-lived, page-granular reader-writer lock
// distinct from the transaction manager's higher-level locks, with an
// atomic pin count (never evict a pinned frame) and an atomic dirty
// bit.
type PageLatch struct {
	mu    sync.RWMutex
	pins  atomic.Int32
	dirty atomic.Bool
}

// PinShared blocks while a writer holds the latch; any number of
// readers may hold it concurrently.
func (l *PageLatch) PinShared() {
	l.mu.RLock()
	l.pins.Add(1)
}

// PinExclusive blocks while any reader or writer holds the latch.
func (l *PageLatch) PinExclusive() {
	l.mu.Lock()
	l.pins.Add(1)
}

// UnpinShared releases a shared pin.
func (l *PageLatch) UnpinShared() {
	l.pins.Add(-1)
	l.mu.RUnlock()
}

// UnpinExclusive releases an exclusive pin. If markDirty is true the
// dirty bit is set atomically before the latch is released, so a
// concurrent eviction scan never observes a torn state.
func (l *PageLatch) UnpinExclusive(markDirty bool) {
	if markDirty {
		l.dirty.Store(true)
	}
	l.pins.Add(-1)
	l.mu.Unlock()
}

func (l *PageLatch) IsPinned() bool { return l.pins.Load() > 0 }
func (l *PageLatch) IsDirty() bool  { return l.dirty.Load() }
func (l *PageLatch) ClearDirty()    { l.dirty.Store(false) }
func (l *PageLatch) MarkDirty()     { l.dirty.Store(true) }
