package inode

import (
	"sync"

	"github.com/syndicate-storage/syndicate-sub000/core/block"
)

// Handle is one open file handle onto an inode. The read path records
// eviction hints on it for the read-ahead blocks it caches into the
// dirty set (spec.md §4.4 phase 7), so those blocks are removed again
// when the handle closes instead of lingering for the inode's lifetime.
type Handle struct {
	mu     sync.Mutex
	Inode  *Inode
	hints  []block.Ident
	closed bool
}

// NewHandle opens a handle onto n, taking a reference that Close drops.
func NewHandle(n *Inode) *Handle {
	n.Ref()
	return &Handle{Inode: n}
}

// RecordEvictionHint marks a cached read-ahead block for removal on
// Close. The full Ident is kept so a block that has since been
// rewritten (new version) is left alone.
func (h *Handle) RecordEvictionHint(id block.Ident) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hints = append(h.hints, id)
}

// Close evicts every hinted read-ahead block that is still present,
// still clean, and still the hinted version, then drops the handle's
// inode reference. Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	hints := h.hints
	h.hints = nil
	h.mu.Unlock()

	n := h.Inode
	var firstErr error
	for _, id := range hints {
		n.Lock()
		b, ok := n.DirtyBlocks[id.BlockID]
		if ok && !b.Dirty && b.Meta == id {
			delete(n.DirtyBlocks, id.BlockID)
		} else {
			ok = false
		}
		n.Unlock()
		if ok {
			if err := b.EvictAndFree(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	n.Unref()
	return firstErr
}
