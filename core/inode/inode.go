// Package inode implements the per-open-file state described in
// spec.md §3/§4.2: manifest, dirty-block set, freshness deadlines, and
// the FIFO sync queue, plus the mutators every other component drives
// it through.
package inode

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndicate-storage/syndicate-sub000/core/block"
	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
	"github.com/syndicate-storage/syndicate-sub000/core/rpc"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

// FreshnessConfig carries the per-inode TTLs spec.md §3 names
// max_read_freshness_ms / max_write_freshness_ms, settable later via
// the read/write TTL xattrs (spec.md §6).
type FreshnessConfig struct {
	MaxReadFreshnessMs  int64
	MaxWriteFreshnessMs int64
}

// SyncContext is a parked fsync caller in the inode's FIFO queue
// (spec.md §4.7). The semaphore is posted by the previous holder when
// it is this context's turn to run replicate_run.
type SyncContext struct {
	Done chan struct{}
}

// Inode is the per-open-file state. Its mutex is the reader-writer
// lock spec.md §5 says is "obtained through the namespace layer" —
// this core owns the lock itself since the namespace layer (fskit) is
// an external collaborator.
type Inode struct {
	mu sync.RWMutex

	VolumeID uint64
	FileID   uint64

	Manifest *manifest.Manifest

	WriteNonce      uint64 // last MS-observed write nonce
	XattrNonce      uint64
	Generation      uint64
	LocalWriteNonce uint64 // bumped locally on write, not yet confirmed by MS

	RefreshTime         time.Time
	ManifestRefreshTime time.Time
	ChildrenRefreshTime time.Time

	Freshness FreshnessConfig

	ReadStale  bool
	WriteStale bool
	Dirty      bool
	Vacuuming  bool
	Vacuumed   bool
	Renaming   bool
	Deleting   bool

	DirtyBlocks    map[int64]*block.Block
	ReplacedBlocks map[int64]*manifest.BlockEntry

	OldManifestModtimeSec  int64
	OldManifestModtimeNsec int64

	xattrs         map[string][]byte
	cachedFilePath string

	syncQueue []*SyncContext

	refs atomic.Int32
}

// NewFromMSEntry constructs an inode from a getattr/getchild result
// (spec.md §4.2 init-from-MS-entry).
func NewFromMSEntry(md rpc.MDEntry, fresh FreshnessConfig) *Inode {
	m := md.Manifest
	if m == nil {
		m = manifest.New(md.VolumeID, 0, md.FileID, 0)
	}
	return &Inode{
		VolumeID:       md.VolumeID,
		FileID:         md.FileID,
		Manifest:       m,
		WriteNonce:     md.WriteNonce,
		Generation:     md.Generation,
		Freshness:      fresh,
		DirtyBlocks:    make(map[int64]*block.Block),
		ReplacedBlocks: make(map[int64]*manifest.BlockEntry),
		xattrs:         make(map[string][]byte),
	}
}

// NewFromExportedManifest constructs an inode directly from a fetched
// manifest (spec.md §4.2 init-from-exported-manifest), e.g. when a
// coordinator handoff or manifest refresh installs a fresh one.
func NewFromExportedManifest(m *manifest.Manifest, fresh FreshnessConfig) *Inode {
	return &Inode{
		VolumeID:       m.VolumeID,
		FileID:         m.FileID,
		Manifest:       m,
		Freshness:      fresh,
		DirtyBlocks:    make(map[int64]*block.Block),
		ReplacedBlocks: make(map[int64]*manifest.BlockEntry),
		xattrs:         make(map[string][]byte),
	}
}

// Export produces the MS-shaped record describing the current inode
// state (spec.md §4.2 export).
func (n *Inode) Export(parentID uint64, parentName string) rpc.MDEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return rpc.MDEntry{
		FileID:     n.FileID,
		ParentID:   parentID,
		Name:       parentName,
		VolumeID:   n.VolumeID,
		WriteNonce: n.WriteNonce,
		Generation: n.Generation,
		Manifest:   n.Manifest.Clone(),
		XattrHash:  n.exportXattrHashLocked(),
	}
}

// ManifestReplace atomically swaps the manifest; the old one is
// dropped (spec.md §4.2 manifest-replace).
func (n *Inode) ManifestReplace(m *manifest.Manifest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Manifest = m
}

// ManifestMergeBlocks merges remotely-observed block metadata into the
// local manifest without disturbing the dirty set or the manifest
// entries of locally-dirty blocks (spec.md §4.2 manifest-merge-blocks);
// it is the install step of manifest-ensure-fresh.
func (n *Inode) ManifestMergeBlocks(remote *manifest.Manifest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Manifest.MergeBlocks(remote.Blocks)
	n.Manifest.FileVersion = remote.FileVersion
	n.Manifest.ModtimeSec = remote.ModtimeSec
	n.Manifest.ModtimeNsec = remote.ModtimeNsec
	n.Manifest.Size = remote.Size
	n.Manifest.CoordinatorID = remote.CoordinatorID
	n.Manifest.Signature = remote.Signature
}

// DirtyBlockCache installs a block into the dirty set without the
// commit-time eviction/vacuum bookkeeping (spec.md §4.2
// dirty-block-cache); used for read-ahead hints which are cached but
// never marked dirty.
func (n *Inode) DirtyBlockCache(b *block.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.DirtyBlocks[b.Meta.BlockID] = b
}

// DirtyBlockCommit installs a freshly-written block, applying commit's
// rule (spec.md §4.5 phase 5 / §4.2 dirty-block-commit):
//   - if the id is already present and dirty, the previous version
//     never reached an RG and is simply dropped;
//   - if the id is already present and corresponds to a block already
//     reported to the MS (i.e. its manifest entry was not dirty), the
//     old (block_id, block_version) pair moves into ReplacedBlocks so
//     vacuum can reclaim it once the new version replicates.
func (n *Inode) DirtyBlockCommit(b *block.Block) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := b.Meta.BlockID
	if existing, ok := n.DirtyBlocks[id]; ok {
		if existing.Dirty {
			_ = existing.EvictAndFree()
		} else if prior, hasPrior := n.Manifest.Blocks[id]; hasPrior && !prior.Dirty {
			ce := *prior
			n.ReplacedBlocks[id] = &ce
		}
	} else if prior, hasPrior := n.Manifest.Blocks[id]; hasPrior && !prior.Dirty {
		ce := *prior
		n.ReplacedBlocks[id] = &ce
	}

	b.Dirty = true
	n.DirtyBlocks[id] = b
	n.Manifest.Blocks[id] = &manifest.BlockEntry{
		BlockID:      id,
		BlockVersion: b.Meta.BlockVersion,
		Hash:         b.Hash,
		Dirty:        true,
	}
	return nil
}

// DirtyBlocksTrim flushes all dirty blocks to cache except those whose
// ids are in preserve, releasing their RAM buffers (spec.md §4.2
// dirty-blocks-trim). Used by the write path (§4.5 phase 6) to keep
// only the final block of an unaligned-at-the-end write in RAM.
func (n *Inode) DirtyBlocksTrim(preserve map[int64]bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, b := range n.DirtyBlocks {
		if preserve[id] {
			continue
		}
		if err := b.FlushAsync(); err != nil {
			// An already-outstanding flush is fine here: the finish
			// pass below awaits it like any other.
			if ugerr.KindOf(err) == ugerr.KindInProgress {
				continue
			}
			return err
		}
	}
	for id, b := range n.DirtyBlocks {
		if preserve[id] {
			continue
		}
		if err := b.FlushFinish(true); err != nil {
			return err
		}
	}
	return nil
}

// DirtyBlocksExtractModified removes and returns the entire dirty set,
// installing a fresh empty one in its place (spec.md §4.2
// dirty-blocks-extract-modified). This is a transfer of ownership, not
// a share (spec.md §9): the caller (the sync serializer building a
// replica context) now owns every *block.Block returned.
func (n *Inode) DirtyBlocksExtractModified() map[int64]*block.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.DirtyBlocksExtractModifiedLocked()
}

// DirtyBlocksExtractModifiedLocked is DirtyBlocksExtractModified for
// callers already holding the inode's write lock (fsync step 1 takes
// its whole snapshot under one lock acquisition).
func (n *Inode) DirtyBlocksExtractModifiedLocked() map[int64]*block.Block {
	extracted := n.DirtyBlocks
	n.DirtyBlocks = make(map[int64]*block.Block)
	return extracted
}

// DirtyBlocksReturn reinserts blocks into the dirty set after a failed
// replication (spec.md §4.2 dirty-blocks-return / §4.7 step 6),
// preserving any block the user has newly written since the snapshot
// was taken: an id already present in the live dirty set is strictly
// newer than the snapshot and is never overwritten.
func (n *Inode) DirtyBlocksReturn(snapshot map[int64]*block.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.DirtyBlocksReturnLocked(snapshot)
}

// DirtyBlocksReturnLocked is DirtyBlocksReturn for callers already
// holding the inode's write lock.
func (n *Inode) DirtyBlocksReturnLocked(snapshot map[int64]*block.Block) {
	for id, b := range snapshot {
		if _, alreadyNewer := n.DirtyBlocks[id]; alreadyNewer {
			_ = b.EvictAndFree()
			continue
		}
		n.DirtyBlocks[id] = b
	}
}

// TruncateFindRemoved computes the set of block ids whose content
// falls beyond newSize under the given block size (spec.md §4.2
// truncate-find-removed).
func (n *Inode) TruncateFindRemoved(newSize, blocksize int64) map[int64]*manifest.BlockEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()

	firstRemoved := newSize / blocksize
	if newSize%blocksize != 0 {
		firstRemoved++
	}

	removed := make(map[int64]*manifest.BlockEntry)
	for id, e := range n.Manifest.Blocks {
		if id >= firstRemoved {
			ce := *e
			removed[id] = &ce
		}
	}
	return removed
}

// Truncate updates the manifest's size and regenerates the file
// version (spec.md §4.2 truncate).
func (n *Inode) Truncate(newSize int64, newVersion uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Manifest.Size = newSize
	n.Manifest.FileVersion = newVersion
}

// SyncQueuePush enqueues a waiting fsync context (spec.md §4.2
// sync-queue-push). Must be called under the inode's write lock by the
// caller (the fsync algorithm in core/syncvacuum holds it already).
func (n *Inode) SyncQueuePush(ctx *SyncContext) {
	n.syncQueue = append(n.syncQueue, ctx)
}

// SyncQueuePop dequeues the head of the FIFO, or nil if empty
// (spec.md §4.2 sync-queue-pop).
func (n *Inode) SyncQueuePop() *SyncContext {
	if len(n.syncQueue) == 0 {
		return nil
	}
	ctx := n.syncQueue[0]
	n.syncQueue = n.syncQueue[1:]
	return ctx
}

// SyncQueueHead returns the head of the FIFO without removing it, or
// nil if empty. The finishing fsync pops itself, then posts whatever
// context now sits at the head (spec.md §4.7 step 7).
func (n *Inode) SyncQueueHead() *SyncContext {
	if len(n.syncQueue) == 0 {
		return nil
	}
	return n.syncQueue[0]
}

// SyncQueueEmpty reports whether the FIFO has any waiters.
func (n *Inode) SyncQueueEmpty() bool {
	return len(n.syncQueue) == 0
}

// Lock/Unlock/RLock/RUnlock expose the inode's rw-lock directly to
// callers that must hold it across multiple mutator calls (the fsync
// algorithm's snapshot step, patch-manifest's atomic install).
func (n *Inode) Lock()    { n.mu.Lock() }
func (n *Inode) Unlock()  { n.mu.Unlock() }
func (n *Inode) RLock()   { n.mu.RLock() }
func (n *Inode) RUnlock() { n.mu.RUnlock() }

// IsReadStale implements the freshness predicate of spec.md §4.2:
// read_stale ∨ (now − refresh_time) > max_read_freshness_ms.
func (n *Inode) IsReadStale(now time.Time) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.ReadStale {
		return true
	}
	return now.Sub(n.RefreshTime) > time.Duration(n.Freshness.MaxReadFreshnessMs)*time.Millisecond
}

// IsWriteStale is the write-path analog of IsReadStale.
func (n *Inode) IsWriteStale(now time.Time) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.WriteStale {
		return true
	}
	return now.Sub(n.RefreshTime) > time.Duration(n.Freshness.MaxWriteFreshnessMs)*time.Millisecond
}

// IsManifestStale reports whether the manifest itself needs a refresh
// independent of the inode-level read freshness (spec.md §4.3
// manifest-ensure-fresh).
func (n *Inode) IsManifestStale(now time.Time) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return now.Sub(n.ManifestRefreshTime) > time.Duration(n.Freshness.MaxReadFreshnessMs)*time.Millisecond
}

// TouchRefresh records a successful metadata refresh.
func (n *Inode) TouchRefresh(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.RefreshTime = now
	n.ReadStale = false
	n.WriteStale = false
}

// TouchManifestRefresh records a successful manifest refresh.
func (n *Inode) TouchManifestRefresh(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ManifestRefreshTime = now
}

// CheckNotBusy enforces spec.md §3's invariant: "If renaming or
// deleting, concurrent opens and stats on this inode must fail with a
// busy/not-found error."
func (n *Inode) CheckNotBusy() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.Deleting {
		return ugerr.New(ugerr.KindNotFound, "inode", "file is being deleted")
	}
	if n.Renaming {
		return ugerr.New(ugerr.KindBusy, "inode", "file is being renamed")
	}
	return nil
}

// Ref/Unref implement the reference count spec.md §5 says must reach
// zero before inode teardown is allowed (no in-flight syncs). Atomic,
// so they are safe to call with or without the inode lock held.
func (n *Inode) Ref() {
	n.refs.Add(1)
}

func (n *Inode) Unref() int32 {
	return n.refs.Add(-1)
}

func (n *Inode) RefCount() int32 {
	return n.refs.Load()
}
