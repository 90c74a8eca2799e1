package inode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syndicate-storage/syndicate-sub000/core/block"
	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

// TestDirtyBlockCommit_ReplacedBlocksRule covers the commit rule of
// spec.md §4.2/§4.5 phase 5: overwriting a block the MS has already
// recorded moves the old (block_id, block_version) into
// replaced_blocks; overwriting a still-dirty block just drops it.
func TestDirtyBlockCommit_ReplacedBlocksRule(t *testing.T) {
	n := newTestInode()

	// Block 0's manifest entry is MS-recorded (not dirty); committing a
	// new version must record the old one for vacuum.
	b := block.NewRAMCopy(block.Ident{BlockID: 0, BlockVersion: 50}, []byte("new"), nil)
	require.NoError(t, n.DirtyBlockCommit(b))
	require.Contains(t, n.ReplacedBlocks, int64(0))
	require.EqualValues(t, 1, n.ReplacedBlocks[0].BlockVersion)

	// Committing yet another version while the previous one is still
	// dirty must not touch replaced_blocks again: version 50 never
	// reached an RG, there is nothing for vacuum to reclaim.
	b2 := block.NewRAMCopy(block.Ident{BlockID: 0, BlockVersion: 51}, []byte("newer"), nil)
	require.NoError(t, n.DirtyBlockCommit(b2))
	require.EqualValues(t, 1, n.ReplacedBlocks[0].BlockVersion)
	require.EqualValues(t, 51, n.Manifest.Blocks[0].BlockVersion)
	require.True(t, n.Manifest.Blocks[0].Dirty)
}

// TestDirtyBlocksExtractReturn covers the snapshot/restore cycle of
// spec.md §4.2: extraction transfers ownership and installs a fresh
// empty set; a failed replication's return never clobbers a block the
// user has rewritten since the snapshot.
func TestDirtyBlocksExtractReturn(t *testing.T) {
	n := newTestInode()
	old := block.NewRAMCopy(block.Ident{BlockID: 3, BlockVersion: 10}, []byte("old"), nil)
	require.NoError(t, n.DirtyBlockCommit(old))

	snap := n.DirtyBlocksExtractModified()
	require.Len(t, snap, 1)
	require.Empty(t, n.DirtyBlocks)

	// The user writes block 3 again while replication is in flight.
	newer := block.NewRAMCopy(block.Ident{BlockID: 3, BlockVersion: 11}, []byte("newer"), nil)
	require.NoError(t, n.DirtyBlockCommit(newer))

	n.DirtyBlocksReturn(snap)
	require.Len(t, n.DirtyBlocks, 1)
	require.EqualValues(t, 11, n.DirtyBlocks[3].Meta.BlockVersion, "the newer write must survive the return")
}

func TestTruncateFindRemoved(t *testing.T) {
	n := newTestInode() // manifest holds blocks 0 and 2

	removed := n.TruncateFindRemoved(4096, 4096) // keep exactly block 0
	require.Len(t, removed, 1)
	require.Contains(t, removed, int64(2))

	removed = n.TruncateFindRemoved(100, 4096) // partial block 0 survives
	require.Len(t, removed, 1)
	require.Contains(t, removed, int64(2))

	removed = n.TruncateFindRemoved(0, 4096)
	require.Len(t, removed, 2)
}

func TestSyncQueue_FIFO(t *testing.T) {
	n := newTestInode()
	a := &SyncContext{Done: make(chan struct{})}
	b := &SyncContext{Done: make(chan struct{})}

	require.True(t, n.SyncQueueEmpty())
	n.SyncQueuePush(a)
	n.SyncQueuePush(b)
	require.Same(t, a, n.SyncQueueHead())
	require.Same(t, a, n.SyncQueuePop())
	require.Same(t, b, n.SyncQueueHead())
	require.Same(t, b, n.SyncQueuePop())
	require.Nil(t, n.SyncQueuePop())
}

func TestFreshnessPredicate(t *testing.T) {
	n := newTestInode() // TTLs are 1000ms
	now := time.Now()
	n.TouchRefresh(now)

	require.False(t, n.IsReadStale(now))
	require.False(t, n.IsReadStale(now.Add(999*time.Millisecond)))
	require.True(t, n.IsReadStale(now.Add(1001*time.Millisecond)))

	// The explicit flag overrides any remaining TTL budget.
	n.ReadStale = true
	require.True(t, n.IsReadStale(now))
}

func TestCheckNotBusy(t *testing.T) {
	n := newTestInode()
	require.NoError(t, n.CheckNotBusy())

	n.Renaming = true
	err := n.CheckNotBusy()
	require.Error(t, err)
	require.Equal(t, ugerr.KindBusy, ugerr.KindOf(err))

	n.Renaming = false
	n.Deleting = true
	err = n.CheckNotBusy()
	require.Error(t, err)
	require.Equal(t, ugerr.KindNotFound, ugerr.KindOf(err))
}

// TestManifestMergeBlocks_PreservesLocalDirtyEntries exercises the
// install step of manifest-ensure-fresh (spec.md §4.2): a refresh must
// not destroy block entries the delta doesn't mention, and must not
// clobber an entry whose local counterpart is dirty — that entry
// describes a write the remote can't have seen yet.
func TestManifestMergeBlocks_PreservesLocalDirtyEntries(t *testing.T) {
	n := newTestInode()

	// Block 2 has an unreplicated local write; the remote's view of it
	// is necessarily older.
	dirty := block.NewRAMCopy(block.Ident{BlockID: 2, BlockVersion: 77}, []byte("local"), nil)
	require.NoError(t, n.DirtyBlockCommit(dirty))
	require.True(t, n.Manifest.Blocks[2].Dirty)

	remote := manifest.New(1, 7, 100, 5)
	remote.Size = 9000
	remote.Blocks[1] = &manifest.BlockEntry{BlockID: 1, BlockVersion: 55}
	remote.Blocks[2] = &manifest.BlockEntry{BlockID: 2, BlockVersion: 99}

	n.ManifestMergeBlocks(remote)
	require.EqualValues(t, 5, n.Manifest.FileVersion)
	require.EqualValues(t, 9000, n.Manifest.Size)
	require.EqualValues(t, 55, n.Manifest.Blocks[1].BlockVersion)
	require.Contains(t, n.Manifest.Blocks, int64(0), "entries absent from the delta must survive")

	// The dirty entry survives untouched, so DirtyBlockCommit's
	// replaced-blocks bookkeeping still sees it as locally dirty.
	require.EqualValues(t, 77, n.Manifest.Blocks[2].BlockVersion)
	require.True(t, n.Manifest.Blocks[2].Dirty)
}
