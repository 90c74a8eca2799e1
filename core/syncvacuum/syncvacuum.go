// Package syncvacuum implements spec.md §4.7: per-inode FIFO
// serialization of concurrent fsyncs, and handoff of reclaimable
// blocks to the background vacuumer once a replication succeeds.
package syncvacuum

import (
	"context"

	"github.com/syndicate-storage/syndicate-sub000/core/inode"
	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
	"github.com/syndicate-storage/syndicate-sub000/core/replication"
	"github.com/syndicate-storage/syndicate-sub000/core/rpc"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
	"github.com/syndicate-storage/syndicate-sub000/core/ustats"
)

// Deps bundles what Fsync needs beyond the inode itself: the
// replication state machine's collaborators, the RG roster, and the
// background vacuumer (spec.md §4.7: "the core only requires it
// expose vacuumer_enqueue and obeys the contract that contexts are
// processed eventually and at most once").
type Deps struct {
	Replication   replication.Deps
	Vacuumer      rpc.Vacuumer
	RGIDs         []rpc.GatewayID
	MaxAttempts   int
	IsCoordinator bool
}

// Fsync runs the eight-step algorithm of spec.md §4.7. It returns once
// this caller's replication has completed (successfully or not) and
// the next queued fsync (if any) has been released to run.
func Fsync(ctx context.Context, n *inode.Inode, fsPath string, parentID uint64, deps Deps) error {
	// Step 1: write-lock, extract dirty blocks and replaced_blocks,
	// snapshot into a replica context and a vacuum context.
	n.Lock()

	dirtySnapshot := n.DirtyBlocksExtractModifiedLocked()
	replacedSnapshot := n.ReplacedBlocks
	n.ReplacedBlocks = make(map[int64]*manifest.BlockEntry)
	oldManifestMtimeSec, oldManifestMtimeNsec := n.OldManifestModtimeSec, n.OldManifestModtimeNsec

	md := rpc.MDEntry{
		FileID:     n.FileID,
		ParentID:   parentID,
		VolumeID:   n.VolumeID,
		WriteNonce: n.WriteNonce,
		Generation: n.Generation,
	}
	manifestSnapshot := n.Manifest.Clone()
	for id := range dirtySnapshot {
		// Manifest blocks touched by this snapshot are no longer
		// "uncommitted locally"; future manifest refreshes may
		// overwrite them freely (spec.md §4.7 step 3).
		if e, ok := n.Manifest.Blocks[id]; ok {
			e.Dirty = false
		}
	}

	rc := replication.NewContext(fsPath, md, manifestSnapshot, dirtySnapshot, deps.IsCoordinator, deps.RGIDs)

	// Step 2/3: FIFO discipline. Every caller occupies a queue slot for
	// its whole run — the head is the caller currently replicating, so
	// a second fsync arriving mid-flight always observes a non-empty
	// queue and parks. First-in-line means the queue was empty when this
	// caller's slot went in.
	sctx := &inode.SyncContext{Done: make(chan struct{})}
	firstInLine := n.SyncQueueEmpty()
	n.SyncQueuePush(sctx)
	if !firstInLine {
		ustats.SyncQueueWaiters.Inc()
	}

	n.Ref()
	n.Unlock()

	// Step 4: wait for our turn if we weren't first in line.
	if !firstInLine {
		<-sctx.Done
		ustats.SyncQueueWaiters.Dec()
	}

	// Step 5: run the replication state machine with no inode lock held.
	err := replication.RunWithRetry(ctx, rc, deps.Replication, deps.MaxAttempts)

	// Step 6: re-acquire the lock and react to the outcome.
	n.Lock()
	if err == nil {
		n.OldManifestModtimeSec = manifestSnapshot.ModtimeSec
		n.OldManifestModtimeNsec = manifestSnapshot.ModtimeNsec

		vctx := rpc.VacuumContext{
			VolumeID:          n.VolumeID,
			FileID:            n.FileID,
			OldFileVersion:    manifestSnapshot.FileVersion,
			OldManifestMtimeS: oldManifestMtimeSec,
			OldManifestMtimeN: oldManifestMtimeNsec,
			ReplacedBlocks:    replacedSnapshot,
		}
		n.Unlock()
		if enqErr := enqueueWithRetry(ctx, deps.Vacuumer, vctx); enqErr != nil {
			// A vacuum enqueue failure is not fsync's failure: the
			// vacuum-log entry written in replication phase (1) is
			// already the durable safety net (spec.md §7); a future
			// vacuumer sweep can still reclaim these blocks.
			_ = enqErr
		}
		n.Lock()
	} else {
		// Merge the snapshot's dirty blocks back, preserving anything
		// the user has written since the snapshot was taken, and
		// restore the replaced-blocks bookkeeping so a later retry
		// still has it to hand to the vacuumer.
		n.DirtyBlocksReturnLocked(dirtySnapshot)
		for id, e := range replacedSnapshot {
			if _, already := n.ReplacedBlocks[id]; !already {
				n.ReplacedBlocks[id] = e
			}
		}
		err = ugerr.Wrap(ugerr.KindLocalIO, "syncvacuum", err)
	}

	// Step 7: vacate our queue slot, then release the new head, if any.
	n.SyncQueuePop()
	if next := n.SyncQueueHead(); next != nil {
		close(next.Done)
	}

	// Step 8: release the lock and drop the reference.
	n.Unlock()
	n.Unref()

	return err
}

// enqueueWithRetry retries Vacuumer.Enqueue on memory pressure
// (ugerr.KindNoMemory) and breaks on success or any other error,
// resolving spec.md §9's open question about UG_fsync_ex's unbroken
// retry loop: "treat the intended behavior as retry on memory
// pressure, break on success or on any other error."
func enqueueWithRetry(ctx context.Context, v rpc.Vacuumer, vctx rpc.VacuumContext) error {
	ustats.VacuumQueueDepth.Inc()
	defer ustats.VacuumQueueDepth.Dec()

	for {
		err := v.Enqueue(ctx, vctx)
		if err == nil {
			return nil
		}
		if ugerr.KindOf(err) != ugerr.KindNoMemory {
			return err
		}
	}
}
