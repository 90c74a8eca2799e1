// Package replication implements spec.md §4.6: the 4-phase state
// machine that flushes an inode's dirty blocks to cache, records a
// vacuum-log safety net, fans chunks out to every RG, and updates the
// MS's view of the file.
package replication

import (
	"context"
	"crypto/ed25519"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/syndicate-storage/syndicate-sub000/core/block"
	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
	"github.com/syndicate-storage/syndicate-sub000/core/rpc"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
	"github.com/syndicate-storage/syndicate-sub000/core/ulog"
	"github.com/syndicate-storage/syndicate-sub000/core/ustats"
)

// InvalidBlockID is the reserved fan-out queue sentinel for "this
// entry carries the manifest, not a chunk" (spec.md §4.6).
const InvalidBlockID int64 = -1

// fanoutEntry is one (gateway_id, block_id) pair in the replica
// context's fan-out queue. GatewayID == 0 marks a zeroed (done) entry.
type fanoutEntry struct {
	GatewayID rpc.GatewayID
	BlockID   int64
}

func (e fanoutEntry) done() bool { return e.GatewayID == 0 }

// Context is the replica context (spec.md §4.6): a snapshot taken
// under the inode's write lock in fsync step 1, carried through the
// state machine without holding any inode lock (spec.md §5).
type Context struct {
	FSPath string

	MDEntry       rpc.MDEntry
	Manifest      *manifest.Manifest
	DirtyBlocks   map[int64]*block.Block
	AffectedIDs   []int64
	IsCoordinator bool

	VolumeID uint64
	FileID   uint64

	fanout []fanoutEntry

	FlushedBlocks    bool
	SentVacuumLog    bool
	ReplicatedBlocks bool
	SentMSUpdate     bool
}

// NewContext builds a fresh replica context from a dirty-block
// snapshot and the RG roster, initializing the fan-out queue: one
// entry per RG per chunk, plus one entry per RG for the manifest
// (spec.md §4.6).
func NewContext(fsPath string, md rpc.MDEntry, m *manifest.Manifest, dirty map[int64]*block.Block, isCoordinator bool, rgIDs []rpc.GatewayID) *Context {
	c := &Context{
		FSPath:        fsPath,
		MDEntry:       md,
		Manifest:      m,
		DirtyBlocks:   dirty,
		IsCoordinator: isCoordinator,
		VolumeID:      md.VolumeID,
		FileID:        md.FileID,
	}
	for id := range dirty {
		c.AffectedIDs = append(c.AffectedIDs, id)
	}
	sort.Slice(c.AffectedIDs, func(i, j int) bool { return c.AffectedIDs[i] < c.AffectedIDs[j] })
	for _, gw := range rgIDs {
		for _, id := range c.AffectedIDs {
			c.fanout = append(c.fanout, fanoutEntry{GatewayID: gw, BlockID: id})
		}
		c.fanout = append(c.fanout, fanoutEntry{GatewayID: gw, BlockID: InvalidBlockID})
	}
	return c
}

// PendingFanout reports how many fan-out queue entries are not yet
// zeroed (spec.md §8 scenario 3 checks "all must be zeroed on success").
func (c *Context) PendingFanout() int {
	n := 0
	for _, e := range c.fanout {
		if !e.done() {
			n++
		}
	}
	return n
}

// Deps are the collaborators the state machine drives (spec.md §1's
// external interfaces): the MS client for the vacuum log and metadata
// update, the gateway transport for chunk/manifest push, and the
// driver for manifest serialization.
type Deps struct {
	MS      rpc.MSClient
	Gateway rpc.GatewayClient
	Driver  rpc.Driver
	// FanoutConcurrency bounds the chunk fan-out's per-RG parallelism;
	// spec.md §4.6 phase (2) default is 6.
	FanoutConcurrency int
	// CoordinatorKey signs the manifest immediately before it is
	// serialized for fan-out (spec.md §3, §6), the last point at which
	// the coordinator can still touch it before it leaves the process.
	// Required whenever the context is a coordinator context.
	CoordinatorKey ed25519.PrivateKey
}

// Run executes the 4-phase state machine once (spec.md §4.6). Each
// phase is idempotent and gated by its own progress boolean, so a
// caller may re-enter Run on the same Context after a *ugerr.KindTryAgain
// or transient error — RunWithRetry below does exactly that.
func Run(ctx context.Context, rc *Context, deps Deps) error {
	if err := phaseFlush(rc); err != nil {
		return err
	}
	if err := phaseVacuumLog(ctx, rc, deps); err != nil {
		return err
	}
	if err := phaseFanout(ctx, rc, deps); err != nil {
		return err
	}
	if err := phaseMSUpdate(ctx, rc, deps); err != nil {
		return err
	}
	return nil
}

// phaseFlush is state (0): flush every dirty block to the disk cache
// and await all futures.
func phaseFlush(rc *Context) error {
	if rc.FlushedBlocks || len(rc.DirtyBlocks) == 0 {
		rc.FlushedBlocks = true
		return nil
	}
	start := time.Now()
	defer func() { ustats.ReplicationPhaseDuration.WithLabelValues("flush").Observe(time.Since(start).Seconds()) }()

	for _, b := range rc.DirtyBlocks {
		if err := b.FlushAsync(); err != nil {
			// An already-outstanding flush is awaited below like any
			// other; only a fresh start failure is an I/O error.
			if ugerr.KindOf(err) == ugerr.KindInProgress {
				continue
			}
			return ugerr.Wrap(ugerr.KindLocalIO, "replication", err)
		}
	}
	for _, b := range rc.DirtyBlocks {
		if err := b.FlushFinish(false); err != nil {
			return ugerr.Wrap(ugerr.KindLocalIO, "replication", err)
		}
	}
	rc.FlushedBlocks = true
	return nil
}

// phaseVacuumLog is state (1): record on the MS that these blocks are
// about to become part of this file_version, the safety net a future
// vacuumer consults if we crash mid-replication.
func phaseVacuumLog(ctx context.Context, rc *Context, deps Deps) error {
	if rc.SentVacuumLog || !rc.IsCoordinator {
		rc.SentVacuumLog = true
		return nil
	}
	start := time.Now()
	defer func() {
		ustats.ReplicationPhaseDuration.WithLabelValues("vacuum_log").Observe(time.Since(start).Seconds())
	}()

	entry := rpc.VacuumLogEntry{
		VolumeID:          rc.VolumeID,
		CoordinatorID:     rc.Manifest.CoordinatorID,
		FileID:            rc.FileID,
		FileVersion:       rc.Manifest.FileVersion,
		ManifestMtimeSec:  rc.Manifest.ModtimeSec,
		ManifestMtimeNsec: rc.Manifest.ModtimeNsec,
		AffectedBlockIDs:  rc.AffectedIDs,
	}
	if err := deps.MS.AppendVacuumLogEntry(ctx, entry); err != nil {
		return ugerr.Wrap(ugerr.KindTryAgain, "replication", err)
	}
	rc.SentVacuumLog = true
	return nil
}

// phaseFanout is state (2): push every chunk and the manifest to every
// RG, bounded by deps.FanoutConcurrency in-flight transfers per RG. Grounded
// on the bounded download-loop idiom of spec.md §9: issue up to N,
// await one, dispatch, re-issue — made explicit with a weighted
// semaphore rather than callbacks.
func phaseFanout(ctx context.Context, rc *Context, deps Deps) error {
	if rc.ReplicatedBlocks {
		return nil
	}
	start := time.Now()
	defer func() { ustats.ReplicationPhaseDuration.WithLabelValues("fanout").Observe(time.Since(start).Seconds()) }()

	// The manifest must carry a valid coordinator signature before it
	// is ever serialized for a peer (spec.md §3, §6). Signing here,
	// right before fan-out, is authoritative regardless of whether an
	// earlier writepath.Write call already signed an older snapshot of
	// the same manifest.
	if rc.IsCoordinator {
		if len(deps.CoordinatorKey) != ed25519.PrivateKeySize {
			return ugerr.New(ugerr.KindInvalidArgument, "replication", "coordinator key required to sign manifest")
		}
		if err := rc.Manifest.Sign(deps.CoordinatorKey); err != nil {
			return err
		}
	}

	conn := deps.FanoutConcurrency
	if conn < 1 {
		conn = 6
	}
	sems := make(map[rpc.GatewayID]*semaphore.Weighted)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := range rc.fanout {
		e := rc.fanout[i]
		if e.done() {
			continue
		}
		sem, ok := sems[e.GatewayID]
		if !ok {
			sem = semaphore.NewWeighted(int64(conn))
			sems[e.GatewayID] = sem
		}
		if err := sem.Acquire(fctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(idx int, e fanoutEntry) {
			defer wg.Done()
			defer sem.Release(1)

			var err error
			if e.BlockID == InvalidBlockID {
				// Serializing here (even though WritePayload carries the
				// typed manifest, not raw bytes) exercises the driver's
				// wire encoding the same way a real protobuf-backed
				// Driver would before handing bytes to the transport,
				// and surfaces an encoding failure before any RPC.
				if _, serr := deps.Driver.SerializeManifest(rc.Manifest); serr != nil {
					err = serr
				} else {
					err = deps.Gateway.Write(fctx, e.GatewayID, rpc.WritePayload{Manifest: rc.Manifest})
				}
			} else {
				b := rc.DirtyBlocks[e.BlockID]
				data, merr := materialize(b)
				if merr != nil {
					err = merr
				} else if wire, serr := deps.Driver.SerializeBlock(data); serr != nil {
					err = serr
				} else {
					err = deps.Gateway.PutBlock(fctx, e.GatewayID, rpc.BlockRequest{VolumeID: rc.VolumeID, FileID: rc.FileID, FileVersion: rc.Manifest.FileVersion, BlockID: e.BlockID, BlockVersion: b.Meta.BlockVersion}, wire)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			rc.fanout[idx] = fanoutEntry{} // zero the entry: this pair is done
		}(i, e)
	}
	wg.Wait()

	// A failed chunk/manifest push is try-again, like the sibling
	// phases' RPC failures: RunWithRetry re-enters the state machine
	// and the still-unzeroed queue entries are retried (spec.md §7:
	// remote-I/O becomes try-again for replication).
	if firstErr != nil {
		return ugerr.Wrap(ugerr.KindTryAgain, "replication", firstErr)
	}
	if rc.PendingFanout() > 0 {
		return ugerr.New(ugerr.KindTryAgain, "replication", "fan-out incomplete")
	}
	rc.ReplicatedBlocks = true
	return nil
}

// materialize ensures b's content is in RAM (mmap'ing its cache fd if
// it was flushed to disk and has no buffer), for PUTBLOCK.
func materialize(b *block.Block) ([]byte, error) {
	if buf := b.Buffer(); buf != nil {
		return buf, nil
	}
	if err := b.Mmap(mmapFile); err != nil {
		// No usable mapper: read the cache file into RAM instead.
		return b.ReadAllFromFD()
	}
	if buf := b.Buffer(); buf != nil {
		return buf, nil
	}
	return b.ReadAllFromFD()
}

// mmapFile is the mapper materialize tries first. The default reports
// KindUnsupported (mmap is platform-specific and outside this core's
// scope — spec.md §1 treats the disk cache as an external
// collaborator), and materialize then reads the cache file into RAM.
var mmapFile = defaultMmap

func defaultMmap(f *os.File) ([]byte, error) {
	return nil, ugerr.New(ugerr.KindUnsupported, "replication", "mmap not wired")
}

// phaseMSUpdate is state (3): send the new inode metadata to the MS
// (if coordinator) or to the coordinator otherwise.
func phaseMSUpdate(ctx context.Context, rc *Context, deps Deps) error {
	if rc.SentMSUpdate {
		return nil
	}
	start := time.Now()
	defer func() { ustats.ReplicationPhaseDuration.WithLabelValues("ms_update").Observe(time.Since(start).Seconds()) }()

	entry := rc.MDEntry
	entry.Manifest = rc.Manifest

	var err error
	if rc.IsCoordinator {
		_, err = deps.MS.Update(ctx, entry)
	} else {
		err = deps.Gateway.Write(ctx, rc.Manifest.CoordinatorID, rpc.WritePayload{MDEntry: &entry})
	}
	if err != nil {
		return ugerr.Wrap(ugerr.KindTryAgain, "replication", err)
	}
	rc.SentMSUpdate = true
	return nil
}

// RunWithRetry is the standard retry wrapper spec.md §4.6 calls for:
// it re-enters Run on ugerr.KindTryAgain — or on a retryable
// remote-I/O/timeout a collaborator surfaced directly — until terminal
// success or a non-retryable error, capped at maxAttempts (spec.md
// §7's per-component retry cap, default 5).
func RunWithRetry(ctx context.Context, rc *Context, deps Deps, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = rpc.DefaultRetryCap
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = Run(ctx, rc, deps)
		if err == nil {
			return nil
		}
		if !ugerr.IsTryAgain(err) && !ugerr.Retryable(err) {
			return err
		}
		ulog.V(1).Infof("replication: try-again on attempt %d: %v", attempt, err)
	}
	return err
}
