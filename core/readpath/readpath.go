// Package readpath implements spec.md §4.4: satisfying a read against
// an open file handle by checking the dirty set, then the disk cache,
// then peer gateways in rotation.
package readpath

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/syndicate-storage/syndicate-sub000/core/block"
	"github.com/syndicate-storage/syndicate-sub000/core/inode"
	"github.com/syndicate-storage/syndicate-sub000/core/rpc"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
	"github.com/syndicate-storage/syndicate-sub000/core/ulog"
	"github.com/syndicate-storage/syndicate-sub000/core/ustats"
)

// Options configures one Read call.
type Options struct {
	Blocksize int64
	// MaxConnections bounds the download loop's parallelism; zero means
	// the gateway-wide default (spec.md §5, rpc.DefaultMaxConnections).
	// A single read additionally never exceeds the request's own block
	// count.
	MaxConnections int
	// TransferTimeout caps each individual GETBLOCK; zero means no cap
	// beyond ctx's own deadline (spec.md §5's per-transfer timeout,
	// default rpc.DefaultTransferTimeout, is applied by the caller that
	// builds these Options from its GatewayConfig).
	TransferTimeout time.Duration
	// Handle, when non-nil, receives an eviction hint for the
	// read-ahead block phase 7 caches, so it is removed when the handle
	// closes (spec.md §4.4 phase 7).
	Handle *inode.Handle
}

// blockMeta is the (version, hash) pair a download needs from the
// manifest, snapshotted once under read lock so phases 4-7 never touch
// the inode's manifest map directly.
type blockMeta struct {
	version uint64
	hash    []byte
}

// RefreshFunc runs phase 1 (manifest-ensure-fresh). It manages the
// inode's locks itself; the caller supplies it so this package stays
// decoupled from the consistency package's MS/gateway wiring.
type RefreshFunc func(ctx context.Context) error

// Read satisfies read(buf, offset) against n, per spec.md §4.4's seven
// phases. It returns the number of bytes successfully populated into
// buf even on a partial failure (spec.md §7: "partial reads ... return
// the count of bytes successfully handled, not an error").
func Read(ctx context.Context, n *inode.Inode, buf []byte, offset int64, opts Options, cache block.Cache, gwClient rpc.GatewayClient, driver rpc.Driver, volumeID, fileID, fileVersion uint64, coordinatorID rpc.GatewayID, rgIDs []rpc.GatewayID, refresh RefreshFunc) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	blocksize := opts.Blocksize

	// Phase 1: refresh manifest. The refresh takes the inode's own
	// locks internally (it installs the fetched manifest under the
	// write lock), so no lock is held across it here.
	if err := refresh(ctx); err != nil {
		return 0, err
	}

	// Phase 2: partition.
	firstAligned, lastAligned, firstOffset := block.Aligned(offset, int64(len(buf)), blocksize)
	unaligned := block.UnalignedIDs(offset, int64(len(buf)), blocksize)

	n.RLock()
	manifestBlocks := make(map[int64]*blockMeta)
	for id, e := range n.Manifest.Blocks {
		manifestBlocks[id] = &blockMeta{e.BlockVersion, e.Hash}
	}
	fileVersionAtStart := n.Manifest.FileVersion
	writeNonceAtStart := n.LocalWriteNonce
	n.RUnlock()

	// Phase 3: set up receive buffers. recv[id] is the slice of buf (or
	// a private scratch buffer for unaligned ids) that block id's bytes
	// land in; unalignedScratch tracks which ids own a scratch buffer
	// that must be copied back into buf at the end.
	recv := make(map[int64][]byte)
	unalignedScratch := make(map[int64]bool)
	writeHoles := make(map[int64]bool)

	if block.HasAlignedRange(firstAligned, lastAligned) {
		for id := firstAligned; id <= lastAligned; id++ {
			start := firstOffset + (id-firstAligned)*blocksize
			end := start + blocksize
			if end > int64(len(buf)) {
				end = int64(len(buf))
			}
			if _, ok := manifestBlocks[id]; !ok {
				for i := start; i < end; i++ {
					buf[i] = 0
				}
				writeHoles[id] = true
				continue
			}
			recv[id] = buf[start:end]
		}
	}
	for _, id := range unaligned {
		if _, ok := manifestBlocks[id]; !ok {
			writeHoles[id] = true
			zeroUnalignedHole(buf, id, offset, int64(len(buf)), blocksize)
			continue
		}
		recv[id] = make([]byte, blocksize)
		unalignedScratch[id] = true
	}

	// satisfiedBytes counts each block's clamped intersection with the
	// request (never the scratch buffer's full blocksize), so the
	// returned count is exactly the bytes of [offset, offset+len) that
	// were populated (spec.md §7's partial-read rule).
	satisfiedBytes := 0
	for id, wh := range writeHoles {
		if wh {
			satisfiedBytes += spanBytes(id, offset, int64(len(buf)), blocksize)
		}
	}

	remaining := make(map[int64]bool, len(recv))
	for id := range recv {
		remaining[id] = true
	}

	// Phase 4: satisfy from dirty set.
	n.RLock()
	for id := range remaining {
		if db, ok := n.DirtyBlocks[id]; ok {
			if src := db.Buffer(); src != nil {
				copy(recv[id], src)
				satisfiedBytes += spanBytes(id, offset, int64(len(buf)), blocksize)
				delete(remaining, id)
			}
		}
	}
	n.RUnlock()

	// Phase 5: satisfy from disk cache.
	blocksNotLocal := make([]int64, 0, len(remaining))
	for id := range remaining {
		meta := manifestBlocks[id]
		b := block.NewFromFD(block.Ident{VolumeID: volumeID, FileID: fileID, FileVersion: fileVersion, BlockID: id, BlockVersion: meta.version}, nil, cache)
		// Cap the pre-allocated buffer's capacity at this block's own
		// region of buf: recv[id] may be a sub-slice of the caller's
		// larger buffer, and Cache.Load is free to grow it, which must
		// never spill into a neighboring block's already-placed bytes.
		pre := recv[id][:0:len(recv[id])]
		if err := b.LoadFromCache(pre, int(blocksize)); err != nil {
			if ugerr.KindOf(err) != ugerr.KindNotFound {
				return satisfiedBytes, err
			}
			blocksNotLocal = append(blocksNotLocal, id)
			continue
		}
		copy(recv[id], b.Buffer())
		satisfiedBytes += spanBytes(id, offset, int64(len(buf)), blocksize)
		delete(remaining, id)
	}

	// Phase 6: satisfy from peers via a bounded-parallelism download loop.
	if len(blocksNotLocal) > 0 {
		gateways := append([]rpc.GatewayID{coordinatorID}, rgIDs...)
		got, err := downloadLoop(ctx, gwClient, driver, gateways, blocksNotLocal, manifestBlocks, volumeID, fileID, fileVersion, opts, offset, int64(len(buf)), recv)
		satisfiedBytes += got
		if err != nil {
			return satisfiedBytes, err
		}
	}

	// Phase 7: finalize. If neither file_version nor write_nonce moved
	// during the download, cache the final requested block as a
	// read-ahead hint and record an eviction hint on the handle so it
	// is removed on close.
	n.Lock()
	if n.Manifest.FileVersion == fileVersionAtStart && n.LocalWriteNonce == writeNonceAtStart {
		if lastID := lastRequestedID(firstAligned, lastAligned, unaligned); lastID >= 0 {
			_, alreadyDirty := n.DirtyBlocks[lastID]
			if data, ok := recv[lastID]; ok && !alreadyDirty {
				ident := block.Ident{VolumeID: volumeID, FileID: fileID, FileVersion: fileVersion, BlockID: lastID, BlockVersion: manifestBlocks[lastID].version}
				hint := block.NewRAMCopy(ident, data, cache)
				hint.Dirty = false
				n.DirtyBlocks[lastID] = hint
				if opts.Handle != nil {
					opts.Handle.RecordEvictionHint(ident)
				}
			}
		}
	}
	n.Unlock()

	// Copy unaligned scratch buffers into their slice of buf.
	for id := range unalignedScratch {
		copyUnalignedIntoBuf(buf, recv[id], id, offset, int64(len(buf)), blocksize)
	}

	return satisfiedBytes, nil
}

func lastRequestedID(firstAligned, lastAligned int64, unaligned []int64) int64 {
	best := int64(-1)
	if block.HasAlignedRange(firstAligned, lastAligned) {
		best = lastAligned
	}
	for _, id := range unaligned {
		if id > best {
			best = id
		}
	}
	return best
}

func zeroUnalignedHole(buf []byte, id, offset, length, blocksize int64) {
	s, e := unalignedSpan(id, offset, length, blocksize)
	for i := s; i < e; i++ {
		buf[i] = 0
	}
}

func copyUnalignedIntoBuf(buf, scratch []byte, id, offset, length, blocksize int64) {
	s, e := unalignedSpan(id, offset, length, blocksize)
	// s and e are request-relative; shift back to absolute file offsets
	// to index into the block-relative scratch buffer.
	blockStart := id * blocksize
	copy(buf[s:e], scratch[s+offset-blockStart:e+offset-blockStart])
}

// spanBytes is the length of block id's clamped intersection with the
// request, the amount it contributes to the returned byte count.
func spanBytes(id, offset, length, blocksize int64) int {
	s, e := unalignedSpan(id, offset, length, blocksize)
	return int(e - s)
}

// unalignedSpan returns the [start, end) slice of buf (in request-
// relative coordinates starting at 0) that block id contributes,
// clamped to the request's own bounds.
func unalignedSpan(id, offset, length, blocksize int64) (int64, int64) {
	blockStart := id * blocksize
	blockEnd := blockStart + blocksize
	s := blockStart
	if s < offset {
		s = offset
	}
	e := blockEnd
	if e > offset+length {
		e = offset + length
	}
	return s - offset, e - offset
}

type downloadTask struct {
	id      int64
	gwIndex int
}

// downloadLoop drives GETBLOCK requests against the ordered gateway
// rotation [coordinator, RG_1, RG_2, ...], bounded by
// min(opts.MaxConnections, request count) concurrent in-flight
// requests (spec.md §4.4 phase 6). It keeps the "issue up to N
// concurrent requests, await one, dispatch its completion, re-enqueue
// retries, issue the next" skeleton spec.md §9 requires visible: a
// bounded semaphore gates one goroutine per issued request; failures push the same
// block back onto the task queue with its gateway index advanced. The
// loop terminates when every id has either succeeded or exhausted
// every gateway in rotation. Every downloaded block is run through
// driver.DeserializeBlock against the manifest's recorded hash before
// it's accepted; a hash mismatch is treated exactly like a transport
// failure (retry against the next gateway in rotation), since a
// corrupted or malicious peer response is otherwise indistinguishable
// from a legitimate one.
func downloadLoop(ctx context.Context, client rpc.GatewayClient, driver rpc.Driver, gateways []rpc.GatewayID, ids []int64, meta map[int64]*blockMeta, volumeID, fileID, fileVersion uint64, opts Options, offset, length int64, recv map[int64][]byte) (int, error) {
	conn := opts.MaxConnections
	if conn <= 0 {
		conn = rpc.DefaultMaxConnections
	}
	if conn > len(ids) {
		conn = len(ids)
	}
	if conn < 1 {
		conn = 1
	}

	tasks := make(chan downloadTask, len(ids)*(len(gateways)+2)+1)
	var pending sync.WaitGroup
	for _, id := range ids {
		pending.Add(1)
		tasks <- downloadTask{id: id}
	}
	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()

	sem := semaphore.NewWeighted(int64(conn))
	var mu sync.Mutex
	got := 0
	var firstErr error
	var inFlight sync.WaitGroup

drain:
	for {
		select {
		case <-done:
			break drain
		case t := <-tasks:
			if t.gwIndex >= len(gateways) {
				mu.Lock()
				if firstErr == nil {
					firstErr = ugerr.New(ugerr.KindRemoteIO, "readpath", "all gateways exhausted for block")
				}
				mu.Unlock()
				pending.Done()
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				pending.Done()
				continue
			}

			inFlight.Add(1)
			go func(t downloadTask) {
				defer inFlight.Done()
				defer sem.Release(1)
				defer pending.Done()

				gw := gateways[t.gwIndex]
				m := meta[t.id]
				tctx := ctx
				if opts.TransferTimeout > 0 {
					var cancel context.CancelFunc
					tctx, cancel = context.WithTimeout(ctx, opts.TransferTimeout)
					defer cancel()
				}
				data, err := client.GetBlock(tctx, gw, rpc.BlockRequest{VolumeID: volumeID, FileID: fileID, FileVersion: fileVersion, BlockID: t.id, BlockVersion: m.version})
				if err == nil {
					data, err = driver.DeserializeBlock(data, m.hash)
				}
				if err != nil {
					ustats.DownloadLoopRetries.Inc()
					ulog.V(1).Infof("readpath: block %d from gateway %d failed: %v", t.id, gw, err)
					pending.Add(1)
					tasks <- downloadTask{id: t.id, gwIndex: t.gwIndex + 1}
					return
				}
				mu.Lock()
				copy(recv[t.id], data)
				got += spanBytes(t.id, offset, length, opts.Blocksize)
				mu.Unlock()
			}(t)
		}
	}
	inFlight.Wait()

	if firstErr != nil {
		return got, firstErr
	}
	return got, nil
}
