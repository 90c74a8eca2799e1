// Package writepath implements spec.md §4.5: merging a user buffer
// into an inode's dirty-block set, and applying a remote coordinator's
// patch-manifest delta.
package writepath

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/syndicate-storage/syndicate-sub000/core/block"
	"github.com/syndicate-storage/syndicate-sub000/core/inode"
	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
	"github.com/syndicate-storage/syndicate-sub000/core/rpc"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

// Options configures one Write call.
type Options struct {
	Blocksize     int64
	IsCoordinator bool
	// CoordinatorKey signs the manifest at the end of phase 7 when
	// IsCoordinator is set (spec.md §3, §6: "the manifest ... is
	// signed by its coordinator's private key"). Required whenever
	// IsCoordinator is true.
	CoordinatorKey ed25519.PrivateKey
	// Cache is the disk cache the committed blocks flush into when the
	// phase-6 trim runs (spec.md §4.5 phase 6).
	Cache block.Cache
}

// RefreshFunc runs phase 1 (manifest-ensure-fresh); same contract as
// readpath.RefreshFunc.
type RefreshFunc func(ctx context.Context) error

// UnalignedFetch fetches the current content of an unaligned head/tail
// block (possibly from a peer) for read-modify-write merge, per
// spec.md §4.5 phase 2. Implementations typically check the dirty set,
// then the disk cache, then peers — the same precedence as the read
// path, but for a single block.
type UnalignedFetch func(ctx context.Context, blockID int64) ([]byte, error)

// NewBlockVersion mints a fresh random 64-bit block_version tag
// (spec.md §3: "a random 64-bit tag regenerated on every write").
func NewBlockVersion() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is fatal for the whole process, not just
		// this write; panicking here matches the teacher's treatment of
		// an unreadable entropy source elsewhere (weed/util/fullpath
		// and weed/security both treat it as unrecoverable).
		panic("writepath: crypto/rand unavailable: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}

// NewWriteNonce mints a fresh random write_nonce (spec.md §3).
func NewWriteNonce() uint64 { return NewBlockVersion() }

// Write merges buf into n's dirty-block set at offset, per spec.md
// §4.5's seven phases, and returns the number of bytes merged.
func Write(ctx context.Context, n *inode.Inode, buf []byte, offset int64, opts Options, driver rpc.Driver, fetchUnaligned UnalignedFetch, refresh RefreshFunc, now time.Time) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	blocksize := opts.Blocksize

	// Phase 1: refresh manifest. The refresh locks the inode internally;
	// no lock is held across it here (spec.md §5: locks are released
	// across network I/O).
	if err := refresh(ctx); err != nil {
		return 0, err
	}

	firstAligned, lastAligned, firstOffset := block.Aligned(offset, int64(len(buf)), blocksize)
	unalignedIDs := block.UnalignedIDs(offset, int64(len(buf)), blocksize)

	// Phase 2 + 3: read unaligned head/tail blocks and merge the
	// user's bytes into a scratch copy of their untouched prefix/suffix.
	scratch := make(map[int64][]byte, len(unalignedIDs))
	for _, id := range unalignedIDs {
		existing, ferr := fetchUnaligned(ctx, id)
		buf2 := make([]byte, blocksize)
		if ferr == nil {
			copy(buf2, existing)
		} // a fetch miss means this is a write-hole fill; buf2 stays zeroed.
		mergeSpan(buf2, buf, id, offset, int64(len(buf)), blocksize)
		scratch[id] = buf2
	}

	// Phase 4: create aligned dirty blocks, zero-copy into buf.
	// Phase 4 is "zero-copy" in the original C, where the dirty block
	// points directly into the FUSE-supplied buffer for the lifetime of
	// the syscall. Go gives this core no equivalent lifetime guarantee
	// on the caller's buf past this call returning, so each aligned
	// block here is committed as a private copy (NewRAMCopy) instead of
	// NewRAMOwned pointing at buf — satisfying phase 5's invariant
	// ("each committed block has either a private (unshared) buffer, or
	// is backed by an mmap") without risking a dangling read once the
	// caller reuses or frees buf.
	aligned := make(map[int64]*block.Block)
	if block.HasAlignedRange(firstAligned, lastAligned) {
		for id := firstAligned; id <= lastAligned; id++ {
			start := firstOffset + (id-firstAligned)*blocksize
			end := start + blocksize
			if end > int64(len(buf)) {
				end = int64(len(buf))
			}
			data := buf[start:end]
			hash, herr := contentHash(driver, data)
			if herr != nil {
				return 0, herr
			}
			b := block.NewRAMCopy(block.Ident{BlockID: id, BlockVersion: NewBlockVersion()}, data, opts.Cache)
			b.Hash = hash
			aligned[id] = b
		}
	}
	for id, data := range scratch {
		hash, herr := contentHash(driver, data)
		if herr != nil {
			return 0, herr
		}
		b := block.NewRAMOwned(block.Ident{BlockID: id, BlockVersion: NewBlockVersion()}, data, true, opts.Cache)
		b.Hash = hash
		aligned[id] = b
	}

	// Phase 5: commit. Memory pressure retries are the caller's concern
	// (spec.md: "under memory pressure the commit loop retries instead
	// of failing"); DirtyBlockCommit itself never fails for this core's
	// in-process model.
	merged := 0
	for id, b := range aligned {
		b.Dirty = true
		if err := n.DirtyBlockCommit(b); err != nil {
			return merged, err
		}
		merged += blockContribution(id, offset, int64(len(buf)), blocksize)
	}

	// Phase 6: trim. If the write is unaligned at the end, flush every
	// dirty block to disk except the final one, which stays in RAM so
	// further writes can extend it without a re-read.
	if isUnalignedTail(offset, int64(len(buf)), blocksize) && opts.Cache != nil {
		lastID := lastWrittenID(firstAligned, lastAligned, unalignedIDs)
		if lastID >= 0 {
			if err := n.DirtyBlocksTrim(map[int64]bool{lastID: true}); err != nil {
				return merged, err
			}
		}
	}

	// Phase 7: timestamps, then (re-)sign the manifest the coordinator
	// is about to hand out (spec.md §3, §6).
	n.Lock()
	n.LocalWriteNonce = NewWriteNonce()
	if opts.IsCoordinator {
		n.Manifest.ModtimeSec = now.Unix()
		n.Manifest.ModtimeNsec = int64(now.Nanosecond())
		if len(opts.CoordinatorKey) != ed25519.PrivateKeySize {
			n.Unlock()
			return merged, ugerr.New(ugerr.KindInvalidArgument, "writepath", "coordinator key required to sign manifest")
		}
		if err := n.Manifest.Sign(opts.CoordinatorKey); err != nil {
			n.Unlock()
			return merged, err
		}
	}
	n.Unlock()

	return merged, nil
}

// contentHash runs data through the driver's wire serialization and
// hashes the result, so the hash stored in the manifest is always a
// hash of the bytes that actually leave the coordinator, not of the
// caller's in-memory representation (spec.md §3, §6; verified again
// on download by readpath's downloadLoop).
func contentHash(driver rpc.Driver, data []byte) ([]byte, error) {
	wire, err := driver.SerializeBlock(data)
	if err != nil {
		return nil, err
	}
	return block.ContentHash(wire), nil
}

func mergeSpan(scratch, buf []byte, id, offset, length, blocksize int64) {
	blockStart := id * blocksize
	s := blockStart
	if s < offset {
		s = offset
	}
	e := blockStart + blocksize
	if e > offset+length {
		e = offset + length
	}
	copy(scratch[s-blockStart:e-blockStart], buf[s-offset:e-offset])
}

func blockContribution(id, offset, length, blocksize int64) int {
	blockStart := id * blocksize
	s := blockStart
	if s < offset {
		s = offset
	}
	e := blockStart + blocksize
	if e > offset+length {
		e = offset + length
	}
	if e < s {
		return 0
	}
	return int(e - s)
}

func isUnalignedTail(offset, length, blocksize int64) bool {
	return (offset+length)%blocksize != 0
}

func lastWrittenID(firstAligned, lastAligned int64, unaligned []int64) int64 {
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

// PatchManifest applies a remote coordinator's WRITE delta to n
// (spec.md §4.5 "Patch-manifest"): clone the current manifest, apply
// the delta, and for every id the delta touches, drop any locally
// cached block of that id whose version no longer matches (superseded
// remotely); if that block was recorded in ReplacedBlocks, drop the
// record too, since the remote overwrite subsumes our vacuum duty.
func PatchManifest(n *inode.Inode, delta *manifest.Manifest) {
	n.Lock()
	defer n.Unlock()

	next := n.Manifest.Clone()
	// The delta is applied directly, not via MergeBlocks: a remote
	// coordinator's overwrite supersedes even a locally-dirty entry
	// (the matching dirty block is evicted below), whereas MergeBlocks
	// exists to keep dirty entries alive across a mere refresh.
	for id, e := range delta.Blocks {
		ce := *e
		ce.Hash = append([]byte(nil), e.Hash...)
		next.Blocks[id] = &ce
	}
	next.FileVersion = delta.FileVersion
	next.ModtimeSec = delta.ModtimeSec
	next.ModtimeNsec = delta.ModtimeNsec
	next.Size = delta.Size

	for id, e := range delta.Blocks {
		if db, ok := n.DirtyBlocks[id]; ok && db.Meta.BlockVersion != e.BlockVersion {
			_ = db.EvictAndFree()
			delete(n.DirtyBlocks, id)
		}
		if _, ok := n.ReplacedBlocks[id]; ok {
			delete(n.ReplacedBlocks, id)
		}
	}

	n.Manifest = next
}
