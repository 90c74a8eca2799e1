// Package manifest implements the per-file manifest (spec.md §3): the
// durable record of which block versions constitute a file's current
// content, versioned by (file_version, modtime) and signed by its
// coordinator.
package manifest

import (
	"encoding/binary"
	"sort"

	"github.com/google/uuid"
)

// BlockEntry is one manifest row: block_id → (block_version, hash,
// dirty_flag).
type BlockEntry struct {
	BlockID      int64
	BlockVersion uint64
	Hash         []byte
	Dirty        bool
}

// Manifest is the per-file manifest described in spec.md §3.
type Manifest struct {
	VolumeID      uint64
	CoordinatorID uint64
	FileID        uint64
	FileVersion   uint64
	ModtimeSec    int64
	ModtimeNsec   int64
	Size          int64

	Blocks map[int64]*BlockEntry

	// Signature over the wire encoding of the fields above, produced by
	// the coordinator's private key (see sign.go).
	Signature []byte
}

// New returns an empty manifest for a freshly-created file.
func New(volumeID, coordinatorID, fileID, fileVersion uint64) *Manifest {
	return &Manifest{
		VolumeID:      volumeID,
		CoordinatorID: coordinatorID,
		FileID:        fileID,
		FileVersion:   fileVersion,
		Blocks:        make(map[int64]*BlockEntry),
	}
}

// Clone performs a deep copy, used by export, the fsync snapshot,
// signature verification and patch-manifest's "clone the current
// manifest, apply the delta" pattern (spec.md §4.5).
func (m *Manifest) Clone() *Manifest {
	cp := &Manifest{
		VolumeID:      m.VolumeID,
		CoordinatorID: m.CoordinatorID,
		FileID:        m.FileID,
		FileVersion:   m.FileVersion,
		ModtimeSec:    m.ModtimeSec,
		ModtimeNsec:   m.ModtimeNsec,
		Size:          m.Size,
		Blocks:        make(map[int64]*BlockEntry, len(m.Blocks)),
		Signature:     append([]byte(nil), m.Signature...),
	}
	for id, e := range m.Blocks {
		ce := *e
		ce.Hash = append([]byte(nil), e.Hash...)
		cp.Blocks[id] = &ce
	}
	return cp
}

// MergeBlocks merges remotely-observed block metadata into m without
// destroying local dirty state (spec.md §4.2 manifest-merge-blocks):
// an entry whose local counterpart is dirty describes a write that has
// not yet replicated, so the remote's (necessarily older) view of that
// id is dropped rather than installed over it. Entries m already has
// that the delta doesn't mention are left alone. A remote-coordinator
// overwrite that must supersede local state regardless goes through
// the patch-manifest path, not here.
func (m *Manifest) MergeBlocks(delta map[int64]*BlockEntry) {
	for id, e := range delta {
		if cur, ok := m.Blocks[id]; ok && cur.Dirty {
			continue
		}
		ce := *e
		ce.Hash = append([]byte(nil), e.Hash...)
		m.Blocks[id] = &ce
	}
}

// SortedBlockIDs returns the manifest's block ids in ascending order,
// used for deterministic iteration (vacuum log entries, xattr hashing,
// wire encoding).
func (m *Manifest) SortedBlockIDs() []int64 {
	ids := make([]int64, 0, len(m.Blocks))
	for id := range m.Blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NewFileID mints a fresh 64-bit file identifier from a random UUID,
// matching the way gateway/volume identifiers are minted elsewhere in
// the corpus via google/uuid; only the low 8 bytes are kept since
// spec.md §6 prints file_id as a bare 64-bit hex value.
func NewFileID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[8:16])
}

// NewGatewayID mints a fresh 64-bit gateway identifier. 0 is reserved
// (spec.md §4.6: a fan-out queue entry with gateway_id == 0 is empty),
// so this is re-rolled on the vanishingly unlikely collision with 0.
func NewGatewayID() uint64 {
	for {
		if id := NewFileID(); id != 0 {
			return id
		}
	}
}
