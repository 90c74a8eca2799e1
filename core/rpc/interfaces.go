// Package rpc defines the capability-record interfaces the UG core
// consumes from its external collaborators (spec.md §1, §9). Apart from
// GobDriver (driver.go), the one concrete Driver shipped here, none of
// these are implemented in this package: the MS RPC client, the
// HTTP/gRPC transport and the background vacuumer are all out of scope
// per spec.md §1 and are supplied by the gateway binary that links this
// core in.
package rpc

import (
	"context"

	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
)

// GatewayID identifies a peer gateway (coordinator or RG). 0 is
// reserved to mean "no gateway" / "queue entry done" (spec.md §4.6).
type GatewayID = uint64

// MSClient is the collaborator contract spec.md §6 assigns to the
// metadata service: every metadata-changing or metadata-reading
// operation the core needs, each returning the MS's post-operation
// md_entry view, a write nonce, and an error.
type MSClient interface {
	Create(ctx context.Context, parentFileID uint64, name string) (MDEntry, error)
	CreateAsync(ctx context.Context, parentFileID uint64, name string) error
	Mkdir(ctx context.Context, parentFileID uint64, name string) (MDEntry, error)
	Update(ctx context.Context, entry MDEntry) (MDEntry, error)
	UpdateAsync(ctx context.Context, entry MDEntry) error
	// Delete treats an MS-returned -ENOENT as idempotent success
	// (spec.md §6).
	Delete(ctx context.Context, fileID uint64) error
	DeleteAsync(ctx context.Context, fileID uint64) error
	Rename(ctx context.Context, fileID uint64, newParentID uint64, newName string) (MDEntry, error)
	// Coordinate attempts to become coordinator of fileID; succeeds
	// only if the caller holds the COORDINATE capability (spec.md
	// §4.3).
	Coordinate(ctx context.Context, fileID uint64) (newCoordinatorID uint64, err error)
	Getattr(ctx context.Context, fileID uint64) (MDEntry, error)
	Getchild(ctx context.Context, parentFileID uint64, name string) (MDEntry, error)
	Listdir(ctx context.Context, parentFileID uint64, pageToken string) (entries []MDEntry, nextPageToken string, err error)

	AppendVacuumLogEntry(ctx context.Context, entry VacuumLogEntry) error
	PeekVacuumLog(ctx context.Context, fileID uint64) (VacuumLogEntry, bool, error)
	RemoveVacuumLogEntry(ctx context.Context, fileID uint64, fileVersion uint64) error

	PutXattr(ctx context.Context, fileID uint64, name string, value []byte) error
	RemoveXattr(ctx context.Context, fileID uint64, name string) error
}

// MDEntry is the MS-shaped record an inode exports itself as
// (spec.md §4.2 export) and the shape every MSClient call returns.
type MDEntry struct {
	FileID      uint64
	ParentID    uint64
	Name        string
	VolumeID    uint64
	WriteNonce  uint64
	Generation  uint64
	Manifest    *manifest.Manifest
	XattrHash   []byte
	IsDirectory bool
}

// VacuumLogEntry is the append-only MS-side record described in
// spec.md §4.6 phase (1): "this gateway is about to make these blocks
// part of this version of the manifest."
type VacuumLogEntry struct {
	VolumeID          uint64
	CoordinatorID     uint64
	FileID            uint64
	FileVersion       uint64
	ManifestMtimeSec  int64
	ManifestMtimeNsec int64
	AffectedBlockIDs  []int64
}

// GatewayClient is the peer-to-peer transport (GETBLOCK, GETMANIFEST,
// PUTBLOCK, WRITE, xattr RPCs) described in spec.md §6. Every request
// is signed end-to-end by the sender's private key; signing itself is
// the transport's concern, not this core's.
type GatewayClient interface {
	GetBlock(ctx context.Context, gw GatewayID, id BlockRequest) ([]byte, error)
	GetManifest(ctx context.Context, gw GatewayID, volumeID, fileID, fileVersion uint64) (*manifest.Manifest, error)
	PutBlock(ctx context.Context, gw GatewayID, id BlockRequest, data []byte) error
	// Write carries either a manifest delta (patch-manifest) or a
	// metadata-only update, matching spec.md §4.6 phase (2)'s
	// INVALID_BLOCK_ID convention for the manifest's fan-out entry.
	Write(ctx context.Context, gw GatewayID, payload WritePayload) error
	SetXattr(ctx context.Context, gw GatewayID, fileID uint64, name string, value []byte) error
	RemoveXattr(ctx context.Context, gw GatewayID, fileID uint64, name string) error
	ListXattr(ctx context.Context, gw GatewayID, fileID uint64) ([]string, error)
	GetXattr(ctx context.Context, gw GatewayID, fileID uint64, name string) ([]byte, error)
}

// BlockRequest identifies a block to fetch or push.
type BlockRequest struct {
	VolumeID     uint64
	FileID       uint64
	FileVersion  uint64
	BlockID      int64
	BlockVersion uint64
}

// WritePayload is either a manifest delta or a bare metadata update.
type WritePayload struct {
	Manifest *manifest.Manifest
	MDEntry  *MDEntry
}

// Driver is the pluggable storage driver (spec.md §1, §9): it owns
// chunk/manifest serialization on the wire. This core ships one
// concrete implementation (manifest.Encode/Decode, gob-based) behind
// this interface so a production deployment can swap in a protobuf
// driver without touching any caller.
type Driver interface {
	SerializeManifest(m *manifest.Manifest) ([]byte, error)
	DeserializeManifest(data []byte) (*manifest.Manifest, error)
	SerializeBlock(data []byte) ([]byte, error)
	DeserializeBlock(data []byte, expectHash []byte) ([]byte, error)
}

// Vacuumer is the background reclamation collaborator (spec.md §4.7):
// contexts are processed eventually and at most once.
type Vacuumer interface {
	Enqueue(ctx context.Context, vctx VacuumContext) error
}

// VacuumContext is what the sync serializer hands the vacuumer after a
// successful fsync: the previous manifest's blocks that are now safe
// to reclaim, plus the vacuum log cursor to remove once reclaimed.
type VacuumContext struct {
	VolumeID          uint64
	FileID            uint64
	OldFileVersion    uint64
	OldManifestMtimeS int64
	OldManifestMtimeN int64
	ReplacedBlocks    map[int64]*manifest.BlockEntry
}
