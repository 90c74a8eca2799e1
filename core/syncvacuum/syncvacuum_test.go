package syncvacuum

import (
	"context"
	"crypto/ed25519"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syndicate-storage/syndicate-sub000/core/block"
	"github.com/syndicate-storage/syndicate-sub000/core/inode"
	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
	"github.com/syndicate-storage/syndicate-sub000/core/replication"
	"github.com/syndicate-storage/syndicate-sub000/core/rpc"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

type noopFuture struct{}

func (noopFuture) Wait() (*os.File, error) { return nil, nil }

type noopCache struct{}

func (noopCache) Load(id block.Ident, buf []byte, blocksize int) ([]byte, int, error) {
	return nil, 0, ugerr.New(ugerr.KindNotFound, "test", "no cache")
}
func (noopCache) Flush(id block.Ident, data []byte) (block.FlushFuture, error) {
	return noopFuture{}, nil
}
func (noopCache) Open(id block.Ident) (*os.File, error) {
	return nil, ugerr.New(ugerr.KindNotFound, "test", "no cache")
}
func (noopCache) Evict(id block.Ident) error { return nil }

type fakeDriver struct{}

func (fakeDriver) SerializeManifest(m *manifest.Manifest) ([]byte, error) { return manifest.Encode(m) }
func (fakeDriver) DeserializeManifest(data []byte) (*manifest.Manifest, error) {
	return manifest.Decode(data)
}
func (fakeDriver) SerializeBlock(data []byte) ([]byte, error) { return data, nil }
func (fakeDriver) DeserializeBlock(data []byte, expectHash []byte) ([]byte, error) {
	return data, nil
}

type fakeGateway struct{}

func (fakeGateway) GetBlock(ctx context.Context, gw rpc.GatewayID, id rpc.BlockRequest) ([]byte, error) {
	return nil, ugerr.New(ugerr.KindUnsupported, "test", "unused")
}
func (fakeGateway) GetManifest(ctx context.Context, gw rpc.GatewayID, volumeID, fileID, fileVersion uint64) (*manifest.Manifest, error) {
	return nil, ugerr.New(ugerr.KindUnsupported, "test", "unused")
}
func (fakeGateway) PutBlock(ctx context.Context, gw rpc.GatewayID, id rpc.BlockRequest, data []byte) error {
	return nil
}
func (fakeGateway) Write(ctx context.Context, gw rpc.GatewayID, payload rpc.WritePayload) error {
	return nil
}
func (fakeGateway) SetXattr(ctx context.Context, gw rpc.GatewayID, fileID uint64, name string, value []byte) error {
	return nil
}
func (fakeGateway) RemoveXattr(ctx context.Context, gw rpc.GatewayID, fileID uint64, name string) error {
	return nil
}
func (fakeGateway) ListXattr(ctx context.Context, gw rpc.GatewayID, fileID uint64) ([]string, error) {
	return nil, nil
}
func (fakeGateway) GetXattr(ctx context.Context, gw rpc.GatewayID, fileID uint64, name string) ([]byte, error) {
	return nil, nil
}

type fakeMS struct {
	mu      sync.Mutex
	updates int
}

func (m *fakeMS) Create(ctx context.Context, parentFileID uint64, name string) (rpc.MDEntry, error) {
	return rpc.MDEntry{}, nil
}
func (m *fakeMS) CreateAsync(ctx context.Context, parentFileID uint64, name string) error { return nil }
func (m *fakeMS) Mkdir(ctx context.Context, parentFileID uint64, name string) (rpc.MDEntry, error) {
	return rpc.MDEntry{}, nil
}
func (m *fakeMS) Update(ctx context.Context, entry rpc.MDEntry) (rpc.MDEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	return entry, nil
}
func (m *fakeMS) UpdateAsync(ctx context.Context, entry rpc.MDEntry) error { return nil }
func (m *fakeMS) Delete(ctx context.Context, fileID uint64) error         { return nil }
func (m *fakeMS) DeleteAsync(ctx context.Context, fileID uint64) error    { return nil }
func (m *fakeMS) Rename(ctx context.Context, fileID, newParentID uint64, newName string) (rpc.MDEntry, error) {
	return rpc.MDEntry{}, nil
}
func (m *fakeMS) Coordinate(ctx context.Context, fileID uint64) (uint64, error) { return 0, nil }
func (m *fakeMS) Getattr(ctx context.Context, fileID uint64) (rpc.MDEntry, error) {
	return rpc.MDEntry{}, nil
}
func (m *fakeMS) Getchild(ctx context.Context, parentFileID uint64, name string) (rpc.MDEntry, error) {
	return rpc.MDEntry{}, nil
}
func (m *fakeMS) Listdir(ctx context.Context, parentFileID uint64, pageToken string) ([]rpc.MDEntry, string, error) {
	return nil, "", nil
}
func (m *fakeMS) AppendVacuumLogEntry(ctx context.Context, entry rpc.VacuumLogEntry) error {
	return nil
}
func (m *fakeMS) PeekVacuumLog(ctx context.Context, fileID uint64) (rpc.VacuumLogEntry, bool, error) {
	return rpc.VacuumLogEntry{}, false, nil
}
func (m *fakeMS) RemoveVacuumLogEntry(ctx context.Context, fileID, fileVersion uint64) error {
	return nil
}
func (m *fakeMS) PutXattr(ctx context.Context, fileID uint64, name string, value []byte) error {
	return nil
}
func (m *fakeMS) RemoveXattr(ctx context.Context, fileID uint64, name string) error { return nil }

// fakeVacuumer records every context it's handed; spec.md §4.7 only
// requires "eventually, at most once" so a synchronous append is a
// faithful enough stand-in for tests.
type fakeVacuumer struct {
	mu       sync.Mutex
	received []rpc.VacuumContext
	failN    int // fail this many times before succeeding
}

func (v *fakeVacuumer) Enqueue(ctx context.Context, vctx rpc.VacuumContext) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failN > 0 {
		v.failN--
		return ugerr.New(ugerr.KindNoMemory, "test", "simulated pressure")
	}
	v.received = append(v.received, vctx)
	return nil
}

func newTestInode() *inode.Inode {
	m := manifest.New(1, 1, 42, 1)
	m.ModtimeSec, m.ModtimeNsec = 111, 222
	m.Blocks[7] = &manifest.BlockEntry{BlockID: 7, BlockVersion: 0, Dirty: false}
	n := inode.NewFromExportedManifest(m, inode.FreshnessConfig{MaxReadFreshnessMs: 60000, MaxWriteFreshnessMs: 60000})

	b := block.NewRAMCopy(block.Ident{VolumeID: 1, FileID: 42, FileVersion: 1, BlockID: 7, BlockVersion: 9}, []byte("payload"), noopCache{})
	b.Dirty = true
	if err := n.DirtyBlockCommit(b); err != nil {
		panic(err)
	}
	return n
}

func testDeps(ms *fakeMS, v *fakeVacuumer) Deps {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return Deps{
		Replication: replication.Deps{
			MS:                ms,
			Gateway:           fakeGateway{},
			Driver:            fakeDriver{},
			FanoutConcurrency: 4,
			CoordinatorKey:    priv,
		},
		Vacuumer:      v,
		RGIDs:         []rpc.GatewayID{101, 102},
		MaxAttempts:   3,
		IsCoordinator: true,
	}
}

// TestFsync_SnapshotAndVacuumHandoff covers the happy path: the dirty
// block set is extracted before replication runs, the manifest's
// superseded block entry lands in the vacuum context, and
// old_manifest_modtime advances to the manifest that was just
// replicated (spec.md §4.7 steps 1, 5, 6).
func TestFsync_SnapshotAndVacuumHandoff(t *testing.T) {
	n := newTestInode()
	ms := &fakeMS{}
	v := &fakeVacuumer{}

	err := Fsync(context.Background(), n, "/f", 0, testDeps(ms, v))
	require.NoError(t, err)

	require.Empty(t, n.DirtyBlocks, "dirty set must be empty once replication succeeds")
	require.Equal(t, 1, ms.updates)

	// The vacuum cursor advances to the just-replicated manifest's mtime
	// (spec.md §8: "After fsync succeeds, old_manifest_modtime equals
	// the snapshot's manifest mtime").
	require.EqualValues(t, 111, n.OldManifestModtimeSec)
	require.EqualValues(t, 222, n.OldManifestModtimeNsec)

	require.Len(t, v.received, 1)
	require.Equal(t, uint64(42), v.received[0].FileID)
	require.EqualValues(t, 1, v.received[0].OldFileVersion)
	require.Contains(t, v.received[0].ReplacedBlocks, int64(7))
}

// TestFsync_VacuumEnqueueRetriesOnMemoryPressure resolves spec.md §9's
// open question about UG_fsync_ex: a KindNoMemory failure from the
// vacuumer must be retried, not abandoned, and must never fail fsync
// itself.
func TestFsync_VacuumEnqueueRetriesOnMemoryPressure(t *testing.T) {
	n := newTestInode()
	ms := &fakeMS{}
	v := &fakeVacuumer{failN: 2}

	err := Fsync(context.Background(), n, "/f", 0, testDeps(ms, v))
	require.NoError(t, err)
	require.Len(t, v.received, 1, "must eventually enqueue exactly once despite two retries")
}

// blockingMS wraps a *fakeMS and blocks inside Update until gate is
// closed, giving a test a deterministic window in which the caller's
// Fsync is known to still be holding the FIFO slot.
type blockingMS struct {
	*fakeMS
	gate    chan struct{}
	entered chan struct{}
}

func (b *blockingMS) Update(ctx context.Context, entry rpc.MDEntry) (rpc.MDEntry, error) {
	close(b.entered)
	<-b.gate
	return b.fakeMS.Update(ctx, entry)
}

// TestFsync_FIFOOrdering covers spec.md §4.2's sync-queue-push/pop
// discipline: a waiter pushed onto the queue while the first caller's
// replication is still in flight must not be released until that
// first caller reaches step 7.
func TestFsync_FIFOOrdering(t *testing.T) {
	n := newTestInode()
	bms := &blockingMS{fakeMS: &fakeMS{}, gate: make(chan struct{}), entered: make(chan struct{})}
	v := &fakeVacuumer{}
	deps := testDeps(bms.fakeMS, v)
	deps.Replication.MS = bms

	done := make(chan error, 1)
	go func() { done <- Fsync(context.Background(), n, "/f", 0, deps) }()

	<-bms.entered // the first Fsync is now blocked inside phaseMSUpdate

	n.Lock()
	parked := &inode.SyncContext{Done: make(chan struct{})}
	n.SyncQueuePush(parked)
	n.Unlock()

	select {
	case <-parked.Done:
		t.Fatal("waiter released before the first fsync reached step 7")
	case <-time.After(50 * time.Millisecond):
	}

	close(bms.gate)
	require.NoError(t, <-done)

	select {
	case <-parked.Done:
	case <-time.After(time.Second):
		t.Fatal("parked waiter was never released")
	}
}
