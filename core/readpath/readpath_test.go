package readpath

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syndicate-storage/syndicate-sub000/core/block"
	"github.com/syndicate-storage/syndicate-sub000/core/inode"
	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
	"github.com/syndicate-storage/syndicate-sub000/core/rpc"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

type noopCache struct{}

func (noopCache) Load(id block.Ident, buf []byte, blocksize int) ([]byte, int, error) {
	return nil, 0, ugerr.New(ugerr.KindNotFound, "test", "no cache")
}
func (noopCache) Flush(id block.Ident, data []byte) (block.FlushFuture, error) {
	return nil, ugerr.New(ugerr.KindUnsupported, "test", "unused")
}
func (noopCache) Open(id block.Ident) (*os.File, error) {
	return nil, ugerr.New(ugerr.KindNotFound, "test", "no cache")
}
func (noopCache) Evict(id block.Ident) error { return nil }

func noopRefresh(ctx context.Context) error { return nil }

func newFreshInode(blocks map[int64]*manifest.BlockEntry) *inode.Inode {
	m := manifest.New(1, 1, 42, 1)
	for id, e := range blocks {
		m.Blocks[id] = e
	}
	return inode.NewFromExportedManifest(m, inode.FreshnessConfig{MaxReadFreshnessMs: 60000, MaxWriteFreshnessMs: 60000})
}

// fakeGateway serves GETBLOCK for exactly the gateway/block pairs in
// data; anything else is a miss, exercising the download loop's
// gateway-rotation retry.
type fakeGateway struct {
	data map[rpc.GatewayID]map[int64][]byte
}

func (g *fakeGateway) GetBlock(ctx context.Context, gw rpc.GatewayID, id rpc.BlockRequest) ([]byte, error) {
	if byBlock, ok := g.data[gw]; ok {
		if d, ok := byBlock[id.BlockID]; ok {
			return d, nil
		}
	}
	return nil, ugerr.New(ugerr.KindNotFound, "test", "miss")
}
func (g *fakeGateway) GetManifest(ctx context.Context, gw rpc.GatewayID, volumeID, fileID, fileVersion uint64) (*manifest.Manifest, error) {
	return nil, ugerr.New(ugerr.KindUnsupported, "test", "unused")
}
func (g *fakeGateway) PutBlock(ctx context.Context, gw rpc.GatewayID, id rpc.BlockRequest, data []byte) error {
	return ugerr.New(ugerr.KindUnsupported, "test", "unused")
}
func (g *fakeGateway) Write(ctx context.Context, gw rpc.GatewayID, payload rpc.WritePayload) error {
	return ugerr.New(ugerr.KindUnsupported, "test", "unused")
}
func (g *fakeGateway) SetXattr(ctx context.Context, gw rpc.GatewayID, fileID uint64, name string, value []byte) error {
	return nil
}
func (g *fakeGateway) RemoveXattr(ctx context.Context, gw rpc.GatewayID, fileID uint64, name string) error {
	return nil
}
func (g *fakeGateway) ListXattr(ctx context.Context, gw rpc.GatewayID, fileID uint64) ([]string, error) {
	return nil, nil
}
func (g *fakeGateway) GetXattr(ctx context.Context, gw rpc.GatewayID, fileID uint64, name string) ([]byte, error) {
	return nil, nil
}

// TestRead_AlignedFromDirtySet mirrors phase 4: a read fully satisfied
// by the inode's own dirty block never touches the cache or network.
func TestRead_AlignedFromDirtySet(t *testing.T) {
	n := newFreshInode(map[int64]*manifest.BlockEntry{
		0: {BlockID: 0, BlockVersion: 9},
	})
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i % 256)
	}
	db := block.NewRAMCopy(block.Ident{BlockID: 0, BlockVersion: 9}, content, noopCache{})
	n.DirtyBlockCache(db)

	buf := make([]byte, 4096)
	gw := &fakeGateway{}
	n2, err := Read(context.Background(), n, buf, 0, Options{Blocksize: 4096}, noopCache{}, gw, rpc.GobDriver{}, 1, 42, 1, 201, nil, noopRefresh)
	require.NoError(t, err)
	require.Equal(t, 4096, n2)
	require.Equal(t, content, buf)
}

// TestRead_WriteHoleIsZeroed mirrors spec.md §4.4's write-hole handling:
// a block id absent from the manifest reads back as zeros without any
// RPC.
func TestRead_WriteHoleIsZeroed(t *testing.T) {
	n := newFreshInode(nil) // empty file, no blocks at all
	buf := make([]byte, 100)
	for i := range buf {
		buf[i] = 0xFF
	}
	gw := &fakeGateway{}
	got, err := Read(context.Background(), n, buf, 0, Options{Blocksize: 4096}, noopCache{}, gw, rpc.GobDriver{}, 1, 42, 1, 201, nil, noopRefresh)
	require.NoError(t, err)
	require.Equal(t, 100, got)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

// TestRead_FallsBackThroughGatewayRotation mirrors phase 6: a block
// missing from the dirty set and the disk cache is fetched from the
// coordinator first, and from the next RG in rotation if the
// coordinator misses.
func TestRead_FallsBackThroughGatewayRotation(t *testing.T) {
	n := newFreshInode(map[int64]*manifest.BlockEntry{
		0: {BlockID: 0, BlockVersion: 5},
	})
	want := make([]byte, 4096)
	for i := range want {
		want[i] = byte(i % 191)
	}
	gw := &fakeGateway{data: map[rpc.GatewayID]map[int64][]byte{
		202: {0: want}, // coordinator (201) misses, RG 202 has it
	}}

	buf := make([]byte, 4096)
	got, err := Read(context.Background(), n, buf, 0, Options{Blocksize: 4096, MaxConnections: 4}, noopCache{}, gw, rpc.GobDriver{}, 1, 42, 1, 201, []rpc.GatewayID{202}, noopRefresh)
	require.NoError(t, err)
	require.Equal(t, 4096, got)
	require.Equal(t, want, buf)
}

// TestRead_AllGatewaysExhausted mirrors phase 6's terminal failure: once
// every gateway in rotation has missed, Read returns the remote-I/O
// error with whatever bytes were already satisfied.
func TestRead_AllGatewaysExhausted(t *testing.T) {
	n := newFreshInode(map[int64]*manifest.BlockEntry{
		0: {BlockID: 0, BlockVersion: 5},
	})
	gw := &fakeGateway{}
	buf := make([]byte, 4096)
	_, err := Read(context.Background(), n, buf, 0, Options{Blocksize: 4096}, noopCache{}, gw, rpc.GobDriver{}, 1, 42, 1, 201, []rpc.GatewayID{202}, noopRefresh)
	require.Error(t, err)
	require.Equal(t, ugerr.KindRemoteIO, ugerr.KindOf(err))
}

// TestRead_UnalignedFromDirtySet covers the unaligned-scratch path:
// a short read inside one block is staged through a block-sized
// scratch buffer and only the requested span lands in the caller's
// buffer, with the returned count matching that span, not the block.
func TestRead_UnalignedFromDirtySet(t *testing.T) {
	n := newFreshInode(map[int64]*manifest.BlockEntry{
		0: {BlockID: 0, BlockVersion: 9},
	})
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i % 256)
	}
	db := block.NewRAMCopy(block.Ident{BlockID: 0, BlockVersion: 9}, content, noopCache{})
	n.DirtyBlockCache(db)

	buf := make([]byte, 100)
	gw := &fakeGateway{}
	got, err := Read(context.Background(), n, buf, 2000, Options{Blocksize: 4096}, noopCache{}, gw, rpc.GobDriver{}, 1, 42, 1, 201, nil, noopRefresh)
	require.NoError(t, err)
	require.Equal(t, 100, got)
	require.Equal(t, content[2000:2100], buf)
}

// TestRead_HandleEvictionHint covers spec.md §4.4 phase 7: the cached
// read-ahead block is recorded on the handle and removed again when
// the handle closes.
func TestRead_HandleEvictionHint(t *testing.T) {
	want := make([]byte, 4096)
	for i := range want {
		want[i] = byte(i % 191)
	}
	n := newFreshInode(map[int64]*manifest.BlockEntry{
		0: {BlockID: 0, BlockVersion: 5},
	})
	gw := &fakeGateway{data: map[rpc.GatewayID]map[int64][]byte{201: {0: want}}}
	h := inode.NewHandle(n)

	buf := make([]byte, 4096)
	_, err := Read(context.Background(), n, buf, 0, Options{Blocksize: 4096, Handle: h}, noopCache{}, gw, rpc.GobDriver{}, 1, 42, 1, 201, nil, noopRefresh)
	require.NoError(t, err)

	n.RLock()
	_, cached := n.DirtyBlocks[0]
	n.RUnlock()
	require.True(t, cached, "read-ahead block must be cached on the inode")

	require.NoError(t, h.Close())
	n.RLock()
	_, cached = n.DirtyBlocks[0]
	n.RUnlock()
	require.False(t, cached, "read-ahead block must be evicted on handle close")
}

// TestRead_HashMismatchRotatesToNextGateway mirrors spec.md §4.4 phase
// 6's hash check: a block whose manifest entry carries a content hash
// that doesn't match what the coordinator actually returns must be
// rejected and retried against the next gateway in rotation, the same
// as any other transport failure.
func TestRead_HashMismatchRotatesToNextGateway(t *testing.T) {
	want := make([]byte, 4096)
	for i := range want {
		want[i] = byte(i % 191)
	}
	n := newFreshInode(map[int64]*manifest.BlockEntry{
		0: {BlockID: 0, BlockVersion: 5, Hash: block.ContentHash(want)},
	})
	gw := &fakeGateway{data: map[rpc.GatewayID]map[int64][]byte{
		201: {0: []byte("corrupted, does not match the recorded hash")},
		202: {0: want},
	}}

	buf := make([]byte, 4096)
	got, err := Read(context.Background(), n, buf, 0, Options{Blocksize: 4096}, noopCache{}, gw, rpc.GobDriver{}, 1, 42, 1, 201, []rpc.GatewayID{202}, noopRefresh)
	require.NoError(t, err)
	require.Equal(t, 4096, got)
	require.Equal(t, want, buf)
}
