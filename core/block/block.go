// Package block owns the representation of exactly one block of
// exactly one version (spec.md §4.1), across the states {empty,
// ram-only, flushing, on-disk, mmaped}. The on-disk cache itself
// (md_cache_*) is an external collaborator; this package only defines
// the Cache interface it consumes.
package block

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

// Ident is the 5-tuple that identifies a block (spec.md §3).
type Ident struct {
	VolumeID     uint64
	FileID       uint64
	FileVersion  uint64
	BlockID      int64
	BlockVersion uint64
}

// FlushFuture is returned by Cache.Flush; awaiting it yields the cache
// file descriptor the flushed bytes now live under.
type FlushFuture interface {
	Wait() (*os.File, error)
}

// Cache is the disk cache collaborator (md_cache_* in the original):
// out of scope for this core, consumed only through this interface.
type Cache interface {
	// Load reads a cached copy of id into buf, growing buf if it is
	// smaller than blocksize. Returns ugerr.KindNotFound if no cached
	// copy exists. "Not readable" (e.g. concurrently being flushed)
	// must also be reported as not-found, never as an error.
	Load(id Ident, buf []byte, blocksize int) (data []byte, n int, err error)
	// Flush begins writing data to the cache and returns a future.
	Flush(id Ident, data []byte) (FlushFuture, error)
	// Open returns a read-only handle onto the cached copy of id, for
	// mmap-based re-reads.
	Open(id Ident) (*os.File, error)
	// Evict removes any cached copy of id and releases its resources.
	Evict(id Ident) error
}

// Block owns the representation of one block: metadata, an optional
// RAM buffer, an optional disk-cache file descriptor, and an optional
// in-flight flush. Invariants (spec.md §3):
//
//	mmaped ⇒ fd != nil && buffer != nil
//	flushing ⇒ fd == nil
//	unshared == false ⇒ this Block must never free buffer
type Block struct {
	mu sync.Mutex

	Meta Ident
	Hash []byte

	buffer []byte
	fd     *os.File
	future FlushFuture

	Dirty     bool
	unshared  bool
	mmaped    bool
	flushing  bool
	loadedAt  time.Time
	cache     Cache
}

// NewRAMCopy constructs a block whose buffer is a private copy of data.
func NewRAMCopy(id Ident, data []byte, cache Cache) *Block {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Block{Meta: id, buffer: buf, unshared: true, loadedAt: time.Now(), cache: cache}
}

// NewRAMOwned constructs a block that takes ownership of data without
// copying it (the zero-copy path used for aligned write/read buffers
// that point directly into the caller's slice).
func NewRAMOwned(id Ident, data []byte, unshared bool, cache Cache) *Block {
	return &Block{Meta: id, buffer: data, unshared: unshared, loadedAt: time.Now(), cache: cache}
}

// NewFromFD constructs a block backed by an already-open cache file
// descriptor, with no RAM buffer.
func NewFromFD(id Ident, fd *os.File, cache Cache) *Block {
	return &Block{Meta: id, fd: fd, loadedAt: time.Now(), cache: cache}
}

// DeepCopy duplicates b. If dupFD is true and b holds an fd, the copy
// gets an independently-seekable duplicate via os.Open on the same
// path; callers without a path-addressable cache should pass false and
// rely on the shared *os.File (safe for reads).
func (b *Block) DeepCopy(dupFD bool) (*Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := &Block{Meta: b.Meta, Hash: append([]byte(nil), b.Hash...), Dirty: b.Dirty, loadedAt: b.loadedAt, cache: b.cache}
	if b.buffer != nil {
		cp.buffer = append([]byte(nil), b.buffer...)
		cp.unshared = true
	}
	if b.fd != nil {
		if dupFD {
			dup, err := os.Open(b.fd.Name())
			if err != nil {
				return nil, ugerr.Wrap(ugerr.KindLocalIO, "block", err)
			}
			cp.fd = dup
		} else {
			cp.fd = b.fd
		}
	}
	return cp, nil
}

// UnshareBuffer copies the buffer into a privately-owned allocation so
// this Block may outlive the caller's original slice.
func (b *Block) UnshareBuffer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unshared || b.buffer == nil {
		return
	}
	cp := make([]byte, len(b.buffer))
	copy(cp, b.buffer)
	b.buffer = cp
	b.unshared = true
}

// Buffer returns the current RAM buffer, or nil if there is none.
func (b *Block) Buffer() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer
}

func (b *Block) IsMmaped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mmaped
}

func (b *Block) IsFlushing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushing
}

// LoadFromCache populates the RAM buffer from the disk cache. pre, if
// non-nil, is reused (and grown if smaller than blocksize).
func (b *Block) LoadFromCache(pre []byte, blocksize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cache == nil {
		return ugerr.New(ugerr.KindNotFound, "block", "no cache configured")
	}
	data, n, err := b.cache.Load(b.Meta, pre, blocksize)
	if err != nil {
		return err
	}
	b.buffer = data[:n]
	b.unshared = true
	return nil
}

// FlushAsync begins writing a dirty RAM-resident block to the disk
// cache. A no-op if the block is already on disk (no buffer) or not
// dirty; fails with ugerr.KindInProgress if a flush is already
// outstanding, since the caller that started it owns the pending
// future and must FlushFinish it.
func (b *Block) FlushAsync() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushing {
		return ugerr.New(ugerr.KindInProgress, "block", "flush already in progress")
	}
	if b.buffer == nil {
		return nil // already on disk or mmaped
	}
	if !b.Dirty {
		return nil
	}
	if b.cache == nil {
		return ugerr.New(ugerr.KindInvalidArgument, "block", "no cache configured")
	}
	future, err := b.cache.Flush(b.Meta, b.buffer)
	if err != nil {
		return ugerr.Wrap(ugerr.KindLocalIO, "block", err)
	}
	b.future = future
	b.flushing = true
	return nil
}

// FlushFinish awaits the outstanding flush future. On success the RAM
// buffer is replaced by the cache's file descriptor; if freeBuffer is
// true the RAM buffer is released (set to nil) once the fd is in hand.
// Fails with ugerr.KindInvalidArgument if the block is dirty but no
// flush was ever started.
func (b *Block) FlushFinish(freeBuffer bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.flushing {
		if b.Dirty && b.buffer != nil {
			return ugerr.New(ugerr.KindInvalidArgument, "block", "flush-finish called without flush-async")
		}
		return nil
	}

	fd, err := b.future.Wait()
	b.flushing = false
	b.future = nil
	if err != nil {
		return ugerr.Wrap(ugerr.KindLocalIO, "block", err)
	}

	b.fd = fd
	if freeBuffer {
		b.buffer = nil
	}
	return nil
}

// Mmap maps the cache file privately and anonymously when the RAM
// buffer is empty and an fd is held; this is how a once-flushed block
// is re-read for replication without re-allocating RAM.
func (b *Block) Mmap(mapper func(*os.File) ([]byte, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buffer != nil || b.fd == nil {
		return nil
	}
	data, err := mapper(b.fd)
	if err != nil {
		return ugerr.Wrap(ugerr.KindLocalIO, "block", err)
	}
	b.buffer = data
	b.mmaped = true
	return nil
}

// Munmap releases a mapping established by Mmap.
func (b *Block) Munmap(unmapper func([]byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mmaped {
		return nil
	}
	err := unmapper(b.buffer)
	b.buffer = nil
	b.mmaped = false
	if err != nil {
		return ugerr.Wrap(ugerr.KindLocalIO, "block", err)
	}
	return nil
}

// EvictAndFree instructs the cache to remove this block and releases
// all locally-held resources (buffer, fd).
func (b *Block) EvictAndFree() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.cache != nil {
		err = b.cache.Evict(b.Meta)
	}
	if b.fd != nil {
		_ = b.fd.Close()
		b.fd = nil
	}
	b.buffer = nil
	b.mmaped = false
	return err
}

// Close releases the fd, if any, without touching the cache (used
// when handing a block off to a new owner, e.g. a replica context).
func (b *Block) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd != nil {
		err := b.fd.Close()
		b.fd = nil
		return err
	}
	return nil
}

// ReadAllFromFD drains the fd into a RAM buffer, for callers that
// don't want to mmap (e.g. a simple test Cache backend).
func (b *Block) ReadAllFromFD() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd == nil {
		return nil, ugerr.New(ugerr.KindInvalidArgument, "block", "no fd to read")
	}
	if _, err := b.fd.Seek(0, io.SeekStart); err != nil {
		return nil, ugerr.Wrap(ugerr.KindLocalIO, "block", err)
	}
	data, err := io.ReadAll(b.fd)
	if err != nil {
		return nil, ugerr.Wrap(ugerr.KindLocalIO, "block", err)
	}
	return data, nil
}
