package inode

import (
	"crypto/sha256"
	"sort"
	"strconv"

	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

// Built-in xattr names (spec.md §6, grounded on original_source/UG2/xattr.cpp).
// The coordinator id, cached-blocks list, and cached-file-path are
// read-only snapshots of inode state; the TTLs are the only built-ins
// that accept SetXattr.
const (
	XattrCoordinator    = "user.syndicate_coordinator"
	XattrCachedBlocks   = "user.syndicate_cached_blocks"
	XattrCachedFilePath = "user.syndicate_cached_file_path"
	XattrReadTTL        = "user.syndicate_read_ttl"
	XattrWriteTTL       = "user.syndicate_write_ttl"
)

var builtinXattrNames = []string{
	XattrCoordinator, XattrCachedBlocks, XattrCachedFilePath, XattrReadTTL, XattrWriteTTL,
}

func isBuiltinXattr(name string) bool {
	for _, n := range builtinXattrNames {
		if n == name {
			return true
		}
	}
	return false
}

// GetXattr reads one of the built-in xattrs directly off inode state
// (original_source/UG2/xattr.cpp's "handled locally, never round-trips
// the MS" behavior) or falls back to the locally-cached user xattr set
// populated by SetXattr.
func (n *Inode) GetXattr(name string) ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	switch name {
	case XattrCoordinator:
		return []byte(strconv.FormatUint(n.Manifest.CoordinatorID, 10)), nil
	case XattrCachedBlocks:
		return []byte(n.cachedBlocksListLocked()), nil
	case XattrCachedFilePath:
		return []byte(n.cachedFilePath), nil
	case XattrReadTTL:
		return []byte(strconv.FormatInt(n.Freshness.MaxReadFreshnessMs, 10)), nil
	case XattrWriteTTL:
		return []byte(strconv.FormatInt(n.Freshness.MaxWriteFreshnessMs, 10)), nil
	}

	v, ok := n.xattrs[name]
	if !ok {
		return nil, ugerr.New(ugerr.KindNoSuchAttribute, "inode", "no such attribute: "+name)
	}
	return v, nil
}

// SetXattr installs a user xattr, or updates one of the two writable
// built-ins (the read/write freshness TTLs, spec.md §6: "settable;
// the others are read-only"). Setting a read-only built-in is rejected
// with ugerr.KindPermissionDenied.
func (n *Inode) SetXattr(name string, value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch name {
	case XattrReadTTL:
		ms, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return ugerr.Wrap(ugerr.KindInvalidArgument, "inode", err)
		}
		n.Freshness.MaxReadFreshnessMs = ms
		return nil
	case XattrWriteTTL:
		ms, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return ugerr.Wrap(ugerr.KindInvalidArgument, "inode", err)
		}
		n.Freshness.MaxWriteFreshnessMs = ms
		return nil
	case XattrCoordinator, XattrCachedBlocks, XattrCachedFilePath:
		return ugerr.New(ugerr.KindPermissionDenied, "inode", name+" is read-only")
	}

	cp := append([]byte(nil), value...)
	n.xattrs[name] = cp
	n.XattrNonce++
	return nil
}

// RemoveXattr removes a previously-set user xattr. Built-ins cannot be
// removed.
func (n *Inode) RemoveXattr(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if isBuiltinXattr(name) {
		return ugerr.New(ugerr.KindPermissionDenied, "inode", name+" cannot be removed")
	}
	if _, ok := n.xattrs[name]; !ok {
		return ugerr.New(ugerr.KindNoSuchAttribute, "inode", "no such attribute: "+name)
	}
	delete(n.xattrs, name)
	n.XattrNonce++
	return nil
}

// ListXattr returns every xattr name visible on this inode, built-ins
// first (in declaration order) followed by user xattrs sorted
// lexicographically.
func (n *Inode) ListXattr() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	names := append([]string(nil), builtinXattrNames...)
	user := make([]string, 0, len(n.xattrs))
	for name := range n.xattrs {
		user = append(user, name)
	}
	sort.Strings(user)
	return append(names, user...)
}

// SetCachedFilePath records the path the namespace layer resolved this
// inode under, for XattrCachedFilePath. The namespace layer (fskit) is
// an external collaborator; this is the only hook it needs into inode
// state for xattr purposes.
func (n *Inode) SetCachedFilePath(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cachedFilePath = path
}

func (n *Inode) cachedBlocksListLocked() string {
	ids := n.Manifest.SortedBlockIDs()
	out := make([]byte, 0, len(ids)*8)
	for i, id := range ids {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendInt(out, id, 10)
	}
	return string(out)
}

// exportXattrHashLocked resolves spec.md §9's open question on
// UG_inode_export_xattr_hash: a SHA-256 digest over the sorted
// (name, value) pairs of the inode's user-defined xattr set,
// newline-joined (see DESIGN.md). Built-ins are excluded because they
// are derived, not stored, state: hashing them would make the xattr
// hash change on every manifest/coordinator update even though no
// xattr RPC occurred, which would force needless re-export of every
// dirty inode. Callers hold n.mu already (Export's read lock).
func (n *Inode) exportXattrHashLocked() []byte {
	if len(n.xattrs) == 0 {
		return nil
	}
	names := make([]string, 0, len(n.xattrs))
	for name := range n.xattrs {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte("\n"))
		h.Write(n.xattrs[name])
		h.Write([]byte("\n"))
	}
	return h.Sum(nil)
}
