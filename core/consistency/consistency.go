// Package consistency implements spec.md §4.3: the refresh path,
// manifest fetch/verify, and coordinator handoff that keep an open
// file's metadata no older than its freshness budget.
package consistency

import (
	"context"
	"crypto/ed25519"
	"strconv"
	"time"

	"github.com/karlseguin/ccache/v2"

	"github.com/syndicate-storage/syndicate-sub000/core/inode"
	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
	"github.com/syndicate-storage/syndicate-sub000/core/rpc"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
	"github.com/syndicate-storage/syndicate-sub000/core/ulog"
	"github.com/syndicate-storage/syndicate-sub000/core/ustats"
)

// NodeLookup is the minimal namespace-layer contract path-ensure-fresh
// needs (spec.md §4.3). The actual file-name namespace (fskit) is an
// explicit external collaborator (spec.md §1); this interface is the
// only seam this core needs into it.
type NodeLookup interface {
	// Child returns the already-resolved inode for (parentID, name),
	// or ok=false if this component has never been observed.
	Child(parentID uint64, name string) (node *inode.Inode, fileID uint64, ok bool)
	// Insert installs a newly observed child inode under parentID.
	Insert(parentID uint64, name string, fileID uint64, node *inode.Inode)
}

// CoordinatorKeyCache caches coordinator public keys keyed by
// coordinator id, so manifest-ensure-fresh doesn't re-fetch a
// certificate on every refresh. Grounded on the teacher's direct
// karlseguin/ccache/v2 dependency (used for the volume server's block
// and needle caches); here it backs a much smaller, TTL-bounded key
// cache instead of reinventing one by hand.
type CoordinatorKeyCache struct {
	cache *ccache.Cache
	ttl   time.Duration
}

// NewCoordinatorKeyCache constructs a key cache holding up to maxKeys
// entries, each valid for ttl before a re-fetch is forced.
func NewCoordinatorKeyCache(maxKeys int64, ttl time.Duration) *CoordinatorKeyCache {
	return &CoordinatorKeyCache{
		cache: ccache.New(ccache.Configure().MaxSize(maxKeys)),
		ttl:   ttl,
	}
}

func (c *CoordinatorKeyCache) get(coordinatorID uint64) (ed25519.PublicKey, bool) {
	item := c.cache.Get(keyFor(coordinatorID))
	if item == nil || item.Expired() {
		return nil, false
	}
	return item.Value().(ed25519.PublicKey), true
}

func (c *CoordinatorKeyCache) set(coordinatorID uint64, pub ed25519.PublicKey) {
	c.cache.Set(keyFor(coordinatorID), pub, c.ttl)
}

func keyFor(coordinatorID uint64) string {
	return "coord:" + strconv.FormatUint(coordinatorID, 10)
}

// CertClient resolves a coordinator's current public key, e.g. from
// the MS's certificate bundle. An external collaborator: certificate
// distribution is out of scope (spec.md §1).
type CertClient interface {
	CoordinatorPublicKey(ctx context.Context, coordinatorID uint64) (ed25519.PublicKey, error)
}

// PathEnsureFresh walks components from rootID, stopping at the first
// stale entry, then drives a child-by-child getattr against the MS for
// every remaining component, learning (file_id, version, write_nonce)
// and creating inodes for any newly observed child (spec.md §4.3).
// Returns ugerr.KindNotFound if any component is absent at the MS.
func PathEnsureFresh(ctx context.Context, ms rpc.MSClient, lookup NodeLookup, rootID uint64, components []string, fresh inode.FreshnessConfig, now time.Time) (*inode.Inode, uint64, error) {
	parentID := rootID
	var cur *inode.Inode

	stale := false
	for _, name := range components {
		if name == "" {
			continue
		}

		if !stale {
			if n, fid, ok := lookup.Child(parentID, name); ok && !n.IsReadStale(now) {
				cur = n
				parentID = fid
				continue
			}
			stale = true
		}

		ustats.FreshnessMisses.WithLabelValues("path").Inc()
		entry, err := ms.Getchild(ctx, parentID, name)
		if err != nil {
			return nil, 0, err
		}
		n := inode.NewFromMSEntry(entry, fresh)
		n.TouchRefresh(now)
		lookup.Insert(parentID, name, entry.FileID, n)
		cur = n
		parentID = entry.FileID
	}

	if cur == nil {
		return nil, 0, ugerr.New(ugerr.KindNotFound, "consistency", "empty path")
	}
	return cur, parentID, nil
}

// ManifestFetcher is the coordinator-first, RG-fallback source
// manifest-ensure-fresh drives (spec.md §4.3: "fetch it from the
// coordinator (first choice) or any RG (fallback)").
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, gw rpc.GatewayID, volumeID, fileID, fileVersion uint64) (*manifest.Manifest, error)
}

// ManifestEnsureFresh refreshes n's manifest if its refresh time is
// beyond max_read_freshness_ms: it fetches from the coordinator first,
// falling back to each RG in order, verifies the coordinator's
// signature before installing, and merges block metadata so locally
// dirty blocks survive (spec.md §4.3, §4.2 manifest-merge-blocks).
func ManifestEnsureFresh(ctx context.Context, n *inode.Inode, fetch ManifestFetcher, certs CertClient, keys *CoordinatorKeyCache, coordinatorID uint64, rgIDs []rpc.GatewayID, now time.Time) error {
	if !n.IsManifestStale(now) {
		return nil
	}
	ustats.FreshnessMisses.WithLabelValues("read").Inc()

	candidates := append([]rpc.GatewayID{coordinatorID}, rgIDs...)

	var lastErr error
	for _, gw := range candidates {
		m, err := fetch.FetchManifest(ctx, gw, n.VolumeID, n.FileID, 0)
		if err != nil {
			lastErr = err
			ulog.V(1).Infof("manifest fetch from gateway %d failed: %v", gw, err)
			continue
		}

		pub, ok := keys.get(m.CoordinatorID)
		if !ok {
			pub, err = certs.CoordinatorPublicKey(ctx, m.CoordinatorID)
			if err != nil {
				lastErr = err
				continue
			}
			keys.set(m.CoordinatorID, pub)
		}

		if err := m.Verify(pub); err != nil {
			// Bad-message is fatal for this fetch, not the gateway
			// (spec.md §7): the entry is not installed, but we may
			// still try the next candidate gateway.
			lastErr = err
			continue
		}

		n.ManifestMergeBlocks(m)
		n.TouchManifestRefresh(now)
		return nil
	}

	if lastErr == nil {
		lastErr = ugerr.New(ugerr.KindRemoteIO, "consistency", "no manifest source reachable")
	}
	return lastErr
}

// CoordinateRPC is the MS capability consistency.Handoff drives: the
// `coordinate` RPC that succeeds only when the caller holds the
// COORDINATE capability (spec.md §4.3).
type CoordinateRPC interface {
	Coordinate(ctx context.Context, fileID uint64) (newCoordinatorID uint64, err error)
}

// LocalAction is the operation Handoff attempts to run locally first;
// it returns ugerr.KindRemoteIO (or any non-local error) when the file
// is not locally coordinated, prompting the try-or-coordinate escalation.
type LocalAction func() error

// RemoteWrite issues the fallback WRITE to the file's current
// coordinator when the local attempt reports the file is remote.
type RemoteWrite func(ctx context.Context, coordinatorID uint64) error

// RefreshPath re-fetches the manifest (and hence coordinator_id) after
// a coordinate RPC, so the caller can retry locally.
type RefreshPath func(ctx context.Context) error

// RetryOnStale runs op; if it fails stale (the MS reported our view of
// the file is out of date), it runs the mandatory path-refresh and
// retries op exactly once (spec.md §7: "Stale from the MS triggers a
// mandatory path-refresh, then one retry").
func RetryOnStale(ctx context.Context, op func() error, refresh RefreshPath) error {
	err := op()
	if !ugerr.IsStale(err) {
		return err
	}
	if rerr := refresh(ctx); rerr != nil {
		return rerr
	}
	return op()
}

// Handoff implements the try-or-coordinate pattern (spec.md §4.3): try
// the action locally; on failure, issue a WRITE to the current
// coordinator; if that also fails, attempt to become coordinator via
// the MS coordinate RPC, refresh the path, and retry the LocalAction
// once, returning its result (Handoff does not loop beyond that single
// retry, matching §7's single-retry policy for stale-triggered
// refreshes).
func Handoff(ctx context.Context, local LocalAction, currentCoordinatorID uint64, remoteWrite RemoteWrite, ms CoordinateRPC, fileID uint64, refresh RefreshPath) error {
	if err := local(); err == nil {
		return nil
	}

	if err := remoteWrite(ctx, currentCoordinatorID); err == nil {
		return nil
	}

	if _, err := ms.Coordinate(ctx, fileID); err != nil {
		return err
	}

	if err := refresh(ctx); err != nil {
		return err
	}

	return local()
}
