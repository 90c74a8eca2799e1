package rpc

import (
	"bytes"

	"github.com/syndicate-storage/syndicate-sub000/core/block"
	"github.com/syndicate-storage/syndicate-sub000/core/manifest"
	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

// GobDriver is this core's one concrete Driver (spec.md §1, §9):
// manifests travel as manifest.Encode/Decode's gob encoding, and
// blocks travel as opaque bytes whose integrity is checked with
// block.ContentHash rather than any wire transform. A production
// deployment that wants a protobuf-encoded wire format swaps this out
// behind the same Driver interface without touching any caller.
type GobDriver struct{}

func (GobDriver) SerializeManifest(m *manifest.Manifest) ([]byte, error) {
	return manifest.Encode(m)
}

func (GobDriver) DeserializeManifest(data []byte) (*manifest.Manifest, error) {
	return manifest.Decode(data)
}

// SerializeBlock is the identity transform: this driver puts no
// wire-specific framing around a block's bytes. It still exists as a
// seam so callers always hash what this driver would actually put on
// the wire, not the caller's in-memory representation.
func (GobDriver) SerializeBlock(data []byte) ([]byte, error) {
	return data, nil
}

// DeserializeBlock verifies data against expectHash before handing it
// back, per spec.md §4.4 phase 6. A caller that never populated a
// hash (expectHash empty, e.g. a manifest entry merged in before this
// core tracked content hashes) gets no verification, not a spurious
// failure.
func (GobDriver) DeserializeBlock(data []byte, expectHash []byte) ([]byte, error) {
	if len(expectHash) == 0 {
		return data, nil
	}
	got := block.ContentHash(data)
	if !bytes.Equal(got, expectHash) {
		return nil, ugerr.New(ugerr.KindBadMessage, "rpc", "block content hash mismatch")
	}
	return data, nil
}
