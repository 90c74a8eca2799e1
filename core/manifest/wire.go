package manifest

import (
	"bytes"
	"encoding/gob"

	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

// wireManifest is the deterministic on-the-wire shape: blocks are a
// sorted slice, never the live map, so two calls to Encode on
// equal-but-differently-ordered manifests produce identical bytes
// (gob would otherwise walk map[int64]*BlockEntry in Go's randomized
// iteration order, which breaks signature verification).
type wireManifest struct {
	VolumeID      uint64
	CoordinatorID uint64
	FileID        uint64
	FileVersion   uint64
	ModtimeSec    int64
	ModtimeNsec   int64
	Size          int64
	Blocks        []BlockEntry
}

// Encode produces the deterministic byte encoding of m used both as
// the signing payload and as the manifest.{mtime_sec}.{mtime_nsec}
// object body (spec.md §6). This is the one concrete implementation of
// the pluggable storage driver's manifest serialize/deserialize
// capability (spec.md §9's "driver serialize/deserialize" record);
// production deployments may swap in a protobuf-wire driver without
// changing any caller, since every caller goes through Encode/Decode.
func Encode(m *Manifest) ([]byte, error) {
	w := wireManifest{
		VolumeID:      m.VolumeID,
		CoordinatorID: m.CoordinatorID,
		FileID:        m.FileID,
		FileVersion:   m.FileVersion,
		ModtimeSec:    m.ModtimeSec,
		ModtimeNsec:   m.ModtimeNsec,
		Size:          m.Size,
	}
	for _, id := range m.SortedBlockIDs() {
		e := m.Blocks[id]
		w.Blocks = append(w.Blocks, BlockEntry{
			BlockID:      e.BlockID,
			BlockVersion: e.BlockVersion,
			Hash:         e.Hash,
			Dirty:        e.Dirty,
		})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, ugerr.Wrap(ugerr.KindInvalidArgument, "manifest", err)
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode, verifying round-trip equality by
// construction (spec.md §8: "Round-trip: serialize-then-deserialize of
// any valid manifest yields the same manifest by value"). The Signature
// is not part of the encoding (it is computed over it), so a decoded
// manifest carries no signature.
func Decode(data []byte) (*Manifest, error) {
	var w wireManifest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, ugerr.Wrap(ugerr.KindBadMessage, "manifest", err)
	}

	m := &Manifest{
		VolumeID:      w.VolumeID,
		CoordinatorID: w.CoordinatorID,
		FileID:        w.FileID,
		FileVersion:   w.FileVersion,
		ModtimeSec:    w.ModtimeSec,
		ModtimeNsec:   w.ModtimeNsec,
		Size:          w.Size,
		Blocks:        make(map[int64]*BlockEntry, len(w.Blocks)),
	}
	for i := range w.Blocks {
		e := w.Blocks[i]
		m.Blocks[e.BlockID] = &e
	}
	return m, nil
}
