package manifest

import (
	"crypto/ed25519"

	"github.com/syndicate-storage/syndicate-sub000/core/ugerr"
)

// Sign signs the manifest's wire encoding with the coordinator's
// private key and installs the result into m.Signature.
//
// Signing uses stdlib crypto/ed25519 rather than a third-party
// library: the corpus's own certificate/signing machinery
// (libsyndicate/ms/cert.cpp) is an explicit external collaborator
// (§1's ms_client_*), and none of the example repos carry a
// general-purpose message-signing library suited to signing an
// arbitrary byte blob — gcsfuse, seaweedfs, and sop all delegate
// signing to cloud-provider SDKs tied to their own request formats,
// which doesn't transfer here. ed25519 is the standard library's
// answer to exactly this shape of problem.
func (m *Manifest) Sign(priv ed25519.PrivateKey) error {
	wire, err := Encode(m)
	if err != nil {
		return err
	}
	m.Signature = ed25519.Sign(priv, wire)
	return nil
}

// Verify checks m.Signature against pub. Readers must call this
// before installing a manifest fetched from a coordinator or RG
// (spec.md §4.3 manifest-ensure-fresh); failure is ugerr.KindBadMessage,
// which per §7 is fatal for that operation but not for the gateway.
func (m *Manifest) Verify(pub ed25519.PublicKey) error {
	sig := m.Signature
	unsigned := m.Clone()
	unsigned.Signature = nil

	wire, err := Encode(unsigned)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, wire, sig) {
		return ugerr.New(ugerr.KindBadMessage, "manifest", "signature verification failed")
	}
	return nil
}
