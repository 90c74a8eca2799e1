package block

import "crypto/sha256"

// ContentHash returns the sha256 digest of a block's wire-ready bytes
// (the output of rpc.Driver.SerializeBlock), the value stored as a
// manifest BlockEntry's Hash and checked again by
// rpc.Driver.DeserializeBlock on every download (spec.md §3, §6).
func ContentHash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
