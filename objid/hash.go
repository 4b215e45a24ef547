package objid

import (
	"crypto/sha256"

	"lukechampine.com/blake3"
)

// ContentHash is the single digest entrypoint every id-deriving call site in
// cyfscore goes through — ChunkId, NamedObjectId and ObjectMap node ids all
// call this instead of crypto/sha256 directly, so the digest choice only
// needs to change in one place.
func ContentHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// FastHash is a blake3 digest of data. No call site in cyfscore uses it:
// every content-addressed identifier, including ChunkIds, uses ContentHash.
func FastHash(data []byte) [32]byte {
	return blake3.Sum256(data)
}
