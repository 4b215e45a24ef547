package objid

import (
	"github.com/ipfs/go-cid"
	mbase "github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"

	"cyfscore/cyfserr"
)

// Private-use multicodec range (0x300000-0x3FFFFF) per the multicodec
// table; chunks reuse the standard "raw" codec since a ChunkId addresses raw
// bytes exactly like an IPFS raw-leaf CID does.
const namedObjectMulticodec = 0x300001

// CID renders id as an github.com/ipfs/go-cid value so it can be handed to
// IPFS-ecosystem tooling (the HTTP gateway, external indexers). This is a
// secondary, lossy representation: unlike String/Alias it does not preserve
// the named-object type code beyond the codec tag, so it is never used for
// id round-tripping inside cyfscore itself.
func (id ObjId) CID() (cid.Cid, error) {
	digest := id.Digest()
	sum, err := mh.Encode(digest[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, cyfserr.New(cyfserr.InvalidFormat, "objid: multihash encode failed", err)
	}
	codec := uint64(cid.Raw)
	if id.Kind() == KindNamedObject {
		codec = namedObjectMulticodec
	}
	return cid.NewCidV1(codec, sum), nil
}

// CIDString renders the CID in base-58btc, matching spec.md §3's printable
// form convention for the IPFS-facing representation.
func (id ObjId) CIDString() (string, error) {
	c, err := id.CID()
	if err != nil {
		return "", err
	}
	enc, err := mbase.NewEncoder(mbase.Base58BTC)
	if err != nil {
		return "", cyfserr.New(cyfserr.InvalidFormat, "objid: multibase encoder init failed", err)
	}
	return c.Encode(enc), nil
}
