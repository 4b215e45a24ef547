// Package objid implements the CYFS object identifier, its canonical codec
// and sign/verify operations — the "Object Identity & Codec" component of
// the named object cache and global state engine (spec.md §4.1).
package objid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/mr-tron/base58"

	"cyfscore/cyfserr"
)

// Size is the fixed width of an ObjId in bytes: 1 kind byte, 1 form byte,
// 4 bytes of either a chunk length or a named-object type code, and a
// 32-byte content digest.
const Size = 38

// Kind distinguishes the two concrete id variants spec.md §3 names.
type Kind uint8

const (
	KindChunk Kind = iota
	KindNamedObject
)

func (k Kind) String() string {
	if k == KindChunk {
		return "chunk"
	}
	return "named-object"
}

// Form is the two-bit discriminant spec.md §4.1 reserves for how a
// NamedObjectId's digest was derived.
type Form uint8

const (
	FormOwnHash   Form = iota // digest of this object's own canonical desc
	FormOwnerHash             // digest carried over from an owner object
	FormInline                // small data inlined rather than hashed
)

// ObjId is a fixed-width, comparable value so it can be used directly as a
// map key in the NOC and chunk tracker without a separate string conversion.
// Equality is bytewise; ordering is lexicographic (spec.md §3).
type ObjId [Size]byte

// Zero reports whether id is the unset value.
func (id ObjId) Zero() bool { return id == ObjId{} }

// Kind returns which of the two concrete variants this id encodes.
func (id ObjId) Kind() Kind { return Kind(id[0]) }

// Form returns the digest-derivation discriminant (meaningful for named
// objects only; chunk ids always report FormOwnHash).
func (id ObjId) Form() Form { return Form(id[1] & 0x3) }

// Digest returns the 32-byte content digest embedded in the id.
func (id ObjId) Digest() [32]byte {
	var d [32]byte
	copy(d[:], id[6:])
	return d
}

// ChunkLength returns the byte length embedded in a ChunkId, and false if id
// is not a chunk id.
func (id ObjId) ChunkLength() (uint32, bool) {
	if id.Kind() != KindChunk {
		return 0, false
	}
	return binary.BigEndian.Uint32(id[2:6]), true
}

// TypeCode returns the named-object type code, and false if id is not a
// named-object id.
func (id ObjId) TypeCode() (uint16, bool) {
	if id.Kind() != KindNamedObject {
		return 0, false
	}
	return uint16(binary.BigEndian.Uint32(id[2:6])), true
}

// Compare implements the lexicographic ordering spec.md §3 requires.
func (id ObjId) Compare(other ObjId) int { return bytes.Compare(id[:], other[:]) }

// Bytes returns the raw fixed-width encoding.
func (id ObjId) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// String is the unambiguous base-58 printable form (spec.md §3).
func (id ObjId) String() string {
	return base58.Encode(id[:])
}

// Alias is the base-36 alias form (spec.md §3), lowercase, zero-padded to a
// fixed width so two ids never collide on a shorter encoding.
func (id ObjId) Alias() string {
	n := new(big.Int).SetBytes(id[:])
	s := strings.ToLower(n.Text(36))
	// base36 of Size bytes needs at most this many digits; pad so the width
	// is stable regardless of leading zero bytes.
	const width = 59 // ceil(Size*8 / log2(36))
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}

// FromBytes reconstructs an ObjId from its raw fixed-width encoding.
func FromBytes(b []byte) (ObjId, error) {
	var id ObjId
	if len(b) != Size {
		return id, cyfserr.New(cyfserr.InvalidFormat, fmt.Sprintf("objid: want %d bytes, got %d", Size, len(b)), nil)
	}
	copy(id[:], b)
	return id, nil
}

// Parse decodes the base-58 printable form produced by String.
func Parse(s string) (ObjId, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return ObjId{}, cyfserr.New(cyfserr.InvalidFormat, "objid: bad base58", err)
	}
	return FromBytes(b)
}

// ParseAlias decodes the base-36 alias form produced by Alias.
func ParseAlias(s string) (ObjId, error) {
	n, ok := new(big.Int).SetString(strings.ToLower(s), 36)
	if !ok {
		return ObjId{}, cyfserr.New(cyfserr.InvalidFormat, "objid: bad base36 alias", nil)
	}
	raw := n.Bytes()
	if len(raw) > Size {
		return ObjId{}, cyfserr.New(cyfserr.InvalidFormat, "objid: alias overflows id width", nil)
	}
	var id ObjId
	copy(id[Size-len(raw):], raw)
	return id, nil
}

// NewChunkId derives a ChunkId from raw bytes: digest(bytes) ∥ length.
func NewChunkId(data []byte) ObjId {
	digest := ContentHash(data)
	var id ObjId
	id[0] = byte(KindChunk)
	binary.BigEndian.PutUint32(id[2:6], uint32(len(data)))
	copy(id[6:], digest[:])
	return id
}

// VerifyChunkId reports whether data hashes and sizes to id.
func VerifyChunkId(id ObjId, data []byte) bool {
	if id.Kind() != KindChunk {
		return false
	}
	want := NewChunkId(data)
	return id == want
}

// NewNamedObjectId derives a NamedObjectId from a type code and the
// canonical, hash-purpose encoding of the object's desc (spec.md §4.1:
// id = type_tag ∥ sha256(canonical_encode(desc, purpose=Hash))).
func NewNamedObjectId(typeCode uint16, canonicalDescBytes []byte, form Form) ObjId {
	digest := ContentHash(canonicalDescBytes)
	var id ObjId
	id[0] = byte(KindNamedObject)
	id[1] = byte(form & 0x3)
	binary.BigEndian.PutUint32(id[2:6], uint32(typeCode))
	copy(id[6:], digest[:])
	return id
}
