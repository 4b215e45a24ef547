// Package globalstate implements the Merkle hash-trie ("ObjectMap") global
// state engine: map/set nodes, op-env transactions, dec-root/global-root
// commit, and the access-mode gate (spec.md §4.4).
package globalstate

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"cyfscore/objid"
)

// ContentType distinguishes a map node (path → ObjId) from a set node
// (ObjId membership).
type ContentType uint8

const (
	ContentMap ContentType = iota
	ContentSet
)

// TSplit is the suggested entry-count threshold at which a node splits
// from a flat sorted list into 256 hash buckets (spec.md §4.4.1).
const TSplit = 16

// bucketCount is fixed at 256: one byte of the keyed hash selects the
// bucket (spec.md §4.4.1: "indexed by hash(key_hash_seed, key)[0]").
const bucketCount = 256

// mapEntry is one (key, child) pair in a flat map node.
type mapEntry struct {
	Key   string
	Child objid.ObjId
}

// node is the in-memory form of one ObjectMap node, either a map or a set,
// either flat or bucketed. Exactly one of (Entries | SetMembers) or Buckets
// is populated, depending on Bucketed.
type node struct {
	ContentType  ContentType
	KeyHashSeed  uint64 // chosen once at split time, spec.md §4.4.1 invariant
	Bucketed     bool
	Entries      []mapEntry    // flat map: sorted by Key
	SetMembers   []objid.ObjId // flat set: sorted lexicographically
	Buckets      []objid.ObjId // length bucketCount when Bucketed; zero ObjId means empty bucket
}

func newFlatMap() *node { return &node{ContentType: ContentMap} }
func newFlatSet() *node { return &node{ContentType: ContentSet} }

func bucketIndex(seed uint64, key string) int {
	h := sha256.New()
	var seedBuf [8]byte
	binary.BigEndian.PutUint64(seedBuf[:], seed)
	h.Write(seedBuf[:])
	h.Write([]byte(key))
	sum := h.Sum(nil)
	return int(sum[0])
}

func bucketIndexForId(seed uint64, id objid.ObjId) int {
	h := sha256.New()
	var seedBuf [8]byte
	binary.BigEndian.PutUint64(seedBuf[:], seed)
	h.Write(seedBuf[:])
	h.Write(id.Bytes())
	sum := h.Sum(nil)
	return int(sum[0])
}

// encode produces the canonical, depth-first encoding of the node using the
// Object Identity & Codec component (spec.md §4.1/§4.4.1: "Node identity is
// the content hash of its canonical encoding").
func (n *node) encode() []byte {
	w := objid.NewWriter()
	w.U8(uint8(n.ContentType))
	w.U64(n.KeyHashSeed)
	present := w.Optional(n.Bucketed)
	if present {
		for _, b := range n.Buckets {
			w.Bytes(b.Bytes())
		}
	} else {
		switch n.ContentType {
		case ContentMap:
			w.U16(uint16(len(n.Entries)))
			for _, e := range n.Entries {
				w.String(e.Key)
				w.Bytes(e.Child.Bytes())
			}
		case ContentSet:
			w.U16(uint16(len(n.SetMembers)))
			for _, m := range n.SetMembers {
				w.Bytes(m.Bytes())
			}
		}
	}
	return w.Finish()
}

func decodeNode(raw []byte) (*node, error) {
	r, err := objid.NewReader(raw)
	if err != nil {
		return nil, err
	}
	ct, err := r.U8()
	if err != nil {
		return nil, err
	}
	seed, err := r.U64()
	if err != nil {
		return nil, err
	}
	n := &node{ContentType: ContentType(ct), KeyHashSeed: seed}
	if r.Optional() {
		n.Bucketed = true
		n.Buckets = make([]objid.ObjId, bucketCount)
		for i := 0; i < bucketCount; i++ {
			b, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			id, err := objid.FromBytes(b)
			if err != nil {
				return nil, err
			}
			n.Buckets[i] = id
		}
		return n, nil
	}
	switch n.ContentType {
	case ContentMap:
		count, err := r.U16()
		if err != nil {
			return nil, err
		}
		for i := uint16(0); i < count; i++ {
			key, err := r.String()
			if err != nil {
				return nil, err
			}
			childBytes, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			child, err := objid.FromBytes(childBytes)
			if err != nil {
				return nil, err
			}
			n.Entries = append(n.Entries, mapEntry{Key: key, Child: child})
		}
	case ContentSet:
		count, err := r.U16()
		if err != nil {
			return nil, err
		}
		for i := uint16(0); i < count; i++ {
			b, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			id, err := objid.FromBytes(b)
			if err != nil {
				return nil, err
			}
			n.SetMembers = append(n.SetMembers, id)
		}
	}
	return n, nil
}

func sortEntries(entries []mapEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}

func sortMembers(members []objid.ObjId) {
	sort.Slice(members, func(i, j int) bool { return members[i].Compare(members[j]) < 0 })
}

func findEntry(entries []mapEntry, key string) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Key >= key })
	if i < len(entries) && entries[i].Key == key {
		return i, true
	}
	return i, false
}

func findMember(members []objid.ObjId, id objid.ObjId) (int, bool) {
	i := sort.Search(len(members), func(i int) bool { return members[i].Compare(id) >= 0 })
	if i < len(members) && members[i] == id {
		return i, true
	}
	return i, false
}
