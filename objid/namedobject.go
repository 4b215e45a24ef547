package objid

import (
	"fmt"
	"sort"

	"cyfscore/cyfserr"
)

// Desc is the part of a named object that is hashed into its id (spec.md
// §3). Content carries type-specific fields as opaque bytes — per the
// "dynamic dispatch across codec variants becomes a tagged sum" design note,
// the type code selects how a holder decodes Content on demand; this
// package never interprets it.
type Desc struct {
	TypeCode      uint16
	Owner         *ObjId
	Author        *ObjId
	PrevVersion   *ObjId
	RefObjects    []ObjId
	CreateTime    int64
	ExpireTime    *int64
	PoWNonce      *uint64
	PoWDifficulty *uint8
	PublicKeys    [][]byte // resolves SourceRefIndex signatures
	Content       []byte
}

// EncodeCanonical produces the depth-first, length-prefixed encoding spec.md
// §4.1 defines. A Desc never carries signatures, so there is no Purpose
// parameter here — purpose only matters once Body and Signatures join it in
// a NamedObject.
func (d *Desc) EncodeCanonical() []byte {
	w := NewWriter()
	w.U16(d.TypeCode)
	if w.Optional(d.Owner != nil) {
		w.Bytes(d.Owner.Bytes())
	}
	if w.Optional(d.Author != nil) {
		w.Bytes(d.Author.Bytes())
	}
	if w.Optional(d.PrevVersion != nil) {
		w.Bytes(d.PrevVersion.Bytes())
	}
	w.U16(uint16(len(d.RefObjects)))
	for _, ref := range d.RefObjects {
		w.Bytes(ref.Bytes())
	}
	w.U64(uint64(d.CreateTime))
	if w.Optional(d.ExpireTime != nil) {
		w.U64(uint64(*d.ExpireTime))
	}
	hasPoW := d.PoWNonce != nil && d.PoWDifficulty != nil
	if w.Optional(hasPoW) {
		w.U64(*d.PoWNonce)
		w.U8(*d.PoWDifficulty)
	}
	w.U16(uint16(len(d.PublicKeys)))
	for _, k := range d.PublicKeys {
		w.Bytes(k)
	}
	w.Bytes(d.Content)
	return w.Finish()
}

// DecodeDesc parses bytes produced by EncodeCanonical.
func DecodeDesc(b []byte) (*Desc, error) {
	r, err := NewReader(b)
	if err != nil {
		return nil, err
	}
	d := &Desc{}
	if d.TypeCode, err = r.U16(); err != nil {
		return nil, err
	}
	if r.Optional() {
		raw, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		id, err := FromBytes(raw)
		if err != nil {
			return nil, err
		}
		d.Owner = &id
	}
	if r.Optional() {
		raw, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		id, err := FromBytes(raw)
		if err != nil {
			return nil, err
		}
		d.Author = &id
	}
	if r.Optional() {
		raw, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		id, err := FromBytes(raw)
		if err != nil {
			return nil, err
		}
		d.PrevVersion = &id
	}
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < n; i++ {
		raw, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		id, err := FromBytes(raw)
		if err != nil {
			return nil, err
		}
		d.RefObjects = append(d.RefObjects, id)
	}
	createTime, err := r.U64()
	if err != nil {
		return nil, err
	}
	d.CreateTime = int64(createTime)
	if r.Optional() {
		expire, err := r.U64()
		if err != nil {
			return nil, err
		}
		v := int64(expire)
		d.ExpireTime = &v
	}
	if r.Optional() {
		nonce, err := r.U64()
		if err != nil {
			return nil, err
		}
		diff, err := r.U8()
		if err != nil {
			return nil, err
		}
		d.PoWNonce = &nonce
		d.PoWDifficulty = &diff
	}
	nk, err := r.U16()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < nk; i++ {
		k, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		d.PublicKeys = append(d.PublicKeys, k)
	}
	if d.Content, err = r.Bytes(); err != nil {
		return nil, err
	}
	return d, nil
}

// Id derives the object id from the desc, per spec.md §4.1:
// id = type_tag ∥ sha256(canonical_encode(desc, purpose=Hash)).
func (d *Desc) Id(form Form) ObjId {
	return NewNamedObjectId(d.TypeCode, d.EncodeCanonical(), form)
}

// Body is the mutable-on-new-version part of a named object (spec.md §3).
type Body struct {
	UpdateTime      int64
	PrevBodyVersion *ObjId
	Content         []byte
}

func (b *Body) EncodeCanonical() []byte {
	w := NewWriter()
	w.U64(uint64(b.UpdateTime))
	if w.Optional(b.PrevBodyVersion != nil) {
		w.Bytes(b.PrevBodyVersion.Bytes())
	}
	w.Bytes(b.Content)
	return w.Finish()
}

func DecodeBody(raw []byte) (*Body, error) {
	r, err := NewReader(raw)
	if err != nil {
		return nil, err
	}
	b := &Body{}
	updateTime, err := r.U64()
	if err != nil {
		return nil, err
	}
	b.UpdateTime = int64(updateTime)
	if r.Optional() {
		idBytes, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		id, err := FromBytes(idBytes)
		if err != nil {
			return nil, err
		}
		b.PrevBodyVersion = &id
	}
	if b.Content, err = r.Bytes(); err != nil {
		return nil, err
	}
	return b, nil
}

// SourceKind selects how a Signature's signing key is resolved (spec.md
// §4.1).
type SourceKind uint8

const (
	SourceRefIndex SourceKind = iota
	SourceRefObject
	SourceInlineKey
)

// SignatureSource identifies which key produced a Signature.
type SignatureSource struct {
	Kind      SourceKind
	RefIndex  uint8 // index into desc.PublicKeys
	RefObject ObjId // external owner object carrying the key
	InlineKey []byte
}

func (s SignatureSource) encode(w *Writer) {
	w.U8(uint8(s.Kind))
	switch s.Kind {
	case SourceRefIndex:
		w.U8(s.RefIndex)
	case SourceRefObject:
		w.Bytes(s.RefObject.Bytes())
	case SourceInlineKey:
		w.Bytes(s.InlineKey)
	}
}

func decodeSource(r *Reader) (SignatureSource, error) {
	kind, err := r.U8()
	if err != nil {
		return SignatureSource{}, err
	}
	s := SignatureSource{Kind: SourceKind(kind)}
	switch s.Kind {
	case SourceRefIndex:
		if s.RefIndex, err = r.U8(); err != nil {
			return s, err
		}
	case SourceRefObject:
		raw, err := r.Bytes()
		if err != nil {
			return s, err
		}
		if s.RefObject, err = FromBytes(raw); err != nil {
			return s, err
		}
	case SourceInlineKey:
		if s.InlineKey, err = r.Bytes(); err != nil {
			return s, err
		}
	default:
		return s, cyfserr.New(cyfserr.InvalidFormat, "objid: unknown signature source kind", nil)
	}
	return s, nil
}

// key returns a stable, comparable form of SignatureSource used for
// sign-merge set-union (spec.md §4.1: "Signature merge is set-union by
// (source, sign_time)").
func (s SignatureSource) key() string {
	switch s.Kind {
	case SourceRefIndex:
		return fmt.Sprintf("i:%d", s.RefIndex)
	case SourceRefObject:
		return "o:" + s.RefObject.String()
	default:
		return "k:" + string(s.InlineKey)
	}
}

// Signature is one signature over either desc or body bytes.
type Signature struct {
	Source   SignatureSource
	Bytes    []byte
	SignTime int64
}

func (s Signature) mergeKey() string {
	return fmt.Sprintf("%s@%d", s.Source.key(), s.SignTime)
}

// SignatureSet is an ordered set of signatures over the same bytes. Ordering
// is by (sign_time, source) so the canonical encoding is deterministic.
type SignatureSet struct {
	Signatures []Signature
}

func (s *SignatureSet) sorted() []Signature {
	out := append([]Signature(nil), s.Signatures...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].SignTime != out[j].SignTime {
			return out[i].SignTime < out[j].SignTime
		}
		return out[i].Source.key() < out[j].Source.key()
	})
	return out
}

func (s *SignatureSet) EncodeCanonical() []byte {
	w := NewWriter()
	sorted := s.sorted()
	w.U16(uint16(len(sorted)))
	for _, sig := range sorted {
		sig.Source.encode(w)
		w.Bytes(sig.Bytes)
		w.U64(uint64(sig.SignTime))
	}
	return w.Finish()
}

func DecodeSignatureSet(raw []byte) (*SignatureSet, error) {
	r, err := NewReader(raw)
	if err != nil {
		return nil, err
	}
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	set := &SignatureSet{}
	for i := uint16(0); i < n; i++ {
		src, err := decodeSource(r)
		if err != nil {
			return nil, err
		}
		b, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		t, err := r.U64()
		if err != nil {
			return nil, err
		}
		set.Signatures = append(set.Signatures, Signature{Source: src, Bytes: b, SignTime: int64(t)})
	}
	return set, nil
}

// Merge performs the set-union by (source, sign_time) spec.md §4.1 requires.
// When the two sets disagree on sign_time for what is otherwise "the same"
// source key, spec.md §9 leaves the resolution ambiguous; the conservative
// rule this package applies is to keep both (open question resolved in
// DESIGN.md).
func (s *SignatureSet) Merge(other *SignatureSet) (*SignatureSet, bool) {
	seen := make(map[string]struct{}, len(s.Signatures))
	merged := append([]Signature(nil), s.Signatures...)
	for _, sig := range s.Signatures {
		seen[sig.mergeKey()] = struct{}{}
	}
	grew := false
	for _, sig := range other.Signatures {
		key := sig.mergeKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, sig)
		grew = true
	}
	return &SignatureSet{Signatures: merged}, grew
}

// NamedObject is the full {desc, body, signatures} triple spec.md §3
// describes.
type NamedObject struct {
	Desc           *Desc
	Body           *Body
	DescSignatures SignatureSet
	BodySignatures SignatureSet
}

// Id derives the object's id. form is FormOwnHash unless the object carries
// an owner-derived or inlined id (spec.md §4.1).
func (o *NamedObject) Id(form Form) ObjId { return o.Desc.Id(form) }

// EncodeCanonical serializes the full object. With PurposeHash, signatures
// are omitted so the result is well-defined to sign; with PurposeSerialize
// they are included so the bytes round-trip through storage.
func (o *NamedObject) EncodeCanonical(purpose Purpose) []byte {
	w := NewWriter()
	w.Raw(o.Desc.EncodeCanonical())
	w.Raw(o.Body.EncodeCanonical())
	if purpose == PurposeSerialize {
		w.Raw(o.DescSignatures.EncodeCanonical())
		w.Raw(o.BodySignatures.EncodeCanonical())
	}
	return w.Finish()
}

// DecodeNamedObject parses bytes produced by EncodeCanonical(PurposeSerialize).
func DecodeNamedObject(raw []byte) (*NamedObject, error) {
	outer, err := NewReader(raw)
	if err != nil {
		return nil, err
	}
	rest := outer.Remaining()

	descSub, err := NewReader(rest)
	if err != nil {
		return nil, err
	}
	desc, err := DecodeDesc(rest[:descSub.Consumed()])
	if err != nil {
		return nil, err
	}
	rest = rest[descSub.Consumed():]

	bodySub, err := NewReader(rest)
	if err != nil {
		return nil, err
	}
	body, err := DecodeBody(rest[:bodySub.Consumed()])
	if err != nil {
		return nil, err
	}
	rest = rest[bodySub.Consumed():]

	o := &NamedObject{Desc: desc, Body: body}
	if len(rest) == 0 {
		return o, nil
	}

	descSigSub, err := NewReader(rest)
	if err != nil {
		return nil, err
	}
	descSigs, err := DecodeSignatureSet(rest[:descSigSub.Consumed()])
	if err != nil {
		return nil, err
	}
	o.DescSignatures = *descSigs
	rest = rest[descSigSub.Consumed():]

	bodySigSub, err := NewReader(rest)
	if err != nil {
		return nil, err
	}
	bodySigs, err := DecodeSignatureSet(rest[:bodySigSub.Consumed()])
	if err != nil {
		return nil, err
	}
	o.BodySignatures = *bodySigs
	return o, nil
}

// MergeBody applies spec.md §3's body monotonicity invariant: the record
// with the larger body_update_time wins; on a tie, the lexicographically
// larger signature set wins.
func MergeBody(stored, incoming *NamedObject) (*NamedObject, bool) {
	if incoming.Body.UpdateTime > stored.Body.UpdateTime {
		return incoming, true
	}
	if incoming.Body.UpdateTime < stored.Body.UpdateTime {
		return stored, false
	}
	storedSigs := stored.BodySignatures.EncodeCanonical()
	incomingSigs := incoming.BodySignatures.EncodeCanonical()
	if string(incomingSigs) > string(storedSigs) {
		return incoming, true
	}
	return stored, false
}
