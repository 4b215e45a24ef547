package objid

import (
	"bytes"
	"encoding/binary"
	"sort"

	"cyfscore/cyfserr"
)

// Purpose selects whether the canonical encoding of a named object includes
// its signatures. "Hash" purpose is used when deriving/verifying an id or a
// signature, where the signature bytes themselves must not be part of what
// gets hashed; "Serialize" purpose is used for the on-disk/wire form, which
// must round-trip the whole object (spec.md §4.1).
type Purpose int

const (
	PurposeHash Purpose = iota
	PurposeSerialize
)

// Writer builds the canonical, depth-first, length-prefixed encoding spec.md
// §4.1 defines: every composite value is framed as u16(length) ∥ payload;
// every optional field is represented by one bit in a leading flags word
// instead of an inline presence byte; integers are big-endian; strings are
// u16-length-prefixed UTF-8.
type Writer struct {
	flags  uint32
	bitPos uint
	body   bytes.Buffer
}

// NewWriter starts a new composite value.
func NewWriter() *Writer { return &Writer{} }

// Optional records presence of the next optional field as one flag bit and
// returns it unchanged, so call sites read naturally:
//
//	if w.Optional(obj.Owner != nil) { w.Bytes(obj.Owner.Bytes()) }
func (w *Writer) Optional(present bool) bool {
	if w.bitPos >= 32 {
		panic("objid: composite has more than 32 optional fields")
	}
	if present {
		w.flags |= 1 << w.bitPos
	}
	w.bitPos++
	return present
}

func (w *Writer) U8(v uint8)   { w.body.WriteByte(v) }
func (w *Writer) U16(v uint16) { _ = binary.Write(&w.body, binary.BigEndian, v) }
func (w *Writer) U32(v uint32) { _ = binary.Write(&w.body, binary.BigEndian, v) }
func (w *Writer) U64(v uint64) { _ = binary.Write(&w.body, binary.BigEndian, v) }

// Bytes writes a length-prefixed byte blob.
func (w *Writer) Bytes(b []byte) {
	w.U16(uint16(len(b)))
	w.body.Write(b)
}

// String writes a length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	b := []byte(s)
	w.U16(uint16(len(b)))
	w.body.Write(b)
}

// Raw appends already-framed bytes (a nested composite's own Finish output)
// verbatim — nesting never adds an extra length wrapper beyond the child's.
func (w *Writer) Raw(b []byte) { w.body.Write(b) }

// SortedStrings writes a list of strings in lexicographic order so the
// encoding of a set/map is deterministic regardless of insertion order
// (spec.md §4.1: "maps/sets serialize in the key's lexicographic order").
func (w *Writer) SortedStrings(keys []string) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	w.U16(uint16(len(sorted)))
	for _, k := range sorted {
		w.String(k)
	}
}

// Finish frames the accumulated flags word + body as u16(length) ∥ payload.
func (w *Writer) Finish() []byte {
	var payload bytes.Buffer
	_ = binary.Write(&payload, binary.BigEndian, w.flags)
	payload.Write(w.body.Bytes())

	var framed bytes.Buffer
	_ = binary.Write(&framed, binary.BigEndian, uint16(payload.Len()))
	framed.Write(payload.Bytes())
	return framed.Bytes()
}

// Reader decodes a value framed by Writer.Finish.
type Reader struct {
	flags  uint32
	bitPos uint
	data   []byte
	pos    int
}

// NewReader validates the outer u16 length prefix and flags word, returning
// a Reader positioned at the start of the body.
func NewReader(framed []byte) (*Reader, error) {
	if len(framed) < 2 {
		return nil, cyfserr.New(cyfserr.InvalidFormat, "codec: truncated length prefix", nil)
	}
	length := binary.BigEndian.Uint16(framed[:2])
	payload := framed[2:]
	if len(payload) < int(length) {
		return nil, cyfserr.New(cyfserr.InvalidFormat, "codec: truncated payload", nil)
	}
	payload = payload[:length]
	if len(payload) < 4 {
		return nil, cyfserr.New(cyfserr.InvalidFormat, "codec: truncated flags word", nil)
	}
	flags := binary.BigEndian.Uint32(payload[:4])
	return &Reader{flags: flags, data: payload[4:]}, nil
}

// Consumed returns the total number of bytes NewReader's input consumed
// (useful for reading a sequence of sibling composites from one buffer).
func (r *Reader) Consumed() int { return 2 + 4 + len(r.data) }

// Optional reports whether the next optional field was present at encode
// time, advancing the bit cursor the same way Writer.Optional does.
func (r *Reader) Optional() bool {
	present := r.flags&(1<<r.bitPos) != 0
	r.bitPos++
	return present
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.data) {
		return cyfserr.New(cyfserr.InvalidFormat, "codec: unexpected end of body", nil)
	}
	return nil
}

func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) SortedStrings() ([]string, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		s, err := r.String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if !sort.StringsAreSorted(out) {
		return nil, cyfserr.New(cyfserr.InvalidFormat, "codec: string set not in canonical order", nil)
	}
	return out, nil
}

// Remaining returns the unread tail of the body, e.g. for a nested composite
// whose own Reader should be constructed from it.
func (r *Reader) Remaining() []byte { return r.data[r.pos:] }

// Advance skips n bytes already consumed by a nested Reader constructed over
// Remaining().
func (r *Reader) Advance(n int) { r.pos += n }
