package chunkstore

import (
	"io"

	"github.com/spf13/afero"

	"cyfscore/cyfserr"
	"cyfscore/objid"
)

// SeekReader is the streaming reader contract spec.md §4.3 requires: a lazy
// byte sequence that supports seeking within its bounds. Once Read or Seek
// returns an error, every subsequent call must return that same error
// ("errors are terminal").
type SeekReader interface {
	io.Reader
	io.Seeker
	io.Closer
}

// chunkReader wraps a single afero.File and makes errors sticky.
type chunkReader struct {
	f       afero.File
	sticky  error
}

func newChunkReader(f afero.File) *chunkReader { return &chunkReader{f: f} }

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.sticky != nil {
		return 0, r.sticky
	}
	n, err := r.f.Read(p)
	if err != nil && err != io.EOF {
		r.sticky = cyfserr.New(cyfserr.IoError, "chunkstore: read failed", err)
		return n, r.sticky
	}
	return n, err
}

func (r *chunkReader) Seek(offset int64, whence int) (int64, error) {
	if r.sticky != nil {
		return 0, r.sticky
	}
	n, err := r.f.Seek(offset, whence)
	if err != nil {
		r.sticky = cyfserr.New(cyfserr.IoError, "chunkstore: seek failed", err)
		return 0, r.sticky
	}
	return n, nil
}

func (r *chunkReader) Close() error { return r.f.Close() }

// boundedReader truncates an underlying SeekReader to a fixed number of
// remaining bytes, implementing open_range's [start, end) contract.
type boundedReader struct {
	SeekReader
	remaining int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.SeekReader.Read(p)
	b.remaining -= int64(n)
	return n, err
}

// chunkListReader composes several chunk readers end-to-end as a single
// seekable stream (spec.md §4.3: "a chunk-list reader composes several
// chunk readers and exposes the concatenation as a single seekable
// stream").
type chunkListReader struct {
	store  *Store
	ids    []objid.ObjId
	sizes  []int64
	offset int64
	total  int64

	cur       SeekReader
	curIndex  int
	curOffset int64
	sticky    error
}

// NewChunkListReader opens a concatenated reader over ids in order. Sizes
// are taken from each ChunkId's embedded length so the total length and
// per-chunk boundaries are known without opening every chunk up front.
func NewChunkListReader(store *Store, ids []objid.ObjId) (SeekReader, error) {
	sizes := make([]int64, len(ids))
	var total int64
	for i, id := range ids {
		n, ok := id.ChunkLength()
		if !ok {
			return nil, cyfserr.New(cyfserr.InvalidFormat, "chunkstore: chunk-list reader: non-chunk id", nil)
		}
		sizes[i] = int64(n)
		total += int64(n)
	}
	r := &chunkListReader{store: store, ids: ids, sizes: sizes, total: total, curIndex: -1}
	return r, nil
}

func (r *chunkListReader) openCurrent() error {
	if r.curIndex < 0 || r.curIndex >= len(r.ids) {
		return nil
	}
	if r.cur != nil {
		return nil
	}
	cr, err := r.store.GetChunk(r.ids[r.curIndex])
	if err != nil {
		return err
	}
	if r.curOffset > 0 {
		if _, err := cr.Seek(r.curOffset, io.SeekStart); err != nil {
			return err
		}
	}
	r.cur = cr
	return nil
}

func (r *chunkListReader) Read(p []byte) (int, error) {
	if r.sticky != nil {
		return 0, r.sticky
	}
	if r.offset >= r.total {
		return 0, io.EOF
	}
	if r.curIndex < 0 {
		r.curIndex = 0
		r.curOffset = 0
	}
	if err := r.openCurrent(); err != nil {
		r.sticky = err
		return 0, err
	}

	n, err := r.cur.Read(p)
	r.offset += int64(n)
	r.curOffset += int64(n)
	if err == io.EOF || r.curOffset >= r.sizes[r.curIndex] {
		_ = r.cur.Close()
		r.cur = nil
		r.curIndex++
		r.curOffset = 0
		if r.curIndex >= len(r.ids) {
			if n > 0 {
				return n, nil
			}
			return n, io.EOF
		}
		return n, nil
	}
	if err != nil {
		r.sticky = err
		return n, err
	}
	return n, nil
}

func (r *chunkListReader) Seek(offset int64, whence int) (int64, error) {
	if r.sticky != nil {
		return 0, r.sticky
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.offset + offset
	case io.SeekEnd:
		target = r.total + offset
	default:
		return 0, cyfserr.New(cyfserr.InvalidFormat, "chunkstore: chunk-list reader: bad whence", nil)
	}
	if target < 0 || target > r.total {
		return 0, cyfserr.New(cyfserr.InvalidFormat, "chunkstore: chunk-list reader: seek out of range", nil)
	}

	if r.cur != nil {
		_ = r.cur.Close()
		r.cur = nil
	}
	var consumed int64
	for i, size := range r.sizes {
		if target < consumed+size || i == len(r.sizes)-1 {
			r.curIndex = i
			r.curOffset = target - consumed
			break
		}
		consumed += size
	}
	r.offset = target
	return target, nil
}

func (r *chunkListReader) Close() error {
	if r.cur != nil {
		return r.cur.Close()
	}
	return nil
}
