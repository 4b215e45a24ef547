package chunkstore

import (
	"io"
	"testing"

	"github.com/spf13/afero"

	"cyfscore/cyfserr"
	"cyfscore/objid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Fs: afero.NewMemMapFs(), RootPath: "/chunks"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGetChunkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello chunk store")
	id := objid.NewChunkId(data)

	if err := s.PutChunk(id, data); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if !s.Exists(id) {
		t.Fatalf("expected chunk to exist after put")
	}

	r, err := s.GetChunk(id)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestPutChunkRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t)
	data := []byte("real content")
	id := objid.NewChunkId([]byte("different content"))

	err := s.PutChunk(id, data)
	if cyfserr.AsCode(err) != cyfserr.InvalidData {
		t.Fatalf("expected InvalidData, got %v", err)
	}
}

func TestOpenRangeReadsSlice(t *testing.T) {
	s := newTestStore(t)
	data := []byte("0123456789")
	id := objid.NewChunkId(data)
	if err := s.PutChunk(id, data); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	r, err := s.OpenRange(id, 3, 7)
	if err != nil {
		t.Fatalf("OpenRange: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "3456" {
		t.Fatalf("expected %q, got %q", "3456", got)
	}
}

func TestListForObjectReverseIndex(t *testing.T) {
	s := newTestStore(t)
	data := []byte("payload")
	chunkId := objid.NewChunkId(data)
	if err := s.PutChunk(chunkId, data); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	var object objid.ObjId
	object[0] = byte(objid.KindNamedObject)
	s.AddRefObject(chunkId, object)

	ids := s.ListForObject(object)
	if len(ids) != 1 || ids[0] != chunkId {
		t.Fatalf("expected [chunkId], got %v", ids)
	}
}

func TestChunkListReaderConcatenatesAndSeeks(t *testing.T) {
	s := newTestStore(t)
	part1 := []byte("abcde")
	part2 := []byte("fghij")
	id1 := objid.NewChunkId(part1)
	id2 := objid.NewChunkId(part2)
	if err := s.PutChunk(id1, part1); err != nil {
		t.Fatalf("put1: %v", err)
	}
	if err := s.PutChunk(id2, part2); err != nil {
		t.Fatalf("put2: %v", err)
	}

	r, err := NewChunkListReader(s, []objid.ObjId{id1, id2})
	if err != nil {
		t.Fatalf("NewChunkListReader: %v", err)
	}
	defer r.Close()

	all, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(all) != "abcdefghij" {
		t.Fatalf("expected concatenation, got %q", all)
	}

	if _, err := r.Seek(3, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll after seek: %v", err)
	}
	if string(rest) != "defghij" {
		t.Fatalf("expected tail from offset 3, got %q", rest)
	}
}

func TestGcSkipsReferencedChunks(t *testing.T) {
	s := newTestStore(t)
	data := []byte("kept")
	id := objid.NewChunkId(data)
	if err := s.PutChunk(id, data); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	var object objid.ObjId
	object[0] = byte(objid.KindNamedObject)
	s.AddRefObject(id, object)

	if err := s.Gc(id); err != nil {
		t.Fatalf("Gc: %v", err)
	}
	if !s.Exists(id) {
		t.Fatalf("expected referenced chunk to survive gc")
	}
}
