package noc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/spf13/afero"

	"cyfscore/acl"
	"cyfscore/objid"
)

// walOp discriminates the two mutations a WAL entry can carry.
type walOp uint8

const (
	walPut walOp = iota
	walDelete
)

// walEntry is the on-disk WAL record shape, RLP-encoded and length-framed.
// Grounded on the teacher's ledger WAL (append-only, replayed in full on
// open), swapped from JSON-lines to RLP framing per SPEC_FULL's domain
// stack (spec.md doesn't mandate a wire format for local persistence).
type walEntry struct {
	Op              uint8
	Id              []byte
	Raw             []byte
	InsertTime      uint64
	LastUpdateTime  uint64
	LastAccessTime  uint64
	CreateDec       []byte
	Access          uint32
	StorageCategory uint8
	Context         string
	LastAccessRPath string
}

func recordToEntry(op walOp, r *Record) walEntry {
	return walEntry{
		Op:              uint8(op),
		Id:              r.Id.Bytes(),
		Raw:             r.Raw,
		InsertTime:      uint64(r.InsertTime),
		LastUpdateTime:  uint64(r.LastUpdateTime),
		LastAccessTime:  uint64(r.LastAccessTime),
		CreateDec:       r.CreateDec.Bytes(),
		Access:          uint32(r.Access),
		StorageCategory: uint8(r.StorageCategory),
		Context:         r.Context,
		LastAccessRPath: r.LastAccessRPath,
	}
}

func entryToRecord(e walEntry) (*Record, error) {
	id, err := objid.FromBytes(e.Id)
	if err != nil {
		return nil, err
	}
	var createDec objid.ObjId
	if len(e.CreateDec) > 0 {
		createDec, err = objid.FromBytes(e.CreateDec)
		if err != nil {
			return nil, err
		}
	}
	obj, err := objid.DecodeNamedObject(e.Raw)
	if err != nil {
		return nil, err
	}
	return &Record{
		Id:              id,
		Object:          obj,
		Raw:             e.Raw,
		InsertTime:      int64(e.InsertTime),
		LastUpdateTime:  int64(e.LastUpdateTime),
		LastAccessTime:  int64(e.LastAccessTime),
		CreateDec:       createDec,
		Access:          acl.AccessString(e.Access),
		StorageCategory: StorageCategory(e.StorageCategory),
		Context:         e.Context,
		LastAccessRPath: e.LastAccessRPath,
	}, nil
}

// wal is an append-only log of put/delete mutations, replayed in full on
// open to rebuild the in-memory index.
type wal struct {
	fs   afero.Fs
	path string
	file afero.File
}

func openWAL(fs afero.Fs, path string) (*wal, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("noc: mkdir wal dir: %w", err)
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("noc: open wal: %w", err)
	}
	return &wal{fs: fs, path: path, file: f}, nil
}

// replay reads every framed entry from the start of the WAL and invokes fn
// for each in append order.
func (w *wal) replay(fn func(walEntry) error) error {
	f, err := w.fs.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("noc: wal frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("noc: wal frame body: %w", err)
		}
		var e walEntry
		if err := rlp.DecodeBytes(buf, &e); err != nil {
			return fmt.Errorf("noc: wal rlp decode: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// append writes one entry, length-framed, and flushes to disk before
// returning so a crash after append never loses an acknowledged write.
func (w *wal) append(e walEntry) error {
	body, err := rlp.EncodeToBytes(e)
	if err != nil {
		return fmt.Errorf("noc: wal rlp encode: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("noc: wal write length: %w", err)
	}
	if _, err := w.file.Write(body); err != nil {
		return fmt.Errorf("noc: wal write body: %w", err)
	}
	if s, ok := w.file.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// truncate resets the WAL to empty, used after a snapshot checkpoint.
func (w *wal) truncate() error {
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, io.SeekStart)
	return err
}

func (w *wal) close() error { return w.file.Close() }
