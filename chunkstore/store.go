package chunkstore

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"cyfscore/cyfserr"
	"cyfscore/internal/keylock"
	"cyfscore/objid"
)

// Config configures a Store.
type Config struct {
	Fs       afero.Fs // afero.NewMemMapFs() or afero.NewOsFs()
	RootPath string   // <root>/data/<service>/chunks
	Logger   *zap.Logger
}

// Store is the content-addressed chunk store: blobs sharded on disk by the
// first two hex characters of the chunk id (spec.md §6's on-disk layout
// `.../chunks/<first-two-hex>/<full-id>`), plus the tracker index.
type Store struct {
	fs      afero.Fs
	root    string
	tracker *tracker
	locks   *keylock.Map[objid.ObjId]
	logger  *zap.Logger
}

// Open returns a ready Store; it does not scan the filesystem since the
// tracker is rebuilt from scratch and populated as chunks are written or
// objects reference them (there is no durable copy of tracker state in
// spec.md's design — it is derived, not authoritative).
func Open(cfg Config) (*Store, error) {
	if cfg.Fs == nil {
		return nil, cyfserr.New(cyfserr.InvalidFormat, "chunkstore: Config.Fs is required", nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Fs.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: mkdir root: %w", err)
	}
	return &Store{fs: cfg.Fs, root: cfg.RootPath, tracker: newTracker(), locks: keylock.New[objid.ObjId](), logger: logger}, nil
}

func (s *Store) shardPath(id objid.ObjId) string {
	hex := id.String()
	shard := hex
	if len(hex) >= 2 {
		shard = hex[:2]
	}
	return filepath.Join(s.root, shard, hex)
}

// PutChunk implements spec.md §4.3's put_chunk: verifies hash(bytes)==
// id.digest && len==id.length before writing, then marks the tracker Ready.
func (s *Store) PutChunk(id objid.ObjId, data []byte) error {
	if !objid.VerifyChunkId(id, data) {
		return cyfserr.New(cyfserr.InvalidData, "chunkstore: put_chunk: hash/length mismatch", nil)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	s.tracker.setState(id, Pending)
	path := s.shardPath(id)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.tracker.setState(id, Invalid)
		return fmt.Errorf("chunkstore: mkdir shard: %w", err)
	}
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		s.tracker.setState(id, Invalid)
		return cyfserr.New(cyfserr.IoError, "chunkstore: put_chunk: write failed", err)
	}
	s.tracker.setState(id, Ready)
	return nil
}

// GetChunk implements spec.md §4.3's get_chunk: returns a seekable streaming
// reader over the full chunk.
func (s *Store) GetChunk(id objid.ObjId) (SeekReader, error) {
	rec, ok := s.tracker.get(id)
	if !ok || rec.State != Ready {
		return nil, cyfserr.New(cyfserr.NotFound, "chunkstore: get_chunk: not ready", nil)
	}
	f, err := s.fs.Open(s.shardPath(id))
	if err != nil {
		return nil, cyfserr.New(cyfserr.NotFound, "chunkstore: get_chunk: no such chunk", err)
	}
	return newChunkReader(f), nil
}

// Exists implements spec.md §4.3's exists(id).
func (s *Store) Exists(id objid.ObjId) bool {
	rec, ok := s.tracker.get(id)
	return ok && rec.State == Ready
}

// OpenRange implements spec.md §4.3's open_range: a seekable reader already
// positioned at start, bounded to [start, end).
func (s *Store) OpenRange(id objid.ObjId, start, end int64) (SeekReader, error) {
	r, err := s.GetChunk(id)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return nil, cyfserr.New(cyfserr.IoError, "chunkstore: open_range: seek failed", err)
	}
	return &boundedReader{SeekReader: r, remaining: end - start}, nil
}

// ListForObject implements spec.md §4.3's list_for_object via the tracker's
// reverse index.
func (s *Store) ListForObject(object objid.ObjId) []objid.ObjId {
	return s.tracker.listForObject(object)
}

// AddRefObject records that object references chunk — called by the NOC or
// global state layer when a named object's desc/body links a chunk, so
// list_for_object and chunk gc both see it.
func (s *Store) AddRefObject(chunk, object objid.ObjId) {
	s.tracker.addRefObject(chunk, object)
}

// StartSession allocates a transfer session id for a chunk, used by the
// external transport to track an in-flight partial write or read.
func (s *Store) StartSession(id objid.ObjId) string {
	session := uuid.NewString()
	s.tracker.addSession(id, session)
	return session
}

// Stat returns the tracker record for id, if any.
func (s *Store) Stat(id objid.ObjId) (TrackerRecord, bool) {
	return s.tracker.get(id)
}

// Gc removes a chunk's bytes and tracker record when no object references
// it. The chunk store records no storage category, so a chunk is removed on
// that condition alone, whatever category its referencing objects had.
func (s *Store) Gc(id objid.ObjId) error {
	rec, ok := s.tracker.get(id)
	if ok && len(rec.RefObjects) > 0 {
		return nil
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.fs.Remove(s.shardPath(id)); err != nil {
		return cyfserr.New(cyfserr.IoError, "chunkstore: gc: remove failed", err)
	}
	s.tracker.delete(id)
	return nil
}
