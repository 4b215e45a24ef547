package globalstate

import (
	"time"

	"cyfscore/acl"
	"cyfscore/cyfserr"
	"cyfscore/objid"
)

// opEnvKind is one of the three op-env flavors spec.md §4.4.2 names.
type opEnvKind uint8

const (
	kindPath opEnvKind = iota
	kindIsolate
	kindSingle
)

// maxCommitAttempts bounds the CAS retry loop a path/single op-env commit
// runs before giving up with cyfserr.Conflict (spec.md §4.4.2 step 4).
const maxCommitAttempts = 8

// pendingOp is one buffered mutation against a container node located at
// path, replayed against the dec root current at commit time rather than
// the (possibly stale) root the op-env observed when the call was made.
type pendingOp struct {
	path  []string
	apply func(n *node) (*node, bool, error)
}

// Metadata is the result of an op-env metadata(path) call.
type Metadata struct {
	ContentType ContentType
	Count       int
	Bucketed    bool
}

// OpEnv is one open transaction over the global state trie (spec.md
// §4.4.2). A path op-env buffers mutations against a dec's tree and applies
// them atomically at Commit; an isolate op-env builds a private, never-
// committed scratch tree whose root Commit returns for the caller to splice
// in elsewhere; a single op-env auto-commits every mutating call immediately
// with no buffering.
type OpEnv struct {
	engine *Engine
	kind   opEnvKind
	dec    objid.ObjId
	source acl.Source

	// workingRoot is the op-env's current view: a dec root for path/single
	// op-envs, or a free-standing scratch root for isolate op-envs. Reads
	// and immediate-semantics checks (AlreadyExists, NotFound, Unmatch) are
	// evaluated against it so a transaction observes its own writes.
	workingRoot objid.ObjId

	pending  []pendingOp
	unlockFn func() // held lock.Paths release, nil if none taken
	done     bool
}

func decKey(dec objid.ObjId) string { return dec.String() }

// currentDecRoot resolves dec's root from the engine's current global root,
// defaulting to an empty flat map if the dec has never committed.
func (e *Engine) currentDecRoot(dec objid.ObjId) (objid.ObjId, error) {
	root := e.GlobalRoot()
	rootNode, err := e.getNode(root)
	if err != nil {
		return objid.ObjId{}, err
	}
	id, ok, err := e.mapGet(rootNode, decKey(dec))
	if err != nil {
		return objid.ObjId{}, err
	}
	if !ok {
		return e.putNode(newFlatMap())
	}
	return id, nil
}

// DecRoot returns dec's current root id, e.g. for the root_state HTTP
// surface's current_root query.
func (e *Engine) DecRoot(dec objid.ObjId) (objid.ObjId, error) { return e.currentDecRoot(dec) }

// NewPathOpEnv opens a transaction rooted at dec's global-state tree.
func NewPathOpEnv(e *Engine, source acl.Source, dec objid.ObjId) (*OpEnv, error) {
	root, err := e.currentDecRoot(dec)
	if err != nil {
		return nil, err
	}
	return &OpEnv{engine: e, kind: kindPath, dec: dec, source: source, workingRoot: root}, nil
}

// NewSingleOpEnv opens an auto-committing, unbuffered transaction over dec's
// tree: every mutating call takes effect (and is durably committed) before
// it returns.
func NewSingleOpEnv(e *Engine, source acl.Source, dec objid.ObjId) (*OpEnv, error) {
	root, err := e.currentDecRoot(dec)
	if err != nil {
		return nil, err
	}
	return &OpEnv{engine: e, kind: kindSingle, dec: dec, source: source, workingRoot: root}, nil
}

// NewIsolateOpEnv opens a private scratch transaction that never touches the
// global root. If forkFrom is non-zero the scratch tree starts as a copy of
// the node at that id; otherwise it starts as an empty flat map.
func NewIsolateOpEnv(e *Engine, source acl.Source, forkFrom objid.ObjId) (*OpEnv, error) {
	root := forkFrom
	if root.Zero() {
		id, err := e.putNode(newFlatMap())
		if err != nil {
			return nil, err
		}
		root = id
	}
	return &OpEnv{engine: e, kind: kindIsolate, source: source, workingRoot: root}, nil
}

func (env *OpEnv) checkOpen() error {
	if env.done {
		return cyfserr.New(cyfserr.InvalidFormat, "globalstate: op-env already committed or aborted", nil)
	}
	return nil
}

// checkWrite enforces the dec access-mode gate (spec.md §4.4.4): an off-dec
// source may not mutate a dec's tree while that dec is in Read mode.
func (env *OpEnv) checkWrite() error {
	if env.kind == kindIsolate {
		return nil // private scratch tree, no dec to gate
	}
	if env.engine.AccessMode(env.dec) == Write {
		return nil
	}
	if env.source.Verified && env.source.DecId == env.dec {
		return nil
	}
	return cyfserr.New(cyfserr.PermissionDenied, "globalstate: dec is in read-only access mode", nil)
}

func (env *OpEnv) resolve(path string) (objid.ObjId, *node, []spineStep, error) {
	segments := splitPath(path)
	return env.engine.resolveContainer(env.workingRoot, segments)
}

// mutate runs op against the container at path, rebuilds the spine in
// env.workingRoot immediately (so later calls in the same op-env observe the
// change), and records the op for replay at commit (ignored for isolate
// op-envs, which have no commit-time re-resolution).
func (env *OpEnv) mutate(path string, op func(n *node) (*node, bool, error)) (bool, error) {
	_, container, spine, err := env.resolve(path)
	if err != nil {
		return false, err
	}
	newContainer, changed, err := op(container)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	newContainerId, err := env.engine.putNode(newContainer)
	if err != nil {
		return false, err
	}
	newRoot, err := env.engine.rebuildSpine(spine, newContainerId)
	if err != nil {
		return false, err
	}
	env.workingRoot = newRoot
	switch env.kind {
	case kindPath:
		env.pending = append(env.pending, pendingOp{path: splitPath(path), apply: op})
	case kindSingle:
		if _, err := env.engine.commitDecOps(env.dec, []pendingOp{{path: splitPath(path), apply: op}}); err != nil {
			return false, err
		}
		// Re-sync to the just-committed authoritative dec root: the local
		// speculative rebuild above and the commit's own fresh-root replay
		// can diverge under concurrent writers.
		root, rerr := env.engine.currentDecRoot(env.dec)
		if rerr != nil {
			return false, rerr
		}
		env.workingRoot = root
	}
	return true, nil
}

// GetByKey returns the child bound to key in the map node at path.
func (env *OpEnv) GetByKey(path, key string) (objid.ObjId, bool, error) {
	if err := env.checkOpen(); err != nil {
		return objid.ObjId{}, false, err
	}
	_, container, _, err := env.resolve(path)
	if err != nil {
		return objid.ObjId{}, false, err
	}
	if container.ContentType != ContentMap {
		return objid.ObjId{}, false, cyfserr.New(cyfserr.InvalidFormat, "globalstate: not a map node", nil)
	}
	return env.engine.mapGet(container, key)
}

// InsertWithKey binds key to child, failing AlreadyExists if key is already
// bound (spec.md §4.4.2).
func (env *OpEnv) InsertWithKey(path, key string, child objid.ObjId) error {
	if err := env.checkOpen(); err != nil {
		return err
	}
	if err := env.checkWrite(); err != nil {
		return err
	}
	_, err := env.mutate(path, func(n *node) (*node, bool, error) {
		if n.ContentType != ContentMap {
			return nil, false, cyfserr.New(cyfserr.InvalidFormat, "globalstate: not a map node", nil)
		}
		if _, ok, gerr := env.engine.mapGet(n, key); gerr != nil {
			return nil, false, gerr
		} else if ok {
			return nil, false, cyfserr.New(cyfserr.AlreadyExists, "globalstate: key already bound: "+key, nil)
		}
		updated, _, ierr := env.engine.mapInsert(n, key, child)
		if ierr != nil {
			return nil, false, ierr
		}
		return updated, true, nil
	})
	return err
}

// SetWithKey binds key to child. If prev is non-nil, the call fails Unmatch
// unless the stored value equals *prev. If the key is absent, the call fails
// NotFound unless autoInsert is true (spec.md §4.4.2).
func (env *OpEnv) SetWithKey(path, key string, child objid.ObjId, prev *objid.ObjId, autoInsert bool) (*objid.ObjId, error) {
	if err := env.checkOpen(); err != nil {
		return nil, err
	}
	if err := env.checkWrite(); err != nil {
		return nil, err
	}

	// A caller that passes no explicit prev still races every other op-env
	// touching the same key: capture whatever this op-env observes for key
	// on its first (local, synchronous) application as an implicit
	// expected-prior value, then hold that value fixed across every later
	// commit-time replay of this same op (mutate/commitDecOps may call this
	// closure again against a fresher container, but `observed` is only
	// ever set true by that first call). A mismatch against the fixed
	// effectivePrev at replay time is exactly spec.md §4.4.2 property #5's
	// "two op-envs mutating the same key" case, and surfaces as Unmatch,
	// which commitDecOps maps to Conflict. expectAbsent records the
	// no-explicit-prev, key-not-yet-present case distinctly from "no
	// expectation at all", so an autoInsert racing a concurrent insert of
	// the same key is caught too, not just a racing overwrite of an
	// existing value.
	effectivePrev := prev
	var expectAbsent, observed bool

	var old objid.ObjId
	var hadOld bool
	_, err := env.mutate(path, func(n *node) (*node, bool, error) {
		if n.ContentType != ContentMap {
			return nil, false, cyfserr.New(cyfserr.InvalidFormat, "globalstate: not a map node", nil)
		}
		cur, ok, gerr := env.engine.mapGet(n, key)
		if gerr != nil {
			return nil, false, gerr
		}
		if !observed {
			observed = true
			if effectivePrev == nil {
				if ok {
					effectivePrev = &cur
				} else {
					expectAbsent = true
				}
			}
		}
		if !ok && !autoInsert {
			return nil, false, cyfserr.New(cyfserr.NotFound, "globalstate: key not found: "+key, nil)
		}
		switch {
		case ok && effectivePrev != nil && cur != *effectivePrev:
			return nil, false, cyfserr.New(cyfserr.Unmatch, "globalstate: stored value does not match prev", nil)
		case ok && expectAbsent:
			return nil, false, cyfserr.New(cyfserr.Unmatch, "globalstate: key was inserted concurrently", nil)
		case !ok && effectivePrev != nil:
			return nil, false, cyfserr.New(cyfserr.Unmatch, "globalstate: key was removed concurrently", nil)
		}
		old, hadOld = cur, ok
		updated, _, ierr := env.engine.mapInsert(n, key, child)
		if ierr != nil {
			return nil, false, ierr
		}
		return updated, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !hadOld {
		return nil, nil
	}
	return &old, nil
}

// RemoveWithKey removes key, returning the removed value. Fails NotFound if
// key is absent, or Unmatch if prev is non-nil and doesn't match.
func (env *OpEnv) RemoveWithKey(path, key string, prev *objid.ObjId) (objid.ObjId, error) {
	if err := env.checkOpen(); err != nil {
		return objid.ObjId{}, err
	}
	if err := env.checkWrite(); err != nil {
		return objid.ObjId{}, err
	}
	// effectivePrev mirrors SetWithKey: captured from this closure's first
	// (local, synchronous) application and held fixed across replay, rather
	// than re-derived via a second resolve/mapGet ahead of mutate.
	effectivePrev := prev
	var observed bool
	var removed objid.ObjId
	_, err := env.mutate(path, func(n *node) (*node, bool, error) {
		if n.ContentType != ContentMap {
			return nil, false, cyfserr.New(cyfserr.InvalidFormat, "globalstate: not a map node", nil)
		}
		cur, ok, gerr := env.engine.mapGet(n, key)
		if gerr != nil {
			return nil, false, gerr
		}
		if !observed {
			observed = true
			if effectivePrev == nil && ok {
				effectivePrev = &cur
			}
		}
		if !ok {
			return nil, false, cyfserr.New(cyfserr.NotFound, "globalstate: key not found: "+key, nil)
		}
		if effectivePrev != nil && cur != *effectivePrev {
			return nil, false, cyfserr.New(cyfserr.Unmatch, "globalstate: stored value does not match prev", nil)
		}
		removed = cur
		return env.engine.mapDelete(n, key)
	})
	if err != nil {
		return objid.ObjId{}, err
	}
	return removed, nil
}

// Contains reports whether id is a member of the set node at path.
func (env *OpEnv) Contains(path string, id objid.ObjId) (bool, error) {
	if err := env.checkOpen(); err != nil {
		return false, err
	}
	_, container, _, err := env.resolve(path)
	if err != nil {
		return false, err
	}
	if container.ContentType != ContentSet {
		return false, cyfserr.New(cyfserr.InvalidFormat, "globalstate: not a set node", nil)
	}
	return env.engine.setContains(container, id)
}

// Insert adds id to the set node at path. Idempotent on an already-present
// member (spec.md §4.4.2).
func (env *OpEnv) Insert(path string, id objid.ObjId) error {
	if err := env.checkOpen(); err != nil {
		return err
	}
	if err := env.checkWrite(); err != nil {
		return err
	}
	_, err := env.mutate(path, func(n *node) (*node, bool, error) {
		if n.ContentType != ContentSet {
			return nil, false, cyfserr.New(cyfserr.InvalidFormat, "globalstate: not a set node", nil)
		}
		return env.engine.setAdd(n, id)
	})
	return err
}

// Remove removes id from the set node at path, failing NotFound if absent.
func (env *OpEnv) Remove(path string, id objid.ObjId) error {
	if err := env.checkOpen(); err != nil {
		return err
	}
	if err := env.checkWrite(); err != nil {
		return err
	}
	changed, err := env.mutate(path, func(n *node) (*node, bool, error) {
		if n.ContentType != ContentSet {
			return nil, false, cyfserr.New(cyfserr.InvalidFormat, "globalstate: not a set node", nil)
		}
		present, serr := env.engine.setContains(n, id)
		if serr != nil {
			return nil, false, serr
		}
		if !present {
			return nil, false, cyfserr.New(cyfserr.NotFound, "globalstate: member not found", nil)
		}
		return env.engine.setRemove(n, id)
	})
	if err != nil {
		return err
	}
	if !changed {
		return cyfserr.New(cyfserr.NotFound, "globalstate: member not found", nil)
	}
	return nil
}

// CreateNew creates an empty sub-map or sub-set at path/key, failing
// AlreadyExists if key is already bound.
func (env *OpEnv) CreateNew(path, key string, contentType ContentType) error {
	if err := env.checkOpen(); err != nil {
		return err
	}
	if err := env.checkWrite(); err != nil {
		return err
	}
	var empty *node
	if contentType == ContentMap {
		empty = newFlatMap()
	} else {
		empty = newFlatSet()
	}
	emptyId, err := env.engine.putNode(empty)
	if err != nil {
		return err
	}
	return env.InsertWithKey(path, key, emptyId)
}

// Metadata reports the content type, entry count and bucketing state of the
// node at path.
func (env *OpEnv) Metadata(path string) (Metadata, error) {
	if err := env.checkOpen(); err != nil {
		return Metadata{}, err
	}
	_, container, _, err := env.resolve(path)
	if err != nil {
		return Metadata{}, err
	}
	var count int
	if container.ContentType == ContentMap {
		count, err = env.engine.mapCount(container)
	} else {
		count, err = env.engine.setCount(container)
	}
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{ContentType: container.ContentType, Count: count, Bucketed: container.Bucketed}, nil
}

// Lock takes an advisory lock on paths for duration: another op-env's Lock
// on an overlapping prefix blocks until Unlock (or duration elapses). Reads,
// writes and commits of other op-envs are not blocked by it. Only one lock
// may be held per op-env at a time.
func (env *OpEnv) Lock(paths []string, duration time.Duration) error {
	if err := env.checkOpen(); err != nil {
		return err
	}
	if env.unlockFn != nil {
		return cyfserr.New(cyfserr.InvalidFormat, "globalstate: op-env already holds a lock", nil)
	}
	env.unlockFn = env.engine.locks.lock(paths, duration)
	return nil
}

// Unlock releases a lock taken with Lock early.
func (env *OpEnv) Unlock() {
	if env.unlockFn != nil {
		env.unlockFn()
		env.unlockFn = nil
	}
}

// Commit applies every buffered mutation atomically. For a path op-env it
// returns the new global root id; for an isolate op-env it returns the
// built scratch root (never written into global state); for a single
// op-env every call already committed, so it simply returns the current
// global root.
func (env *OpEnv) Commit() (objid.ObjId, error) {
	if err := env.checkOpen(); err != nil {
		return objid.ObjId{}, err
	}
	env.done = true
	env.Unlock()
	switch env.kind {
	case kindIsolate:
		return env.workingRoot, nil
	case kindSingle:
		return env.engine.GlobalRoot(), nil
	default:
		newRoot, err := env.engine.commitDecOps(env.dec, env.pending)
		if err != nil {
			return objid.ObjId{}, err
		}
		return newRoot, nil
	}
}

// Abort discards every buffered mutation without touching global state.
func (env *OpEnv) Abort() {
	env.done = true
	env.Unlock()
}

// raceCodes are the semantic failures an op can replay into once some other
// commit touched the same key since this op-env last observed it: presence
// flipped (AlreadyExists/NotFound) or the stored value moved out from under
// an explicit or implicit prev (Unmatch). Any other failure (e.g.
// InvalidFormat from a concurrent CreateNew changing the container's
// content type) is a real, distinct error and is passed through unchanged
// rather than relabeled.
var raceCodes = map[cyfserr.Code]bool{
	cyfserr.AlreadyExists: true,
	cyfserr.Unmatch:       true,
	cyfserr.NotFound:      true,
}

// commitDecOps re-resolves dec's root from the engine's current global
// root, replays ops against it, and CASes the new dec root into the global
// root, retrying (spec.md §4.4.2 step 4) if another commit races the same
// register. Every op in ops already succeeded once, against this op-env's
// own (possibly now-stale) view, before it was buffered (see mutate): one of
// raceCodes replaying it against the *current* dec root therefore means
// some other commit changed that same key since this op-env last observed
// it — spec.md §4.4.2 property #5 and scenario S4's same-key race — and is
// reported as cyfserr.Conflict rather than retried or passed through as the
// raw code. A non-race failure is passed through as-is.
func (e *Engine) commitDecOps(dec objid.ObjId, ops []pendingOp) (objid.ObjId, error) {
	if len(ops) == 0 {
		return e.GlobalRoot(), nil
	}
	release := e.decLocks.Lock(decKey(dec))
	defer release()

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		globalRoot := e.GlobalRoot()
		decRoot, err := e.currentDecRoot(dec)
		if err != nil {
			return objid.ObjId{}, err
		}
		newDecRoot := decRoot
		changed := false
		for _, op := range ops {
			_, container, spine, rerr := e.resolveContainer(newDecRoot, op.path)
			if rerr != nil {
				return objid.ObjId{}, rerr
			}
			newContainer, opChanged, aerr := op.apply(container)
			if aerr != nil {
				if raceCodes[cyfserr.AsCode(aerr)] {
					return objid.ObjId{}, cyfserr.New(cyfserr.Conflict, "globalstate: commit-time replay diverged from this op-env's observed state", aerr)
				}
				return objid.ObjId{}, aerr
			}
			if !opChanged {
				continue
			}
			newContainerId, perr := e.putNode(newContainer)
			if perr != nil {
				return objid.ObjId{}, perr
			}
			newRoot, serr := e.rebuildSpine(spine, newContainerId)
			if serr != nil {
				return objid.ObjId{}, serr
			}
			newDecRoot = newRoot
			changed = true
		}
		if !changed {
			return globalRoot, nil
		}

		rootNode, err := e.getNode(globalRoot)
		if err != nil {
			return objid.ObjId{}, err
		}
		updatedRootNode, _, err := e.mapInsert(rootNode, decKey(dec), newDecRoot)
		if err != nil {
			return objid.ObjId{}, err
		}
		newGlobalRoot, err := e.putNode(updatedRootNode)
		if err != nil {
			return objid.ObjId{}, err
		}
		if e.roots.compareAndSwap(globalRoot, newGlobalRoot) {
			return newGlobalRoot, nil
		}
		// Lost the race against another dec's commit: retry against the
		// now-current global root.
	}
	return objid.ObjId{}, cyfserr.New(cyfserr.Conflict, "globalstate: commit exceeded retry budget", nil)
}
