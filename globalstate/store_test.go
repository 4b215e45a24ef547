package globalstate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"cyfscore/acl"
	"cyfscore/cyfserr"
	"cyfscore/noc"
	"cyfscore/objid"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := noc.Open(noc.Config{Fs: afero.NewMemMapFs(), RootPath: "/noc", MemoryCacheSize: 256})
	if err != nil {
		t.Fatalf("noc.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	e, err := Open(Config{Store: store, NodeCacheSize: 256})
	if err != nil {
		t.Fatalf("globalstate.Open: %v", err)
	}
	return e
}

func testDec(t *testing.T, seed byte) objid.ObjId {
	t.Helper()
	desc := &objid.Desc{TypeCode: 1, CreateTime: int64(seed), Content: []byte{seed}}
	return desc.Id(objid.FormOwnHash)
}

func testChild(t *testing.T, seed byte) objid.ObjId {
	t.Helper()
	desc := &objid.Desc{TypeCode: 2, CreateTime: int64(seed), Content: []byte{seed, seed}}
	return desc.Id(objid.FormOwnHash)
}

func ownerSource(dec objid.ObjId) acl.Source {
	return acl.Source{ZoneCategory: acl.CurrentDevice, DecId: dec, Verified: true}
}

func TestPathOpEnvInsertGetCommit(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 1)
	child := testChild(t, 1)

	initialRoot := e.GlobalRoot()
	env, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv: %v", err)
	}
	if err := env.InsertWithKey("", "a", child); err != nil {
		t.Fatalf("InsertWithKey: %v", err)
	}
	got, ok, err := env.GetByKey("", "a")
	if err != nil || !ok || got != child {
		t.Fatalf("GetByKey within transaction: got=%v ok=%v err=%v", got, ok, err)
	}
	newRoot, err := env.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if newRoot == initialRoot {
		t.Fatalf("expected commit to advance the global root")
	}
	if e.GlobalRoot() != newRoot {
		t.Fatalf("expected the committed root to become the engine's current global root")
	}

	env2, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv after commit: %v", err)
	}
	got2, ok2, err := env2.GetByKey("", "a")
	if err != nil || !ok2 || got2 != child {
		t.Fatalf("GetByKey after commit: got=%v ok=%v err=%v", got2, ok2, err)
	}
}

func TestInsertWithKeyAlreadyExists(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 2)
	child := testChild(t, 2)

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	if err := env.InsertWithKey("", "k", child); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := env.InsertWithKey("", "k", child); cyfserr.AsCode(err) != cyfserr.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestSetWithKeyPrevMismatch(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 3)
	a := testChild(t, 3)
	b := testChild(t, 4)
	wrong := testChild(t, 5)

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	if err := env.InsertWithKey("", "k", a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := env.SetWithKey("", "k", b, &wrong, false); cyfserr.AsCode(err) != cyfserr.Unmatch {
		t.Fatalf("expected Unmatch, got %v", err)
	}
	old, err := env.SetWithKey("", "k", b, &a, false)
	if err != nil {
		t.Fatalf("set with correct prev: %v", err)
	}
	if old == nil || *old != a {
		t.Fatalf("expected returned old value %v, got %v", a, old)
	}
}

func TestSetWithKeyAutoInsert(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 6)
	child := testChild(t, 6)

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	if _, err := env.SetWithKey("", "k", child, nil, false); cyfserr.AsCode(err) != cyfserr.NotFound {
		t.Fatalf("expected NotFound without auto_insert, got %v", err)
	}
	if _, err := env.SetWithKey("", "k", child, nil, true); err != nil {
		t.Fatalf("set with auto_insert: %v", err)
	}
	got, ok, err := env.GetByKey("", "k")
	if err != nil || !ok || got != child {
		t.Fatalf("expected key bound after auto_insert, got=%v ok=%v err=%v", got, ok, err)
	}
}

func TestRemoveWithKeyNotFound(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 7)

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	if _, err := env.RemoveWithKey("", "missing", nil); cyfserr.AsCode(err) != cyfserr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSetContainsInsertRemove(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 8)
	id := testChild(t, 8)

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	if err := env.CreateNew("", "members", ContentSet); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := env.Insert("members", id); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Idempotent re-insert.
	if err := env.Insert("members", id); err != nil {
		t.Fatalf("idempotent Insert: %v", err)
	}
	present, err := env.Contains("members", id)
	if err != nil || !present {
		t.Fatalf("Contains: present=%v err=%v", present, err)
	}
	if err := env.Remove("members", id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := env.Remove("members", id); cyfserr.AsCode(err) != cyfserr.NotFound {
		t.Fatalf("expected NotFound on second remove, got %v", err)
	}
}

func TestBucketSplitAtThreshold(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 9)

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	for i := 0; i < TSplit-1; i++ {
		key := fmt.Sprintf("k%02d", i)
		if err := env.InsertWithKey("", key, testChild(t, byte(i))); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
	}
	_, container, _, err := env.resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if container.Bucketed {
		t.Fatalf("expected flat node below TSplit entries")
	}

	// spec.md §4.4.1/scenario S5: the node is bucketed "after the 16th
	// insertion", i.e. at TSplit entries, not TSplit+1.
	if err := env.InsertWithKey("", "overflow", testChild(t, 200)); err != nil {
		t.Fatalf("insert overflow: %v", err)
	}
	_, container, _, err = env.resolve("")
	if err != nil {
		t.Fatalf("resolve after split: %v", err)
	}
	if !container.Bucketed {
		t.Fatalf("expected node to split into buckets at TSplit entries")
	}

	count, err := env.engine.mapCount(container)
	if err != nil {
		t.Fatalf("mapCount: %v", err)
	}
	if count != TSplit {
		t.Fatalf("expected %d entries reachable after split, got %d", TSplit, count)
	}
}

func TestMetadataReportsCount(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 10)
	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	for i := 0; i < 3; i++ {
		if err := env.InsertWithKey("", fmt.Sprintf("k%d", i), testChild(t, byte(i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	meta, err := env.Metadata("")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.ContentType != ContentMap || meta.Count != 3 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestAbortDiscardsMutations(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 11)
	before := e.GlobalRoot()

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	if err := env.InsertWithKey("", "k", testChild(t, 11)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	env.Abort()
	if e.GlobalRoot() != before {
		t.Fatalf("abort must not change the committed global root")
	}
	if err := env.InsertWithKey("", "k2", testChild(t, 12)); cyfserr.AsCode(err) != cyfserr.InvalidFormat {
		t.Fatalf("expected further calls on an aborted op-env to fail, got %v", err)
	}
}

func TestIsolateOpEnvNeverTouchesGlobalRoot(t *testing.T) {
	e := newTestEngine(t)
	before := e.GlobalRoot()

	env, err := NewIsolateOpEnv(e, acl.Source{}, objid.ObjId{})
	if err != nil {
		t.Fatalf("NewIsolateOpEnv: %v", err)
	}
	if err := env.InsertWithKey("", "k", testChild(t, 13)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	scratchRoot, err := env.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if e.GlobalRoot() != before {
		t.Fatalf("isolate op-env must never change the global root")
	}
	if scratchRoot.Zero() {
		t.Fatalf("expected a concrete scratch root")
	}
}

func TestSingleOpEnvAutoCommits(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 14)
	child := testChild(t, 14)

	env, err := NewSingleOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewSingleOpEnv: %v", err)
	}
	if err := env.InsertWithKey("", "k", child); err != nil {
		t.Fatalf("InsertWithKey: %v", err)
	}

	// A fresh path op-env over the same dec must already observe the write,
	// since a single op-env commits every call immediately.
	env2, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv: %v", err)
	}
	got, ok, err := env2.GetByKey("", "k")
	if err != nil || !ok || got != child {
		t.Fatalf("expected durable write from single op-env, got=%v ok=%v err=%v", got, ok, err)
	}
}

func TestAccessModeDeniesOffDecWrite(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 15)
	if err := e.ApplyAdminCommand(AdminCommand{DecId: dec, Mode: Read, Verified: true}); err != nil {
		t.Fatalf("ApplyAdminCommand: %v", err)
	}

	otherDec := testDec(t, 16)
	offDecSource := acl.Source{ZoneCategory: acl.CurrentDevice, DecId: otherDec, Verified: true}
	env, err := NewPathOpEnv(e, offDecSource, dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv: %v", err)
	}
	if err := env.InsertWithKey("", "k", testChild(t, 17)); cyfserr.AsCode(err) != cyfserr.PermissionDenied {
		t.Fatalf("expected PermissionDenied in read-only mode, got %v", err)
	}

	sameDecEnv, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (same dec): %v", err)
	}
	if err := sameDecEnv.InsertWithKey("", "k", testChild(t, 17)); err != nil {
		t.Fatalf("expected the dec's own writes to still be allowed in read-only mode, got %v", err)
	}
}

func TestConcurrentDisjointCommitsBothSucceed(t *testing.T) {
	e := newTestEngine(t)
	decA := testDec(t, 20)
	decB := testDec(t, 21)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		env, err := NewPathOpEnv(e, ownerSource(decA), decA)
		if err != nil {
			errs <- err
			return
		}
		if err := env.InsertWithKey("", "a", testChild(t, 30)); err != nil {
			errs <- err
			return
		}
		_, err = env.Commit()
		errs <- err
	}()
	go func() {
		defer wg.Done()
		env, err := NewPathOpEnv(e, ownerSource(decB), decB)
		if err != nil {
			errs <- err
			return
		}
		if err := env.InsertWithKey("", "b", testChild(t, 31)); err != nil {
			errs <- err
			return
		}
		_, err = env.Commit()
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent disjoint commit failed: %v", err)
		}
	}

	envA, _ := NewPathOpEnv(e, ownerSource(decA), decA)
	if _, ok, err := envA.GetByKey("", "a"); err != nil || !ok {
		t.Fatalf("dec A's commit should have survived: ok=%v err=%v", ok, err)
	}
	envB, _ := NewPathOpEnv(e, ownerSource(decB), decB)
	if _, ok, err := envB.GetByKey("", "b"); err != nil || !ok {
		t.Fatalf("dec B's commit should have survived: ok=%v err=%v", ok, err)
	}
}

// TestSameKeyCommitRaceFailsConflict exercises spec.md §4.4.2 property #5
// and scenario S4: two op-envs both loaded at the same root mutate the same
// key; whichever commits second must fail Conflict rather than silently
// overwrite the first commit or surface the raw AlreadyExists/Unmatch code.
func TestSameKeyCommitRaceFailsConflict(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 50)

	e1, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (e1): %v", err)
	}
	e2, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (e2): %v", err)
	}

	if err := e1.InsertWithKey("", "k", testChild(t, 51)); err != nil {
		t.Fatalf("e1 InsertWithKey: %v", err)
	}
	if err := e2.InsertWithKey("", "k", testChild(t, 52)); err != nil {
		t.Fatalf("e2 InsertWithKey: %v", err)
	}

	if _, err := e2.Commit(); err != nil {
		t.Fatalf("e2 Commit should succeed first, got %v", err)
	}
	if _, err := e1.Commit(); cyfserr.AsCode(err) != cyfserr.Conflict {
		t.Fatalf("expected e1's commit to fail Conflict once replayed against e2's root, got %v", err)
	}

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	child, ok, err := env.GetByKey("", "k")
	if err != nil || !ok {
		t.Fatalf("expected key k to survive with e2's value: ok=%v err=%v", ok, err)
	}
	if child != testChild(t, 52) {
		t.Fatalf("expected e2's value to have won, got %v", child)
	}
}

// TestSetWithKeyImplicitPrevDetectsRace covers the SetWithKey(prev=nil) path:
// with no explicit prev, a concurrent commit to the same key must still be
// detected at replay time instead of silently overwritten.
func TestSetWithKeyImplicitPrevDetectsRace(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 55)

	seed, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (seed): %v", err)
	}
	if err := seed.InsertWithKey("", "k", testChild(t, 56)); err != nil {
		t.Fatalf("seed InsertWithKey: %v", err)
	}
	if _, err := seed.Commit(); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	e1, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (e1): %v", err)
	}
	e2, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (e2): %v", err)
	}

	if _, err := e1.SetWithKey("", "k", testChild(t, 57), nil, false); err != nil {
		t.Fatalf("e1 SetWithKey: %v", err)
	}
	if _, err := e2.SetWithKey("", "k", testChild(t, 58), nil, false); err != nil {
		t.Fatalf("e2 SetWithKey: %v", err)
	}

	if _, err := e2.Commit(); err != nil {
		t.Fatalf("e2 Commit should succeed first, got %v", err)
	}
	if _, err := e1.Commit(); cyfserr.AsCode(err) != cyfserr.Conflict {
		t.Fatalf("expected e1's commit to fail Conflict despite no explicit prev, got %v", err)
	}
}

// TestSetWithKeyAutoInsertImplicitPrevDetectsRace covers SetWithKey(prev=nil,
// autoInsert=true) racing a concurrent insert of a key neither op-env had
// observed yet: effectivePrev is nil for both (the key doesn't exist), so
// the race must be caught via the expectAbsent path, not via a prev value
// mismatch.
func TestSetWithKeyAutoInsertImplicitPrevDetectsRace(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 65)

	e1, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (e1): %v", err)
	}
	e2, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (e2): %v", err)
	}

	if _, err := e1.SetWithKey("", "k", testChild(t, 66), nil, true); err != nil {
		t.Fatalf("e1 SetWithKey: %v", err)
	}
	if _, err := e2.SetWithKey("", "k", testChild(t, 67), nil, true); err != nil {
		t.Fatalf("e2 SetWithKey: %v", err)
	}

	if _, err := e2.Commit(); err != nil {
		t.Fatalf("e2 Commit should succeed first, got %v", err)
	}
	if _, err := e1.Commit(); cyfserr.AsCode(err) != cyfserr.Conflict {
		t.Fatalf("expected e1's commit to fail Conflict on a racing auto-insert of a never-seen key, got %v", err)
	}

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	child, ok, err := env.GetByKey("", "k")
	if err != nil || !ok {
		t.Fatalf("expected key k to survive with e2's value: ok=%v err=%v", ok, err)
	}
	if child != testChild(t, 67) {
		t.Fatalf("expected e2's value to have won, got %v", child)
	}
}

// TestRemoveWithKeyImplicitPrevDetectsRace covers RemoveWithKey(prev=nil)
// racing a concurrent SetWithKey to the same key: the key is still present
// at replay time (so a presence-only check would let the removal through),
// but its value has changed since this op-env observed it.
func TestRemoveWithKeyImplicitPrevDetectsRace(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 60)

	seed, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (seed): %v", err)
	}
	if err := seed.InsertWithKey("", "k", testChild(t, 61)); err != nil {
		t.Fatalf("seed InsertWithKey: %v", err)
	}
	if _, err := seed.Commit(); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	remover, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (remover): %v", err)
	}
	setter, err := NewPathOpEnv(e, ownerSource(dec), dec)
	if err != nil {
		t.Fatalf("NewPathOpEnv (setter): %v", err)
	}

	if _, err := remover.RemoveWithKey("", "k", nil); err != nil {
		t.Fatalf("remover RemoveWithKey: %v", err)
	}
	if _, err := setter.SetWithKey("", "k", testChild(t, 62), nil, false); err != nil {
		t.Fatalf("setter SetWithKey: %v", err)
	}

	if _, err := setter.Commit(); err != nil {
		t.Fatalf("setter Commit should succeed first, got %v", err)
	}
	if _, err := remover.Commit(); cyfserr.AsCode(err) != cyfserr.Conflict {
		t.Fatalf("expected remover's commit to fail Conflict despite no explicit prev, got %v", err)
	}

	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	child, ok, err := env.GetByKey("", "k")
	if err != nil || !ok {
		t.Fatalf("expected key k to survive with setter's value: ok=%v err=%v", ok, err)
	}
	if child != testChild(t, 62) {
		t.Fatalf("expected setter's value to have won, got %v", child)
	}
}

func TestPathLockBlocksOverlappingPath(t *testing.T) {
	e := newTestEngine(t)
	dec := testDec(t, 40)
	env, _ := NewPathOpEnv(e, ownerSource(dec), dec)
	if err := env.Lock([]string{"a/b"}, 200*time.Millisecond); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	unblocked := make(chan struct{})
	go func() {
		e.locks.waitFor([]string{"a/b/c"})
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatalf("expected waitFor to block while the overlapping lock is held")
	case <-time.After(30 * time.Millisecond):
	}

	env.Unlock()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatalf("expected waitFor to unblock after release")
	}
}
