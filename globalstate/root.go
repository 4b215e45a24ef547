package globalstate

import (
	"sync"

	"cyfscore/objid"
)

// rootRegister holds the single mutable "HEAD" pointer for the global root:
// content-addressed trie nodes are immutable, so something outside the trie
// must record which node id is current (spec.md §4.4.3). Open question
// resolved (DESIGN.md): the per-dec root table spec.md describes is
// realized as the global root's own top-level map (dec_id → dec_root)
// rather than a second, separate table — one content-addressed structure
// serves both roles, and "the dec root" for a given dec is simply
// get_by_key(global_root, dec_id).
type rootRegister struct {
	mu      sync.RWMutex
	current objid.ObjId
}

func newRootRegister(initial objid.ObjId) *rootRegister {
	return &rootRegister{current: initial}
}

func (r *rootRegister) get() objid.ObjId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// compareAndSwap atomically replaces the current root if it still equals
// old, returning whether the swap happened.
func (r *rootRegister) compareAndSwap(old, newId objid.ObjId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != old {
		return false
	}
	r.current = newId
	return true
}
