package router

import (
	"sort"
	"strings"

	"cyfscore/acl"
	"cyfscore/objid"
)

// StorageState marks how a path's subtree participates in snapshot/eviction
// bookkeeping (spec.md §3, §9's open question on storage_state=Virtual).
type StorageState uint8

const (
	// StorageNormal subtrees persist and evict like any other global-state
	// path.
	StorageNormal StorageState = iota
	// StorageVirtual marks a subtree as virtual. The value is stored in the
	// RuleTable and returned by PathConfig; no commit, snapshot or eviction
	// code reads it, so a Virtual subtree persists and evicts like any
	// other.
	StorageVirtual
)

// GlobalStatePathConfigItem is one configured path's storage behaviour,
// spec.md §3.
type GlobalStatePathConfigItem struct {
	Path         string
	StorageState StorageState
	Depth        int
}

// AccessRule is one entry of the access rule vector: either a Default access
// string applied via the axis derived from classification, or a Specified
// grant for one exact (zone, dec).
type AccessRule struct {
	Path string

	// Specified, when non-nil, overrides Default for exactly this
	// (zone, dec) pair.
	SpecifiedZone *objid.ObjId
	SpecifiedDec  *objid.ObjId
	Specified     acl.AccessString

	// Default applies via DeriveAxis when Specified doesn't match.
	Default acl.AccessString

	seq int // insertion order, used to break same-length-prefix ties
}

// LinkRule aliases one path to another; lookups under Path are redirected to
// Target before any further rule evaluation (spec.md §3's "link" vector).
type LinkRule struct {
	Path   string
	Target string
	seq    int
}

// ObjectMetaRule matches objects by a selector glob rather than by access
// path, and supplies a default access string for objects it matches
// (spec.md §3's "object-meta" vector).
type ObjectMetaRule struct {
	Selector string
	Default  acl.AccessString
	seq      int
}

// RuleTable is the full per-(zone, dec) rmeta configuration: the path config
// list plus the three rule vectors, each kept sorted by descending path
// length with insertion-order tiebreaks (spec.md §3's closing sentence).
type RuleTable struct {
	Paths  []GlobalStatePathConfigItem
	Access []AccessRule
	Links  []LinkRule
	Meta   []ObjectMetaRule

	nextSeq int
}

// NewRuleTable returns an empty table ready for AddAccess/AddLink/AddMeta
// calls.
func NewRuleTable() *RuleTable { return &RuleTable{} }

func byDescendingPathLen[T any](items []T, pathOf func(T) string, seqOf func(T) int) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := pathOf(items[i]), pathOf(items[j])
		if len(pi) != len(pj) {
			return len(pi) > len(pj)
		}
		return seqOf(items[i]) < seqOf(items[j])
	})
}

// AddPathConfig registers one path's storage configuration.
func (t *RuleTable) AddPathConfig(item GlobalStatePathConfigItem) {
	t.Paths = append(t.Paths, item)
}

// AddAccess registers one access rule and re-sorts the vector.
func (t *RuleTable) AddAccess(r AccessRule) {
	r.seq = t.nextSeq
	t.nextSeq++
	t.Access = append(t.Access, r)
	byDescendingPathLen(t.Access, func(r AccessRule) string { return r.Path }, func(r AccessRule) int { return r.seq })
}

// AddLink registers one alias rule and re-sorts the vector.
func (t *RuleTable) AddLink(r LinkRule) {
	r.seq = t.nextSeq
	t.nextSeq++
	t.Links = append(t.Links, r)
	byDescendingPathLen(t.Links, func(r LinkRule) string { return r.Path }, func(r LinkRule) int { return r.seq })
}

// AddMeta registers one object-meta rule and re-sorts the vector.
func (t *RuleTable) AddMeta(r ObjectMetaRule) {
	r.seq = t.nextSeq
	t.nextSeq++
	t.Meta = append(t.Meta, r)
	byDescendingPathLen(t.Meta, func(r ObjectMetaRule) string { return r.Selector }, func(r ObjectMetaRule) int { return r.seq })
}

func isPrefix(path, rulePath string) bool {
	path, rulePath = strings.Trim(path, "/"), strings.Trim(rulePath, "/")
	if rulePath == "" {
		return true
	}
	return path == rulePath || strings.HasPrefix(path, rulePath+"/")
}

// Resolve rewrites path through the longest-matching link rule, repeating
// until no further link applies (bounded to avoid a cyclic alias config
// spinning forever).
func (t *RuleTable) Resolve(path string) string {
	for i := 0; i < 8; i++ {
		matched := false
		for _, l := range t.Links {
			if isPrefix(path, l.Path) {
				trimmedPath := strings.Trim(path, "/")
				trimmedRule := strings.Trim(l.Path, "/")
				suffix := strings.TrimPrefix(strings.TrimPrefix(trimmedPath, trimmedRule), "/")
				if suffix == "" {
					path = l.Target
				} else {
					path = strings.TrimRight(l.Target, "/") + "/" + suffix
				}
				matched = true
				break
			}
		}
		if !matched {
			break
		}
	}
	return path
}

// MatchAccess walks the access vector longest-prefix-first and returns the
// first rule matching path (spec.md §4.5.2 step 1). ok is false if nothing
// matched, signalling the caller to fall back to built-in defaults (step 4).
func (t *RuleTable) MatchAccess(path string) (AccessRule, bool) {
	for _, r := range t.Access {
		if isPrefix(path, r.Path) {
			return r, true
		}
	}
	return AccessRule{}, false
}

// MatchMeta returns the first object-meta rule whose selector glob matches
// name.
func (t *RuleTable) MatchMeta(name string) (ObjectMetaRule, bool) {
	for _, r := range t.Meta {
		if globMatch(r.Selector, name) {
			return r, true
		}
	}
	return ObjectMetaRule{}, false
}

// PathConfig returns the longest-matching path config entry for path, if
// any.
func (t *RuleTable) PathConfig(path string) (GlobalStatePathConfigItem, bool) {
	best := GlobalStatePathConfigItem{}
	found := false
	for _, c := range t.Paths {
		if isPrefix(path, c.Path) && (!found || len(c.Path) > len(best.Path)) {
			best, found = c, true
		}
	}
	return best, found
}

// globMatch implements the small subset of shell globbing spec.md's
// object-meta selector needs: '*' matches any run of characters, everything
// else matches literally.
func globMatch(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	for _, p := range parts[1 : len(parts)-1] {
		idx := strings.Index(name, p)
		if idx < 0 {
			return false
		}
		name = name[idx+len(p):]
	}
	return strings.HasSuffix(name, parts[len(parts)-1])
}
