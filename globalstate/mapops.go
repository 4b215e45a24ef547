package globalstate

import "cyfscore/objid"

// mapGet looks up key in n, descending into the correct bucket if n is
// bucketed.
func (e *Engine) mapGet(n *node, key string) (objid.ObjId, bool, error) {
	if !n.Bucketed {
		if i, ok := findEntry(n.Entries, key); ok {
			return n.Entries[i].Child, true, nil
		}
		return objid.ObjId{}, false, nil
	}
	idx := bucketIndex(n.KeyHashSeed, key)
	sub := n.Buckets[idx]
	if sub.Zero() {
		return objid.ObjId{}, false, nil
	}
	subNode, err := e.getNode(sub)
	if err != nil {
		return objid.ObjId{}, false, err
	}
	return e.mapGet(subNode, key)
}

// mapInsert returns a new node value with key bound to child, splitting a
// flat node into 256 buckets once it reaches TSplit entries (spec.md
// §4.4.1). It never mutates n in place: nodes are immutable once
// materialized.
func (e *Engine) mapInsert(n *node, key string, child objid.ObjId) (*node, bool, error) {
	if !n.Bucketed {
		entries := append([]mapEntry(nil), n.Entries...)
		i, exists := findEntry(entries, key)
		if exists {
			entries[i].Child = child
			return &node{ContentType: ContentMap, Entries: entries}, true, nil
		}
		entries = append(entries, mapEntry{})
		copy(entries[i+1:], entries[i:])
		entries[i] = mapEntry{Key: key, Child: child}

		if len(entries) < TSplit {
			return &node{ContentType: ContentMap, Entries: entries}, false, nil
		}

		seed := newSeed()
		groups := make(map[int][]mapEntry)
		for _, e2 := range entries {
			idx := bucketIndex(seed, e2.Key)
			groups[idx] = append(groups[idx], e2)
		}
		buckets := make([]objid.ObjId, bucketCount)
		for idx, grp := range groups {
			sortEntries(grp)
			subId, err := e.putNode(&node{ContentType: ContentMap, Entries: grp})
			if err != nil {
				return nil, false, err
			}
			buckets[idx] = subId
		}
		return &node{ContentType: ContentMap, Bucketed: true, KeyHashSeed: seed, Buckets: buckets}, false, nil
	}

	idx := bucketIndex(n.KeyHashSeed, key)
	subId := n.Buckets[idx]
	var sub *node
	if subId.Zero() {
		sub = newFlatMap()
	} else {
		s, err := e.getNode(subId)
		if err != nil {
			return nil, false, err
		}
		sub = s
	}
	newSub, existed, err := e.mapInsert(sub, key, child)
	if err != nil {
		return nil, false, err
	}
	newSubId, err := e.putNode(newSub)
	if err != nil {
		return nil, false, err
	}
	buckets := append([]objid.ObjId(nil), n.Buckets...)
	buckets[idx] = newSubId
	return &node{ContentType: ContentMap, Bucketed: true, KeyHashSeed: n.KeyHashSeed, Buckets: buckets}, existed, nil
}

// mapDelete returns a new node value with key removed, and whether it was
// present. A bucketed node is never merged back into a flat one on
// deletion: spec.md §4.4.1 states the invariant only for entry count at
// split time, not a symmetric un-split rule.
func (e *Engine) mapDelete(n *node, key string) (*node, bool, error) {
	if !n.Bucketed {
		i, exists := findEntry(n.Entries, key)
		if !exists {
			return n, false, nil
		}
		entries := append([]mapEntry(nil), n.Entries[:i]...)
		entries = append(entries, n.Entries[i+1:]...)
		return &node{ContentType: ContentMap, Entries: entries}, true, nil
	}
	idx := bucketIndex(n.KeyHashSeed, key)
	subId := n.Buckets[idx]
	if subId.Zero() {
		return n, false, nil
	}
	sub, err := e.getNode(subId)
	if err != nil {
		return nil, false, err
	}
	newSub, existed, err := e.mapDelete(sub, key)
	if err != nil {
		return nil, false, err
	}
	if !existed {
		return n, false, nil
	}
	newSubId, err := e.putNode(newSub)
	if err != nil {
		return nil, false, err
	}
	buckets := append([]objid.ObjId(nil), n.Buckets...)
	buckets[idx] = newSubId
	return &node{ContentType: ContentMap, Bucketed: true, KeyHashSeed: n.KeyHashSeed, Buckets: buckets}, true, nil
}

// mapCount returns the total number of keys reachable from n, descending
// into every populated bucket.
func (e *Engine) mapCount(n *node) (int, error) {
	if !n.Bucketed {
		return len(n.Entries), nil
	}
	total := 0
	for _, b := range n.Buckets {
		if b.Zero() {
			continue
		}
		sub, err := e.getNode(b)
		if err != nil {
			return 0, err
		}
		n2, err := e.mapCount(sub)
		if err != nil {
			return 0, err
		}
		total += n2
	}
	return total, nil
}
