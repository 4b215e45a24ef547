package globalstate

import "cyfscore/objid"

func (e *Engine) setContains(n *node, id objid.ObjId) (bool, error) {
	if !n.Bucketed {
		_, ok := findMember(n.SetMembers, id)
		return ok, nil
	}
	idx := bucketIndexForId(n.KeyHashSeed, id)
	sub := n.Buckets[idx]
	if sub.Zero() {
		return false, nil
	}
	subNode, err := e.getNode(sub)
	if err != nil {
		return false, err
	}
	return e.setContains(subNode, id)
}

// setAdd is idempotent on an already-present member (spec.md §4.4.2).
func (e *Engine) setAdd(n *node, id objid.ObjId) (*node, bool, error) {
	if !n.Bucketed {
		i, exists := findMember(n.SetMembers, id)
		if exists {
			return n, false, nil
		}
		members := append([]objid.ObjId(nil), n.SetMembers...)
		members = append(members, objid.ObjId{})
		copy(members[i+1:], members[i:])
		members[i] = id

		if len(members) < TSplit {
			return &node{ContentType: ContentSet, SetMembers: members}, true, nil
		}

		seed := newSeed()
		groups := make(map[int][]objid.ObjId)
		for _, m := range members {
			idx := bucketIndexForId(seed, m)
			groups[idx] = append(groups[idx], m)
		}
		buckets := make([]objid.ObjId, bucketCount)
		for idx, grp := range groups {
			sortMembers(grp)
			subId, err := e.putNode(&node{ContentType: ContentSet, SetMembers: grp})
			if err != nil {
				return nil, false, err
			}
			buckets[idx] = subId
		}
		return &node{ContentType: ContentSet, Bucketed: true, KeyHashSeed: seed, Buckets: buckets}, true, nil
	}

	idx := bucketIndexForId(n.KeyHashSeed, id)
	subId := n.Buckets[idx]
	var sub *node
	if subId.Zero() {
		sub = newFlatSet()
	} else {
		s, err := e.getNode(subId)
		if err != nil {
			return nil, false, err
		}
		sub = s
	}
	newSub, grew, err := e.setAdd(sub, id)
	if err != nil {
		return nil, false, err
	}
	newSubId, err := e.putNode(newSub)
	if err != nil {
		return nil, false, err
	}
	buckets := append([]objid.ObjId(nil), n.Buckets...)
	buckets[idx] = newSubId
	return &node{ContentType: ContentSet, Bucketed: true, KeyHashSeed: n.KeyHashSeed, Buckets: buckets}, grew, nil
}

// setRemove fails NotFound on an absent member at the caller (spec.md
// §4.4.2); this helper only reports whether the member was present.
func (e *Engine) setRemove(n *node, id objid.ObjId) (*node, bool, error) {
	if !n.Bucketed {
		i, exists := findMember(n.SetMembers, id)
		if !exists {
			return n, false, nil
		}
		members := append([]objid.ObjId(nil), n.SetMembers[:i]...)
		members = append(members, n.SetMembers[i+1:]...)
		return &node{ContentType: ContentSet, SetMembers: members}, true, nil
	}
	idx := bucketIndexForId(n.KeyHashSeed, id)
	subId := n.Buckets[idx]
	if subId.Zero() {
		return n, false, nil
	}
	sub, err := e.getNode(subId)
	if err != nil {
		return nil, false, err
	}
	newSub, existed, err := e.setRemove(sub, id)
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
	return &node{ContentType: ContentSet, Bucketed: true, KeyHashSeed: n.KeyHashSeed, Buckets: buckets}, true, nil
}

func (e *Engine) setCount(n *node) (int, error) {
	if !n.Bucketed {
		return len(n.SetMembers), nil
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
		c, err := e.setCount(sub)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}
