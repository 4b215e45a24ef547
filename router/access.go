package router

import (
	"cyfscore/acl"
	"cyfscore/objid"
)

// AccessDecider ties a RuleTable and a handler Chain into spec.md §4.5.2's
// access_check(source, path, op) algorithm.
type AccessDecider struct {
	Table *RuleTable
	Chain *Chain
}

// Decide implements spec.md §4.5.2 in full:
//  1. the handler chain runs first for Check events and may short-circuit;
//  2. otherwise walk the rmeta access table longest-prefix-first;
//  3. a Specified rule matching (source.zone, source.dec) wins outright;
//  4. otherwise a Default rule applies via the axis DeriveAxis derives;
//  5. no matching rule at all falls back to the built-in defaults.
//
// targetZone/targetDec identify the record's owning zone/dec, needed to
// derive the axis and to test a Specified rule's (zone, dec) match.
func (d *AccessDecider) Decide(source acl.Source, path string, op acl.Perm, targetZone, targetDec objid.ObjId) bool {
	if d.Chain != nil {
		switch v := d.Chain.Run(Event{Source: source, Path: path, Op: op}); v.Action {
		case Reject, Drop:
			return false
		case Response:
			if allowed, ok := v.Value.(bool); ok {
				return allowed
			}
		}
	}

	resolved := path
	if d.Table != nil {
		resolved = d.Table.Resolve(path)
		if rule, ok := d.Table.MatchAccess(resolved); ok {
			if rule.SpecifiedZone != nil && rule.SpecifiedDec != nil &&
				*rule.SpecifiedZone == source.ZoneId && *rule.SpecifiedDec == source.DecId {
				return rule.Specified.Get(acl.DeriveAxis(source, targetZone, targetDec)).Has(op)
			}
			return rule.Default.Get(acl.DeriveAxis(source, targetZone, targetDec)).Has(op)
		}
	}

	return builtinDefault(source, targetZone, targetDec, op)
}

// builtinDefault implements spec.md §4.5.2 step 4, applied when no rmeta
// rule matches at all: same-zone-same-dec read+write+call, same-zone-other-
// dec read-only, friend-zone read-only, other-zone deny.
func builtinDefault(source acl.Source, targetZone, targetDec objid.ObjId, op acl.Perm) bool {
	switch source.ZoneCategory {
	case acl.CurrentDevice, acl.CurrentZone:
		if source.ZoneId != targetZone {
			return false
		}
		if source.DecId == targetDec {
			return true
		}
		return op == acl.Read
	case acl.FriendZoneCategory:
		return op == acl.Read
	default:
		return false
	}
}
