// Package router implements the Router & Resolver component spec.md §4.5
// describes: per-request source classification, rmeta access-control rule
// tables, forward dispatch with a failure cache, a path-resolution cache,
// and a pluggable handler chain that runs ahead of the rule table.
package router

import (
	"cyfscore/acl"
	"cyfscore/objid"
)

// FriendsResolver answers whether a zone id is listed in the friends object
// map at the well-known path spec.md §4.5.1 refers to ("FriendZone — owner
// id listed in the friends object map"). StaticFriends, a fixed set, is the
// only implementation in cyfscore.
type FriendsResolver interface {
	IsFriend(zone acl.Source) bool
}

// StaticFriends is a FriendsResolver over a fixed set, used by tests and by
// callers that snapshot the friends map once per request.
type StaticFriends map[string]struct{}

func (f StaticFriends) IsFriend(src acl.Source) bool {
	_, ok := f[src.ZoneId.String()]
	return ok
}

// LocalIdentity describes this device/zone, needed to classify an inbound
// source per spec.md §4.5.1's four categories.
type LocalIdentity struct {
	DeviceId objid.ObjId
	ZoneId   objid.ObjId
	// OodDevices lists every device in this zone recognised as an ood (own
	// online device). A verified source whose device is in this set
	// classifies as CurrentZone, as does one whose zone id equals ZoneId.
	OodDevices map[objid.ObjId]struct{}
}

// Classify derives a Source's ZoneCategory from raw ingress identity,
// implementing spec.md §4.5.1:
//
//	CurrentDevice — signature by this device's key.
//	CurrentZone   — signature chain resolves to an owner whose ood set
//	                includes this device.
//	FriendZone    — owner id listed in the friends object map.
//	OtherZone     — everything else.
//
// verified must already reflect whether the signature chain itself checked
// out; Classify only decides which bucket a verified identity falls into.
func Classify(local LocalIdentity, deviceId, zoneId objid.ObjId, verified bool, friends FriendsResolver) acl.ZoneCategory {
	if !verified {
		return acl.OtherZone
	}
	if deviceId == local.DeviceId {
		return acl.CurrentDevice
	}
	if zoneId == local.ZoneId {
		return acl.CurrentZone
	}
	if _, ok := local.OodDevices[deviceId]; ok {
		return acl.CurrentZone
	}
	probe := acl.Source{ZoneId: zoneId, Verified: true}
	if friends != nil && friends.IsFriend(probe) {
		return acl.FriendZoneCategory
	}
	return acl.OtherZone
}
