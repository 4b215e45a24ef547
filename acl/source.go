package acl

import "cyfscore/objid"

// ZoneCategory classifies where a request originated, per spec.md §4.5.1.
type ZoneCategory uint8

const (
	CurrentDevice ZoneCategory = iota
	CurrentZone
	FriendZoneCategory
	OtherZone
)

// Source describes the caller of an operation: which zone/device it
// resolved to, which dec (application) it claims, and whether that claim
// was cryptographically verified.
type Source struct {
	ZoneCategory ZoneCategory
	ZoneId       objid.ObjId
	DeviceId     objid.ObjId
	DecId        objid.ObjId
	Verified     bool
}

// Anonymous is the zero-trust default used when a request carries none of
// the cyfs-source-* headers spec.md §6 requires (absence defaults to an
// anonymous other-zone source).
var Anonymous = Source{ZoneCategory: OtherZone}

// DeriveAxis maps a Source and the target record's owning zone/dec to the
// Axis whose permission triple governs the request (spec.md §4.5.2 step 2:
// "Default(access_string) applies using the axis derived from
// classification").
func DeriveAxis(src Source, targetZone, targetDec objid.ObjId) Axis {
	switch src.ZoneCategory {
	case CurrentDevice, CurrentZone:
		if src.ZoneId != targetZone {
			// Verified chain resolved to a different owner than the
			// record's zone: treat as other-zone rather than trusting the
			// device classification blindly.
			return AxisOtherZone
		}
		if src.DecId.Zero() {
			// No dec claimed: the owner identity is acting directly (e.g.
			// an AdminCommand), distinct from any one dec's own axis.
			return AxisOwner
		}
		if src.DecId == targetDec {
			return AxisOwnerDec
		}
		return AxisOtherDecSameZone
	case FriendZoneCategory:
		return AxisFriendZone
	default:
		if !src.Verified {
			return AxisAnonymous
		}
		return AxisOtherZone
	}
}
