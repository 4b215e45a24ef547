// Package acl implements the access-string and source-classification
// primitives spec.md §3 and §4.5.1 describe, shared by the NOC, chunk
// store, global state engine and router so a record's permissions are
// checked the same way everywhere.
package acl

// Perm is a permission bit; the three bits (read, write, call) pack into
// one triple per axis inside an AccessString.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Call
)

// Has reports whether p grants every bit in want.
func (p Perm) Has(want Perm) bool { return p&want == want }

// Axis is one of the six permission axes spec.md §3 names.
type Axis uint8

const (
	AxisOwner Axis = iota
	AxisOwnerDec
	AxisOtherDecSameZone
	AxisFriendZone
	AxisOtherZone
	AxisAnonymous
	axisCount
)

// AccessString is the 32-bit packed value spec.md §3 defines: six 3-bit
// permission triples, one per Axis, read from the low bits up.
type AccessString uint32

func axisShift(a Axis) uint { return uint(a) * 3 }

// Get returns the permission triple for axis.
func (a AccessString) Get(axis Axis) Perm {
	return Perm((a >> axisShift(axis)) & 0x7)
}

// With returns a copy of a with axis's triple replaced by p.
func (a AccessString) With(axis Axis, p Perm) AccessString {
	shift := axisShift(axis)
	return (a &^ (AccessString(0x7) << shift)) | (AccessString(p&0x7) << shift)
}

func build(perAxis [int(axisCount)]Perm) AccessString {
	var a AccessString
	for axis := Axis(0); axis < axisCount; axis++ {
		a = a.With(axis, perAxis[axis])
	}
	return a
}

// Named constants spec.md §3 calls out by name.
var (
	// DecDefault: owner and the owning dec get full access, same-zone peers
	// may read, friend zones may read, everyone else is denied — the
	// built-in default spec.md §4.5.2 step 4 describes.
	DecDefault = build([int(axisCount)]Perm{
		AxisOwner:            Read | Write | Call,
		AxisOwnerDec:         Read | Write | Call,
		AxisOtherDecSameZone: Read,
		AxisFriendZone:       Read,
		AxisOtherZone:        0,
		AxisAnonymous:        0,
	})

	// Full grants read+write+call on every axis.
	Full = build([int(axisCount)]Perm{
		AxisOwner:            Read | Write | Call,
		AxisOwnerDec:         Read | Write | Call,
		AxisOtherDecSameZone: Read | Write | Call,
		AxisFriendZone:       Read | Write | Call,
		AxisOtherZone:        Read | Write | Call,
		AxisAnonymous:        Read | Write | Call,
	})

	// FullExceptWrite grants read+call everywhere but restricts write to
	// the owner axes.
	FullExceptWrite = build([int(axisCount)]Perm{
		AxisOwner:            Read | Write | Call,
		AxisOwnerDec:         Read | Write | Call,
		AxisOtherDecSameZone: Read | Call,
		AxisFriendZone:       Read | Call,
		AxisOtherZone:        Read | Call,
		AxisAnonymous:        Read | Call,
	})
)

// Check reports whether access grants need on axis.
func Check(access AccessString, axis Axis, need Perm) bool {
	return access.Get(axis).Has(need)
}
