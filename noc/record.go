// Package noc implements the Named Object Cache: tiered (memory → disk)
// persistence of named objects and their metadata, with per-id
// write serialization, idempotent put, and access-gated lookup (spec.md
// §4.2).
package noc

import (
	"cyfscore/acl"
	"cyfscore/objid"
)

// StorageCategory marks whether a record survives eviction.
type StorageCategory uint8

const (
	// Storage records are durable and are never evicted by the cache tier.
	Storage StorageCategory = iota
	// Cache records were re-entered from a remote peer with reduced rights
	// and may be evicted once the configured size budget is exceeded.
	Cache
)

func (c StorageCategory) String() string {
	if c == Storage {
		return "storage"
	}
	return "cache"
}

// Record is a NOC entry: the object bytes plus the out-of-band metadata
// spec.md §3 lists under "NOC record".
type Record struct {
	Id               objid.ObjId
	Object           *objid.NamedObject
	Raw              []byte // canonical PurposeSerialize encoding, cached
	InsertTime       int64
	LastUpdateTime   int64
	LastAccessTime   int64
	CreateDec        objid.ObjId // zero if none
	Access           acl.AccessString
	StorageCategory  StorageCategory
	Context          string
	LastAccessRPath  string
}

// PutOutcome reports which of the four semantics spec.md §4.2 describes a
// put_object call resolved to.
type PutOutcome uint8

const (
	Accepted PutOutcome = iota
	AlreadyExists
	Updated
	Merged
)

func (o PutOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyExists:
		return "already-exists"
	case Updated:
		return "updated"
	case Merged:
		return "merged"
	default:
		return "unknown"
	}
}

// PutRequest is the input to PutObject.
type PutRequest struct {
	Source          acl.Source
	Id              objid.ObjId
	ObjectRaw       []byte
	Parsed          *objid.NamedObject // optional pre-parsed form; decoded from ObjectRaw if nil
	StorageCategory StorageCategory
	Context         string
	LastAccessRPath string
	AccessOverride  *acl.AccessString
}

// GetRequest is the input to GetObject and DeleteObject.
type GetRequest struct {
	Source             acl.Source
	Id                 objid.ObjId
	NoUpdateLastAccess bool
}

// PutResult is the output of PutObject.
type PutResult struct {
	Outcome    PutOutcome
	UpdateTime int64
	ExpireTime *int64
}

// GetResult is the output of GetObject and DeleteObject.
type GetResult struct {
	Object *objid.NamedObject
	Meta   Record
}

// ExistsResult is the output of ExistsObject.
type ExistsResult struct {
	Meta   bool
	Object bool
}

// Stat is the output of Stat.
type Stat struct {
	Count        int
	StorageSize  int64
}
