package router

import (
	"context"
	"io"

	"golang.org/x/sync/singleflight"

	"cyfscore/acl"
	"cyfscore/cyfserr"
	"cyfscore/objid"
)

// Target selects where a call should be served, per spec.md §6's transport
// contract: None means "router decides", otherwise an explicit device or
// zone.
type Target struct {
	None     bool
	DeviceId objid.ObjId
	ZoneId   objid.ObjId
}

// NONObjectInfo is the wire shape of a get/put/post_object call, named
// after spec.md §6's NONObjectInfo.
type NONObjectInfo struct {
	Id     objid.ObjId
	Object *objid.NamedObject
	Raw    []byte
}

// ObjectSender is the subset of the external transport contract the router
// forwards non-local object calls through (spec.md §6). A concrete
// implementation lives in package transport; router only depends on this
// interface so it never imports the P2P stack directly.
type ObjectSender interface {
	PutObject(ctx context.Context, target objid.ObjId, info NONObjectInfo, source acl.Source) error
	GetObject(ctx context.Context, target objid.ObjId, id objid.ObjId, source acl.Source) (NONObjectInfo, error)
	PostObject(ctx context.Context, target objid.ObjId, info NONObjectInfo, source acl.Source) (*NONObjectInfo, error)
}

// ChunkPuller forwards a chunk read to another device.
type ChunkPuller interface {
	GetChunk(ctx context.Context, target objid.ObjId, id objid.ObjId, rangeStart, rangeEnd int64) (io.ReadCloser, error)
}

// Forwarder wraps an ObjectSender/ChunkPuller pair with the failure-cache
// short-circuit spec.md §4.5.3 and §7 describe: a target that just failed
// with ConnectFailed is reported as Timeout for the rest of the window
// without a second network attempt, and same-zone forwards additionally
// retry other oods round-robin (spec.md §7) before giving up.
type Forwarder struct {
	Sender   ObjectSender
	Chunks   ChunkPuller
	Failures *FailureCache

	// fetches dedups concurrent identical get_object forwards to the same
	// (target, id): unlike the NOC's per-id keylock (which must let two
	// puts with different payloads run independently), a read fan-in from
	// many local callers for the same remote object should share one
	// network round trip.
	fetches singleflight.Group
}

// NewForwarder builds a Forwarder over the given transport adapters.
func NewForwarder(sender ObjectSender, chunks ChunkPuller, failures *FailureCache) *Forwarder {
	return &Forwarder{Sender: sender, Chunks: chunks, Failures: failures}
}

// candidates returns target followed by the round-robin oods fallback list
// for same-zone forwards (spec.md §7: "same-zone fallback tries other oods
// round-robin").
func candidates(target objid.ObjId, oods []objid.ObjId) []objid.ObjId {
	out := make([]objid.ObjId, 0, len(oods)+1)
	out = append(out, target)
	for _, o := range oods {
		if o != target {
			out = append(out, o)
		}
	}
	return out
}

type getObjectResult struct {
	info NONObjectInfo
	err  error
}

// GetObject forwards a get_object call, trying target then same-zone oods
// in order, short-circuiting any candidate currently in its failure window.
// Concurrent calls for the same (target, id) share one in-flight fetch
// (spec.md §5's NOC trie-node cache note "hit rate expected >99% in steady
// state" implies the same object is commonly requested by many callers at
// once; a forward should not re-fetch it once per caller).
func (f *Forwarder) GetObject(ctx context.Context, target objid.ObjId, oods []objid.ObjId, id objid.ObjId, source acl.Source) (NONObjectInfo, error) {
	key := target.String() + ":" + id.String()
	v, err, _ := f.fetches.Do(key, func() (any, error) {
		info, err := f.fetchObject(ctx, target, oods, id, source)
		return getObjectResult{info: info, err: err}, err
	})
	res := v.(getObjectResult)
	if err != nil {
		return NONObjectInfo{}, err
	}
	return res.info, nil
}

func (f *Forwarder) fetchObject(ctx context.Context, target objid.ObjId, oods []objid.ObjId, id objid.ObjId, source acl.Source) (NONObjectInfo, error) {
	var lastErr error
	for _, cand := range candidates(target, oods) {
		if code, failed := f.Failures.Check(cand); failed {
			lastErr = cyfserr.New(cyfserr.Timeout, "forward target in failure window", cyfserr.New(code, "", nil))
			continue
		}
		info, err := f.Sender.GetObject(ctx, cand, id, source)
		if err == nil {
			return info, nil
		}
		code := cyfserr.AsCode(err)
		if code == cyfserr.ConnectFailed || code == cyfserr.Timeout {
			f.Failures.MarkFailed(cand, code)
		}
		if code == cyfserr.NotFound {
			// spec.md §7: NotFound from a forward is not retried.
			return NONObjectInfo{}, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = cyfserr.New(cyfserr.ConnectFailed, "no forward target available", nil)
	}
	return NONObjectInfo{}, lastErr
}

// PutObject forwards a put_object call the same way GetObject does, without
// the NotFound short-circuit (a put never yields NotFound from the remote).
func (f *Forwarder) PutObject(ctx context.Context, target objid.ObjId, oods []objid.ObjId, info NONObjectInfo, source acl.Source) error {
	var lastErr error
	for _, cand := range candidates(target, oods) {
		if code, failed := f.Failures.Check(cand); failed {
			lastErr = cyfserr.New(cyfserr.Timeout, "forward target in failure window", cyfserr.New(code, "", nil))
			continue
		}
		err := f.Sender.PutObject(ctx, cand, info, source)
		if err == nil {
			return nil
		}
		code := cyfserr.AsCode(err)
		if code == cyfserr.ConnectFailed || code == cyfserr.Timeout {
			f.Failures.MarkFailed(cand, code)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = cyfserr.New(cyfserr.ConnectFailed, "no forward target available", nil)
	}
	return lastErr
}

// GetChunk forwards a chunk read, applying the same failure-window
// short-circuit.
func (f *Forwarder) GetChunk(ctx context.Context, target objid.ObjId, oods []objid.ObjId, id objid.ObjId, start, end int64) (io.ReadCloser, error) {
	var lastErr error
	for _, cand := range candidates(target, oods) {
		if code, failed := f.Failures.Check(cand); failed {
			lastErr = cyfserr.New(cyfserr.Timeout, "forward target in failure window", cyfserr.New(code, "", nil))
			continue
		}
		r, err := f.Chunks.GetChunk(ctx, cand, id, start, end)
		if err == nil {
			return r, nil
		}
		code := cyfserr.AsCode(err)
		if code == cyfserr.ConnectFailed || code == cyfserr.Timeout {
			f.Failures.MarkFailed(cand, code)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = cyfserr.New(cyfserr.ConnectFailed, "no forward target available", nil)
	}
	return nil, lastErr
}
