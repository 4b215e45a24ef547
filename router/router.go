package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"cyfscore/acl"
	"cyfscore/chunkstore"
	"cyfscore/cyfserr"
	"cyfscore/globalstate"
	"cyfscore/noc"
	"cyfscore/objid"
	"cyfscore/telemetry"
)

// RmetaConfig is the two bypass flags spec.md §6 names under the `rmeta.`
// config prefix.
type RmetaConfig struct {
	ReadBypassOod  bool
	WriteBypassOod bool
}

// Config wires a Router to its storage, transport and policy dependencies.
type Config struct {
	Local   LocalIdentity
	Noc     *noc.Store
	Chunks  *chunkstore.Store
	State   *globalstate.Engine
	Forward *Forwarder
	Friends FriendsResolver
	Rmeta   RmetaConfig
	Log     *zap.Logger
	Metrics *telemetry.Metrics
}

// Router is the Router & Resolver component: it classifies each request's
// source, decides local-vs-forward per spec.md §4.5, and runs every access
// check through the rmeta rule tables before touching storage.
type Router struct {
	local   LocalIdentity
	noc     *noc.Store
	chunks  *chunkstore.Store
	state   *globalstate.Engine
	forward *Forwarder
	friends FriendsResolver
	rmeta   RmetaConfig
	log     *zap.Logger
	metrics *telemetry.Metrics
	cache   *PathCache

	mu     sync.RWMutex
	tables map[ruleKey]*RuleTable
	chains map[ruleKey]*Chain
}

type ruleKey struct {
	zone objid.ObjId
	dec  objid.ObjId
}

// New builds a Router over cfg. A nil Log falls back to a no-op logger so
// callers that don't care about observability don't need to construct one.
func New(cfg Config) *Router {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		local:   cfg.Local,
		noc:     cfg.Noc,
		chunks:  cfg.Chunks,
		state:   cfg.State,
		forward: cfg.Forward,
		friends: cfg.Friends,
		rmeta:   cfg.Rmeta,
		log:     log,
		metrics: cfg.Metrics,
		cache:   NewPathCache(),
		tables:  make(map[ruleKey]*RuleTable),
		chains:  make(map[ruleKey]*Chain),
	}
}

// Local returns this router's own device/zone identity, e.g. for an HTTP
// surface that needs to stamp a default source on a local caller.
func (r *Router) Local() LocalIdentity { return r.local }

// SetRuleTable installs (or replaces) the rmeta RuleTable for (zone, dec).
func (r *Router) SetRuleTable(zone, dec objid.ObjId, table *RuleTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[ruleKey{zone, dec}] = table
}

// RuleTable returns the rmeta RuleTable for (zone, dec), creating an empty
// one on first use so callers (e.g. the rmeta HTTP endpoint) can always add
// rules without a separate existence check.
func (r *Router) RuleTable(zone, dec objid.ObjId) *RuleTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ruleKey{zone, dec}
	t, ok := r.tables[key]
	if !ok {
		t = NewRuleTable()
		r.tables[key] = t
	}
	return t
}

// SetChain installs (or replaces) the handler chain for (zone, dec).
func (r *Router) SetChain(zone, dec objid.ObjId, chain *Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[ruleKey{zone, dec}] = chain
}

func (r *Router) decider(zone, dec objid.ObjId) *AccessDecider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &AccessDecider{Table: r.tables[ruleKey{zone, dec}], Chain: r.chains[ruleKey{zone, dec}]}
}

// ClassifySource derives an acl.Source for an inbound request, applying
// spec.md §6's "absence defaults to an anonymous other-zone source" rule
// when deviceId is zero.
func (r *Router) ClassifySource(deviceId, zoneId, decId objid.ObjId, verified bool) acl.Source {
	if deviceId.Zero() {
		return acl.Anonymous
	}
	category := Classify(r.local, deviceId, zoneId, verified, r.friends)
	return acl.Source{ZoneCategory: category, ZoneId: zoneId, DeviceId: deviceId, DecId: decId, Verified: verified}
}

// isLocal reports whether target resolves to this device, i.e. the call
// should be served from local storage rather than forwarded.
func (r *Router) isLocal(target Target) bool {
	if target.None {
		return true
	}
	return target.DeviceId == r.local.DeviceId
}

// GetObject implements spec.md §6's get_object contract: access-check, then
// serve from the NOC if local, else forward and cache the resolution.
func (r *Router) GetObject(ctx context.Context, target Target, id objid.ObjId, source acl.Source, path string) (NONObjectInfo, error) {
	zone, dec := source.ZoneId, source.DecId
	if !r.decider(zone, dec).Decide(source, path, acl.Read, zone, dec) {
		return NONObjectInfo{}, cyfserr.New(cyfserr.PermissionDenied, "get_object denied", nil)
	}

	if cached, cachedErr, found := r.cache.Lookup(r.state.GlobalRoot(), path); found {
		r.metrics.RecordCacheOutcome("hit")
		if cachedErr != nil {
			return NONObjectInfo{}, cachedErr
		}
		id = cached
	} else {
		r.metrics.RecordCacheOutcome("miss")
	}

	if r.isLocal(target) || r.rmeta.ReadBypassOod {
		res, err := r.noc.GetObject(noc.GetRequest{Source: source, Id: id})
		if err != nil {
			if e := cyfserr.AsCode(err); e == cyfserr.NotFound {
				r.cache.RecordFailure(r.state.GlobalRoot(), path, cyfserr.New(cyfserr.NotFound, "object not found", nil))
			}
			r.metrics.RecordNOCOp("get", "error")
			return NONObjectInfo{}, err
		}
		r.metrics.RecordNOCOp("get", "ok")
		r.cache.RecordHit(r.state.GlobalRoot(), path, id)
		return NONObjectInfo{Id: id, Object: res.Object, Raw: res.Meta.Raw}, nil
	}

	info, err := r.forward.GetObject(ctx, target.DeviceId, nil, id, source)
	if err != nil {
		if cyfserr.AsCode(err) == cyfserr.NotFound {
			r.cache.RecordFailure(r.state.GlobalRoot(), path, cyfserr.New(cyfserr.NotFound, "object not found", nil))
		}
		r.metrics.RecordForward("get_object", "error")
		return NONObjectInfo{}, err
	}
	r.metrics.RecordForward("get_object", "ok")
	r.cache.RecordHit(r.state.GlobalRoot(), path, info.Id)
	return info, nil
}

// PutObject implements spec.md §6's put_object contract.
func (r *Router) PutObject(ctx context.Context, target Target, info NONObjectInfo, source acl.Source, path string) error {
	zone, dec := source.ZoneId, source.DecId
	if !r.decider(zone, dec).Decide(source, path, acl.Write, zone, dec) {
		return cyfserr.New(cyfserr.PermissionDenied, "put_object denied", nil)
	}

	if r.isLocal(target) || r.rmeta.WriteBypassOod {
		_, err := r.noc.PutObject(noc.PutRequest{Source: source, Id: info.Id, ObjectRaw: info.Raw, Parsed: info.Object})
		if err != nil {
			r.metrics.RecordNOCOp("put", "error")
			return err
		}
		r.metrics.RecordNOCOp("put", "ok")
		return nil
	}
	err := r.forward.PutObject(ctx, target.DeviceId, nil, info, source)
	if err != nil {
		r.metrics.RecordForward("put_object", "error")
		return err
	}
	r.metrics.RecordForward("put_object", "ok")
	return nil
}

// PostObject implements spec.md §6's post_object contract: forward-only,
// since a post is a call (not a stored mutation) and always needs a live
// reply from whichever device owns the call's effect.
func (r *Router) PostObject(ctx context.Context, target Target, info NONObjectInfo, source acl.Source, path string) (*NONObjectInfo, error) {
	zone, dec := source.ZoneId, source.DecId
	if !r.decider(zone, dec).Decide(source, path, acl.Call, zone, dec) {
		return nil, cyfserr.New(cyfserr.PermissionDenied, "post_object denied", nil)
	}
	if r.isLocal(target) {
		return nil, cyfserr.New(cyfserr.UnSupport, "post_object has no local handler registered", nil)
	}
	reply, err := r.forward.Sender.PostObject(ctx, target.DeviceId, info, source)
	if err != nil {
		r.metrics.RecordForward("post_object", "error")
		return nil, err
	}
	r.metrics.RecordForward("post_object", "ok")
	return reply, nil
}

// DeleteObject removes an object from local storage; spec.md §6 names it
// only over HTTP, scoped to local NOC state (a delete is never forwarded).
func (r *Router) DeleteObject(id objid.ObjId, source acl.Source, path string) error {
	zone, dec := source.ZoneId, source.DecId
	if !r.decider(zone, dec).Decide(source, path, acl.Write, zone, dec) {
		return cyfserr.New(cyfserr.PermissionDenied, "delete_object denied", nil)
	}
	_, err := r.noc.DeleteObject(noc.GetRequest{Source: source, Id: id})
	if err != nil {
		r.metrics.RecordNOCOp("delete", "error")
		return err
	}
	r.metrics.RecordNOCOp("delete", "ok")
	return nil
}

// GetChunk implements spec.md §6's get_chunk contract with an optional byte
// range.
func (r *Router) GetChunk(ctx context.Context, target Target, id objid.ObjId, start, end int64, source acl.Source, path string) (chunkstore.SeekReader, error) {
	zone, dec := source.ZoneId, source.DecId
	if !r.decider(zone, dec).Decide(source, path, acl.Read, zone, dec) {
		return nil, cyfserr.New(cyfserr.PermissionDenied, "get_chunk denied", nil)
	}
	if r.isLocal(target) || r.rmeta.ReadBypassOod {
		var reader chunkstore.SeekReader
		var err error
		if start == 0 && end == 0 {
			reader, err = r.chunks.GetChunk(id)
		} else {
			reader, err = r.chunks.OpenRange(id, start, end)
		}
		if err != nil {
			r.metrics.RecordChunkOp("get", "error")
			return nil, err
		}
		r.metrics.RecordChunkOp("get", "ok")
		return reader, nil
	}
	rc, err := r.forward.GetChunk(ctx, target.DeviceId, nil, id, start, end)
	if err != nil {
		r.metrics.RecordForward("get_chunk", "error")
		return nil, err
	}
	r.metrics.RecordForward("get_chunk", "ok")
	return &readCloserSeeker{rc}, nil
}

// PutChunk implements spec.md §6's put_chunk contract: local-only, since a
// chunk is content-addressed and created once at its origin device.
func (r *Router) PutChunk(id objid.ObjId, data []byte, source acl.Source, path string) error {
	zone, dec := source.ZoneId, source.DecId
	if !r.decider(zone, dec).Decide(source, path, acl.Write, zone, dec) {
		return cyfserr.New(cyfserr.PermissionDenied, "put_chunk denied", nil)
	}
	if err := r.chunks.PutChunk(id, data); err != nil {
		r.metrics.RecordChunkOp("put", "error")
		return err
	}
	r.metrics.RecordChunkOp("put", "ok")
	return nil
}

// readCloserSeeker adapts a forwarded io.ReadCloser to chunkstore.SeekReader
// for callers that only read sequentially over a forward (no local Seek
// support is implied by the remote stream).
type readCloserSeeker struct {
	rc interface {
		Read([]byte) (int, error)
		Close() error
	}
}

func (s *readCloserSeeker) Read(p []byte) (int, error) { return s.rc.Read(p) }
func (s *readCloserSeeker) Close() error               { return s.rc.Close() }
func (s *readCloserSeeker) Seek(offset int64, whence int) (int64, error) {
	return 0, cyfserr.New(cyfserr.UnSupport, "forwarded chunk stream does not support seek", nil)
}
