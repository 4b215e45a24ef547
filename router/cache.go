package router

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cyfscore/cyfserr"
	"cyfscore/objid"
)

const (
	failureCacheTTL = 60 * time.Second
	pathCacheTTL    = time.Hour
	pathCacheHits   = 10_000
	pathCacheMisses = 1_000
)

// failureEntry is one target's last forward failure.
type failureEntry struct {
	code      cyfserr.Code
	expiresAt time.Time
}

// FailureCache remembers which forward targets recently failed to connect,
// per spec.md §4.5.3: "On ConnectFailed, the target is marked failed for
// 60s... subsequent calls short-circuit with Timeout during the window."
// golang-lru gives bounded-size + O(1) recency eviction; the TTL itself is
// layered on top since the library has no native expiry.
type FailureCache struct {
	mu sync.Mutex
	c  *lru.Cache[objid.ObjId, failureEntry]
}

// NewFailureCache returns a FailureCache holding up to capacity targets.
func NewFailureCache(capacity int) *FailureCache {
	c, err := lru.New[objid.ObjId, failureEntry](capacity)
	if err != nil {
		panic(err) // capacity <= 0 is a caller bug, not a runtime condition
	}
	return &FailureCache{c: c}
}

// MarkFailed records target as failed with code (ConnectFailed or Timeout),
// expiring after failureCacheTTL.
func (f *FailureCache) MarkFailed(target objid.ObjId, code cyfserr.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Add(target, failureEntry{code: code, expiresAt: time.Now().Add(failureCacheTTL)})
}

// Check reports whether target is currently within its failure window;
// failed is false once the entry has expired (it is also evicted lazily).
func (f *FailureCache) Check(target objid.ObjId) (code cyfserr.Code, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.c.Get(target)
	if !ok {
		return cyfserr.Ok, false
	}
	if time.Now().After(e.expiresAt) {
		f.c.Remove(target)
		return cyfserr.Ok, false
	}
	return e.code, true
}

// pathCacheEntry is either a successful resolution or a cached failure; the
// two share one eviction budget policy but are tracked as separate caches
// since spec.md §4.5.3 gives them distinct capacities (10k / 1k).
type pathCacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// PathCache records (root, inner_path) → object_id successes and →
// BuckyError failures, each with a one-hour TTL, capped at 10k and 1k
// entries respectively (spec.md §4.5.3).
type PathCache struct {
	mu       sync.Mutex
	hits     *lru.Cache[pathKey, pathCacheEntry[objid.ObjId]]
	failures *lru.Cache[pathKey, pathCacheEntry[*cyfserr.Error]]
}

type pathKey struct {
	root objid.ObjId
	path string
}

// NewPathCache returns an empty PathCache at spec.md's default capacities.
func NewPathCache() *PathCache {
	hits, err := lru.New[pathKey, pathCacheEntry[objid.ObjId]](pathCacheHits)
	if err != nil {
		panic(err)
	}
	failures, err := lru.New[pathKey, pathCacheEntry[*cyfserr.Error]](pathCacheMisses)
	if err != nil {
		panic(err)
	}
	return &PathCache{hits: hits, failures: failures}
}

// RecordHit caches a successful (root, path) -> id resolution.
func (p *PathCache) RecordHit(root objid.ObjId, path string, id objid.ObjId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures.Remove(pathKey{root, path})
	p.hits.Add(pathKey{root, path}, pathCacheEntry[objid.ObjId]{value: id, expiresAt: time.Now().Add(pathCacheTTL)})
}

// RecordFailure caches a resolution failure.
func (p *PathCache) RecordFailure(root objid.ObjId, path string, err *cyfserr.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits.Remove(pathKey{root, path})
	p.failures.Add(pathKey{root, path}, pathCacheEntry[*cyfserr.Error]{value: err, expiresAt: time.Now().Add(pathCacheTTL)})
}

// Lookup returns a cached success or failure for (root, path), if present
// and unexpired.
func (p *PathCache) Lookup(root objid.ObjId, path string) (id objid.ObjId, cachedErr *cyfserr.Error, found bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pathKey{root, path}
	if e, ok := p.hits.Get(key); ok {
		if time.Now().After(e.expiresAt) {
			p.hits.Remove(key)
		} else {
			return e.value, nil, true
		}
	}
	if e, ok := p.failures.Get(key); ok {
		if time.Now().After(e.expiresAt) {
			p.failures.Remove(key)
		} else {
			return objid.ObjId{}, e.value, true
		}
	}
	return objid.ObjId{}, nil, false
}
