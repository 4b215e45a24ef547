package globalstate

import (
	"strings"
	"sync"
	"time"
)

// activeLock is one outstanding advisory lock registered by lock(paths,
// duration).
type activeLock struct {
	paths     []string
	expiresAt time.Time
}

func overlaps(a, b string) bool {
	a, b = strings.Trim(a, "/"), strings.Trim(b, "/")
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

func anyOverlap(paths []string, lock activeLock) bool {
	for _, p := range paths {
		for _, lp := range lock.paths {
			if overlaps(p, lp) {
				return true
			}
		}
	}
	return false
}

// pathLockManager implements the advisory lock(paths, duration) behind
// OpEnv.Lock: a lock call whose paths overlap an active lock blocks until
// that lock is released or its duration elapses. Ordinary op-env reads,
// writes and commits do not consult it.
type pathLockManager struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active []*activeLock
}

func newPathLockManager() *pathLockManager {
	m := &pathLockManager{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *pathLockManager) reap() {
	now := time.Now()
	kept := m.active[:0]
	for _, l := range m.active {
		if l.expiresAt.After(now) {
			kept = append(kept, l)
		}
	}
	m.active = kept
}

// lock blocks until no existing lock overlaps paths, then registers a new
// one for duration. The returned release function clears it early.
func (m *pathLockManager) lock(paths []string, duration time.Duration) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		m.reap()
		blocked := false
		for _, l := range m.active {
			if anyOverlap(paths, *l) {
				blocked = true
				break
			}
		}
		if !blocked {
			break
		}
		m.cond.Wait()
	}

	entry := &activeLock{paths: paths, expiresAt: time.Now().Add(duration)}
	m.active = append(m.active, entry)

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			for i, l := range m.active {
				if l == entry {
					m.active = append(m.active[:i], m.active[i+1:]...)
					break
				}
			}
			m.mu.Unlock()
			m.cond.Broadcast()
		})
	}
	if duration > 0 {
		time.AfterFunc(duration, release)
	}
	return release
}

// waitFor blocks until no active lock overlaps any of paths, without
// registering a new one. No op-env operation calls it.
func (m *pathLockManager) waitFor(paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		m.reap()
		blocked := false
		for _, l := range m.active {
			if anyOverlap(paths, *l) {
				blocked = true
				break
			}
		}
		if !blocked {
			return
		}
		m.cond.Wait()
	}
}
