package reactivecache

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID extracts the calling goroutine's numeric ID from its stack
// trace header ("goroutine 123 [running]:"). There is no supported API
// for this; it exists solely so readerWriter can recognize a same-
// goroutine reentrant edit and avoid deadlocking on its own lock.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, _ := strconv.ParseInt(string(fields[1]), 10, 64)
	return id
}

// readerWriter serializes edits against a ChangeAwareCache and derives the
// final change set per spec §4.2. It holds a single mutex for the
// duration of one edit session, made reentrant by goroutine ownership: a
// nested Edit issued by the same goroutine that already holds the lock
// (from inside an outer edit callback) folds into that session instead of
// re-locking. editDepth tracks that nesting so only the outermost session
// publishes.
type readerWriter[K comparable, V any] struct {
	mu        sync.Mutex
	ownerMu   sync.Mutex
	owner     int64
	held      bool
	editDepth int
	cache     *ChangeAwareCache[K, V]
	preview   func(ChangeSet[K, V])
}

func newReaderWriter[K comparable, V any](initial map[K]V) *readerWriter[K, V] {
	return &readerWriter[K, V]{cache: NewChangeAwareCache[K, V](initial)}
}

// lock acquires rw.mu, folding in reentrant calls from the goroutine that
// already holds it instead of deadlocking against itself. Returns true if
// this call actually took the lock (and so must eventually call unlock),
// false if it is a nested call riding an outer lock already held by this
// goroutine.
func (rw *readerWriter[K, V]) lock() (acquired bool) {
	gid := goroutineID()

	rw.ownerMu.Lock()
	if rw.held && rw.owner == gid {
		rw.ownerMu.Unlock()
		return false
	}
	rw.ownerMu.Unlock()

	rw.mu.Lock()
	rw.ownerMu.Lock()
	rw.owner = gid
	rw.held = true
	rw.ownerMu.Unlock()
	return true
}

// unlock releases rw.mu. Callers must only invoke it when their matching
// lock() call reported acquired == true.
func (rw *readerWriter[K, V]) unlock() {
	rw.ownerMu.Lock()
	rw.held = false
	rw.owner = 0
	rw.ownerMu.Unlock()
	rw.mu.Unlock()
}

// EditSession is the mutator handle passed to an Edit callback.
type EditSession[K comparable, V any] struct {
	cache *ChangeAwareCache[K, V]
}

// AddOrUpdate inserts or replaces key's value.
func (s *EditSession[K, V]) AddOrUpdate(key K, value V) { s.cache.AddOrUpdate(key, value) }

// Remove deletes key if present.
func (s *EditSession[K, V]) Remove(key K) { s.cache.Remove(key) }

// Refresh signals key's value changed in place.
func (s *EditSession[K, V]) Refresh(key K) { s.cache.Refresh(key) }

// RefreshAll signals every present key changed in place.
func (s *EditSession[K, V]) RefreshAll() { s.cache.RefreshAll() }

// Clear removes every key.
func (s *EditSession[K, V]) Clear() { s.cache.Clear() }

// Clone folds an external change set into the cache being edited.
func (s *EditSession[K, V]) Clone(changes ChangeSet[K, V]) { s.cache.Clone(changes) }

// Lookup returns the current value for key within the edit, useful for
// read-modify-write logic inside a single session.
func (s *EditSession[K, V]) Lookup(key K) (V, bool) { return s.cache.Get(key) }

// Count returns the number of keys currently present within the edit.
func (s *EditSession[K, V]) Count() int { return s.cache.Count() }

// edit runs fn against the underlying cache under the reader-writer's
// mutex, supporting reentrant (nested) edits on the same cache: only the
// outermost call captures and returns the resulting change set. Nested
// calls return an empty change set immediately (their mutations are
// folded into the outer session's capture).
func (rw *readerWriter[K, V]) edit(fn func(*EditSession[K, V])) ChangeSet[K, V] {
	if acquired := rw.lock(); acquired {
		defer rw.unlock()
	}

	rw.editDepth++
	fn(&EditSession[K, V]{cache: rw.cache})
	rw.editDepth--

	if rw.editDepth > 0 {
		// A nested edit: the outer call will capture and publish.
		return nil
	}

	changes := rw.cache.CaptureChanges()
	if len(changes) > 0 && rw.preview != nil {
		rw.preview(changes)
	}
	return changes
}

// snapshot takes the current state under lock, for use by Connect's
// initial replay and by operators that need "latest copy of the cache".
func (rw *readerWriter[K, V]) snapshot() Snapshot[K, V] {
	if acquired := rw.lock(); acquired {
		defer rw.unlock()
	}
	return rw.cache.Snapshot()
}

func (rw *readerWriter[K, V]) count() int {
	if acquired := rw.lock(); acquired {
		defer rw.unlock()
	}
	return rw.cache.Count()
}

func (rw *readerWriter[K, V]) get(key K) (V, bool) {
	if acquired := rw.lock(); acquired {
		defer rw.unlock()
	}
	return rw.cache.Get(key)
}
