package reactivecache

import (
	"sync"

	"reactivecache/internal/core"

	"go.uber.org/zap"
)

// SourceCache is the root of a reactive pipeline (spec §4.3, component
// C4): the authoritative K -> V cache that consumers mutate through Edit
// and that downstream operators subscribe to through Connect, Preview, and
// Watch. It is safe for concurrent use by multiple goroutines; all edits
// on one SourceCache are serialized, matching the single-cache-mutex
// scheduling model of spec §5.
type SourceCache[K comparable, V any] struct {
	rw *readerWriter[K, V]

	mu          sync.Mutex
	changes     *publisher[ChangeSet[K, V]]
	previewPub  *publisher[ChangeSet[K, V]]
	countPub    *publisher[int]
	watchers    map[K]*publisher[Change[K, V]]
	lastCount   int
	closed      bool
	suppressLog bool
}

// NewSourceCache creates a SourceCache, optionally pre-populated from
// initial.
func NewSourceCache[K comparable, V any](initial map[K]V) *SourceCache[K, V] {
	sc := &SourceCache[K, V]{
		rw:         newReaderWriter[K, V](initial),
		changes:    newPublisher[ChangeSet[K, V]](),
		previewPub: newPublisher[ChangeSet[K, V]](),
		countPub:   newPublisher[int](),
		watchers:   make(map[K]*publisher[Change[K, V]]),
		lastCount:  -1,
	}
	sc.rw.preview = func(cs ChangeSet[K, V]) { sc.previewPub.Publish(cs) }
	return sc
}

// Edit runs fn against a mutator handle and commits the resulting change
// set atomically. Calling Edit reentrantly from within another Edit on the
// same SourceCache is supported: only the outermost call publishes (spec
// §4.2, §8 "nested edit produces a single outer change set").
func (sc *SourceCache[K, V]) Edit(fn func(*EditSession[K, V])) {
	changes := sc.rw.edit(fn)
	if len(changes) == 0 {
		return
	}
	if err := changes.Validate(); err != nil {
		core.Error("invalid change set produced by edit session", zap.Error(err))
		panic(err)
	}
	sc.publish(changes)
}

func (sc *SourceCache[K, V]) publish(changes ChangeSet[K, V]) {
	sc.changes.Publish(changes)
	count := sc.rw.count()

	sc.mu.Lock()
	countChanged := count != sc.lastCount
	sc.lastCount = count
	watchers := make(map[K]*publisher[Change[K, V]], len(sc.watchers))
	for k, w := range sc.watchers {
		watchers[k] = w
	}
	sc.mu.Unlock()

	if countChanged {
		sc.countPub.Publish(count)
	}

	for _, ch := range changes {
		if w, ok := watchers[ch.Key]; ok {
			w.Publish(ch)
		}
	}
}

// Connect returns a stream whose first emission is a synthetic Add-only
// change set reflecting the cache's current contents (filtered by
// predicate if non-nil), atomically captured at subscribe time, followed
// by every subsequent committed change set. If suppressEmpty is true,
// empty change sets (including a possibly-empty initial one) are filtered
// out before delivery, matching spec §4.3.
func (sc *SourceCache[K, V]) Connect(predicate func(K, V) bool, suppressEmpty bool) Observable[ChangeSet[K, V]] {
	return ObservableFunc[ChangeSet[K, V]](func(observer Observer[ChangeSet[K, V]]) Disposable {
		sc.mu.Lock()
		if sc.closed {
			sc.mu.Unlock()
			observer.OnComplete()
			return DisposableFunc(func() {})
		}

		// Subscribe first so nothing committed between the snapshot and
		// the subscribe call is lost, then deliver the snapshot as the
		// initial batch.
		disposable := sc.changes.Subscribe(observer)
		snap := sc.rw.snapshot()
		sc.mu.Unlock()

		initial := make(ChangeSet[K, V], 0, snap.Count())
		for _, kv := range snap.Pairs() {
			if predicate == nil || predicate(kv.Key, kv.Value) {
				initial = append(initial, NewAddChange[K, V](kv.Key, kv.Value))
			}
		}
		if len(initial) > 0 || !suppressEmpty {
			observer.OnNext(initial)
		}

		return disposable
	})
}

// Preview returns a stream of change sets as they are about to be
// committed, before downstream Connect subscribers see them. It never
// replays state. Spec §4.3.
func (sc *SourceCache[K, V]) Preview(predicate func(K, V) bool) Observable[ChangeSet[K, V]] {
	if predicate == nil {
		return sc.previewPub
	}
	return mapObservable(sc.previewPub, func(cs ChangeSet[K, V]) (ChangeSet[K, V], bool) {
		out := make(ChangeSet[K, V], 0, len(cs))
		for _, c := range cs {
			if predicate(c.Key, c.Current) {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	})
}

// Watch returns a stream of Change events restricted to one key: on
// subscribe it emits a synthetic Add if the key is currently present, then
// forwards every future change to that key (spec §4.3).
func (sc *SourceCache[K, V]) Watch(key K) Observable[Change[K, V]] {
	return ObservableFunc[Change[K, V]](func(observer Observer[Change[K, V]]) Disposable {
		sc.mu.Lock()
		if sc.closed {
			sc.mu.Unlock()
			observer.OnComplete()
			return DisposableFunc(func() {})
		}
		w, ok := sc.watchers[key]
		if !ok {
			w = newPublisher[Change[K, V]]()
			sc.watchers[key] = w
		}
		disposable := w.Subscribe(observer)
		current, present := sc.rw.get(key)
		sc.mu.Unlock()

		if present {
			observer.OnNext(NewAddChange[K, V](key, current))
		}
		return disposable
	})
}

// CountChanged returns a stream of the cache's distinct size after every
// commit.
func (sc *SourceCache[K, V]) CountChanged() Observable[int] {
	return sc.countPub
}

// Count returns the current number of keys.
func (sc *SourceCache[K, V]) Count() int { return sc.rw.count() }

// Lookup returns the current value stored for key.
func (sc *SourceCache[K, V]) Lookup(key K) (V, bool) { return sc.rw.get(key) }

// Snapshot returns a read-only, defensively-copied view of current contents.
func (sc *SourceCache[K, V]) Snapshot() Snapshot[K, V] { return sc.rw.snapshot() }

// Close completes every active subscription (Connect, Preview, and every
// Watch) and marks the cache closed: later Connect and Watch calls
// complete immediately. Edit calls after Close still change the cache's
// contents but publish nothing. Close is idempotent.
func (sc *SourceCache[K, V]) Close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	watchers := sc.watchers
	sc.watchers = make(map[K]*publisher[Change[K, V]])
	sc.mu.Unlock()

	sc.changes.Complete()
	sc.previewPub.Complete()
	sc.countPub.Complete()
	for _, w := range watchers {
		w.Complete()
	}
}

// ObservableFunc adapts a plain Subscribe function to Observable.
type ObservableFunc[T any] func(observer Observer[T]) Disposable

// Subscribe implements Observable.
func (f ObservableFunc[T]) Subscribe(observer Observer[T]) Disposable {
	return f(observer)
}

// mapObservable transforms each value from source through fn, skipping
// values where fn reports false (used by Preview's predicate filter and
// by several operators).
func mapObservable[T, U any](source Observable[T], fn func(T) (U, bool)) Observable[U] {
	return ObservableFunc[U](func(observer Observer[U]) Disposable {
		return source.Subscribe(NewObserver[T](
			func(v T) {
				if out, ok := fn(v); ok {
					observer.OnNext(out)
				}
			},
			observer.OnError,
			observer.OnComplete,
		))
	})
}
