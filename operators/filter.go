// Package operators implements the stateful change-set operators that sit
// between a reactivecache.SourceCache and its terminals: Filter,
// Transform, SortAndBind, Group, Join, ExpireAfter, LimitSizeTo, merge,
// virtualize, and tree-building. Every operator here is a plain function
// from one or more upstream reactivecache.Observable[ChangeSet] to a
// derived one, following spec §6 ("every operator is exposed as a
// combinator over Stream<ChangeSet>") rather than a fluent method chain,
// which keeps each operator's generic type parameters independent.
package operators

import (
	rc "reactivecache"
	"reactivecache/internal/core"
	"sync"

	"go.uber.org/zap"
)

// Predicate reports whether a key/value pair should be kept.
type Predicate[K comparable, V any] func(key K, value V) bool

// filterState is the private mirror Filter maintains: for every upstream
// key it remembers the last known value (needed to re-scan on a predicate
// change) and whether that key currently passes the active predicate
// (spec §4.12's Filter mirror state machine: In/Out per key).
type filterState[K comparable, V any] struct {
	mu        sync.Mutex
	predicate Predicate[K, V]
	known     map[K]V
	in        map[K]bool
}

// Filter returns a stream that mirrors source's Add/Remove/Update/Refresh/
// Moved events, keeping only keys for which predicate holds, and emitting
// the net transitions described by spec §4.4 and the state machine in
// §4.12 whenever an item crosses the in/out boundary. predicateChanges, if
// non-nil, lets the predicate itself be swapped at runtime: each emission
// triggers a full re-scan of known upstream state and emits the net
// transitions as one change set. reevaluate, if non-nil, triggers the same
// re-scan without changing the predicate (for predicates whose external
// inputs changed without the predicate value itself changing).
func Filter[K comparable, V any](
	source rc.Observable[rc.ChangeSet[K, V]],
	predicate Predicate[K, V],
	predicateChanges rc.Observable[Predicate[K, V]],
	reevaluate rc.Observable[struct{}],
) rc.Observable[rc.ChangeSet[K, V]] {
	return rc.ObservableFunc[rc.ChangeSet[K, V]](func(observer rc.Observer[rc.ChangeSet[K, V]]) rc.Disposable {
		st := &filterState[K, V]{
			predicate: predicate,
			known:     make(map[K]V),
			in:        make(map[K]bool),
		}

		srcDisp := source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				st.mu.Lock()
				out := st.applyUpstream(cs)
				st.mu.Unlock()
				if len(out) > 0 {
					observer.OnNext(out)
				}
			},
			observer.OnError,
			observer.OnComplete,
		))

		var predDisp, reDisp rc.Disposable
		if predicateChanges != nil {
			predDisp = predicateChanges.Subscribe(rc.NewObserver[Predicate[K, V]](
				func(p Predicate[K, V]) {
					st.mu.Lock()
					st.predicate = p
					out := st.rescan()
					st.mu.Unlock()
					if len(out) > 0 {
						observer.OnNext(out)
					}
				},
				nil, nil,
			))
		}
		if reevaluate != nil {
			reDisp = reevaluate.Subscribe(rc.NewObserver[struct{}](
				func(struct{}) {
					st.mu.Lock()
					out := st.rescan()
					st.mu.Unlock()
					if len(out) > 0 {
						observer.OnNext(out)
					}
				},
				nil, nil,
			))
		}

		return rc.DisposableFunc(func() {
			srcDisp.Dispose()
			if predDisp != nil {
				predDisp.Dispose()
			}
			if reDisp != nil {
				reDisp.Dispose()
			}
		})
	})
}

// applyUpstream implements the transition table of spec §4.12 for one
// upstream change set, assuming st.mu is held.
func (st *filterState[K, V]) applyUpstream(cs rc.ChangeSet[K, V]) rc.ChangeSet[K, V] {
	out := make(rc.ChangeSet[K, V], 0, len(cs))
	for _, c := range cs {
		switch c.Reason {
		case rc.ChangeReasonAdd:
			st.known[c.Key] = c.Current
			if st.predicate(c.Key, c.Current) {
				st.in[c.Key] = true
				out = append(out, rc.NewAddChange[K, V](c.Key, c.Current))
			}

		case rc.ChangeReasonUpdate:
			wasIn := st.in[c.Key]
			st.known[c.Key] = c.Current
			nowIn := st.predicate(c.Key, c.Current)
			switch {
			case wasIn && nowIn:
				out = append(out, rc.NewUpdateChange(c.Key, c.Current, c.Previous.MustValue()))
			case wasIn && !nowIn:
				out = append(out, rc.NewRemoveChange(c.Key, c.Current))
				delete(st.in, c.Key)
			case !wasIn && nowIn:
				out = append(out, rc.NewAddChange[K, V](c.Key, c.Current))
				st.in[c.Key] = true
			}

		case rc.ChangeReasonRemove:
			delete(st.known, c.Key)
			if st.in[c.Key] {
				out = append(out, rc.NewRemoveChange(c.Key, c.Current))
				delete(st.in, c.Key)
			}

		case rc.ChangeReasonRefresh:
			wasIn := st.in[c.Key]
			st.known[c.Key] = c.Current
			nowIn := st.predicate(c.Key, c.Current)
			switch {
			case wasIn && nowIn:
				out = append(out, rc.NewRefreshChange(c.Key, c.Current))
			case wasIn && !nowIn:
				out = append(out, rc.NewRemoveChange(c.Key, c.Current))
				delete(st.in, c.Key)
			case !wasIn && nowIn:
				out = append(out, rc.NewAddChange[K, V](c.Key, c.Current))
				st.in[c.Key] = true
			}

		case rc.ChangeReasonMoved:
			if st.in[c.Key] {
				out = append(out, c)
			}
		}
	}
	return out
}

// rescan re-evaluates the current predicate against every known upstream
// value and emits the net transitions, every Remove before every Add,
// assuming st.mu is held.
func (st *filterState[K, V]) rescan() rc.ChangeSet[K, V] {
	out := rc.ChangeSet[K, V]{}
	var adds rc.ChangeSet[K, V]
	for key, value := range st.known {
		wasIn := st.in[key]
		nowIn := st.predicate(key, value)
		if wasIn && !nowIn {
			out = append(out, rc.NewRemoveChange(key, value))
			delete(st.in, key)
		} else if !wasIn && nowIn {
			adds = append(adds, rc.NewAddChange[K, V](key, value))
			st.in[key] = true
		}
	}
	out = append(out, adds...)
	core.Debug("filter rescan", zap.Int("transitions", len(out)))
	return out
}

// FilterImmutable is the optimized path valid only when values are
// immutable and predicate is pure (spec §4.4): it keeps no mirror and
// evaluates predicate per change, dropping Refresh entirely since a
// refreshed immutable value cannot have changed. Behavior is undefined if
// the precondition is violated (values mutate in place, or predicate is
// impure): the caller asserts this by choosing to call FilterImmutable.
func FilterImmutable[K comparable, V any](
	source rc.Observable[rc.ChangeSet[K, V]],
	predicate Predicate[K, V],
) rc.Observable[rc.ChangeSet[K, V]] {
	return rc.ObservableFunc[rc.ChangeSet[K, V]](func(observer rc.Observer[rc.ChangeSet[K, V]]) rc.Disposable {
		return source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				out := make(rc.ChangeSet[K, V], 0, len(cs))
				for _, c := range cs {
					if c.Reason == rc.ChangeReasonRefresh {
						continue
					}
					if predicate(c.Key, c.Current) {
						out = append(out, c)
					}
				}
				if len(out) > 0 {
					observer.OnNext(out)
				}
			},
			observer.OnError,
			observer.OnComplete,
		))
	})
}
