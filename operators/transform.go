package operators

import (
	"sync"

	rc "reactivecache"
	"reactivecache/internal/core"

	"go.uber.org/zap"
)

// TransformFunc computes the downstream value for one upstream item.
// previous is absent for Add and present for Update, matching spec §4.5.
type TransformFunc[K comparable, V, U any] func(current V, previous rc.Optional[V], key K) U

// ErrorHandler receives transform/selector failures that should be
// dropped rather than aborting the whole stream (spec §7).
type ErrorHandler[K comparable, V any] func(err error, key K, value V)

// transformState is the private K -> U mirror Transform maintains.
type transformState[K comparable, U any] struct {
	mu   sync.Mutex
	vals map[K]U
}

// Transform maps every upstream V to a U via f, maintaining a private
// K -> U mirror so Update/Refresh/Remove can report the prior U value
// (spec §4.5, component C6). If transformOnRefresh is true, a Refresh is
// recomputed and re-emitted as an Update; otherwise it passes through as a
// Refresh carrying the last computed U. errHandler, if non-nil, receives
// panics recovered from f and the offending change is dropped instead of
// aborting the stream.
func Transform[K comparable, V, U any](
	source rc.Observable[rc.ChangeSet[K, V]],
	f TransformFunc[K, V, U],
	transformOnRefresh bool,
	errHandler ErrorHandler[K, V],
) rc.Observable[rc.ChangeSet[K, U]] {
	return rc.ObservableFunc[rc.ChangeSet[K, U]](func(observer rc.Observer[rc.ChangeSet[K, U]]) rc.Disposable {
		st := &transformState[K, U]{vals: make(map[K]U)}

		safeCompute := func(current V, previous rc.Optional[V], key K) (result U, ok bool) {
			defer func() {
				if r := recover(); r != nil {
					ok = false
					if errHandler != nil {
						if err, isErr := r.(error); isErr {
							errHandler(err, key, current)
						} else {
							errHandler(errPanic(r), key, current)
						}
					} else {
						panic(r)
					}
				}
			}()
			return f(current, previous, key), true
		}

		disp := source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				st.mu.Lock()
				out := make(rc.ChangeSet[K, U], 0, len(cs))
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd:
						u, ok := safeCompute(c.Current, rc.None[V](), c.Key)
						if !ok {
							continue
						}
						st.vals[c.Key] = u
						out = append(out, rc.NewAddChange[K, U](c.Key, u))

					case rc.ChangeReasonUpdate:
						oldU := st.vals[c.Key]
						u, ok := safeCompute(c.Current, c.Previous, c.Key)
						if !ok {
							continue
						}
						st.vals[c.Key] = u
						out = append(out, rc.NewUpdateChange(c.Key, u, oldU))

					case rc.ChangeReasonRemove:
						oldU := st.vals[c.Key]
						delete(st.vals, c.Key)
						out = append(out, rc.NewRemoveChange(c.Key, oldU))

					case rc.ChangeReasonRefresh:
						if transformOnRefresh {
							oldU := st.vals[c.Key]
							u, ok := safeCompute(c.Current, rc.Some(c.Current), c.Key)
							if !ok {
								continue
							}
							st.vals[c.Key] = u
							out = append(out, rc.NewUpdateChange(c.Key, u, oldU))
						} else {
							out = append(out, rc.NewRefreshChange(c.Key, st.vals[c.Key]))
						}

					case rc.ChangeReasonMoved:
						if u, ok := st.vals[c.Key]; ok {
							out = append(out, rc.NewMovedChange(c.Key, u, c.CurrentIndex, c.PreviousIndex))
						}
					}
				}
				st.mu.Unlock()
				if len(out) > 0 {
					observer.OnNext(out)
				}
			},
			observer.OnError,
			observer.OnComplete,
		))

		return disp
	})
}

// ForceTransform recomputes U for every upstream key satisfying shouldForce
// and emits the resulting Updates, matching spec §4.5's forced
// re-transform: lastKnown supplies each key's current V (for example, a
// snapshot taken from the cache this Transform mirrors), letting callers
// trigger a recompute without a fresh upstream Add/Update.
func ForceTransform[K comparable, V, U any](
	observer rc.Observer[rc.ChangeSet[K, U]],
	st *transformState[K, U],
	f TransformFunc[K, V, U],
	lastKnown map[K]V,
	shouldForce func(V, K) bool,
) {
	out := make(rc.ChangeSet[K, U], 0)
	st.mu.Lock()
	for key, v := range lastKnown {
		if !shouldForce(v, key) {
			continue
		}
		oldU := st.vals[key]
		u := f(v, rc.Some(v), key)
		st.vals[key] = u
		out = append(out, rc.NewUpdateChange(key, u, oldU))
	}
	st.mu.Unlock()
	core.Debug("forced transform", zap.Int("count", len(out)))
	if len(out) > 0 {
		observer.OnNext(out)
	}
}

// InlineUpdateFunc mutates an existing U in place to reflect newValue,
// used by TransformInline.
type InlineUpdateFunc[V, U any] func(existing U, newValue V) U

// TransformInline preserves the U previously produced for a key and
// applies updateAction to mutate it in place on every Update, emitting a
// Refresh instead of an Update since the U reference itself did not
// change identity (spec §4.5 "inline-update variant"). Callers must
// guarantee U is safely mutable/reusable across calls.
func TransformInline[K comparable, V, U any](
	source rc.Observable[rc.ChangeSet[K, V]],
	f TransformFunc[K, V, U],
	updateAction InlineUpdateFunc[V, U],
) rc.Observable[rc.ChangeSet[K, U]] {
	return rc.ObservableFunc[rc.ChangeSet[K, U]](func(observer rc.Observer[rc.ChangeSet[K, U]]) rc.Disposable {
		st := &transformState[K, U]{vals: make(map[K]U)}

		return source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				st.mu.Lock()
				out := make(rc.ChangeSet[K, U], 0, len(cs))
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd:
						u := f(c.Current, rc.None[V](), c.Key)
						st.vals[c.Key] = u
						out = append(out, rc.NewAddChange[K, U](c.Key, u))

					case rc.ChangeReasonUpdate:
						existing, ok := st.vals[c.Key]
						if !ok {
							existing = f(c.Current, c.Previous, c.Key)
						} else {
							existing = updateAction(existing, c.Current)
						}
						st.vals[c.Key] = existing
						out = append(out, rc.NewRefreshChange(c.Key, existing))

					case rc.ChangeReasonRemove:
						oldU := st.vals[c.Key]
						delete(st.vals, c.Key)
						out = append(out, rc.NewRemoveChange(c.Key, oldU))

					case rc.ChangeReasonRefresh:
						out = append(out, rc.NewRefreshChange(c.Key, st.vals[c.Key]))

					case rc.ChangeReasonMoved:
						if u, ok := st.vals[c.Key]; ok {
							out = append(out, rc.NewMovedChange(c.Key, u, c.CurrentIndex, c.PreviousIndex))
						}
					}
				}
				st.mu.Unlock()
				if len(out) > 0 {
					observer.OnNext(out)
				}
			},
			observer.OnError,
			observer.OnComplete,
		))
	})
}

type panicError struct{ v any }

func (p panicError) Error() string { return "reactivecache: transform panic recovered" }

func errPanic(v any) error { return panicError{v: v} }
