package operators

import (
	"fmt"
	"sync"

	rc "reactivecache"

	"github.com/cespare/xxhash/v2"
)

// MergeOptions controls how MergeChangeSets resolves a key published by
// more than one upstream source at once (spec §4.10).
type MergeOptions[K comparable, V any] struct {
	// EqualityComparer, if set, suppresses a re-emission when the winning
	// value for a key is structurally unchanged even though the set of
	// sources publishing it changed underneath.
	EqualityComparer func(a, b V) bool
	// Comparer, if set, picks the winner among sources currently
	// publishing a key: the value for which Comparer(candidate, current)
	// > 0 replaces current. Takes priority over SourceComparer.
	Comparer rc.Comparer[V]
	// SourceComparer, used when Comparer is nil, reports whether source
	// index a takes priority over source index b. Sources are otherwise
	// prioritized by ascending index (the first source given to
	// MergeChangeSets wins ties).
	SourceComparer func(a, b int) bool
	// ResortOnSourceRefresh re-evaluates the winner for a key whenever any
	// contributing source Refreshes it, not only on Add/Update/Remove —
	// needed when Comparer's ordering depends on fields a Refresh alone
	// might have changed in place.
	ResortOnSourceRefresh bool
}

func (o MergeOptions[K, V]) valuesEqual(a, b V) bool {
	if o.EqualityComparer == nil {
		return false
	}
	return o.EqualityComparer(a, b)
}

// mergeState tracks, per key, which of the N upstream sources currently
// publish it and which one is presently selected as the winner.
type mergeState[K comparable, V any] struct {
	mu        sync.Mutex
	perSource []map[K]V
	winnerSrc map[K]int
	winnerVal map[K]V
	opts      MergeOptions[K, V]
}

func newMergeState[K comparable, V any](n int, opts MergeOptions[K, V]) *mergeState[K, V] {
	perSource := make([]map[K]V, n)
	for i := range perSource {
		perSource[i] = make(map[K]V)
	}
	return &mergeState[K, V]{
		perSource: perSource,
		winnerSrc: make(map[K]int),
		winnerVal: make(map[K]V),
		opts:      opts,
	}
}

// choose picks the source that should win for key, among every source
// that currently has a value for it.
func (s *mergeState[K, V]) choose(key K) (int, V, bool) {
	bestSrc := -1
	var bestVal V
	for i, m := range s.perSource {
		v, ok := m[key]
		if !ok {
			continue
		}
		if bestSrc == -1 {
			bestSrc, bestVal = i, v
			continue
		}
		switch {
		case s.opts.Comparer != nil:
			if s.opts.Comparer(v, bestVal) > 0 {
				bestSrc, bestVal = i, v
			}
		case s.opts.SourceComparer != nil:
			if s.opts.SourceComparer(i, bestSrc) {
				bestSrc, bestVal = i, v
			}
		}
		// otherwise first-seen (lowest index) wins, which the loop order
		// already guarantees.
	}
	return bestSrc, bestVal, bestSrc != -1
}

// apply records one change from source index srcIdx and appends the
// resulting downstream change (if any) to out.
func (s *mergeState[K, V]) apply(srcIdx int, c rc.Change[K, V], out *rc.ChangeSet[K, V]) {
	switch c.Reason {
	case rc.ChangeReasonAdd, rc.ChangeReasonUpdate:
		s.perSource[srcIdx][c.Key] = c.Current
		s.resolve(srcIdx, c.Key, out)
	case rc.ChangeReasonRefresh:
		s.perSource[srcIdx][c.Key] = c.Current
		if s.opts.ResortOnSourceRefresh {
			s.resolve(srcIdx, c.Key, out)
		} else if winner, had := s.winnerSrc[c.Key]; had && winner == srcIdx {
			s.winnerVal[c.Key] = c.Current
			*out = append(*out, rc.NewRefreshChange(c.Key, c.Current))
		}
	case rc.ChangeReasonRemove:
		delete(s.perSource[srcIdx], c.Key)
		s.resolve(srcIdx, c.Key, out)
	case rc.ChangeReasonMoved:
		// Positional ordering is not meaningful across merged unordered
		// sources.
	}
}

// resolve recomputes the winner for key after a change from source srcIdx
// and emits whatever downstream change (if any) the new winner implies.
func (s *mergeState[K, V]) resolve(srcIdx int, key K, out *rc.ChangeSet[K, V]) {
	newSrc, newVal, stillPresent := s.choose(key)
	oldVal, hadWinner := s.winnerVal[key]

	if !stillPresent {
		if hadWinner {
			*out = append(*out, rc.NewRemoveChange(key, oldVal))
			delete(s.winnerVal, key)
			delete(s.winnerSrc, key)
		}
		return
	}

	if !hadWinner {
		s.winnerVal[key] = newVal
		s.winnerSrc[key] = newSrc
		*out = append(*out, rc.NewAddChange[K, V](key, newVal))
		return
	}

	if newSrc == s.winnerSrc[key] && newSrc != srcIdx {
		// A non-winning source changed; the winning value is untouched.
		return
	}

	if s.opts.valuesEqual(oldVal, newVal) {
		s.winnerSrc[key] = newSrc
		return
	}

	s.winnerVal[key] = newVal
	s.winnerSrc[key] = newSrc
	*out = append(*out, rc.NewUpdateChange(key, newVal, oldVal))
}

// MergeChangeSets fans N upstream change-set streams into one (spec
// §4.10, component C11). When more than one source publishes the same
// key simultaneously, opts decides which value wins: opts.Comparer (if
// set) picks the greatest value, otherwise opts.SourceComparer (if set)
// picks by source priority, otherwise the lowest-indexed source wins.
func MergeChangeSets[K comparable, V any](opts MergeOptions[K, V], sources ...rc.Observable[rc.ChangeSet[K, V]]) rc.Observable[rc.ChangeSet[K, V]] {
	return rc.ObservableFunc[rc.ChangeSet[K, V]](func(observer rc.Observer[rc.ChangeSet[K, V]]) rc.Disposable {
		state := newMergeState[K, V](len(sources), opts)
		disps := make([]rc.Disposable, len(sources))

		for i, src := range sources {
			i := i
			disps[i] = src.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
				func(cs rc.ChangeSet[K, V]) {
					state.mu.Lock()
					out := make(rc.ChangeSet[K, V], 0, len(cs))
					for _, c := range cs {
						state.apply(i, c, &out)
					}
					state.mu.Unlock()
					if len(out) > 0 {
						observer.OnNext(out)
					}
				},
				observer.OnError,
				nil,
			))
		}

		return rc.DisposableFunc(func() {
			for _, d := range disps {
				d.Dispose()
			}
		})
	})
}

const mergeManyShardCount = 16

// ChildSelector derives the per-parent child change-set stream that
// MergeManyChangeSets subscribes to for each live parent item.
type ChildSelector[K comparable, V any, CK comparable, CV any] func(parentKey K, parent V) rc.Observable[rc.ChangeSet[CK, CV]]

// mergeManyResource is the per-parent subscription MergeManyChangeSets
// keeps alive for as long as the parent exists.
type mergeManyResource struct {
	disp rc.Disposable
}

// MergeManyChangeSets subscribes one child change-set stream per live
// parent key (via selector) and forwards every child change onto a
// single merged output stream, releasing the child subscription the
// moment its parent is removed (spec §4.10's *Many variant). Resource
// bookkeeping is sharded by xxhash of the parent key, the same
// lock-striping technique Group uses, so high parent cardinality does not
// serialize behind one mutex.
func MergeManyChangeSets[K comparable, V any, CK comparable, CV any](
	source rc.Observable[rc.ChangeSet[K, V]],
	selector ChildSelector[K, V, CK, CV],
) rc.Observable[rc.ChangeSet[CK, CV]] {
	return rc.ObservableFunc[rc.ChangeSet[CK, CV]](func(observer rc.Observer[rc.ChangeSet[CK, CV]]) rc.Disposable {
		var shards [mergeManyShardCount]sync.Mutex
		resources := make(map[K]*mergeManyResource)
		var resMu sync.Mutex

		shardFor := func(k K) *sync.Mutex {
			return &shards[int(xxhash.Sum64String(fmt.Sprint(k))%mergeManyShardCount)]
		}

		subscribeChild := func(key K, value V) {
			shard := shardFor(key)
			shard.Lock()
			defer shard.Unlock()

			resMu.Lock()
			if _, exists := resources[key]; exists {
				resMu.Unlock()
				return
			}
			resMu.Unlock()

			child := selector(key, value)
			disp := child.Subscribe(rc.NewObserver[rc.ChangeSet[CK, CV]](
				func(cs rc.ChangeSet[CK, CV]) { observer.OnNext(cs) },
				observer.OnError,
				nil,
			))
			resMu.Lock()
			resources[key] = &mergeManyResource{disp: disp}
			resMu.Unlock()
		}

		unsubscribeChild := func(key K) {
			shard := shardFor(key)
			shard.Lock()
			defer shard.Unlock()

			resMu.Lock()
			res, exists := resources[key]
			if exists {
				delete(resources, key)
			}
			resMu.Unlock()
			if exists {
				res.disp.Dispose()
			}
		}

		srcDisp := source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd:
						subscribeChild(c.Key, c.Current)
					case rc.ChangeReasonUpdate:
						unsubscribeChild(c.Key)
						subscribeChild(c.Key, c.Current)
					case rc.ChangeReasonRemove:
						unsubscribeChild(c.Key)
					}
				}
			},
			observer.OnError,
			observer.OnComplete,
		))

		return rc.DisposableFunc(func() {
			srcDisp.Dispose()
			resMu.Lock()
			all := make([]*mergeManyResource, 0, len(resources))
			for _, r := range resources {
				all = append(all, r)
			}
			resources = make(map[K]*mergeManyResource)
			resMu.Unlock()
			for _, r := range all {
				r.disp.Dispose()
			}
		})
	})
}
