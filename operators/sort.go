package operators

import (
	"sort"
	"sync"

	rc "reactivecache"
	"reactivecache/internal/core"

	"go.uber.org/zap"
)

// DefaultResetThreshold is the number of individual indexed mutations
// above which SortAndBind emits a wholesale SortReasonReset batch instead
// of a long run of incremental indexed changes, matching spec §4.6's
// "large batches reset rather than replay index-by-index" guidance.
const DefaultResetThreshold = 100

// SortOptions configures SortAndBind.
type SortOptions struct {
	// ResetThreshold is the number of changes in one upstream batch above
	// which a full SortReasonReset is emitted instead of incremental
	// indexed changes. Zero means DefaultResetThreshold.
	ResetThreshold int

	// ComparerIsPure must be set true by the caller to assert that the
	// supplied Comparer is a true, stable total order over values that do
	// not mutate out from under it. UseBinarySearch is refused unless this
	// is set, per spec §9's "refuse binary-search mode unless the caller
	// asserts purity" guard — an impure or unstable comparer makes binary
	// search silently misplace items instead of merely sorting slowly.
	ComparerIsPure bool

	// UseBinarySearch opts into sort.Search for locating each item's
	// insertion point instead of a linear scan. Only honored when
	// ComparerIsPure is also true.
	UseBinarySearch bool

	// UseReplaceForUpdates, when true, emits an Update change in place for
	// items whose sort position did not change, rather than a Refresh.
	UseReplaceForUpdates bool
}

func (o SortOptions) resetThreshold() int {
	if o.ResetThreshold <= 0 {
		return DefaultResetThreshold
	}
	return o.ResetThreshold
}

func (o SortOptions) binarySearchEnabled() bool {
	return o.UseBinarySearch && o.ComparerIsPure
}

// sortState is the mirror SortAndBind maintains: the fully materialized
// sorted order plus a key -> index map for O(1) position lookup before a
// mutation.
type sortState[K comparable, V any] struct {
	mu       sync.Mutex
	comparer rc.Comparer[V]
	opts     SortOptions
	items    []rc.KeyValuePair[K, V]
	index    map[K]int
}

func newSortState[K comparable, V any](comparer rc.Comparer[V], opts SortOptions) *sortState[K, V] {
	return &sortState[K, V]{comparer: comparer, opts: opts, index: make(map[K]int)}
}

// findInsertPos locates the index at which value should be inserted to
// keep st.items sorted, using binary search when enabled and a linear scan
// otherwise (spec §9).
func (st *sortState[K, V]) findInsertPos(value V) int {
	if st.opts.binarySearchEnabled() {
		return sort.Search(len(st.items), func(i int) bool {
			return st.comparer(st.items[i].Value, value) >= 0
		})
	}
	for i, kv := range st.items {
		if st.comparer(kv.Value, value) >= 0 {
			return i
		}
	}
	return len(st.items)
}

func (st *sortState[K, V]) reindexFrom(start int) {
	for i := start; i < len(st.items); i++ {
		st.index[st.items[i].Key] = i
	}
}

func (st *sortState[K, V]) removeAt(pos int) {
	key := st.items[pos].Key
	st.items = append(st.items[:pos], st.items[pos+1:]...)
	delete(st.index, key)
	st.reindexFrom(pos)
}

func (st *sortState[K, V]) insertAt(pos int, key K, value V) {
	st.items = append(st.items, rc.KeyValuePair[K, V]{})
	copy(st.items[pos+1:], st.items[pos:])
	st.items[pos] = rc.KeyValuePair[K, V]{Key: key, Value: value}
	st.reindexFrom(pos)
}

func (st *sortState[K, V]) snapshotItems() []rc.KeyValuePair[K, V] {
	out := make([]rc.KeyValuePair[K, V], len(st.items))
	copy(out, st.items)
	return out
}

// SortAndBind maintains value as a continuously sorted ordering of
// source's keyed items according to comparer, emitting the resulting
// indexed mutations as a SortedChangeSet (spec §4.6, component C7). Each
// subscription maintains its own independent ordering state.
func SortAndBind[K comparable, V any](
	source rc.Observable[rc.ChangeSet[K, V]],
	comparer rc.Comparer[V],
	opts SortOptions,
) rc.Observable[rc.SortedChangeSet[K, V]] {
	return rc.ObservableFunc[rc.SortedChangeSet[K, V]](func(observer rc.Observer[rc.SortedChangeSet[K, V]]) rc.Disposable {
		st := newSortState[K, V](comparer, opts)
		first := true

		return source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				st.mu.Lock()
				defer st.mu.Unlock()

				if first {
					first = false
					for _, c := range cs {
						if c.Reason != rc.ChangeReasonAdd {
							continue
						}
						pos := st.findInsertPos(c.Current)
						st.insertAt(pos, c.Key, c.Current)
					}
					observer.OnNext(rc.SortedChangeSet[K, V]{
						SortedItems: st.snapshotItems(),
						Reason:      rc.SortReasonInitial,
					})
					return
				}

				if len(cs) > st.opts.resetThreshold() {
					st.applyBatch(cs)
					observer.OnNext(rc.SortedChangeSet[K, V]{
						SortedItems: st.snapshotItems(),
						Reason:      rc.SortReasonReset,
					})
					core.Debug("sort reset", zap.Int("batchSize", len(cs)))
					return
				}

				out, reason := st.applyIncremental(cs)
				if len(out) == 0 {
					return
				}
				observer.OnNext(rc.SortedChangeSet[K, V]{
					Changes:     out,
					SortedItems: st.snapshotItems(),
					Reason:      reason,
				})
			},
			observer.OnError,
			observer.OnComplete,
		))
	})
}

// applyBatch folds a large change set into st.items without producing
// indexed output, used on the SortReasonReset path.
func (st *sortState[K, V]) applyBatch(cs rc.ChangeSet[K, V]) {
	for _, c := range cs {
		switch c.Reason {
		case rc.ChangeReasonAdd:
			pos := st.findInsertPos(c.Current)
			st.insertAt(pos, c.Key, c.Current)
		case rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
			if pos, ok := st.index[c.Key]; ok {
				st.removeAt(pos)
			}
			pos := st.findInsertPos(c.Current)
			st.insertAt(pos, c.Key, c.Current)
		case rc.ChangeReasonRemove:
			if pos, ok := st.index[c.Key]; ok {
				st.removeAt(pos)
			}
		case rc.ChangeReasonMoved:
			// Position is re-derived from the comparer, not from the
			// upstream's reported indices.
			if pos, ok := st.index[c.Key]; ok {
				st.removeAt(pos)
			}
			pos := st.findInsertPos(c.Current)
			st.insertAt(pos, c.Key, c.Current)
		}
	}
}

// applyIncremental applies one small change set, producing indexed Add/
// Remove/Update/Refresh/Moved changes that reflect where each item landed
// in the sorted order, assuming st.mu is held.
func (st *sortState[K, V]) applyIncremental(cs rc.ChangeSet[K, V]) (rc.ChangeSet[K, V], rc.SortReason) {
	out := make(rc.ChangeSet[K, V], 0, len(cs))
	reason := rc.SortReasonDataChanged
	sawDataChange := false
	sawReorder := false

	for _, c := range cs {
		switch c.Reason {
		case rc.ChangeReasonAdd:
			pos := st.findInsertPos(c.Current)
			st.insertAt(pos, c.Key, c.Current)
			ch := rc.NewAddChange[K, V](c.Key, c.Current)
			ch.CurrentIndex = pos
			ch.PreviousIndex = rc.NoIndex
			out = append(out, ch)
			sawDataChange = true

		case rc.ChangeReasonRemove:
			prevPos, ok := st.index[c.Key]
			if !ok {
				continue
			}
			st.removeAt(prevPos)
			ch := rc.NewRemoveChange(c.Key, c.Current)
			ch.CurrentIndex = rc.NoIndex
			ch.PreviousIndex = prevPos
			out = append(out, ch)
			sawDataChange = true

		case rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
			prevPos, ok := st.index[c.Key]
			if !ok {
				pos := st.findInsertPos(c.Current)
				st.insertAt(pos, c.Key, c.Current)
				ch := rc.NewAddChange[K, V](c.Key, c.Current)
				ch.CurrentIndex = pos
				out = append(out, ch)
				sawDataChange = true
				continue
			}
			st.removeAt(prevPos)
			newPos := st.findInsertPos(c.Current)
			st.insertAt(newPos, c.Key, c.Current)

			if newPos == prevPos {
				var ch rc.Change[K, V]
				if c.Reason == rc.ChangeReasonUpdate && st.opts.UseReplaceForUpdates {
					ch = rc.NewUpdateChange(c.Key, c.Current, c.Previous.MustValue())
				} else {
					ch = rc.NewRefreshChange(c.Key, c.Current)
				}
				ch.CurrentIndex = newPos
				ch.PreviousIndex = prevPos
				out = append(out, ch)
				sawDataChange = true
			} else {
				ch := rc.NewMovedChange(c.Key, c.Current, newPos, prevPos)
				out = append(out, ch)
				sawReorder = true
			}

		case rc.ChangeReasonMoved:
			prevPos, ok := st.index[c.Key]
			if !ok {
				continue
			}
			st.removeAt(prevPos)
			newPos := st.findInsertPos(c.Current)
			st.insertAt(newPos, c.Key, c.Current)
			if newPos != prevPos {
				out = append(out, rc.NewMovedChange(c.Key, c.Current, newPos, prevPos))
				sawReorder = true
			}
		}
	}

	if sawDataChange {
		reason = rc.SortReasonDataChanged
	} else if sawReorder {
		reason = rc.SortReasonReorder
	}
	return out, reason
}
