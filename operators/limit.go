package operators

import (
	"sync"

	rc "reactivecache"

	"github.com/bwmarrin/snowflake"
)

// limitEntry tracks one live key's insertion order, using a snowflake ID
// as the tie-break so eviction order is deterministic even when two
// insertions land in the same wall-clock instant.
type limitEntry[K comparable] struct {
	key K
	seq int64
}

// LimitSizeTo caps source at sizeLimit items: once the live set exceeds
// sizeLimit, the oldest items (by insertion order) are evicted until the
// set is back at sizeLimit (spec §4.9, component C10). Updates and
// Refreshes of an already-tracked key never change its insertion order —
// only a fresh Add starts a new age. A node ID must be supplied so the
// snowflake generator that breaks insertion-order ties is reproducible
// per process; callers with a single LimitSizeTo instance can pass 0.
func LimitSizeTo[K comparable, V any](source rc.Observable[rc.ChangeSet[K, V]], sizeLimit int, nodeID int64) rc.Observable[rc.ChangeSet[K, V]] {
	return rc.ObservableFunc[rc.ChangeSet[K, V]](func(observer rc.Observer[rc.ChangeSet[K, V]]) rc.Disposable {
		node, err := snowflake.NewNode(nodeID)
		if err != nil {
			observer.OnError(err)
			return rc.DisposableFunc(func() {})
		}

		var mu sync.Mutex
		order := make(map[K]int64) // key -> snowflake sequence, for eviction ordering
		values := make(map[K]V)    // key -> current value, for evicted Remove changes

		oldestKeys := func(n int) []K {
			type kv struct {
				key K
				seq int64
			}
			all := make([]kv, 0, len(order))
			for k, s := range order {
				all = append(all, kv{k, s})
			}
			// simple selection of the n smallest sequences; cache sizes this
			// operator targets are small enough that this beats maintaining a
			// second heap in parallel with the order map.
			out := make([]K, 0, n)
			for i := 0; i < n && len(all) > 0; i++ {
				minIdx := 0
				for j := 1; j < len(all); j++ {
					if all[j].seq < all[minIdx].seq {
						minIdx = j
					}
				}
				out = append(out, all[minIdx].key)
				all = append(all[:minIdx], all[minIdx+1:]...)
			}
			return out
		}

		disp := source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				mu.Lock()
				out := make(rc.ChangeSet[K, V], 0, len(cs))
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd:
						order[c.Key] = node.Generate().Int64()
						values[c.Key] = c.Current
						out = append(out, c)
					case rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
						values[c.Key] = c.Current
						out = append(out, c)
					case rc.ChangeReasonRemove:
						delete(order, c.Key)
						delete(values, c.Key)
						out = append(out, c)
					case rc.ChangeReasonMoved:
						out = append(out, c)
					}
				}

				if overflow := len(order) - sizeLimit; overflow > 0 {
					for _, k := range oldestKeys(overflow) {
						v := values[k]
						delete(order, k)
						delete(values, k)
						out = append(out, rc.NewRemoveChange(k, v))
					}
				}
				mu.Unlock()

				if len(out) > 0 {
					observer.OnNext(out)
				}
			},
			observer.OnError,
			observer.OnComplete,
		))

		return rc.DisposableFunc(func() {
			disp.Dispose()
		})
	})
}
