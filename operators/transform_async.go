package operators

import (
	"context"
	"sync"

	rc "reactivecache"
	"reactivecache/internal/core"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// AsyncTransformFunc computes the downstream value for one upstream item,
// allowed to block (network calls, disk I/O) and to fail.
type AsyncTransformFunc[K comparable, V, U any] func(ctx context.Context, current V, previous rc.Optional[V], key K) (U, error)

// TransformAsync behaves like Transform but computes each item's U
// concurrently, bounded by maxConcurrency in-flight calls to f (spec §4.5
// "async transform capped by a concurrency limit"), using
// golang.org/x/sync/semaphore the way a worker pool gates concurrent work.
// Items within one upstream change set are dispatched concurrently; the
// resulting change set is emitted only once every item in the batch has
// resolved, preserving the change set's all-or-nothing delivery semantics
// even though the work inside it is parallel. A per-item error is routed to
// errHandler and the item is dropped from the emitted batch instead of
// aborting the whole batch.
func TransformAsync[K comparable, V, U any](
	ctx context.Context,
	source rc.Observable[rc.ChangeSet[K, V]],
	f AsyncTransformFunc[K, V, U],
	maxConcurrency int64,
	errHandler ErrorHandler[K, V],
) rc.Observable[rc.ChangeSet[K, U]] {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	return rc.ObservableFunc[rc.ChangeSet[K, U]](func(observer rc.Observer[rc.ChangeSet[K, U]]) rc.Disposable {
		st := &transformState[K, U]{vals: make(map[K]U)}
		sem := semaphore.NewWeighted(maxConcurrency)

		type result struct {
			idx    int
			change rc.Change[K, U]
			ok     bool
		}

		return source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				results := make([]result, len(cs))
				var wg sync.WaitGroup

				for i, c := range cs {
					c := c
					i := i

					if c.Reason == rc.ChangeReasonRemove {
						st.mu.Lock()
						oldU := st.vals[c.Key]
						delete(st.vals, c.Key)
						st.mu.Unlock()
						results[i] = result{idx: i, change: rc.NewRemoveChange(c.Key, oldU), ok: true}
						continue
					}
					if c.Reason == rc.ChangeReasonMoved {
						st.mu.Lock()
						u, known := st.vals[c.Key]
						st.mu.Unlock()
						if known {
							results[i] = result{idx: i, change: rc.NewMovedChange(c.Key, u, c.CurrentIndex, c.PreviousIndex), ok: true}
						}
						continue
					}

					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := sem.Acquire(ctx, 1); err != nil {
							errHandler(err, c.Key, c.Current)
							return
						}
						defer sem.Release(1)

						u, err := f(ctx, c.Current, c.Previous, c.Key)
						if err != nil {
							if errHandler != nil {
								errHandler(err, c.Key, c.Current)
							} else {
								core.Error("async transform failed", zap.Error(err))
							}
							return
						}

						st.mu.Lock()
						oldU, had := st.vals[c.Key]
						st.vals[c.Key] = u
						st.mu.Unlock()

						var out rc.Change[K, U]
						if c.Reason == rc.ChangeReasonAdd {
							out = rc.NewAddChange[K, U](c.Key, u)
						} else if had {
							out = rc.NewUpdateChange(c.Key, u, oldU)
						} else {
							out = rc.NewAddChange[K, U](c.Key, u)
						}
						results[i] = result{idx: i, change: out, ok: true}
					}()
				}

				wg.Wait()

				out := make(rc.ChangeSet[K, U], 0, len(results))
				for _, r := range results {
					if r.ok {
						out = append(out, r.change)
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
