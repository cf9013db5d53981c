package operators

import (
	"container/heap"
	"sync"
	"time"

	rc "reactivecache"
	"reactivecache/internal/clock"
	"reactivecache/internal/core"

	"go.uber.org/zap"
)

// TTLSelector returns how long key/value should live from the moment it
// was added or last updated, and whether it should expire at all.
type TTLSelector[K comparable, V any] func(key K, value V) (ttl time.Duration, hasTTL bool)

// expireEntry is one scheduled expiration, ordered by deadline for the
// min-heap.
type expireEntry[K comparable] struct {
	key      K
	deadline time.Time
	index    int // heap.Interface bookkeeping
}

// expireHeap is a container/heap min-heap ordered by deadline, the same
// pattern the teacher's AccessHeap uses to track "next eviction candidate"
// without a linear scan.
type expireHeap[K comparable] []*expireEntry[K]

func (h expireHeap[K]) Len() int           { return len(h) }
func (h expireHeap[K]) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h expireHeap[K]) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expireHeap[K]) Push(x any) {
	e := x.(*expireEntry[K])
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expireHeap[K]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// ExpireAfter arms a per-item TTL on cache, automatically removing any key
// whose deadline elapses (spec §4.9, component C10). A single timer is
// kept armed for the earliest pending deadline, rearmed every time the
// heap's head changes, rather than polling; if pollInterval is non-zero, a
// periodic tick additionally sweeps any deadlines the single-timer path
// might have coalesced (used when many items share nearly the same TTL and
// precise per-item timers would thrash). The returned Observable emits one
// ChangeSet of Remove changes per expiration sweep, for callers that want
// to react to (rather than merely cause) the removal.
func ExpireAfter[K comparable, V any](
	cache *rc.SourceCache[K, V],
	ttl TTLSelector[K, V],
	scheduler clock.Scheduler,
	pollInterval time.Duration,
) rc.Observable[rc.ChangeSet[K, V]] {
	return rc.ObservableFunc[rc.ChangeSet[K, V]](func(observer rc.Observer[rc.ChangeSet[K, V]]) rc.Disposable {
		var mu sync.Mutex
		h := &expireHeap[K]{}
		entries := make(map[K]*expireEntry[K])
		var timer clock.Timer
		var sweepNow func()

		// rearm re-schedules the single timer for the current heap head.
		// Callers must hold mu.
		rearm := func() {
			if len(*h) == 0 {
				if timer != nil {
					timer.Stop()
				}
				return
			}
			delay := (*h)[0].deadline.Sub(scheduler.Now())
			if delay < 0 {
				delay = 0
			}
			if timer != nil {
				timer.Stop()
			}
			timer = scheduler.AfterFunc(delay, sweepNow)
		}

		sweepNow = func() {
			mu.Lock()
			now := scheduler.Now()
			var expiredKeys []K
			for len(*h) > 0 && !(*h)[0].deadline.After(now) {
				e := heap.Pop(h).(*expireEntry[K])
				delete(entries, e.key)
				expiredKeys = append(expiredKeys, e.key)
			}
			mu.Unlock()

			if len(expiredKeys) == 0 {
				return
			}

			out := make(rc.ChangeSet[K, V], 0, len(expiredKeys))
			cache.Edit(func(s *rc.EditSession[K, V]) {
				for _, k := range expiredKeys {
					if v, ok := s.Lookup(k); ok {
						out = append(out, rc.NewRemoveChange(k, v))
						s.Remove(k)
					}
				}
			})
			core.Debug("expire sweep removed keys", zap.Int("count", len(out)))
			if len(out) > 0 {
				observer.OnNext(out)
			}

			mu.Lock()
			rearm()
			mu.Unlock()
		}

		schedule := func(key K, value V) {
			d, has := ttl(key, value)
			mu.Lock()
			if e, exists := entries[key]; exists {
				heap.Remove(h, e.index)
				delete(entries, key)
			}
			if has {
				e := &expireEntry[K]{key: key, deadline: scheduler.Now().Add(d)}
				heap.Push(h, e)
				entries[key] = e
			}
			rearm()
			mu.Unlock()
		}

		unschedule := func(key K) {
			mu.Lock()
			if e, exists := entries[key]; exists {
				heap.Remove(h, e.index)
				delete(entries, key)
				rearm()
			}
			mu.Unlock()
		}

		cacheDisp := cache.Connect(nil, true).Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd, rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
						schedule(c.Key, c.Current)
					case rc.ChangeReasonRemove:
						unschedule(c.Key)
					}
				}
			},
			observer.OnError,
			observer.OnComplete,
		))

		var pollTimer clock.Timer
		if pollInterval > 0 {
			ch, t := scheduler.Tick(pollInterval)
			pollTimer = t
			go func() {
				for range ch {
					sweepNow()
				}
			}()
		}

		return rc.DisposableFunc(func() {
			cacheDisp.Dispose()
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			if pollTimer != nil {
				pollTimer.Stop()
			}
		})
	})
}
