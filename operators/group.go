package operators

import (
	"fmt"
	"sync"

	rc "reactivecache"

	"github.com/cespare/xxhash/v2"
)

// GroupSelector maps one upstream item to the group key it currently
// belongs to.
type GroupSelector[K comparable, V any, G comparable] func(key K, value V) G

const groupShardCount = 16

// groupEngine owns one *rc.SourceCache[K,V] per group key (spec §4.7,
// component C8) and publishes the resulting G -> *SourceCache mapping as
// its own change stream so callers can Connect to, say, "the cache for
// group X" reactively. Per-group membership mutation is striped across
// groupShardCount mutexes keyed by xxhash of the group key, the same
// shard-striping technique the teacher's cache layer uses to reduce lock
// contention across independent keys.
type groupEngine[K comparable, V any, G comparable] struct {
	shards   [groupShardCount]sync.Mutex
	gmu      sync.Mutex
	groups   map[G]*rc.SourceCache[K, V]
	members  map[K]G // upstream key -> current group, to detect cross-group moves
	selector GroupSelector[K, V, G]
	out      *rc.SourceCache[G, *rc.SourceCache[K, V]]
}

func shardFor[G comparable](g G) int {
	return int(xxhash.Sum64String(fmt.Sprint(g)) % groupShardCount)
}

func (e *groupEngine[K, V, G]) shard(g G) *sync.Mutex {
	return &e.shards[shardFor(g)]
}

// Group partitions source into a reactive collection of sub-caches, one
// per distinct group key produced by selector: the returned Observable
// emits a ChangeSet[G, *SourceCache[K,V]] whose Add/Remove changes track
// groups coming into and out of existence, and whose member items can
// themselves be observed through each group's own Connect/Watch. Every
// upstream change set is folded into at most one group-index commit, so a
// batch that both creates and empties groups is reported as a single
// ChangeSet rather than one emission per group. An item that changes group
// (selector returns a different G after an Update) is retracted from its
// old group's cache and added to its new one.
func Group[K comparable, V any, G comparable](
	source rc.Observable[rc.ChangeSet[K, V]],
	selector GroupSelector[K, V, G],
) rc.Observable[rc.ChangeSet[G, *rc.SourceCache[K, V]]] {
	return rc.ObservableFunc[rc.ChangeSet[G, *rc.SourceCache[K, V]]](func(observer rc.Observer[rc.ChangeSet[G, *rc.SourceCache[K, V]]]) rc.Disposable {
		e := &groupEngine[K, V, G]{
			groups:   make(map[G]*rc.SourceCache[K, V]),
			members:  make(map[K]G),
			selector: selector,
			out:      rc.NewSourceCache[G, *rc.SourceCache[K, V]](nil),
		}

		groupDisp := e.out.Connect(nil, true).Subscribe(observer)

		srcDisp := source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				created := make(map[G]*rc.SourceCache[K, V])
				emptied := make(map[G]*rc.SourceCache[K, V])

				for _, c := range cs {
					e.apply(c, created, emptied)
				}

				if len(created) == 0 && len(emptied) == 0 {
					return
				}
				e.out.Edit(func(s *rc.EditSession[G, *rc.SourceCache[K, V]]) {
					for g, cache := range created {
						if emptied[g] == cache {
							continue // created and emptied within the same batch: net no-op
						}
						s.AddOrUpdate(g, cache)
					}
					for g := range emptied {
						if _, recreated := created[g]; recreated {
							continue
						}
						s.Remove(g)
					}
				})
				for g, cache := range emptied {
					if created[g] != cache {
						cache.Close()
					}
				}
			},
			observer.OnError,
			observer.OnComplete,
		))

		return rc.DisposableFunc(func() {
			srcDisp.Dispose()
			groupDisp.Dispose()
		})
	})
}

// apply routes one upstream change into the right group sub-cache(s),
// recording any group created or emptied by it into created/emptied so the
// caller can fold the whole batch into one group-index commit.
func (e *groupEngine[K, V, G]) apply(c rc.Change[K, V], created, emptied map[G]*rc.SourceCache[K, V]) {
	switch c.Reason {
	case rc.ChangeReasonAdd:
		g := e.selector(c.Key, c.Current)
		e.addMember(g, c.Key, c.Current, created)

	case rc.ChangeReasonUpdate:
		newGroup := e.selector(c.Key, c.Current)
		e.gmu.Lock()
		oldGroup, had := e.members[c.Key]
		e.gmu.Unlock()
		if had && oldGroup == newGroup {
			e.updateMember(newGroup, c.Key, c.Current)
			return
		}
		if had {
			e.removeMember(oldGroup, c.Key, emptied)
		}
		e.addMember(newGroup, c.Key, c.Current, created)

	case rc.ChangeReasonRefresh:
		e.gmu.Lock()
		g, had := e.members[c.Key]
		e.gmu.Unlock()
		if had {
			e.refreshMember(g, c.Key)
		}

	case rc.ChangeReasonRemove:
		e.gmu.Lock()
		g, had := e.members[c.Key]
		e.gmu.Unlock()
		if had {
			e.removeMember(g, c.Key, emptied)
		}

	case rc.ChangeReasonMoved:
		// Positional moves within the parent stream carry no meaning for
		// which group an item belongs to.
	}
}

func (e *groupEngine[K, V, G]) addMember(g G, key K, value V, created map[G]*rc.SourceCache[K, V]) {
	mu := e.shard(g)
	mu.Lock()
	e.gmu.Lock()
	cache, exists := e.groups[g]
	if !exists {
		cache = rc.NewSourceCache[K, V](nil)
		e.groups[g] = cache
	}
	e.members[key] = g
	e.gmu.Unlock()
	mu.Unlock()

	if !exists {
		created[g] = cache
	}
	cache.Edit(func(s *rc.EditSession[K, V]) { s.AddOrUpdate(key, value) })
}

func (e *groupEngine[K, V, G]) updateMember(g G, key K, value V) {
	mu := e.shard(g)
	mu.Lock()
	cache := e.groups[g]
	mu.Unlock()
	if cache != nil {
		cache.Edit(func(s *rc.EditSession[K, V]) { s.AddOrUpdate(key, value) })
	}
}

func (e *groupEngine[K, V, G]) refreshMember(g G, key K) {
	mu := e.shard(g)
	mu.Lock()
	cache := e.groups[g]
	mu.Unlock()
	if cache != nil {
		cache.Edit(func(s *rc.EditSession[K, V]) { s.Refresh(key) })
	}
}

func (e *groupEngine[K, V, G]) removeMember(g G, key K, emptied map[G]*rc.SourceCache[K, V]) {
	mu := e.shard(g)
	mu.Lock()
	cache, exists := e.groups[g]
	if !exists {
		mu.Unlock()
		return
	}
	cache.Edit(func(s *rc.EditSession[K, V]) { s.Remove(key) })
	empty := cache.Count() == 0

	e.gmu.Lock()
	delete(e.members, key)
	if empty {
		delete(e.groups, g)
	}
	e.gmu.Unlock()
	mu.Unlock()

	if empty {
		emptied[g] = cache
	}
}

// GroupObservableSelector returns the stream of group keys an individual
// item belongs to over time, one subscription per upstream item.
type GroupObservableSelector[K comparable, V any, G comparable] func(key K, value V) rc.Observable[G]

// groupOnObservableEngine is the per-item-subscription sibling of
// groupEngine: instead of re-running a synchronous selector on every
// upstream change, each item supplies its own Observable[G] and the engine
// tracks one inner subscription per key, moving the item between group
// sub-caches whenever that item's own observable fires (spec §4.7,
// component C8, "each item carries its own IObservable<G>").
type groupOnObservableEngine[K comparable, V any, G comparable] struct {
	shards  [groupShardCount]sync.Mutex
	gmu     sync.Mutex
	groups  map[G]*rc.SourceCache[K, V]
	members map[K]G
	subs    map[K]rc.Disposable
	values  map[K]V
	out     *rc.SourceCache[G, *rc.SourceCache[K, V]]
}

func (e *groupOnObservableEngine[K, V, G]) shard(g G) *sync.Mutex {
	return &e.shards[shardFor(g)]
}

// GroupOnObservable partitions source the same way Group does, except the
// group a given item belongs to is driven by that item's own
// Observable[G] rather than a synchronous selector re-run on every
// upstream change (spec §4.7). Each upstream Add subscribes to
// groupSelector's returned observable for that key; every subsequent
// emission moves the item into the named group, creating or retiring
// group sub-caches as membership shifts. The inner subscription is
// disposed the moment the item leaves the upstream source (spec §5's
// cancellation contract).
func GroupOnObservable[K comparable, V any, G comparable](
	source rc.Observable[rc.ChangeSet[K, V]],
	groupSelector GroupObservableSelector[K, V, G],
) rc.Observable[rc.ChangeSet[G, *rc.SourceCache[K, V]]] {
	return rc.ObservableFunc[rc.ChangeSet[G, *rc.SourceCache[K, V]]](func(observer rc.Observer[rc.ChangeSet[G, *rc.SourceCache[K, V]]]) rc.Disposable {
		e := &groupOnObservableEngine[K, V, G]{
			groups:  make(map[G]*rc.SourceCache[K, V]),
			members: make(map[K]G),
			subs:    make(map[K]rc.Disposable),
			values:  make(map[K]V),
			out:     rc.NewSourceCache[G, *rc.SourceCache[K, V]](nil),
		}

		groupDisp := e.out.Connect(nil, true).Subscribe(observer)

		srcDisp := source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				for _, c := range cs {
					e.applyOne(c, groupSelector)
				}
			},
			observer.OnError,
			observer.OnComplete,
		))

		return rc.DisposableFunc(func() {
			srcDisp.Dispose()
			groupDisp.Dispose()
			e.gmu.Lock()
			subs := e.subs
			e.subs = make(map[K]rc.Disposable)
			e.gmu.Unlock()
			for _, d := range subs {
				d.Dispose()
			}
		})
	})
}

// applyOne routes one upstream change: Add subscribes to the item's own
// group observable, Update/Refresh keep the member's value current within
// whatever group it currently occupies, and Remove tears down its inner
// subscription and drops it from its group.
func (e *groupOnObservableEngine[K, V, G]) applyOne(c rc.Change[K, V], groupSelector GroupObservableSelector[K, V, G]) {
	switch c.Reason {
	case rc.ChangeReasonAdd:
		e.gmu.Lock()
		e.values[c.Key] = c.Current
		e.gmu.Unlock()
		e.subscribe(c.Key, groupSelector(c.Key, c.Current))

	case rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
		e.gmu.Lock()
		e.values[c.Key] = c.Current
		g, had := e.members[c.Key]
		e.gmu.Unlock()
		if had {
			e.updateInGroup(g, c.Key, c.Current)
		}

	case rc.ChangeReasonRemove:
		e.gmu.Lock()
		sub, hadSub := e.subs[c.Key]
		delete(e.subs, c.Key)
		delete(e.values, c.Key)
		g, had := e.members[c.Key]
		e.gmu.Unlock()
		if hadSub {
			sub.Dispose()
		}
		if had {
			e.retireMember(g, c.Key)
		}

	case rc.ChangeReasonMoved:
		// Positional moves carry no meaning for group membership.
	}
}

// subscribe attaches the inner per-item group observable, moving the item
// across groups on every emission.
func (e *groupOnObservableEngine[K, V, G]) subscribe(key K, inner rc.Observable[G]) {
	disp := inner.Subscribe(rc.NewObserver[G](
		func(g G) { e.moveMember(g, key) },
		nil, nil,
	))
	e.gmu.Lock()
	e.subs[key] = disp
	e.gmu.Unlock()
}

// moveMember places key into group g, retiring its membership in whatever
// group it previously occupied, committing each as its own single-item
// batch against e.out since inner emissions arrive independently of the
// upstream source's own change sets.
func (e *groupOnObservableEngine[K, V, G]) moveMember(g G, key K) {
	e.gmu.Lock()
	value := e.values[key]
	oldGroup, had := e.members[key]
	e.gmu.Unlock()

	if had && oldGroup == g {
		e.updateInGroup(g, key, value)
		return
	}
	if had {
		e.retireMember(oldGroup, key)
	}

	mu := e.shard(g)
	mu.Lock()
	cache, exists := e.groups[g]
	if !exists {
		cache = rc.NewSourceCache[K, V](nil)
		e.groups[g] = cache
	}
	e.gmu.Lock()
	e.members[key] = g
	e.gmu.Unlock()
	mu.Unlock()

	cache.Edit(func(s *rc.EditSession[K, V]) { s.AddOrUpdate(key, value) })
	if !exists {
		e.out.Edit(func(s *rc.EditSession[G, *rc.SourceCache[K, V]]) { s.AddOrUpdate(g, cache) })
	}
}

func (e *groupOnObservableEngine[K, V, G]) updateInGroup(g G, key K, value V) {
	mu := e.shard(g)
	mu.Lock()
	cache := e.groups[g]
	mu.Unlock()
	if cache != nil {
		cache.Edit(func(s *rc.EditSession[K, V]) { s.AddOrUpdate(key, value) })
	}
}

// retireMember removes key from group g's sub-cache, retiring and closing
// the group itself if that leaves it empty.
func (e *groupOnObservableEngine[K, V, G]) retireMember(g G, key K) {
	mu := e.shard(g)
	mu.Lock()
	cache, exists := e.groups[g]
	if !exists {
		mu.Unlock()
		return
	}
	cache.Edit(func(s *rc.EditSession[K, V]) { s.Remove(key) })
	empty := cache.Count() == 0

	e.gmu.Lock()
	if e.members[key] == g {
		delete(e.members, key)
	}
	if empty {
		delete(e.groups, g)
	}
	e.gmu.Unlock()
	mu.Unlock()

	if empty {
		e.out.Edit(func(s *rc.EditSession[G, *rc.SourceCache[K, V]]) { s.Remove(g) })
		cache.Close()
	}
}
