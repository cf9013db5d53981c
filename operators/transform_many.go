package operators

import (
	"sync"

	rc "reactivecache"
)

// ManySelector expands one upstream item into zero or more children, each
// identified by its own key within a global (cross-parent) keyspace.
type ManySelector[K comparable, V any, CK comparable, CV any] func(parentKey K, parent V) map[CK]CV

// transformManyState tracks, per parent key, the set of child keys it last
// produced, plus a global reverse index so a duplicate child key
// introduced by a second parent can be detected (spec §4.5 "TransformMany
// enforces global child-key uniqueness").
type transformManyState[K, CK comparable, CV any] struct {
	mu          sync.Mutex
	childParent map[CK]K   // child key -> owning parent key
	childValue  map[CK]CV  // child key -> last emitted value
	byParent    map[K][]CK // parent key -> its current child keys
}

// TransformMany flattens a keyed collection of parents into a keyed
// collection of children via selector (spec §4.5, component C6's
// many-to-many transform). A child key must be unique across the whole
// stream, not just within its parent: if selector ever produces a child key
// already owned by a different live parent, TransformMany reports the
// violation to the observer's OnError as a *reactivecache.ContractViolationError
// and drops that child from the emitted batch, rather than silently
// overwriting the existing owner.
func TransformMany[K comparable, V any, CK comparable, CV any](
	source rc.Observable[rc.ChangeSet[K, V]],
	selector ManySelector[K, V, CK, CV],
) rc.Observable[rc.ChangeSet[CK, CV]] {
	return rc.ObservableFunc[rc.ChangeSet[CK, CV]](func(observer rc.Observer[rc.ChangeSet[CK, CV]]) rc.Disposable {
		st := &transformManyState[K, CK, CV]{
			childParent: make(map[CK]K),
			childValue:  make(map[CK]CV),
			byParent:    make(map[K][]CK),
		}
		known := make(map[K]V)

		return source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				st.mu.Lock()
				out := make(rc.ChangeSet[CK, CV], 0, len(cs))
				var violation error

				retractParent := func(parentKey K) {
					for _, ck := range st.byParent[parentKey] {
						out = append(out, rc.NewRemoveChange(ck, st.childValue[ck]))
						delete(st.childParent, ck)
						delete(st.childValue, ck)
					}
					delete(st.byParent, parentKey)
				}

				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonRemove:
						retractParent(c.Key)
						delete(known, c.Key)

					case rc.ChangeReasonAdd, rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
						// Retract the parent's previous children, then re-derive.
						retractParent(c.Key)
						known[c.Key] = c.Current
						children := selector(c.Key, c.Current)
						newKeys := make([]CK, 0, len(children))
						for ck, cv := range children {
							if owner, exists := st.childParent[ck]; exists && owner != c.Key {
								if violation == nil {
									violation = rc.NewDuplicateChildKeyError(ck)
								}
								continue
							}
							st.childParent[ck] = c.Key
							st.childValue[ck] = cv
							newKeys = append(newKeys, ck)
							out = append(out, rc.NewAddChange[CK, CV](ck, cv))
						}
						st.byParent[c.Key] = newKeys

					case rc.ChangeReasonMoved:
						// Parent reordering does not affect flattened children.
					}
				}
				st.mu.Unlock()

				if len(out) > 0 {
					observer.OnNext(out)
				}
				if violation != nil {
					observer.OnError(violation)
				}
			},
			observer.OnError,
			observer.OnComplete,
		))
	})
}
