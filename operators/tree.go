package operators

import (
	"sync"

	rc "reactivecache"

	"github.com/pkg/errors"
)

// ParentKeySelector reports the parent key value belongs under, if any.
type ParentKeySelector[K comparable, V any] func(key K, value V) (parentKey K, hasParent bool)

// Node is one entry in a TreeSnapshot's arena. Children and Parent are
// indices into the same TreeSnapshot.Nodes slice rather than pointers, so
// the tree can be freely copied/shared without risking a reference cycle
// (spec §9: "tree-builder uses indices into a node arena to avoid cyclic
// references").
type Node[K comparable, V any] struct {
	Key      K
	Value    V
	Parent   int // -1 for a root
	Children []int
}

// TreeSnapshot is one fully rebuilt parent-child reshaping of a flat keyed
// collection (spec §4, component C13).
type TreeSnapshot[K comparable, V any] struct {
	Nodes []Node[K, V]
	Roots []int // indices of nodes with no parent (or an unresolved parent)
}

// IndexOf returns the arena index of key, if present in the snapshot.
func (s TreeSnapshot[K, V]) IndexOf(key K) (int, bool) {
	for i, n := range s.Nodes {
		if n.Key == key {
			return i, true
		}
	}
	return 0, false
}

type treeEngine[K comparable, V any] struct {
	mu        sync.Mutex
	values    map[K]V
	parentOf  map[K]K
	hasParent map[K]bool
	selector  ParentKeySelector[K, V]
}

// buildSnapshot reconstructs the whole arena from the current flat
// mirror. Reshaping parent/child links on every batch is simpler, and
// cheap enough at the sizes this operator targets, than maintaining an
// incrementally-patched tree; it also sidesteps having to diff structural
// tree changes the way SortAndBind diffs linear position changes.
func (e *treeEngine[K, V]) buildSnapshot() (TreeSnapshot[K, V], error) {
	index := make(map[K]int, len(e.values))
	nodes := make([]Node[K, V], 0, len(e.values))
	for k, v := range e.values {
		index[k] = len(nodes)
		nodes = append(nodes, Node[K, V]{Key: k, Value: v, Parent: -1})
	}

	var roots []int
	for k, idx := range index {
		if e.hasParent[k] {
			pk := e.parentOf[k]
			if pIdx, ok := index[pk]; ok {
				if err := e.checkAcyclic(k, pk); err != nil {
					return TreeSnapshot[K, V]{}, err
				}
				nodes[idx].Parent = pIdx
				nodes[pIdx].Children = append(nodes[pIdx].Children, idx)
				continue
			}
		}
		roots = append(roots, idx)
	}

	return TreeSnapshot[K, V]{Nodes: nodes, Roots: roots}, nil
}

// checkAcyclic walks the parent chain starting at parentKey, failing if it
// ever revisits start or exceeds the live node count (which can only
// happen via a cycle).
func (e *treeEngine[K, V]) checkAcyclic(start, parentKey K) error {
	visited := map[K]struct{}{start: {}}
	cur := parentKey
	for i := 0; i <= len(e.values); i++ {
		if _, seen := visited[cur]; seen {
			return errors.Errorf("tree builder: cycle detected reaching back to parent key %v", cur)
		}
		visited[cur] = struct{}{}
		next, has := e.parentOf[cur]
		if !has || !e.hasParent[cur] {
			return nil
		}
		cur = next
	}
	return errors.New("tree builder: parent chain exceeds live node count, cycle assumed")
}

// TreeBuilder reshapes a flat keyed collection into a parent-child tree
// using selector to find each item's parent, emitting a fresh
// TreeSnapshot after every upstream batch. An item whose declared parent
// is absent from the collection is treated as a root, matching the
// "dangling reference" boundary case rather than raising an error; only a
// genuine cycle in the parent chain is reported via OnError, in which
// case the last good snapshot (if any) is left in place and this batch is
// dropped.
func TreeBuilder[K comparable, V any](
	source rc.Observable[rc.ChangeSet[K, V]],
	selector ParentKeySelector[K, V],
) rc.Observable[TreeSnapshot[K, V]] {
	return rc.ObservableFunc[TreeSnapshot[K, V]](func(observer rc.Observer[TreeSnapshot[K, V]]) rc.Disposable {
		e := &treeEngine[K, V]{
			values:    make(map[K]V),
			parentOf:  make(map[K]K),
			hasParent: make(map[K]bool),
			selector:  selector,
		}

		disp := source.Subscribe(rc.NewObserver[rc.ChangeSet[K, V]](
			func(cs rc.ChangeSet[K, V]) {
				e.mu.Lock()
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd, rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
						e.values[c.Key] = c.Current
						if pk, has := e.selector(c.Key, c.Current); has {
							e.parentOf[c.Key] = pk
							e.hasParent[c.Key] = true
						} else {
							delete(e.parentOf, c.Key)
							e.hasParent[c.Key] = false
						}
					case rc.ChangeReasonRemove:
						delete(e.values, c.Key)
						delete(e.parentOf, c.Key)
						delete(e.hasParent, c.Key)
					case rc.ChangeReasonMoved:
						// Parent/child structure is independent of positional order.
					}
				}
				snapshot, err := e.buildSnapshot()
				e.mu.Unlock()

				if err != nil {
					observer.OnError(err)
					return
				}
				observer.OnNext(snapshot)
			},
			observer.OnError,
			observer.OnComplete,
		))

		return rc.DisposableFunc(func() {
			disp.Dispose()
		})
	})
}
