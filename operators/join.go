package operators

import (
	"sync"

	rc "reactivecache"
)

// ForeignKeySelector extracts the foreign key a left-side item joins on.
type ForeignKeySelector[LK comparable, LV any, RK comparable] func(key LK, value LV) RK

// JoinResultSelector combines a left item with its (possibly absent)
// matched right item into the joined result.
type JoinResultSelector[LK comparable, LV any, RK comparable, RV any, JV any] func(leftKey LK, left LV, right rc.Optional[RV]) JV

// joinCore is the shared bookkeeping behind every Join variant (spec §4.8,
// component C9): a reverse index from right key to every left key
// currently referencing it, so that a right-side Add/Update/Remove can
// recompute exactly the dependent left rows instead of the whole stream.
type joinCore[LK comparable, LV any, RK comparable, RV any] struct {
	mu          sync.Mutex
	leftValues  map[LK]LV
	rightValues map[RK]RV
	fk          ForeignKeySelector[LK, LV, RK]
	reverse     map[RK]map[LK]struct{} // right key -> set of left keys referencing it
}

func newJoinCore[LK comparable, LV any, RK comparable, RV any](fk ForeignKeySelector[LK, LV, RK]) *joinCore[LK, LV, RK, RV] {
	return &joinCore[LK, LV, RK, RV]{
		leftValues:  make(map[LK]LV),
		rightValues: make(map[RK]RV),
		fk:          fk,
		reverse:     make(map[RK]map[LK]struct{}),
	}
}

func (j *joinCore[LK, LV, RK, RV]) linkLeft(key LK, value LV) RK {
	rk := j.fk(key, value)
	if old, existed := j.leftValues[key]; existed {
		oldRK := j.fk(key, old)
		if set, ok := j.reverse[oldRK]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(j.reverse, oldRK)
			}
		}
	}
	j.leftValues[key] = value
	if j.reverse[rk] == nil {
		j.reverse[rk] = make(map[LK]struct{})
	}
	j.reverse[rk][key] = struct{}{}
	return rk
}

func (j *joinCore[LK, LV, RK, RV]) unlinkLeft(key LK) {
	old, existed := j.leftValues[key]
	if !existed {
		return
	}
	rk := j.fk(key, old)
	if set, ok := j.reverse[rk]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(j.reverse, rk)
		}
	}
	delete(j.leftValues, key)
}

func (j *joinCore[LK, LV, RK, RV]) rightLookup(rk RK) (RV, bool) {
	v, ok := j.rightValues[rk]
	return v, ok
}

func (j *joinCore[LK, LV, RK, RV]) dependentsOf(rk RK) []LK {
	set, ok := j.reverse[rk]
	if !ok {
		return nil
	}
	out := make([]LK, 0, len(set))
	for lk := range set {
		out = append(out, lk)
	}
	return out
}

// JoinKind selects which unmatched rows a Join variant includes.
type JoinKind int

const (
	// JoinInner includes only left items with a matching right item.
	JoinInner JoinKind = iota
	// JoinLeft includes every left item, with Optional.None() for the
	// right side when unmatched.
	JoinLeft
	// JoinRight is JoinInner's mirror: every left item still needs a
	// match to appear, but every right item is also surfaced, as an
	// orphan row keyed by its own right key, when nothing currently
	// references it.
	JoinRight
	// JoinFull is JoinLeft plus JoinRight's orphan-right surfacing:
	// every left item appears (matched or not) and every unmatched
	// right item also appears as its own orphan row.
	JoinFull
)

// JoinedKey is the output key for Join: a left-originated row is keyed by
// its left key (HasLeft true), and an unmatched right row surfaced by
// JoinRight/JoinFull is keyed by its right key alone (HasLeft false). A
// right key that gains or loses its last dependent left row transitions
// between these two representations rather than existing as both at once.
type JoinedKey[LK comparable, RK comparable] struct {
	Left    LK
	Right   RK
	HasLeft bool
}

// RightOnlyResultSelector builds the joined row for an orphaned right item
// under JoinRight/JoinFull. Ignored (may be nil) for JoinInner/JoinLeft.
type RightOnlyResultSelector[RK comparable, RV any, JV any] func(rightKey RK, right RV) JV

// Join combines source (left) with other (right) on the foreign key
// produced by fk, emitting one joined row per left item via resultSelector
// (spec §4.8). kind controls which unmatched rows survive: JoinInner drops
// unmatched left rows, JoinLeft keeps them with an absent right,
// JoinRight additionally surfaces unmatched right rows (via
// rightOnlySelector) while still dropping unmatched left rows, and
// JoinFull keeps unmatched left rows and surfaces unmatched right rows.
// rightOnlySelector is only invoked for JoinRight/JoinFull and may be nil
// otherwise. A right-side change updates every left row currently
// referencing that right key, using the reverse index maintained by
// joinCore, without rescanning every left row.
func Join[LK comparable, LV any, RK comparable, RV any, JV any](
	source rc.Observable[rc.ChangeSet[LK, LV]],
	other rc.Observable[rc.ChangeSet[RK, RV]],
	fk ForeignKeySelector[LK, LV, RK],
	resultSelector JoinResultSelector[LK, LV, RK, RV, JV],
	rightOnlySelector RightOnlyResultSelector[RK, RV, JV],
	kind JoinKind,
) rc.Observable[rc.ChangeSet[JoinedKey[LK, RK], JV]] {
	return rc.ObservableFunc[rc.ChangeSet[JoinedKey[LK, RK], JV]](func(observer rc.Observer[rc.ChangeSet[JoinedKey[LK, RK], JV]]) rc.Disposable {
		core := newJoinCore[LK, LV, RK, RV](fk)
		joined := make(map[JoinedKey[LK, RK]]JV)
		surfacesOrphanRight := kind == JoinRight || kind == JoinFull
		requiresLeftMatch := kind == JoinInner || kind == JoinRight

		emitForLeft := func(key LK, out *rc.ChangeSet[JoinedKey[LK, RK], JV]) {
			jk := JoinedKey[LK, RK]{Left: key, HasLeft: true}
			left, haveLeft := core.leftValues[key]
			if !haveLeft {
				if old, had := joined[jk]; had {
					*out = append(*out, rc.NewRemoveChange(jk, old))
					delete(joined, jk)
				}
				return
			}
			rk := core.fk(key, left)
			right, haveRight := core.rightLookup(rk)

			if !haveRight && requiresLeftMatch {
				if old, had := joined[jk]; had {
					*out = append(*out, rc.NewRemoveChange(jk, old))
					delete(joined, jk)
				}
				return
			}

			var rightOpt rc.Optional[RV]
			if haveRight {
				rightOpt = rc.Some(right)
			}
			jv := resultSelector(key, left, rightOpt)
			if old, had := joined[jk]; had {
				*out = append(*out, rc.NewUpdateChange(jk, jv, old))
			} else {
				*out = append(*out, rc.NewAddChange[JoinedKey[LK, RK], JV](jk, jv))
			}
			joined[jk] = jv
		}

		// emitOrphanRight surfaces or retracts rk's standalone orphan row,
		// used only when surfacesOrphanRight is true. A right key with at
		// least one dependent left row is represented entirely through
		// emitForLeft instead, so it never carries an orphan row.
		emitOrphanRight := func(rk RK, out *rc.ChangeSet[JoinedKey[LK, RK], JV]) {
			if !surfacesOrphanRight {
				return
			}
			jk := JoinedKey[LK, RK]{Right: rk, HasLeft: false}
			right, haveRight := core.rightLookup(rk)
			orphaned := haveRight && len(core.dependentsOf(rk)) == 0

			if !orphaned {
				if old, had := joined[jk]; had {
					*out = append(*out, rc.NewRemoveChange(jk, old))
					delete(joined, jk)
				}
				return
			}
			jv := rightOnlySelector(rk, right)
			if old, had := joined[jk]; had {
				*out = append(*out, rc.NewUpdateChange(jk, jv, old))
			} else {
				*out = append(*out, rc.NewAddChange[JoinedKey[LK, RK], JV](jk, jv))
			}
			joined[jk] = jv
		}

		leftDisp := source.Subscribe(rc.NewObserver[rc.ChangeSet[LK, LV]](
			func(cs rc.ChangeSet[LK, LV]) {
				core.mu.Lock()
				out := make(rc.ChangeSet[JoinedKey[LK, RK], JV], 0, len(cs))
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd, rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
						old, hadOld := core.leftValues[c.Key]
						var oldRK RK
						if hadOld {
							oldRK = core.fk(c.Key, old)
						}
						newRK := core.linkLeft(c.Key, c.Current)
						emitForLeft(c.Key, &out)
						if surfacesOrphanRight {
							if hadOld && oldRK != newRK {
								emitOrphanRight(oldRK, &out)
							}
							emitOrphanRight(newRK, &out)
						}
					case rc.ChangeReasonRemove:
						old, hadOld := core.leftValues[c.Key]
						var oldRK RK
						if hadOld {
							oldRK = core.fk(c.Key, old)
						}
						core.unlinkLeft(c.Key)
						emitForLeft(c.Key, &out)
						if surfacesOrphanRight && hadOld {
							emitOrphanRight(oldRK, &out)
						}
					case rc.ChangeReasonMoved:
						// positional only; joined output carries no order here.
					}
				}
				core.mu.Unlock()
				if len(out) > 0 {
					observer.OnNext(out)
				}
			},
			observer.OnError,
			nil,
		))

		rightDisp := other.Subscribe(rc.NewObserver[rc.ChangeSet[RK, RV]](
			func(cs rc.ChangeSet[RK, RV]) {
				core.mu.Lock()
				out := make(rc.ChangeSet[JoinedKey[LK, RK], JV], 0)
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd, rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
						core.rightValues[c.Key] = c.Current
					case rc.ChangeReasonRemove:
						delete(core.rightValues, c.Key)
					}
					for _, lk := range core.dependentsOf(c.Key) {
						emitForLeft(lk, &out)
					}
					emitOrphanRight(c.Key, &out)
				}
				core.mu.Unlock()
				if len(out) > 0 {
					observer.OnNext(out)
				}
			},
			observer.OnError,
			observer.OnComplete,
		))

		return rc.DisposableFunc(func() {
			leftDisp.Dispose()
			rightDisp.Dispose()
		})
	})
}

// ManyResultSelector combines a left item with every right item currently
// matching it, used by JoinMany.
type ManyResultSelector[LK comparable, LV any, RK comparable, RV any, JV any] func(leftKey LK, left LV, matches map[RK]RV) JV

// JoinMany is Join's one-to-many counterpart: rightGroupKey maps each
// right item to the single left key it belongs under, and resultSelector
// receives every currently-matching right row keyed by its own key (spec
// §4.8 "*Many variants" — for example, an order joined against all of its
// line items).
func JoinMany[LK comparable, LV any, RK comparable, RV any, JV any](
	source rc.Observable[rc.ChangeSet[LK, LV]],
	other rc.Observable[rc.ChangeSet[RK, RV]],
	rightGroupKey func(rk RK, rv RV) LK,
	resultSelector ManyResultSelector[LK, LV, RK, RV, JV],
) rc.Observable[rc.ChangeSet[LK, JV]] {
	return rc.ObservableFunc[rc.ChangeSet[LK, JV]](func(observer rc.Observer[rc.ChangeSet[LK, JV]]) rc.Disposable {
		var mu sync.Mutex
		leftValues := make(map[LK]LV)
		rightByGroup := make(map[LK]map[RK]RV)
		joined := make(map[LK]JV)

		recompute := func(lk LK, out *rc.ChangeSet[LK, JV]) {
			left, haveLeft := leftValues[lk]
			if !haveLeft {
				if old, had := joined[lk]; had {
					*out = append(*out, rc.NewRemoveChange(lk, old))
					delete(joined, lk)
				}
				return
			}
			matches := rightByGroup[lk]
			jv := resultSelector(lk, left, matches)
			if old, had := joined[lk]; had {
				*out = append(*out, rc.NewUpdateChange(lk, jv, old))
			} else {
				*out = append(*out, rc.NewAddChange[LK, JV](lk, jv))
			}
			joined[lk] = jv
		}

		leftDisp := source.Subscribe(rc.NewObserver[rc.ChangeSet[LK, LV]](
			func(cs rc.ChangeSet[LK, LV]) {
				mu.Lock()
				out := make(rc.ChangeSet[LK, JV], 0, len(cs))
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd, rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
						leftValues[c.Key] = c.Current
						recompute(c.Key, &out)
					case rc.ChangeReasonRemove:
						delete(leftValues, c.Key)
						recompute(c.Key, &out)
					}
				}
				mu.Unlock()
				if len(out) > 0 {
					observer.OnNext(out)
				}
			},
			observer.OnError,
			nil,
		))

		rightDisp := other.Subscribe(rc.NewObserver[rc.ChangeSet[RK, RV]](
			func(cs rc.ChangeSet[RK, RV]) {
				mu.Lock()
				out := make(rc.ChangeSet[LK, JV], 0)
				touched := make(map[LK]struct{})
				for _, c := range cs {
					switch c.Reason {
					case rc.ChangeReasonAdd, rc.ChangeReasonUpdate, rc.ChangeReasonRefresh:
						lk := rightGroupKey(c.Key, c.Current)
						if set := rightByGroup[lk]; set == nil {
							rightByGroup[lk] = map[RK]RV{c.Key: c.Current}
						} else {
							set[c.Key] = c.Current
						}
						touched[lk] = struct{}{}
					case rc.ChangeReasonRemove:
						lk := rightGroupKey(c.Key, c.Current)
						if set, ok := rightByGroup[lk]; ok {
							delete(set, c.Key)
							if len(set) == 0 {
								delete(rightByGroup, lk)
							}
						}
						touched[lk] = struct{}{}
					}
				}
				for lk := range touched {
					recompute(lk, &out)
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
			leftDisp.Dispose()
			rightDisp.Dispose()
		})
	})
}
