package reactivecache

// ChangeSetAdapter lets a third party intercept a change-set stream for
// side effects (logging, metrics, persistence hooks) without altering it,
// per spec §6. It is just an Observer specialized to ChangeSet, named
// separately so call sites read as intent rather than plumbing.
type ChangeSetAdapter[K comparable, V any] interface {
	Observer[ChangeSet[K, V]]
}

// BindTarget is the minimal interface an external ordered-list type must
// implement to receive indexed changes from SortAndBind (spec §6: "adapter
// receives indexed changes and applies add/insert/remove/replace/reset").
// Deliberately thin so UI-list adapters, which are out of scope for this
// library, can be written mechanically against it.
type BindTarget[K comparable, V any] interface {
	InsertAt(index int, key K, value V)
	RemoveAt(index int)
	ReplaceAt(index int, key K, value V)
	Reset(items []KeyValuePair[K, V])
}

// BindOptions configures Bind.
type BindOptions struct {
	// InitialCapacity is a capacity hint for the target list. Bind itself
	// does not read it or pass it to the target.
	InitialCapacity int
}

// DefaultBindOptions returns BindOptions with no capacity hint.
func DefaultBindOptions() BindOptions {
	return BindOptions{}
}

// Bind subscribes to a SortedChangeSet stream and applies every emission
// to target: a Reset-reason batch calls target.Reset with the full
// ordering, anything else walks the indexed changes and calls InsertAt,
// RemoveAt, or ReplaceAt as appropriate. It returns the underlying
// subscription's Disposable.
func Bind[K comparable, V any](source Observable[SortedChangeSet[K, V]], target BindTarget[K, V], opts BindOptions) Disposable {
	return source.Subscribe(NewObserver[SortedChangeSet[K, V]](
		func(scs SortedChangeSet[K, V]) {
			if scs.Reason == SortReasonReset {
				target.Reset(scs.SortedItems)
				return
			}
			for _, ch := range scs.Changes {
				switch ch.Reason {
				case ChangeReasonAdd:
					target.InsertAt(ch.CurrentIndex, ch.Key, ch.Current)
				case ChangeReasonRemove:
					target.RemoveAt(ch.PreviousIndex)
				case ChangeReasonUpdate:
					target.ReplaceAt(ch.CurrentIndex, ch.Key, ch.Current)
				case ChangeReasonMoved:
					target.RemoveAt(ch.PreviousIndex)
					target.InsertAt(ch.CurrentIndex, ch.Key, ch.Current)
				case ChangeReasonRefresh:
					target.ReplaceAt(ch.CurrentIndex, ch.Key, ch.Current)
				}
			}
		},
		nil,
		nil,
	))
}
