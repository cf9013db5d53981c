package reactivecache

import "sync"

// Observer receives values pushed by an Observable until OnError or
// OnComplete is called, after which no further calls are made. This is
// the minimal push-based stream primitive described in spec §9: the
// library needs subscribe/on-next/on-error/on-complete and nothing more
// elaborate than publish, synchronize, defer, and buffering on top of it.
type Observer[T any] interface {
	OnNext(value T)
	OnError(err error)
	OnComplete()
}

// Disposable releases a subscription's resources. Disposing more than
// once is safe and only the first call has an effect.
type Disposable interface {
	Dispose()
}

// Observable is anything that can be subscribed to.
type Observable[T any] interface {
	Subscribe(observer Observer[T]) Disposable
}

// funcObserver adapts three plain functions to the Observer interface. A
// nil field is treated as a no-op, so callers may supply only the
// callbacks they care about.
type funcObserver[T any] struct {
	onNext     func(T)
	onError    func(error)
	onComplete func()
}

// NewObserver builds an Observer from individual callback functions. Any
// of them may be nil.
func NewObserver[T any](onNext func(T), onError func(error), onComplete func()) Observer[T] {
	return &funcObserver[T]{onNext: onNext, onError: onError, onComplete: onComplete}
}

func (f *funcObserver[T]) OnNext(v T) {
	if f.onNext != nil {
		f.onNext(v)
	}
}

func (f *funcObserver[T]) OnError(err error) {
	if f.onError != nil {
		f.onError(err)
	}
}

func (f *funcObserver[T]) OnComplete() {
	if f.onComplete != nil {
		f.onComplete()
	}
}

type disposerFunc func()

func (d disposerFunc) Dispose() {
	d()
}

// DisposableFunc adapts a plain function to Disposable.
func DisposableFunc(f func()) Disposable {
	return disposerFunc(f)
}

// publisher is the internal fan-out primitive behind Connect/Preview/Watch:
// a set of subscribers that receive every value emitted, isolated from
// each other so a panicking or misbehaving observer does not affect its
// peers (spec §4.3 "errors are isolated").
type publisher[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	observers map[uint64]Observer[T]
	done      bool
	doneErr   error
}

func newPublisher[T any]() *publisher[T] {
	return &publisher[T]{observers: make(map[uint64]Observer[T])}
}

// Subscribe registers observer and returns a Disposable that removes it.
// If the publisher has already completed or errored, the observer is
// immediately notified and a no-op Disposable is returned.
func (p *publisher[T]) Subscribe(observer Observer[T]) Disposable {
	p.mu.Lock()
	if p.done {
		err := p.doneErr
		p.mu.Unlock()
		if err != nil {
			observer.OnError(err)
		} else {
			observer.OnComplete()
		}
		return DisposableFunc(func() {})
	}

	id := p.nextID
	p.nextID++
	p.observers[id] = observer
	p.mu.Unlock()

	return DisposableFunc(func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	})
}

// Publish delivers value to every currently subscribed observer. Observers
// are snapshotted under the lock and invoked outside it so a subscriber
// that subscribes/unsubscribes from within OnNext cannot deadlock.
func (p *publisher[T]) Publish(value T) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	snapshot := make([]Observer[T], 0, len(p.observers))
	for _, o := range p.observers {
		snapshot = append(snapshot, o)
	}
	p.mu.Unlock()

	for _, o := range snapshot {
		safeOnNext(o, value)
	}
}

// Error completes the publisher with an error: every current and future
// subscriber receives OnError exactly once.
func (p *publisher[T]) Error(err error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.doneErr = err
	snapshot := make([]Observer[T], 0, len(p.observers))
	for _, o := range p.observers {
		snapshot = append(snapshot, o)
	}
	p.observers = map[uint64]Observer[T]{}
	p.mu.Unlock()

	for _, o := range snapshot {
		o.OnError(err)
	}
}

// Complete signals normal completion to every current and future subscriber.
func (p *publisher[T]) Complete() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	snapshot := make([]Observer[T], 0, len(p.observers))
	for _, o := range p.observers {
		snapshot = append(snapshot, o)
	}
	p.observers = map[uint64]Observer[T]{}
	p.mu.Unlock()

	for _, o := range snapshot {
		o.OnComplete()
	}
}

// safeOnNext isolates one observer's panic from its peers and from the
// publisher loop, matching spec §4.3 ("A subscriber that throws during
// on_next does not affect peers").
func safeOnNext[T any](o Observer[T], v T) {
	defer func() {
		_ = recover()
	}()
	o.OnNext(v)
}
