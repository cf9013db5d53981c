package reactivecache

// EqualityComparer reports whether two values should be considered equal
// for the purposes of suppressing redundant Update changes (used by
// MergeChangeSets and by callers that want AddOrUpdate to no-op on an
// unchanged value).
type EqualityComparer[V any] func(a, b V) bool

// KeySelector derives a key from a value, for building a SourceCache
// directly from a slice of values rather than a pre-keyed map.
type KeySelector[K comparable, V any] func(v V) K

// NewSourceCacheFromSlice builds a SourceCache whose initial contents are
// derived by applying keySelector to every element of values, following
// the "Source cache constructor... with optional key selector V -> K"
// external interface from spec §6.
func NewSourceCacheFromSlice[K comparable, V any](values []V, keySelector KeySelector[K, V]) *SourceCache[K, V] {
	initial := make(map[K]V, len(values))
	for _, v := range values {
		initial[keySelector(v)] = v
	}
	return NewSourceCache[K, V](initial)
}
