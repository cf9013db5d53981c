package reactivecache

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by cache, subscription, and operator code.
// Callers should compare against these with errors.Is rather than string
// matching, matching the teacher's errors.go convention.
var (
	// ErrClosed is returned when operating on a cache or subscription that
	// has already been closed.
	ErrClosed = errors.New("reactivecache: closed")

	// ErrKeyNotFound is returned by lookups for a key absent from a cache.
	ErrKeyNotFound = errors.New("reactivecache: key not found")

	// ErrSchedulerStopped is returned when scheduling work against a
	// Scheduler whose underlying clock/loop has been stopped.
	ErrSchedulerStopped = errors.New("reactivecache: scheduler stopped")

	// ErrInvalidChange is the sentinel wrapped by ContractViolationError
	// for malformed Change values (see Change.Validate).
	ErrInvalidChange = errors.New("reactivecache: invalid change")

	// ErrDuplicateChildKey is the sentinel wrapped by ContractViolationError
	// when TransformMany produces two children with the same key.
	ErrDuplicateChildKey = errors.New("reactivecache: duplicate child key")

	// ErrComparerRequired names a key collision across merged sources that
	// no comparer resolves. MergeChangeSets does not return it: with no
	// Comparer or SourceComparer configured, the lowest-indexed source
	// publishing the key wins.
	ErrComparerRequired = errors.New("reactivecache: key collision requires a comparer")
)

// ContractViolationError represents a programmer error per spec §7: a
// malformed Change, a negative Move index, a duplicate TransformMany child
// key, and similar conditions that are never recoverable by the stream and
// must fail fast rather than silently degrade.
type ContractViolationError struct {
	Kind   string
	Detail string
}

func newContractViolation(kind, detail string) *ContractViolationError {
	return &ContractViolationError{Kind: kind, Detail: detail}
}

// Error implements the error interface.
func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("reactivecache: contract violation (%s): %s", e.Kind, e.Detail)
}

// Is reports whether target is the sentinel this violation wraps, allowing
// callers to write errors.Is(err, reactivecache.ErrInvalidChange) without
// caring about the specific Kind.
func (e *ContractViolationError) Is(target error) bool {
	switch e.Kind {
	case "invalid-add", "invalid-update", "invalid-move", "invalid-reason":
		return target == ErrInvalidChange
	case "duplicate-child-key":
		return target == ErrDuplicateChildKey
	default:
		return false
	}
}

// NewDuplicateChildKeyError builds the contract violation TransformMany
// raises when two parents produce children sharing a key.
func NewDuplicateChildKeyError[K comparable](childKey K) *ContractViolationError {
	return newContractViolation("duplicate-child-key", fmt.Sprintf("child key %v already produced by another parent", childKey))
}
