package livecache

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations issued after Engine.Close.
	ErrClosed = errors.New("livecache: engine closed")

	// ErrNoFeed is returned by OpenScope when no change feed was configured.
	ErrNoFeed = errors.New("livecache: no change feed configured")

	// ErrNoIdentity is returned by New when Options.Identity is missing.
	ErrNoIdentity = errors.New("livecache: identity provider is required")

	// ErrBadKey is returned when a serialized cache key cannot be parsed.
	ErrBadKey = errors.New("livecache: malformed cache key")

	// ErrSubscriptionExists is returned by OpenScope for a scope that is
	// already open.
	ErrSubscriptionExists = errors.New("livecache: scope already open")

	// ErrNotScope is returned by OpenScope for an entity kind that does not
	// own a subscription scope (only projects and libraries do).
	ErrNotScope = errors.New("livecache: entity kind does not own a scope")
)

// EvictError reports a partial failure while removing a cache entry.
// The generation bump and the store delete are independent operations;
// the entry is only considered reachable again if BOTH failed, so callers
// receive this error only in that case. Use errors.Is/As to inspect causes.
type EvictError struct {
	Key      string
	GenErr   error
	StoreErr error
}

func (e *EvictError) Error() string {
	switch {
	case e.GenErr != nil && e.StoreErr != nil:
		return fmt.Sprintf("evict %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.GenErr, e.StoreErr)
	case e.GenErr != nil:
		return fmt.Sprintf("evict %q: gen bump failed: %v", e.Key, e.GenErr)
	case e.StoreErr != nil:
		return fmt.Sprintf("evict %q: delete failed: %v", e.Key, e.StoreErr)
	default:
		return fmt.Sprintf("evict %q: unknown error", e.Key)
	}
}

func (e *EvictError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.GenErr != nil {
		errs = append(errs, e.GenErr)
	}
	if e.StoreErr != nil {
		errs = append(errs, e.StoreErr)
	}
	return errs
}
