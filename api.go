package livecache

import (
	"context"
	"time"

	"github.com/softgrid/livecache/feed"
	"github.com/softgrid/livecache/genstore"
	"github.com/softgrid/livecache/store"
)

// SetCostFunc reports the admission cost of one encoded frame. Stores with
// budgeted capacity (ristretto) weigh entries by it; others ignore it.
type SetCostFunc func(key string, frame []byte) int64

// Actor identifies the signed-in user on whose behalf the engine runs.
type Actor struct {
	ID          string
	DisplayName string
	ColorTag    string
}

// Identity exposes the current actor. Required: revocation checks and
// presence both need to know who "we" are.
type Identity interface {
	CurrentActor() Actor
}

// Navigator moves the UI to a route. The engine calls it exactly once per
// revoked scope, after eviction.
type Navigator interface {
	NavigateTo(path string)
}

// Access is the effective capability an actor holds on a scope.
type Access struct {
	Role string
}

// None reports whether the access grants nothing at all.
func (a Access) None() bool { return a.Role == "" }

// AccessChecker answers the authoritative question "can this actor still
// see this scope". The engine never infers the answer from change payloads.
type AccessChecker interface {
	EffectiveAccess(ctx context.Context, scope, actorID string) (Access, error)
}

// ScopeResolver maps a bare row id back to its containing scopes. Needed
// when a delete notification carries only the primary key.
type ScopeResolver interface {
	ResolveScopes(ctx context.Context, resource Resource, id string) (ScopeIDs, error)
}

// RosterSource lists who is currently present around one focus.
type RosterSource interface {
	Roster(ctx context.Context, focus Focus) ([]PresenceRecord, error)
}

// ReconnectPolicy decides whether and when a failed subscription retries.
// Returning ok=false abandons the subscription in its terminal state.
type ReconnectPolicy interface {
	NextRetry(resource Resource, scope string, attempt int) (time.Duration, bool)
}

// Backoff is a ready-made ReconnectPolicy: delay doubles per attempt from
// Base up to Max. MaxAttempts of 0 retries forever.
type Backoff struct {
	Base        time.Duration // 0 => 500ms
	Max         time.Duration // 0 => 30s
	MaxAttempts int           // 0 => unlimited
}

func (b Backoff) NextRetry(_ Resource, _ string, attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	base := coalesce(b.Base, 500*time.Millisecond)
	max := coalesce(b.Max, 30*time.Second)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max, true
		}
	}
	if d > max {
		d = max
	}
	return d, true
}

// Options wire an Engine. Only Identity is required; every other
// collaborator is optional and its absence disables the matching feature
// (no Feed => no live subscriptions, no Access => no revocation checks,
// no Roster => presence views carry only the local actor).
type Options struct {
	// Required
	Identity Identity

	// Live change feed. Nil disables OpenScope.
	Feed feed.Source

	// Snapshot layer. Nil defaults to the in-process store.
	Store store.Store
	// Generation layer. Nil defaults to an in-process store with
	// background pruning.
	Gens genstore.Store

	Navigator Navigator
	Access    AccessChecker
	Resolver  ScopeResolver
	Roster    RosterSource

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks

	// Retry policy for failed subscriptions. Nil means no retries.
	Reconnect ReconnectPolicy

	DebounceWindow   time.Duration // 0 => 100ms
	SubscribeTimeout time.Duration // 0 => 10s

	// DefaultStaleAfter is the staleness window applied when an Observe
	// call does not set its own. Zero, the default, means every new
	// observation refetches: pushes cannot vouch for windows when nobody
	// was subscribed. Set a short positive window only to absorb rapid
	// unmount/remount churn.
	DefaultStaleAfter time.Duration
	SnapshotTTL       time.Duration // 0 => 10m
	StoreCost         SetCostFunc   // nil => cost 1
	MaxPublishDepth   int           // 0 => 4
	VisiblePresence   int           // 0 => 5
	EvictedPath       string        // "" => "/"
	GenSweepInterval  time.Duration // local gen store only; 0 => 1h
	GenRetention      time.Duration // local gen store only; 0 => 30d
}

// New builds an Engine from opts. The Engine owns whatever defaults it
// creates and closes them with Close; caller-supplied stores are closed
// too, matching the single-owner convention of the rest of the package.
func New(opts Options) (*Engine, error) {
	return newEngine(opts)
}

var _ ReconnectPolicy = Backoff{}
