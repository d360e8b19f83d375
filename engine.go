package livecache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/softgrid/livecache/genstore"
	"github.com/softgrid/livecache/store"
)

// scopeSubscriptions lists the feed resources a scope kind listens to.
// Folders live inside their project's channels, so only projects and
// libraries own scopes.
var scopeSubscriptions = map[EntityKind][]Resource{
	EntityProject: {
		ResourceProject,
		ResourceFolder,
		ResourceLibrary,
		ResourceCollaborator,
		ResourceSchemaProperty,
	},
	EntityLibrary: {
		ResourceAsset,
	},
}

// Engine is the front door. One instance owns the two cache layers, the
// change-feed subscriptions, the debounce pipeline that turns raw changes
// into invalidate-refetch-notify flushes, the notification bus, access
// revocation, and presence. Typed reads go through a Collection bound to
// the engine.
type Engine struct {
	log   Logger
	hooks Hooks

	identity Identity
	roster   RosterSource

	dedup   *dedupCache
	query   *queryCache
	bus     *Bus
	coord   *coordinator
	subs    *subManager
	monitor *revocationMonitor

	staleAfter time.Duration
	visible    int

	mu     sync.Mutex
	scopes map[string]*scopeSession
	closed bool
}

// scopeSession tracks what one OpenScope set up, so CloseScope can take
// exactly that down again.
type scopeSession struct {
	ref  EntityRef
	subs []*Subscription
}

func newEngine(opts Options) (*Engine, error) {
	if opts.Identity == nil {
		return nil, ErrNoIdentity
	}

	var log Logger = opts.Logger
	if log == nil {
		log = NopLogger{}
	}
	var hooks Hooks = opts.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}

	st := opts.Store
	if st == nil {
		st = store.NewMemory()
	}
	gens := opts.Gens
	if gens == nil {
		gens = genstore.NewLocal(
			coalesce(opts.GenSweepInterval, time.Hour),
			coalesce(opts.GenRetention, 30*24*time.Hour),
		)
	}
	cost := opts.StoreCost
	if cost == nil {
		cost = func(string, []byte) int64 { return 1 }
	}

	e := &Engine{
		log:        log,
		hooks:      hooks,
		identity:   opts.Identity,
		roster:     opts.Roster,
		staleAfter: opts.DefaultStaleAfter,
		visible:    coalesce(opts.VisiblePresence, defaultVisiblePresence),
		scopes:     make(map[string]*scopeSession),
	}

	e.dedup = newDedupCache(st, gens, log, hooks, cost, coalesce(opts.SnapshotTTL, 10*time.Minute))
	e.query = newQueryCache(e.dedup, log, hooks)
	e.bus = NewBus(BusOptions{Logger: log, Hooks: hooks, MaxPublishDepth: opts.MaxPublishDepth})
	e.coord = newCoordinator(opts.DebounceWindow, flushFuncs{
		invalidate: e.invalidateScope,
		refetch:    e.query.RefetchActive,
		publish:    e.bus.Publish,
	}, log, hooks)
	e.monitor = newRevocationMonitor(opts.Access, opts.Identity, opts.Navigator, e.evictScope, opts.EvictedPath, log, hooks)
	e.subs = newSubManager(opts.Feed, opts.Resolver, opts.Reconnect, log, hooks, opts.SubscribeTimeout, managerSinks{
		deliver: e.coord.Deliver,
		recheck: e.monitor.Recheck,
	})

	return e, nil
}

// OpenScope starts a live session on ref's scope: it registers the scope
// for access monitoring and subscribes to every feed channel the scope
// kind listens to. A channel that fails to dial stays registered in its
// failure state and revives per the ReconnectPolicy; those failures are
// reported in the joined error but do not abort the open. The scope is
// open either way and must be closed with CloseScope.
func (e *Engine) OpenScope(ctx context.Context, ref EntityRef) error {
	resources, ok := scopeSubscriptions[ref.Kind]
	if !ok {
		return ErrNotScope
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, dup := e.scopes[ref.ID]; dup {
		e.mu.Unlock()
		return ErrSubscriptionExists
	}
	sess := &scopeSession{ref: ref}
	e.scopes[ref.ID] = sess
	e.mu.Unlock()

	e.monitor.Watch(ref.ID, ref)

	var errs []error
	for _, r := range resources {
		sub, err := e.subs.Activate(ctx, r, ref.ID)
		if sub == nil {
			// nothing registered: no feed, or the engine closed under us
			e.teardownScope(ctx, ref.ID, sess, false)
			return err
		}
		sess.subs = append(sess.subs, sub)
		if err != nil {
			errs = append(errs, err)
		}
	}

	// A CloseScope racing this open may have missed channels activated
	// after it ran; if the session is gone, finish its teardown here.
	e.mu.Lock()
	current := e.scopes[ref.ID] == sess
	e.mu.Unlock()
	if !current {
		e.teardownScope(ctx, ref.ID, sess, false)
		return ErrClosed
	}

	e.log.Info("scope opened", Fields{
		"scope":    ref.ID,
		"kind":     ref.Kind.String(),
		"channels": len(sess.subs),
	})
	return errors.Join(errs...)
}

// CloseScope ends the session on scope: deactivates its subscriptions,
// drops its pending flush, stops access monitoring and silently evicts
// its entries from both cache layers. Closing a scope that is not open is
// a no-op.
func (e *Engine) CloseScope(ctx context.Context, scope string) {
	e.mu.Lock()
	sess, ok := e.scopes[scope]
	if ok {
		delete(e.scopes, scope)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.teardownScope(ctx, scope, sess, true)
	e.log.Info("scope closed", Fields{"scope": scope})
}

// teardownScope undoes an OpenScope. evict controls whether cached entries
// are dropped; a rollback of a failed open has nothing cached yet.
func (e *Engine) teardownScope(ctx context.Context, scope string, sess *scopeSession, evict bool) {
	for _, sub := range sess.subs {
		e.subs.Deactivate(sub.Resource, sub.Scope)
	}
	e.coord.CancelScope(scope)
	e.monitor.Unwatch(scope)

	e.mu.Lock()
	delete(e.scopes, scope)
	e.mu.Unlock()

	if !evict {
		return
	}
	if _, err := e.dedup.EvictScope(ctx, scope); err != nil {
		e.log.Error("scope eviction incomplete", Fields{"scope": scope, "err": err})
	}
	e.query.EvictScope(scope)
}

// CommitLocal applies a mutation this client just performed: caches under
// every affected scope are invalidated and refetched immediately, then the
// event is published once. No debounce; the actor is waiting.
func (e *Engine) CommitLocal(ctx context.Context, ev Event) {
	e.coord.CommitLocal(ctx, ev)
}

// Subscribe registers fn for events matching pred (nil matches all).
// Handlers run synchronously on the publishing goroutine, in subscription
// order. The returned function removes the subscription.
func (e *Engine) Subscribe(pred EventPredicate, fn EventHandler) func() {
	return e.bus.Subscribe(pred, fn)
}

// Publish delivers ev to matching subscribers and reports how many ran.
func (e *Engine) Publish(ev Event) int {
	return e.bus.Publish(ev)
}

// Invalidate drops one cache entry. The next read refetches.
func (e *Engine) Invalidate(ctx context.Context, key Key) error {
	return e.dedup.Invalidate(ctx, key)
}

// MarkStale flags an observed query so its next Observe refetches even
// inside the staleness window.
func (e *Engine) MarkStale(key Key) {
	e.query.MarkStale(key)
}

// SubscriptionState reports the state of one feed channel, if registered.
func (e *Engine) SubscriptionState(resource Resource, scope string) (SubState, bool) {
	return e.subs.StateOf(resource, scope)
}

// ObservePresence builds the rendered presence view around focus: the
// remote roster filtered to the focus, merged with the local actor, ordered
// and split into the visible prefix and overflow.
func (e *Engine) ObservePresence(ctx context.Context, focus Focus, opts PresenceOptions) (PresenceView, error) {
	var remote []PresenceRecord
	if e.roster != nil {
		recs, err := e.roster.Roster(ctx, focus)
		if err != nil {
			return PresenceView{}, err
		}
		remote = recs
	}

	a := e.identity.CurrentActor()
	self := PresenceRecord{
		ActorID:     a.ID,
		DisplayName: a.DisplayName,
		ColorTag:    a.ColorTag,
		Status:      StatusOnline,
	}
	return MergeRoster(remote, self, focus, time.Now(), coalesce(opts.VisibleLimit, e.visible)), nil
}

// invalidateScope is the flush pipeline's first stage.
func (e *Engine) invalidateScope(ctx context.Context, scope string) {
	n, err := e.dedup.InvalidateScope(ctx, scope)
	if err != nil {
		e.log.Error("scope invalidation incomplete", Fields{"scope": scope, "err": err})
	}
	e.log.Debug("scope invalidated", Fields{"scope": scope, "keys": n})
}

// evictScope is the revocation monitor's eviction sink: both layers drop
// the scope, then one deletion event tells the UI the subtree is gone.
func (e *Engine) evictScope(ctx context.Context, scope string, ref EntityRef) {
	if _, err := e.dedup.EvictScope(ctx, scope); err != nil {
		e.log.Error("revoked scope eviction incomplete", Fields{"scope": scope, "err": err})
	}
	e.query.EvictScope(scope)
	e.bus.Publish(Event{Kind: KindDeleted, Entity: ref, Scopes: ownScopes(ref)})
}

func ownScopes(ref EntityRef) ScopeIDs {
	switch ref.Kind {
	case EntityProject:
		return ScopeIDs{Project: ref.ID}
	case EntityFolder:
		return ScopeIDs{Folder: ref.ID}
	case EntityLibrary:
		return ScopeIDs{Library: ref.ID}
	default:
		return ScopeIDs{}
	}
}

// Close shuts the engine down in dependency order: the feed first so no
// new changes enter, then the pending flush timers, then in-flight access
// rechecks, and finally the storage layers. Close never runs handlers or
// evictions for the scopes still open; it just stops the machinery.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.scopes = make(map[string]*scopeSession)
	e.mu.Unlock()

	var errs []error
	if err := e.subs.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	e.coord.Close()
	e.monitor.Close()
	if err := e.dedup.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
