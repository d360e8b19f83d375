package livecache

import (
	"context"
	"sync"
	"time"
)

const defaultDebounceWindow = 100 * time.Millisecond

// flushFuncs are the operations a flush drives, in order. Split out as
// funcs so the pipeline can be exercised without a full engine.
type flushFuncs struct {
	invalidate func(ctx context.Context, scope string)
	refetch    func(ctx context.Context, scope string) (refetched, markedStale int)
	publish    func(Event) int
}

// coordinator collapses bursts of raw change events into one flush per
// scope. Every delivery for a scope lands in that scope's single pending
// batch and pushes its timer back; when the window closes the batch runs
// invalidate, then refetch, then publish. Subscribers therefore observe
// the notification only after reads return post-change data.
//
// Kinds targeting the same entity merge by dominance (delete > update >
// create); the flushed notification carries the last event's entity with
// its merged kind.
type coordinator struct {
	window time.Duration
	fns    flushFuncs
	log    Logger
	hooks  Hooks

	mu      sync.Mutex
	batches map[string]*scopeBatch
	closed  bool
}

type scopeBatch struct {
	timer *time.Timer
	kinds map[EntityRef]EventKind
	last  Event
	count int
}

func newCoordinator(window time.Duration, fns flushFuncs, log Logger, hooks Hooks) *coordinator {
	return &coordinator{
		window:  coalesce(window, defaultDebounceWindow),
		fns:     fns,
		log:     log,
		hooks:   hooks,
		batches: make(map[string]*scopeBatch),
	}
}

// Deliver adds a remote change event to scope's pending batch, starting
// one when none is pending. The scope's window restarts on every delivery;
// there is never more than one pending batch per scope.
func (c *coordinator) Deliver(scope string, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	b, ok := c.batches[scope]
	if !ok {
		b = &scopeBatch{kinds: make(map[EntityRef]EventKind)}
		b.timer = time.AfterFunc(c.window, func() { c.flush(scope) })
		c.batches[scope] = b
	} else {
		b.timer.Reset(c.window)
	}
	if cur, merged := b.kinds[ev.Entity]; !merged || ev.Kind.Dominates(cur) {
		b.kinds[ev.Entity] = ev.Kind
	}
	b.last = ev
	b.count++
}

// A timer that fired while a delivery held the lock flushes right after
// the merge, so nothing delivered before the flush is ever lost.
func (c *coordinator) flush(scope string) {
	c.mu.Lock()
	b, ok := c.batches[scope]
	if ok {
		delete(c.batches, scope)
	}
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return
	}

	ev := b.last
	if k, merged := b.kinds[ev.Entity]; merged {
		ev.Kind = k
	}

	c.hooks.BatchFlushed(scope, b.count)
	c.log.Debug("flushing change batch", Fields{
		"scope":  scope,
		"events": b.count,
		"kind":   ev.Kind.String(),
		"entity": ev.Entity.String(),
	})

	ctx := context.Background()
	c.fns.invalidate(ctx, scope)
	c.fns.refetch(ctx, scope)
	c.fns.publish(ev)
}

// CommitLocal runs the full invalidate, refetch, publish sequence
// immediately for a mutation this process performed. Local mutations skip
// the debounce: their cost is one flush and the actor is waiting. Every
// scope the event mentions is swept, plus the entity's own id for its
// detail entries.
func (c *coordinator) CommitLocal(ctx context.Context, ev Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	seen := make(map[string]struct{}, 4)
	targets := append(ev.Scopes.list(), ev.Entity.ID)
	ran := false
	for _, s := range targets {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		c.fns.invalidate(ctx, s)
		c.fns.refetch(ctx, s)
		ran = true
	}
	if ran {
		c.fns.publish(ev)
	}
}

// CancelScope drops any pending batch for scope. Used on scope teardown so
// a stale flush cannot fire into a scope the session already left.
func (c *coordinator) CancelScope(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.batches[scope]; ok {
		b.timer.Stop()
		delete(c.batches, scope)
	}
}

// PendingScopes reports scopes with an open batch, for tests and
// diagnostics.
func (c *coordinator) PendingScopes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for scope, b := range c.batches {
		b.timer.Stop()
		delete(c.batches, scope)
	}
}
