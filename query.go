package livecache

import (
	"context"
	"sync"
	"time"
)

// ObserveOptions tunes one observation of a query.
type ObserveOptions struct {
	// StaleAfter is how long after the last successful fetch a new
	// observation may reuse the stored value without refetching. Zero (the
	// default) makes every new observation refetch, because push coverage
	// cannot vouch for windows when nobody was subscribed; negative values
	// refetch too. A short positive window absorbs rapid unmount/remount
	// churn.
	StaleAfter time.Duration
}

// Watch is one observer's live handle on a query. Updates carries values
// pushed by refetches; the channel holds the latest undelivered value
// (capacity one, newest wins). Done closes when the watch ends, either by
// Close or because the query's scope was evicted.
type Watch struct {
	qc   *queryCache
	q    *observedQuery
	ch   chan any
	done chan struct{}
	once sync.Once
}

func (w *Watch) Updates() <-chan any   { return w.ch }
func (w *Watch) Done() <-chan struct{} { return w.done }

// Key reports which query this watch observes.
func (w *Watch) Key() Key { return w.q.key }

func (w *Watch) Close() { w.close(true) }

func (w *Watch) close(detach bool) {
	w.once.Do(func() {
		if detach {
			w.qc.detach(w)
		}
		close(w.done)
	})
}

// observedQuery is the registration of one key with its producer. The
// record outlives its watchers: a query with no observers left is only
// marked stale by later invalidations and refetched when observed again.
type observedQuery struct {
	key        Key
	vc         valueCodec
	produce    producer
	staleAfter time.Duration

	lastFetch time.Time
	stale     bool
	watchers  []*Watch
}

// queryCache binds observers to keys on top of the request layer. It
// decides, per observation, between serving the stored value inside the
// staleness window and refetching; and it fans refetched values out to
// watchers after a scope invalidation.
type queryCache struct {
	dedup *dedupCache
	log   Logger
	hooks Hooks
	now   func() time.Time

	mu      sync.Mutex
	queries map[string]*observedQuery
}

func newQueryCache(dedup *dedupCache, log Logger, hooks Hooks) *queryCache {
	return &queryCache{
		dedup:   dedup,
		log:     log,
		hooks:   hooks,
		now:     time.Now,
		queries: make(map[string]*observedQuery),
	}
}

// Observe registers a watcher for key and returns the current value. The
// producer and options stick to the query record, replacing whatever an
// earlier observation registered.
func (c *queryCache) Observe(ctx context.Context, key Key, vc valueCodec, produce producer, opts ObserveOptions) (any, *Watch, error) {
	sk := key.String()

	c.mu.Lock()
	q, ok := c.queries[sk]
	if !ok {
		q = &observedQuery{key: key}
		c.queries[sk] = q
	}
	q.vc = vc
	q.produce = produce
	q.staleAfter = opts.StaleAfter

	w := &Watch{qc: c, q: q, ch: make(chan any, 1), done: make(chan struct{})}
	q.watchers = append(q.watchers, w)

	inWindow := !q.stale && q.staleAfter > 0 &&
		!q.lastFetch.IsZero() && c.now().Sub(q.lastFetch) < q.staleAfter
	c.mu.Unlock()

	if inWindow {
		if v, ok := c.dedup.Peek(ctx, key, vc); ok {
			return v, w, nil
		}
		// entry fell out of the store; window no longer vouches for anything
	}

	v, err := c.dedup.Refresh(ctx, key, vc, produce)
	if err != nil {
		w.Close()
		return nil, nil, err
	}
	c.finishFetch(q, v)
	return v, w, nil
}

// MarkStale flags the query for key so the next observation refetches even
// inside its staleness window.
func (c *queryCache) MarkStale(key Key) {
	c.mu.Lock()
	if q, ok := c.queries[key.String()]; ok {
		q.stale = true
	}
	c.mu.Unlock()
}

// RefetchActive refetches every query under scope that has at least one
// watcher and pushes the new values to them. Queries without watchers are
// only marked stale; they refetch lazily on their next observation.
func (c *queryCache) RefetchActive(ctx context.Context, scope string) (refetched, markedStale int) {
	c.mu.Lock()
	var active []*observedQuery
	for _, q := range c.queries {
		if !q.key.InScope(scope) {
			continue
		}
		if len(q.watchers) > 0 {
			active = append(active, q)
		} else {
			q.stale = true
			markedStale++
		}
	}
	c.mu.Unlock()

	for _, q := range active {
		v, err := c.dedup.Refresh(ctx, q.key, q.vc, q.produce)
		if err != nil {
			c.log.Warn("refetch failed; query left stale", Fields{
				"key": q.key.String(),
				"err": err,
			})
			c.mu.Lock()
			q.stale = true
			c.mu.Unlock()
			markedStale++
			continue
		}
		c.finishFetch(q, v)
		refetched++
	}

	c.hooks.RefetchFanout(scope, refetched, markedStale)
	return refetched, markedStale
}

// EvictScope drops every query record under scope and ends its watchers.
func (c *queryCache) EvictScope(scope string) int {
	c.mu.Lock()
	var ended []*Watch
	removed := 0
	for sk, q := range c.queries {
		if !q.key.InScope(scope) {
			continue
		}
		ended = append(ended, q.watchers...)
		q.watchers = nil
		delete(c.queries, sk)
		removed++
	}
	c.mu.Unlock()

	for _, w := range ended {
		w.close(false)
	}
	return removed
}

func (c *queryCache) finishFetch(q *observedQuery, v any) {
	c.mu.Lock()
	q.lastFetch = c.now()
	q.stale = false
	ws := append([]*Watch(nil), q.watchers...)
	c.mu.Unlock()

	for _, w := range ws {
		c.deliver(q, w, v)
	}
}

// deliver hands v to one watcher without blocking. The channel keeps only
// the newest undelivered value; replacing an older one is reported as lag.
func (c *queryCache) deliver(q *observedQuery, w *Watch, v any) {
	select {
	case w.ch <- v:
		return
	default:
	}
	select {
	case <-w.ch:
		c.hooks.WatcherLagged(q.key.String())
	default:
	}
	select {
	case w.ch <- v:
	default:
	}
}

func (c *queryCache) detach(w *Watch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := w.q.watchers
	for i, cand := range ws {
		if cand == w {
			w.q.watchers = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// watcherCount reports live watchers for key, for tests and diagnostics.
func (c *queryCache) watcherCount(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queries[key.String()]; ok {
		return len(q.watchers)
	}
	return 0
}
