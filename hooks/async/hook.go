// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/softgrid/livecache"
//	"github.com/softgrid/livecache/hooks/async"
//	"github.com/softgrid/livecache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery: 10, // sample logs: ~every 10th self-heal
//	    LaggedEvery:   1,  // log every lagged watcher
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	engine, _ := livecache.New(livecache.Options{
//	    Identity: session,
//	    Feed:     feedSource,
//	    Hooks:    hooks, // or `raw` if you don't want async
//	})
//
// The engine calls hooks on hot paths; this wrapper hands them to worker
// goroutines and drops events when the queue is full, so a slow hook sink
// never stalls a read or a flush.
package asynchook

import (
	"sync"

	"github.com/softgrid/livecache"
)

type Hooks struct {
	inner livecache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ livecache.Hooks = (*Hooks)(nil)

func New(inner livecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHeal(k, r string)             { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) StoreSetRejected(k string)        { h.try(func() { h.inner.StoreSetRejected(k) }) }
func (h *Hooks) GenBumpError(k string, err error) { h.try(func() { h.inner.GenBumpError(k, err) }) }
func (h *Hooks) WatcherLagged(k string)           { h.try(func() { h.inner.WatcherLagged(k) }) }

func (h *Hooks) StoreError(op, k string, err error) {
	h.try(func() { h.inner.StoreError(op, k, err) })
}

func (h *Hooks) GenSnapshotError(k string, err error) {
	h.try(func() { h.inner.GenSnapshotError(k, err) })
}

func (h *Hooks) EvictOutage(k string, be, de error) {
	h.try(func() { h.inner.EvictOutage(k, be, de) })
}

func (h *Hooks) BatchFlushed(scope string, events int) {
	h.try(func() { h.inner.BatchFlushed(scope, events) })
}

func (h *Hooks) RefetchFanout(scope string, refetched, staleMarked int) {
	h.try(func() { h.inner.RefetchFanout(scope, refetched, staleMarked) })
}

func (h *Hooks) PublishDepthExceeded(kind livecache.EventKind, entity livecache.EntityKind, depth int) {
	h.try(func() { h.inner.PublishDepthExceeded(kind, entity, depth) })
}

func (h *Hooks) SubscriptionState(res livecache.Resource, scope string, from, to livecache.SubState) {
	h.try(func() { h.inner.SubscriptionState(res, scope, from, to) })
}

func (h *Hooks) StaleEventDropped(res livecache.Resource, scope string) {
	h.try(func() { h.inner.StaleEventDropped(res, scope) })
}

func (h *Hooks) AccessRecheck(scope string, lost bool) {
	h.try(func() { h.inner.AccessRecheck(scope, lost) })
}
