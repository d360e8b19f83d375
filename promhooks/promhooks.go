// Package promhooks exports engine hook events as Prometheus counters.
// Wire it into livecache.Options.Hooks, optionally behind hooks/async.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/softgrid/livecache"
)

type Hooks struct {
	selfHeals      *prometheus.CounterVec
	setRejected    prometheus.Counter
	storeErrors    *prometheus.CounterVec
	genErrors      *prometheus.CounterVec
	evictOutages   prometheus.Counter
	batchesFlushed prometheus.Counter
	batchedEvents  prometheus.Counter
	fanout         *prometheus.CounterVec
	publishDropped *prometheus.CounterVec
	watcherLagged  prometheus.Counter
	subStates      *prometheus.CounterVec
	staleDropped   *prometheus.CounterVec
	rechecks       *prometheus.CounterVec
}

var _ livecache.Hooks = (*Hooks)(nil)

// New registers the livecache metric family on reg. A nil reg uses the
// default registerer. Registering twice on one registry panics, the usual
// promauto contract; hold on to the instance.
func New(reg prometheus.Registerer) *Hooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Hooks{
		selfHeals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecache_self_heals_total",
			Help: "Cache entries deleted on read because they were corrupt, stale or undecodable.",
		}, []string{"reason"}),
		setRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "livecache_store_set_rejected_total",
			Help: "Snapshot writes the store refused under pressure.",
		}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecache_store_errors_total",
			Help: "Store operations that failed and degraded to a miss.",
		}, []string{"op"}),
		genErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecache_gen_errors_total",
			Help: "Generation store failures by operation.",
		}, []string{"op"}),
		evictOutages: f.NewCounter(prometheus.CounterOpts{
			Name: "livecache_evict_outages_total",
			Help: "Evictions where both the generation bump and the delete failed.",
		}),
		batchesFlushed: f.NewCounter(prometheus.CounterOpts{
			Name: "livecache_batches_flushed_total",
			Help: "Debounce windows that closed and flushed.",
		}),
		batchedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "livecache_batched_events_total",
			Help: "Raw change events collapsed into flushes.",
		}),
		fanout: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecache_refetch_fanout_queries_total",
			Help: "Observed queries touched by scope flushes, by outcome.",
		}, []string{"outcome"}),
		publishDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecache_publishes_dropped_total",
			Help: "Event publishes dropped at the re-entrancy depth limit.",
		}, []string{"kind", "entity"}),
		watcherLagged: f.NewCounter(prometheus.CounterOpts{
			Name: "livecache_watchers_lagged_total",
			Help: "Watcher updates superseded before the consumer received them.",
		}),
		subStates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecache_subscription_transitions_total",
			Help: "Subscription lifecycle transitions by resource and target state.",
		}, []string{"resource", "to"}),
		staleDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecache_stale_events_dropped_total",
			Help: "Changes dropped because their subscription was superseded.",
		}, []string{"resource"}),
		rechecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecache_access_rechecks_total",
			Help: "Authoritative access re-checks by result.",
		}, []string{"result"}),
	}
}

func (h *Hooks) SelfHeal(_, reason string) {
	h.selfHeals.WithLabelValues(reason).Inc()
}

func (h *Hooks) StoreSetRejected(string) {
	h.setRejected.Inc()
}

func (h *Hooks) StoreError(op, _ string, _ error) {
	h.storeErrors.WithLabelValues(op).Inc()
}

func (h *Hooks) GenSnapshotError(string, error) {
	h.genErrors.WithLabelValues("snapshot").Inc()
}

func (h *Hooks) GenBumpError(string, error) {
	h.genErrors.WithLabelValues("bump").Inc()
}

func (h *Hooks) EvictOutage(string, error, error) {
	h.evictOutages.Inc()
}

func (h *Hooks) BatchFlushed(_ string, events int) {
	h.batchesFlushed.Inc()
	h.batchedEvents.Add(float64(events))
}

func (h *Hooks) RefetchFanout(_ string, refetched, staleMarked int) {
	h.fanout.WithLabelValues("refetched").Add(float64(refetched))
	h.fanout.WithLabelValues("stale_marked").Add(float64(staleMarked))
}

func (h *Hooks) PublishDepthExceeded(kind livecache.EventKind, entity livecache.EntityKind, _ int) {
	h.publishDropped.WithLabelValues(kind.String(), entity.String()).Inc()
}

func (h *Hooks) WatcherLagged(string) {
	h.watcherLagged.Inc()
}

func (h *Hooks) SubscriptionState(resource livecache.Resource, _ string, _, to livecache.SubState) {
	h.subStates.WithLabelValues(string(resource), to.String()).Inc()
}

func (h *Hooks) StaleEventDropped(resource livecache.Resource, _ string) {
	h.staleDropped.WithLabelValues(string(resource)).Inc()
}

func (h *Hooks) AccessRecheck(_ string, lost bool) {
	if lost {
		h.rechecks.WithLabelValues("lost").Inc()
		return
	}
	h.rechecks.WithLabelValues("kept").Inc()
}
