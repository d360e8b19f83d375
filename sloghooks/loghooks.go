// Package sloghooks logs engine hook events through log/slog, with
// sampling for the flood-prone ones and key redaction for the rest.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/softgrid/livecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery  uint64
	LaggedEvery    uint64
	StaleDropEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix. Scope ids are
	// logged as-is; cache keys may embed caller data.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr  atomic.Uint64
	laggedCtr    atomic.Uint64
	staleDropCtr atomic.Uint64
}

var _ livecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("livecache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StoreSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.store_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) StoreError(op, storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.store_error",
		"op", op,
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) GenSnapshotError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.gen_snapshot_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) GenBumpError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.gen_bump_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) EvictOutage(key string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("livecache.evict_outage",
		"key", h.redact(key),
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) BatchFlushed(scope string, events int) {
	if h.l == nil {
		return
	}
	h.l.Debug("livecache.batch_flushed",
		"scope", scope,
		"events", events)
}

func (h *Hooks) RefetchFanout(scope string, refetched, staleMarked int) {
	if h.l == nil {
		return
	}
	h.l.Debug("livecache.refetch_fanout",
		"scope", scope,
		"refetched", refetched,
		"stale_marked", staleMarked)
}

func (h *Hooks) PublishDepthExceeded(kind livecache.EventKind, entity livecache.EntityKind, depth int) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.publish_depth_exceeded",
		"kind", kind.String(),
		"entity", entity.String(),
		"depth", depth)
}

func (h *Hooks) WatcherLagged(key string) {
	if h.l == nil || !sample(h.opts.LaggedEvery, &h.laggedCtr) {
		return
	}
	h.l.Debug("livecache.watcher_lagged",
		"key", h.redact(key))
}

func (h *Hooks) SubscriptionState(resource livecache.Resource, scope string, from, to livecache.SubState) {
	if h.l == nil {
		return
	}
	h.l.Info("livecache.subscription_state",
		"resource", string(resource),
		"scope", scope,
		"from", from.String(),
		"to", to.String())
}

func (h *Hooks) StaleEventDropped(resource livecache.Resource, scope string) {
	if h.l == nil || !sample(h.opts.StaleDropEvery, &h.staleDropCtr) {
		return
	}
	h.l.Debug("livecache.stale_event_dropped",
		"resource", string(resource),
		"scope", scope)
}

func (h *Hooks) AccessRecheck(scope string, lost bool) {
	if h.l == nil {
		return
	}
	if lost {
		h.l.Warn("livecache.access_lost", "scope", scope)
		return
	}
	h.l.Debug("livecache.access_confirmed", "scope", scope)
}
