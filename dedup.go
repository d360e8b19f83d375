package livecache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/softgrid/livecache/genstore"
	"github.com/softgrid/livecache/internal/wire"
	"github.com/softgrid/livecache/store"
)

// producer fetches the authoritative value for one key.
type producer func(ctx context.Context) (any, error)

// valueCodec is the type-erased encode/decode pair a Collection binds to
// the keys it reads.
type valueCodec struct {
	encode func(any) ([]byte, error)
	decode func([]byte) (any, error)
}

// dedupCache is the request layer. Concurrent fetches of one key collapse
// into a single producer run; completed values are framed with the
// generation observed before the producer ran and written to the store
// compare-and-swap style, so a value that raced an invalidation is never
// installed. Reads validate the stored generation and delete anything
// stale or corrupt (self-heal).
//
// A key has three observable states: a live flight (pending), a stored
// frame whose generation is current (fresh), and everything else (empty).
// Producer failures leave the key empty; nothing negative is cached.
type dedupCache struct {
	store store.Store
	gens  genstore.Store
	log   Logger
	hooks Hooks

	cost SetCostFunc
	ttl  time.Duration

	flight singleflight.Group

	mu    sync.Mutex
	index map[string]Key // storage key -> parsed key, for scope sweeps
}

func newDedupCache(st store.Store, gens genstore.Store, log Logger, hooks Hooks, cost SetCostFunc, ttl time.Duration) *dedupCache {
	return &dedupCache{
		store: st,
		gens:  gens,
		log:   log,
		hooks: hooks,
		cost:  cost,
		ttl:   ttl,
		index: make(map[string]Key),
	}
}

// Fetch returns the fresh stored value if present, otherwise joins or
// starts the flight for key and returns the producer's result.
func (c *dedupCache) Fetch(ctx context.Context, key Key, vc valueCodec, produce producer) (any, error) {
	sk := key.String()
	if v, ok := c.lookup(ctx, sk, vc); ok {
		return v, nil
	}
	return c.fly(ctx, key, sk, vc, produce, false)
}

// Refresh always runs the producer (coalesced with any concurrent flight
// for the same key) and installs the result under CAS.
func (c *dedupCache) Refresh(ctx context.Context, key Key, vc valueCodec, produce producer) (any, error) {
	return c.fly(ctx, key, key.String(), vc, produce, true)
}

// Peek is a read-only probe: fresh stored value or nothing.
func (c *dedupCache) Peek(ctx context.Context, key Key, vc valueCodec) (any, bool) {
	return c.lookup(ctx, key.String(), vc)
}

func (c *dedupCache) fly(ctx context.Context, key Key, sk string, vc valueCodec, produce producer, force bool) (any, error) {
	// The flight is keyed by generation as well as key: a caller arriving
	// after an invalidation bumped the generation starts its own producer
	// run instead of joining one that began before the bump and would
	// resolve to the pre-invalidation value.
	obs := c.snapshotGen(ctx, sk)
	fk := sk + "@" + strconv.FormatUint(obs, 10)

	callerCtx := ctx
	v, err, _ := c.flight.Do(fk, func() (any, error) {
		// One caller's cancellation must not abort a flight other callers
		// share; in-flight work is globally keyed and its result may serve
		// a consumer that is still interested.
		fctx := context.WithoutCancel(callerCtx)

		if !force {
			if v, ok := c.lookup(fctx, sk, vc); ok {
				return v, nil
			}
		}

		v, err := produce(fctx)
		if err != nil {
			return nil, err
		}
		c.remember(sk, key)
		c.install(fctx, sk, v, obs, vc)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *dedupCache) lookup(ctx context.Context, sk string, vc valueCodec) (any, bool) {
	raw, ok, err := c.store.Get(ctx, sk)
	if err != nil {
		c.hooks.StoreError("get", sk, err)
		c.log.Warn("store get failed; treating as miss", Fields{"key": sk, "err": err})
		return nil, false
	}
	if !ok {
		return nil, false
	}
	gen, payload, err := wire.Decode(raw)
	if err != nil {
		c.heal(ctx, sk, "corrupt")
		return nil, false
	}
	if gen != c.snapshotGen(ctx, sk) {
		c.heal(ctx, sk, "gen_mismatch")
		return nil, false
	}
	v, err := vc.decode(payload)
	if err != nil {
		c.heal(ctx, sk, "value_decode")
		return nil, false
	}
	return v, true
}

func (c *dedupCache) heal(ctx context.Context, sk, reason string) {
	_ = c.store.Del(ctx, sk)
	c.hooks.SelfHeal(sk, reason)
	c.log.Debug("self-healed entry", Fields{"key": sk, "reason": reason})
}

// install writes the produced value iff the generation is still the one
// observed before the producer ran. Install failures are not surfaced to
// the caller; the produced value is returned either way.
func (c *dedupCache) install(ctx context.Context, sk string, v any, obs uint64, vc valueCodec) {
	if c.snapshotGen(ctx, sk) != obs {
		c.log.Debug("install skipped (gen moved)", Fields{"key": sk, "obs": obs})
		return
	}
	payload, err := vc.encode(v)
	if err != nil {
		c.log.Warn("value encode failed; entry not cached", Fields{"key": sk, "err": err})
		return
	}
	frame := wire.Encode(obs, payload)
	ok, err := c.store.Set(ctx, sk, frame, c.cost(sk, frame), c.ttl)
	if err != nil {
		c.hooks.StoreError("set", sk, err)
		c.log.Warn("store set failed; entry not cached", Fields{"key": sk, "err": err})
		return
	}
	if !ok {
		c.hooks.StoreSetRejected(sk)
		c.log.Debug("store rejected set (pressure)", Fields{"key": sk})
	}
}

// Invalidate removes one entry: the generation bump makes both the stored
// frame and any in-flight CAS write unusable at a single atomic point; the
// store delete is cleanup.
func (c *dedupCache) Invalidate(ctx context.Context, key Key) error {
	return c.evictKey(ctx, key.String(), false)
}

// InvalidateScope invalidates every key this cache has seen under scope.
// Entries stay indexed so later refetches land under the same keys.
func (c *dedupCache) InvalidateScope(ctx context.Context, scope string) (int, error) {
	return c.sweep(ctx, scope, false)
}

// EvictScope removes every key under scope and forgets it. Used for scope
// teardown and access revocation.
func (c *dedupCache) EvictScope(ctx context.Context, scope string) (int, error) {
	return c.sweep(ctx, scope, true)
}

func (c *dedupCache) sweep(ctx context.Context, scope string, forget bool) (int, error) {
	sks := c.keysInScope(scope)
	var errs []error
	for _, sk := range sks {
		if err := c.evictKey(ctx, sk, forget); err != nil {
			errs = append(errs, err)
		}
	}
	return len(sks), errors.Join(errs...)
}

func (c *dedupCache) evictKey(ctx context.Context, sk string, forget bool) error {
	// bump before delete: readers observe the miss from the moment the
	// generation moves, regardless of when the delete lands
	_, bumpErr := c.gens.Bump(ctx, sk)
	if bumpErr != nil {
		c.hooks.GenBumpError(sk, bumpErr)
		c.log.Error("gen bump error", Fields{"key": sk, "err": bumpErr})
	}
	delErr := c.store.Del(ctx, sk)
	if delErr != nil {
		c.hooks.StoreError("del", sk, delErr)
	}
	if forget {
		c.mu.Lock()
		delete(c.index, sk)
		c.mu.Unlock()
	}
	if bumpErr != nil && delErr != nil {
		c.hooks.EvictOutage(sk, bumpErr, delErr)
		return &EvictError{Key: sk, GenErr: bumpErr, StoreErr: delErr}
	}
	return nil
}

func (c *dedupCache) keysInScope(scope string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for sk, k := range c.index {
		if k.InScope(scope) {
			out = append(out, sk)
		}
	}
	return out
}

func (c *dedupCache) remember(sk string, key Key) {
	c.mu.Lock()
	c.index[sk] = key
	c.mu.Unlock()
}

func (c *dedupCache) snapshotGen(ctx context.Context, sk string) uint64 {
	g, err := c.gens.Snapshot(ctx, sk)
	if err != nil {
		// conservative: 0 never matches a bumped generation, so stale
		// frames heal and raced installs skip
		c.hooks.GenSnapshotError(sk, err)
		c.log.Warn("gen snapshot error", Fields{"key": sk, "err": err})
		return 0
	}
	return g
}

func (c *dedupCache) Close(ctx context.Context) error {
	// close gens first (best effort)
	if c.gens != nil {
		_ = c.gens.Close(ctx)
	}
	if c.store != nil {
		return c.store.Close(ctx)
	}
	return nil
}
