package livecache

import (
	"context"
	"fmt"

	"github.com/softgrid/livecache/codec"
)

// Producer fetches the authoritative value for a key, typically from the
// backend API. It runs at most once per concurrent burst of reads.
type Producer[V any] func(ctx context.Context) (V, error)

// Collection is the typed read surface over one engine. It binds V's
// codec once; every read goes through the engine's request coalescing,
// generation framing and observer registry. Collections are cheap and
// stateless; create one per value type.
type Collection[V any] struct {
	e  *Engine
	vc valueCodec
}

// NewCollection binds value type V to e. A nil codec defaults to JSON.
func NewCollection[V any](e *Engine, c codec.Codec[V]) *Collection[V] {
	if c == nil {
		c = codec.JSON[V]{}
	}
	return &Collection[V]{
		e: e,
		vc: valueCodec{
			encode: func(v any) ([]byte, error) {
				tv, ok := v.(V)
				if !ok {
					return nil, fmt.Errorf("livecache: encode: %T is not the collection's type", v)
				}
				return c.Encode(tv)
			},
			decode: func(b []byte) (any, error) { return c.Decode(b) },
		},
	}
}

func wrap[V any](p Producer[V]) producer {
	return func(ctx context.Context) (any, error) {
		v, err := p(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Fetch returns the cached value for key or produces it. Concurrent
// fetches of one key share a single producer run.
func (c *Collection[V]) Fetch(ctx context.Context, key Key, produce Producer[V]) (V, error) {
	v, err := c.e.dedup.Fetch(ctx, key, c.vc, wrap(produce))
	return asValue[V](key, v, err)
}

// Refresh re-runs the producer regardless of what is cached and installs
// the result for subsequent reads. Concurrent refreshes coalesce too.
func (c *Collection[V]) Refresh(ctx context.Context, key Key, produce Producer[V]) (V, error) {
	v, err := c.e.dedup.Refresh(ctx, key, c.vc, wrap(produce))
	return asValue[V](key, v, err)
}

// Peek returns the cached value without ever running a producer.
func (c *Collection[V]) Peek(ctx context.Context, key Key) (V, bool) {
	v, ok := c.e.dedup.Peek(ctx, key, c.vc)
	if !ok {
		var zero V
		return zero, false
	}
	tv, ok := v.(V)
	return tv, ok
}

// Invalidate drops key's entry; the next read refetches.
func (c *Collection[V]) Invalidate(ctx context.Context, key Key) error {
	return c.e.dedup.Invalidate(ctx, key)
}

// TypedWatch delivers refetched values for one observed key. Updates holds
// at most the latest value; a consumer that falls behind misses
// intermediate states, never the newest one. Updates is closed when the
// watch ends, whether by Close or by the scope being evicted.
type TypedWatch[V any] struct {
	w   *Watch
	out chan V
}

func (w *TypedWatch[V]) Updates() <-chan V { return w.out }

func (w *TypedWatch[V]) Done() <-chan struct{} { return w.w.Done() }

// Key reports the observed key.
func (w *TypedWatch[V]) Key() Key { return w.w.Key() }

// Close detaches the watch. Idempotent.
func (w *TypedWatch[V]) Close() { w.w.Close() }

// Observe returns a current value for key and a watch that receives every
// value the engine pushes for it afterwards: refetches after remote
// changes, local commits, and revocation evictions ending the watch.
// Within a positive opts.StaleAfter of the last fetch the cached value is
// returned as-is; otherwise the producer runs first. A zero StaleAfter
// uses the engine default (itself zero unless configured, so observations
// refetch); a negative one always refetches regardless of the engine
// default. Observation only registers interest; live delivery additionally
// needs the surrounding scope opened via OpenScope.
func (c *Collection[V]) Observe(ctx context.Context, key Key, produce Producer[V], opts ObserveOptions) (V, *TypedWatch[V], error) {
	if opts.StaleAfter == 0 {
		opts.StaleAfter = c.e.staleAfter
	}
	v, w, err := c.e.query.Observe(ctx, key, c.vc, wrap(produce), opts)
	if err != nil {
		var zero V
		return zero, nil, err
	}
	tv, err := asValue[V](key, v, nil)
	if err != nil {
		w.Close()
		var zero V
		return zero, nil, err
	}
	tw := &TypedWatch[V]{w: w, out: make(chan V, 1)}
	go tw.pump()
	return tv, tw, nil
}

// pump converts erased updates to V, preserving the latest-wins contract:
// an undelivered value is replaced, not queued behind.
func (w *TypedWatch[V]) pump() {
	defer close(w.out)
	for {
		select {
		case v := <-w.w.Updates():
			tv, ok := v.(V)
			if !ok {
				continue
			}
			select {
			case w.out <- tv:
			default:
				select {
				case <-w.out:
				default:
				}
				// sole sender and the buffer was just drained
				w.out <- tv
			}
		case <-w.w.Done():
			return
		}
	}
}

func asValue[V any](key Key, v any, err error) (V, error) {
	var zero V
	if err != nil {
		return zero, err
	}
	tv, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("livecache: value for %q is not the collection's type", key.String())
	}
	return tv, nil
}
