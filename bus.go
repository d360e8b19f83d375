package livecache

import (
	"sync"
)

const defaultMaxPublishDepth = 4

// EventHandler consumes published events. Handlers run synchronously on the
// publisher's goroutine, in subscription order, so a handler that reads
// through the engine observes post-invalidation data.
type EventHandler func(Event)

// EventPredicate filters events for one subscriber. A nil predicate
// matches every event.
type EventPredicate func(Event) bool

// MatchKind matches events whose kind is one of kinds.
func MatchKind(kinds ...EventKind) EventPredicate {
	return func(ev Event) bool {
		for _, k := range kinds {
			if ev.Kind == k {
				return true
			}
		}
		return false
	}
}

// MatchEntity matches events whose entity kind is one of kinds.
func MatchEntity(kinds ...EntityKind) EventPredicate {
	return func(ev Event) bool {
		for _, k := range kinds {
			if ev.Entity.Kind == k {
				return true
			}
		}
		return false
	}
}

// MatchScope matches events that mention scope in any scope dimension.
func MatchScope(scope string) EventPredicate {
	return func(ev Event) bool {
		s := ev.Scopes
		return s.Project == scope || s.Library == scope || s.Folder == scope || ev.Entity.ID == scope
	}
}

// Bus is a synchronous in-process fan-out for Events. Delivery order is
// subscription order (FIFO), and Publish returns only after every matching
// handler ran.
//
// Handlers may publish from inside a handler. To keep that from recursing
// without bound, the bus counts in-flight publishes per event value and
// drops publishes past MaxPublishDepth, reporting each drop through
// Hooks.PublishDepthExceeded. Distinct events never share a counter, so
// concurrent publishes about different entities are never suppressed.
type Bus struct {
	log      Logger
	hooks    Hooks
	maxDepth int

	mu    sync.Mutex
	seq   uint64
	subs  []*busSub
	depth map[Event]int
}

type busSub struct {
	id   uint64
	pred EventPredicate
	fn   EventHandler
}

type BusOptions struct {
	Logger Logger
	Hooks  Hooks

	// MaxPublishDepth bounds re-entrant publishes of one event value.
	// Default 4.
	MaxPublishDepth int
}

func NewBus(opts BusOptions) *Bus {
	var log Logger = opts.Logger
	if log == nil {
		log = NopLogger{}
	}
	var hooks Hooks = opts.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Bus{
		log:      log,
		hooks:    hooks,
		maxDepth: coalesce(opts.MaxPublishDepth, defaultMaxPublishDepth),
		depth:    make(map[Event]int),
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing during a delivery does not retract the event already being
// delivered; it takes effect from the next Publish.
func (b *Bus) Subscribe(pred EventPredicate, fn EventHandler) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs = append(b.subs, &busSub{id: id, pred: pred, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every matching subscriber and returns the number
// of handlers that ran. Publishes suppressed by the re-entrancy guard
// return 0.
func (b *Bus) Publish(ev Event) int {
	b.mu.Lock()
	if d := b.depth[ev]; d >= b.maxDepth {
		b.mu.Unlock()
		b.hooks.PublishDepthExceeded(ev.Kind, ev.Entity.Kind, d)
		b.log.Warn("event publish dropped: re-entrancy depth exceeded", Fields{
			"kind":   ev.Kind.String(),
			"entity": ev.Entity.Kind.String(),
			"depth":  d,
		})
		return 0
	}
	b.depth[ev]++
	snapshot := make([]*busSub, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	delivered := 0
	for _, s := range snapshot {
		if s.pred == nil || s.pred(ev) {
			s.fn(ev)
			delivered++
		}
	}

	b.mu.Lock()
	if b.depth[ev] <= 1 {
		delete(b.depth, ev)
	} else {
		b.depth[ev]--
	}
	b.mu.Unlock()

	return delivered
}

// SubscriberCount reports current registrations, mostly for tests and
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
