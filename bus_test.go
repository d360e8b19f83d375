package livecache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func assetEvent(kind EventKind, id, library string) Event {
	return Event{
		Kind:   kind,
		Entity: EntityRef{Kind: EntityAsset, ID: id},
		Scopes: ScopeIDs{Library: library},
	}
}

// ==============================
// Delivery
// ==============================

// TestPublishDeliversInSubscriptionOrder verifies FIFO delivery across
// subscribers and the returned handler count.
func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus(BusOptions{})

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe(nil, func(Event) { order = append(order, name) })
	}

	n := b.Publish(assetEvent(KindCreated, "a1", "lib-1"))
	if n != 3 {
		t.Fatalf("Publish delivered to %d handlers, want 3", n)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", order, want)
		}
	}
}

// TestPredicatesFilterDelivery exercises the built-in matchers.
func TestPredicatesFilterDelivery(t *testing.T) {
	b := NewBus(BusOptions{})

	var kinds, entities, scoped int
	b.Subscribe(MatchKind(KindDeleted), func(Event) { kinds++ })
	b.Subscribe(MatchEntity(EntityAsset, EntityFolder), func(Event) { entities++ })
	b.Subscribe(MatchScope("lib-1"), func(Event) { scoped++ })

	b.Publish(assetEvent(KindCreated, "a1", "lib-1")) // entity + scope
	b.Publish(assetEvent(KindDeleted, "a2", "lib-2")) // kind + entity
	b.Publish(Event{
		Kind:   KindUpdated,
		Entity: EntityRef{Kind: EntityProject, ID: "p1"},
		Scopes: ScopeIDs{Project: "p1"},
	})

	if kinds != 1 || entities != 2 || scoped != 1 {
		t.Fatalf("kinds=%d entities=%d scoped=%d, want 1 2 1", kinds, entities, scoped)
	}
}

// TestMatchScopeIncludesEntityID verifies an event about scope-owning
// entities matches on the entity id itself.
func TestMatchScopeIncludesEntityID(t *testing.T) {
	b := NewBus(BusOptions{})
	var hits int
	b.Subscribe(MatchScope("lib-1"), func(Event) { hits++ })

	b.Publish(Event{
		Kind:   KindDeleted,
		Entity: EntityRef{Kind: EntityLibrary, ID: "lib-1"},
		Scopes: ScopeIDs{Project: "p1"},
	})
	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
}

// TestUnsubscribeIsIdempotent verifies unsubscribing stops delivery and a
// double call is harmless.
func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBus(BusOptions{})

	var got int
	unsub := b.Subscribe(nil, func(Event) { got++ })
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", b.SubscriberCount())
	}

	b.Publish(assetEvent(KindCreated, "a1", "lib-1"))
	unsub()
	unsub()
	b.Publish(assetEvent(KindCreated, "a2", "lib-1"))

	if got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", b.SubscriberCount())
	}
}

// TestNilHandlerIgnored verifies subscribing a nil handler registers
// nothing.
func TestNilHandlerIgnored(t *testing.T) {
	b := NewBus(BusOptions{})
	unsub := b.Subscribe(nil, nil)
	unsub()
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", b.SubscriberCount())
	}
}

// ==============================
// Re-entrancy guard
// ==============================

// TestReentrantPublishBounded verifies a handler republishing its own
// event is cut off at the depth limit and the drop is reported.
func TestReentrantPublishBounded(t *testing.T) {
	hooks := &depthHooks{}
	b := NewBus(BusOptions{MaxPublishDepth: 3, Hooks: hooks})

	var runs int
	b.Subscribe(nil, func(ev Event) {
		runs++
		b.Publish(ev)
	})

	n := b.Publish(assetEvent(KindUpdated, "a1", "lib-1"))
	if n != 1 {
		t.Fatalf("outer Publish = %d, want 1", n)
	}
	if runs != 3 {
		t.Fatalf("handler ran %d times, want 3 (depth limit)", runs)
	}
	if hooks.drops != 1 {
		t.Fatalf("depth drops = %d, want 1", hooks.drops)
	}
}

type depthHooks struct {
	NopHooks
	drops int
}

func (h *depthHooks) PublishDepthExceeded(EventKind, EntityKind, int) { h.drops++ }

// TestDepthGuardIsPerEvent verifies distinct events do not share a depth
// budget.
func TestDepthGuardIsPerEvent(t *testing.T) {
	hooks := &depthHooks{}
	b := NewBus(BusOptions{MaxPublishDepth: 1, Hooks: hooks})

	var cascaded int
	b.Subscribe(MatchKind(KindCreated), func(ev Event) {
		// Cascade to a different event from inside the handler.
		b.Publish(Event{
			Kind:   KindUpdated,
			Entity: ev.Entity,
			Scopes: ev.Scopes,
		})
	})
	b.Subscribe(MatchKind(KindUpdated), func(Event) { cascaded++ })

	if n := b.Publish(assetEvent(KindCreated, "a1", "lib-1")); n != 1 {
		t.Fatalf("outer Publish = %d, want 1", n)
	}
	if cascaded != 1 {
		t.Fatalf("cascaded publish delivered %d, want 1", cascaded)
	}
	if hooks.drops != 0 {
		t.Fatalf("cross-event cascade was dropped (%d drops)", hooks.drops)
	}

	// Same-event recursion at depth 1 is suppressed immediately.
	b.Subscribe(MatchKind(KindDeleted), func(ev Event) { b.Publish(ev) })
	b.Publish(Event{Kind: KindDeleted, Entity: EntityRef{Kind: EntityAsset, ID: "a9"}})
	if hooks.drops != 1 {
		t.Fatalf("same-event recursion drops = %d, want 1", hooks.drops)
	}
}

// TestConcurrentPublishesNotThrottled verifies simultaneous publishes about
// different entities of one kind never consume each other's depth budget,
// however many run at once.
func TestConcurrentPublishesNotThrottled(t *testing.T) {
	hooks := &depthHooks{}
	b := NewBus(BusOptions{MaxPublishDepth: 2, Hooks: hooks})

	const publishers = 8 // well past the depth limit

	// Hold every handler mid-delivery so all publishes are in flight at once.
	gate := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(publishers)
	var delivered atomic.Int32
	b.Subscribe(nil, func(Event) {
		entered.Done()
		<-gate
		delivered.Add(1)
	})

	var done sync.WaitGroup
	for i := 0; i < publishers; i++ {
		i := i
		done.Add(1)
		go func() {
			defer done.Done()
			b.Publish(assetEvent(KindUpdated, fmt.Sprintf("a%d", i), "lib-1"))
		}()
	}

	entered.Wait()
	close(gate)
	done.Wait()

	if got := delivered.Load(); got != publishers {
		t.Fatalf("delivered = %d, want %d", got, publishers)
	}
	if hooks.drops != 0 {
		t.Fatalf("concurrent publishes dropped %d times, want 0", hooks.drops)
	}
}

// TestUnsubscribeDuringDelivery verifies an unsubscribe inside a handler
// takes effect from the next publish.
func TestUnsubscribeDuringDelivery(t *testing.T) {
	b := NewBus(BusOptions{})

	var first, second int
	var unsubSecond func()
	b.Subscribe(nil, func(Event) {
		first++
		unsubSecond()
	})
	unsubSecond = b.Subscribe(nil, func(Event) { second++ })

	b.Publish(assetEvent(KindCreated, "a1", "lib-1"))
	b.Publish(assetEvent(KindCreated, "a2", "lib-1"))

	if first != 2 {
		t.Fatalf("first handler ran %d times, want 2", first)
	}
	// The delivery snapshot already included the second handler once.
	if second != 1 {
		t.Fatalf("second handler ran %d times, want 1", second)
	}
}
