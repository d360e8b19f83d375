package livecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/softgrid/livecache/feed"
)

// fakeSource hands out real pipes per topic and can be scripted to fail
// or hang the next opens.
type fakeSource struct {
	mu      sync.Mutex
	pipes   map[string]*feed.Pipe
	opens   map[string]int
	failN   int              // fail this many opens before succeeding
	fail    error            // error to fail with
	failFor map[string]error // per-topic permanent failures
	block   bool             // block until ctx expires
}

var _ feed.Source = (*fakeSource)(nil)

func newFakeSource() *fakeSource {
	return &fakeSource{
		pipes:   make(map[string]*feed.Pipe),
		opens:   make(map[string]int),
		failFor: make(map[string]error),
	}
}

func (s *fakeSource) failTopic(resource Resource, scope string, err error) {
	s.mu.Lock()
	s.failFor[feed.Topic{Resource: string(resource), Scope: scope}.String()] = err
	s.mu.Unlock()
}

func (s *fakeSource) Open(ctx context.Context, t feed.Topic) (feed.Stream, error) {
	s.mu.Lock()
	s.opens[t.String()]++
	n := s.opens[t.String()]
	fail := s.fail
	failN := s.failN
	topicErr := s.failFor[t.String()]
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if topicErr != nil {
		return nil, topicErr
	}
	if fail != nil && n <= failN {
		return nil, fail
	}
	p := feed.NewPipe(16)
	s.mu.Lock()
	s.pipes[t.String()] = p
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSource) pipe(resource Resource, scope string) *feed.Pipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipes[feed.Topic{Resource: string(resource), Scope: scope}.String()]
}

func (s *fakeSource) openCount(resource Resource, scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[feed.Topic{Resource: string(resource), Scope: scope}.String()]
}

// sinkRecorder captures what the manager routes downstream.
type sinkRecorder struct {
	mu        sync.Mutex
	delivered []Event
	scopes    []string
	rechecks  []string
}

func (r *sinkRecorder) sinks() managerSinks {
	return managerSinks{
		deliver: func(scope string, ev Event) {
			r.mu.Lock()
			r.scopes = append(r.scopes, scope)
			r.delivered = append(r.delivered, ev)
			r.mu.Unlock()
		},
		recheck: func(scope string) {
			r.mu.Lock()
			r.rechecks = append(r.rechecks, scope)
			r.mu.Unlock()
		},
	}
}

func (r *sinkRecorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.delivered...)
}

func (r *sinkRecorder) deliveredScopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scopes...)
}

func (r *sinkRecorder) recheckLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rechecks...)
}

type managerConfig struct {
	resolver ScopeResolver
	policy   ReconnectPolicy
	hooks    Hooks
	timeout  time.Duration
}

func newTestManager(t *testing.T, src feed.Source, cfg managerConfig) (*subManager, *sinkRecorder) {
	t.Helper()
	if cfg.hooks == nil {
		cfg.hooks = NopHooks{}
	}
	rec := &sinkRecorder{}
	m := newSubManager(src, cfg.resolver, cfg.policy, NopLogger{}, cfg.hooks, cfg.timeout, rec.sinks())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, rec
}

func mustActivate(t *testing.T, m *subManager, resource Resource, scope string) *Subscription {
	t.Helper()
	sub, err := m.Activate(context.Background(), resource, scope)
	if err != nil {
		t.Fatalf("Activate(%s, %s): %v", resource, scope, err)
	}
	return sub
}

func mustSend(t *testing.T, p *feed.Pipe, ch feed.Change) {
	t.Helper()
	if err := p.Send(context.Background(), ch); err != nil {
		t.Fatalf("pipe send: %v", err)
	}
}

// ==============================
// Lifecycle
// ==============================

// TestActivateMovesToSubscribed verifies the happy path and its recorded
// transition.
func TestActivateMovesToSubscribed(t *testing.T) {
	rh := &recHooks{}
	src := newFakeSource()
	m, _ := newTestManager(t, src, managerConfig{hooks: rh})

	sub := mustActivate(t, m, ResourceAsset, "lib-1")
	if got := sub.State(); got != StateSubscribed {
		t.Fatalf("state = %v, want %v", got, StateSubscribed)
	}
	if st, ok := m.StateOf(ResourceAsset, "lib-1"); !ok || st != StateSubscribed {
		t.Fatalf("StateOf = (%v, %v)", st, ok)
	}
	states := rh.stateLog()
	if len(states) != 1 || states[0] != "asset/lib-1 connecting>subscribed" {
		t.Fatalf("transitions = %v", states)
	}
}

// TestActivateIdempotentWhileLive verifies re-activating a live slot
// returns the existing subscription without a second dial.
func TestActivateIdempotentWhileLive(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestManager(t, src, managerConfig{})

	first := mustActivate(t, m, ResourceAsset, "lib-1")
	second := mustActivate(t, m, ResourceAsset, "lib-1")
	if first != second {
		t.Fatalf("re-activation returned a different subscription")
	}
	if n := src.openCount(ResourceAsset, "lib-1"); n != 1 {
		t.Fatalf("open count = %d, want 1", n)
	}
}

// TestActivateOpenFailure verifies a failed dial surfaces the error but
// leaves the subscription registered in StateError.
func TestActivateOpenFailure(t *testing.T) {
	src := newFakeSource()
	src.fail = errors.New("feed unreachable")
	src.failN = 1 << 30
	m, _ := newTestManager(t, src, managerConfig{})

	sub, err := m.Activate(context.Background(), ResourceAsset, "lib-1")
	if err == nil {
		t.Fatalf("expected open error")
	}
	if sub == nil {
		t.Fatalf("failed activation returned no subscription")
	}
	if got := sub.State(); got != StateError {
		t.Fatalf("state = %v, want %v", got, StateError)
	}
	if _, ok := m.StateOf(ResourceAsset, "lib-1"); !ok {
		t.Fatalf("failed subscription was not kept registered")
	}
}

// TestActivateTimeout verifies a hanging dial lands in StateTimedOut.
func TestActivateTimeout(t *testing.T) {
	src := newFakeSource()
	src.block = true
	m, _ := newTestManager(t, src, managerConfig{timeout: 20 * time.Millisecond})

	sub, err := m.Activate(context.Background(), ResourceAsset, "lib-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if got := sub.State(); got != StateTimedOut {
		t.Fatalf("state = %v, want %v", got, StateTimedOut)
	}
}

// TestActivateReplacesTerminalSlot verifies a slot stuck in a terminal
// failure is replaced by the next activation.
func TestActivateReplacesTerminalSlot(t *testing.T) {
	src := newFakeSource()
	src.fail = errors.New("feed unreachable")
	src.failN = 1
	m, _ := newTestManager(t, src, managerConfig{})

	failed, err := m.Activate(context.Background(), ResourceAsset, "lib-1")
	if err == nil {
		t.Fatalf("expected first activation to fail")
	}
	replaced := mustActivate(t, m, ResourceAsset, "lib-1")
	if replaced == failed {
		t.Fatalf("terminal slot was not replaced")
	}
	if got := replaced.State(); got != StateSubscribed {
		t.Fatalf("state = %v, want %v", got, StateSubscribed)
	}
}

// TestActivateWithoutFeed verifies the manager refuses to work without a
// source.
func TestActivateWithoutFeed(t *testing.T) {
	m, _ := newTestManager(t, nil, managerConfig{})
	if _, err := m.Activate(context.Background(), ResourceAsset, "lib-1"); !errors.Is(err, ErrNoFeed) {
		t.Fatalf("err = %v, want %v", err, ErrNoFeed)
	}
}

// TestTransitionGraph verifies the lifecycle graph edge by edge.
func TestTransitionGraph(t *testing.T) {
	allowed := map[SubState][]SubState{
		StateConnecting: {StateSubscribed, StateError, StateTimedOut, StateClosed},
		StateSubscribed: {StateError, StateTimedOut, StateClosed},
		StateError:      {StateConnecting, StateClosed},
		StateTimedOut:   {StateConnecting, StateClosed},
		StateClosed:     nil,
	}
	all := []SubState{StateConnecting, StateSubscribed, StateError, StateTimedOut, StateClosed}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.canMove(to); got != want {
				t.Fatalf("canMove(%v -> %v) = %v, want %v", from, to, got, want)
			}
		}
	}
}

// ==============================
// Event routing
// ==============================

// TestChangesFlowToDeliver verifies a raw insert reaches the deliver sink
// as a classified event under the subscription's scope.
func TestChangesFlowToDeliver(t *testing.T) {
	src := newFakeSource()
	m, rec := newTestManager(t, src, managerConfig{})

	mustActivate(t, m, ResourceAsset, "lib-1")
	p := src.pipe(ResourceAsset, "lib-1")
	mustSend(t, p, feed.Change{
		Op:  feed.OpInsert,
		New: feed.Fields{"id": "a1", "library_id": "lib-1"},
	})

	waitFor(t, 2*time.Second, func() bool { return len(rec.events()) == 1 }, "delivery")
	ev := rec.events()[0]
	if ev.Kind != KindCreated || ev.Entity != (EntityRef{Kind: EntityAsset, ID: "a1"}) {
		t.Fatalf("delivered %v/%v", ev.Kind, ev.Entity)
	}
	if ev.Scopes.Library != "lib-1" {
		t.Fatalf("scopes = %+v, want library lib-1", ev.Scopes)
	}
	if scopes := rec.deliveredScopes(); scopes[0] != "lib-1" {
		t.Fatalf("delivered under scope %q, want lib-1", scopes[0])
	}
}

// TestLateChangesDropped verifies the fence: changes read after the slot
// was deactivated never reach the pipeline.
func TestLateChangesDropped(t *testing.T) {
	rh := &recHooks{}
	src := newFakeSource()
	m, rec := newTestManager(t, src, managerConfig{hooks: rh})

	mustActivate(t, m, ResourceAsset, "lib-1")
	p := src.pipe(ResourceAsset, "lib-1")
	m.Deactivate(ResourceAsset, "lib-1")

	if !p.TrySend(feed.Change{Op: feed.OpInsert, New: feed.Fields{"id": "a1"}}) {
		t.Fatalf("could not enqueue the late change")
	}
	waitFor(t, 2*time.Second, func() bool { return rh.staleDropCount() == 1 }, "stale drop")
	if n := len(rec.events()); n != 0 {
		t.Fatalf("late change was delivered (%d events)", n)
	}
}

// TestCollaboratorChangeIsProjectUpdate verifies membership rows surface
// as updates of their project, and a membership delete triggers an access
// recheck of the subscription scope.
func TestCollaboratorChangeIsProjectUpdate(t *testing.T) {
	src := newFakeSource()
	m, rec := newTestManager(t, src, managerConfig{})

	mustActivate(t, m, ResourceCollaborator, "p1")
	p := src.pipe(ResourceCollaborator, "p1")

	mustSend(t, p, feed.Change{Op: feed.OpUpdate, New: feed.Fields{"id": "row-1", "role": "editor"}})
	waitFor(t, 2*time.Second, func() bool { return len(rec.events()) == 1 }, "update delivery")
	ev := rec.events()[0]
	if ev.Kind != KindUpdated || ev.Entity != (EntityRef{Kind: EntityProject, ID: "p1"}) {
		t.Fatalf("collaborator update surfaced as %v/%v", ev.Kind, ev.Entity)
	}
	if n := len(rec.recheckLog()); n != 0 {
		t.Fatalf("update triggered %d rechecks, want 0", n)
	}

	mustSend(t, p, feed.Change{Op: feed.OpDelete, Old: feed.Fields{"id": "row-1"}})
	waitFor(t, 2*time.Second, func() bool { return len(rec.recheckLog()) == 1 }, "recheck")
	if got := rec.recheckLog()[0]; got != "p1" {
		t.Fatalf("recheck scope = %q, want p1", got)
	}
}

// TestContainerDeleteTriggersRecheck verifies a deleted library forces a
// recheck of that library's own scope.
func TestContainerDeleteTriggersRecheck(t *testing.T) {
	src := newFakeSource()
	m, rec := newTestManager(t, src, managerConfig{})

	mustActivate(t, m, ResourceLibrary, "p1")
	p := src.pipe(ResourceLibrary, "p1")
	mustSend(t, p, feed.Change{Op: feed.OpDelete, Old: feed.Fields{"id": "lib-7", "project_id": "p1"}})

	waitFor(t, 2*time.Second, func() bool { return len(rec.recheckLog()) == 1 }, "recheck")
	if got := rec.recheckLog()[0]; got != "lib-7" {
		t.Fatalf("recheck scope = %q, want lib-7", got)
	}
	ev := rec.events()[0]
	if ev.Kind != KindDeleted || ev.Entity.ID != "lib-7" {
		t.Fatalf("delivered %v/%v", ev.Kind, ev.Entity)
	}
}

// TestDeleteScopeFallback covers deletes whose payload carries only the
// primary key.
func TestDeleteScopeFallback(t *testing.T) {
	bareDelete := feed.Change{Op: feed.OpDelete, Old: feed.Fields{"id": "a1"}}

	t.Run("resolver_answers", func(t *testing.T) {
		src := newFakeSource()
		res := &fakeResolver{ids: ScopeIDs{Project: "p1", Library: "lib-1"}}
		m, rec := newTestManager(t, src, managerConfig{resolver: res})

		mustActivate(t, m, ResourceAsset, "lib-1")
		mustSend(t, src.pipe(ResourceAsset, "lib-1"), bareDelete)

		waitFor(t, 2*time.Second, func() bool { return len(rec.events()) == 1 }, "delivery")
		if got := rec.events()[0].Scopes; got != (ScopeIDs{Project: "p1", Library: "lib-1"}) {
			t.Fatalf("scopes = %+v, want resolver's", got)
		}
	})

	t.Run("falls_back_to_subscription_scope", func(t *testing.T) {
		src := newFakeSource()
		m, rec := newTestManager(t, src, managerConfig{})

		mustActivate(t, m, ResourceAsset, "lib-1")
		mustSend(t, src.pipe(ResourceAsset, "lib-1"), bareDelete)

		waitFor(t, 2*time.Second, func() bool { return len(rec.events()) == 1 }, "delivery")
		if got := rec.events()[0].Scopes; got != (ScopeIDs{Library: "lib-1"}) {
			t.Fatalf("scopes = %+v, want subscription scope", got)
		}
	})

	t.Run("row_scopes_win", func(t *testing.T) {
		src := newFakeSource()
		res := &fakeResolver{ids: ScopeIDs{Project: "px"}}
		m, rec := newTestManager(t, src, managerConfig{resolver: res})

		mustActivate(t, m, ResourceAsset, "lib-1")
		mustSend(t, src.pipe(ResourceAsset, "lib-1"), feed.Change{
			Op:  feed.OpDelete,
			Old: feed.Fields{"id": "a1", "library_id": "lib-1"},
		})

		waitFor(t, 2*time.Second, func() bool { return len(rec.events()) == 1 }, "delivery")
		if got := rec.events()[0].Scopes; got != (ScopeIDs{Library: "lib-1"}) {
			t.Fatalf("scopes = %+v, want row's", got)
		}
		if res.callCount() != 0 {
			t.Fatalf("resolver consulted %d times for a scoped delete", res.callCount())
		}
	})
}

type fakeResolver struct {
	mu    sync.Mutex
	ids   ScopeIDs
	err   error
	calls int
}

var _ ScopeResolver = (*fakeResolver)(nil)

func (r *fakeResolver) ResolveScopes(context.Context, Resource, string) (ScopeIDs, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.ids, r.err
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// ==============================
// Reconnects
// ==============================

// TestReconnectRevivesFailedOpen verifies the policy moves a failed slot
// back through Connecting to Subscribed.
func TestReconnectRevivesFailedOpen(t *testing.T) {
	src := newFakeSource()
	src.fail = errors.New("feed unreachable")
	src.failN = 1
	m, _ := newTestManager(t, src, managerConfig{
		policy: Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})

	if _, err := m.Activate(context.Background(), ResourceAsset, "lib-1"); err == nil {
		t.Fatalf("expected first open to fail")
	}
	waitFor(t, 2*time.Second, func() bool {
		st, ok := m.StateOf(ResourceAsset, "lib-1")
		return ok && st == StateSubscribed
	}, "reconnect")
	if n := src.openCount(ResourceAsset, "lib-1"); n != 2 {
		t.Fatalf("open count = %d, want 2", n)
	}
}

// TestReconnectAfterStreamEnds verifies a stream failure mid-flight is
// retried and the new stream delivers.
func TestReconnectAfterStreamEnds(t *testing.T) {
	src := newFakeSource()
	m, rec := newTestManager(t, src, managerConfig{
		policy: Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})

	mustActivate(t, m, ResourceAsset, "lib-1")
	src.pipe(ResourceAsset, "lib-1").Fail(errors.New("connection reset"))

	waitFor(t, 2*time.Second, func() bool {
		return src.openCount(ResourceAsset, "lib-1") == 2
	}, "redial")
	waitFor(t, 2*time.Second, func() bool {
		st, ok := m.StateOf(ResourceAsset, "lib-1")
		return ok && st == StateSubscribed
	}, "resubscribe")

	mustSend(t, src.pipe(ResourceAsset, "lib-1"), feed.Change{
		Op:  feed.OpInsert,
		New: feed.Fields{"id": "a2", "library_id": "lib-1"},
	})
	waitFor(t, 2*time.Second, func() bool { return len(rec.events()) == 1 }, "delivery on new stream")
}

// TestNoReconnectWithoutPolicy verifies failures stay terminal when no
// policy is configured.
func TestNoReconnectWithoutPolicy(t *testing.T) {
	src := newFakeSource()
	src.fail = errors.New("feed unreachable")
	src.failN = 1
	m, _ := newTestManager(t, src, managerConfig{})

	if _, err := m.Activate(context.Background(), ResourceAsset, "lib-1"); err == nil {
		t.Fatalf("expected open to fail")
	}
	time.Sleep(50 * time.Millisecond)
	if st, _ := m.StateOf(ResourceAsset, "lib-1"); st != StateError {
		t.Fatalf("state = %v, want sticky %v", st, StateError)
	}
	if n := src.openCount(ResourceAsset, "lib-1"); n != 1 {
		t.Fatalf("open count = %d, want 1", n)
	}
}

// TestBackoffSchedule verifies the doubling schedule and the attempt cap.
func TestBackoffSchedule(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 350 * time.Millisecond, MaxAttempts: 4}
	want := []time.Duration{100, 200, 350, 350} // milliseconds, capped
	for i, w := range want {
		d, ok := b.NextRetry(ResourceAsset, "lib-1", i+1)
		if !ok {
			t.Fatalf("attempt %d refused", i+1)
		}
		if d != w*time.Millisecond {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, d, w*time.Millisecond)
		}
	}
	if _, ok := b.NextRetry(ResourceAsset, "lib-1", 5); ok {
		t.Fatalf("attempt past MaxAttempts was allowed")
	}
}

// ==============================
// Shutdown
// ==============================

// TestCloseShutsDownSubscriptions verifies Close empties the registry and
// later activations are refused.
func TestCloseShutsDownSubscriptions(t *testing.T) {
	src := newFakeSource()
	rec := &sinkRecorder{}
	m := newSubManager(src, nil, nil, NopLogger{}, NopHooks{}, 0, rec.sinks())

	mustActivate(t, m, ResourceAsset, "lib-1")
	mustActivate(t, m, ResourceFolder, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := m.StateOf(ResourceAsset, "lib-1"); ok {
		t.Fatalf("subscription survived Close")
	}
	if _, err := m.Activate(context.Background(), ResourceLibrary, "p1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Activate after Close: %v, want %v", err, ErrClosed)
	}
}

// TestDeactivateUnknownSlot verifies deactivating a never-activated slot
// is harmless.
func TestDeactivateUnknownSlot(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestManager(t, src, managerConfig{})
	m.Deactivate(ResourceAsset, "never-opened")
}
