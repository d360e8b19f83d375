package livecache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/softgrid/livecache/feed"
)

const (
	defaultSubscribeTimeout = 10 * time.Second
	resolveTimeout          = 3 * time.Second
)

// SubState is the lifecycle state of one subscription.
type SubState uint8

const (
	StateConnecting SubState = iota + 1
	StateSubscribed
	StateError
	StateTimedOut
	StateClosed
)

func (s SubState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// subTransitions is the allowed lifecycle graph. Error and TimedOut are
// terminal unless a ReconnectPolicy moves the subscription back to
// Connecting; Closed is final.
var subTransitions = map[SubState][]SubState{
	StateConnecting: {StateSubscribed, StateError, StateTimedOut, StateClosed},
	StateSubscribed: {StateError, StateTimedOut, StateClosed},
	StateError:      {StateConnecting, StateClosed},
	StateTimedOut:   {StateConnecting, StateClosed},
	StateClosed:     nil,
}

func (s SubState) canMove(to SubState) bool {
	for _, t := range subTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Subscription is one live (resource, scope) binding to the change feed.
type Subscription struct {
	ID       string
	Resource Resource
	Scope    string

	mu      sync.Mutex
	state   SubState
	stream  feed.Stream
	attempt int
}

func (s *Subscription) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type subKey struct {
	Resource Resource
	Scope    string
}

// managerSinks route classified changes out of the manager. deliver feeds
// the debounce pipeline; recheck feeds the access revocation monitor.
type managerSinks struct {
	deliver func(scope string, ev Event)
	recheck func(scope string)
}

// subManager owns every subscription. A scope's events are only forwarded
// while the subscription instance that received them is still the current
// one for its (resource, scope) slot; anything arriving after a
// deactivation or replacement is dropped. That check is the fence that
// keeps late events from a closed scope out of the pipeline.
type subManager struct {
	src      feed.Source
	resolver ScopeResolver
	policy   ReconnectPolicy
	log      Logger
	hooks    Hooks
	timeout  time.Duration
	sinks    managerSinks

	mu     sync.Mutex
	subs   map[subKey]*Subscription
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func newSubManager(src feed.Source, resolver ScopeResolver, policy ReconnectPolicy, log Logger, hooks Hooks, timeout time.Duration, sinks managerSinks) *subManager {
	return &subManager{
		src:      src,
		resolver: resolver,
		policy:   policy,
		log:      log,
		hooks:    hooks,
		timeout:  coalesce(timeout, defaultSubscribeTimeout),
		sinks:    sinks,
		subs:     make(map[subKey]*Subscription),
		stop:     make(chan struct{}),
	}
}

// Activate opens a subscription for (resource, scope). Re-activating a
// live slot is a no-op returning the existing subscription; a slot in a
// terminal failure state is replaced. The returned subscription may be in
// a failure state when err is non-nil; it stays registered so a
// ReconnectPolicy can revive it.
func (m *subManager) Activate(ctx context.Context, resource Resource, scope string) (*Subscription, error) {
	if m.src == nil {
		return nil, ErrNoFeed
	}
	key := subKey{Resource: resource, Scope: scope}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := m.subs[key]; ok {
		switch existing.State() {
		case StateConnecting, StateSubscribed:
			m.mu.Unlock()
			return existing, nil
		}
		// terminal failure; replace below
	}
	sub := &Subscription{
		ID:       uuid.NewString(),
		Resource: resource,
		Scope:    scope,
		state:    StateConnecting,
	}
	m.subs[key] = sub
	m.mu.Unlock()

	m.log.Debug("subscription connecting", Fields{
		"sub":      sub.ID,
		"resource": string(resource),
		"scope":    scope,
	})

	if err := m.open(ctx, sub); err != nil {
		return sub, err
	}
	return sub, nil
}

// open dials the feed for sub and, on success, moves it to Subscribed and
// starts its pump. On failure it records the terminal state and consults
// the reconnect policy.
func (m *subManager) open(ctx context.Context, sub *Subscription) error {
	openCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	stream, err := m.src.Open(openCtx, feed.Topic{Resource: string(sub.Resource), Scope: sub.Scope})
	if err != nil {
		to := StateError
		if errors.Is(err, context.DeadlineExceeded) {
			to = StateTimedOut
		}
		m.transition(sub, to)
		m.log.Warn("subscription open failed", Fields{
			"sub":      sub.ID,
			"resource": string(sub.Resource),
			"scope":    sub.Scope,
			"state":    to.String(),
			"err":      err,
		})
		m.scheduleRetry(sub)
		return err
	}

	if !m.install(sub, stream) {
		_ = stream.Close(context.Background())
		return ErrClosed
	}
	m.transition(sub, StateSubscribed)

	m.wg.Add(1)
	go m.pump(sub, stream)
	return nil
}

// install binds the stream to sub if sub is still the current registration.
func (m *subManager) install(sub *Subscription, stream feed.Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.subs[subKey{sub.Resource, sub.Scope}] != sub {
		return false
	}
	sub.mu.Lock()
	sub.stream = stream
	sub.mu.Unlock()
	return true
}

func (m *subManager) pump(sub *Subscription, stream feed.Stream) {
	defer m.wg.Done()
	for {
		select {
		case ch, ok := <-stream.Changes():
			if !ok {
				m.streamEnded(sub, stream.Err())
				return
			}
			m.dispatch(sub, ch)
		case <-m.stop:
			return
		}
	}
}

// current reports whether sub is still the registration its events should
// flow through.
func (m *subManager) current(sub *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.subs[subKey{sub.Resource, sub.Scope}] == sub
}

func (m *subManager) dispatch(sub *Subscription, ch feed.Change) {
	if !m.current(sub) {
		m.hooks.StaleEventDropped(sub.Resource, sub.Scope)
		m.log.Debug("dropped change for superseded subscription", Fields{
			"sub":      sub.ID,
			"resource": string(sub.Resource),
			"scope":    sub.Scope,
		})
		return
	}

	ev, ok := m.convert(sub, ch)
	if !ok {
		return
	}
	m.sinks.deliver(sub.Scope, ev)

	// Access can disappear underneath an open scope in two ways: the
	// actor's membership row goes away, or the container itself does.
	// Either way the decision belongs to an authoritative re-check, not
	// to this event's payload.
	switch {
	case sub.Resource == ResourceCollaborator && ch.Op == feed.OpDelete:
		m.sinks.recheck(sub.Scope)
	case ev.Kind == KindDeleted && (ev.Entity.Kind == EntityProject || ev.Entity.Kind == EntityLibrary):
		m.sinks.recheck(ev.Entity.ID)
	}
}

// convert classifies one raw change into the structured event taxonomy.
// Collaborator and schema rows have no entity kind of their own; their
// changes surface as an update of the project whose membership or schema
// they shape.
func (m *subManager) convert(sub *Subscription, ch feed.Change) (Event, bool) {
	switch sub.Resource {
	case ResourceCollaborator, ResourceSchemaProperty:
		return Event{
			Kind:   KindUpdated,
			Entity: EntityRef{Kind: EntityProject, ID: sub.Scope},
			Scopes: ScopeIDs{Project: sub.Scope},
		}, true
	}

	ek, ok := entityKindOf(sub.Resource)
	if !ok {
		m.log.Warn("change on unclassifiable resource dropped", Fields{
			"resource": string(sub.Resource),
			"scope":    sub.Scope,
		})
		return Event{}, false
	}

	ref := EntityRef{Kind: ek, ID: ch.ID()}
	if ref.ID == "" {
		m.log.Warn("change without row id dropped", Fields{
			"resource": string(sub.Resource),
			"op":       ch.Op.String(),
		})
		return Event{}, false
	}

	scopes := scopesFrom(ch.Row())
	if ch.Op == feed.OpDelete && scopes == (ScopeIDs{}) {
		scopes = m.resolveDeleteScopes(sub, ref)
	}

	return Event{Kind: kindOf(ch.Op), Entity: ref, Scopes: scopes}, true
}

// resolveDeleteScopes recovers container ids for a delete whose payload
// held only the primary key. A configured resolver is asked first; if it
// cannot answer, the subscription's own scope fills the parent dimension,
// which is correct because the stream only carries rows from that scope.
func (m *subManager) resolveDeleteScopes(sub *Subscription, ref EntityRef) ScopeIDs {
	if m.resolver != nil {
		rctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		ids, err := m.resolver.ResolveScopes(rctx, ref.Kind.Resource(), ref.ID)
		if err == nil && ids != (ScopeIDs{}) {
			return ids
		}
		if err != nil {
			m.log.Debug("scope resolve failed; falling back to subscription scope", Fields{
				"entity": ref.String(),
				"err":    err,
			})
		}
	}
	return ownScopeOf(sub.Resource, sub.Scope)
}

func (m *subManager) streamEnded(sub *Subscription, err error) {
	if !m.current(sub) {
		return
	}
	to := StateError
	if errors.Is(err, context.DeadlineExceeded) {
		to = StateTimedOut
	}
	if err == nil {
		err = errors.New("feed stream ended")
	}
	m.transition(sub, to)
	m.log.Warn("subscription stream ended", Fields{
		"sub":      sub.ID,
		"resource": string(sub.Resource),
		"scope":    sub.Scope,
		"err":      err,
	})
	m.scheduleRetry(sub)
}

func (m *subManager) scheduleRetry(sub *Subscription) {
	if m.policy == nil {
		return
	}
	sub.mu.Lock()
	sub.attempt++
	attempt := sub.attempt
	sub.mu.Unlock()

	delay, ok := m.policy.NextRetry(sub.Resource, sub.Scope, attempt)
	if !ok {
		return
	}
	time.AfterFunc(delay, func() {
		if !m.current(sub) {
			return
		}
		if !m.transition(sub, StateConnecting) {
			return
		}
		m.log.Debug("subscription reconnecting", Fields{
			"sub":     sub.ID,
			"scope":   sub.Scope,
			"attempt": attempt,
		})
		_ = m.open(context.Background(), sub)
	})
}

// transition moves sub along the lifecycle graph, refusing moves the
// graph does not allow.
func (m *subManager) transition(sub *Subscription, to SubState) bool {
	sub.mu.Lock()
	from := sub.state
	if !from.canMove(to) {
		sub.mu.Unlock()
		m.log.Warn("rejected subscription state move", Fields{
			"sub":  sub.ID,
			"from": from.String(),
			"to":   to.String(),
		})
		return false
	}
	sub.state = to
	sub.mu.Unlock()

	m.hooks.SubscriptionState(sub.Resource, sub.Scope, from, to)
	return true
}

// Deactivate closes and unregisters the subscription for (resource,
// scope). Safe to call for slots that were never activated.
func (m *subManager) Deactivate(resource Resource, scope string) {
	key := subKey{Resource: resource, Scope: scope}
	m.mu.Lock()
	sub := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()
	if sub == nil {
		return
	}
	m.shutdown(sub)
}

func (m *subManager) shutdown(sub *Subscription) {
	m.transition(sub, StateClosed)
	sub.mu.Lock()
	stream := sub.stream
	sub.stream = nil
	sub.mu.Unlock()
	if stream != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = stream.Close(closeCtx)
	}
}

// StateOf reports the lifecycle state of the (resource, scope) slot.
func (m *subManager) StateOf(resource Resource, scope string) (SubState, bool) {
	m.mu.Lock()
	sub := m.subs[subKey{Resource: resource, Scope: scope}]
	m.mu.Unlock()
	if sub == nil {
		return 0, false
	}
	return sub.State(), true
}

func (m *subManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[subKey]*Subscription)
	m.mu.Unlock()

	close(m.stop)
	for _, sub := range subs {
		m.shutdown(sub)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func kindOf(op feed.Op) EventKind {
	switch op {
	case feed.OpInsert:
		return KindCreated
	case feed.OpUpdate:
		return KindUpdated
	case feed.OpDelete:
		return KindDeleted
	default:
		return KindUpdated
	}
}

func entityKindOf(r Resource) (EntityKind, bool) {
	switch r {
	case ResourceProject:
		return EntityProject, true
	case ResourceFolder:
		return EntityFolder, true
	case ResourceLibrary:
		return EntityLibrary, true
	case ResourceAsset:
		return EntityAsset, true
	default:
		return 0, false
	}
}

func scopesFrom(f feed.Fields) ScopeIDs {
	return ScopeIDs{
		Project: f.Get("project_id"),
		Library: f.Get("library_id"),
		Folder:  f.Get("folder_id"),
	}
}

// ownScopeOf places a subscription's scope into the dimension the
// resource's rows are filtered by.
func ownScopeOf(r Resource, scope string) ScopeIDs {
	switch r {
	case ResourceAsset:
		return ScopeIDs{Library: scope}
	case ResourceFolder, ResourceLibrary, ResourceCollaborator, ResourceSchemaProperty:
		return ScopeIDs{Project: scope}
	default:
		return ScopeIDs{}
	}
}
