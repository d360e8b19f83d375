package livecache

import (
	"context"
	"sync"
	"time"
)

const (
	defaultEvictedPath = "/"
	recheckTimeout     = 5 * time.Second
)

// revocationMonitor decides whether the current actor still belongs in an
// open scope. It is triggered by membership deletions and container
// deletions, but never trusts the triggering payload: the decision always
// comes from a fresh AccessChecker call, because a collaborator row can be
// deleted and recreated, or the event can be a stale echo. An inconclusive
// check (error) counts as revoked; granting continued access on a guess is
// the one outcome this component must never produce.
//
// A revoked scope is evicted from both cache layers, announced once on the
// bus, and the UI is navigated away exactly once, no matter how many
// duplicate triggers arrive.
type revocationMonitor struct {
	access   AccessChecker
	identity Identity
	nav      Navigator
	evict    func(ctx context.Context, scope string, ref EntityRef)
	path     string
	log      Logger
	hooks    Hooks

	mu      sync.Mutex
	open    map[string]EntityRef
	revoked map[string]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func newRevocationMonitor(access AccessChecker, identity Identity, nav Navigator, evict func(context.Context, string, EntityRef), path string, log Logger, hooks Hooks) *revocationMonitor {
	return &revocationMonitor{
		access:   access,
		identity: identity,
		nav:      nav,
		evict:    evict,
		path:     coalesce(path, defaultEvictedPath),
		log:      log,
		hooks:    hooks,
		open:     make(map[string]EntityRef),
		revoked:  make(map[string]struct{}),
	}
}

// Watch puts scope under revocation watch. Re-opening a scope clears any
// earlier revocation verdict, so a re-granted membership starts clean.
func (r *revocationMonitor) Watch(scope string, ref EntityRef) {
	r.mu.Lock()
	r.open[scope] = ref
	delete(r.revoked, scope)
	r.mu.Unlock()
}

// Unwatch removes scope from watch, typically on scope teardown.
func (r *revocationMonitor) Unwatch(scope string) {
	r.mu.Lock()
	delete(r.open, scope)
	r.mu.Unlock()
}

// Recheck schedules an authoritative access check for scope. It returns
// immediately; the check runs on its own goroutine with its own deadline
// so feed pumps are never blocked on an authorization round-trip.
func (r *revocationMonitor) Recheck(scope string) {
	if r.access == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.recheck(scope)
	}()
}

func (r *revocationMonitor) recheck(scope string) {
	r.mu.Lock()
	ref, watching := r.open[scope]
	_, already := r.revoked[scope]
	closed := r.closed
	r.mu.Unlock()
	if closed || !watching || already {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recheckTimeout)
	defer cancel()

	actor := r.identity.CurrentActor()
	acc, err := r.access.EffectiveAccess(ctx, scope, actor.ID)

	lost := false
	switch {
	case err != nil:
		lost = true
		r.log.Warn("access re-check inconclusive; treating as revoked", Fields{
			"scope": scope,
			"actor": actor.ID,
			"err":   err,
		})
	case acc.None():
		lost = true
	}
	r.hooks.AccessRecheck(scope, lost)

	if !lost {
		r.log.Debug("access confirmed after membership change", Fields{
			"scope": scope,
			"actor": actor.ID,
			"role":  acc.Role,
		})
		return
	}

	r.mu.Lock()
	if _, dup := r.revoked[scope]; dup || r.closed {
		r.mu.Unlock()
		return
	}
	r.revoked[scope] = struct{}{}
	r.mu.Unlock()

	r.evict(ctx, scope, ref)
	if r.nav != nil {
		r.nav.NavigateTo(r.path)
	}
	r.log.Info("scope access revoked", Fields{
		"scope": scope,
		"actor": actor.ID,
		"path":  r.path,
	})
}

func (r *revocationMonitor) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
