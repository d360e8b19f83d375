package livecache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The engine calls them on hot paths.
type Hooks interface {
	// A single entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// Store returned ok=false on Set (backpressure/eviction).
	StoreSetRejected(storageKey string)

	// A store operation failed and the read path degraded to a miss.
	// op ∈ {"get", "set", "del"}
	StoreError(op, storageKey string, err error)

	// GenStore errors (snapshot or bump).
	GenSnapshotError(storageKey string, err error)
	GenBumpError(storageKey string, err error)

	// Both gen bump and delete failed during eviction (likely backend outage).
	EvictOutage(key string, bumpErr, delErr error)

	// A debounce window closed for scope; events raw changes collapsed
	// into one flush.
	BatchFlushed(scope string, events int)

	// Active-query refetch fan-out completed for scope.
	RefetchFanout(scope string, refetched, staleMarked int)

	// A publish was dropped because handlers for the same event were
	// already depth levels deep in re-entrant publishes.
	PublishDepthExceeded(kind EventKind, entity EntityKind, depth int)

	// A watcher's update channel was full; the undelivered value was
	// replaced by the newer one.
	WatcherLagged(key string)

	// A subscription moved between lifecycle states.
	SubscriptionState(resource Resource, scope string, from, to SubState)

	// A raw change arrived on a subscription that is no longer current
	// for its scope and was dropped.
	StaleEventDropped(resource Resource, scope string)

	// An authoritative access re-check completed. lost reports whether the
	// scope was evicted as a result.
	AccessRecheck(scope string, lost bool)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                                {}
func (NopHooks) StoreSetRejected(string)                                {}
func (NopHooks) StoreError(string, string, error)                       {}
func (NopHooks) GenSnapshotError(string, error)                         {}
func (NopHooks) GenBumpError(string, error)                             {}
func (NopHooks) EvictOutage(string, error, error)                       {}
func (NopHooks) BatchFlushed(string, int)                               {}
func (NopHooks) RefetchFanout(string, int, int)                         {}
func (NopHooks) PublishDepthExceeded(EventKind, EntityKind, int)        {}
func (NopHooks) WatcherLagged(string)                                   {}
func (NopHooks) SubscriptionState(Resource, string, SubState, SubState) {}
func (NopHooks) StaleEventDropped(Resource, string)                     {}
func (NopHooks) AccessRecheck(string, bool)                             {}
