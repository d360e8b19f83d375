// Package livecache keeps a client's view of a shared workspace cached,
// live and access-correct. It layers request coalescing and
// compare-and-swap snapshot caching under an observer registry, and drives
// both from a realtime change feed: raw changes are debounced per scope,
// flushed as invalidate -> refetch -> notify, so subscribers hear about a
// change only after reads return post-change data.
//
// Components:
//   - Collection[V]: typed reads (Fetch/Refresh/Peek/Observe) with a
//     pluggable Codec[V]; concurrent fetches of one key share a producer run.
//   - store.Store / genstore.Store: byte snapshots plus per-key generation
//     counters. A read is valid only while its stored generation is
//     current; invalidation bumps the generation, so stale frames and
//     in-flight writes die at one atomic point.
//   - Engine: scope sessions (OpenScope/CloseScope) over a feed.Source,
//     the per-scope debounce pipeline, the notification Bus, access
//     revocation (authoritative re-check, evict, navigate away), and
//     presence rosters.
//
// Keys:
//
//	{resource}:{op}:{scope}        - scoped collection reads
//	{resource}:{op}:{scope}:{sub}  - detail reads inside the same scope
//
// Detail keys keep their parent container in the scope segment, so one
// scope sweep covers the lists and the entities on them alike.
package livecache
