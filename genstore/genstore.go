// Package genstore tracks a monotonic generation per cache key. A bump
// instantly invalidates the corresponding entry everywhere: readers compare
// the generation embedded in a stored frame against the current one and
// treat any mismatch as a miss.
package genstore

import (
	"context"
	"time"
)

// Store abstracts where generations live.
// Use Local (default) for in-process gens, or Redis for gens shared across
// processes.
type Store interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
