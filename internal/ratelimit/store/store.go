// Package store provides the shared keyed sorted-set storage backing the
// gateway's sliding-window rate limiter. Implementations must make
// SlideWindow atomic per key: two concurrent calls for the same key must
// each observe a purge-count-insert sequence, never an interleaved one.
package store

import (
	"context"
	"time"
)

// Store is a time-indexed entry set per key. Scores are unix seconds.
type Store interface {
	// SlideWindow atomically removes all entries with score <= windowStart,
	// counts the survivors, inserts member at score now, and refreshes the
	// key's TTL. It returns the count taken BEFORE the insert, which is the
	// occupancy the admission decision is made on.
	SlideWindow(ctx context.Context, key string, windowStart, now int64, member string, ttl time.Duration) (int64, error)

	// RemoveMember deletes a single entry, compensating for an insert whose
	// request was ultimately rejected.
	RemoveMember(ctx context.Context, key, member string) error

	// PurgeCount removes entries with score <= windowStart and returns the
	// remaining count without inserting anything.
	PurgeCount(ctx context.Context, key string, windowStart int64) (int64, error)

	// Close releases the store's resources.
	Close() error
}
