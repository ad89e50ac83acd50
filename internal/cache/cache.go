// Package cache stores computed fingerprints keyed by stable file identity
// so re-running a batch over unchanged files skips the expensive decode and
// hash stages. A miss is never an error, only a signal to recompute; I/O
// failures in the persistent backend are reported as ErrCacheIO and treated
// as misses by callers.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kozaktomas/photo-dedup/internal/fingerprint"
)

// ErrCacheIO wraps persistence read/write failures. Recoverable: callers
// log it and recompute in memory.
var ErrCacheIO = errors.New("cache I/O failure")

// Entry is the cached computation result for one file identity.
// Staleness is structural: the identity key embeds size and mtime, so a
// changed file simply misses under its new key.
type Entry struct {
	PHash    uint64              `json:"phash"`
	DHash    uint64              `json:"dhash"`
	Quality  fingerprint.Quality `json:"quality"`
	Feature  []float32           `json:"feature,omitempty"`
	Width    int                 `json:"width"`
	Height   int                 `json:"height"`
	StoredAt time.Time           `json:"ts"`
}

// Store is the fingerprint cache contract. Implementations must be safe
// for concurrent use by multiple batch workers and guarantee at most one
// entry per key (last write wins).
type Store interface {
	// Get retrieves an entry by identity key; a miss returns (nil, nil).
	Get(ctx context.Context, key string) (*Entry, error)
	// Put stores an entry under the identity key, replacing any previous one.
	Put(ctx context.Context, key string, entry *Entry) error
	// Prune removes entries older than maxAge and returns the count removed.
	Prune(ctx context.Context, maxAge time.Duration) (int, error)
	// EvictOver removes oldest entries until at most maxEntries remain.
	EvictOver(ctx context.Context, maxEntries int) (int, error)
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
	// Close releases any underlying resources.
	Close() error
}
