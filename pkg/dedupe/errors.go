package dedupe

import (
	"errors"

	"github.com/kozaktomas/photo-dedup/internal/cache"
	"github.com/kozaktomas/photo-dedup/internal/embed"
)

// Error taxonomy. None of these abort a batch: per-photo errors are
// collected into BatchResult.Failures, cache errors downgrade to misses,
// and an unavailable model downgrades grouping to hash-only similarity.
var (
	// ErrDecode marks unreadable or corrupt pixel input.
	ErrDecode = errors.New("image decode failed")

	// ErrTimeout marks a unit of work that exceeded its budget.
	ErrTimeout = errors.New("task timed out")

	// ErrModelUnavailable marks an embedding model that failed to initialize.
	ErrModelUnavailable = embed.ErrModelUnavailable

	// ErrCacheIO marks a cache persistence failure, treated as a miss.
	ErrCacheIO = cache.ErrCacheIO
)
