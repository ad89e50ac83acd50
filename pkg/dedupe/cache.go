package dedupe

import (
	"go.uber.org/zap"

	"github.com/kozaktomas/photo-dedup/internal/cache"
	"github.com/kozaktomas/photo-dedup/internal/embed"
)

// CacheEntry re-exports the persisted fingerprint cache entry.
type CacheEntry = cache.Entry

// CacheStore re-exports the fingerprint cache contract so hosts can inject
// their own implementation (or a test fake) via WithCache.
type CacheStore = cache.Store

// Embedder re-exports the feature embedder contract for WithEmbedder.
type Embedder = embed.Embedder

// NewMemoryCache creates the default in-process fingerprint cache.
func NewMemoryCache() CacheStore {
	return cache.NewMemory()
}

// SQLiteCache is the persistent fingerprint cache. Beyond the CacheStore
// contract it supports bulk preloading into memory at startup.
type SQLiteCache = cache.SQLite

// OpenSQLiteCache opens (creating if necessary) a persistent fingerprint
// cache backed by SQLite at the given path.
func OpenSQLiteCache(path string, log *zap.Logger) (*SQLiteCache, error) {
	return cache.OpenSQLite(path, log)
}

// NewEmbeddingClient creates an Embedder backed by a CLIP embedding
// server. The model is probed lazily; when the server is unreachable the
// engine degrades to hash-only similarity instead of failing batches.
func NewEmbeddingClient(baseURL string, log *zap.Logger) Embedder {
	return embed.NewClient(baseURL, log)
}

// NoopEmbedder returns the fallback Embedder that is never available.
func NoopEmbedder() Embedder {
	return embed.Noop{}
}
