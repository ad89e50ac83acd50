package cache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the persistent Store. Entries survive process restarts;
// Preload pulls the whole table into memory at startup so hot-path lookups
// never touch disk. Writes go through to both layers.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger

	mu        sync.RWMutex
	preloaded bool
	mem       map[string]*Entry
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	identity   TEXT PRIMARY KEY,
	phash      INTEGER NOT NULL,
	dhash      INTEGER NOT NULL,
	sharpness  REAL NOT NULL,
	brightness REAL NOT NULL,
	contrast   REAL NOT NULL,
	score      REAL NOT NULL,
	width      INTEGER NOT NULL DEFAULT 0,
	height     INTEGER NOT NULL DEFAULT 0,
	feature    BLOB,
	stored_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_stored_at ON fingerprints(stored_at);`

// OpenSQLite opens (creating if necessary) a SQLite-backed cache at path.
func OpenSQLite(path string, log *zap.Logger) (*SQLite, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCacheIO, path, err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", ErrCacheIO, err)
	}

	return &SQLite{
		db:  db,
		log: log,
		mem: make(map[string]*Entry),
	}, nil
}

// Preload bulk-reads the whole table into memory. Best effort: a failed
// preload leaves the store working directly against disk.
func (s *SQLite) Preload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, phash, dhash, sharpness, brightness, contrast, score, width, height, feature, stored_at FROM fingerprints`)
	if err != nil {
		return fmt.Errorf("%w: preload: %v", ErrCacheIO, err)
	}
	defer rows.Close()

	mem := make(map[string]*Entry)
	for rows.Next() {
		var key string
		entry, err := scanEntry(rows, &key)
		if err != nil {
			return fmt.Errorf("%w: preload scan: %v", ErrCacheIO, err)
		}
		mem[key] = entry
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: preload rows: %v", ErrCacheIO, err)
	}

	s.mu.Lock()
	s.mem = mem
	s.preloaded = true
	s.mu.Unlock()

	s.log.Info("fingerprint cache preloaded", zap.Int("entries", len(mem)))
	return nil
}

// Get retrieves an entry by identity key.
func (s *SQLite) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	if s.preloaded {
		entry := s.mem[key]
		s.mu.RUnlock()
		return entry, nil
	}
	s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT identity, phash, dhash, sharpness, brightness, contrast, score, width, height, feature, stored_at
		 FROM fingerprints WHERE identity = ?`, key)

	var k string
	entry, err := scanEntry(row, &k)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrCacheIO, err)
	}
	return entry, nil
}

// Put stores an entry, replacing any previous one for the same key.
func (s *SQLite) Put(ctx context.Context, key string, entry *Entry) error {
	e := *entry
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (identity, phash, dhash, sharpness, brightness, contrast, score, width, height, feature, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
			phash = excluded.phash,
			dhash = excluded.dhash,
			sharpness = excluded.sharpness,
			brightness = excluded.brightness,
			contrast = excluded.contrast,
			score = excluded.score,
			width = excluded.width,
			height = excluded.height,
			feature = excluded.feature,
			stored_at = excluded.stored_at`,
		key, int64(e.PHash), int64(e.DHash),
		e.Quality.Sharpness, e.Quality.Brightness, e.Quality.Contrast, e.Quality.Score,
		e.Width, e.Height, encodeFeature(e.Feature), e.StoredAt.Unix())
	if err != nil {
		return fmt.Errorf("%w: put: %v", ErrCacheIO, err)
	}

	s.mu.Lock()
	if s.preloaded {
		s.mem[key] = &e
	}
	s.mu.Unlock()
	return nil
}

// Prune removes entries older than maxAge.
func (s *SQLite) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE stored_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %v", ErrCacheIO, err)
	}
	removed, _ := res.RowsAffected()

	s.mu.Lock()
	if s.preloaded {
		cutoffT := time.Unix(cutoff, 0)
		for key, entry := range s.mem {
			if entry.StoredAt.Before(cutoffT) {
				delete(s.mem, key)
			}
		}
	}
	s.mu.Unlock()
	return int(removed), nil
}

// EvictOver removes oldest entries until at most maxEntries remain.
func (s *SQLite) EvictOver(ctx context.Context, maxEntries int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE identity NOT IN (
			SELECT identity FROM fingerprints ORDER BY stored_at DESC, identity ASC LIMIT ?
		)`, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("%w: evict: %v", ErrCacheIO, err)
	}
	removed, _ := res.RowsAffected()

	if removed > 0 {
		// Rebuild the memory layer from disk rather than mirroring the
		// eviction order logic twice.
		s.mu.RLock()
		preloaded := s.preloaded
		s.mu.RUnlock()
		if preloaded {
			if err := s.Preload(ctx); err != nil {
				s.log.Warn("cache preload after eviction failed", zap.Error(err))
			}
		}
	}
	return int(removed), nil
}

// Count returns the number of stored entries.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fingerprints`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrCacheIO, err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner, key *string) (*Entry, error) {
	var (
		phash, dhash, storedAt int64
		feature                []byte
		entry                  Entry
	)
	err := row.Scan(key, &phash, &dhash,
		&entry.Quality.Sharpness, &entry.Quality.Brightness, &entry.Quality.Contrast, &entry.Quality.Score,
		&entry.Width, &entry.Height, &feature, &storedAt)
	if err != nil {
		return nil, err
	}
	entry.PHash = uint64(phash)
	entry.DHash = uint64(dhash)
	entry.Feature = decodeFeature(feature)
	entry.StoredAt = time.Unix(storedAt, 0)
	return &entry, nil
}

// encodeFeature packs a float32 vector as a little-endian BLOB.
// Round-trips exactly at float32 precision.
func encodeFeature(feature []float32) []byte {
	if len(feature) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(feature))
	for i, f := range feature {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFeature(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	feature := make([]float32, len(buf)/4)
	for i := range feature {
		feature[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return feature
}
