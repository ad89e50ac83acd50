// Package dedupe is the near-duplicate detection engine: it fingerprints a
// batch of photos in parallel, scores their quality, and clusters
// near-duplicates under a similarity threshold, proposing one keeper per
// group. It is a library for a host process; all file discovery, decoding
// of exotic formats, and presentation live with the caller.
package dedupe

import (
	"fmt"
	"image"
	"time"

	"github.com/kozaktomas/photo-dedup/internal/fingerprint"
)

// Quality re-exports the per-photo quality metrics.
type Quality = fingerprint.Quality

// State is the processing state of a photo within a batch.
type State string

// Processing states. Failed is terminal; Pending means the batch was
// cancelled before the photo was picked up.
const (
	StatePending   State = "pending"
	StateDecoding  State = "decoding"
	StateHashing   State = "hashing"
	StateScoring   State = "scoring_quality"
	StateEmbedding State = "embedding"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Identity is the stable identity of a photo file. Two inputs with equal
// identity are assumed to have identical content; a changed file shows up
// as a different identity, which is how cache staleness is detected.
type Identity struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Key returns the cache key for this identity.
func (id Identity) Key() string {
	return fmt.Sprintf("%s|%d|%d", id.Path, id.Size, id.ModTime.Unix())
}

// RawPhotoInput is one photo handed to the engine by the host. The engine
// never reads the filesystem itself: Open returns decoded pixels, Bytes
// (optional) returns an encoded payload for the embedding model. Either
// may be invoked from a worker goroutine.
type RawPhotoInput struct {
	Identity

	// Open returns the decoded pixel data for this photo.
	Open func() (image.Image, error)

	// Bytes returns encoded image bytes for the embedder. Optional; when
	// nil the engine re-encodes the decoded pixels instead.
	Bytes func() ([]byte, error)
}

// PhotoRecord is the per-photo result of a batch run. Mutated only by the
// scheduler while the batch is in flight; treat as read-only afterwards.
type PhotoRecord struct {
	Identity

	// Index is the insertion order within the batch, used for
	// deterministic keeper tie-breaks.
	Index int `json:"index"`

	State State `json:"state"`

	PHash     uint64 `json:"-"`
	DHash     uint64 `json:"-"`
	PHashHex  string `json:"phash,omitempty"`
	DHashHex  string `json:"dhash,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	FromCache bool   `json:"from_cache,omitempty"`

	Quality Quality   `json:"quality"`
	Feature []float32 `json:"feature,omitempty"`

	// Err holds the failure cause when State is StateFailed.
	Err error `json:"-"`
}

// Failure describes one photo that could not be processed. The batch
// continues past individual failures; they are collected here.
type Failure struct {
	Identity
	Err error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %v", f.Path, f.Err)
}

// SimilarityGroup is one cluster of near-duplicate photos. Groups are
// connected components under the threshold, not cliques. Immutable once
// returned.
type SimilarityGroup struct {
	ID string `json:"id"`

	// Members holds identity keys in discovery order.
	Members []string `json:"members"`

	// Keeper is the member proposed for retention.
	Keeper string `json:"keeper"`

	// MeanSimilarity is the mean over the in-threshold pairs that
	// connected the group.
	MeanSimilarity float64 `json:"mean_similarity"`
}

// Progress is one progress event, emitted after each completed chunk.
type Progress struct {
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// BatchResult is the complete outcome of one batch run.
type BatchResult struct {
	Records  []*PhotoRecord    `json:"records"`
	Groups   []SimilarityGroup `json:"groups"`
	Failures []Failure         `json:"failures"`

	// Degraded reports that embedding refinement was requested but the
	// model was unavailable; grouping fell back to hash-only similarity.
	Degraded bool `json:"degraded,omitempty"`

	// Cancelled reports that the batch stopped early on caller request.
	// Unprocessed records remain in StatePending.
	Cancelled bool `json:"cancelled,omitempty"`

	// CacheHits and CacheMisses count fingerprint cache consultations.
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}
