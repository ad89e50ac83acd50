// Package hnswidx wraps an HNSW graph over per-photo feature vectors.
// The grouping engine uses it on large batches to find refinement
// candidates without comparing every embedding pair.
package hnswidx

import (
	"sync"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/photo-dedup/internal/embed"
)

// maxNeighbors (M) is the maximum number of neighbors per node.
const maxNeighbors = 16

// Neighbor is one approximate nearest-neighbor search result.
type Neighbor struct {
	Key      string
	Distance float64 // cosine distance to the query vector
}

// Index is an approximate nearest-neighbor index over feature vectors,
// keyed by photo identity key. Safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[string]
	count int
}

// New creates an empty index.
func New() *Index {
	return &Index{}
}

// Add inserts a vector under the given key. Empty vectors are ignored.
func (x *Index) Add(key string, vec []float32) {
	if len(vec) == 0 {
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.graph == nil {
		g := hnsw.NewGraph[string]()
		g.M = maxNeighbors
		g.Ml = 1.0 / float64(maxNeighbors) // Standard HNSW formula
		g.Distance = hnsw.CosineDistance
		x.graph = g
	}

	x.graph.Add(hnsw.MakeNode(key, vec))
	x.count++
}

// Neighbors returns up to k approximate nearest neighbors of the query
// vector with their exact cosine distances.
func (x *Index) Neighbors(query []float32, k int) []Neighbor {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph == nil || len(query) == 0 || k <= 0 {
		return nil
	}

	nodes := x.graph.Search(query, k)
	neighbors := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		neighbors = append(neighbors, Neighbor{
			Key:      n.Key,
			Distance: embed.CosineDistance(query, n.Value),
		})
	}
	return neighbors
}

// Len returns the number of indexed vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count
}
