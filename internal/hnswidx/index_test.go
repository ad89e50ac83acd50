package hnswidx

import (
	"testing"
)

func TestIndexEmpty(t *testing.T) {
	idx := New()

	if idx.Len() != 0 {
		t.Errorf("empty index Len = %d; want 0", idx.Len())
	}
	if got := idx.Neighbors([]float32{1, 0}, 3); got != nil {
		t.Errorf("empty index should return no neighbors, got %v", got)
	}
}

func TestIndexAddAndSearch(t *testing.T) {
	idx := New()

	idx.Add("a", []float32{1, 0, 0})
	idx.Add("b", []float32{0.99, 0.1, 0})
	idx.Add("c", []float32{0, 1, 0})
	idx.Add("d", []float32{0, 0, 1})

	if idx.Len() != 4 {
		t.Fatalf("Len = %d; want 4", idx.Len())
	}

	neighbors := idx.Neighbors([]float32{1, 0, 0}, 2)
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(neighbors))
	}

	// The query matches "a" exactly and "b" almost exactly; both must beat
	// the orthogonal vectors.
	found := map[string]float64{}
	for _, n := range neighbors {
		found[n.Key] = n.Distance
	}
	if _, ok := found["a"]; !ok {
		t.Errorf("exact match should be among neighbors, got %v", neighbors)
	}
	if _, ok := found["b"]; !ok {
		t.Errorf("near match should be among neighbors, got %v", neighbors)
	}
	if found["a"] > 1e-6 {
		t.Errorf("exact match distance = %f; want ~0", found["a"])
	}
}

func TestIndexIgnoresEmptyVectors(t *testing.T) {
	idx := New()

	idx.Add("empty", nil)
	idx.Add("also-empty", []float32{})

	if idx.Len() != 0 {
		t.Errorf("empty vectors should not be indexed, Len = %d", idx.Len())
	}
}

func TestIndexNeighborsBadQuery(t *testing.T) {
	idx := New()
	idx.Add("a", []float32{1, 0})

	if got := idx.Neighbors(nil, 2); got != nil {
		t.Errorf("nil query should return no neighbors, got %v", got)
	}
	if got := idx.Neighbors([]float32{1, 0}, 0); got != nil {
		t.Errorf("k=0 should return no neighbors, got %v", got)
	}
}
