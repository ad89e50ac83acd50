package dedupe

import (
	"sort"

	"github.com/google/uuid"

	"github.com/kozaktomas/photo-dedup/internal/embed"
	"github.com/kozaktomas/photo-dedup/internal/fingerprint"
	"github.com/kozaktomas/photo-dedup/internal/hnswidx"
)

// Grouping defaults. The refinement band brackets the caller's threshold
// range where the perceptual hash alone is least trustworthy.
const (
	DefaultThreshold      = 90.0
	DefaultRefineBandLow  = 80.0
	DefaultRefineBandHigh = 94.0

	// DefaultDirectCutoff is the batch size below which all pairs are
	// compared directly instead of using locality-sensitive bucketing.
	DefaultDirectCutoff = 500

	// lshBands splits the 64-bit pHash into four 16-bit segments. Any two
	// hashes within 3 bits of each other share at least one unchanged
	// segment, so banding is lossless for thresholds above 95.3%.
	lshBands    = 4
	lshBandBits = 16

	// refineNeighbors is how many approximate nearest neighbors per photo
	// the feature index contributes as extra candidates on large batches.
	refineNeighbors = 8
)

// GroupingOptions tunes the similarity grouping run.
type GroupingOptions struct {
	// Threshold is the inclusive similarity percentage (50-100) at which
	// two photos join the same group.
	Threshold float64

	// RefineBandLow/High bound the ambiguous band: hash similarities
	// inside it are replaced by feature-vector similarity when both
	// records carry feature vectors.
	RefineBandLow  float64
	RefineBandHigh float64

	// DirectCutoff is the batch size at which candidate generation
	// switches from all-pairs to locality-sensitive bucketing.
	DirectCutoff int
}

func (o GroupingOptions) withDefaults() GroupingOptions {
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	if o.RefineBandLow == 0 && o.RefineBandHigh == 0 {
		o.RefineBandLow = DefaultRefineBandLow
		o.RefineBandHigh = DefaultRefineBandHigh
	}
	if o.DirectCutoff == 0 {
		o.DirectCutoff = DefaultDirectCutoff
	}
	return o
}

// Group clusters completed records into similarity groups. It is a pure
// function of the records: no record state is mutated, and re-running with
// the same inputs yields identical membership and keeper selection.
// Records not in StateDone are ignored; groups of one are dropped.
func Group(records []*PhotoRecord, opts GroupingOptions) []SimilarityGroup {
	opts = opts.withDefaults()

	// Completed records in insertion order, so discovery order and
	// tie-breaks do not depend on the order workers finished.
	done := make([]*PhotoRecord, 0, len(records))
	for _, rec := range records {
		if rec != nil && rec.State == StateDone {
			done = append(done, rec)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Index < done[j].Index })

	if len(done) < 2 {
		return nil
	}

	pairs := candidatePairs(done, opts.DirectCutoff)

	type edge struct {
		a, b int
		sim  float64
	}
	uf := newUnionFind(len(done))
	var edges []edge
	for _, p := range pairs {
		sim := pairSimilarity(done[p[0]], done[p[1]], opts)
		if sim >= opts.Threshold {
			uf.union(p[0], p[1])
			edges = append(edges, edge{p[0], p[1], sim})
		}
	}

	// Collect components in discovery order.
	memberIdx := make(map[int][]int)
	var roots []int
	for i := range done {
		root := uf.find(i)
		if _, seen := memberIdx[root]; !seen {
			roots = append(roots, root)
		}
		memberIdx[root] = append(memberIdx[root], i)
	}

	simSum := make(map[int]float64)
	simCount := make(map[int]int)
	for _, e := range edges {
		root := uf.find(e.a)
		simSum[root] += e.sim
		simCount[root]++
	}

	var groups []SimilarityGroup
	for _, root := range roots {
		members := memberIdx[root]
		if len(members) < 2 {
			continue
		}

		keys := make([]string, len(members))
		for i, idx := range members {
			keys[i] = done[idx].Key()
		}

		group := SimilarityGroup{
			ID:      uuid.NewString(),
			Members: keys,
			Keeper:  done[selectKeeper(done, members)].Key(),
		}
		if simCount[root] > 0 {
			group.MeanSimilarity = simSum[root] / float64(simCount[root])
		}
		groups = append(groups, group)
	}

	return groups
}

// candidatePairs generates the index pairs worth comparing. Small batches
// compare everything; large ones bucket by pHash segments and, when
// feature vectors are present, add approximate nearest neighbors from an
// HNSW index.
func candidatePairs(done []*PhotoRecord, directCutoff int) [][2]int {
	n := len(done)

	if n <= directCutoff {
		pairs := make([][2]int, 0, n*(n-1)/2)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				pairs = append(pairs, [2]int{i, j})
			}
		}
		return pairs
	}

	seen := make(map[uint64]struct{})
	var pairs [][2]int
	addPair := func(i, j int) {
		if i == j {
			return
		}
		if i > j {
			i, j = j, i
		}
		key := uint64(i)<<32 | uint64(j)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		pairs = append(pairs, [2]int{i, j})
	}

	// Locality-sensitive banding over the pHash.
	for band := 0; band < lshBands; band++ {
		buckets := make(map[uint16][]int)
		for i, rec := range done {
			segment := uint16(rec.PHash >> (band * lshBandBits))
			buckets[segment] = append(buckets[segment], i)
		}
		for _, members := range buckets {
			for i := 0; i < len(members); i++ {
				for j := i + 1; j < len(members); j++ {
					addPair(members[i], members[j])
				}
			}
		}
	}

	// Feature-vector neighbors catch visually similar pairs whose hashes
	// landed in different buckets.
	index := hnswidx.New()
	keyToIdx := make(map[string]int, n)
	for i, rec := range done {
		if len(rec.Feature) > 0 {
			index.Add(rec.Key(), rec.Feature)
			keyToIdx[rec.Key()] = i
		}
	}
	if index.Len() > 1 {
		for i, rec := range done {
			if len(rec.Feature) == 0 {
				continue
			}
			for _, neighbor := range index.Neighbors(rec.Feature, refineNeighbors) {
				if j, ok := keyToIdx[neighbor.Key]; ok {
					addPair(i, j)
				}
			}
		}
	}

	return pairs
}

// pairSimilarity scores one candidate pair as a percentage. Hash
// similarity inside the ambiguous band is replaced by feature-vector
// similarity when both sides carry vectors; the refined value wins.
func pairSimilarity(a, b *PhotoRecord, opts GroupingOptions) float64 {
	sim := fingerprint.Similarity(a.PHash, b.PHash)
	if sim >= opts.RefineBandLow && sim <= opts.RefineBandHigh &&
		len(a.Feature) > 0 && len(b.Feature) > 0 {
		// Cosine distance spans [0,2]; map onto the same 0-100 scale.
		sim = (1 - embed.CosineDistance(a.Feature, b.Feature)/2) * 100
	}
	return sim
}

// selectKeeper picks the member with the highest composite quality score.
// Ties break by larger pixel area, then larger file size, then earliest
// insertion order.
func selectKeeper(done []*PhotoRecord, members []int) int {
	best := members[0]
	for _, idx := range members[1:] {
		if keeperLess(done[best], done[idx]) {
			best = idx
		}
	}
	return best
}

// keeperLess reports whether b beats a as the group keeper.
func keeperLess(a, b *PhotoRecord) bool {
	if a.Quality.Score != b.Quality.Score {
		return b.Quality.Score > a.Quality.Score
	}
	areaA, areaB := a.Width*a.Height, b.Width*b.Height
	if areaA != areaB {
		return areaB > areaA
	}
	if a.Size != b.Size {
		return b.Size > a.Size
	}
	return b.Index < a.Index
}
