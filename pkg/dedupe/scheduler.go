package dedupe

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/photo-dedup/internal/cache"
	"github.com/kozaktomas/photo-dedup/internal/embed"
	"github.com/kozaktomas/photo-dedup/internal/fingerprint"
)

// ScoreWeights re-exports the composite quality weighting.
type ScoreWeights = fingerprint.Weights

// Scheduler defaults.
const (
	minWorkers         = 2
	maxWorkers         = 16
	defaultChunkSize   = 32
	defaultTaskTimeout = 30 * time.Second

	// eventChannelBuffer is the buffer size for the progress event channel.
	eventChannelBuffer = 100

	// embedMaxImageSize caps the dimensions of the payload sent to the
	// embedding model when the host did not supply encoded bytes.
	embedMaxImageSize = 1920
)

// RecommendedConcurrency maps a reported hardware core count onto a worker
// pool size, with a floor and ceiling. Pure so hosts and tests can reason
// about it without touching the environment.
func RecommendedConcurrency(coreCount int) int {
	if coreCount < minWorkers {
		return minWorkers
	}
	if coreCount > maxWorkers {
		return maxWorkers
	}
	return coreCount
}

// BatchOptions controls one batch run.
type BatchOptions struct {
	// Threshold is the inclusive similarity percentage (50-100) for
	// grouping. Zero means DefaultThreshold.
	Threshold float64

	// EnableRefinement asks for feature-vector refinement of borderline
	// hash matches. Silently degrades to hash-only when the embedding
	// model is unavailable (BatchResult.Degraded reports it).
	EnableRefinement bool

	// Workers bounds the parallel worker pool. Zero means
	// RecommendedConcurrency over the machine's core count.
	Workers int

	// ChunkSize bounds how many decoded pixel buffers are held at once.
	// Progress is reported after each chunk. Zero means the default.
	ChunkSize int

	// TaskTimeout is the per-photo work budget. Zero means the default.
	TaskTimeout time.Duration

	// SkipGrouping returns records without running the grouping engine.
	SkipGrouping bool

	// Weights overrides the composite quality weighting. Zero value means
	// the package default.
	Weights ScoreWeights

	// RefineBandLow/High and DirectCutoff tune grouping; zero values mean
	// the grouping defaults.
	RefineBandLow  float64
	RefineBandHigh float64
	DirectCutoff   int
}

func (o BatchOptions) withDefaults(coreCount int) BatchOptions {
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Workers <= 0 {
		o.Workers = RecommendedConcurrency(coreCount)
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = defaultTaskTimeout
	}
	if o.Weights == (ScoreWeights{}) {
		o.Weights = fingerprint.DefaultWeights
	}
	return o
}

func (o BatchOptions) grouping() GroupingOptions {
	return GroupingOptions{
		Threshold:      o.Threshold,
		RefineBandLow:  o.RefineBandLow,
		RefineBandHigh: o.RefineBandHigh,
		DirectCutoff:   o.DirectCutoff,
	}
}

// Scheduler drives decode, hash, quality and embedding work across a
// bounded worker pool, consulting the fingerprint cache before dispatching
// and writing results back on completion. One Scheduler handles one batch
// at a time; Process blocks until the batch completes or is cancelled.
type Scheduler struct {
	cache    cache.Store
	embedder embed.Embedder
	log      *zap.Logger
	cores    int

	events chan Progress

	mu     sync.Mutex
	cancel context.CancelFunc

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	decodes     atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCache injects the fingerprint cache, replacing the default
// in-memory one.
func WithCache(store CacheStore) Option {
	return func(s *Scheduler) { s.cache = store }
}

// WithEmbedder injects the feature embedder used for refinement.
func WithEmbedder(e Embedder) Option {
	return func(s *Scheduler) { s.embedder = e }
}

// WithLogger injects a logger; the default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithCoreCount overrides the core count fed into
// RecommendedConcurrency. Mainly for tests.
func WithCoreCount(cores int) Option {
	return func(s *Scheduler) { s.cores = cores }
}

// NewScheduler creates a Scheduler with an in-memory cache, no embedder
// and a no-op logger unless options say otherwise.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:    cache.NewMemory(),
		embedder: embed.Noop{},
		log:      zap.NewNop(),
		cores:    runtimeCores(),
		events:   make(chan Progress, eventChannelBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the progress event stream. Events are emitted after each
// completed chunk; slow consumers miss events rather than stalling the
// batch. The channel is never closed.
func (s *Scheduler) Events() <-chan Progress {
	return s.events
}

// Cancel requests cooperative cancellation of the in-flight batch.
// In-flight photos finish their current stage; no new work starts.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Decodes returns how many decode stages actually ran. Cache hits skip
// decoding entirely, so this doubles as the round-trip verification hook.
func (s *Scheduler) Decodes() int64 {
	return s.decodes.Load()
}

// Process runs the batch: fingerprints and scores every input, then groups
// near-duplicates. Individual failures never abort the batch; they are
// collected into the result. The only early exit is cancellation.
func (s *Scheduler) Process(ctx context.Context, photos []RawPhotoInput, opts BatchOptions) (*BatchResult, error) {
	opts = opts.withDefaults(s.cores)
	if opts.Threshold < 50 || opts.Threshold > 100 {
		return nil, fmt.Errorf("similarity threshold must be between 50 and 100, got %g", opts.Threshold)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	records := make([]*PhotoRecord, len(photos))
	for i := range photos {
		records[i] = &PhotoRecord{
			Identity: photos[i].Identity,
			Index:    i,
			State:    StatePending,
		}
	}

	hitsBefore := s.cacheHits.Load()
	missesBefore := s.cacheMisses.Load()

	useEmbed := opts.EnableRefinement
	degraded := false
	if useEmbed && !s.embedder.Available() {
		useEmbed = false
		degraded = true
		s.log.Warn("embedding refinement requested but model unavailable, using hash-only similarity")
	}

	total := len(photos)
	sem := make(chan struct{}, opts.Workers)

	// Chunked dispatch bounds peak memory: only one chunk's worth of
	// decoded pixel buffers is in flight at a time.
	for start := 0; start < total; start += opts.ChunkSize {
		if ctx.Err() != nil {
			break
		}
		end := min(start+opts.ChunkSize, total)

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				s.processOne(ctx, &photos[i], records[i], opts, useEmbed)
			}(i)
		}
		wg.Wait()

		processed := 0
		for _, rec := range records {
			if rec.State != StatePending {
				processed++
			}
		}
		s.emit(Progress{
			Processed: processed,
			Total:     total,
			Percent:   100 * float64(processed) / float64(max(total, 1)),
		})
	}

	result := &BatchResult{
		Records:     records,
		Degraded:    degraded,
		Cancelled:   ctx.Err() != nil,
		CacheHits:   s.cacheHits.Load() - hitsBefore,
		CacheMisses: s.cacheMisses.Load() - missesBefore,
	}
	for _, rec := range records {
		if rec.State == StateFailed {
			result.Failures = append(result.Failures, Failure{Identity: rec.Identity, Err: rec.Err})
		}
	}

	if !opts.SkipGrouping {
		result.Groups = Group(records, opts.grouping())
	}

	return result, nil
}

// processOne drives a single photo through the stage machine:
// Pending -> Decoding -> Hashing -> ScoringQuality -> (Embedding) -> Done.
// The timeout budget is checked at stage boundaries; a batch cancellation
// between stages rolls the record back to Pending.
func (s *Scheduler) processOne(ctx context.Context, in *RawPhotoInput, rec *PhotoRecord, opts BatchOptions, useEmbed bool) {
	if ctx.Err() != nil {
		return
	}

	key := in.Key()
	entry, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		s.cacheMisses.Add(1)
		s.log.Warn("cache read failed, recomputing",
			zap.String("path", in.Path),
			zap.Error(err))
	case entry != nil:
		s.cacheHits.Add(1)
		s.applyEntry(rec, entry)
		return
	default:
		s.cacheMisses.Add(1)
	}

	taskCtx, cancelTask := context.WithTimeout(ctx, opts.TaskTimeout)
	defer cancelTask()

	rec.State = StateDecoding
	img, err := in.Open()
	if err != nil {
		s.fail(rec, fmt.Errorf("%w: %v", ErrDecode, err))
		return
	}
	if img == nil {
		s.fail(rec, fmt.Errorf("%w: decoder returned no pixels", ErrDecode))
		return
	}
	s.decodes.Add(1)
	rec.Width = img.Bounds().Dx()
	rec.Height = img.Bounds().Dy()
	if !s.stageGate(taskCtx, rec, opts.TaskTimeout) {
		return
	}

	rec.State = StateHashing
	hashes, err := fingerprint.Compute(img)
	if err != nil {
		s.fail(rec, fmt.Errorf("%w: %v", ErrDecode, err))
		return
	}
	if !s.stageGate(taskCtx, rec, opts.TaskTimeout) {
		return
	}

	rec.State = StateScoring
	quality, err := fingerprint.ScoreWith(img, opts.Weights)
	if err != nil {
		s.fail(rec, fmt.Errorf("%w: %v", ErrDecode, err))
		return
	}
	if !s.stageGate(taskCtx, rec, opts.TaskTimeout) {
		return
	}

	var feature []float32
	if useEmbed {
		rec.State = StateEmbedding
		feature = s.computeFeature(taskCtx, in, img)
		if !s.stageGate(taskCtx, rec, opts.TaskTimeout) {
			return
		}
	}

	rec.PHash = hashes.PHashBits
	rec.DHash = hashes.DHashBits
	rec.PHashHex = hashes.PHash
	rec.DHashHex = hashes.DHash
	rec.Quality = quality
	rec.Feature = feature
	rec.State = StateDone

	if err := s.cache.Put(ctx, key, &cache.Entry{
		PHash:   rec.PHash,
		DHash:   rec.DHash,
		Quality: rec.Quality,
		Feature: rec.Feature,
		Width:   rec.Width,
		Height:  rec.Height,
	}); err != nil {
		s.log.Warn("cache write failed",
			zap.String("path", in.Path),
			zap.Error(err))
	}
}

// computeFeature obtains the feature vector for refinement. Failures here
// degrade the single record to hash-only similarity, they never fail it.
func (s *Scheduler) computeFeature(ctx context.Context, in *RawPhotoInput, img image.Image) []float32 {
	var payload []byte
	var err error
	if in.Bytes != nil {
		payload, err = in.Bytes()
	}
	if err != nil || len(payload) == 0 {
		payload, err = fingerprint.EncodeJPEG(img, embedMaxImageSize)
	}
	if err != nil {
		s.log.Warn("embedding payload unavailable",
			zap.String("path", in.Path),
			zap.Error(err))
		return nil
	}

	feature, err := s.embedder.Embed(ctx, payload)
	if err != nil {
		s.log.Warn("embedding failed, photo falls back to hash-only similarity",
			zap.String("path", in.Path),
			zap.Error(err))
		return nil
	}
	return feature
}

func runtimeCores() int {
	return runtime.NumCPU()
}

// stageGate checks the task budget between stages. Returns false when the
// record should stop advancing: timed out (marked Failed) or the batch was
// cancelled (rolled back to Pending).
func (s *Scheduler) stageGate(taskCtx context.Context, rec *PhotoRecord, budget time.Duration) bool {
	err := taskCtx.Err()
	if err == nil {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.fail(rec, fmt.Errorf("%w after %s", ErrTimeout, budget))
		return false
	}
	// Batch cancelled: the stage that was in flight finished, but the
	// record never completed.
	rec.State = StatePending
	return false
}

func (s *Scheduler) fail(rec *PhotoRecord, err error) {
	rec.State = StateFailed
	rec.Err = err
	s.log.Warn("photo failed",
		zap.String("path", rec.Path),
		zap.Error(err))
}

func (s *Scheduler) applyEntry(rec *PhotoRecord, entry *cache.Entry) {
	rec.PHash = entry.PHash
	rec.DHash = entry.DHash
	rec.PHashHex = fmt.Sprintf("%016x", entry.PHash)
	rec.DHashHex = fmt.Sprintf("%016x", entry.DHash)
	rec.Quality = entry.Quality
	rec.Feature = entry.Feature
	rec.Width = entry.Width
	rec.Height = entry.Height
	rec.FromCache = true
	rec.State = StateDone
}

// emit delivers a progress event without blocking the batch.
func (s *Scheduler) emit(event Progress) {
	select {
	case s.events <- event:
	default:
		// Listener buffer full, skip.
	}
}

// ProcessBatch runs one batch with a throwaway scheduler: in-memory cache,
// no embedder. Hosts wanting persistence, refinement, progress events or
// cancellation should build a Scheduler themselves.
func ProcessBatch(ctx context.Context, photos []RawPhotoInput, opts BatchOptions) (*BatchResult, error) {
	return NewScheduler().Process(ctx, photos, opts)
}
