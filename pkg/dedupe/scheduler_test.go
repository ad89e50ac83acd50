package dedupe

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/photo-dedup/internal/cache"
)

// testImage builds a structured image whose content is controlled by seed,
// so different seeds hash far apart and equal seeds hash identically.
func testImage(seed int) image.Image {
	const size = 64
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			gray := uint8((x*(seed+1) + y*(seed+3)) % 256)
			if (x/8+y/8+seed)%3 == 0 {
				gray = 240
			}
			img.Set(x, y, color.RGBA{gray, gray, gray, 255})
		}
	}
	return img
}

func imageInput(path string, img image.Image) RawPhotoInput {
	return RawPhotoInput{
		Identity: Identity{
			Path:    path,
			Size:    2048,
			ModTime: time.Unix(1700000000, 0),
		},
		Open: func() (image.Image, error) { return img, nil },
	}
}

// stubEmbedder is an always-available Embedder returning a fixed vector.
type stubEmbedder struct {
	vector []float32
	calls  atomic.Int32
}

func (s *stubEmbedder) Embed(ctx context.Context, imageData []byte) ([]float32, error) {
	s.calls.Add(1)
	return s.vector, nil
}
func (s *stubEmbedder) Available() bool { return true }
func (s *stubEmbedder) Dim() int        { return len(s.vector) }

func TestRecommendedConcurrency(t *testing.T) {
	tests := []struct {
		cores    int
		expected int
	}{
		{0, 2},
		{1, 2},
		{2, 2},
		{4, 4},
		{8, 8},
		{16, 16},
		{32, 16},
	}

	for _, tc := range tests {
		if got := RecommendedConcurrency(tc.cores); got != tc.expected {
			t.Errorf("RecommendedConcurrency(%d) = %d; want %d", tc.cores, got, tc.expected)
		}
	}
}

func TestProcessFullBatch(t *testing.T) {
	dup := testImage(1)
	photos := []RawPhotoInput{
		imageInput("/photos/a.jpg", dup),
		imageInput("/photos/a-copy.jpg", dup),
		imageInput("/photos/other.jpg", testImage(17)),
	}

	sched := NewScheduler(WithCoreCount(4))
	result, err := sched.Process(context.Background(), photos, BatchOptions{Threshold: 95})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(result.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(result.Records))
	}
	for _, rec := range result.Records {
		if rec.State != StateDone {
			t.Errorf("%s state = %s; want done", rec.Path, rec.State)
		}
		if rec.PHash == 0 && rec.DHash == 0 {
			t.Errorf("%s has no hashes", rec.Path)
		}
		if len(rec.PHashHex) != 16 {
			t.Errorf("%s phash hex = %q; want 16 characters", rec.Path, rec.PHashHex)
		}
		if rec.Quality.Score < 0 || rec.Quality.Score > 100 {
			t.Errorf("%s quality score = %f; want within [0,100]", rec.Path, rec.Quality.Score)
		}
		if rec.Width != 64 || rec.Height != 64 {
			t.Errorf("%s dimensions = %dx%d; want 64x64", rec.Path, rec.Width, rec.Height)
		}
	}

	// The byte-identical pair must land in the same group.
	var found bool
	for _, g := range result.Groups {
		set := make(map[string]bool)
		for _, m := range g.Members {
			set[m] = true
		}
		if set[photos[0].Key()] && set[photos[1].Key()] {
			found = true
		}
	}
	if !found {
		t.Errorf("identical photos should share a group, got %+v", result.Groups)
	}

	if len(result.Failures) != 0 {
		t.Errorf("unexpected failures: %v", result.Failures)
	}
	if result.Cancelled || result.Degraded {
		t.Errorf("clean batch reported cancelled=%v degraded=%v", result.Cancelled, result.Degraded)
	}
	if result.CacheMisses != 3 || result.CacheHits != 0 {
		t.Errorf("cache stats = %d hits / %d misses; want 0/3", result.CacheHits, result.CacheMisses)
	}
}

func TestProcessEmptyBatch(t *testing.T) {
	result, err := ProcessBatch(context.Background(), nil, BatchOptions{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(result.Records) != 0 || len(result.Groups) != 0 || len(result.Failures) != 0 {
		t.Errorf("empty batch should produce an empty result, got %+v", result)
	}
}

func TestProcessThresholdValidation(t *testing.T) {
	for _, threshold := range []float64{40, 49.9, 100.1, 200} {
		_, err := ProcessBatch(context.Background(), nil, BatchOptions{Threshold: threshold})
		if err == nil {
			t.Errorf("threshold %g should be rejected", threshold)
		}
	}
}

func TestProcessCollectsFailures(t *testing.T) {
	photos := []RawPhotoInput{
		imageInput("/photos/good.jpg", testImage(1)),
		{
			Identity: Identity{Path: "/photos/corrupt.jpg", Size: 10, ModTime: time.Unix(1700000000, 0)},
			Open: func() (image.Image, error) {
				return nil, errors.New("invalid JPEG marker")
			},
		},
		imageInput("/photos/also-good.jpg", testImage(9)),
	}

	result, err := ProcessBatch(context.Background(), photos, BatchOptions{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(result.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %v", result.Failures)
	}
	if result.Failures[0].Path != "/photos/corrupt.jpg" {
		t.Errorf("failure path = %s", result.Failures[0].Path)
	}
	if !errors.Is(result.Failures[0].Err, ErrDecode) {
		t.Errorf("failure should wrap ErrDecode, got %v", result.Failures[0].Err)
	}

	// The rest of the batch completed.
	doneCount := 0
	for _, rec := range result.Records {
		if rec.State == StateDone {
			doneCount++
		}
		if rec.Path == "/photos/corrupt.jpg" && rec.State != StateFailed {
			t.Errorf("corrupt photo state = %s; want failed", rec.State)
		}
	}
	if doneCount != 2 {
		t.Errorf("expected 2 completed records, got %d", doneCount)
	}
}

func TestProcessCacheRoundTrip(t *testing.T) {
	photos := []RawPhotoInput{
		imageInput("/photos/a.jpg", testImage(1)),
		imageInput("/photos/b.jpg", testImage(5)),
	}

	sched := NewScheduler(WithCoreCount(2))

	first, err := sched.Process(context.Background(), photos, BatchOptions{})
	if err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	if first.CacheHits != 0 || first.CacheMisses != 2 {
		t.Fatalf("first run cache stats = %d/%d; want 0 hits, 2 misses", first.CacheHits, first.CacheMisses)
	}
	decodesAfterFirst := sched.Decodes()
	if decodesAfterFirst != 2 {
		t.Fatalf("first run decodes = %d; want 2", decodesAfterFirst)
	}

	second, err := sched.Process(context.Background(), photos, BatchOptions{})
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if second.CacheHits != 2 || second.CacheMisses != 0 {
		t.Errorf("second run cache stats = %d/%d; want 2 hits, 0 misses", second.CacheHits, second.CacheMisses)
	}
	if sched.Decodes() != decodesAfterFirst {
		t.Errorf("cache hits should skip decoding: %d decodes after second run", sched.Decodes())
	}

	for i, rec := range second.Records {
		if !rec.FromCache {
			t.Errorf("record %d should come from cache", i)
		}
		if rec.State != StateDone {
			t.Errorf("record %d state = %s; want done", i, rec.State)
		}
		if rec.PHash != first.Records[i].PHash {
			t.Errorf("record %d cached phash differs from computed", i)
		}
		if rec.Quality != first.Records[i].Quality {
			t.Errorf("record %d cached quality differs from computed", i)
		}
	}
}

func TestProcessCacheReadFailure(t *testing.T) {
	mem := cache.NewMemory()
	mem.GetError = errors.New("database locked")

	sched := NewScheduler(WithCache(mem), WithCoreCount(2))
	result, err := sched.Process(context.Background(),
		[]RawPhotoInput{imageInput("/photos/a.jpg", testImage(1))}, BatchOptions{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// Cache failure means recompute, never a batch failure.
	if result.Records[0].State != StateDone {
		t.Errorf("state = %s; want done despite cache failure", result.Records[0].State)
	}
	if result.CacheMisses != 1 {
		t.Errorf("cache read failure should count as a miss, got %d", result.CacheMisses)
	}
}

func TestProcessCancellation(t *testing.T) {
	const total = 10
	photos := make([]RawPhotoInput, total)
	for i := range photos {
		img := testImage(i)
		photos[i] = RawPhotoInput{
			Identity: Identity{Path: fmt.Sprintf("/photos/slow-%d.jpg", i), Size: 100, ModTime: time.Unix(1700000000, 0)},
			Open: func() (image.Image, error) {
				time.Sleep(30 * time.Millisecond)
				return img, nil
			},
		}
	}

	sched := NewScheduler(WithCoreCount(2))

	type outcome struct {
		result *BatchResult
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		result, err := sched.Process(context.Background(), photos,
			BatchOptions{ChunkSize: 1, Workers: 1})
		resultCh <- outcome{result, err}
	}()

	// Cancel after the first chunk reports progress.
	select {
	case <-sched.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no progress event before timeout")
	}
	sched.Cancel()

	var out outcome
	select {
	case out = <-resultCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after cancellation")
	}
	if out.err != nil {
		t.Fatalf("Process failed: %v", out.err)
	}

	if !out.result.Cancelled {
		t.Error("result should report cancellation")
	}
	pending := 0
	for _, rec := range out.result.Records {
		if rec.State == StatePending {
			pending++
		}
	}
	if pending == 0 {
		t.Error("cancellation should leave unprocessed records pending")
	}
	if pending == total {
		t.Error("at least the first photo should have completed")
	}
}

func TestProcessTaskTimeout(t *testing.T) {
	img := testImage(1)
	photos := []RawPhotoInput{{
		Identity: Identity{Path: "/photos/stuck.jpg", Size: 100, ModTime: time.Unix(1700000000, 0)},
		Open: func() (image.Image, error) {
			time.Sleep(80 * time.Millisecond)
			return img, nil
		},
	}}

	result, err := ProcessBatch(context.Background(), photos,
		BatchOptions{TaskTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	rec := result.Records[0]
	if rec.State != StateFailed {
		t.Fatalf("state = %s; want failed", rec.State)
	}
	if !errors.Is(rec.Err, ErrTimeout) {
		t.Errorf("error should wrap ErrTimeout, got %v", rec.Err)
	}
	if len(result.Failures) != 1 {
		t.Errorf("timeout should be collected as a failure, got %v", result.Failures)
	}
}

func TestProcessDegradedWithoutEmbedder(t *testing.T) {
	result, err := ProcessBatch(context.Background(),
		[]RawPhotoInput{imageInput("/photos/a.jpg", testImage(1))},
		BatchOptions{EnableRefinement: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if !result.Degraded {
		t.Error("refinement without a model should report degraded")
	}
	if result.Records[0].State != StateDone {
		t.Errorf("state = %s; want done", result.Records[0].State)
	}
	if result.Records[0].Feature != nil {
		t.Errorf("degraded run should carry no features, got %v", result.Records[0].Feature)
	}
}

func TestProcessWithEmbedder(t *testing.T) {
	embedder := &stubEmbedder{vector: []float32{0.1, 0.2, 0.3}}
	sched := NewScheduler(WithEmbedder(embedder), WithCoreCount(2))

	result, err := sched.Process(context.Background(),
		[]RawPhotoInput{
			imageInput("/photos/a.jpg", testImage(1)),
			imageInput("/photos/b.jpg", testImage(5)),
		},
		BatchOptions{EnableRefinement: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if result.Degraded {
		t.Error("available embedder should not degrade the batch")
	}
	if embedder.calls.Load() == 0 {
		t.Error("embedder was never called")
	}
	for i, rec := range result.Records {
		if len(rec.Feature) != 3 {
			t.Errorf("record %d feature = %v; want the stub vector", i, rec.Feature)
		}
	}
}

func TestProcessProgressEvents(t *testing.T) {
	photos := make([]RawPhotoInput, 6)
	for i := range photos {
		photos[i] = imageInput(fmt.Sprintf("/photos/p-%d.jpg", i), testImage(i))
	}

	sched := NewScheduler(WithCoreCount(2))
	result, err := sched.Process(context.Background(), photos, BatchOptions{ChunkSize: 2})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Cancelled {
		t.Fatal("batch should run to completion")
	}

	// Three chunks means three buffered events; the last reports 100%.
	var events []Progress
	for len(sched.Events()) > 0 {
		events = append(events, <-sched.Events())
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Processed != 6 || last.Total != 6 || last.Percent != 100 {
		t.Errorf("final event = %+v; want 6/6 at 100%%", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Processed < events[i-1].Processed {
			t.Errorf("progress went backwards: %+v", events)
		}
	}
}
