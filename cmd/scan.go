package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/photo-dedup/internal/config"
	"github.com/kozaktomas/photo-dedup/pkg/dedupe"
)

var scanCmd = &cobra.Command{
	Use:   "scan [directory]",
	Short: "Scan a directory for near-duplicate photos",
	Long: `Scan a directory of photos, fingerprint them in parallel and group
near-duplicates. Each group lists its members and the suggested keeper
(the highest-quality copy).

Fingerprints are cached (set DEDUPE_CACHE_PATH to persist between runs),
so re-scanning an unchanged directory is fast.

Examples:
  # Scan with defaults (90% similarity)
  photo-dedup scan ~/Pictures

  # Stricter matching
  photo-dedup scan ~/Pictures --threshold 97

  # Refine borderline matches with an embedding server
  EMBEDDING_URL=http://localhost:8000 photo-dedup scan ~/Pictures --refine

  # Output as JSON
  photo-dedup scan ~/Pictures --json`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Float64("threshold", dedupe.DefaultThreshold, "Similarity threshold in percent (50-100)")
	scanCmd.Flags().Bool("refine", false, "Refine borderline matches using the embedding server")
	scanCmd.Flags().Int("workers", 0, "Number of parallel workers (0 = auto)")
	scanCmd.Flags().Int("limit", 0, "Limit number of photos to process (0 = no limit)")
	scanCmd.Flags().Bool("json", false, "Output as JSON")
	scanCmd.Flags().Bool("verbose", false, "Verbose logging")
}

// imageExtensions lists the formats the scanner can decode.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// scanOutput is the JSON output structure.
type scanOutput struct {
	Directory   string                   `json:"directory"`
	Threshold   float64                  `json:"threshold"`
	PhotoCount  int                      `json:"photo_count"`
	Groups      []dedupe.SimilarityGroup `json:"groups"`
	Failures    []string                 `json:"failures,omitempty"`
	Degraded    bool                     `json:"degraded,omitempty"`
	Cancelled   bool                     `json:"cancelled,omitempty"`
	CacheHits   int64                    `json:"cache_hits"`
	CacheMisses int64                    `json:"cache_misses"`
}

func runScan(cmd *cobra.Command, args []string) error {
	dir := args[0]
	threshold := mustGetFloat64(cmd, "threshold")
	refine := mustGetBool(cmd, "refine")
	workers := mustGetInt(cmd, "workers")
	limit := mustGetInt(cmd, "limit")
	jsonOutput := mustGetBool(cmd, "json")
	verbose := mustGetBool(cmd, "verbose")

	ctx := context.Background()
	cfg := config.Load()

	log := zap.NewNop()
	if verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer log.Sync() //nolint:errcheck
	}

	inputs, err := collectPhotos(dir, limit)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no photos found in %s", dir)
	}
	if !jsonOutput {
		fmt.Printf("Found %d photos in %s\n", len(inputs), dir)
	}

	opts := []dedupe.Option{dedupe.WithLogger(log)}

	if cfg.Cache.Path != "" {
		store, err := dedupe.OpenSQLiteCache(cfg.Cache.Path, log)
		if err != nil {
			return fmt.Errorf("failed to open fingerprint cache: %w", err)
		}
		defer store.Close()
		if err := store.Preload(ctx); err != nil {
			log.Warn("cache preload failed, reads go to disk", zap.Error(err))
		}
		opts = append(opts, dedupe.WithCache(store))
	}

	if refine && cfg.Embedding.URL != "" {
		opts = append(opts, dedupe.WithEmbedder(dedupe.NewEmbeddingClient(cfg.Embedding.URL, log)))
	}

	sched := dedupe.NewScheduler(opts...)

	// Ctrl-C cancels cooperatively: in-flight photos finish, the rest
	// stay pending and partial results are still printed.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		sched.Cancel()
	}()

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(inputs),
			progressbar.OptionSetDescription("Fingerprinting"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("photos"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}
	progressDone := make(chan struct{})
	go consumeProgress(sched.Events(), progressDone, func(processed int) {
		if bar != nil {
			_ = bar.Set(processed)
		}
	})

	batchOpts := batchOptionsFrom(cfg.Tunables)
	batchOpts.EnableRefinement = refine
	batchOpts.Workers = workers
	if cmd.Flags().Changed("threshold") {
		batchOpts.Threshold = threshold
	}

	result, err := sched.Process(ctx, inputs, batchOpts)
	close(progressDone)
	if err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Println()
	}

	if jsonOutput {
		return printScanJSON(dir, batchOpts.Threshold, inputs, result)
	}
	printScanText(result)
	return nil
}

// batchOptionsFrom seeds the engine options with the configured tunables.
// Flag values are layered on top by the caller.
func batchOptionsFrom(tun config.Tunables) dedupe.BatchOptions {
	return dedupe.BatchOptions{
		Threshold:      tun.Grouping.Threshold,
		RefineBandLow:  tun.Grouping.RefineBandLow,
		RefineBandHigh: tun.Grouping.RefineBandHigh,
		DirectCutoff:   tun.Grouping.DirectCutoff,
		ChunkSize:      tun.Batch.ChunkSize,
		TaskTimeout:    time.Duration(tun.Batch.TaskTimeoutSeconds) * time.Second,
		Weights: dedupe.ScoreWeights{
			Sharpness:  tun.Quality.Weights.Sharpness,
			Contrast:   tun.Quality.Weights.Contrast,
			Brightness: tun.Quality.Weights.Brightness,
		},
	}
}

// consumeProgress forwards engine progress events to update until done
// closes. The events channel is never closed by the engine, so the done
// channel is the only way out; without it a cancelled batch would leave
// the consumer blocked forever.
func consumeProgress(events <-chan dedupe.Progress, done <-chan struct{}, update func(processed int)) {
	for {
		select {
		case event := <-events:
			update(event.Processed)
		case <-done:
			return
		}
	}
}

// collectPhotos walks the directory and builds lazily-decoded inputs.
// Decoding happens inside the engine's workers, not here.
func collectPhotos(dir string, limit int) ([]dedupe.RawPhotoInput, error) {
	var inputs []dedupe.RawPhotoInput
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		inputs = append(inputs, dedupe.RawPhotoInput{
			Identity: dedupe.Identity{
				Path:    path,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			},
			Open: func() (image.Image, error) {
				f, err := os.Open(path)
				if err != nil {
					return nil, err
				}
				defer f.Close()
				img, _, err := image.Decode(f)
				return img, err
			},
			Bytes: func() ([]byte, error) {
				return os.ReadFile(path)
			},
		})

		if limit > 0 && len(inputs) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return inputs, nil
}

func printScanJSON(dir string, threshold float64, inputs []dedupe.RawPhotoInput, result *dedupe.BatchResult) error {
	out := scanOutput{
		Directory:   dir,
		Threshold:   threshold,
		PhotoCount:  len(inputs),
		Groups:      result.Groups,
		Degraded:    result.Degraded,
		Cancelled:   result.Cancelled,
		CacheHits:   result.CacheHits,
		CacheMisses: result.CacheMisses,
	}
	for _, failure := range result.Failures {
		out.Failures = append(out.Failures, failure.String())
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func printScanText(result *dedupe.BatchResult) {
	if result.Degraded {
		fmt.Println("Note: embedding server unavailable, matched on perceptual hashes only")
	}
	if result.Cancelled {
		fmt.Println("Cancelled: results are partial")
	}

	if len(result.Groups) == 0 {
		fmt.Println("No near-duplicate groups found")
	} else {
		// Index records by identity key for display.
		records := make(map[string]*dedupe.PhotoRecord, len(result.Records))
		for _, rec := range result.Records {
			records[rec.Key()] = rec
		}

		fmt.Printf("Found %d near-duplicate group(s):\n\n", len(result.Groups))
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for i, group := range result.Groups {
			fmt.Fprintf(w, "Group %d\t(%d photos, %.1f%% similar)\t\n", i+1, len(group.Members), group.MeanSimilarity)
			for _, member := range group.Members {
				marker := "  "
				if member == group.Keeper {
					marker = "* "
				}
				if rec, ok := records[member]; ok {
					fmt.Fprintf(w, "  %s%s\t%dx%d\tquality %.1f\n", marker, rec.Path, rec.Width, rec.Height, rec.Quality.Score)
				}
			}
			fmt.Fprintln(w, "\t\t")
		}
		w.Flush()
		fmt.Println("* = suggested keeper")
	}

	if len(result.Failures) > 0 {
		fmt.Printf("\n%d photo(s) failed:\n", len(result.Failures))
		for _, failure := range result.Failures {
			fmt.Printf("  %s\n", failure)
		}
	}
	fmt.Printf("\nCache: %d hits, %d misses\n", result.CacheHits, result.CacheMisses)
}
