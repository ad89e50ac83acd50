package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/photo-dedup/internal/config"
	"github.com/kozaktomas/photo-dedup/pkg/dedupe"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Fingerprint cache management commands",
	Long:  `Commands for managing the local SQLite fingerprint cache.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fingerprint cache statistics",
	RunE:  runCacheStats,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove stale entries from the fingerprint cache",
	Long: `Remove cache entries older than the maximum age, then evict the
oldest entries until the cache is within its size ceiling.`,
	RunE: runCachePrune,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePruneCmd)

	cachePruneCmd.Flags().Int("max-age-days", 0, "Override the maximum entry age in days")
	cachePruneCmd.Flags().Int("max-entries", 0, "Override the entry-count ceiling")
}

func openCache(cfg *config.Config) (*dedupe.SQLiteCache, error) {
	if cfg.Cache.Path == "" {
		return nil, fmt.Errorf("DEDUPE_CACHE_PATH environment variable is required")
	}
	return dedupe.OpenSQLiteCache(cfg.Cache.Path, zap.NewNop())
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	count, err := store.Count(context.Background())
	if err != nil {
		return fmt.Errorf("failed to count cache entries: %w", err)
	}

	fmt.Printf("Cache path:    %s\n", cfg.Cache.Path)
	fmt.Printf("Entries:       %d / %d\n", count, cfg.Cache.MaxEntries)
	fmt.Printf("Max entry age: %s\n", cfg.Cache.MaxAge)
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	maxAgeDays := mustGetInt(cmd, "max-age-days")
	maxEntries := mustGetInt(cmd, "max-entries")

	cfg := config.Load()
	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	maxAge := cfg.Cache.MaxAge
	if maxAgeDays > 0 {
		maxAge = time.Duration(maxAgeDays) * 24 * time.Hour
	}
	ceiling := cfg.Cache.MaxEntries
	if maxEntries > 0 {
		ceiling = maxEntries
	}

	ctx := context.Background()
	pruned, err := store.Prune(ctx, maxAge)
	if err != nil {
		return fmt.Errorf("failed to prune cache: %w", err)
	}
	evicted, err := store.EvictOver(ctx, ceiling)
	if err != nil {
		return fmt.Errorf("failed to evict cache entries: %w", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count cache entries: %w", err)
	}

	fmt.Printf("Pruned %d stale entries, evicted %d over capacity, %d remaining\n", pruned, evicted, count)
	return nil
}
