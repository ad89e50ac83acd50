package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEDUPE_CACHE_PATH", "")
	t.Setenv("DEDUPE_CACHE_MAX_ENTRIES", "")
	t.Setenv("DEDUPE_CACHE_MAX_AGE_DAYS", "")
	t.Setenv("EMBEDDING_URL", "")

	cfg := Load()

	if cfg.Cache.Path != "" {
		t.Errorf("default cache path should be empty, got %q", cfg.Cache.Path)
	}
	if cfg.Cache.MaxEntries != 50000 {
		t.Errorf("cache max entries = %d; want 50000", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.MaxAge != 90*24*time.Hour {
		t.Errorf("cache max age = %v; want 90 days", cfg.Cache.MaxAge)
	}
	if cfg.Embedding.URL != "" {
		t.Errorf("default embedding URL should be empty, got %q", cfg.Embedding.URL)
	}

	tun := cfg.Tunables
	if tun.Grouping.Threshold != 90 {
		t.Errorf("grouping threshold = %f; want 90", tun.Grouping.Threshold)
	}
	if tun.Grouping.RefineBandLow != 80 || tun.Grouping.RefineBandHigh != 94 {
		t.Errorf("refine band = [%f, %f]; want [80, 94]",
			tun.Grouping.RefineBandLow, tun.Grouping.RefineBandHigh)
	}
	if tun.Grouping.DirectCutoff != 500 {
		t.Errorf("direct cutoff = %d; want 500", tun.Grouping.DirectCutoff)
	}
	if tun.Batch.ChunkSize != 32 {
		t.Errorf("chunk size = %d; want 32", tun.Batch.ChunkSize)
	}
	if tun.Batch.TaskTimeoutSeconds != 30 {
		t.Errorf("task timeout = %ds; want 30s", tun.Batch.TaskTimeoutSeconds)
	}

	w := tun.Quality.Weights
	if w.Sharpness != 0.5 || w.Contrast != 0.25 || w.Brightness != 0.25 {
		t.Errorf("quality weights = %+v; want 0.5/0.25/0.25", w)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DEDUPE_CACHE_PATH", "/tmp/fingerprints.db")
	t.Setenv("DEDUPE_CACHE_MAX_ENTRIES", "1234")
	t.Setenv("DEDUPE_CACHE_MAX_AGE_DAYS", "7")
	t.Setenv("EMBEDDING_URL", "http://clip.local:8000")

	cfg := Load()

	if cfg.Cache.Path != "/tmp/fingerprints.db" {
		t.Errorf("cache path = %q", cfg.Cache.Path)
	}
	if cfg.Cache.MaxEntries != 1234 {
		t.Errorf("cache max entries = %d; want 1234", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.MaxAge != 7*24*time.Hour {
		t.Errorf("cache max age = %v; want 7 days", cfg.Cache.MaxAge)
	}
	if cfg.Embedding.URL != "http://clip.local:8000" {
		t.Errorf("embedding URL = %q", cfg.Embedding.URL)
	}
}

func TestEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected int
	}{
		{"unset", "", 42},
		{"valid", "10", 10},
		{"invalid", "abc", 42},
		{"negative", "-5", 42},
		{"zero", "0", 42},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("TEST_ENV_INT", tc.value)
			if got := envInt("TEST_ENV_INT", 42); got != tc.expected {
				t.Errorf("envInt(%q, 42) = %d; want %d", tc.value, got, tc.expected)
			}
		})
	}
}
