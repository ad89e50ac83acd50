package config

import (
	_ "embed"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Cache     CacheConfig
	Embedding EmbeddingConfig
	Tunables  Tunables
}

type CacheConfig struct {
	Path       string // SQLite database path; empty means in-memory only
	MaxEntries int
	MaxAge     time.Duration
}

type EmbeddingConfig struct {
	URL string // CLIP embedding server; empty disables refinement
}

// Tunables are the compiled-in engine defaults from defaults.yaml.
type Tunables struct {
	Quality struct {
		Weights struct {
			Sharpness  float64 `yaml:"sharpness"`
			Contrast   float64 `yaml:"contrast"`
			Brightness float64 `yaml:"brightness"`
		} `yaml:"weights"`
	} `yaml:"quality"`
	Grouping struct {
		Threshold      float64 `yaml:"threshold"`
		RefineBandLow  float64 `yaml:"refine_band_low"`
		RefineBandHigh float64 `yaml:"refine_band_high"`
		DirectCutoff   int     `yaml:"direct_cutoff"`
	} `yaml:"grouping"`
	Batch struct {
		ChunkSize          int `yaml:"chunk_size"`
		TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	} `yaml:"batch"`
	Cache struct {
		MaxEntries int `yaml:"max_entries"`
		MaxAgeDays int `yaml:"max_age_days"`
	} `yaml:"cache"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func Load() *Config {
	var tunables Tunables
	if err := yaml.Unmarshal(defaultsYAML, &tunables); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	return &Config{
		Cache: CacheConfig{
			Path:       os.Getenv("DEDUPE_CACHE_PATH"),
			MaxEntries: envInt("DEDUPE_CACHE_MAX_ENTRIES", tunables.Cache.MaxEntries),
			MaxAge:     time.Duration(envInt("DEDUPE_CACHE_MAX_AGE_DAYS", tunables.Cache.MaxAgeDays)) * 24 * time.Hour,
		},
		Embedding: EmbeddingConfig{
			URL: os.Getenv("EMBEDDING_URL"),
		},
		Tunables: tunables,
	}
}
