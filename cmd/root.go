package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "photo-dedup",
	Short: "Find near-duplicate photos and pick the best copy of each",
	Long: `Photo Dedup scans a directory of photos, computes perceptual
fingerprints and quality scores, and clusters near-duplicates so you can
keep the best copy of each group and discard the rest.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
