package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maltedev/catalog-extractor/internal/config"
)

var (
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "catalog-extractor",
	Short: "Extract categories and products from e-commerce pages",
	Long: `catalog-extractor fetches storefront pages, discovers their category menus
and extracts product candidates (title, price, images, dimensions).

Configuration comes from the environment; flags override selected values.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: json or text (overrides LOG_FORMAT)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	return cfg, nil
}
