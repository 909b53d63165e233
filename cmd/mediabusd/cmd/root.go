// Package cmd implements the CLI commands for mediabusd.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmylchreest/mediabusd/internal/config"
	"github.com/jmylchreest/mediabusd/internal/observability"
	"github.com/jmylchreest/mediabusd/internal/version"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "mediabusd",
	Short:   "Media bus operator CLI",
	Version: version.Short(),
	Long: `mediabusd ingests one audio/video source and fans its packets out to
independently configured outputs. An output that sets encode options gets
its own decode/encode pipeline; every other output stream-copies the
source packets. Source and output codecs are not compared.

Configuration is primarily via environment variables and an optional YAML
file:
  MEDIABUSD_LOGGING_LEVEL   - log level (debug, info, warn, error)
  MEDIABUSD_LOGGING_FORMAT  - log format (json, text)
  MEDIABUSD_FFMPEG_BINARY_PATH - path to the ffmpeg binary (auto-detected if unset)

Example:
  mediabusd serve --config bus.yaml`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// initLogging configures the slog logger for the CLI, preferring explicit
// flags over the MEDIABUSD_LOGGING_* environment/config values.
func initLogging() error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logCfg := cfg.Logging
	if v, _ := rootCmd.PersistentFlags().GetString("log-level"); v != "" {
		logCfg.Level = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("log-format"); v != "" {
		logCfg.Format = v
	}
	logCfg.Level = strings.ToLower(logCfg.Level)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}
	logCfg.Format = strings.ToLower(logCfg.Format)

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)
	return nil
}
