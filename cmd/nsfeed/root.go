package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nsfeed/nsfeed/internal/config"
)

var (
	configPath string
	logLevel   string
	version    = "dev"
	commit     = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "nsfeed",
	Short: "Mirror a Nightscout real-time feed into local state",
	Long: `nsfeed keeps a Socket.IO session open to a Nightscout site, decodes
its dataUpdate pushes into flat state keys and serves them to local
observers.

Quick Start:
  nsfeed hash <api-secret>        # print the credential for a secret
  nsfeed run --url https://...    # connect and mirror the feed
  nsfeed watch                    # live terminal viewer
  nsfeed state data.mgdl          # read the stored state`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(runCmd, watchCmd, hashCmd, stateCmd, mockCmd)
}

// loadConfig reads the config file, falling back to the defaults when it
// does not exist, and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	logger, err := cfg.Log.NewLogger(w)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	slog.SetDefault(logger)
	return logger, nil
}
