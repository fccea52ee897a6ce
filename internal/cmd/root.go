// Package cmd defines the conductor command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fenlight/conductor/internal/config"
	"github.com/fenlight/conductor/internal/observability"
	"github.com/fenlight/conductor/pkg/jobstore"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Single-host job orchestrator",
	Long: `conductor runs jobs as supervised worker processes on one host.

Jobs are submitted over HTTP or the CLI, gated by admission policy, stored
in sqlite, and executed by workers spawned from this same binary. Every job
leaves a durable evidence manifest under the artifacts root.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().String("config", "", "Path to config file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: json or console")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig merges the config file/env with command-line log overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
}

// newCLILogger is for interactive commands: console output, warnings only
// unless overridden.
func newCLILogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if level == "info" {
		level = "warn"
	}
	return observability.NewLogger(level, "console")
}

func openStore(ctx context.Context, cfg *config.Config) (*jobstore.Store, error) {
	return jobstore.Open(ctx, jobstore.Config{Path: cfg.Store.Path})
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
