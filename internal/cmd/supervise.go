package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/supervisor"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run the supervisor loop",
	Long: `Run the control loop that executes queued jobs.

Each tick reaps exited workers, orphans jobs whose heartbeat went silent,
services abort requests, and spawns workers for queued jobs up to the
concurrency cap. Workers are child processes of this command running the
same binary.`,
	RunE: runSupervise,
}

func init() {
	rootCmd.AddCommand(superviseCmd)
	superviseCmd.Flags().Int("max-workers", 0, "Worker concurrency cap (overrides config)")
}

func runSupervise(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cap, _ := cmd.Flags().GetInt("max-workers"); cap > 0 {
		cfg.Supervisor.MaxWorkers = cap
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	// Spawned workers read their config from the environment; export the
	// resolved values so file-based config reaches children too.
	_ = os.Setenv("CONDUCTOR_STORE_PATH", cfg.Store.Path)
	_ = os.Setenv("CONDUCTOR_ARTIFACTS_ROOT", cfg.Artifacts.Root)
	_ = os.Setenv("CONDUCTOR_WORKER_HEARTBEAT_INTERVAL", cfg.Worker.HeartbeatInterval.String())

	sup := supervisor.New(store, evidence.NewStore(cfg.Artifacts.Root), logger, supervisor.Config{
		TickInterval:     cfg.Supervisor.TickInterval,
		HeartbeatTimeout: cfg.Supervisor.HeartbeatTimeout,
		AbortGrace:       cfg.Supervisor.AbortGrace,
		MaxWorkers:       cfg.Supervisor.MaxWorkers,
		ExecutablePath:   exe,
	})

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
