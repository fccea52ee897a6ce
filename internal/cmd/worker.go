package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/handler"
	"github.com/fenlight/conductor/pkg/supervisor"
	"github.com/fenlight/conductor/pkg/workerboot"
)

// workerCmd is the hidden entry point the supervisor spawns for each job.
// Configuration arrives through CONDUCTOR_* env vars exported by supervise.
var workerCmd = &cobra.Command{
	Use:    supervisor.WorkerCommand + " <job_id>",
	Short:  "Execute one claimed job (internal)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// No signal context here: the supervisor's SIGTERM should kill the
	// process group outright rather than trigger a graceful drain race.
	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return workerboot.Run(ctx, workerboot.Options{
		Store:             store,
		Registry:          handler.Default(),
		Evidence:          evidence.NewStore(cfg.Artifacts.Root),
		Logger:            logger,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, args[0])
}
