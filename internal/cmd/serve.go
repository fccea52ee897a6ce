package cmd

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fenlight/conductor/internal/server"
	"github.com/fenlight/conductor/pkg/admission"
	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the job submission API.

The API accepts submissions, answers status queries, and records abort
requests. Pair it with 'conductor supervise' (same store path) to actually
execute queued jobs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Bind host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Bind port (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
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

	ctrl := admission.NewController(store, handler.Default(), evidence.NewStore(cfg.Artifacts.Root), logger)
	srv := server.New(cfg.Server.Host, cfg.Server.Port, store, ctrl, logger, Version)

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
