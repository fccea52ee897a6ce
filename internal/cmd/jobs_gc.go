package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/jobstore"
)

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect artifacts of old terminal jobs",
	RunE:  runJobsGC,
}

func init() {
	jobsCmd.AddCommand(jobsGCCmd)
	jobsGCCmd.Flags().String("max-age", "168h", "Delete terminal jobs' artifacts older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be pruned")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.List(ctx, "")
	if err != nil {
		return err
	}

	ev := evidence.NewStore(cfg.Artifacts.Root)
	now := time.Now().UTC()
	deleted := 0
	for i := range jobs {
		j := &jobs[i]
		// Only prune terminal states.
		if !jobstore.IsTerminal(j.State) {
			continue
		}
		if now.Sub(j.UpdatedAt) <= maxAge {
			continue
		}
		if !dryRun {
			if err := ev.Remove(j.JobID); err != nil {
				return fmt.Errorf("remove job artifacts: %w", err)
			}
		}
		deleted++
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", deleted)
	return nil
}
