package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenlight/conductor/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs",
	Long: `Inspect and manage job records.

This command group is designed to be agent-friendly:

- stable job ids (short prefixes accepted)
- predictable on-disk artifact locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <job_id>",
	Short: "Request abort of a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAbort,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsAbortCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("state", "", "Filter by state")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsAbortCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateRaw, _ := cmd.Flags().GetString("state")

	var filter jobstore.JobState
	if stateRaw = strings.TrimSpace(stateRaw); stateRaw != "" {
		filter = jobstore.JobState(strings.ToUpper(stateRaw))
		if !jobstore.KnownState(filter) {
			return fmt.Errorf("unknown state %q", stateRaw)
		}
	}

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

	jobs, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	now := time.Now().UTC()
	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATE\tCREATED\tUPDATED\tPROGRESS\tHEARTBEAT")
	for i := range jobs {
		j := &jobs[i]
		progress := "-"
		if j.State == jobstore.StateRunning || j.Progress > 0 {
			progress = fmt.Sprintf("%.0f%%", j.Progress*100)
			if j.Phase != "" {
				progress += " " + j.Phase
			}
		}
		heartbeat := "-"
		if j.State == jobstore.StateRunning && j.LastHeartbeat != nil {
			heartbeat = j.HeartbeatAge(now).Round(time.Second).String() + " ago"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			j.JobType,
			j.State,
			j.CreatedAt.Format(time.RFC3339),
			j.UpdatedAt.Format(time.RFC3339),
			progress,
			heartbeat,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
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

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return err
	}
	job, err := store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "job_type=%s\n", job.JobType)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", job.State)
	if job.StateReason != "" {
		_, _ = fmt.Fprintf(os.Stdout, "state_reason=%s\n", job.StateReason)
	}
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", job.CreatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(os.Stdout, "updated_at=%s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.WorkerID != "" {
		_, _ = fmt.Fprintf(os.Stdout, "worker_id=%s\n", job.WorkerID)
		_, _ = fmt.Fprintf(os.Stdout, "worker_pid=%d\n", job.WorkerPID)
	}
	if job.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(os.Stdout, "last_heartbeat=%s\n", job.LastHeartbeat.Format(time.RFC3339))
	}
	if job.Progress > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "progress=%.2f\n", job.Progress)
	}
	if job.Phase != "" {
		_, _ = fmt.Fprintf(os.Stdout, "phase=%s\n", job.Phase)
	}
	if len(job.Result) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "result=%s\n", string(job.Result))
	}
	if job.ErrorDetails != nil {
		_, _ = fmt.Fprintf(os.Stdout, "error_kind=%s\n", job.ErrorDetails.Kind)
		_, _ = fmt.Fprintf(os.Stdout, "error_message=%s\n", job.ErrorDetails.Message)
	}
	return nil
}

func runJobsAbort(cmd *cobra.Command, args []string) error {
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

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return err
	}
	aborted, err := store.RequestAbort(ctx, jobID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"job_id": jobID, "aborted": aborted})
	}
	if aborted {
		_, _ = fmt.Fprintf(os.Stdout, "abort requested for %s\n", jobID)
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "job %s is already terminal; nothing to abort\n", jobID)
	}
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

// resolveJobID accepts full ids and unambiguous prefixes (allows
// table-friendly short IDs).
func resolveJobID(ctx context.Context, store *jobstore.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := store.Get(ctx, input); err == nil {
		return input, nil
	}

	jobs, err := store.List(ctx, "")
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for i := range jobs {
		if strings.HasPrefix(jobs[i].JobID, input) {
			matches = append(matches, jobs[i].JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id", len(matches))
	}
	return matches[0], nil
}
