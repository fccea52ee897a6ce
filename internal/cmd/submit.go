package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fenlight/conductor/pkg/admission"
	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/handler"
	"github.com/fenlight/conductor/pkg/jobstore"
)

var submitCmd = &cobra.Command{
	Use:   "submit <job_type>",
	Short: "Submit a job",
	Long: `Submit a job through admission policy.

A rejected submission is a recorded outcome, not a command failure: the
command exits 0 and reports state=REJECTED with the failed check names.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("params", "{}", "Job parameters as a JSON object")
	submitCmd.Flags().StringArray("meta", nil, "Metadata entry key=value (repeatable)")
	submitCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	jobType := strings.TrimSpace(args[0])

	paramsRaw, _ := cmd.Flags().GetString("params")
	var params map[string]any
	dec := json.NewDecoder(strings.NewReader(paramsRaw))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return fmt.Errorf("invalid --params: %w", err)
	}

	metaFlags, _ := cmd.Flags().GetStringArray("meta")
	metadata := make(map[string]string, len(metaFlags))
	for _, entry := range metaFlags {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("invalid --meta %q (expected key=value)", entry)
		}
		metadata[strings.TrimSpace(k)] = v
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newCLILogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctrl := admission.NewController(store, handler.Default(), evidence.NewStore(cfg.Artifacts.Root), logger)
	res, err := ctrl.Submit(ctx, admission.SubmitRequest{
		JobType:  jobType,
		Params:   params,
		Metadata: metadata,
	})
	if err != nil {
		return err
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"job_id":          res.JobID,
			"state":           res.State,
			"rejected_checks": res.Bundle.FailedNames(),
		})
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", res.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", res.State)
	if res.State == jobstore.StateRejected {
		_, _ = fmt.Fprintf(os.Stdout, "rejected_checks=%s\n", strings.Join(res.Bundle.FailedNames(), ","))
	}
	return nil
}
