package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/ingestion"
	"github.com/spf13/cobra"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	ExecutionID string
	WorkflowID  string
}

func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest one batch of contacts (.json, .csv or .xlsx)",
		Long: `Run one batch through the pipeline as a single ingestion run.

JSON batches are an array of contact objects or a CRM list response with a
"contacts" array. CSV and XLSX batches use their first non-empty row as header.
The command exits 1 when the run finishes in error status.

Example:
  contactsync ingest --workflow-id crm-hourly contacts.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.ExecutionID, "execution-id", "", "trigger execution id (default: random)")
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow-id", "manual", "trigger workflow id")
	return cmd
}

func runIngest(cmd *cobra.Command, opts *IngestOptions, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read batch", err)
	}
	records, err := ingestion.ParseBatch(filepath.Base(path), payload)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to parse batch", err)
	}

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.Service.Run(cmd.Context(), ingestion.Request{
		ExecutionID: executionID,
		WorkflowID:  opts.WorkflowID,
		Records:     records,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "ingestion run failed", err)
	}

	if err := render(cmd.OutOrStdout(), opts.Format, summary, func(tw *tabwriter.Writer) {
		printSummary(tw, summary)
	}); err != nil {
		return err
	}
	if summary.Status == domain.RunStatusError {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s finished with status error", summary.RunID))
	}
	return nil
}

func printSummary(tw *tabwriter.Writer, s domain.RunSummary) {
	fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	fmt.Fprintf(tw, "execution\t%s\n", s.ExecutionID)
	fmt.Fprintf(tw, "workflow\t%s\n", s.WorkflowID)
	fmt.Fprintf(tw, "status\t%s\n", s.Status)
	fmt.Fprintf(tw, "duration\t%s\n", s.Duration)
	fmt.Fprintf(tw, "received\t%d\n", s.Received)
	fmt.Fprintf(tw, "inserted\t%d\n", s.Inserted)
	fmt.Fprintf(tw, "updated\t%d\n", s.Updated)
	fmt.Fprintf(tw, "duplicates\t%d\n", s.Duplicates)
	fmt.Fprintf(tw, "warnings\t%d\n", s.Warnings)
	fmt.Fprintf(tw, "notifications\t%d\n", s.NotificationsSent)
	fmt.Fprintf(tw, "errors\t%d\n", s.Errors)
}
