package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/spf13/cobra"
)

// logPageSize is the page size used to read a run's full audit trail.
const logPageSize = 500

func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and reconcile ingestion runs",
	}
	cmd.AddCommand(newRunsListCommand(rootOpts))
	cmd.AddCommand(newRunsShowCommand(rootOpts))
	cmd.AddCommand(newRunsReconcileCommand(rootOpts))
	return cmd
}

func newRunsListCommand(opts *RootOptions) *cobra.Command {
	var (
		statuses []string
		workflow string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.RunFilter{WorkflowID: workflow, Limit: limit, Offset: offset}
			for _, s := range statuses {
				status := domain.RunStatus(strings.TrimSpace(s))
				if status != domain.RunStatusStarted && !status.Terminal() {
					return NewExitError(ExitCommandError, fmt.Sprintf("unknown run status %q", s))
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.Service.Tracker().List(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list runs", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, runs, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTARTED\tRECEIVED\tINSERTED\tUPDATED\tDUPLICATES\tERRORS")
				for _, run := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
						run.ID, run.WorkflowID, run.Status, run.StartedAt.Format(time.RFC3339),
						run.Received, run.Inserted, run.Updated, run.Duplicates, run.Errors)
				}
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (started, success, warning, error)")
	cmd.Flags().StringVar(&workflow, "workflow-id", "", "filter by workflow id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	return cmd
}

// runDetail is a run together with the counters rebuilt from its audit trail.
type runDetail struct {
	Run      domain.IngestionRun `json:"run"`
	LogTally domain.RunCounters  `json:"log_tally"`
	// Consistent is false when the audit trail disagrees with the stored
	// counters, e.g. after an audit write failure.
	Consistent bool `json:"consistent"`
}

func newRunsShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and check its counters against the audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid run id", err)
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			run, err := a.Service.Tracker().Get(ctx, runID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load run", err)
			}

			var entries []domain.ProcessingLogEntry
			for offset := 0; ; offset += logPageSize {
				page, listErr := a.Service.Audit().ListByRun(ctx, runID, logPageSize, offset)
				if listErr != nil {
					return WrapExitError(ExitCommandError, "failed to load audit log", listErr)
				}
				entries = append(entries, page...)
				if len(page) < logPageSize {
					break
				}
			}

			tally := domain.TallyLog(entries)
			stored := run.RunCounters
			stored.NotificationsSent = 0
			detail := runDetail{Run: run, LogTally: tally, Consistent: tally == stored}

			return render(cmd.OutOrStdout(), opts.Format, detail, func(tw *tabwriter.Writer) {
				printSummary(tw, run.Summary())
				fmt.Fprintf(tw, "log tally\treceived=%d inserted=%d updated=%d duplicates=%d errors=%d\n",
					tally.Received, tally.Inserted, tally.Updated, tally.Duplicates, tally.Errors)
				fmt.Fprintf(tw, "consistent\t%t\n", detail.Consistent)
			})
		},
	}
}

func newRunsReconcileCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Close runs left in started status as errors",
		Long: `Mark runs that are still started after --older-than as error and record a
RUN_ABANDONED entry in the error ledger for each of them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			closed, err := a.Service.Tracker().Reconcile(cmd.Context(), olderThan)
			if err != nil {
				return WrapExitError(ExitCommandError, "reconcile failed", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, map[string]int{"closed": closed}, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "closed\t%d\n", closed)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum age of a started run")
	return cmd
}
