package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/spf13/cobra"
)

func NewErrorsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect and update the error ledger",
	}
	cmd.AddCommand(newErrorsListCommand(rootOpts))
	cmd.AddCommand(newErrorsMutateCommand(rootOpts, "retry", "Increment the retry count of an error"))
	cmd.AddCommand(newErrorsMutateCommand(rootOpts, "resolve", "Mark an error resolved"))
	return cmd
}

func newErrorsListCommand(opts *RootOptions) *cobra.Command {
	var (
		runID      string
		code       string
		unresolved bool
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.ErrorFilter{Code: code, UnresolvedOnly: unresolved, Limit: limit, Offset: offset}
			if runID != "" {
				id, err := uuid.Parse(runID)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid run id", err)
				}
				filter.RunID = &id
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Service.Recorder().List(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list errors", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, entries, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tRUN\tCODE\tSTEP\tRETRIES\tRESOLVED\tCREATED\tMESSAGE")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
						e.ID, e.RunID, e.Code, e.Step, e.RetryCount, e.Resolved, e.CreatedAt.Format(time.RFC3339), e.Message)
				}
			})
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "only errors of this run")
	cmd.Flags().StringVar(&code, "code", "", "only errors with this code")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only unresolved errors")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of errors")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of errors to skip")
	return cmd
}

func newErrorsMutateCommand(opts *RootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <error-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid error id", err)
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			recorder := a.Service.Recorder()
			var entry domain.ProcessingError
			if action == "retry" {
				entry, err = recorder.IncrementRetry(cmd.Context(), id)
			} else {
				entry, err = recorder.Resolve(cmd.Context(), id)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, action+" failed", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, entry, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "id\t%d\n", entry.ID)
				fmt.Fprintf(tw, "code\t%s\n", entry.Code)
				fmt.Fprintf(tw, "retries\t%d\n", entry.RetryCount)
				fmt.Fprintf(tw, "resolved\t%t\n", entry.Resolved)
			})
		},
	}
}
