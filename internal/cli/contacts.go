package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/export"
	"github.com/spf13/cobra"
)

func NewContactsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Change the status of stored contacts or export the active ones",
	}
	cmd.AddCommand(newContactStatusCommand(rootOpts, "activate", domain.ContactStatusActive))
	cmd.AddCommand(newContactStatusCommand(rootOpts, "deactivate", domain.ContactStatusInactive))
	cmd.AddCommand(newContactStatusCommand(rootOpts, "delete", domain.ContactStatusDeleted))
	cmd.AddCommand(newContactsExportCommand(rootOpts))
	return cmd
}

func newContactsExportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Export active contacts to a .csv or .xlsx file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := export.FormatFromPath(args[0]); err != nil {
				return WrapExitError(ExitCommandError, "invalid export file", err)
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			exporter := export.NewExporter(a.Service.Engine(), opts.Logger)
			result, err := exporter.ExportFile(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "export failed", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, result, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "path\t%s\n", result.Path)
				fmt.Fprintf(tw, "format\t%s\n", result.Format)
				fmt.Fprintf(tw, "rows\t%d\n", result.RowsExported)
				fmt.Fprintf(tw, "bytes\t%d\n", result.BytesWritten)
			})
		},
	}
}

func newContactStatusCommand(opts *RootOptions, use string, status domain.ContactStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <source-id>",
		Short: fmt.Sprintf("Set a contact's status to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			contact, err := a.Service.Engine().SetStatus(cmd.Context(), args[0], status)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to update contact", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, contact, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "source id\t%s\n", contact.SourceID)
				fmt.Fprintf(tw, "name\t%s\n", deref(contact.FullName()))
				fmt.Fprintf(tw, "status\t%s\n", contact.Status)
			})
		},
	}
}
