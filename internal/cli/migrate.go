package cli

import (
	"github.com/rpattn/contactsync/internal/db"
	"github.com/spf13/cobra"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply the embedded schema migrations to the configured Postgres database.

Example:
  contactsync migrate
  contactsync migrate --down 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if down > 0 {
				if err := db.RollbackMigrations(rootOpts.Config.Database, down, rootOpts.Logger); err != nil {
					return WrapExitError(ExitCommandError, "rollback failed", err)
				}
				return nil
			}
			if err := db.RunMigrations(rootOpts.Config.Database, rootOpts.Logger); err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations instead of migrating up")
	return cmd
}
