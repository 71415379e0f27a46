package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/rpattn/contactsync/internal/app"
	"github.com/rpattn/contactsync/internal/config"
	"github.com/rpattn/contactsync/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags and the state loaded before any subcommand runs.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	Config config.Config
	Logger *zap.Logger

	// OpenApp builds the application; tests replace it.
	OpenApp func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the contactsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{OpenApp: app.New}

	cmd := &cobra.Command{
		Use:   "contactsync",
		Short: "Idempotent CRM contact ingestion",
		Long: `contactsync normalizes CRM contact batches and upserts them exactly once per
source id, keeping a run ledger, an append-only audit log and an error ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.Logger != nil {
				_ = opts.Logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", ".", "directory containing config.yaml")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewErrorsCommand(opts))
	cmd.AddCommand(NewContactsCommand(opts))

	return cmd
}

func (o *RootOptions) load() error {
	cfg, found, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create logger", err)
	}
	if found {
		logger.Debug("cli: loaded config.yaml", zap.String("path", o.ConfigPath))
	} else {
		logger.Debug("cli: no config.yaml found, using defaults and env vars")
	}

	o.Config = cfg
	o.Logger = logger
	return nil
}

// openApp builds the application for one command invocation.
func (o *RootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	a, err := o.OpenApp(cmd.Context(), o.Config, o.Logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialise", err)
	}
	return a, nil
}
