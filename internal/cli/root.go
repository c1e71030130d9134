package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fieldsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "fieldsync - offline-first field observation sync",
		Long: `Record asset inventory observations on a device that is often offline
and deliver each one to the central server exactly once.

Observations are saved to a local outbox first and synchronised when the
server is reachable.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.Verbose)
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./fieldsync.yaml or ~/.config/fieldsync/fieldsync.yaml)")

	cmd.AddCommand(NewSaveCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResendCommand(opts))
	cmd.AddCommand(NewDiscardCommand(opts))
	cmd.AddCommand(NewAssetsCommand(opts))

	return cmd
}

// newLogger writes text logs to w. Verbose enables debug output.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
