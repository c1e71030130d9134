package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
)

// NewResendCommand creates the resend command.
func NewResendCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resend <local-key>",
		Short: "Queue a failed observation for delivery again",
		Long: `Return a failed observation to the queue with a fresh retry budget.

Only failed observations can be resent. Conflicts need reconciliation, not
a retry.

Example:
  fieldsync resend 0192f1c4-7d1e-7a3b-9c55-3e0f6f7d2a10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, formatter, func(a *app) error {
				rec, err := a.service.Resend(cmd.Context(), args[0])
				if err != nil {
					return formatter.Fail("resend failed", err)
				}
				return formatter.Result(rec, func(w io.Writer) {
					fmt.Fprintf(w, "✓ %s queued again (%s %s)\n", rec.LocalKey, rec.CampaignID, rec.AssetID)
				})
			})
		},
	}
}

// DiscardOptions holds flags for the discard command.
type DiscardOptions struct {
	*RootOptions
	Yes bool
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiscardOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "discard <local-key>",
		Short: "Delete an unsynced observation",
		Long: `Delete an observation that has not been synced, together with its local
photo. This cannot be undone and requires --yes.

Example:
  fieldsync discard 0192f1c4-7d1e-7a3b-9c55-3e0f6f7d2a10 --yes`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd)
			if !opts.Yes {
				return formatter.Fail("discard refused",
					model.NewValidationError("yes", "pass --yes to confirm discarding "+args[0]))
			}
			return withApp(opts.RootOptions, formatter, func(a *app) error {
				rec, err := a.service.Discard(cmd.Context(), args[0], opts.Yes)
				if err != nil {
					return formatter.Fail("discard failed", err)
				}
				return formatter.Result(rec, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Discarded %s (%s %s, was %s)\n", rec.LocalKey, rec.CampaignID, rec.AssetID, rec.SyncState)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the discard")

	return cmd
}
