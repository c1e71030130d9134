package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	States []string
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List observations waiting in the outbox",
		Long: `List observations waiting in the outbox, oldest first.

Synced observations leave the outbox; everything listed here is still owed
to the server or waiting for the operator.

Example:
  fieldsync list
  fieldsync list --state failed --state conflicted`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "only show records in these sync states")

	return cmd
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List observations the server refused as duplicates",
		Long: `List observations the server refused because another device already
collected the same asset in the campaign.

Conflicts are never retried. Reconcile them with the registry owner, then
remove the local copy with "fieldsync discard <local-key> --yes".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, formatter, func(a *app) error {
				recs, err := a.service.Conflicts(cmd.Context())
				if err != nil {
					return formatter.Fail("list conflicts", err)
				}
				return formatter.Result(recs, func(w io.Writer) {
					if len(recs) == 0 {
						fmt.Fprintln(w, "No conflicts")
						return
					}
					writeRecords(w, recs)
				})
			})
		},
	}
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	states := make([]model.SyncState, 0, len(opts.States))
	for _, s := range opts.States {
		state := model.SyncState(strings.ToLower(strings.TrimSpace(s)))
		if !knownState(state) {
			return formatter.Fail("invalid --state",
				model.NewValidationError("state", fmt.Sprintf("unknown sync state %q", s)))
		}
		states = append(states, state)
	}

	return withApp(opts.RootOptions, formatter, func(a *app) error {
		recs, err := listRecords(cmd.Context(), a, states)
		if err != nil {
			return formatter.Fail("list outbox", err)
		}
		return formatter.Result(recs, func(w io.Writer) {
			if len(recs) == 0 {
				fmt.Fprintln(w, "Outbox is empty")
				return
			}
			writeRecords(w, recs)
		})
	})
}

func listRecords(ctx context.Context, a *app, states []model.SyncState) ([]model.ObservationRecord, error) {
	if len(states) == 0 {
		return a.service.Records(ctx)
	}
	return a.store.ListByState(ctx, states...)
}

func knownState(s model.SyncState) bool {
	switch s {
	case model.SyncPending, model.SyncSyncing, model.SyncSynced, model.SyncFailed, model.SyncConflicted:
		return true
	}
	return false
}

// writeRecords renders records as an aligned table.
func writeRecords(w io.Writer, recs []model.ObservationRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tCAMPAIGN\tASSET\tSTATUS\tSTATE\tRETRIES\tPHOTO\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.LocalKey, r.CampaignID, r.AssetID, r.Status, r.SyncState,
			r.RetryCount, r.Photo.Kind, r.LastError)
	}
	tw.Flush()
}
