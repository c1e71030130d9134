package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
)

// StatusReport summarises the device's outbox.
type StatusReport struct {
	DeviceID  string             `json:"device_id"`
	Remote    string             `json:"remote,omitempty"`
	Online    bool               `json:"online"`
	Pending   int                `json:"pending"`
	States    map[string]int     `json:"states"`
	Attention int                `json:"needs_attention"`
	Conflicts int                `json:"conflicts"`
	Assets    int                `json:"assets"`
	Policy    engine.RetryPolicy `json:"retry_policy"`
}

// statusStates are reported in this order.
var statusStates = []model.SyncState{
	model.SyncPending,
	model.SyncSyncing,
	model.SyncFailed,
	model.SyncConflicted,
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox and connectivity status",
		Long: `Show how many observations are still owed to the server, how many need
operator attention, and whether the server is reachable right now.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, formatter, func(a *app) error {
				report, err := buildStatus(cmd, a)
				if err != nil {
					return formatter.Fail("status", err)
				}
				return formatter.Result(report, func(w io.Writer) { writeStatus(w, report) })
			})
		},
	}
}

func buildStatus(cmd *cobra.Command, a *app) (StatusReport, error) {
	ctx := cmd.Context()
	report := StatusReport{
		DeviceID: a.settings.DeviceID,
		Remote:   a.settings.Remote.CommitURL,
		Online:   a.probe(ctx),
		States:   make(map[string]int, len(statusStates)),
		Policy:   a.engine.Policy(),
	}

	recs, err := a.service.Records(ctx)
	if err != nil {
		return report, err
	}
	for _, s := range statusStates {
		report.States[string(s)] = 0
	}
	for _, r := range recs {
		report.States[string(r.SyncState)]++
	}

	if report.Pending, err = a.service.PendingCount(ctx); err != nil {
		return report, err
	}
	failed, err := a.service.Failed(ctx)
	if err != nil {
		return report, err
	}
	report.Attention = len(failed)
	report.Conflicts = report.States[string(model.SyncConflicted)]

	if report.Assets, err = a.store.CountAssets(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func writeStatus(w io.Writer, r StatusReport) {
	remote := r.Remote
	if remote == "" {
		remote = "none"
	}
	online := "no"
	if r.Online {
		online = "yes"
	}

	fmt.Fprintf(w, "Device:     %s\n", r.DeviceID)
	fmt.Fprintf(w, "Remote:     %s\n", remote)
	fmt.Fprintf(w, "Online:     %s\n", online)
	fmt.Fprintf(w, "Pending:    %d\n", r.Pending)
	for _, s := range statusStates {
		fmt.Fprintf(w, "  %-12s %d\n", s, r.States[string(s)])
	}
	fmt.Fprintf(w, "Attention:  %d failed, %d conflicted\n", r.Attention, r.Conflicts)
	fmt.Fprintf(w, "Assets:     %d\n", r.Assets)
	fmt.Fprintf(w, "Retries:    max %d, backoff %s to %s (x%g)\n",
		r.Policy.MaxRetries, r.Policy.InitialDelay, r.Policy.MaxDelay, r.Policy.Multiplier)
}
