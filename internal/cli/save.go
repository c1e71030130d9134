package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/guard"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/photo"
)

// SaveOptions holds flags for the save command.
type SaveOptions struct {
	*RootOptions
	Campaign  string
	Code      string
	Status    string
	Unit      string
	Room      string
	Detail    string
	Notes     string
	PhotoPath string
	Sync      bool
}

// SaveResult is the JSON payload of a successful save.
type SaveResult struct {
	Decision string                   `json:"decision"`
	Asset    model.Asset              `json:"asset"`
	Record   *model.ObservationRecord `json:"record,omitempty"`
	Pending  int                      `json:"pending"`
}

// NewSaveCommand creates the save command.
func NewSaveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SaveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Record an observation for a scanned asset",
		Long: `Record an observation for a scanned asset.

The observation is written to the local outbox before the command reports
success; it is delivered by "fieldsync sync" or a running "fieldsync run".

Example:
  fieldsync save --campaign 2026-q1 --code A-123 --status confirmed
  fieldsync save --campaign 2026-q1 --code A-456 --status discrepant \
      --room 204 --photo ./shelf.jpg --sync`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Campaign, "campaign", "", "campaign id (required)")
	cmd.Flags().StringVar(&opts.Code, "code", "", "scanned patrimony number or QR payload (required)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "confirmed|discrepant|not_found|unlabeled (required)")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "unit where the asset was found")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room where the asset was found")
	cmd.Flags().StringVar(&opts.Detail, "detail", "", "discrepancy detail")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&opts.PhotoPath, "photo", "", "photo evidence file")
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "try to deliver immediately when the server is reachable")
	_ = cmd.MarkFlagRequired("campaign")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}

func runSave(opts *SaveOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	in := model.ObservationInput{
		CampaignID:        model.CampaignID(opts.Campaign),
		AssetCode:         opts.Code,
		Status:            opts.Status,
		FoundLocationUnit: opts.Unit,
		FoundLocationRoom: opts.Room,
		Detail:            opts.Detail,
		Notes:             opts.Notes,
	}
	if opts.PhotoPath != "" {
		info, err := os.Stat(opts.PhotoPath)
		if err != nil {
			return formatter.Fail("failed to read photo", err)
		}
		if info.Size() > photo.MaxBytes {
			return formatter.Fail("failed to read photo",
				model.NewValidationError("photo", fmt.Sprintf("%s exceeds %d bytes", opts.PhotoPath, photo.MaxBytes)))
		}
		if in.Photo, err = os.ReadFile(opts.PhotoPath); err != nil {
			return formatter.Fail("failed to read photo", err)
		}
	}

	return withApp(opts.RootOptions, formatter, func(a *app) error {
		ctx := cmd.Context()

		res, err := a.service.Save(ctx, in)
		if err != nil {
			return formatter.Fail("save failed", err)
		}
		if res.Decision == guard.AlreadyCollected {
			msg := fmt.Sprintf("%s (%s) already collected in campaign %s", opts.Code, res.Asset.ID, opts.Campaign)
			_ = formatter.Error(ErrCodeAlreadyCollected, msg, nil)
			return NewExitError(ExitFailure, msg)
		}

		if opts.Sync && a.probe(ctx) {
			if _, err := a.engine.Drain(ctx); err != nil {
				a.logger.Warn("sync after save", "error", err)
			}
		}

		pending, err := a.service.PendingCount(ctx)
		if err != nil {
			return formatter.Fail("count pending", err)
		}

		rec := currentRecord(ctx, a, res.Record)

		return formatter.Result(SaveResult{
			Decision: res.Decision.String(),
			Asset:    res.Asset,
			Record:   &rec,
			Pending:  pending,
		}, func(w io.Writer) {
			fmt.Fprintf(w, "✓ Saved %s (%s) as %s\n", opts.Code, res.Asset.ID, rec.LocalKey)
			fmt.Fprintf(w, "  state: %s, pending: %d\n", rec.SyncState, pending)
		})
	})
}

// currentRecord re-reads rec after a sync attempt. A synced record has left
// the outbox, so its server id comes from the confirmed ledger.
func currentRecord(ctx context.Context, a *app, rec model.ObservationRecord) model.ObservationRecord {
	if current, err := a.store.Get(ctx, rec.LocalKey); err == nil {
		return current
	}
	confirmed, err := a.store.GetConfirmed(ctx, rec.LocalKey)
	if err != nil {
		return rec
	}
	rec.SyncState = model.SyncSynced
	rec.ServerID = confirmed.ServerID
	rec.Photo = model.NoPhoto()
	if confirmed.PhotoURL != "" {
		rec.Photo = model.RemotePhoto(confirmed.PhotoURL)
	}
	return rec
}
