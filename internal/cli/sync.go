package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/model"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Campaigns []string
}

// SyncResult is the JSON payload of the sync command.
type SyncResult struct {
	Online    bool           `json:"online"`
	Report    engine.Report  `json:"report"`
	Pending   int            `json:"pending"`
	Refreshed map[string]int `json:"refreshed,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued observations once",
		Long: `Probe the server and, if it is reachable, run one drain pass over the
outbox in the order observations were saved.

With --campaign, the server's confirmed observations for that campaign are
pulled afterwards so the duplicate check sees other devices' work.

Example:
  fieldsync sync
  fieldsync sync --campaign 2026-q1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Campaigns, "campaign", nil, "refresh the confirmed ledger for these campaigns")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	return withApp(opts.RootOptions, formatter, func(a *app) error {
		ctx := cmd.Context()
		result := SyncResult{Online: a.probe(ctx)}

		if result.Online {
			report, err := a.engine.Drain(ctx)
			result.Report = report
			if err != nil {
				return formatter.Fail("sync failed", err)
			}
			for _, c := range opts.Campaigns {
				n, err := a.service.RefreshConfirmed(ctx, model.CampaignID(c))
				if err != nil {
					return formatter.Fail("refresh confirmed", err)
				}
				if result.Refreshed == nil {
					result.Refreshed = make(map[string]int)
				}
				result.Refreshed[c] = n
			}
		}

		pending, err := a.service.PendingCount(ctx)
		if err != nil {
			return formatter.Fail("count pending", err)
		}
		result.Pending = pending

		return formatter.Result(result, func(w io.Writer) {
			if !result.Online {
				fmt.Fprintf(w, "Server unreachable, %d observation(s) still queued\n", pending)
				return
			}
			r := result.Report
			fmt.Fprintf(w, "✓ Sync pass finished in %s\n", r.Duration)
			fmt.Fprintf(w, "  synced %d, failed %d, rejected %d, conflicted %d, requeued %d\n",
				r.Synced, r.Failed, r.Rejected, r.Conflicted, r.Requeued)
			if r.PhotosDropped > 0 {
				fmt.Fprintf(w, "  %d photo(s) could not be uploaded and were dropped\n", r.PhotosDropped)
			}
			for c, n := range result.Refreshed {
				fmt.Fprintf(w, "  campaign %s: %d new confirmed observation(s)\n", c, n)
			}
			fmt.Fprintf(w, "  pending: %d\n", pending)
		})
	})
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the connectivity prober and the sync engine until interrupted.

Queued observations are delivered as soon as the server becomes reachable
and retried with backoff after transient failures. When metrics.listen is
configured, Prometheus metrics are served on /metrics.

Example:
  fieldsync run
  FIELDSYNC_METRICS_LISTEN=127.0.0.1:9464 fieldsync run --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, formatter, func(a *app) error {
				return runDaemon(cmd, a, formatter)
			})
		},
	}
}

func runDaemon(cmd *cobra.Command, a *app, formatter *OutputFormatter) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	unsubscribe := a.engine.Subscribe(func(ev engine.Event) {
		formatter.VerboseLog("event: %s %+v", ev.Name(), ev)
	})
	defer unsubscribe()

	if n, err := a.service.SweepPhotos(ctx); err != nil {
		a.logger.Warn("photo sweep", "error", err)
	} else if n > 0 {
		a.logger.Info("released orphaned photos", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	if a.prober != nil {
		g.Go(func() error {
			return a.prober.Run(gctx)
		})
	} else {
		a.logger.Warn("no remote configured, observations stay queued")
	}
	if addr := a.settings.Metrics.Listen; addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, addr, a.registry, a.logger)
		})
	}

	fmt.Fprintln(formatter.GetErrWriter(), "Sync daemon started. Press Ctrl-C to stop.")

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "sync daemon error", err)
	}
	a.logger.Info("sync daemon stopped gracefully")
	return nil
}
