package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/fieldsync/internal/assets"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/fieldsync"
	"github.com/roach88/fieldsync/internal/locate"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/photo"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/store"
)

// app is one process's wiring of the sync stack.
type app struct {
	settings *config.Settings
	logger   *slog.Logger

	store    *store.Store
	monitor  *connectivity.Monitor
	prober   *connectivity.Prober // nil without a probe target
	client   *remote.Client
	engine   *engine.Engine
	service  *fieldsync.Service
	registry *prometheus.Registry
}

// openApp loads configuration and opens the database. The device starts
// offline; probe or run the prober to go online.
func openApp(opts *RootOptions) (*app, error) {
	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}

	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger.Debug("opening database", "path", settings.Database)
	st, err := store.Open(settings.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	a := &app{
		settings: settings,
		logger:   logger,
		store:    st,
		monitor:  connectivity.NewMonitor(false, logger),
		client: remote.NewClient(settings.Remote.CommitURL, settings.Remote.BlobURL, settings.Remote.Timeout,
			remote.WithLogger(logger)),
		registry: prometheus.NewRegistry(),
	}

	a.registry.MustRegister(collectors.NewGoCollector())
	syncMetrics, err := metrics.NewSyncMetrics(a.registry)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	photos := photo.NewPipeline(st, a.client, model.UUIDv7Generator{}, logger)
	a.engine = engine.New(st, a.client, photos, a.monitor,
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxRetries:   settings.Sync.MaxRetries,
			InitialDelay: settings.Sync.InitialDelay,
			MaxDelay:     settings.Sync.MaxDelay,
			Multiplier:   settings.Sync.Multiplier,
		}),
		engine.WithMetrics(syncMetrics),
		engine.WithLogger(logger),
		engine.WithCommitTimeout(settings.Remote.Timeout),
		engine.WithRetryTick(settings.Sync.RetryTick),
	)

	svcOpts := []fieldsync.Option{
		fieldsync.WithDeviceID(settings.DeviceID),
		fieldsync.WithLogger(logger),
	}
	if settings.Remote.CommitURL != "" {
		svcOpts = append(svcOpts, fieldsync.WithRemote(a.client))
	}
	if settings.Location.HasStaticLocation() {
		svcOpts = append(svcOpts, fieldsync.WithLocator(locate.StaticLocator{Coords: model.Coords{
			Lat: settings.Location.Latitude,
			Lng: settings.Location.Longitude,
		}}, settings.Location.Timeout))
	}
	a.service, err = fieldsync.New(st, assets.NewIndex(st, logger), photos, a.engine, a.monitor, svcOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	if target := settings.ProbeTarget(); target != "" {
		a.prober = connectivity.NewProber(target, a.monitor, logger)
		a.prober.Interval = settings.Connectivity.Interval
		a.prober.Timeout = settings.Connectivity.Timeout
	}
	return a, nil
}

// probe checks reachability once. Without a probe target the device stays
// offline.
func (a *app) probe(ctx context.Context) bool {
	if a.prober == nil {
		return false
	}
	return a.prober.ProbeOnce(ctx)
}

// Close detaches the engine and closes the database.
func (a *app) Close() error {
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
		return err
	}
	return nil
}

// withApp opens the app, runs fn and closes the app. Errors that are not
// already ExitErrors are reported through the formatter.
func withApp(opts *RootOptions, f *OutputFormatter, fn func(a *app) error) error {
	a, err := openApp(opts)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			_ = f.Error(ErrCodeConfig, err.Error(), nil)
			return err
		}
		return f.Fail("startup failed", err)
	}
	defer a.Close()
	return fn(a)
}
