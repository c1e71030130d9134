package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/assets"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/fieldsync"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/photo"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// DefaultRetry is the policy scenarios run with unless they override it.
var DefaultRetry = engine.RetryPolicy{
	MaxRetries:   3,
	InitialDelay: 30 * time.Second,
	MaxDelay:     10 * time.Minute,
	Multiplier:   2,
}

type device struct {
	name    string
	store   *store.Store
	engine  *engine.Engine
	monitor *connectivity.Monitor
	svc     *fieldsync.Service
}

// Harness holds the devices and fakes of one scenario run.
type Harness struct {
	server  *testutil.FakeServer
	clock   *testutil.FakeClock
	devices map[string]*device
	order   []string
	logger  *slog.Logger

	mu     sync.Mutex
	result *Result
}

// Run executes sc with device databases under dir and returns the result.
// A returned error means the scenario could not run at all; failed checks
// are reported through Result.Pass and Result.Errors.
func Run(ctx context.Context, sc *Scenario, dir string) (*Result, error) {
	h := &Harness{
		server:  testutil.NewFakeServer(),
		clock:   testutil.NewFakeClock(time.Time{}),
		devices: make(map[string]*device, len(sc.Devices)),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:  NewResult(),
	}
	defer h.close()

	policy := retryPolicy(sc.Retry)
	for _, spec := range sc.Devices {
		if err := h.addDevice(ctx, spec, sc.Registry, policy, dir); err != nil {
			return nil, fmt.Errorf("device %s: %w", spec.Name, err)
		}
	}

	for i, step := range sc.Flow {
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Do, err)
		}
	}

	for i, a := range sc.Assertions {
		if err := h.checkAssertion(ctx, a); err != nil {
			h.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return h.result, nil
}

func retryPolicy(rs *RetrySettings) engine.RetryPolicy {
	p := DefaultRetry
	if rs == nil {
		return p
	}
	if rs.MaxRetries > 0 {
		p.MaxRetries = rs.MaxRetries
	}
	if rs.InitialDelay > 0 {
		p.InitialDelay = rs.InitialDelay
	}
	if rs.MaxDelay > 0 {
		p.MaxDelay = rs.MaxDelay
	}
	if rs.Multiplier >= 1 {
		p.Multiplier = rs.Multiplier
	}
	return p
}

func (h *Harness) addDevice(ctx context.Context, spec DeviceSpec, registry []model.Asset, policy engine.RetryPolicy, dir string) error {
	st, err := store.Open(filepath.Join(dir, spec.Name+".db"), store.WithClock(h.clock.Now))
	if err != nil {
		return err
	}
	d := &device{name: spec.Name, store: st}
	h.devices[spec.Name] = d
	h.order = append(h.order, spec.Name)

	index := assets.NewIndex(st, h.logger)
	if _, err := index.Import(ctx, registry); err != nil {
		return err
	}

	d.monitor = connectivity.NewMonitor(spec.Online, h.logger)
	photos := photo.NewPipeline(st, h.server, testutil.NewKeySequence(spec.Name+"-photo"), h.logger)
	d.engine = engine.New(st, h.server, photos, d.monitor,
		engine.WithClock(h.clock),
		engine.WithRetryPolicy(policy),
		engine.WithLogger(h.logger),
	)

	d.svc, err = fieldsync.New(st, index, photos, d.engine, d.monitor,
		fieldsync.WithRemote(h.server),
		fieldsync.WithKeyGenerator(testutil.NewKeySequence(spec.Name)),
		fieldsync.WithClock(h.clock),
		fieldsync.WithDeviceID(spec.Name),
		fieldsync.WithLogger(h.logger),
	)
	if err != nil {
		return err
	}

	name := spec.Name
	d.svc.Subscribe(func(ev engine.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.result.Trace = append(h.result.Trace, TraceEvent{Device: name, Event: ev})
	})
	return nil
}

func (h *Harness) close() {
	for _, name := range h.order {
		d := h.devices[name]
		if d.engine != nil {
			d.engine.Close()
		}
		d.store.Close()
	}
}

func (h *Harness) device(name string) *device {
	if name == "" {
		name = h.order[0]
	}
	return h.devices[name]
}

// executeStep runs one step. Errors the step expects are checked, not
// returned.
func (h *Harness) executeStep(ctx context.Context, step Step) error {
	d := h.device(step.Device)
	var (
		err    error
		report engine.Report
		res    fieldsync.SaveResult
	)

	switch step.Do {
	case DoSave:
		in := model.ObservationInput{
			CampaignID: step.Campaign,
			AssetCode:  step.Code,
			Status:     step.Status,
		}
		if in.Status == "" {
			in.Status = string(model.StatusConfirmed)
		}
		if step.Photo != "" {
			in.Photo = []byte(step.Photo)
		}
		res, err = d.svc.Save(ctx, in)
	case DoOnline:
		d.monitor.Set(true)
	case DoOffline:
		d.monitor.Set(false)
	case DoDrain:
		report, err = d.engine.Drain(ctx)
	case DoAdvance:
		h.clock.Advance(step.Duration)
	case DoFailCommits:
		h.server.FailCommits(step.Count)
	case DoFailUploads:
		h.server.FailUploads(step.Count)
	case DoRejectUploads:
		h.server.RejectUploads(true)
	case DoSeed:
		h.server.Seed(step.Campaign, step.Asset, fmt.Sprintf("seed-%s-%s", step.Campaign, step.Asset))
	case DoResend:
		_, err = d.svc.Resend(ctx, step.Key)
	case DoDiscard:
		_, err = d.svc.Discard(ctx, step.Key, true)
	case DoRefreshConfirmed:
		_, err = d.svc.RefreshConfirmed(ctx, step.Campaign)
	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}

	return h.checkExpect(step, res, report, err)
}

func (h *Harness) checkExpect(step Step, res fieldsync.SaveResult, report engine.Report, err error) error {
	exp := step.Expect
	if exp != nil && exp.Error != "" {
		if got := errorClass(err); got != exp.Error {
			h.result.AddError(fmt.Sprintf("%s: expected error %s, got %s (%v)", step.Do, exp.Error, got, err))
		}
		return nil
	}
	if err != nil {
		return err
	}
	if exp == nil {
		return nil
	}

	if exp.Decision != "" {
		if got := res.Decision.String(); got != exp.Decision {
			h.result.AddError(fmt.Sprintf("save %s: expected decision %s, got %s", step.Code, exp.Decision, got))
		}
	}
	checkCount := func(name string, want *int, got int) {
		if want != nil && *want != got {
			h.result.AddError(fmt.Sprintf("%s: expected %s=%d, got %d", step.Do, name, *want, got))
		}
	}
	checkCount("synced", exp.Synced, report.Synced)
	checkCount("failed", exp.Failed, report.Failed)
	checkCount("rejected", exp.Rejected, report.Rejected)
	checkCount("conflicted", exp.Conflicted, report.Conflicted)
	return nil
}

func errorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrStorageExhausted):
		return "storage_exhausted"
	case errors.Is(err, model.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, model.ErrRecordNotFound):
		return "record_not_found"
	default:
		return "unexpected"
	}
}
