package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Default probe cadence.
const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Prober periodically checks a health URL and feeds the result into a
// Monitor. Any HTTP response below 500 counts as reachable; transport
// errors and 5xx responses count as offline.
type Prober struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Monitor  *Monitor
	Logger   *slog.Logger
}

// NewProber creates a prober for url with default timings.
func NewProber(url string, m *Monitor, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		URL:      url,
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		Client:   http.DefaultClient,
		Monitor:  m,
		Logger:   logger,
	}
}

// Run probes immediately and then every Interval until ctx is cancelled.
// It always returns ctx.Err().
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce performs a single check and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	err := p.probe(ctx)
	if ctx.Err() != nil {
		// Shutting down; the result says nothing about the network.
		return p.Monitor.IsOnline()
	}
	online := err == nil
	if err != nil {
		p.Logger.Debug("probe failed", "url", p.URL, "error", err)
	}
	p.Monitor.Set(online)
	return online
}

func (p *Prober) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe: server returned %d", resp.StatusCode)
	}
	return nil
}
