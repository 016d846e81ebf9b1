// Package daemon runs the reconciliation pass on a fixed interval until
// cancelled.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/evanofslack/pihole-config-sync/config"
	"github.com/evanofslack/pihole-config-sync/history"
	"github.com/evanofslack/pihole-config-sync/metrics"
	"github.com/evanofslack/pihole-config-sync/probe"
	"github.com/evanofslack/pihole-config-sync/reconcile"
)

// Runner drives one reconciliation pass. Implemented by
// *reconcile.Orchestrator.
type Runner interface {
	Run(ctx context.Context, instances []config.Instance, dryRun bool) []reconcile.Result
}

// Ticker abstracts time.Ticker so tests can simulate ticks without
// wall-clock sleeps.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct{ *time.Ticker }

func (t realTicker) Chan() <-chan time.Time { return t.C }

type Options struct {
	Interval    time.Duration
	DryRun      bool
	MetricsAddr string
	History     *history.Store
}

type Daemon struct {
	runner    Runner
	instances []config.Instance
	metrics   *metrics.Metrics
	opts      Options

	// NewTicker is swapped in tests to inject ticks.
	NewTicker func(time.Duration) Ticker
}

func New(runner Runner, instances []config.Instance, m *metrics.Metrics, opts Options) *Daemon {
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultInterval
	}
	return &Daemon{
		runner:    runner,
		instances: instances,
		metrics:   m,
		opts:      opts,
		NewTicker: func(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} },
	}
}

// Run performs an initial pass, then one pass per tick until ctx is
// cancelled. Errors inside a pass are logged and never terminate the loop;
// cancellation is observed between passes only, so an in-flight pass always
// runs to completion.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("Daemon starting",
		"instances", len(d.instances),
		"interval", d.opts.Interval,
		"dry_run", d.opts.DryRun)

	if d.opts.MetricsAddr != "" {
		server := d.newServer()
		go func() {
			slog.Info("Starting metrics server", "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Metrics server shutdown error", "error", err)
			}
		}()
	}

	d.pass(ctx)

	ticker := d.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping daemon")
			return nil
		case <-ticker.Chan():
			d.pass(ctx)
		}
	}
}

func (d *Daemon) pass(ctx context.Context) {
	slog.Info("Starting reconciliation pass")
	start := time.Now()
	defer func() {
		d.metrics.SetSyncDuration(time.Since(start))
	}()

	// The pass must finish even if the stop signal arrives mid-apply.
	runCtx := context.WithoutCancel(ctx)
	results := d.runner.Run(runCtx, d.instances, d.opts.DryRun)

	failed := 0
	for idx, res := range results {
		if res.Err != nil {
			failed++
			slog.Error("Instance reconciliation failed", "instance", res.Instance, "error", res.Err)
		} else if res.Report != nil && res.Report.Applied() > 0 {
			slog.Info("Instance reconciled",
				"instance", res.Instance,
				"applied", res.Report.Applied(),
				"failures", len(res.Report.Failures),
				"gravity", res.Report.GravityTriggered,
				"dry_run", res.Report.DryRun)
		}

		if d.opts.History != nil {
			if err := d.opts.History.Record(res); err != nil {
				slog.Warn("Failed to record history entry", "instance", res.Instance, "error", err)
			}
		}
		d.probeInstance(runCtx, idx, res)
	}

	d.metrics.IncSyncRun(failed == 0)
	slog.Info("Reconciliation pass complete",
		"instances", len(results),
		"failed", failed,
		"duration", time.Since(start))
}

// probeInstance resolves the configured canary domain after changes were
// actually applied.
func (d *Daemon) probeInstance(ctx context.Context, idx int, res reconcile.Result) {
	if d.opts.DryRun || idx >= len(d.instances) {
		return
	}
	inst := d.instances[idx]
	if inst.Probe == nil || res.Err != nil || res.Report == nil || res.Report.Applied() == 0 {
		return
	}
	if err := probe.Check(ctx, inst.Probe.Server, inst.Probe.Domain); err != nil {
		slog.Warn("Post-sync resolution probe failed", "instance", inst.Name, "error", err)
		return
	}
	slog.Debug("Post-sync resolution probe passed", "instance", inst.Name, "domain", inst.Probe.Domain)
}

func (d *Daemon) newServer() *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Handle("/metrics", d.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: d.opts.MetricsAddr, Handler: r}
}
