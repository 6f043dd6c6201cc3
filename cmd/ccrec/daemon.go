// cmd/ccrec/daemon.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/scheduler"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/server"
)

func newDaemonCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run exports on a cron schedule and serve the run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.schedule, "schedule", "", "cron expression, overrides CCREC_SCHEDULE")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address, overrides CCREC_METRICS_ADDR")
	return cmd
}

func runDaemon(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	if cfg.Schedule == "" {
		return errordefs.New(errordefs.CCREC_CONFIG_INVALID, "daemon mode requires --schedule or CCREC_SCHEDULE")
	}
	logger := newLogger(cfg, f.verbose)
	defer initTracing(cfg, logger)()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	r := &runner{exp: a.exporter, logger: logger, metricsFile: cfg.MetricsFile, base: ctx}
	sched, err := scheduler.New(cfg.Schedule, r.run, logger)
	if err != nil {
		return errordefs.Wrap(errordefs.CCREC_CONFIG_INVALID, "invalid schedule", err)
	}

	if err := sched.Start(ctx); err != nil {
		return errordefs.Wrap(errordefs.CCREC_CONFIG_INVALID, "start scheduler", err)
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           server.NewMux(a.store, r.trigger, logger),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.MetricsAddr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		logger.Error("server failed", "error", err)
	}

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown failed", "error", serr)
	}
	r.wait()
	logger.Info("daemon exited")
	return err
}

// runExporter is the part of the exporter the daemon drives.
type runExporter interface {
	Run(ctx context.Context) (*model.Summary, error)
}

// runner serializes scheduled and manually triggered runs.
type runner struct {
	mu  sync.Mutex // Held for the duration of a run
	wg  sync.WaitGroup
	exp runExporter

	logger      *slog.Logger
	metricsFile string
	base        context.Context // Daemon lifetime, parent of triggered runs
}

// run performs an export in the calling goroutine.
func (r *runner) run(ctx context.Context) error {
	if !r.mu.TryLock() {
		r.logger.Warn("run skipped, previous run still in progress")
		return server.ErrRunInProgress
	}
	defer r.mu.Unlock()
	return r.runLocked(ctx)
}

// trigger starts an export in the background.
func (r *runner) trigger(context.Context) error {
	if !r.mu.TryLock() {
		return server.ErrRunInProgress
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.mu.Unlock()
		r.logger.Info("manual run triggered")
		if err := r.runLocked(r.base); err != nil {
			r.logger.Error("manual run failed", "error", err)
		}
	}()
	return nil
}

func (r *runner) runLocked(ctx context.Context) error {
	_, err := r.exp.Run(ctx)
	if r.metricsFile != "" {
		if werr := metrics.WriteTextfile(r.metricsFile); werr != nil {
			r.logger.Warn("metrics textfile not written", "path", r.metricsFile, "error", werr)
		}
	}
	return err
}

// wait blocks until triggered runs have returned.
func (r *runner) wait() {
	r.wg.Wait()
}
