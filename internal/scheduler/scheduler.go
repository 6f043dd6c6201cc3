// Package scheduler runs exports on a cron schedule in daemon mode.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler triggers a Job on a cron schedule. A trigger that fires while the
// previous run is still in progress is skipped.
type Scheduler struct {
	cron   *cron.Cron
	spec   string
	job    Job
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	id     cron.EntryID
}

// New parses spec (standard five-field cron or a descriptor such as "@daily")
// and returns a stopped scheduler.
func New(spec string, job Job, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.Local),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		spec:   spec,
		job:    job,
		logger: logger,
	}, nil
}

// Start schedules the job and starts the cron loop. Jobs run with a context
// derived from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	id, err := s.cron.AddFunc(s.spec, func() {
		s.logger.Info("scheduled run triggered", "schedule", s.spec)
		if err := s.job(s.ctx); err != nil {
			s.logger.Error("scheduled run failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.id = id

	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.spec, "next", s.Next())
	return nil
}

// Next returns the next activation time, zero before Start.
func (s *Scheduler) Next() time.Time {
	if s.id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.id).Next
}

// Stop stops triggering new runs, cancels the running one and waits for it to return.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
