// Package scheduler re-runs reconciliation on a cron schedule so drift on the
// host (a flushed firewall, an edited config) is corrected without an
// operator.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled pass. Its error is logged; the loop keeps going.
type Job func(ctx context.Context) error

// Options configures a Scheduler.
type Options struct {
	// Expression is a cron expression or descriptor ("@every 5m").
	Expression string

	// RunAtStart runs the job once before waiting for the first tick.
	RunAtStart bool
}

// Scheduler runs a job on a schedule. Runs never overlap: a pass that
// outlasts its slot delays the next one.
type Scheduler struct {
	schedule cron.Schedule
	opts     Options
	job      Job
	logger   *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New compiles opts.Expression and returns a Scheduler for job.
func New(opts Options, job Job, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := NewCronParser().Parse(opts.Expression)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		schedule: schedule,
		opts:     opts,
		job:      job,
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Next returns the next run time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run blocks until ctx is cancelled. It returns the number of passes run.
func (s *Scheduler) Run(ctx context.Context) int {
	s.logger.Info("scheduler started", slog.String("schedule", s.opts.Expression))
	runs := 0

	if s.opts.RunAtStart {
		s.runJob(ctx)
		runs++
	}

	for {
		next := s.schedule.Next(s.now())
		if next.IsZero() {
			s.logger.Warn("schedule has no future runs")
			<-ctx.Done()
			return runs
		}
		s.logger.Debug("next run scheduled", slog.Time("next_run_at", next))

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", slog.Int("runs", runs))
			return runs
		case <-s.after(next.Sub(s.now())):
		}
		if ctx.Err() != nil {
			return runs
		}

		s.runJob(ctx)
		runs++
	}
}

func (s *Scheduler) runJob(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := s.now()
	err := s.job(ctx)
	attrs := []any{slog.Duration("duration", s.now().Sub(start))}
	if err != nil {
		s.logger.Warn("scheduled run failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	s.logger.Info("scheduled run complete", attrs...)
}
