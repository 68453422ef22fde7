// Package reconcile runs one reconciliation pass: inspect the host, build
// the plan, apply it through the privilege broker, bring services up, and
// journal the outcome. Every pass reports exactly how far it got.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/doughall/mcbridge/internal/history"
	"github.com/doughall/mcbridge/internal/inspect"
	"github.com/doughall/mcbridge/internal/plan"
	"github.com/doughall/mcbridge/internal/planner"
	"github.com/doughall/mcbridge/internal/privileges"
	"github.com/doughall/mcbridge/internal/services"
	"github.com/doughall/mcbridge/internal/state"
)

// Snapshotter takes the current-state view. *inspect.Inspector implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*inspect.Snapshot, error)
}

// Applier executes plans with privilege. *privileges.Broker implements it.
type Applier interface {
	Apply(ctx context.Context, p *plan.Plan) (*plan.Result, error)
	SudoWriteFile(ctx context.Context, path string, contents []byte, opts privileges.WriteOptions) error
}

// ServiceReconciler enables services. *services.Reconciler implements it.
type ServiceReconciler interface {
	Reconcile(ctx context.Context, names []string, opts services.Options) *services.Report
}

// Journal records runs. *history.Journal implements it.
type Journal interface {
	Append(r *history.Record) error
}

// Options controls one pass.
type Options struct {
	// DryRun builds the plan and computes service actions without
	// executing anything.
	DryRun bool

	// SkipServices leaves service enablement out of the pass.
	SkipServices bool

	// Timeout bounds the plan. Zero uses the broker's default.
	Timeout time.Duration
}

// Report is the outcome of one pass.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool

	Snapshot *inspect.Snapshot
	Plan     *plan.Plan
	Result   *plan.Result
	Services *services.Report

	// Err is the first failure that kept the pass from reaching the
	// desired state. Service failures are joined in.
	Err error
}

// OK reports whether the pass reached the desired state.
func (r *Report) OK() bool {
	return r.Err == nil
}

// Record converts the report into a journal record.
func (r *Report) Record() *history.Record {
	rec := &history.Record{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DryRun:     r.DryRun,
	}
	if r.Snapshot != nil {
		rec.Host = r.Snapshot.Host
	}
	if r.Plan != nil {
		rec.PlanID = r.Plan.ID
		rec.Steps = r.Plan.Len()
	}
	if r.Result != nil {
		rec.Status = r.Result.Status
		rec.Executed = len(r.Result.Results)
		rec.Fault = r.Result.Error
	}
	if r.Services != nil {
		rec.Services = r.Services.Statuses
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// Reconciler wires the components of a pass together.
type Reconciler struct {
	inspector Snapshotter
	applier   Applier
	services  ServiceReconciler
	journal   Journal
	logger    *slog.Logger
}

// New creates a Reconciler. journal may be nil.
func New(inspector Snapshotter, applier Applier, svc ServiceReconciler, journal Journal, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		inspector: inspector,
		applier:   applier,
		services:  svc,
		journal:   journal,
		logger:    logger.With(slog.String("component", "reconcile")),
	}
}

// Run executes one pass towards d.
//
// A halted plan stops the pass before services: they may depend on files
// the plan did not get to write. Its rendered files are archived under the
// failed root for inspection.
func (r *Reconciler) Run(ctx context.Context, d *state.Desired, opts Options) *Report {
	report := &Report{
		RunID:     ulid.Make().String(),
		StartedAt: time.Now().UTC(),
		DryRun:    opts.DryRun,
	}
	logger := r.logger.With(slog.String("run_id", report.RunID))
	logger.Info("reconcile started", slog.Bool("dry_run", opts.DryRun))

	defer func() {
		report.FinishedAt = time.Now().UTC()
		r.record(logger, report)
	}()

	snap, err := r.inspector.Snapshot(ctx)
	if err != nil {
		report.Err = fmt.Errorf("inspect: %w", err)
		return report
	}
	report.Snapshot = snap
	r.checkInterfaces(logger, d, snap)

	p, err := planner.Build(d, snap)
	if err != nil {
		report.Err = fmt.Errorf("plan: %w", err)
		return report
	}
	p.Timeout = opts.Timeout
	report.Plan = p

	logger.Info("plan built",
		slog.String("plan_id", p.ID),
		slog.Int("steps", p.Len()),
		slog.Int("commands", len(p.Commands())),
		slog.Int("files", len(p.Files())),
	)

	if !opts.DryRun {
		res, err := r.applier.Apply(ctx, p)
		if err != nil {
			report.Err = err
			return report
		}
		report.Result = res
		if err := res.Err(); err != nil {
			report.Err = err
			logger.Error("plan halted",
				slog.String("plan_id", p.ID),
				slog.Int("executed", len(res.Results)),
				slog.Int("steps", p.Len()),
				slog.String("error", err.Error()),
			)
			r.archiveFailed(ctx, logger, report.RunID, d)
			return report
		}
	}

	if !opts.SkipServices && len(d.Services) > 0 {
		report.Services = r.services.Reconcile(ctx, d.Services, services.Options{
			DryRun:        opts.DryRun,
			StartServices: d.StartServices,
		})
		if err := report.Services.Err(); err != nil {
			report.Err = errors.Join(report.Err, err)
		}
	}

	logger.Info("reconcile finished", slog.Bool("ok", report.OK()))
	return report
}

func (r *Reconciler) checkInterfaces(logger *slog.Logger, d *state.Desired, snap *inspect.Snapshot) {
	if len(snap.Interfaces) == 0 {
		return
	}
	for _, name := range []string{d.AP.Interface, d.Upstream.Interface} {
		if _, ok := snap.Interface(name); !ok {
			logger.Warn("interface not present", slog.String("interface", name))
		}
	}
}

// archiveFailed writes the rendered files of a failed run under
// FailedRoot/<run id> so they can be compared with what is active.
func (r *Reconciler) archiveFailed(ctx context.Context, logger *slog.Logger, runID string, d *state.Desired) {
	if d.Paths.FailedRoot == "" {
		return
	}
	files, err := planner.Files(d)
	if err != nil {
		return
	}
	dir := filepath.Join(d.Paths.FailedRoot, runID)
	for _, f := range files {
		target := filepath.Join(dir, filepath.Base(f.Path))
		if err := r.applier.SudoWriteFile(ctx, target, f.Contents, privileges.WriteOptions{Mode: f.Mode}); err != nil {
			logger.Warn("archiving failed config", slog.String("path", target), slog.String("error", err.Error()))
			return
		}
	}
	logger.Info("failed run archived", slog.String("dir", dir))
}

func (r *Reconciler) record(logger *slog.Logger, report *Report) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Append(report.Record()); err != nil {
		logger.Warn("journal append failed", slog.String("error", err.Error()))
	}
}
