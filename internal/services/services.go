// Package services brings systemd services to enabled (and optionally
// started) idempotently. Each service is reconciled on its own: a failure on
// one is recorded and the rest still run.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/doughall/mcbridge/internal/plan"
)

// State is a service's enablement as reported by systemctl.
type State string

const (
	StateUnknown  State = "unknown"
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
)

// Runner runs the read-only enablement query.
type Runner interface {
	Output(ctx context.Context, argv ...string) (plan.StepResult, error)
}

// Applier executes enable/start plans. *privileges.Broker implements it.
type Applier interface {
	Apply(ctx context.Context, p *plan.Plan) (*plan.Result, error)
}

// Options controls a reconciliation.
type Options struct {
	// DryRun computes the actions without executing them.
	DryRun bool

	// StartServices adds a start after each enable.
	StartServices bool
}

// Status is the outcome for one service.
type Status struct {
	Service string `json:"service" yaml:"service"`
	State   State  `json:"state" yaml:"state"`

	// ActionsTaken lists the commands issued (or, in dry-run mode, that
	// would be issued), in order.
	ActionsTaken []string `json:"actions_taken" yaml:"actions_taken"`

	// FailedAction is the action that failed, if any. It is the last entry
	// of ActionsTaken when it ran and exited non-zero.
	FailedAction string `json:"failed_action,omitempty" yaml:"failed_action,omitempty"`

	// Applied is true only when actions ran and all succeeded.
	Applied bool `json:"applied" yaml:"applied"`

	Error plan.Kind `json:"error,omitempty" yaml:"error,omitempty"`
}

// ServiceError records why one service could not be reconciled.
type ServiceError struct {
	Service string
	Err     error
}

func (e ServiceError) Error() string {
	return e.Service + ": " + e.Err.Error()
}

func (e ServiceError) Unwrap() error {
	return e.Err
}

// Report aggregates per-service outcomes in input order.
type Report struct {
	Statuses []Status
	Errors   []ServiceError
}

// Err joins the per-service errors, or returns nil.
func (r *Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Status returns the status for service.
func (r *Report) Status(service string) (Status, bool) {
	for _, s := range r.Statuses {
		if s.Service == service {
			return s, true
		}
	}
	return Status{}, false
}

// Reconciler enables services.
type Reconciler struct {
	runner  Runner
	applier Applier
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler. Queries go through runner; enable and
// start actions go through applier.
func NewReconciler(runner Runner, applier Applier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		runner:  runner,
		applier: applier,
		logger:  logger.With(slog.String("component", "services")),
	}
}

// Reconcile brings each service to enabled. Services already enabled are
// left alone.
func (r *Reconciler) Reconcile(ctx context.Context, services []string, opts Options) *Report {
	report := &Report{Statuses: make([]Status, 0, len(services))}
	for _, svc := range services {
		status, err := r.reconcileOne(ctx, svc, opts)
		report.Statuses = append(report.Statuses, status)
		if err != nil {
			report.Errors = append(report.Errors, ServiceError{Service: svc, Err: err})
			r.logger.Warn("service reconcile failed",
				slog.String("service", svc),
				slog.String("error", err.Error()),
			)
		}
	}
	return report
}

func (r *Reconciler) reconcileOne(ctx context.Context, svc string, opts Options) (Status, error) {
	status := Status{Service: svc, State: StateUnknown, ActionsTaken: []string{}}

	state, masked, err := r.Query(ctx, svc)
	if err != nil {
		status.Error = plan.KindOf(err)
		return status, err
	}
	status.State = state

	if state == StateEnabled {
		r.logger.Debug("service already enabled", slog.String("service", svc))
		return status, nil
	}

	actions := Actions(svc, masked, opts.StartServices)
	if opts.DryRun {
		for _, a := range actions {
			status.ActionsTaken = append(status.ActionsTaken, a.String())
		}
		return status, nil
	}

	// One plan per action: nothing runs after a failed unmask or enable.
	for i, a := range actions {
		res, err := r.applier.Apply(ctx, plan.New(a))
		if err != nil {
			status.Error = plan.KindOf(err)
			if status.Error == "" {
				status.Error = plan.KindStepExecutionFault
			}
			status.FailedAction = a.String()
			return status, err
		}
		if err := res.Err(); err != nil {
			status.Error = plan.KindOf(err)
			status.FailedAction = a.String()
			return status, err
		}
		if len(res.Results) == 0 {
			status.Error = plan.KindStepExecutionFault
			status.FailedAction = a.String()
			return status, &plan.Error{Kind: plan.KindStepExecutionFault, Op: "service", Step: i + 1, Err: fmt.Errorf("%s: no result", a)}
		}

		status.ActionsTaken = append(status.ActionsTaken, a.String())
		if sr := res.Results[0]; sr.ReturnCode != 0 {
			status.Error = plan.KindStepExecutionFault
			status.FailedAction = a.String()
			return status, &plan.Error{
				Kind: plan.KindStepExecutionFault,
				Op:   "service",
				Step: i + 1,
				Err:  fmt.Errorf("%s exited %d: %s", a, sr.ReturnCode, strings.TrimSpace(sr.Stderr)),
			}
		}
	}

	status.Applied = true
	r.logger.Info("service enabled",
		slog.String("service", svc),
		slog.Any("actions", status.ActionsTaken),
	)
	return status, nil
}

// Query runs systemctl is-enabled and classifies the answer. masked is set
// for masked units, which need unmasking before they can be enabled.
func (r *Reconciler) Query(ctx context.Context, svc string) (state State, masked bool, err error) {
	out, err := r.runner.Output(ctx, "systemctl", "is-enabled", svc)
	if err != nil {
		return StateUnknown, false, &plan.Error{Kind: plan.KindServiceQueryFailed, Op: "is-enabled " + svc, Err: err}
	}
	state, masked, ok := ParseEnablement(out.Stdout)
	if !ok {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("unrecognized output %q (exit %d)", strings.TrimSpace(out.Stdout), out.ReturnCode)
		}
		return StateUnknown, false, &plan.Error{Kind: plan.KindServiceQueryFailed, Op: "is-enabled " + svc, Err: errors.New(msg)}
	}
	return state, masked, nil
}

// ParseEnablement classifies the first line of systemctl is-enabled output.
func ParseEnablement(stdout string) (state State, masked, ok bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(stdout), "\n")
	switch strings.TrimSpace(line) {
	case "enabled", "enabled-runtime", "static", "indirect", "generated", "alias":
		return StateEnabled, false, true
	case "disabled", "linked", "linked-runtime":
		return StateDisabled, false, true
	case "masked", "masked-runtime":
		return StateDisabled, true, true
	default:
		return StateUnknown, false, false
	}
}

// Actions lists the commands that bring a disabled service to enabled.
func Actions(svc string, masked, start bool) []plan.RunCommand {
	var actions []plan.RunCommand
	if masked {
		actions = append(actions, plan.Command("systemctl", "unmask", svc))
	}
	actions = append(actions, plan.Command("systemctl", "enable", svc))
	if start {
		actions = append(actions, plan.Command("systemctl", "start", svc))
	}
	return actions
}
