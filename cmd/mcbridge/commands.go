package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/doughall/mcbridge/internal/config"
	"github.com/doughall/mcbridge/internal/plan"
	"github.com/doughall/mcbridge/internal/planner"
	"github.com/doughall/mcbridge/internal/reconcile"
	"github.com/doughall/mcbridge/internal/scheduler"
	"github.com/doughall/mcbridge/internal/services"
	"github.com/doughall/mcbridge/internal/shutdown"
	"github.com/doughall/mcbridge/internal/version"
)

const shutdownTimeout = 10 * time.Second

func newReconcileCmd(a *app) *cobra.Command {
	var opts reconcile.Options

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Bring the host to the configured state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.cfg.Desired()
			if err != nil {
				return err
			}

			var journal reconcile.Journal
			if j, err := a.history(); err != nil {
				a.log.Warn("run history unavailable", slog.String("error", err.Error()))
			} else {
				journal = j
			}

			report := a.reconciler(journal).Run(cmd.Context(), d, opts)
			a.prune()

			if err := a.print(report.Record()); err != nil {
				return err
			}
			if !report.OK() {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "build the plan and service actions without executing them")
	cmd.Flags().BoolVar(&opts.SkipServices, "skip-services", false, "leave service enablement out of the pass")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "bound on plan execution (default: agent.timeout)")
	return cmd
}

// stepView is the printable form of a plan step.
type stepView struct {
	Action plan.Action `json:"action" yaml:"action"`
	Argv   []string    `json:"argv,omitempty" yaml:"argv,omitempty"`
	Path   string      `json:"path,omitempty" yaml:"path,omitempty"`
	Mode   string      `json:"mode,omitempty" yaml:"mode,omitempty"`
	Bytes  int         `json:"bytes,omitempty" yaml:"bytes,omitempty"`

	Contents string `json:"contents,omitempty" yaml:"contents,omitempty"`
}

type planView struct {
	PlanID string     `json:"plan_id" yaml:"plan_id"`
	Steps  []stepView `json:"steps" yaml:"steps"`
}

func viewPlan(p *plan.Plan, contents bool) planView {
	v := planView{PlanID: p.ID, Steps: make([]stepView, 0, p.Len())}
	for _, s := range p.Steps {
		switch s := s.(type) {
		case plan.RunCommand:
			v.Steps = append(v.Steps, stepView{Action: s.Action(), Argv: s.Argv})
		case plan.WriteFile:
			sv := stepView{
				Action: s.Action(),
				Path:   s.Path,
				Mode:   fmt.Sprintf("%04o", s.Mode.Perm()),
				Bytes:  len(s.Contents),
			}
			if contents && !s.Binary {
				sv.Contents = string(s.Contents)
			}
			v.Steps = append(v.Steps, sv)
		}
	}
	return v
}

func newPlanCmd(a *app) *cobra.Command {
	var contents bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the plan a reconcile would apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.cfg.Desired()
			if err != nil {
				return err
			}
			report := a.reconciler(nil).Run(cmd.Context(), d, reconcile.Options{DryRun: true, SkipServices: true})
			if report.Err != nil {
				return report.Err
			}
			return a.print(viewPlan(report.Plan, contents))
		},
	}
	cmd.Flags().BoolVar(&contents, "contents", false, "include rendered file contents")
	return cmd
}

func newServicesCmd(a *app) *cobra.Command {
	var opts services.Options

	cmd := &cobra.Command{
		Use:   "services [service...]",
		Short: "Bring services to enabled",
		Long: `Bring services to enabled, and optionally started.

Without arguments the configured services are reconciled. Each service is
handled on its own: one failing does not stop the rest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = a.cfg.Services.Names
			}
			if !cmd.Flags().Changed("start") {
				opts.StartServices = a.cfg.Services.Start
			}

			report := a.services().Reconcile(cmd.Context(), names, opts)
			if err := a.print(report.Statuses); err != nil {
				return err
			}
			if report.Err() != nil {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list the actions without executing them")
	cmd.Flags().BoolVar(&opts.StartServices, "start", false, "start services after enabling (default: services.start)")
	return cmd
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the agent is reachable and ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if _, err := a.privileges().Client(cmd.Context(), a.cfg.Agent.Socket, a.cfg.Agent.Timeout); err != nil {
				return err
			}
			return a.print(map[string]string{
				"socket": a.cfg.Agent.Socket,
				"status": "ready",
				"rtt":    time.Since(start).Round(time.Microsecond).String(),
			})
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		schedule string
		now      bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconcile periodically until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if schedule == "" {
				schedule = a.cfg.Watch.Schedule
			}
			d, err := a.cfg.Desired()
			if err != nil {
				return err
			}

			journal, err := a.history()
			if err != nil {
				return err
			}
			broker := a.privileges()
			r := a.reconciler(journal)

			s, err := scheduler.New(scheduler.Options{Expression: schedule, RunAtStart: now}, func(ctx context.Context) error {
				report := r.Run(ctx, d, reconcile.Options{})
				a.prune()
				return report.Err
			}, a.log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a.log.Info("watching",
				slog.String("schedule", schedule),
				slog.Bool("run_now", now),
				slog.Time("next_run", s.Next(time.Now())),
			)

			runs := s.Run(ctx)
			a.log.Info("watch stopped", slog.Int("runs", runs))

			coord := shutdown.NewCoordinator(a.log)
			coord.Register("journal", shutdown.Closer(journal.Close))
			coord.Register("privilege broker", shutdown.Closer(broker.Close))
			a.journal, a.broker = nil, nil
			a.log.Debug("closing", slog.Int("stages", coord.ComponentCount()))

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return coord.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression or descriptor (default: watch.schedule)")
	cmd.Flags().BoolVar(&now, "now", true, "run a pass immediately")
	return cmd
}

// historyRow summarizes one run for listing.
type historyRow struct {
	Seq       uint64    `json:"seq" yaml:"seq"`
	RunID     string    `json:"run_id" yaml:"run_id"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Duration  string    `json:"duration" yaml:"duration"`
	DryRun    bool      `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	OK        bool      `json:"ok" yaml:"ok"`
	Steps     string    `json:"steps" yaml:"steps"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent reconciliation runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.history()
			if err != nil {
				return err
			}
			records, err := j.Recent(limit)
			if err != nil {
				return err
			}
			rows := make([]historyRow, 0, len(records))
			for _, r := range records {
				rows = append(rows, historyRow{
					Seq:       r.Seq,
					RunID:     r.RunID,
					StartedAt: r.StartedAt,
					Duration:  r.Duration().Round(time.Millisecond).String(),
					DryRun:    r.DryRun,
					OK:        r.OK(),
					Steps:     fmt.Sprintf("%d/%d", r.Executed, r.Steps),
					Error:     r.Error,
				})
			}
			return a.print(rows)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.history()
			if err != nil {
				return err
			}
			r, err := j.Get(args[0])
			if err != nil {
				return err
			}
			return a.print(r)
		},
	})
	return cmd
}

// prune trims the journal to history.keep. Failures only cost disk space.
func (a *app) prune() {
	if a.journal == nil || a.cfg.History.Keep == 0 {
		return
	}
	if n, err := a.journal.Prune(a.cfg.History.Keep); err != nil {
		a.log.Warn("history prune failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.log.Debug("history pruned", slog.Int("deleted", n))
	}
}

func newPrepareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Create the directories mcbridge writes into",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := planner.Setup(a.cfg.StatePaths(), a.cfg.Agent.SocketGroup)
			if len(steps) == 0 {
				return nil
			}
			res, err := a.privileges().Apply(cmd.Context(), plan.New(steps...))
			if err != nil {
				return err
			}
			if err := a.print(res); err != nil {
				return err
			}
			return res.Err()
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.print(redacted(a.cfg))
		},
	}
}

const redactedValue = "<redacted>"

// redacted returns a copy of cfg with passphrases and PSKs masked.
func redacted(cfg *config.Config) *config.Config {
	c := *cfg
	if c.AP.Passphrase != "" {
		c.AP.Passphrase = redactedValue
	}
	c.Upstream.Networks = append([]config.NetworkConfig(nil), cfg.Upstream.Networks...)
	for i := range c.Upstream.Networks {
		if c.Upstream.Networks[i].PSK != "" {
			c.Upstream.Networks[i].PSK = redactedValue
		}
	}
	return &c
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info("mcbridge"))
		},
	}
}
