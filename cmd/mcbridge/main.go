// mcbridge is the unprivileged controller.
//
// It reads the desired access point, DNS and upstream settings from
// configuration, inspects the host, and sends the resulting plan to
// mcbridge-agent over its Unix socket. Run as root it applies plans
// in-process instead.
//
// Commands:
//
//	mcbridge reconcile    one pass: inspect, plan, apply, enable services
//	mcbridge plan         print the plan a pass would apply
//	mcbridge services     bring the configured services to enabled
//	mcbridge ping         check the agent is reachable and ready
//	mcbridge watch        reconcile on the configured schedule
//	mcbridge history      list or show journaled runs
//	mcbridge prepare      create the socket, generated and failed directories
//	mcbridge config       print the effective configuration
//	mcbridge version      print version information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	goyaml "gopkg.in/yaml.v3"

	"github.com/doughall/mcbridge/internal/config"
	"github.com/doughall/mcbridge/internal/executor"
	"github.com/doughall/mcbridge/internal/history"
	"github.com/doughall/mcbridge/internal/inspect"
	"github.com/doughall/mcbridge/internal/logging"
	"github.com/doughall/mcbridge/internal/privileges"
	"github.com/doughall/mcbridge/internal/reconcile"
	"github.com/doughall/mcbridge/internal/services"
)

// errReported marks a failure whose details were already written as command
// output; main exits non-zero without repeating it.
var errReported = errors.New("failed")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	a := &app{}
	defer a.close()

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(cmd.ErrOrStderr(), "ERROR: %v\n", err)
		}
		return 1
	}
	return 0
}

// app carries the configuration and lazily built components shared by the
// subcommands.
type app struct {
	configPath string
	logLevel   string
	output     string

	out io.Writer
	cfg *config.Config
	log *slog.Logger

	exec    *executor.Executor
	broker  *privileges.Broker
	journal *history.Journal
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcbridge",
		Short:         "Run a Wi-Fi access point alongside an upstream Wi-Fi link",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			if cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.DefaultConfigPath, "path to configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	flags.StringVarP(&a.output, "output", "o", "yaml", "output format: yaml or json")

	cmd.AddCommand(
		newReconcileCmd(a),
		newPlanCmd(a),
		newServicesCmd(a),
		newPingCmd(a),
		newWatchCmd(a),
		newHistoryCmd(a),
		newPrepareCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func (a *app) load() error {
	switch a.output {
	case "yaml", "json":
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", a.configPath, err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.log = logging.SetupLogger(cfg.LogLevel, logging.FormatText, os.Stderr)
	return nil
}

func (a *app) executor() *executor.Executor {
	if a.exec == nil {
		a.exec = executor.New(a.log)
	}
	return a.exec
}

// privileges returns the broker. Root applies plans in-process; everyone
// else goes through the agent.
func (a *app) privileges() *privileges.Broker {
	if a.broker == nil {
		a.broker = privileges.NewBroker(privileges.Options{
			SocketPath: a.cfg.Agent.Socket,
			Timeout:    a.cfg.Agent.Timeout,
		}, a.executor(), a.log)
	}
	return a.broker
}

func (a *app) history() (*history.Journal, error) {
	if a.journal == nil {
		j, err := history.Open(a.cfg.History.Path)
		if err != nil {
			return nil, err
		}
		a.journal = j
	}
	return a.journal, nil
}

// reconciler wires a pass. Diagnostics such as iptables-save need root, so
// they go through the broker; enablement queries run locally.
func (a *app) reconciler(journal reconcile.Journal) *reconcile.Reconciler {
	broker := a.privileges()
	return reconcile.New(
		inspect.New(inspect.RunnerFunc(broker.Run), a.log),
		broker,
		a.services(),
		journal,
		a.log,
	)
}

func (a *app) services() *services.Reconciler {
	return services.NewReconciler(a.executor(), a.privileges(), a.log)
}

func (a *app) close() {
	if a.broker != nil {
		a.broker.Close()
		a.broker = nil
	}
	if a.journal != nil {
		a.journal.Close()
		a.journal = nil
	}
}

// print writes v in the selected output format.
func (a *app) print(v any) error {
	if a.output == "json" {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := goyaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
