// mcbridge-agent is the privileged half of mcbridge.
//
// It runs as root under systemd (Type=notify) and executes plans sent by the
// unprivileged mcbridge controller over a Unix domain socket. It holds no
// desired state of its own: every change it makes arrives as a validated
// plan of file writes and commands.
//
// Lifecycle:
//  1. Load configuration (socket path, socket group, allowed uids)
//  2. Setup structured JSON logger
//  3. Listen on the socket, or take it from socket activation
//  4. Serve, mark ready and notify systemd
//  5. Ping the watchdog while the server is ready
//  6. Wait for SIGTERM/SIGINT
//  7. Notify systemd that the agent is stopping
//  8. Coordinated shutdown with timeout; in-flight plans finish first
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/doughall/mcbridge/internal/agent"
	"github.com/doughall/mcbridge/internal/config"
	"github.com/doughall/mcbridge/internal/executor"
	"github.com/doughall/mcbridge/internal/logging"
	"github.com/doughall/mcbridge/internal/shutdown"
	"github.com/doughall/mcbridge/internal/systemd"
	"github.com/doughall/mcbridge/internal/version"
)

// shutdownTimeout bounds how long in-flight plans may run after SIGTERM.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "mcbridge-agent",
		Short:         "Privileged plan executor for mcbridge",
		Version:       version.Info("mcbridge-agent"),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			}
			return err
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to configuration file")
	return cmd
}

func run(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	logger := logging.SetupLogger(cfg.LogLevel, logging.FormatJSON, os.Stdout)

	logger.Info("agent starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", configPath),
		slog.String("socket", cfg.Agent.Socket),
	)
	if os.Geteuid() != 0 {
		logger.Warn("agent is not running as root; privileged steps will fail")
	}

	auth, err := authorizer(cfg.Agent)
	if err != nil {
		return err
	}

	exec := executor.New(logger)
	server := agent.NewServer(agent.ServerOptions{
		SocketPath:  cfg.Agent.Socket,
		SocketGroup: cfg.Agent.SocketGroup,
		IdleTimeout: cfg.Agent.IdleTimeout,
	}, exec, auth, logger)

	ln, activated, err := systemd.ActivationListener()
	if err != nil {
		return err
	}
	if activated {
		logger.Info("using socket-activated listener", slog.String("socket", ln.Addr().String()))
		server.SetListener(ln)
	} else if err := server.Listen(); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// The server gets its own context so shutdown can drain it rather than
	// cut connections when the signal arrives.
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	g := new(errgroup.Group)
	g.Go(func() error {
		return server.Serve(serveCtx)
	})

	server.SetReady(true)
	underSystemd := systemd.IsRunningUnderSystemd()
	if underSystemd {
		systemd.NotifyReady()
		systemd.NotifyStatus("serving plans on %s", server.Addr())
		systemd.StartWatchdog(ctx, server.Ready)
	}
	logger.Info("agent ready", slog.String("socket", server.Addr()), slog.Bool("systemd", underSystemd))

	<-ctx.Done()
	if underSystemd {
		systemd.NotifyStopping()
	}

	coord := shutdown.NewCoordinator(logger)
	coord.Register("agent server", server)
	logger.Info("shutdown signal received", slog.Int("stages", coord.ComponentCount()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := coord.Shutdown(shutdownCtx)

	cancelServe()
	if err := g.Wait(); err != nil {
		return err
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	logger.Info("agent stopped")
	return nil
}

// authorizer allows root, the configured uids and members of the socket
// group.
func authorizer(cfg config.AgentConfig) (*agent.PeerAuthorizer, error) {
	uids := make([]uint32, 0, len(cfg.AllowedUIDs))
	for _, id := range cfg.AllowedUIDs {
		if id < 0 {
			return nil, errors.New("agent.allowed_uids must not be negative")
		}
		uids = append(uids, uint32(id))
	}

	var gids []uint32
	if cfg.SocketGroup != "" {
		gid, err := agent.LookupGroupID(cfg.SocketGroup)
		if err != nil {
			return nil, err
		}
		gids = append(gids, uint32(gid))
	}
	return agent.NewPeerAuthorizer(uids, gids), nil
}
