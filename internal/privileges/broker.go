// Package privileges routes privileged operations either straight to the
// local executor, when the process already runs as root, or to the agent
// over its socket.
package privileges

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/doughall/mcbridge/internal/agent"
	"github.com/doughall/mcbridge/internal/plan"
)

// DefaultWriteMode is used by SudoWriteFile when no mode is given.
const DefaultWriteMode os.FileMode = 0664

// PlanClient is the controller's handle on an agent. *agent.Client
// implements it.
type PlanClient interface {
	Ping(ctx context.Context) error
	ApplyPlan(ctx context.Context, p *plan.Plan) (*plan.Result, error)
	Close() error
}

// ClientFactory creates a client for one (socket, timeout) pair.
type ClientFactory func(socketPath string, timeout time.Duration) PlanClient

// Options configures a Broker.
type Options struct {
	// SocketPath is the agent socket used by Apply.
	SocketPath string

	// Timeout bounds plans that carry no timeout of their own.
	Timeout time.Duration

	// EUID reports the effective uid. Defaults to os.Geteuid.
	EUID func() int

	// NewClient builds agent clients. Defaults to agent.NewClient.
	NewClient ClientFactory
}

type clientKey struct {
	socket  string
	timeout time.Duration
}

// Broker decides per call whether to execute directly or delegate to the
// agent. Agent clients are cached for the life of the Broker, one per
// (socket, timeout) pair.
type Broker struct {
	opts   Options
	local  agent.Applier
	logger *slog.Logger

	mu      sync.Mutex
	clients map[clientKey]PlanClient
}

// NewBroker creates a broker. local executes plans in-process when the
// caller is root; it may be nil for a controller that must never act directly.
func NewBroker(opts Options, local agent.Applier, logger *slog.Logger) *Broker {
	if opts.SocketPath == "" {
		opts.SocketPath = agent.DefaultSocketPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = agent.DefaultClientTimeout
	}
	if opts.EUID == nil {
		opts.EUID = os.Geteuid
	}
	if opts.NewClient == nil {
		opts.NewClient = func(socketPath string, timeout time.Duration) PlanClient {
			return agent.NewClient(socketPath, timeout)
		}
	}
	return &Broker{
		opts:    opts,
		local:   local,
		logger:  logger.With(slog.String("component", "privileges")),
		clients: make(map[clientKey]PlanClient),
	}
}

// Privileged reports whether plans run in-process.
func (b *Broker) Privileged() bool {
	return b.local != nil && b.opts.EUID() == 0
}

// Client returns the cached client for (socketPath, timeout), creating and
// pinging it on first use. A client whose ping fails is closed and not
// cached, so the next call tries again.
func (b *Broker) Client(ctx context.Context, socketPath string, timeout time.Duration) (PlanClient, error) {
	key := clientKey{socket: socketPath, timeout: timeout}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[key]; ok {
		return c, nil
	}

	c := b.opts.NewClient(socketPath, timeout)
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, err
	}
	b.clients[key] = c
	b.logger.Debug("agent client connected",
		slog.String("socket", socketPath),
		slog.Duration("timeout", timeout),
	)
	return c, nil
}

// evict drops the cached client for key if it is still c.
func (b *Broker) evict(key clientKey, c PlanClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.clients[key]; ok && cur == c {
		delete(b.clients, key)
		c.Close()
	}
}

// Apply executes p and returns its result.
//
// The error is nil whenever a result was produced, including halted plans;
// use Result.Err to classify those. Otherwise it is PermissionDenied (wrapping
// AgentUnreachable) when the caller lacks privilege and no agent answered,
// AgentRejected when the agent refused, and Timeout or AgentUnreachable when
// the connection failed mid-call.
func (b *Broker) Apply(ctx context.Context, p *plan.Plan) (*plan.Result, error) {
	if b.Privileged() {
		b.logger.Debug("applying plan directly", slog.String("plan_id", p.ID))
		return b.local.Apply(ctx, p), nil
	}

	key := clientKey{socket: b.opts.SocketPath, timeout: b.opts.Timeout}
	c, err := b.Client(ctx, key.socket, key.timeout)
	if err != nil {
		if errors.Is(err, plan.ErrAgentUnreachable) {
			return nil, b.denied(key.socket, err)
		}
		return nil, err
	}

	res, err := c.ApplyPlan(ctx, p)
	if err != nil {
		// The agent may still be mid-plan; the next call reconnects.
		b.evict(key, c)
		b.logger.Warn("agent call failed",
			slog.String("plan_id", p.ID),
			slog.String("error", err.Error()),
		)
		// A cached client redials lazily; an agent that went away since
		// the first ping looks the same as one that was never there.
		if errors.Is(err, agent.ErrDial) {
			return nil, b.denied(key.socket, err)
		}
		return nil, err
	}
	return res, nil
}

// denied reports that the agent could not be reached by a caller without
// privilege of its own.
func (b *Broker) denied(socket string, err error) error {
	return &plan.Error{
		Kind: plan.KindPermissionDenied,
		Op:   "apply",
		Err:  fmt.Errorf("euid %d needs the agent at %s: %w", b.opts.EUID(), socket, err),
	}
}

// WriteOptions sets the permissions of a file written by SudoWriteFile.
type WriteOptions struct {
	Mode  os.FileMode
	Owner string
	Group string
}

// SudoWriteFile writes contents to path with privilege, as a one-step plan
// through Apply. Contents that are not valid UTF-8 travel as binary.
func (b *Broker) SudoWriteFile(ctx context.Context, path string, contents []byte, opts WriteOptions) error {
	mode := opts.Mode
	if mode == 0 {
		mode = DefaultWriteMode
	}
	step := plan.File(path, contents, mode)
	step.Owner = opts.Owner
	step.Group = opts.Group

	res, err := b.Apply(ctx, plan.New(step))
	if err != nil {
		return err
	}
	return res.Err()
}

// Run executes argv with privilege as a one-step plan and returns its
// output. A non-zero exit status is not an error.
func (b *Broker) Run(ctx context.Context, argv ...string) (plan.StepResult, error) {
	res, err := b.Apply(ctx, plan.New(plan.RunCommand{Argv: argv}))
	if err != nil {
		return plan.StepResult{}, err
	}
	if err := res.Err(); err != nil {
		return plan.StepResult{}, err
	}
	if len(res.Results) == 0 {
		return plan.StepResult{}, &plan.Error{Kind: plan.KindStepExecutionFault, Op: "run", Err: errors.New("agent returned no result")}
	}
	return res.Results[0], nil
}

// Close closes every cached client.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for key, c := range b.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.clients, key)
	}
	return errors.Join(errs...)
}
