// executor.go implements argv execution with process group management.
// Commands never go through a shell: argv[0] is resolved against a fixed
// search path and the remaining elements are passed verbatim. All child
// processes are killed when the context ends, so a timed-out plan does not
// leave orphans behind.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/doughall/mcbridge/internal/plan"
)

// DefaultSearchPath is where executables are looked up. It includes the sbin
// directories because iptables, sysctl and friends live there.
const DefaultSearchPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// DefaultPlanTimeout bounds plans that arrive without their own timeout.
const DefaultPlanTimeout = 2 * time.Minute

// Executor runs plan steps on the local host with whatever privilege the
// current process has.
type Executor struct {
	// Env is the base environment for every command. Step env entries are
	// appended and win on conflict.
	Env []string

	// Dir is the working directory used when a step does not set one.
	Dir string

	// DefaultTimeout applies to plans with a zero timeout.
	DefaultTimeout time.Duration

	paths  *PathCache
	logger *slog.Logger
}

// New creates an Executor with default settings.
// The environment pins the C locale so diagnostic output parses the same way
// on every host.
func New(logger *slog.Logger) *Executor {
	return &Executor{
		Env: []string{
			"PATH=" + DefaultSearchPath,
			"LANG=C",
			"LC_ALL=C",
		},
		Dir:            "/",
		DefaultTimeout: DefaultPlanTimeout,
		paths:          NewPathCache(DefaultSearchPath),
		logger:         logger.With(slog.String("component", "executor")),
	}
}

// Run executes a single command and waits for it.
//
// A non-zero exit status is not an error: it is reported in Result.ExitCode
// and interpreting it is the caller's business. An error is returned only
// when the command could not be started at all (not found, not executable,
// bad working directory). When ctx ends first, the process group is killed
// and the result comes back with TimedOut set.
func (e *Executor) Run(ctx context.Context, step plan.RunCommand) (*Result, error) {
	if err := plan.ValidateStep(step); err != nil {
		return nil, err
	}

	path, err := e.paths.Resolve(step.Argv[0])
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, step.Argv[1:]...)
	cmd.Env = append(append([]string{}, e.Env...), step.Env...)
	cmd.Dir = e.Dir
	if step.Dir != "" {
		cmd.Dir = step.Dir
	}

	// Create new process group so we can kill all children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Kill entire process group (negative PID)
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// WaitDelay ensures orphaned processes don't block Wait()
	cmd.WaitDelay = 5 * time.Second

	result := &Result{
		StartedAt: time.Now(),
	}

	err = cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		if ctx.Err() != nil {
			result.ExitCode = -1
			result.TimedOut = true
			return result, nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}

		return nil, fmt.Errorf("execution failed: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}

// Output runs argv and returns it as a step result. It is the read-only
// diagnostic entry point: a deadline is an error here, since a truncated
// dump must not be parsed as facts.
func (e *Executor) Output(ctx context.Context, argv ...string) (plan.StepResult, error) {
	res, err := e.Run(ctx, plan.RunCommand{Argv: argv})
	if err != nil {
		return plan.StepResult{}, err
	}
	if res.TimedOut {
		return plan.StepResult{}, fmt.Errorf("%s: %w", argv[0], context.Cause(ctx))
	}
	return res.StepResult(), nil
}
