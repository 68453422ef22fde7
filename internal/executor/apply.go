// apply.go executes whole plans with halt-and-report semantics.
// Steps run strictly in order. The first step that cannot be performed at
// all stops the plan; everything executed before it is kept in the result
// and nothing is rolled back.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doughall/mcbridge/internal/plan"
)

// Apply runs p and returns a result covering exactly the steps that executed.
//
// A non-zero return code does not stop the plan. A step that cannot be
// performed (write failure, exec failure) halts with StepExecutionFault. If
// the plan timeout elapses, the in-flight step is killed and the plan halts
// with Timeout. A plan that fails validation executes nothing and is
// reported as AgentRejected.
func (e *Executor) Apply(ctx context.Context, p *plan.Plan) *plan.Result {
	if err := plan.Validate(p); err != nil {
		return plan.Halt(nil, plan.KindAgentRejected, 0, err)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := e.logger.With(slog.String("plan_id", p.ID))
	logger.Info("applying plan",
		slog.Int("steps", len(p.Steps)),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	results := make([]plan.StepResult, 0, len(p.Steps))

	for i, step := range p.Steps {
		n := i + 1

		if err := ctx.Err(); err != nil {
			logger.Warn("plan stopped before step", slog.Int("step", n), slog.String("error", err.Error()))
			return plan.Halt(results, contextKind(err), n, err)
		}

		switch s := step.(type) {
		case plan.WriteFile:
			if err := e.WriteFile(s); err != nil {
				logger.Error("write step failed",
					slog.Int("step", n),
					slog.String("path", s.Path),
					slog.String("error", err.Error()),
				)
				return plan.Halt(results, plan.KindStepExecutionFault, n, err)
			}
			results = append(results, plan.StepResult{Action: plan.ActionWriteFile, Path: s.Path})

		case plan.RunCommand:
			res, err := e.Run(ctx, s)
			if err != nil {
				logger.Error("run step failed",
					slog.Int("step", n),
					slog.String("command", s.String()),
					slog.String("error", err.Error()),
				)
				return plan.Halt(results, plan.KindStepExecutionFault, n, err)
			}
			if res.TimedOut {
				cause := ctx.Err()
				if cause == nil {
					cause = context.DeadlineExceeded
				}
				logger.Warn("run step interrupted",
					slog.Int("step", n),
					slog.String("command", s.String()),
					slog.Duration("duration", res.Duration),
				)
				return plan.Halt(results, contextKind(cause), n,
					fmt.Errorf("%s interrupted after %s: %w", s.String(), res.Duration.Round(time.Millisecond), cause))
			}
			logger.Debug("run step finished",
				slog.Int("step", n),
				slog.String("command", s.String()),
				slog.Int("returncode", res.ExitCode),
			)
			results = append(results, res.StepResult())

		default:
			// Unreachable after validation.
			return plan.Halt(results, plan.KindAgentRejected, n, fmt.Errorf("unsupported step type %T", step))
		}
	}

	logger.Info("plan applied",
		slog.Int("steps", len(results)),
		slog.Duration("duration", time.Since(start)),
	)
	return &plan.Result{Status: plan.StatusOK, Results: results}
}

// contextKind maps a context error to the taxonomy. Cancellation without a
// deadline only happens on shutdown and is reported as a step fault.
func contextKind(err error) plan.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return plan.KindTimeout
	}
	return plan.KindStepExecutionFault
}
