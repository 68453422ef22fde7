// Package shutdown stops long-running components in reverse order of
// registration, so the agent stops accepting plans before the executor and
// journal they depend on go away.
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("journal", shutdown.Closer(journal.Close))
//	coord.Register("agent server", server)
//	err := coord.Shutdown(ctx) // server first, then journal
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Shutdowner is implemented by components that take part in shutdown.
type Shutdowner interface {
	// Shutdown stops the component, giving up when ctx is done.
	Shutdown(ctx context.Context) error
}

// Func adapts a function to Shutdowner.
type Func func(ctx context.Context) error

// Shutdown implements Shutdowner.
func (f Func) Shutdown(ctx context.Context) error { return f(ctx) }

// Closer adapts an io.Closer-style Close to Shutdowner.
func Closer(close func() error) Shutdowner {
	return Func(func(context.Context) error { return close() })
}

type stage struct {
	name string
	stop Shutdowner
}

// Coordinator runs registered stages last in, first out. Registration is
// not safe for concurrent use.
type Coordinator struct {
	stages []stage
	logger *slog.Logger
}

// NewCoordinator returns an empty Coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{logger: logger.With(slog.String("component", "shutdown"))}
}

// Register appends a stage; it will run before every stage registered
// earlier.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.stages = append(c.stages, stage{name: name, stop: s})
}

// ComponentCount returns the number of registered stages.
func (c *Coordinator) ComponentCount() int {
	return len(c.stages)
}

// Shutdown runs every stage. A failing stage does not stop the ones after
// it; all failures are joined. When ctx ends, the stages not yet run are
// skipped and reported together with the context error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var errs []error

	for i := len(c.stages) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			skipped := c.pending(i)
			c.logger.Error("shutdown deadline reached", slog.String("skipped", strings.Join(skipped, ", ")))
			errs = append(errs, fmt.Errorf("skipped %s: %w", strings.Join(skipped, ", "), err))
			break
		}

		st := c.stages[i]
		start := time.Now()
		err := st.stop.Shutdown(ctx)
		logger := c.logger.With(slog.String("stage", st.name), slog.Duration("took", time.Since(start)))
		if err != nil {
			logger.Error("stage failed", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("failed to shutdown %s: %w", st.name, err))
			continue
		}
		logger.Debug("stage stopped")
	}

	err := errors.Join(errs...)
	if err == nil {
		c.logger.Info("shutdown complete", slog.Int("stages", len(c.stages)))
	}
	return err
}

// pending lists stages i down to 0, in the order they would have run.
func (c *Coordinator) pending(i int) []string {
	names := make([]string, 0, i+1)
	for ; i >= 0; i-- {
		names = append(names, c.stages[i].name)
	}
	return names
}
