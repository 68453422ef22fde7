package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// immediate fires every timer at once and records the waits requested.
type immediate struct {
	waits []time.Duration
}

func (i *immediate) after(d time.Duration) <-chan time.Time {
	i.waits = append(i.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func TestCronParser(t *testing.T) {
	p := NewCronParser()
	base := time.Date(2026, 10, 18, 10, 7, 0, 0, time.UTC)

	next := func(expr string) time.Time {
		s, err := New(Options{Expression: expr}, func(context.Context) error { return nil }, nopLogger())
		require.NoError(t, err)
		return s.Next(base)
	}
	assert.Equal(t, time.Date(2026, 10, 18, 10, 15, 0, 0, time.UTC), next("*/15 * * * *"))
	assert.Equal(t, base.Add(5*time.Minute), next("@every 5m"))
	assert.Equal(t, time.Date(2026, 10, 18, 11, 0, 0, 0, time.UTC), next("@hourly"))

	assert.NoError(t, p.Validate("0 3 * * 1-5"))
	assert.Error(t, p.Validate("every five minutes"))
	assert.Error(t, p.Validate("* * * * * *"), "seconds field not accepted")
}

func TestNewRejectsBadExpression(t *testing.T) {
	_, err := New(Options{Expression: "nope"}, func(context.Context) error { return nil }, nopLogger())
	assert.ErrorContains(t, err, `schedule "nope"`)
}

func TestRunLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	job := func(context.Context) error {
		calls++
		if calls == 2 {
			return errors.New("agent unreachable")
		}
		if calls == 3 {
			cancel()
		}
		return nil
	}

	s, err := New(Options{Expression: "@every 5m"}, job, nopLogger())
	require.NoError(t, err)

	base := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	clock := &immediate{}
	s.after = clock.after

	runs := s.Run(ctx)
	assert.Equal(t, 3, runs, "a failed pass does not stop the loop")
	assert.Equal(t, 3, calls)
	for _, w := range clock.waits {
		assert.Equal(t, 5*time.Minute, w)
	}
}

func TestRunAtStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	s, err := New(Options{Expression: "@daily", RunAtStart: true}, func(context.Context) error {
		calls++
		cancel()
		return nil
	}, nopLogger())
	require.NoError(t, err)

	// The timer never fires; only the start run happens.
	s.after = func(time.Duration) <-chan time.Time { return nil }

	assert.Equal(t, 1, s.Run(ctx))
	assert.Equal(t, 1, calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := New(Options{Expression: "@every 1m"}, func(context.Context) error {
		t.Fatal("job must not run")
		return nil
	}, nopLogger())
	require.NoError(t, err)
	s.after = func(time.Duration) <-chan time.Time { return nil }

	assert.Zero(t, s.Run(ctx))
}
