// executor_test.go tests argv execution, atomic writes and plan application.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doughall/mcbridge/internal/plan"
)

// nopLogger returns a logger that discards all output, suitable for tests.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sh(script string) plan.RunCommand {
	return plan.Command("sh", "-c", script)
}

func TestRun(t *testing.T) {
	e := New(nopLogger())
	ctx := context.Background()

	t.Run("captures output", func(t *testing.T) {
		res, err := e.Run(ctx, sh("echo out; echo err >&2"))
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "out\n", res.Stdout)
		assert.Equal(t, "err\n", res.Stderr)
		assert.False(t, res.TimedOut)
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		res, err := e.Run(ctx, sh("exit 3"))
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("arguments are not shell expanded", func(t *testing.T) {
		res, err := e.Run(ctx, plan.Command("echo", "$HOME", "a;b"))
		require.NoError(t, err)
		assert.Equal(t, "$HOME a;b\n", res.Stdout)
	})

	t.Run("step env and dir apply", func(t *testing.T) {
		dir := t.TempDir()
		step := plan.RunCommand{Argv: []string{"sh", "-c", "echo $MCB_TEST; pwd"}, Env: []string{"MCB_TEST=hello"}, Dir: dir}
		res, err := e.Run(ctx, step)
		require.NoError(t, err)
		resolved, _ := filepath.EvalSymlinks(dir)
		assert.Contains(t, res.Stdout, "hello\n")
		assert.Contains(t, res.Stdout, resolved)
	})

	t.Run("locale is pinned", func(t *testing.T) {
		res, err := e.Run(ctx, sh("echo $LC_ALL"))
		require.NoError(t, err)
		assert.Equal(t, "C\n", res.Stdout)
	})

	t.Run("missing executable is an error", func(t *testing.T) {
		_, err := e.Run(ctx, plan.Command("mcbridge-definitely-missing"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("context deadline kills the process group", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		res, err := e.Run(tctx, sh("sleep 5 & sleep 5; wait"))
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
		assert.Equal(t, -1, res.ExitCode)
		assert.Less(t, time.Since(start), 4*time.Second)
	})
}

func TestPathCache(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data"), []byte("x"), 0644))

	cache := NewPathCache(dir)

	path, err := cache.Resolve("tool")
	require.NoError(t, err)
	assert.Equal(t, exe, path)

	_, err = cache.Resolve("data")
	assert.Error(t, err, "non-executable files are skipped")

	path, err = cache.Resolve(exe)
	require.NoError(t, err)
	assert.Equal(t, exe, path)

	_, err = cache.Resolve(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	t.Run("concurrent lookups", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := cache.Resolve("tool")
				assert.NoError(t, err)
				assert.Equal(t, exe, p)
			}()
		}
		wg.Wait()
	})
}

func TestWriteFile(t *testing.T) {
	e := New(nopLogger())

	t.Run("creates parents and applies mode", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "a", "b", "hostapd.conf")
		require.NoError(t, e.WriteFile(plan.TextFile(target, "interface=wlan0\n", 0640)))

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "interface=wlan0\n", string(data))

		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
	})

	t.Run("replaces existing file and leaves no temp files", func(t *testing.T) {
		dir := t.TempDir()
		target := filepath.Join(dir, "dnsmasq.conf")
		require.NoError(t, os.WriteFile(target, []byte("old"), 0600))

		require.NoError(t, e.WriteFile(plan.TextFile(target, "new", 0644)))

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("numeric ownership of the current user", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "owned")
		uid := os.Getuid()
		gid := os.Getgid()
		step := plan.TextFile(target, "x", 0644)
		step.Owner = itoa(uid)
		step.Group = itoa(gid)
		require.NoError(t, e.WriteFile(step))
	})

	t.Run("unknown owner fails before writing", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "owned")
		step := plan.TextFile(target, "x", 0644)
		step.Owner = "mcbridge-no-such-user"
		require.Error(t, e.WriteFile(step))
		assert.NoFileExists(t, target)
	})

	t.Run("relative path is rejected", func(t *testing.T) {
		require.Error(t, e.WriteFile(plan.TextFile("relative.conf", "x", 0644)))
	})
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func TestApply(t *testing.T) {
	e := New(nopLogger())
	ctx := context.Background()

	t.Run("runs every step in order", func(t *testing.T) {
		dir := t.TempDir()
		log := filepath.Join(dir, "order")
		p := plan.New(
			sh("echo one >> "+log),
			plan.TextFile(filepath.Join(dir, "f"), "x", 0644),
			sh("echo two >> "+log),
			sh("exit 7"),
		)

		res := e.Apply(ctx, p)
		require.True(t, res.OK(), "fault: %+v", res.Error)
		require.Len(t, res.Results, 4)
		assert.Equal(t, plan.ActionWriteFile, res.Results[1].Action)
		assert.Equal(t, 7, res.Results[3].ReturnCode, "non-zero exit does not halt")

		data, err := os.ReadFile(log)
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo\n", string(data))
	})

	t.Run("halts at the faulting step", func(t *testing.T) {
		for k := 1; k <= 4; k++ {
			dir := t.TempDir()
			steps := make([]plan.Step, 4)
			for i := range steps {
				steps[i] = plan.TextFile(filepath.Join(dir, "f"+itoa(i)), "x", 0644)
			}
			steps[k-1] = plan.Command("mcbridge-definitely-missing")

			res := e.Apply(ctx, plan.New(steps...))
			assert.Equal(t, plan.StatusError, res.Status)
			assert.Len(t, res.Results, k-1)
			require.NotNil(t, res.Error)
			assert.Equal(t, plan.KindStepExecutionFault, res.Error.Kind)
			assert.Equal(t, k, res.Error.Step)

			for i := k; i < 4; i++ {
				assert.NoFileExists(t, filepath.Join(dir, "f"+itoa(i)), "steps after the fault never run")
			}
		}
	})

	t.Run("write failure halts", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("file, not dir"), 0644))

		res := e.Apply(ctx, plan.New(
			plan.Command("true"),
			plan.TextFile(filepath.Join(blocker, "child.conf"), "x", 0644),
			plan.Command("true"),
		))
		assert.Equal(t, plan.StatusError, res.Status)
		assert.Len(t, res.Results, 1)
		assert.Equal(t, plan.KindStepExecutionFault, res.Error.Kind)
		assert.Equal(t, 2, res.Error.Step)
	})

	t.Run("timeout preserves earlier results", func(t *testing.T) {
		p := plan.New(
			plan.Command("true"),
			sh("sleep 5"),
			plan.Command("true"),
		)
		p.Timeout = 200 * time.Millisecond

		res := e.Apply(ctx, p)
		assert.Equal(t, plan.StatusError, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, plan.KindTimeout, res.Error.Kind)
		assert.Len(t, res.Results, 1)
		assert.Less(t, len(res.Results), p.Len())
		assert.ErrorIs(t, res.Err(), plan.ErrTimeout)
	})

	t.Run("invalid plan executes nothing", func(t *testing.T) {
		dir := t.TempDir()
		target := filepath.Join(dir, "first")
		res := e.Apply(ctx, plan.New(
			plan.TextFile(target, "x", 0644),
			plan.RunCommand{},
		))
		assert.Equal(t, plan.KindAgentRejected, res.Error.Kind)
		assert.Empty(t, res.Results)
		assert.NoFileExists(t, target)
	})

	t.Run("binary round trip through the wire", func(t *testing.T) {
		payload := []byte{0x00, 0x01, 0xfe, 0xff, '\n'}
		target := filepath.Join(t.TempDir(), "blob.bin")
		raw := `{"steps":[{"action":"write_file","path":"` + target + `","contents":"` +
			base64.StdEncoding.EncodeToString(payload) + `","binary":true,"mode":384}]}`

		var p plan.Plan
		require.NoError(t, json.Unmarshal([]byte(raw), &p))

		res := e.Apply(ctx, &p)
		require.True(t, res.OK())

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, payload, data)

		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("empty plan is ok", func(t *testing.T) {
		res := e.Apply(ctx, plan.New())
		assert.True(t, res.OK())
		assert.Empty(t, res.Results)
	})
}

func TestStepResult(t *testing.T) {
	r := &Result{ExitCode: 2, Stdout: "o", Stderr: strings.Repeat("e", 3)}
	assert.Equal(t, plan.StepResult{Action: plan.ActionRun, ReturnCode: 2, Stdout: "o", Stderr: "eee"}, r.StepResult())
}

func TestOutput(t *testing.T) {
	e := New(nopLogger())

	out, err := e.Output(context.Background(), "sh", "-c", "echo 1; exit 2")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out.Stdout)
	assert.Equal(t, 2, out.ReturnCode)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.Output(ctx, "sleep", "5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
