package plan

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanWireShape(t *testing.T) {
	p := New(
		Command("sysctl", "-w", "net.ipv4.ip_forward=1"),
		BinaryFile("/etc/mcbridge/blob", []byte{0x00, 0xff, 0x10}, 0600),
		TextFile("/etc/hostapd/hostapd.conf", "interface=wlan0\n", 0644),
	)
	p.Timeout = 1500 * time.Millisecond

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var generic struct {
		ID        string           `json:"id"`
		TimeoutMs int64            `json:"timeout_ms"`
		Steps     []map[string]any `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(raw, &generic))

	assert.Equal(t, p.ID, generic.ID)
	assert.EqualValues(t, 1500, generic.TimeoutMs)
	require.Len(t, generic.Steps, 3)

	assert.Equal(t, "run", generic.Steps[0]["action"])
	assert.Equal(t, []any{"sysctl", "-w", "net.ipv4.ip_forward=1"}, generic.Steps[0]["command"])

	assert.Equal(t, "write_file", generic.Steps[1]["action"])
	assert.Equal(t, true, generic.Steps[1]["binary"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x00, 0xff, 0x10}), generic.Steps[1]["contents"])
	assert.EqualValues(t, 0600, generic.Steps[1]["mode"])

	assert.Equal(t, "interface=wlan0\n", generic.Steps[2]["contents"])
	_, hasBinary := generic.Steps[2]["binary"]
	assert.False(t, hasBinary, "text steps omit the binary flag")
}

func TestPlanDecode(t *testing.T) {
	t.Run("binary contents are decoded", func(t *testing.T) {
		payload := []byte("\x89PNG\r\n")
		raw := fmt.Sprintf(`{"steps":[{"action":"write_file","path":"/tmp/x","contents":%q,"binary":true,"mode":416}]}`,
			base64.StdEncoding.EncodeToString(payload))

		var p Plan
		require.NoError(t, json.Unmarshal([]byte(raw), &p))
		require.Len(t, p.Steps, 1)

		wf, ok := p.Steps[0].(WriteFile)
		require.True(t, ok)
		assert.Equal(t, payload, wf.Contents)
		assert.EqualValues(t, 0640, wf.Mode)
	})

	t.Run("missing mode defaults", func(t *testing.T) {
		var p Plan
		require.NoError(t, json.Unmarshal([]byte(`{"steps":[{"action":"write_file","path":"/tmp/x","contents":"hi"}]}`), &p))
		assert.Equal(t, DefaultFileMode, p.Steps[0].(WriteFile).Mode)
	})

	t.Run("unknown action is rejected", func(t *testing.T) {
		var p Plan
		err := json.Unmarshal([]byte(`{"steps":[{"action":"exec_syscall","command":["reboot"]}]}`), &p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported step action")
	})

	t.Run("missing action is rejected", func(t *testing.T) {
		var p Plan
		err := json.Unmarshal([]byte(`{"steps":[{"command":["true"]}]}`), &p)
		require.Error(t, err)
	})

	t.Run("bad base64 is rejected", func(t *testing.T) {
		var p Plan
		err := json.Unmarshal([]byte(`{"steps":[{"action":"write_file","path":"/tmp/x","contents":"***","binary":true}]}`), &p)
		require.Error(t, err)
	})

	t.Run("timeout and env survive", func(t *testing.T) {
		var p Plan
		require.NoError(t, json.Unmarshal([]byte(`{"timeout_ms":250,"steps":[{"action":"run","command":["env"],"env":["A=1"],"cwd":"/tmp"}]}`), &p))
		assert.Equal(t, 250*time.Millisecond, p.Timeout)
		assert.Equal(t, RunCommand{Argv: []string{"env"}, Env: []string{"A=1"}, Dir: "/tmp"}, p.Steps[0])
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr string
	}{
		{"valid command", Command("true"), ""},
		{"valid file", TextFile("/etc/x.conf", "a", 0644), ""},
		{"setuid file", TextFile("/usr/local/bin/x", "a", 0755|os.ModeSetuid), ""},
		{"empty argv", RunCommand{}, "argv is required"},
		{"blank executable", RunCommand{Argv: []string{" ", "x"}}, "argv must name an executable"},
		{"relative path", TextFile("etc/x.conf", "a", 0644), "absolute"},
		{"unclean path", TextFile("/etc/../etc/x.conf", "a", 0644), "absolute"},
		{"relative cwd", RunCommand{Argv: []string{"ls"}, Dir: "tmp"}, "dir must be an absolute"},
		{"nil step", nil, "nil step"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStep(tt.step)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("plan error names the step", func(t *testing.T) {
		p := New(Command("true"), RunCommand{})
		err := Validate(p)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidPlan)
		assert.Contains(t, err.Error(), "step 2")
	})

	t.Run("out of range mode from the wire", func(t *testing.T) {
		var p Plan
		require.NoError(t, json.Unmarshal([]byte(`{"steps":[{"action":"write_file","path":"/tmp/x","contents":"","mode":65535}]}`), &p))
		assert.ErrorIs(t, Validate(&p), ErrInvalidPlan)
	})
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")
	unreachable := &Error{Kind: KindAgentUnreachable, Op: "dial", Err: cause}
	denied := &Error{Kind: KindPermissionDenied, Op: "apply", Err: unreachable}

	assert.ErrorIs(t, denied, ErrPermissionDenied)
	assert.ErrorIs(t, denied, ErrAgentUnreachable)
	assert.ErrorIs(t, denied, cause)
	assert.NotErrorIs(t, denied, ErrTimeout)
	assert.Equal(t, KindPermissionDenied, KindOf(denied))
	assert.Equal(t, Kind(""), KindOf(cause))
	assert.Equal(t, "apply: PermissionDenied: dial: AgentUnreachable: connection refused", denied.Error())
}

func TestResultErr(t *testing.T) {
	ok := &Result{Status: StatusOK}
	assert.NoError(t, ok.Err())
	assert.True(t, ok.OK())

	halted := Halt([]StepResult{{Action: ActionRun}}, KindTimeout, 2, errors.New("deadline exceeded"))
	assert.False(t, halted.OK())
	err := halted.Err()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "at step 2")
	assert.Len(t, halted.Results, 1)
}

func TestFileChoosesEncoding(t *testing.T) {
	assert.False(t, File("/a", []byte("plain text"), 0644).Binary)
	assert.True(t, File("/a", []byte{0xff, 0xfe}, 0644).Binary)
}
