// Package plan defines the data contract passed across the trust boundary
// between the unprivileged controller and the privileged agent.
//
// A Plan is an ordered, finite list of steps. The step vocabulary is closed:
// a step is either a WriteFile or a RunCommand, nothing else. Keeping the
// vocabulary closed is what keeps everything the agent will ever do as root
// enumerable.
//
// Usage:
//
//	p := plan.New(
//		plan.Command("sysctl", "-w", "net.ipv4.ip_forward=1"),
//		plan.TextFile("/etc/hostapd/hostapd.conf", rendered, 0644),
//	)
//	p.Timeout = 30 * time.Second
package plan

import (
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// DefaultFileMode is applied to WriteFile steps that arrive without a mode.
const DefaultFileMode os.FileMode = 0644

// Action is the wire discriminator of a step.
type Action string

const (
	// ActionWriteFile writes a file atomically on the privileged side.
	ActionWriteFile Action = "write_file"

	// ActionRun executes an argv on the privileged side.
	ActionRun Action = "run"
)

// Step is one privileged action. It is implemented only by WriteFile and
// RunCommand.
type Step interface {
	Action() Action
	isStep()
}

// WriteFile replaces the file at Path with Contents.
type WriteFile struct {
	// Path is the absolute destination path.
	Path string `validate:"required,abspath"`

	// Contents are the raw bytes to write.
	Contents []byte

	// Binary selects base64 transport encoding instead of a JSON string.
	Binary bool

	// Mode is the POSIX permission bitmask applied before the rename.
	Mode os.FileMode `validate:"filemode"`

	// Owner and Group optionally override file ownership (names or numeric ids).
	Owner string
	Group string
}

// Action implements Step.
func (WriteFile) Action() Action { return ActionWriteFile }

func (WriteFile) isStep() {}

// RunCommand executes Argv without a shell. Argv[0] is the executable.
type RunCommand struct {
	Argv []string `validate:"required,argv"`

	// Env entries in KEY=VALUE form. Empty means the agent's defaults.
	Env []string

	// Dir is the working directory. Empty means the agent's default.
	Dir string `validate:"omitempty,abspath"`
}

// Action implements Step.
func (RunCommand) Action() Action { return ActionRun }

func (RunCommand) isStep() {}

// String renders the argv the way it would be typed at a shell.
func (c RunCommand) String() string {
	return strings.Join(c.Argv, " ")
}

// Command builds a RunCommand step.
func Command(name string, args ...string) RunCommand {
	return RunCommand{Argv: append([]string{name}, args...)}
}

// TextFile builds a WriteFile step carrying text.
func TextFile(path, contents string, mode os.FileMode) WriteFile {
	return WriteFile{Path: path, Contents: []byte(contents), Mode: mode}
}

// BinaryFile builds a WriteFile step carrying raw bytes.
func BinaryFile(path string, contents []byte, mode os.FileMode) WriteFile {
	return WriteFile{Path: path, Contents: contents, Binary: true, Mode: mode}
}

// File builds a WriteFile step, choosing binary transport when contents are
// not valid UTF-8.
func File(path string, contents []byte, mode os.FileMode) WriteFile {
	return WriteFile{Path: path, Contents: contents, Binary: !utf8.Valid(contents), Mode: mode}
}

// Plan is an ordered list of steps plus an optional bound on total execution.
// Step order is execution order.
type Plan struct {
	// ID correlates controller and agent logs for one plan.
	ID string

	Steps []Step

	// Timeout bounds the whole plan. Zero means the executor's default.
	Timeout time.Duration
}

// New creates a plan with a fresh ID.
func New(steps ...Step) *Plan {
	return &Plan{
		ID:    ulid.Make().String(),
		Steps: steps,
	}
}

// Add appends steps in order.
func (p *Plan) Add(steps ...Step) {
	p.Steps = append(p.Steps, steps...)
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.Steps)
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return len(p.Steps) == 0
}

// Commands returns the RunCommand steps in order.
func (p *Plan) Commands() []RunCommand {
	var out []RunCommand
	for _, s := range p.Steps {
		if c, ok := s.(RunCommand); ok {
			out = append(out, c)
		}
	}
	return out
}

// Files returns the WriteFile steps in order.
func (p *Plan) Files() []WriteFile {
	var out []WriteFile
	for _, s := range p.Steps {
		if f, ok := s.(WriteFile); ok {
			out = append(out, f)
		}
	}
	return out
}

// Status is the overall outcome of an applied plan.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// StepResult records one executed step. For write_file steps the presence of
// the entry is the success marker.
type StepResult struct {
	Action     Action `json:"action"`
	Path       string `json:"path,omitempty"`
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// Fault describes why a plan stopped early.
type Fault struct {
	Kind Kind `json:"kind"`

	// Step is the 1-based index of the step that failed or was in flight.
	Step int `json:"step,omitempty"`

	Message string `json:"message"`
}

// Result is the outcome of applying a plan. Results covers only the steps
// that actually executed, so len(Results) < plan length iff the plan halted.
type Result struct {
	Status  Status       `json:"status"`
	Results []StepResult `json:"results"`
	Error   *Fault       `json:"error,omitempty"`
}

// OK reports whether every step executed.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusOK
}

// Err converts the result's fault into an *Error, or nil when the plan completed.
func (r *Result) Err() error {
	if r == nil || r.Status == StatusOK {
		return nil
	}
	if r.Error == nil {
		return &Error{Kind: KindStepExecutionFault, Op: "apply"}
	}
	return &Error{
		Kind: r.Error.Kind,
		Op:   "apply",
		Step: r.Error.Step,
		Err:  errorString(r.Error.Message),
	}
}

// Halt builds an error result preserving the steps executed so far.
func Halt(results []StepResult, kind Kind, step int, err error) *Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if results == nil {
		results = []StepResult{}
	}
	return &Result{
		Status:  StatusError,
		Results: results,
		Error:   &Fault{Kind: kind, Step: step, Message: msg},
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }
