// wire.go defines the JSON shape of plans on the agent socket.
// Binary file contents travel base64 encoded, text travels as a JSON string.
package plan

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// wireStep is the on-the-wire form of a step.
type wireStep struct {
	Action   Action   `json:"action"`
	Path     string   `json:"path,omitempty"`
	Contents *string  `json:"contents,omitempty"`
	Binary   bool     `json:"binary,omitempty"`
	Mode     *uint32  `json:"mode,omitempty"`
	Owner    string   `json:"owner,omitempty"`
	Group    string   `json:"group,omitempty"`
	Command  []string `json:"command,omitempty"`
	Env      []string `json:"env,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
}

type wirePlan struct {
	ID        string            `json:"id,omitempty"`
	Steps     []json.RawMessage `json:"steps"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
}

// MarshalStep encodes a single step in wire form.
func MarshalStep(s Step) ([]byte, error) {
	switch s := s.(type) {
	case WriteFile:
		var contents string
		if s.Binary {
			contents = base64.StdEncoding.EncodeToString(s.Contents)
		} else {
			contents = string(s.Contents)
		}
		mode := ModeBits(s.Mode)
		return json.Marshal(wireStep{
			Action:   ActionWriteFile,
			Path:     s.Path,
			Contents: &contents,
			Binary:   s.Binary,
			Mode:     &mode,
			Owner:    s.Owner,
			Group:    s.Group,
		})
	case RunCommand:
		return json.Marshal(wireStep{
			Action:  ActionRun,
			Command: s.Argv,
			Env:     s.Env,
			Cwd:     s.Dir,
		})
	default:
		return nil, fmt.Errorf("unsupported step type %T", s)
	}
}

// UnmarshalStep decodes a wire step. Unknown actions are rejected.
func UnmarshalStep(data []byte) (Step, error) {
	var w wireStep
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}

	switch w.Action {
	case ActionWriteFile:
		step := WriteFile{
			Path:   w.Path,
			Binary: w.Binary,
			Mode:   DefaultFileMode,
			Owner:  w.Owner,
			Group:  w.Group,
		}
		if w.Mode != nil {
			step.Mode = modeFromBits(*w.Mode)
		}
		if w.Contents != nil {
			if w.Binary {
				raw, err := base64.StdEncoding.DecodeString(*w.Contents)
				if err != nil {
					return nil, fmt.Errorf("decode binary contents for %s: %w", w.Path, err)
				}
				step.Contents = raw
			} else {
				step.Contents = []byte(*w.Contents)
			}
		}
		return step, nil
	case ActionRun:
		return RunCommand{Argv: w.Command, Env: w.Env, Dir: w.Cwd}, nil
	case "":
		return nil, fmt.Errorf("step has no action")
	default:
		return nil, fmt.Errorf("unsupported step action %q", w.Action)
	}
}

// MarshalJSON implements json.Marshaler.
func (p Plan) MarshalJSON() ([]byte, error) {
	w := wirePlan{
		ID:        p.ID,
		Steps:     make([]json.RawMessage, 0, len(p.Steps)),
		TimeoutMs: p.Timeout.Milliseconds(),
	}
	for i, s := range p.Steps {
		raw, err := MarshalStep(s)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		w.Steps = append(w.Steps, raw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var w wirePlan
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.TimeoutMs < 0 {
		return fmt.Errorf("negative timeout_ms %d", w.TimeoutMs)
	}

	steps := make([]Step, 0, len(w.Steps))
	for i, raw := range w.Steps {
		s, err := UnmarshalStep(raw)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		steps = append(steps, s)
	}

	p.ID = w.ID
	p.Steps = steps
	p.Timeout = time.Duration(w.TimeoutMs) * time.Millisecond
	return nil
}

// modeFromBits converts a raw POSIX mode (as chmod takes it) to os.FileMode.
func modeFromBits(bits uint32) os.FileMode {
	mode := os.FileMode(bits & 0777)
	if bits&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if bits&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if bits&01000 != 0 {
		mode |= os.ModeSticky
	}
	// Bits above 07777 are kept verbatim so validation can reject them.
	mode |= os.FileMode(bits &^ 07777)
	return mode
}

// ModeBits converts an os.FileMode back to the chmod bitmask.
func ModeBits(mode os.FileMode) uint32 {
	bits := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		bits |= 04000
	}
	if mode&os.ModeSetgid != 0 {
		bits |= 02000
	}
	if mode&os.ModeSticky != 0 {
		bits |= 01000
	}
	return bits
}
