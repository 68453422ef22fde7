package plan

import (
	"errors"
	"fmt"
)

// Kind classifies failures that cross the trust boundary.
type Kind string

const (
	// KindAgentUnreachable means the socket could not be opened or the peer
	// did not answer in time.
	KindAgentUnreachable Kind = "AgentUnreachable"

	// KindAgentRejected means the peer answered but refused the request.
	KindAgentRejected Kind = "AgentRejected"

	// KindStepExecutionFault means a step could not be performed at all.
	KindStepExecutionFault Kind = "StepExecutionFault"

	// KindTimeout means the plan did not complete within its bound.
	KindTimeout Kind = "Timeout"

	// KindPermissionDenied means privilege was required and no agent was reachable.
	KindPermissionDenied Kind = "PermissionDenied"

	// KindServiceQueryFailed means a service's enablement could not be determined.
	KindServiceQueryFailed Kind = "ServiceQueryFailed"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrAgentUnreachable   = &Error{Kind: KindAgentUnreachable}
	ErrAgentRejected      = &Error{Kind: KindAgentRejected}
	ErrStepExecutionFault = &Error{Kind: KindStepExecutionFault}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrServiceQueryFailed = &Error{Kind: KindServiceQueryFailed}
)

// ErrInvalidPlan is returned when a plan fails validation. Nothing is executed.
var ErrInvalidPlan = errors.New("invalid plan")

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Op names the operation that failed ("ping", "apply", "dial", ...).
	Op string

	// Step is the 1-based step index, when the failure belongs to a step.
	Step int

	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Step > 0 {
		msg += fmt.Sprintf(" at step %d", e.Step)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels (an *Error with only Kind set).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Step != 0 || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// Errorf builds a classified error.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
