// protocol.go defines the IPC protocol between the unprivileged controller
// and the privileged agent.
// Communication uses newline-delimited JSON messages over a Unix domain
// socket. A connection carries any number of request/response pairs, with at
// most one request outstanding at a time.
package agent

import (
	"encoding/json"
	"time"

	"github.com/doughall/mcbridge/internal/plan"
)

// DefaultSocketPath is the Unix domain socket path the agent listens on.
const DefaultSocketPath = "/run/mcbridge/agent.sock"

// PingTimeout is the fixed bound on a liveness probe.
const PingTimeout = 2 * time.Second

// applyGrace is added to a plan's timeout on the client side so the agent's
// own Timeout result arrives before the client gives up on the connection.
const applyGrace = 5 * time.Second

// RequestType identifies the type of request.
type RequestType string

const (
	// RequestTypePing probes liveness. No payload, no side effects.
	RequestTypePing RequestType = "ping"

	// RequestTypeApplyPlan executes a plan.
	RequestTypeApplyPlan RequestType = "apply_plan"
)

// Request is sent from the controller to the agent.
type Request struct {
	Type RequestType `json:"type"`

	// Plan is kept raw so a malformed plan can be rejected without
	// dropping the connection.
	Plan json.RawMessage `json:"plan,omitempty"`
}

// Response is sent from the agent back to the controller.
type Response struct {
	Status  plan.Status       `json:"status"`
	Results []plan.StepResult `json:"results,omitempty"`
	Error   *plan.Fault       `json:"error,omitempty"`
}

// Result converts the response into a plan result.
func (r *Response) Result() *plan.Result {
	results := r.Results
	if results == nil {
		results = []plan.StepResult{}
	}
	return &plan.Result{Status: r.Status, Results: results, Error: r.Error}
}

func responseFromResult(res *plan.Result) *Response {
	return &Response{Status: res.Status, Results: res.Results, Error: res.Error}
}

func rejected(msg string) *Response {
	return &Response{
		Status: plan.StatusError,
		Error:  &plan.Fault{Kind: plan.KindAgentRejected, Message: msg},
	}
}
