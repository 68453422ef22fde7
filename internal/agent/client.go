// client.go provides the controller side of the plan protocol.
// A Client holds one persistent connection to the agent and sends one
// request at a time over it.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/doughall/mcbridge/internal/plan"
)

// DefaultClientTimeout bounds a plan that carries no timeout of its own.
const DefaultClientTimeout = 2 * time.Minute

// ErrDial marks AgentUnreachable errors raised before anything was sent:
// the socket could not be connected to.
var ErrDial = errors.New("dial")

// Client communicates with the privileged agent.
type Client struct {
	socketPath string
	timeout    time.Duration

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	encoder *json.Encoder
}

// NewClient creates a client for the agent at socketPath. The connection is
// opened lazily on the first request. timeout bounds plans that carry no
// timeout of their own; zero selects DefaultClientTimeout.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Ping probes the agent. It is bounded by PingTimeout regardless of ctx.
// Any failure, including a slow answer, is AgentUnreachable; a peer that
// answers with a refusal is AgentRejected.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	resp, err := c.roundTrip(ctx, "ping", &Request{Type: RequestTypePing})
	if err != nil {
		if errors.Is(err, plan.ErrTimeout) {
			return &plan.Error{Kind: plan.KindAgentUnreachable, Op: "ping", Err: errors.Unwrap(err)}
		}
		return err
	}
	if resp.Status != plan.StatusOK {
		msg := "ping refused"
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		return &plan.Error{Kind: plan.KindAgentRejected, Op: "ping", Err: errors.New(msg)}
	}
	return nil
}

// ApplyPlan submits p and waits for the agent's result.
//
// A response from the agent is returned as a result, halted or not, with a
// nil error. The error is non-nil only when no response arrived:
// AgentUnreachable when the socket could not be used, Timeout when the
// plan's bound elapsed first. The wait is bounded by the plan's timeout (or
// the client default) plus a short grace so the agent's own timeout report
// wins the race.
func (c *Client) ApplyPlan(ctx context.Context, p *plan.Plan) (*plan.Result, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	if p.Timeout <= 0 {
		cp := *p
		cp.Timeout = timeout
		p = &cp
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, &plan.Error{Kind: plan.KindAgentRejected, Op: "apply", Err: fmt.Errorf("encode plan: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+applyGrace)
	defer cancel()

	resp, err := c.roundTrip(ctx, "apply", &Request{Type: RequestTypeApplyPlan, Plan: raw})
	if err != nil {
		return nil, err
	}
	return resp.Result(), nil
}

// Close closes the connection. The client stays usable; the next request
// reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.encoder = nil
	return err
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.encoder = json.NewEncoder(conn)
	return nil
}

// roundTrip sends req and reads one response line. Any I/O failure drops
// the connection so the next call starts clean.
func (c *Client) roundTrip(ctx context.Context, op string, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, &plan.Error{Kind: plan.KindAgentUnreachable, Op: op, Err: fmt.Errorf("%w %s: %w", ErrDial, c.socketPath, err)}
	}
	conn := c.conn

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}
	// Unblock I/O when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	fail := func(stage string, err error) (*Response, error) {
		c.closeLocked()
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind := plan.KindAgentUnreachable
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				kind = plan.KindTimeout
			}
			return nil, &plan.Error{Kind: kind, Op: op, Err: fmt.Errorf("%s: %w", stage, ctxErr)}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &plan.Error{Kind: plan.KindTimeout, Op: op, Err: fmt.Errorf("%s: %w", stage, err)}
		}
		return nil, &plan.Error{Kind: plan.KindAgentUnreachable, Op: op, Err: fmt.Errorf("%s: %w", stage, err)}
	}

	if err := c.encoder.Encode(req); err != nil {
		return fail("send request", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return fail("read response", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.closeLocked()
		return nil, &plan.Error{Kind: plan.KindAgentUnreachable, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &resp, nil
}
