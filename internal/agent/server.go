// server.go is the privileged side of the plan protocol.
// It accepts connections on a Unix socket, authenticates each peer, and
// executes submitted plans one at a time.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doughall/mcbridge/internal/plan"
)

// Applier executes a validated plan. *executor.Executor implements it.
type Applier interface {
	Apply(ctx context.Context, p *plan.Plan) *plan.Result
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, p *plan.Plan) *plan.Result

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, p *plan.Plan) *plan.Result { return f(ctx, p) }

// DefaultIdleTimeout closes connections that send nothing for this long.
const DefaultIdleTimeout = 10 * time.Minute

// ServerOptions configures a Server.
type ServerOptions struct {
	// SocketPath is where the listener is created. Ignored when a listener is
	// supplied with SetListener.
	SocketPath string

	// SocketMode is applied to the socket file. Default 0660.
	SocketMode os.FileMode

	// SocketGroup, when set, owns the socket file so its members can connect.
	SocketGroup string

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
}

// Server serves the plan protocol.
type Server struct {
	opts     ServerOptions
	applier  Applier
	auth     Authorizer
	logger   *slog.Logger
	listener net.Listener

	ready atomic.Bool

	// planSlot serializes plan execution across connections: two plans
	// rewriting the same config files must not interleave. A plan waiting
	// for the slot is still bound by its own deadline.
	planSlot chan struct{}

	// owned is set when Listen created the socket file; only then does the
	// server remove it.
	owned bool

	// activeConnections tracks in-flight connection handlers so shutdown
	// can wait for them.
	activeConnections sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closed   bool
	closeErr error
}

// NewServer creates a server. Call Listen (or SetListener), then Serve.
// The server rejects requests until SetReady(true).
func NewServer(opts ServerOptions, applier Applier, auth Authorizer, logger *slog.Logger) *Server {
	if opts.SocketPath == "" {
		opts.SocketPath = DefaultSocketPath
	}
	if opts.SocketMode == 0 {
		opts.SocketMode = 0660
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if auth == nil {
		auth = NewPeerAuthorizer(nil, nil)
	}
	return &Server{
		opts:     opts,
		applier:  applier,
		auth:     auth,
		logger:   logger.With(slog.String("component", "agent-server")),
		conns:    make(map[net.Conn]struct{}),
		planSlot: make(chan struct{}, 1),
	}
}

// SetListener uses an existing listener, e.g. one passed by systemd socket
// activation.
func (s *Server) SetListener(l net.Listener) {
	s.listener = l
}

// SetReady toggles whether requests are served. Until ready, every request is
// answered with AgentRejected.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Ready reports whether the server is serving requests.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Addr returns the listening socket path.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.SocketPath
}

// Listen creates the Unix socket, replacing a stale one, and restricts its
// permissions.
func (s *Server) Listen() error {
	dir := filepath.Dir(s.opts.SocketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket directory %s: %w", dir, err)
	}

	if err := os.Remove(s.opts.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.opts.SocketPath, err)
	}

	listener, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.SocketPath, err)
	}

	if err := os.Chmod(s.opts.SocketPath, s.opts.SocketMode); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	if s.opts.SocketGroup != "" {
		gid, err := LookupGroupID(s.opts.SocketGroup)
		if err != nil {
			listener.Close()
			return err
		}
		if err := os.Chown(s.opts.SocketPath, -1, gid); err != nil {
			listener.Close()
			return fmt.Errorf("set socket group: %w", err)
		}
	}

	s.listener = listener
	s.owned = true
	return nil
}

// Serve accepts connections until ctx is cancelled or Shutdown is called,
// then waits for active connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("agent server: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.closeListener()
	}()

	s.logger.Info("agent listening", slog.String("socket", s.Addr()))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		if !s.track(conn) {
			conn.Close()
			break
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	s.logger.Info("agent stopped accepting connections")
	return nil
}

// Shutdown stops accepting connections and waits for open connections to
// finish. Connections still open when ctx expires are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.activeConnections.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		return fmt.Errorf("agent server shutdown: %w", ctx.Err())
	}
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.closeErr = s.listener.Close()
	}
	// A socket-activated listener belongs to its socket unit.
	if s.owned {
		os.Remove(s.opts.SocketPath)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.logger
	peer, err := PeerCredentials(conn)
	if err == nil {
		logger = logger.With(slog.Int("peer_pid", int(peer.PID)), slog.Int("peer_uid", int(peer.UID)))
		err = s.auth.Authorize(peer)
	}

	pc := &peekConn{Conn: conn}
	decoder := json.NewDecoder(pc)
	encoder := json.NewEncoder(conn)

	if err != nil {
		logger.Warn("rejecting peer", slog.String("error", err.Error()))
		// Answer the first request so the client sees a refusal rather
		// than a dropped connection.
		conn.SetReadDeadline(time.Now().Add(PingTimeout))
		var req Request
		if decoder.Decode(&req) == nil {
			s.send(conn, encoder, rejected("unauthorized peer: "+err.Error()))
		}
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))

		var req Request
		if err := decoder.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection closed", slog.String("error", err.Error()))
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					s.send(conn, encoder, rejected("malformed request: "+err.Error()))
				}
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		resp := s.handleRequest(ctx, logger, pc, &req)
		if !s.send(conn, encoder, resp) {
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, logger *slog.Logger, pc *peekConn, req *Request) *Response {
	if !s.ready.Load() {
		return rejected("agent not ready")
	}

	switch req.Type {
	case RequestTypePing:
		return &Response{Status: plan.StatusOK}

	case RequestTypeApplyPlan:
		if len(req.Plan) == 0 {
			return rejected("apply_plan without a plan")
		}
		var p plan.Plan
		if err := json.Unmarshal(req.Plan, &p); err != nil {
			logger.Warn("rejecting plan", slog.String("error", err.Error()))
			return rejected("invalid plan: " + err.Error())
		}
		if err := plan.Validate(&p); err != nil {
			logger.Warn("rejecting plan", slog.String("plan_id", p.ID), slog.String("error", err.Error()))
			return rejected(err.Error())
		}

		logger.Info("executing plan",
			slog.String("plan_id", p.ID),
			slog.Int("steps", p.Len()),
			slog.Duration("timeout", p.Timeout),
		)

		// The deadline runs from submission, so time spent queued behind
		// another plan counts against it.
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		ctx, stopWatch := watchHangup(ctx, pc)
		defer stopWatch()

		res := s.apply(ctx, logger, &p)
		logger.Info("plan completed",
			slog.String("plan_id", p.ID),
			slog.String("status", string(res.Status)),
			slog.Int("executed", len(res.Results)),
		)
		return responseFromResult(res)

	default:
		return rejected(fmt.Sprintf("unknown request type: %s", req.Type))
	}
}

// apply runs p once it holds the plan slot. A plan whose context ends
// while it waits executes nothing.
func (s *Server) apply(ctx context.Context, logger *slog.Logger, p *plan.Plan) *plan.Result {
	select {
	case s.planSlot <- struct{}{}:
	case <-ctx.Done():
		logger.Warn("plan expired while queued", slog.String("plan_id", p.ID), slog.String("error", ctx.Err().Error()))
		return plan.Halt(nil, queuedKind(ctx.Err()), 1, fmt.Errorf("waiting for a running plan: %w", ctx.Err()))
	}
	defer func() { <-s.planSlot }()

	if err := ctx.Err(); err != nil {
		return plan.Halt(nil, queuedKind(err), 1, fmt.Errorf("waiting for a running plan: %w", err))
	}
	return s.applier.Apply(ctx, p)
}

func queuedKind(err error) plan.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return plan.KindTimeout
	}
	return plan.KindStepExecutionFault
}

// peekConn lets watchHangup read ahead on a connection without losing
// bytes the request decoder has not consumed yet.
type peekConn struct {
	net.Conn
	pending []byte
}

func (c *peekConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// watchHangup cancels ctx when the peer closes the connection while its
// plan is queued or running. The client sends nothing while a request is
// outstanding, so any byte read here is handed back to the decoder.
func watchHangup(ctx context.Context, pc *peekConn) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	pc.Conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		n, err := pc.Conn.Read(buf)
		if n > 0 {
			pc.pending = append(pc.pending, buf[:n]...)
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			cancel()
		}
	}()

	return ctx, func() {
		pc.Conn.SetReadDeadline(time.Now())
		<-done
		cancel()
	}
}

func (s *Server) send(conn net.Conn, encoder *json.Encoder, resp *Response) bool {
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := encoder.Encode(resp); err != nil {
		s.logger.Warn("failed to send response", slog.String("error", err.Error()))
		return false
	}
	return true
}

// LookupGroupID resolves a group name or numeric id.
func LookupGroupID(group string) (int, error) {
	if n, err := strconv.Atoi(group); err == nil {
		return n, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return -1, fmt.Errorf("lookup socket group %s: %w", group, err)
	}
	return strconv.Atoi(g.Gid)
}
