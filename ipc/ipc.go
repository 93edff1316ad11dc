// Package ipc implements component A: a bidirectional, length-prefixed
// framed channel between the run-state server process and task worker
// processes on the same host. A dynamic op_name dispatch table replaces
// Python's getattr-based dispatch with a type-checked map, per
// SPEC_FULL.md §9 ("Dynamic dispatch over op_name").
//
// Requests are wire-encoded two-element arrays [op_name, args]; responses
// are [err_payload, result]. Raw net.Listener framing is used rather than
// gRPC because the op-name/args shape is dynamic per call, which doesn't
// fit gRPC's statically-compiled service model.
package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pipeforge/pipecore/errs"
	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/wire"
)

// request is the wire shape of an RPC call.
type request struct {
	Op   string
	Args []any
}

// response is the wire shape of an RPC reply. Err is nil on success.
type response struct {
	Err    *wire.Opaque
	Result any
}

// Handler serves one operation. Handlers run on a per-connection goroutine:
// distinct RPCs may interleave, but a single RPC observes a consistent
// snapshot of whatever locks it needs (the run-state server's own mutex
// discipline, not this package's concern).
type Handler func(ctx context.Context, args []any) (any, error)

// shutdownPollInterval bounds how long the accept loop can block before
// re-checking for a stop signal, per SPEC_FULL.md §4.A ("mandates ≤250ms
// wake-up").
const shutdownPollInterval = 200 * time.Millisecond

// Server listens for framed RPC connections and dispatches requests
// through a static handler table.
type Server struct {
	log      *logger.Logger
	ln       net.Listener
	handlers map[string]Handler

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewServer binds a TCP listener on iface (host:port, port may be 0 for an
// ephemeral port) and returns a server ready to register handlers.
func NewServer(log *logger.Logger, iface string) (*Server, error) {
	ln, err := net.Listen("tcp", iface)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen: %w", err)
	}
	return &Server{
		log:      log.With("component", "IPCServer"),
		ln:       ln,
		handlers: map[string]Handler{},
	}, nil
}

// Addr returns the bound endpoint address, the only serializable state the
// client proxy needs.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Register installs a handler for op_name. Call before Serve.
func (s *Server) Register(op string, h Handler) {
	s.handlers[op] = h
}

// Serve runs the accept loop until Stop is called or ctx is canceled. The
// listener's deadline is refreshed at shutdownPollInterval so the loop can
// react to a stop signal without holding any state lock while blocked on
// I/O (SPEC_FULL.md §5, "Suspension points").
func (s *Server) Serve(ctx context.Context) error {
	tcpLn, ok := s.ln.(*net.TCPListener)
	for {
		if s.isStopping() {
			return nil
		}
		select {
		case <-ctx.Done():
			_ = s.ln.Close()
			return ctx.Err()
		default:
		}

		if ok {
			_ = tcpLn.SetDeadline(time.Now().Add(shutdownPollInterval))
		}
		conn, err := s.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.isStopping() {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(shutdownPollInterval))
		if _, err := r.Peek(1); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if s.isStopping() {
					return
				}
				continue
			}
			if err != io.EOF {
				s.log.Debug("connection read ended", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		frame, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read ended", "error", err)
			}
			return
		}

		var req request
		if err := wire.Unmarshal(frame, &req); err != nil {
			s.log.Warn("bad request frame", "error", err)
			return
		}

		resp := s.dispatch(ctx, req)
		out, err := wire.Marshal(resp)
		if err != nil {
			s.log.Error("failed to encode response", "op", req.Op, "error", err)
			return
		}
		if err := writeFrame(conn, out); err != nil {
			s.log.Debug("connection write ended", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	h, ok := s.handlers[req.Op]
	if !ok {
		return response{Err: &wire.Opaque{Value: fmt.Sprintf("unknown operation %q", req.Op)}}
	}
	result, err := h(ctx, req.Args)
	if err != nil {
		return response{Err: &wire.Opaque{Value: err.Error()}}
	}
	return response{Result: result}
}

// Client is a synchronous RPC client bound to a server's endpoint address.
// Its only state is that address, so it is trivially serializable across
// process boundaries (SPEC_FULL.md §4.D).
type Client struct {
	Addr string

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects a client to addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial: %w", err)
	}
	return &Client{Addr: addr, conn: conn, r: bufio.NewReader(conn)}, nil
}

// Call issues op(args) and blocks for the response. A remote-side error is
// returned wrapped in *errs.RemoteProcessError.
func (c *Client) Call(ctx context.Context, op string, args ...any) (any, error) {
	conn, r := c.conn, c.r
	if c.mu.TryLock() {
		defer c.mu.Unlock()
	} else {
		extra, err := net.DialTimeout("tcp", c.Addr, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("ipc: dial: %w", err)
		}
		defer extra.Close()
		conn, r = extra, bufio.NewReader(extra)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	payload, err := wire.Marshal(request{Op: op, Args: args})
	if err != nil {
		return nil, fmt.Errorf("ipc: encode request: %w", err)
	}
	if err := writeFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("ipc: write request: %w", err)
	}

	frame, err := readFrame(r)
	if err != nil {
		return nil, fmt.Errorf("ipc: read response: %w", err)
	}

	var resp response
	if err := wire.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("ipc: decode response: %w", err)
	}
	if resp.Err != nil {
		msg, _ := resp.Err.Value.(string)
		return nil, errs.NewRemoteProcessError(op, fmt.Errorf("%s", msg))
	}
	return resp.Result, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
