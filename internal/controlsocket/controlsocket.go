// Package controlsocket implements the CLI control plane's wire
// protocol and transport (§6): a UNIX stream socket exchanging
// newline-delimited JSON request/response frames, one request per
// connection. The handler side is a command registry so
// cmd/hermes-producer and cmd/hermes-consumer each register only the
// commands that make sense for their process (a producer has no
// error queue to flush, for instance).
package controlsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Request is one frame sent by hermesctl: a command name, positional
// string arguments, and a correlation id the response echoes back.
type Request struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
	ID   string   `json:"id"`
}

// Response is one frame sent back by the control socket server.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  int             `json:"code,omitempty"`
}

// Exit codes per §6: 0 success, 1 a usage/client-side error (unknown
// command, bad arguments), 2 a server-side failure executing a
// well-formed command.
const (
	CodeOK     = 0
	CodeUsage  = 1
	CodeServer = 2
)

// Handler executes one command and returns its JSON-encodable result,
// or an error. A returned error is always answered with CodeServer;
// CodeUsage is reserved for requests the server rejects before any
// handler runs (malformed frame, unknown command).
type Handler func(ctx context.Context, args []string) (any, error)

// Server dispatches incoming requests on a UNIX socket to registered
// handlers, one goroutine per connection, matching spec.md §6's
// request-per-connection framing.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	listener *net.UnixListener
	// RequireSameUID, when true, rejects connections from a peer UID
	// other than the server process's own, checked via SO_PEERCRED.
	RequireSameUID bool
}

func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Register binds a command name to its handler. Call before Listen.
func (s *Server) Register(cmd string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

// Listen binds the UNIX socket at path, removing a stale socket file
// left behind by an unclean shutdown, and serves until ctx is
// cancelled or Close is called.
func (s *Server) Listen(ctx context.Context, path string) error {
	_ = os.Remove(path)

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("controlsocket: resolve %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("controlsocket: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("controlsocket: chmod %s: %w", path, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("controlsocket: accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	if s.RequireSameUID {
		if err := checkPeerUID(conn); err != nil {
			writeFrame(conn, Response{OK: false, Error: err.Error(), Code: CodeUsage})
			return
		}
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeFrame(conn, Response{OK: false, Error: fmt.Sprintf("malformed request: %v", err), Code: CodeUsage})
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Cmd]
	s.mu.RUnlock()
	if !ok {
		writeFrame(conn, Response{ID: req.ID, OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd), Code: CodeUsage})
		return
	}

	result, err := h(ctx, req.Args)
	if err != nil {
		writeFrame(conn, Response{ID: req.ID, OK: false, Error: err.Error(), Code: CodeServer})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		writeFrame(conn, Response{ID: req.ID, OK: false, Error: fmt.Sprintf("encode result: %v", err), Code: CodeServer})
		return
	}
	writeFrame(conn, Response{ID: req.ID, OK: true, Data: data})
}

func writeFrame(conn net.Conn, resp Response) {
	buf, err := json.Marshal(resp)
	if err != nil {
		return
	}
	buf = append(buf, '\n')
	_, _ = conn.Write(buf)
}

// checkPeerUID rejects a connection whose SO_PEERCRED uid differs from
// this process's own, the same "ask the kernel, don't trust the
// client" posture the teacher applies to mlock limits via
// golang.org/x/sys/unix.
func checkPeerUID(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("controlsocket: peer credentials unavailable: %w", err)
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return fmt.Errorf("controlsocket: read peer credentials: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("controlsocket: read peer credentials: %w", credErr)
	}
	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("controlsocket: rejected connection from uid %d", cred.Uid)
	}
	return nil
}

// Client dials a control socket and issues one request per call,
// matching the request-per-connection framing hermesctl uses.
type Client struct {
	Path string
}

func NewClient(path string) *Client { return &Client{Path: path} }

// Call sends cmd with args and decodes the response's Data into out
// (which may be nil if the caller doesn't need the payload). It
// returns the server's reported exit code alongside any transport or
// application-level error.
func (c *Client) Call(ctx context.Context, cmd string, args []string, out any) (code int, err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return CodeServer, fmt.Errorf("controlsocket: dial %s: %w", c.Path, err)
	}
	defer conn.Close()

	req := Request{Cmd: cmd, Args: args, ID: uuid.NewString()}
	buf, err := json.Marshal(req)
	if err != nil {
		return CodeUsage, fmt.Errorf("controlsocket: encode request: %w", err)
	}
	buf = append(buf, '\n')
	if _, err := conn.Write(buf); err != nil {
		return CodeServer, fmt.Errorf("controlsocket: write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return CodeServer, fmt.Errorf("controlsocket: read response: %w", err)
		}
		return CodeServer, fmt.Errorf("controlsocket: connection closed before response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return CodeServer, fmt.Errorf("controlsocket: decode response: %w", err)
	}
	if !resp.OK {
		return resp.Code, fmt.Errorf("controlsocket: %s", resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return CodeServer, fmt.Errorf("controlsocket: decode result: %w", err)
		}
	}
	return CodeOK, nil
}
