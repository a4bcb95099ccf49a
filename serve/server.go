package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	murmur "github.com/Paranoid-AF/murmur"
	"github.com/Paranoid-AF/murmur/generate"
	"github.com/Paranoid-AF/murmur/metrics"
)

const (
	maxLineBytes        = 1 << 20
	defaultHistoryLimit = 50
	writeTimeout        = 5 * time.Second
)

// Handler answers the daemon's methods.
type Handler interface {
	Complete(ctx context.Context, req murmur.CompletionRequest) (*murmur.CompleteResult, error)
	Status() murmur.StatusResult
	RecordHistory(p murmur.ContextUpdateParams) murmur.HistoryRecord
	ListHistory(cwd string, limit int) []murmur.HistoryRecord
}

// Server listens on a Unix domain socket for JSON-RPC requests, one per line.
// Requests on one connection are handled concurrently and answered by id.
type Server struct {
	listener net.Listener
	sockPath string
	handler  Handler
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewServer binds sockPath, replacing a stale socket file. m may be nil.
func NewServer(sockPath string, handler Handler, m *metrics.Metrics) (*Server, error) {
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", sockPath, err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		slog.Warn("failed to restrict socket permissions", "socket", sockPath, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listener: listener,
		sockPath: sockPath,
		handler:  handler,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections until the server is closed. It returns nil after Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Close stops accepting, drops open connections, waits for their handlers
// and removes the socket file.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.sockPath)
}

// connWriter serializes responses on one connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(resp *murmur.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}
	slog.Debug("response", "data", string(data))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := w.conn.Write(append(data, '\n')); err != nil {
		// The client went away; the result is already cached.
		slog.Debug("dropping response", "error", err)
	}
}

// handleConn reads requests until EOF. In-flight requests are answered after
// the client stops writing, so a half-closed connection still gets its replies.
func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()
	w := &connWriter{conn: conn}
	var inflight sync.WaitGroup
	defer inflight.Wait()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		slog.Debug("request", "conn", connID, "data", string(raw))

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if resp := s.handleLine(connID, raw); resp != nil {
				w.write(resp)
			}
		}()
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		slog.Debug("connection read failed", "conn", connID, "error", err)
		if errors.Is(err, bufio.ErrTooLong) {
			w.write(errorResponse(nil, murmur.CodeInvalidRequest, "request exceeds 1 MiB"))
		}
	}
}

// handleLine answers one request. A nil response means nothing is sent:
// the request was a notification or was superseded.
func (s *Server) handleLine(connID string, raw []byte) (resp *murmur.Response) {
	start := time.Now()
	method := "invalid"
	outcome := "ok"
	var id json.RawMessage

	defer func() {
		if r := recover(); r != nil {
			slog.Error("request handler panicked", "method", method, "panic", r, "stack", string(debug.Stack()))
			outcome = "error"
			resp = errorResponse(id, murmur.CodeInternalError, "internal error")
		}
		s.metrics.ObserveRequest(method, outcome, time.Since(start))
	}()

	var req murmur.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		outcome = "error"
		// Well-formed JSON with a mistyped member still yields the id.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return errorResponse(req.ID, murmur.CodeInvalidRequest, "invalid request: "+err.Error())
		}
		return errorResponse(nil, murmur.CodeParseError, "parse error: "+err.Error())
	}
	id = req.ID
	if req.JSONRPC != murmur.JSONRPCVersion || req.Method == "" {
		outcome = "error"
		return errorResponse(id, murmur.CodeInvalidRequest, `invalid request: expected jsonrpc "2.0" and a method`)
	}

	method = req.Method
	result, rpcErr := s.dispatch(connID, &req)
	switch {
	case errors.Is(rpcErr, generate.ErrSuppressed):
		outcome = "suppressed"
		return nil
	case rpcErr != nil:
		outcome = "error"
		var e *murmur.Error
		if !errors.As(rpcErr, &e) {
			e = &murmur.Error{Code: murmur.CodeInternalError, Message: rpcErr.Error()}
		}
		if e.Code == murmur.CodeMethodNotFound {
			method = "unknown"
		}
		if len(id) == 0 {
			return nil
		}
		return errorResponse(id, e.Code, e.Message)
	}

	if cr, ok := result.(*murmur.CompleteResult); ok && cr.Diagnostic != nil {
		outcome = "unavailable"
	}
	if len(id) == 0 {
		return nil
	}
	return &murmur.Response{JSONRPC: murmur.JSONRPCVersion, ID: id, Result: result}
}

func (s *Server) dispatch(connID string, req *murmur.Request) (any, error) {
	switch req.Method {
	case murmur.MethodComplete:
		return s.complete(connID, req.Params)
	case murmur.MethodStatus:
		return s.handler.Status(), nil
	case murmur.MethodContextUpdate:
		return s.contextUpdate(req.Params)
	case murmur.MethodHistoryList:
		return s.historyList(req.Params)
	default:
		return nil, &murmur.Error{Code: murmur.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) complete(connID string, raw json.RawMessage) (any, error) {
	var p murmur.CompleteParams
	if err := decodeParams(raw, &p, true); err != nil {
		return nil, err
	}
	switch {
	case p.Input == nil:
		return nil, invalidParams("input is required")
	case p.CursorPos == nil:
		return nil, invalidParams("cursor_pos is required")
	case p.Cwd == nil || *p.Cwd == "":
		return nil, invalidParams("cwd is required")
	case *p.CursorPos < 0 || *p.CursorPos > len(*p.Input):
		return nil, invalidParams(fmt.Sprintf("cursor_pos %d out of range 0..%d", *p.CursorPos, len(*p.Input)))
	case p.MaxItems < 0:
		return nil, invalidParams("max_items must not be negative")
	}

	session := p.SessionID
	if session == "" {
		session = connID
	}
	res, err := s.handler.Complete(s.ctx, murmur.CompletionRequest{
		Input:     *p.Input,
		CursorPos: *p.CursorPos,
		Cwd:       *p.Cwd,
		Shell:     p.Shell,
		SessionID: session,
		MaxItems:  p.MaxItems,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, generate.ErrSuppressed
		}
		return nil, err
	}
	return res, nil
}

func (s *Server) contextUpdate(raw json.RawMessage) (any, error) {
	var p murmur.ContextUpdateParams
	if err := decodeParams(raw, &p, true); err != nil {
		return nil, err
	}
	switch {
	case p.Source == "":
		return nil, invalidParams("source is required")
	case p.Command == "":
		return nil, invalidParams("command is required")
	case p.Cwd == "":
		return nil, invalidParams("cwd is required")
	}
	s.handler.RecordHistory(p)
	return murmur.ContextUpdateResult{Recorded: true}, nil
}

func (s *Server) historyList(raw json.RawMessage) (any, error) {
	var p murmur.HistoryListParams
	if err := decodeParams(raw, &p, false); err != nil {
		return nil, err
	}
	limit := defaultHistoryLimit
	if p.Limit != nil {
		if *p.Limit < 0 {
			return nil, invalidParams("limit must not be negative")
		}
		limit = *p.Limit
	}
	return murmur.HistoryListResult{Records: s.handler.ListHistory(p.Cwd, limit)}, nil
}

// decodeParams unmarshals params into v. Absent params are an error only when required.
func decodeParams(raw json.RawMessage, v any, required bool) error {
	if len(raw) == 0 || string(raw) == "null" {
		if required {
			return invalidParams("params are required")
		}
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params: " + err.Error())
	}
	return nil
}

func invalidParams(msg string) *murmur.Error {
	return &murmur.Error{Code: murmur.CodeInvalidParams, Message: msg}
}

func errorResponse(id json.RawMessage, code int, msg string) *murmur.Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &murmur.Response{
		JSONRPC: murmur.JSONRPCVersion,
		ID:      id,
		Error:   &murmur.Error{Code: code, Message: msg},
	}
}
