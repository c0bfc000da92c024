// Package rpc serves the tool registry as newline-delimited JSON-RPC 2.0 over
// stdio or a unix socket.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/linkerlin/nanotools.go/internal/errs"
	"github.com/linkerlin/nanotools.go/internal/tools"
)

// DefaultProtocolVersion is echoed when the client names none.
const DefaultProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// Request is an incoming call. A request without an id is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ServerInfo names the server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the result of tools/call.
type CallResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// ToolError is the payload of a failed tool call.
type ToolError struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Server dispatches requests to a tool registry. tools/call requests run
// concurrently up to a limit; everything else is answered in order.
type Server struct {
	reg  *tools.Registry
	info ServerInfo
	sem  *semaphore.Weighted
}

// NewServer creates a Server allowing maxConcurrent tool calls at once.
func NewServer(reg *tools.Registry, info ServerInfo, maxConcurrent int) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Server{
		reg:  reg,
		info: info,
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// responseWriter serializes writes from concurrent handlers.
type responseWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *responseWriter) write(resp Response) {
	resp.JSONRPC = "2.0"
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(resp); err != nil {
		slog.Warn("write rpc response", "err", err)
	}
}

// Serve handles requests from r until EOF or ctx is done, then waits for
// in-flight tool calls to finish.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	out := &responseWriter{enc: enc}
	reader := bufio.NewReader(r)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		line, err := reader.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			if !s.handleLine(ctx, line, out, &wg) {
				return ctx.Err()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
	}
}

// handleLine dispatches one request; it returns false once ctx is done.
func (s *Server) handleLine(ctx context.Context, line []byte, out *responseWriter, wg *sync.WaitGroup) bool {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		out.write(Response{ID: json.RawMessage("null"), Error: &Error{Code: CodeParseError, Message: "Parse error", Data: map[string]string{"error": err.Error()}}})
		return true
	}
	if len(req.ID) == 0 || string(req.ID) == "null" {
		// Notifications get no answer.
		slog.Debug("rpc notification", "method", req.Method)
		return true
	}
	if req.Method == "" {
		out.write(Response{ID: req.ID, Error: &Error{Code: CodeInvalidRequest, Message: "Invalid request: method is required"}})
		return true
	}

	if req.Method != "tools/call" {
		out.write(s.dispatch(ctx, req))
		return true
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.sem.Release(1)
		out.write(s.dispatch(ctx, req))
	}()
	return true
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.ProtocolVersion == "" {
			p.ProtocolVersion = DefaultProtocolVersion
		}
		return Response{ID: req.ID, Result: map[string]any{
			"protocolVersion": p.ProtocolVersion,
			"serverInfo":      s.info,
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}}

	case "tools/list":
		return Response{ID: req.ID, Result: map[string]any{"tools": s.reg.Definitions()}}

	case "tools/call":
		var p callParams
		if len(req.Params) == 0 || json.Unmarshal(req.Params, &p) != nil {
			return Response{ID: req.ID, Error: &Error{Code: CodeInvalidParams, Message: "Invalid params: expected {name, arguments}"}}
		}
		return Response{ID: req.ID, Result: s.call(ctx, strings.TrimSpace(p.Name), p.Arguments)}

	case "ping", "$/ping":
		return Response{ID: req.ID, Result: map[string]any{}}
	}
	return Response{ID: req.ID, Error: &Error{Code: CodeMethodNotFound, Message: "Method not found: " + req.Method}}
}

func (s *Server) call(ctx context.Context, name string, args map[string]any) CallResult {
	out, err := s.reg.Call(ctx, name, tools.Caller{}, args)
	if err != nil {
		te := ToolError{Code: errs.CodeOf(err), Message: err.Error()}
		return CallResult{
			Content: []Content{{Type: "text", Text: mustJSON(map[string]any{"error": te})}},
			IsError: true,
		}
	}
	return CallResult{
		Content:           []Content{{Type: "text", Text: mustJSON(out)}},
		StructuredContent: out,
	}
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":{"code":%q,"message":%q}}`, errs.CodeInternal, err.Error())
	}
	return string(b)
}
