package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// SocketServer serves a Server on a unix socket, one session per connection.
type SocketServer struct {
	socketPath string
	listener   net.Listener
	srv        *Server

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Listen 创建 unix socket 并设置权限
func Listen(socketPath string, srv *Server) (*SocketServer, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	// 删除残留的 socket
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(socketPath, 0o770); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod: %w", err)
	}

	return &SocketServer{
		socketPath: socketPath,
		listener:   listener,
		srv:        srv,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Path returns the socket path.
func (s *SocketServer) Path() string {
	return s.socketPath
}

// Serve accepts connections until ctx is done, then closes open sessions
// and waits for them.
func (s *SocketServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()
	// Closing here also waits for a Close already running on the AfterFunc goroutine.
	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("close rpc socket", "err", err)
		}
	}()

	defer func() {
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("accept rpc connection", "err", err)
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting connections and removes the socket file. It is safe
// to call more than once and after Serve has returned.
func (s *SocketServer) Close() error {
	s.closeOnce.Do(func() {
		err := s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = fmt.Errorf("remove socket: %w", rmErr)
		}
		s.closeErr = err
	})
	return s.closeErr
}

func (s *SocketServer) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	if err := s.srv.Serve(ctx, conn, conn); err != nil && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
		slog.Warn("rpc session ended", "err", err)
	}
}

func (s *SocketServer) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Client is a JSON-RPC client for a SocketServer. Calls on one Client are
// serialized over a single connection.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID atomic.Int64
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends method with params and decodes the result into out, which may
// be nil. A JSON-RPC error comes back as *Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	id := c.nextID.Add(1)
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}
