package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerlin/nanotools.go/internal/errs"
	"github.com/linkerlin/nanotools.go/internal/tools"
)

type echoArgs struct {
	Text string `json:"text"`
}

type echoResult struct {
	Text string `json:"text"`
	User string `json:"user"`
}

func testRegistry(t *testing.T, gate tools.Gate) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(gate)
	require.NoError(t, reg.Register(tools.New(
		tools.Definition{Name: "echo", Description: "echo", InputSchema: json.RawMessage(`{"type":"object"}`)},
		func(ctx context.Context, c tools.Caller, a echoArgs) (echoResult, error) {
			if a.Text == "" {
				return echoResult{}, fmt.Errorf("%w: text is required", errs.ErrInvalidArgument)
			}
			return echoResult{Text: a.Text, User: c.UserID}, nil
		},
	)))
	return reg
}

type denyAll struct{}

func (denyAll) CheckAndIncrement(tool, caller string) error {
	return fmt.Errorf("%w: %s", errs.ErrQuotaExceeded, tool)
}

func serveLines(t *testing.T, srv *Server, lines ...string) []map[string]any {
	t.Helper()
	var out bytes.Buffer
	err := srv.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	require.NoError(t, err)

	var resps []map[string]any
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		resps = append(resps, m)
	}
	return resps
}

func TestServe_Initialize(t *testing.T) {
	srv := NewServer(testRegistry(t, nil), ServerInfo{Name: "nanotools", Version: "test"}, 2)

	resps := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`,
	)

	require.Len(t, resps, 2)
	r1 := resps[0]["result"].(map[string]any)
	assert.Equal(t, DefaultProtocolVersion, r1["protocolVersion"])
	assert.Equal(t, "nanotools", r1["serverInfo"].(map[string]any)["name"])
	assert.Contains(t, r1["capabilities"], "tools")
	assert.Equal(t, "2025-06-18", resps[1]["result"].(map[string]any)["protocolVersion"])
}

func TestServe_ToolsListAndPing(t *testing.T) {
	srv := NewServer(testRegistry(t, nil), ServerInfo{Name: "n"}, 1)

	resps := serveLines(t, srv,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":"b","method":"ping"}`,
	)

	require.Len(t, resps, 2, "notifications get no response")
	list := resps[0]["result"].(map[string]any)["tools"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "echo", list[0].(map[string]any)["name"])
	assert.Equal(t, "b", resps[1]["id"])
	assert.Equal(t, map[string]any{}, resps[1]["result"])
}

func TestServe_Errors(t *testing.T) {
	srv := NewServer(testRegistry(t, nil), ServerInfo{Name: "n"}, 1)

	resps := serveLines(t, srv,
		`{not json`,
		`{"jsonrpc":"2.0","id":7,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":8,"method":"tools/call"}`,
	)

	require.Len(t, resps, 3)
	codeOf := func(m map[string]any) float64 { return m["error"].(map[string]any)["code"].(float64) }
	assert.Equal(t, float64(CodeParseError), codeOf(resps[0]))
	id, hasID := resps[0]["id"]
	assert.True(t, hasID, "parse errors carry an explicit null id")
	assert.Nil(t, id)
	assert.Equal(t, float64(CodeMethodNotFound), codeOf(resps[1]))
	assert.Equal(t, float64(7), resps[1]["id"])
	assert.Equal(t, float64(CodeInvalidParams), codeOf(resps[2]))
}

func TestServe_ToolsCall(t *testing.T) {
	srv := NewServer(testRegistry(t, nil), ServerInfo{Name: "n"}, 1)

	resps := serveLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi","user_id":42}}}`,
	)

	require.Len(t, resps, 1)
	res := resps[0]["result"].(map[string]any)
	assert.Nil(t, res["isError"])
	assert.Equal(t, map[string]any{"text": "hi", "user": "42"}, res["structuredContent"])
	content := res["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "text", content["type"])
	assert.Contains(t, content["text"], `"hi"`)
}

func TestServe_ToolFailuresAreTyped(t *testing.T) {
	tests := []struct {
		name string
		gate tools.Gate
		line string
		want errs.Code
	}{
		{"invalid argument", nil, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`, errs.CodeInvalidArgument},
		{"unknown tool", nil, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"weather"}}`, errs.CodeNotFound},
		{"quota", denyAll{}, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"x"}}}`, errs.CodeQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(testRegistry(t, tt.gate), ServerInfo{Name: "n"}, 1)
			resps := serveLines(t, srv, tt.line)
			require.Len(t, resps, 1)

			res := resps[0]["result"].(map[string]any)
			assert.Equal(t, true, res["isError"])
			text := res["content"].([]any)[0].(map[string]any)["text"].(string)
			var payload struct {
				Error ToolError `json:"error"`
			}
			require.NoError(t, json.Unmarshal([]byte(text), &payload))
			assert.Equal(t, tt.want, payload.Error.Code)
		})
	}
}

func TestServe_ToolCallsRunConcurrently(t *testing.T) {
	reg := tools.NewRegistry(nil)
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	require.NoError(t, reg.Register(tools.New(
		tools.Definition{Name: "slow", InputSchema: json.RawMessage(`{}`)},
		func(ctx context.Context, c tools.Caller, _ struct{}) (string, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return "done", nil
		},
	)))
	srv := NewServer(reg, ServerInfo{Name: "n"}, 2)

	var lines []string
	for i := 0; i < 4; i++ {
		lines = append(lines, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"slow"}}`, i))
	}

	go func() {
		assert.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
		close(release)
	}()
	resps := serveLines(t, srv, lines...)

	assert.Len(t, resps, 4)
	assert.Equal(t, int32(2), peak.Load())
}

func TestSocket_ClientServer(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ipc", "nanotools.sock")
	ss, err := Listen(socketPath, NewServer(testRegistry(t, nil), ServerInfo{Name: "n"}, 2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ss.Serve(ctx) }()

	client, err := Dial(context.Background(), socketPath)
	require.NoError(t, err)
	defer client.Close()

	var res CallResult
	err = client.Call(context.Background(), "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"text": "over the socket"},
	}, &res)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "over the socket")

	err = client.Call(context.Background(), "nope", nil, nil)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("socket server did not stop")
	}
	_, err = os.Stat(socketPath)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "socket file should be removed on shutdown")
	assert.NoError(t, ss.Close())
	assert.NoError(t, ss.Close())
}

func TestDial_MissingSocket(t *testing.T) {
	_, err := Dial(context.Background(), filepath.Join(t.TempDir(), "missing.sock"))
	assert.Error(t, err)
}
