// Package tools is the table of callable tools and the admission path every
// call goes through.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/linkerlin/nanotools.go/internal/errs"
)

// Caller identifies who invoked a tool and from where.
type Caller struct {
	UserID   string `json:"user_id"`
	ChatType string `json:"chat_type"`
	GroupID  string `json:"group_id"`
}

// CallerFromArgs reads identity fields that hosts pass alongside the tool
// arguments. Fields already set on base win.
func CallerFromArgs(base Caller, args map[string]any) Caller {
	pick := func(cur, key string) string {
		if cur != "" {
			return cur
		}
		return stringArg(args[key])
	}
	return Caller{
		UserID:   pick(strings.TrimSpace(base.UserID), "user_id"),
		ChatType: strings.ToLower(pick(strings.TrimSpace(base.ChatType), "chat_type")),
		GroupID:  pick(strings.TrimSpace(base.GroupID), "group_id"),
	}
}

func stringArg(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// Definition describes a tool to clients.
type Definition struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Tool is one registered capability.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, caller Caller, args map[string]any) (any, error)
}

// Gate admits or denies a call before it runs.
type Gate interface {
	CheckAndIncrement(tool, caller string) error
}

// Registry maps tool names to tools. It is built once at startup and read
// concurrently afterwards.
type Registry struct {
	tools map[string]Tool
	gate  Gate
}

// NewRegistry creates an empty registry. A nil gate admits everything.
func NewRegistry(gate Gate) *Registry {
	return &Registry{tools: make(map[string]Tool), gate: gate}
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Tool) error {
	name := t.Definition().Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Definitions lists every tool sorted by name.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Call runs the named tool after the quota gate admits it. A denied call
// never reaches the tool. Identity fields in args fill whatever caller leaves
// empty.
func (r *Registry) Call(ctx context.Context, name string, caller Caller, args map[string]any) (any, error) {
	return r.CallAs(ctx, name, CallerFromArgs(caller, args), args)
}

// CallAs is Call for transports that authenticate the caller themselves:
// identity fields in args are ignored.
func (r *Registry) CallAs(ctx context.Context, name string, caller Caller, args map[string]any) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", errs.ErrNotFound, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	caller = Caller{
		UserID:   strings.TrimSpace(caller.UserID),
		ChatType: strings.ToLower(strings.TrimSpace(caller.ChatType)),
		GroupID:  strings.TrimSpace(caller.GroupID),
	}

	if r.gate != nil {
		if err := r.gate.CheckAndIncrement(name, caller.UserID); err != nil {
			slog.Info("tool call denied", "tool", name, "user", caller.UserID, "err", err)
			return nil, err
		}
	}

	start := time.Now()
	out, err := t.Execute(ctx, caller, args)
	if err != nil {
		level := slog.LevelInfo
		if !errs.IsCallerError(err) {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "tool call failed", "tool", name, "user", caller.UserID, "err", err)
		return nil, err
	}
	slog.Debug("tool call", "tool", name, "user", caller.UserID, "elapsed", time.Since(start))
	return out, nil
}

// Validator is implemented by argument structs that check themselves.
type Validator interface {
	Validate() error
}

// Executor runs a tool with decoded arguments.
type Executor[Req, Resp any] func(ctx context.Context, caller Caller, req Req) (Resp, error)

// typed adapts an Executor to Tool: arguments are decoded with mapstructure,
// validated, then passed on.
type typed[Req, Resp any] struct {
	def  Definition
	exec Executor[Req, Resp]
}

// New builds a Tool from a definition and a typed executor.
func New[Req, Resp any](def Definition, exec Executor[Req, Resp]) Tool {
	return &typed[Req, Resp]{def: def, exec: exec}
}

func (t *typed[Req, Resp]) Definition() Definition {
	return t.def
}

func (t *typed[Req, Resp]) Execute(ctx context.Context, caller Caller, args map[string]any) (any, error) {
	var req Req
	if err := decodeArgs(args, &req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrInvalidArgument, t.def.Name, err)
	}
	if v, ok := any(&req).(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return t.exec(ctx, caller, req)
}

// decodeArgs accepts loosely typed input: hosts often send numbers as
// strings and ids as numbers.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}
