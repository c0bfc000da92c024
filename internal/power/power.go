// Package power holds the per-group on/off switch that mutes the bot.
package power

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/linkerlin/nanotools.go/internal/errs"
	"github.com/linkerlin/nanotools.go/internal/jsonfile"
)

// State is the power state of one group.
type State string

const (
	On  State = "on"
	Off State = "off"
)

// MaxOffWindow bounds the optional duration of a power-off.
const MaxOffWindow = 720 * time.Hour

// entry is persisted only for groups that are off.
type entry struct {
	UntilMs int64  `json:"until_ms,omitempty"`
	By      string `json:"by"`
	AtMs    int64  `json:"at_ms"`
}

type stateDoc struct {
	Groups map[string]entry `json:"groups"`
}

// Status is what callers see for a group.
type Status struct {
	GroupID     string `json:"group_id"`
	State       State  `json:"state"`
	UntilMs     int64  `json:"until_ms,omitempty"`
	RemainingMs int64  `json:"remaining_ms,omitempty"`
	By          string `json:"by,omitempty"`
	AtMs        int64  `json:"at_ms,omitempty"`
}

// Options configures a Controller.
type Options struct {
	Path string
	// Admins may change power state. Empty means nobody may.
	Admins []string
	// Groups restricts which groups can be switched. Empty means any group.
	Groups []string
	Now    func() time.Time
}

// Controller owns the power state file.
type Controller struct {
	mu     sync.RWMutex
	file   *jsonfile.File
	groups map[string]entry
	admins map[string]struct{}
	allow  map[string]struct{}
	now    func() time.Time
}

// New loads the persisted state. A state file that does not decode is an
// error: silently powering every group back on would lose an admin decision.
func New(opts Options) (*Controller, error) {
	c := &Controller{
		file:   jsonfile.New(opts.Path),
		groups: make(map[string]entry),
		admins: toSet(opts.Admins),
		allow:  toSet(opts.Groups),
		now:    opts.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}

	var doc stateDoc
	if _, err := c.file.Load(&doc); err != nil {
		return nil, fmt.Errorf("load power state: %w", err)
	}
	for gid, e := range doc.Groups {
		c.groups[gid] = e
	}
	slog.Info("power state loaded", "path", c.file.Path(), "off_groups", len(c.groups))
	return c, nil
}

// IsAdmin reports whether id is in the admin allowlist.
func (c *Controller) IsAdmin(id string) bool {
	_, ok := c.admins[strings.TrimSpace(id)]
	return ok
}

// GroupAllowed reports whether groupID may be switched.
func (c *Controller) GroupAllowed(groupID string) bool {
	if len(c.allow) == 0 {
		return true
	}
	_, ok := c.allow[strings.TrimSpace(groupID)]
	return ok
}

// Get returns the state of groupID; groups never switched are on. A timed
// power-off past its window reads as on.
func (c *Controller) Get(groupID string) Status {
	gid := strings.TrimSpace(groupID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status(gid, c.now().UnixMilli())
}

// Set switches groupID to state on behalf of callerID. For Off, a positive
// window schedules an automatic return to On; zero means until switched on.
func (c *Controller) Set(groupID string, state State, callerID string, window time.Duration) (Status, error) {
	gid := strings.TrimSpace(groupID)
	caller := strings.TrimSpace(callerID)
	if gid == "" {
		return Status{}, fmt.Errorf("%w: group_id is required", errs.ErrInvalidArgument)
	}
	if !c.GroupAllowed(gid) {
		return Status{}, fmt.Errorf("%w: power control is not enabled for group %s", errs.ErrForbidden, gid)
	}
	if caller == "" || !c.IsAdmin(caller) {
		return Status{}, fmt.Errorf("%w: only admins may switch power", errs.ErrForbidden)
	}
	if state != On && state != Off {
		return Status{}, fmt.Errorf("%w: unknown power state %q", errs.ErrInvalidArgument, state)
	}
	if window < 0 || window > MaxOffWindow {
		return Status{}, fmt.Errorf("%w: power-off window must be between 0 and %s", errs.ErrInvalidArgument, MaxOffWindow)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.now().UnixMilli()
	next := make(map[string]entry, len(c.groups)+1)
	for k, e := range c.groups {
		if !expired(e, nowMs) {
			next[k] = e
		}
	}
	if state == Off {
		e := entry{By: caller, AtMs: nowMs}
		if window > 0 {
			e.UntilMs = nowMs + window.Milliseconds()
		}
		next[gid] = e
	} else {
		delete(next, gid)
	}

	if err := c.file.Save(stateDoc{Groups: next}); err != nil {
		return Status{}, fmt.Errorf("persist power state: %w", err)
	}
	c.groups = next

	slog.Info("power state changed", "group", gid, "state", state, "by", caller, "window", window)
	return c.status(gid, nowMs), nil
}

func (c *Controller) status(gid string, nowMs int64) Status {
	e, ok := c.groups[gid]
	if !ok || expired(e, nowMs) {
		return Status{GroupID: gid, State: On}
	}
	st := Status{GroupID: gid, State: Off, UntilMs: e.UntilMs, By: e.By, AtMs: e.AtMs}
	if e.UntilMs > 0 {
		st.RemainingMs = e.UntilMs - nowMs
	}
	return st
}

func expired(e entry, nowMs int64) bool {
	return e.UntilMs > 0 && e.UntilMs <= nowMs
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}
