package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linkerlin/nanotools.go/internal/clock"
	"github.com/linkerlin/nanotools.go/internal/errs"
	"github.com/linkerlin/nanotools.go/internal/power"
	"github.com/linkerlin/nanotools.go/internal/quota"
	"github.com/linkerlin/nanotools.go/internal/reminder"
)

// Deps are the resources the built-in tools operate on.
type Deps struct {
	Reminders *reminder.Store
	Power     *power.Controller
	Ledger    *quota.Ledger
	// Zone is the default display and input timezone.
	Zone string
	Now  func() time.Time
}

// RegisterBuiltins adds every built-in tool to r.
func RegisterBuiltins(r *Registry, d Deps) error {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Zone == "" {
		d.Zone = clock.DefaultZone
	}
	all := []Tool{
		reminderCreate(d),
		reminderList(d),
		reminderCancel(d),
		powerOff(d),
		powerOn(d),
		powerStatus(d),
		datetimeNow(d),
		quotaStatus(d),
	}
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// ReminderView is a reminder as shown to callers.
type ReminderView struct {
	ID           string          `json:"id"`
	ShortID      string          `json:"short_id"`
	CreatorID    string          `json:"creator_id"`
	Target       reminder.Target `json:"target"`
	FireAt       string          `json:"fire_at"`
	FireAtLocal  string          `json:"fire_at_local"`
	Message      string          `json:"message"`
	Status       reminder.Status `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
}

func viewOf(r reminder.Reminder, loc *time.Location) ReminderView {
	return ReminderView{
		ID:           r.ID,
		ShortID:      r.ShortID(),
		CreatorID:    r.CreatorID,
		Target:       r.Target,
		FireAt:       r.FireAt.UTC().Format(time.RFC3339),
		FireAtLocal:  clock.Display(r.FireAt, loc),
		Message:      r.Message,
		Status:       r.Status,
		AttemptCount: r.AttemptCount,
		LastError:    r.LastError,
	}
}

type createArgs struct {
	TargetType    string `json:"target_type"`
	TargetID      string `json:"target_id"`
	FireAt        string `json:"fire_at"`
	DueAtMs       int64  `json:"due_at_ms"`
	TZ            string `json:"tz"`
	Message       string `json:"message"`
	MentionUserID string `json:"mention_user_id"`
	MessageID     string `json:"message_id"`
}

func (a *createArgs) Validate() error {
	if strings.TrimSpace(a.Message) == "" {
		return fmt.Errorf("%w: message is required", errs.ErrInvalidArgument)
	}
	if strings.TrimSpace(a.FireAt) == "" && a.DueAtMs <= 0 {
		return fmt.Errorf("%w: fire_at or due_at_ms is required", errs.ErrInvalidTime)
	}
	return nil
}

func reminderCreate(d Deps) Tool {
	def := Definition{
		Name:        "reminder_create",
		Title:       "Create reminder",
		Description: "Schedule a one-time reminder message to a group or private chat.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "target_type": {"type": "string", "enum": ["group", "private"], "description": "Defaults to the calling chat"},
    "target_id": {"type": "string", "description": "Group or user id; defaults to the calling chat"},
    "fire_at": {"type": "string", "description": "RFC 3339, 'YYYY-MM-DD HH:MM' in tz, 'HH:MM', epoch ms or an offset such as '+90m'"},
    "due_at_ms": {"type": "integer", "description": "Absolute fire time in epoch milliseconds"},
    "tz": {"type": "string", "description": "IANA timezone for local times"},
    "message": {"type": "string"},
    "mention_user_id": {"type": "string", "description": "User to @ in group reminders"},
    "message_id": {"type": "string", "description": "Source message id; repeated calls with the same id are deduplicated"}
  },
  "required": ["message"]
}`),
	}
	return New(def, func(ctx context.Context, c Caller, a createArgs) (ReminderView, error) {
		loc := clock.LoadLocation(a.TZ, d.Zone)
		now := d.Now()

		var fireAt time.Time
		if a.DueAtMs > 0 {
			fireAt = time.UnixMilli(a.DueAtMs).UTC()
		} else {
			t, err := clock.Resolve(a.FireAt, loc, now)
			if err != nil {
				return ReminderView{}, fmt.Errorf("%w: %v", errs.ErrInvalidTime, err)
			}
			fireAt = t
		}

		target, err := targetFor(c, a.TargetType, a.TargetID)
		if err != nil {
			return ReminderView{}, err
		}

		r, err := d.Reminders.Create(reminder.Draft{
			CreatorID:       c.UserID,
			Target:          target,
			FireAt:          fireAt,
			Message:         a.Message,
			MentionUserID:   a.MentionUserID,
			SourceMessageID: a.MessageID,
		})
		if err != nil {
			return ReminderView{}, err
		}
		return viewOf(r, loc), nil
	})
}

// targetFor fills in the destination from the calling chat when the
// arguments leave it out.
func targetFor(c Caller, typ, id string) (reminder.Target, error) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	id = strings.TrimSpace(id)
	if typ == "" {
		typ = c.ChatType
		if typ == "" && c.GroupID != "" {
			typ = string(reminder.Group)
		}
	}
	if id == "" {
		switch reminder.ChatType(typ) {
		case reminder.Group:
			id = c.GroupID
		case reminder.Private:
			id = c.UserID
		}
	}
	t := reminder.Target{ChatType: reminder.ChatType(typ), ID: id}
	if err := t.Validate(); err != nil {
		return reminder.Target{}, err
	}
	return t, nil
}

type listArgs struct {
	IncludeAll bool   `json:"include_all"`
	Status     string `json:"status"`
	Limit      int    `json:"limit"`
}

type listResult struct {
	Reminders []ReminderView `json:"reminders"`
}

func reminderList(d Deps) Tool {
	def := Definition{
		Name:        "reminder_list",
		Title:       "List reminders",
		Description: "List your reminders ordered by fire time. Admins may list everyone's with include_all.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "include_all": {"type": "boolean", "description": "Admins only: include every user's reminders"},
    "status": {"type": "string", "enum": ["all", "pending", "fired", "cancelled", "failed"]},
    "limit": {"type": "integer", "minimum": 1, "maximum": 200}
  }
}`),
	}
	return New(def, func(ctx context.Context, c Caller, a listArgs) (listResult, error) {
		status, err := reminder.ParseStatus(a.Status)
		if err != nil {
			return listResult{}, err
		}
		limit := a.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		loc := clock.LoadLocation("", d.Zone)
		rs := d.Reminders.List(reminder.ListQuery{
			CallerID:   c.UserID,
			IsAdmin:    d.Power.IsAdmin(c.UserID),
			IncludeAll: a.IncludeAll,
			Status:     status,
			Limit:      limit,
		})
		out := listResult{Reminders: make([]ReminderView, 0, len(rs))}
		for _, r := range rs {
			out.Reminders = append(out.Reminders, viewOf(r, loc))
		}
		return out, nil
	})
}

type cancelArgs struct {
	ID string `json:"id"`
}

type cancelResult struct {
	ID     string          `json:"id"`
	Status reminder.Status `json:"status"`
}

func reminderCancel(d Deps) Tool {
	def := Definition{
		Name:        "reminder_cancel",
		Title:       "Cancel reminder",
		Description: "Cancel a pending reminder by id or by the 8-character short id.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "id": {"type": "string"}
  },
  "required": ["id"]
}`),
	}
	return New(def, func(ctx context.Context, c Caller, a cancelArgs) (cancelResult, error) {
		r, err := d.Reminders.Cancel(a.ID, c.UserID, d.Power.IsAdmin(c.UserID))
		if err != nil {
			return cancelResult{}, err
		}
		return cancelResult{ID: r.ID, Status: r.Status}, nil
	})
}

type powerArgs struct {
	GroupID string  `json:"group_id"`
	Hours   float64 `json:"hours"`
}

// PowerView is a group's power state as shown to callers.
type PowerView struct {
	power.Status
	UntilLocal string `json:"until_local,omitempty"`
}

func powerView(st power.Status, loc *time.Location) PowerView {
	v := PowerView{Status: st}
	if st.UntilMs > 0 {
		v.UntilLocal = clock.Display(time.UnixMilli(st.UntilMs), loc)
	}
	return v
}

// groupFor picks the group a power tool applies to.
func groupFor(c Caller, explicit string) (string, error) {
	if gid := strings.TrimSpace(explicit); gid != "" {
		return gid, nil
	}
	if c.ChatType == string(reminder.Private) {
		return "", fmt.Errorf("%w: power control only applies to group chats", errs.ErrInvalidArgument)
	}
	if c.GroupID == "" {
		return "", fmt.Errorf("%w: group_id is required", errs.ErrInvalidArgument)
	}
	return c.GroupID, nil
}

const powerSchema = `{
  "type": "object",
  "properties": {
    "group_id": {"type": "string", "description": "Defaults to the calling group"}%s
  }
}`

func powerOff(d Deps) Tool {
	def := Definition{
		Name:        "bot_power_off",
		Title:       "Power off in group",
		Description: "Admins only: stop the bot from replying in a group, optionally for a number of hours.",
		InputSchema: json.RawMessage(fmt.Sprintf(powerSchema,
			`,
    "hours": {"type": "number", "exclusiveMinimum": 0, "maximum": 720, "description": "Turn back on automatically after this many hours"}`)),
	}
	return New(def, func(ctx context.Context, c Caller, a powerArgs) (PowerView, error) {
		gid, err := groupFor(c, a.GroupID)
		if err != nil {
			return PowerView{}, err
		}
		if a.Hours < 0 {
			return PowerView{}, fmt.Errorf("%w: hours must be greater than 0", errs.ErrInvalidArgument)
		}
		window := time.Duration(a.Hours * float64(time.Hour))
		st, err := d.Power.Set(gid, power.Off, c.UserID, window)
		if err != nil {
			return PowerView{}, err
		}
		return powerView(st, clock.LoadLocation("", d.Zone)), nil
	})
}

func powerOn(d Deps) Tool {
	def := Definition{
		Name:        "bot_power_on",
		Title:       "Power on in group",
		Description: "Admins only: let the bot reply in a group again.",
		InputSchema: json.RawMessage(fmt.Sprintf(powerSchema, "")),
	}
	return New(def, func(ctx context.Context, c Caller, a powerArgs) (PowerView, error) {
		gid, err := groupFor(c, a.GroupID)
		if err != nil {
			return PowerView{}, err
		}
		st, err := d.Power.Set(gid, power.On, c.UserID, 0)
		if err != nil {
			return PowerView{}, err
		}
		return powerView(st, clock.LoadLocation("", d.Zone)), nil
	})
}

func powerStatus(d Deps) Tool {
	def := Definition{
		Name:        "bot_power_status",
		Title:       "Power status",
		Description: "Report whether the bot is powered on in a group.",
		InputSchema: json.RawMessage(fmt.Sprintf(powerSchema, "")),
	}
	return New(def, func(ctx context.Context, c Caller, a powerArgs) (PowerView, error) {
		gid, err := groupFor(c, a.GroupID)
		if err != nil {
			return PowerView{}, err
		}
		return powerView(d.Power.Get(gid), clock.LoadLocation("", d.Zone)), nil
	})
}

type nowArgs struct {
	TZ string `json:"tz"`
}

func datetimeNow(d Deps) Tool {
	def := Definition{
		Name:        "datetime_now",
		Title:       "Current time",
		Description: "Current date and time in a timezone.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "tz": {"type": "string", "description": "IANA timezone, e.g. Asia/Shanghai"}
  }
}`),
	}
	return New(def, func(ctx context.Context, c Caller, a nowArgs) (clock.Snapshot, error) {
		return clock.Describe(d.Now(), clock.LoadLocation(a.TZ, d.Zone)), nil
	})
}

type quotaArgs struct {
	Tool string `json:"tool"`
}

func (a *quotaArgs) Validate() error {
	if strings.TrimSpace(a.Tool) == "" {
		return fmt.Errorf("%w: tool is required", errs.ErrInvalidArgument)
	}
	return nil
}

func quotaStatus(d Deps) Tool {
	def := Definition{
		Name:        "quota_status",
		Title:       "Quota status",
		Description: "Today's usage and limits of a tool for the caller.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "tool": {"type": "string"}
  },
  "required": ["tool"]
}`),
	}
	return New(def, func(ctx context.Context, c Caller, a quotaArgs) (quota.Usage, error) {
		return d.Ledger.Usage(strings.TrimSpace(a.Tool), c.UserID), nil
	})
}
