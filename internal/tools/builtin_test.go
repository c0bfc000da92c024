package tools

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkerlin/nanotools.go/internal/clock"
	"github.com/linkerlin/nanotools.go/internal/errs"
	"github.com/linkerlin/nanotools.go/internal/power"
	"github.com/linkerlin/nanotools.go/internal/quota"
	"github.com/linkerlin/nanotools.go/internal/reminder"
)

// 2026-10-19 10:00 in Shanghai.
var now = time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)

type env struct {
	reg   *Registry
	store *reminder.Store
	power *power.Controller
}

func newEnv(t *testing.T, limits map[string]quota.Rule) *env {
	t.Helper()
	dir := t.TempDir()
	clk := func() time.Time { return now }

	store, err := reminder.Open(filepath.Join(dir, "reminders.json"), reminder.WithClock(clk))
	require.NoError(t, err)
	pc, err := power.New(power.Options{
		Path:   filepath.Join(dir, "power_state.json"),
		Admins: []string{"root"},
		Now:    clk,
	})
	require.NoError(t, err)
	ledger, err := quota.New(quota.Options{
		UsagePath: filepath.Join(dir, "tool_usage.json"),
		Limits:    &quota.Limits{Limits: limits},
		Now:       clk,
	})
	require.NoError(t, err)

	reg := NewRegistry(ledger)
	require.NoError(t, RegisterBuiltins(reg, Deps{
		Reminders: store,
		Power:     pc,
		Ledger:    ledger,
		Zone:      "Asia/Shanghai",
		Now:       clk,
	}))
	return &env{reg: reg, store: store, power: pc}
}

var alice = Caller{UserID: "alice", ChatType: "group", GroupID: "100"}

func TestDefinitions_SortedAndComplete(t *testing.T) {
	e := newEnv(t, nil)

	var names []string
	for _, d := range e.reg.Definitions() {
		names = append(names, d.Name)
		assert.NotEmpty(t, d.Description, d.Name)
		assert.NotEmpty(t, d.InputSchema, d.Name)
	}
	assert.Equal(t, []string{
		"bot_power_off", "bot_power_on", "bot_power_status", "datetime_now",
		"quota_status", "reminder_cancel", "reminder_create", "reminder_list",
	}, names)
}

func TestRegister_RejectsDuplicate(t *testing.T) {
	e := newEnv(t, nil)
	err := e.reg.Register(datetimeNow(Deps{}))
	assert.Error(t, err)
}

func TestCall_UnknownTool(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.reg.Call(context.Background(), "weather", alice, nil)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestReminderCreate_DefaultsTargetToCallingChat(t *testing.T) {
	e := newEnv(t, nil)

	out, err := e.reg.Call(context.Background(), "reminder_create", alice, map[string]any{
		"fire_at": "+30m",
		"message": "stretch",
	})
	require.NoError(t, err)

	v := out.(ReminderView)
	assert.Equal(t, reminder.Target{ChatType: reminder.Group, ID: "100"}, v.Target)
	assert.Equal(t, "2026-10-19T02:30:00Z", v.FireAt)
	assert.Equal(t, "2026/10/19 10:30:00", v.FireAtLocal)
	assert.Equal(t, reminder.Pending, v.Status)
	assert.Equal(t, "alice", v.CreatorID)
}

func TestReminderCreate_PrivateChatTargetsCaller(t *testing.T) {
	e := newEnv(t, nil)
	caller := Caller{UserID: "alice", ChatType: "private"}

	out, err := e.reg.Call(context.Background(), "reminder_create", caller, map[string]any{
		"due_at_ms": now.Add(time.Hour).UnixMilli(),
		"message":   "call mom",
	})
	require.NoError(t, err)
	assert.Equal(t, reminder.Target{ChatType: reminder.Private, ID: "alice"}, out.(ReminderView).Target)
}

func TestReminderCreate_InvalidTime(t *testing.T) {
	e := newEnv(t, nil)

	for _, args := range []map[string]any{
		{"fire_at": "2026-10-19 09:00", "message": "x"},
		{"fire_at": "-1m", "message": "x"},
		{"fire_at": "whenever", "message": "x"},
		{"due_at_ms": now.UnixMilli(), "message": "x"},
		{"message": "x"},
	} {
		_, err := e.reg.Call(context.Background(), "reminder_create", alice, args)
		assert.True(t, errors.Is(err, errs.ErrInvalidTime), "%v: %v", args, err)
	}
}

func TestReminderCreate_LooseArgumentTypes(t *testing.T) {
	e := newEnv(t, nil)

	out, err := e.reg.Call(context.Background(), "reminder_create", Caller{}, map[string]any{
		"user_id":     float64(123456789),
		"target_type": "group",
		"target_id":   float64(987654321),
		"fire_at":     "in 2h",
		"message":     "x",
		"message_id":  float64(42),
	})
	require.NoError(t, err)

	v := out.(ReminderView)
	assert.Equal(t, "123456789", v.CreatorID)
	assert.Equal(t, "987654321", v.Target.ID)
}

func TestQuotaGate_DeniesBeforeToolRuns(t *testing.T) {
	e := newEnv(t, map[string]quota.Rule{"reminder_create": {PerUserPerDay: 2}})
	args := map[string]any{"fire_at": "+1h", "message": "x"}

	_, err := e.reg.Call(context.Background(), "reminder_create", alice, args)
	require.NoError(t, err)
	_, err = e.reg.Call(context.Background(), "reminder_create", alice, args)
	require.NoError(t, err)
	_, err = e.reg.Call(context.Background(), "reminder_create", alice, args)
	assert.True(t, errors.Is(err, errs.ErrQuotaExceeded))

	assert.Len(t, e.store.List(reminder.ListQuery{CallerID: "alice"}), 2)

	out, err := e.reg.Call(context.Background(), "quota_status", alice, map[string]any{"tool": "reminder_create"})
	require.NoError(t, err)
	u := out.(quota.Usage)
	assert.Equal(t, 2, u.UsedByCaller)
	assert.Equal(t, 2, u.PerUserPerDay)
}

func TestReminderList_Visibility(t *testing.T) {
	e := newEnv(t, nil)
	bob := Caller{UserID: "bob", ChatType: "group", GroupID: "100"}
	root := Caller{UserID: "root", ChatType: "group", GroupID: "100"}

	for _, c := range []Caller{alice, bob} {
		_, err := e.reg.Call(context.Background(), "reminder_create", c, map[string]any{"fire_at": "+1h", "message": c.UserID})
		require.NoError(t, err)
	}

	out, err := e.reg.Call(context.Background(), "reminder_list", alice, map[string]any{"include_all": true})
	require.NoError(t, err)
	assert.Len(t, out.(listResult).Reminders, 1)

	out, err = e.reg.Call(context.Background(), "reminder_list", root, map[string]any{"include_all": "true"})
	require.NoError(t, err)
	assert.Len(t, out.(listResult).Reminders, 2)

	_, err = e.reg.Call(context.Background(), "reminder_list", alice, map[string]any{"status": "bogus"})
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestReminderCancel_Flow(t *testing.T) {
	e := newEnv(t, nil)
	out, err := e.reg.Call(context.Background(), "reminder_create", alice, map[string]any{"fire_at": "+1h", "message": "x"})
	require.NoError(t, err)
	v := out.(ReminderView)

	_, err = e.reg.Call(context.Background(), "reminder_cancel", Caller{UserID: "bob"}, map[string]any{"id": v.ID})
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	res, err := e.reg.Call(context.Background(), "reminder_cancel", alice, map[string]any{"id": v.ShortID})
	require.NoError(t, err)
	assert.Equal(t, cancelResult{ID: v.ID, Status: reminder.Cancelled}, res)

	_, err = e.reg.Call(context.Background(), "reminder_cancel", alice, map[string]any{"id": v.ID})
	assert.True(t, errors.Is(err, errs.ErrAlreadyTerminal))

	_, err = e.reg.Call(context.Background(), "reminder_cancel", alice, map[string]any{"id": "ffffffff-nope"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestPowerTools(t *testing.T) {
	e := newEnv(t, nil)
	root := Caller{UserID: "root", ChatType: "group", GroupID: "100"}

	_, err := e.reg.Call(context.Background(), "bot_power_off", alice, nil)
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	out, err := e.reg.Call(context.Background(), "bot_power_off", root, map[string]any{"hours": "2"})
	require.NoError(t, err)
	pv := out.(PowerView)
	assert.Equal(t, power.Off, pv.State)
	assert.Equal(t, "100", pv.GroupID)
	assert.Equal(t, "2026/10/19 12:00:00", pv.UntilLocal)

	out, err = e.reg.Call(context.Background(), "bot_power_status", alice, nil)
	require.NoError(t, err)
	assert.Equal(t, power.Off, out.(PowerView).State)

	out, err = e.reg.Call(context.Background(), "bot_power_on", root, map[string]any{"group_id": 100})
	require.NoError(t, err)
	assert.Equal(t, power.On, out.(PowerView).State)

	_, err = e.reg.Call(context.Background(), "bot_power_status", Caller{UserID: "alice", ChatType: "private"}, nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	_, err = e.reg.Call(context.Background(), "bot_power_off", root, map[string]any{"hours": 721})
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestDatetimeNow(t *testing.T) {
	e := newEnv(t, nil)

	out, err := e.reg.Call(context.Background(), "datetime_now", alice, map[string]any{"tz": "UTC"})
	require.NoError(t, err)
	s := out.(clock.Snapshot)
	assert.Equal(t, "UTC", s.TZ)
	assert.Equal(t, "2026-10-19", s.Date)

	out, err = e.reg.Call(context.Background(), "datetime_now", alice, nil)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", out.(clock.Snapshot).TZ)
}

func TestQuotaStatus_RequiresTool(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.reg.Call(context.Background(), "quota_status", alice, nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}
