// Package quota enforces per-tool daily call limits.
package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/linkerlin/nanotools.go/internal/clock"
	"github.com/linkerlin/nanotools.go/internal/errs"
	"github.com/linkerlin/nanotools.go/internal/jsonfile"
)

// UnknownCaller stands in for calls that carry no caller identity.
const UnknownCaller = "unknown"

// Rule is the limit set for one tool. Zero or negative means unlimited.
type Rule struct {
	PerDay        int `json:"per_day,omitempty"`
	PerUserPerDay int `json:"per_user_per_day,omitempty"`
}

func (r Rule) enabled() bool {
	return r.PerDay > 0 || r.PerUserPerDay > 0
}

// Limits is the shape of the limits file.
type Limits struct {
	Timezone string          `json:"timezone,omitempty"`
	Limits   map[string]Rule `json:"limits"`
}

type counter struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type usageDoc struct {
	Counters map[string]counter `json:"counters"`
}

// Options configures a Ledger.
type Options struct {
	// UsagePath is where counters are persisted.
	UsagePath string
	// LimitsPath is re-read whenever its modification time changes.
	// Ignored when Limits is set.
	LimitsPath string
	// Limits pins a fixed limit table.
	Limits *Limits
	// DefaultZone applies when the limits table names no timezone.
	DefaultZone string
	Now         func() time.Time
}

// Ledger counts tool invocations per caller and per day.
type Ledger struct {
	mu sync.Mutex

	file        *jsonfile.File
	counters    map[string]counter
	limitsPath  string
	limits      Limits
	limitsMtime time.Time
	pinned      bool
	defaultZone string
	now         func() time.Time
}

// Usage is a read-only view of today's counters for one tool and caller.
type Usage struct {
	Tool          string `json:"tool"`
	Date          string `json:"date"`
	UsedByCaller  int    `json:"used_by_caller"`
	UsedTotal     int    `json:"used_total"`
	PerUserPerDay int    `json:"per_user_per_day,omitempty"`
	PerDay        int    `json:"per_day,omitempty"`
}

// New loads persisted counters. A corrupt usage file is logged and replaced
// on the next increment; counters are best effort.
func New(opts Options) (*Ledger, error) {
	l := &Ledger{
		file:        jsonfile.New(opts.UsagePath),
		counters:    make(map[string]counter),
		limitsPath:  opts.LimitsPath,
		defaultZone: opts.DefaultZone,
		now:         opts.Now,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.defaultZone == "" {
		l.defaultZone = clock.DefaultZone
	}
	if opts.Limits != nil {
		l.limits = *opts.Limits
		l.pinned = true
	}

	var doc usageDoc
	if _, err := l.file.Load(&doc); err != nil {
		var ce *jsonfile.CorruptError
		if !errors.As(err, &ce) {
			return nil, fmt.Errorf("load usage: %w", err)
		}
		slog.Warn("quota usage file unreadable, starting from zero", "path", opts.UsagePath, "err", err)
	}
	for k, c := range doc.Counters {
		l.counters[k] = c
	}
	return l, nil
}

// CheckAndIncrement admits one call of tool by caller. The per-caller limit is
// evaluated first, then the global one; a denial mutates nothing. Tools
// without a configured limit are always admitted and never counted.
func (l *Ledger) CheckAndIncrement(tool, caller string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, loc := l.ruleFor(tool)
	if !rule.enabled() {
		return nil
	}

	day := clock.DayKey(l.now(), loc)
	userKey, totalKey := userCounterKey(tool, caller), totalCounterKey(tool)
	used := l.count(userKey, day)
	total := l.count(totalKey, day)

	if rule.PerUserPerDay > 0 && used >= rule.PerUserPerDay {
		return fmt.Errorf("%w: %s is limited to %d calls per user per day", errs.ErrQuotaExceeded, tool, rule.PerUserPerDay)
	}
	if rule.PerDay > 0 && total >= rule.PerDay {
		return fmt.Errorf("%w: %s is limited to %d calls per day", errs.ErrQuotaExceeded, tool, rule.PerDay)
	}

	// Entries from earlier days count as zero, so they are dropped here.
	next := make(map[string]counter, len(l.counters)+2)
	for k, c := range l.counters {
		if c.Date == day {
			next[k] = c
		}
	}
	next[userKey] = counter{Date: day, Count: used + 1}
	next[totalKey] = counter{Date: day, Count: total + 1}

	if err := l.file.Save(usageDoc{Counters: next}); err != nil {
		return fmt.Errorf("persist usage: %w", err)
	}
	l.counters = next
	return nil
}

// Usage reports today's counters for tool without changing them.
func (l *Ledger) Usage(tool, caller string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, loc := l.ruleFor(tool)
	day := clock.DayKey(l.now(), loc)
	return Usage{
		Tool:          tool,
		Date:          day,
		UsedByCaller:  l.count(userCounterKey(tool, caller), day),
		UsedTotal:     l.count(totalCounterKey(tool), day),
		PerUserPerDay: max(rule.PerUserPerDay, 0),
		PerDay:        max(rule.PerDay, 0),
	}
}

func (l *Ledger) count(key, day string) int {
	c, ok := l.counters[key]
	if !ok || c.Date != day {
		return 0
	}
	return c.Count
}

func (l *Ledger) ruleFor(tool string) (Rule, *time.Location) {
	l.reloadLimits()
	loc := clock.LoadLocation(l.limits.Timezone, l.defaultZone)
	return l.limits.Limits[strings.TrimSpace(tool)], loc
}

// reloadLimits re-reads the limits file when it changed on disk. A file that
// fails to parse keeps the previous table in force.
func (l *Ledger) reloadLimits() {
	if l.pinned || l.limitsPath == "" {
		return
	}
	info, err := os.Stat(l.limitsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.limits = Limits{}
			l.limitsMtime = time.Time{}
		}
		return
	}
	if info.ModTime().Equal(l.limitsMtime) {
		return
	}
	data, err := os.ReadFile(l.limitsPath)
	if err != nil {
		slog.Warn("read limits file", "path", l.limitsPath, "err", err)
		return
	}
	var lim Limits
	if err := json.Unmarshal(data, &lim); err != nil {
		slog.Warn("parse limits file", "path", l.limitsPath, "err", err)
		return
	}
	l.limits = lim
	l.limitsMtime = info.ModTime()
	slog.Info("quota limits loaded", "path", l.limitsPath, "tools", len(lim.Limits))
}

func userCounterKey(tool, caller string) string {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		caller = UnknownCaller
	}
	return strings.TrimSpace(tool) + "|user|" + caller
}

func totalCounterKey(tool string) string {
	return strings.TrimSpace(tool) + "|total"
}
