// Package clock turns already-resolved time expressions into absolute
// instants and formats instants for a configured timezone.
package clock

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/linkerlin/nanotools.go/internal/errs"
)

// DefaultZone is used when neither the caller nor the configuration names a zone.
const DefaultZone = "Asia/Shanghai"

const (
	dayLayout     = "2006-01-02"
	displayLayout = "2006/01/02 15:04:05"
)

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
}

var (
	dayPrefix = regexp.MustCompile(`^(\d+)d`)
	epochMs   = regexp.MustCompile(`^\d{11,}$`)
	clockTime = regexp.MustCompile(`^(\d{1,2})[:：](\d{2})$`)
)

// LoadLocation resolves name, then fallback, then UTC.
func LoadLocation(name, fallback string) *time.Location {
	for _, n := range []string{strings.TrimSpace(name), strings.TrimSpace(fallback)} {
		if n == "" {
			continue
		}
		if loc, err := time.LoadLocation(n); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Resolve converts expr into an absolute instant, normalized to UTC.
//
// Accepted forms: an offset from now ("+90m", "in 1h30m", "2d3h", "45s"),
// epoch milliseconds, RFC 3339, a wall-clock date-time in loc
// ("2026-10-19 08:30"), or a bare time of day ("08:30") meaning its next
// occurrence in loc. Resolve does not check that the result is in the future.
func Resolve(expr string, loc *time.Location, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty time expression", errs.ErrInvalidArgument)
	}
	if loc == nil {
		loc = time.UTC
	}

	if d, ok := parseOffset(s); ok {
		return now.Add(d).UTC(), nil
	}

	if epochMs.MatchString(s) {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q: %v", errs.ErrInvalidArgument, s, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}

	if m := clockTime.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return time.Time{}, fmt.Errorf("%w: %q is not a valid time of day", errs.ErrInvalidArgument, s)
		}
		return NextTimeOfDay(now, loc, hour, minute).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("%w: unrecognized time expression %q", errs.ErrInvalidArgument, s)
}

// NextTimeOfDay returns the first hour:minute in loc strictly after now.
func NextTimeOfDay(now time.Time, loc *time.Location, hour, minute int) time.Time {
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func parseOffset(s string) (time.Duration, bool) {
	rest, explicit := strings.CutPrefix(s, "+")
	if !explicit {
		rest, explicit = strings.CutPrefix(strings.ToLower(s), "in ")
	}
	rest = strings.ReplaceAll(strings.TrimSpace(rest), " ", "")
	if rest == "" {
		return 0, false
	}

	var total time.Duration
	if m := dayPrefix.FindStringSubmatch(rest); m != nil {
		days, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		total = time.Duration(days) * 24 * time.Hour
		rest = rest[len(m[0]):]
		if rest == "" {
			return total, true
		}
	}

	d, err := time.ParseDuration(rest)
	if err != nil {
		return 0, false
	}
	return total + d, true
}

// DayKey is the calendar date of t in loc, used to bucket daily counters.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

// Display formats t for humans in loc.
func Display(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(displayLayout)
}

// Snapshot is the structured form of an instant returned by datetime_now.
type Snapshot struct {
	TZ        string `json:"tz"`
	EpochMs   int64  `json:"epoch_ms"`
	ISOUTC    string `json:"iso_utc"`
	Local     string `json:"local"`
	Date      string `json:"date"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	Day       int    `json:"day"`
	Weekday   string `json:"weekday"`
	DayOfYear int    `json:"day_of_year"`
}

// Describe breaks now down in loc.
func Describe(now time.Time, loc *time.Location) Snapshot {
	local := now.In(loc)
	return Snapshot{
		TZ:        loc.String(),
		EpochMs:   now.UnixMilli(),
		ISOUTC:    now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Local:     local.Format(displayLayout),
		Date:      local.Format(dayLayout),
		Year:      local.Year(),
		Month:     int(local.Month()),
		Day:       local.Day(),
		Weekday:   local.Weekday().String(),
		DayOfYear: local.YearDay(),
	}
}
