// Package cronx wraps robfig/cron with the schedule arithmetic the
// scheduler and stores share: next-fire computation, priority interval
// derivation, catch-up grace windows, and the preset builder backing the
// schedule picker UI.
package cronx

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gautema/runlater/internal/domain"
	"github.com/robfig/cron/v3"
)

// Parse validates a standard 5-field cron expression (descriptors like
// @hourly included). Invalid input maps to domain.ErrInvalidCronExpr so
// handlers can surface a field error without inspecting parser internals.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, domain.ErrInvalidCronExpr
	}
	return sched, nil
}

// NextAfter returns the first fire time strictly after t. The one-second
// nudge keeps a schedule from resolving to t itself when t is exactly on a
// fire boundary, which would wedge next_run_at in place.
func NextAfter(sched cron.Schedule, t time.Time) time.Time {
	return sched.Next(t.Add(time.Second))
}

// DeriveIntervalMinutes samples two consecutive fires from now and returns
// the gap in whole minutes, minimum 1. The value orders claims (tighter
// cadence first); it is never used to compute fire times.
func DeriveIntervalMinutes(sched cron.Schedule, now time.Time) int {
	first := sched.Next(now)
	second := sched.Next(first)
	mins := int(second.Sub(first) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return mins
}

// Grace is the window after a missed fire during which catch-up still
// creates a pending execution instead of a missed record: half the
// interval, clamped to [30s, 1h].
func Grace(interval time.Duration) time.Duration {
	g := interval / 2
	if g < 30*time.Second {
		g = 30 * time.Second
	}
	if g > time.Hour {
		g = time.Hour
	}
	return g
}

// GraceOnce is the catch-up window for one-shot tasks, which have no
// interval to halve.
const GraceOnce = time.Hour

// NextExpected computes when the next monitor ping is due: now plus the
// fixed interval, or the next cron fire. Nil when the schedule is absent
// or unparseable.
func NextExpected(intervalSeconds *int, cronExpr *string, now time.Time) *time.Time {
	switch {
	case intervalSeconds != nil:
		t := now.Add(time.Duration(*intervalSeconds) * time.Second)
		return &t
	case cronExpr != nil:
		sched, err := Parse(*cronExpr)
		if err != nil {
			return nil
		}
		t := NextAfter(sched, now)
		return &t
	}
	return nil
}

type Preset string

const (
	PresetHourly  Preset = "hourly"
	PresetDaily   Preset = "daily"
	PresetWeekly  Preset = "weekly"
	PresetMonthly Preset = "monthly"
)

// Compute builds a cron expression from a preset shape. days are weekday
// numbers 0 (Sunday) through 6; dayOfMonth is 1-31. Arguments a preset
// does not use are ignored.
func Compute(preset Preset, minute, hour int, days []int, dayOfMonth int) (string, error) {
	if minute < 0 || minute > 59 {
		return "", domain.ErrInvalidCronExpr
	}
	switch preset {
	case PresetHourly:
		return fmt.Sprintf("%d * * * *", minute), nil
	case PresetDaily:
		if hour < 0 || hour > 23 {
			return "", domain.ErrInvalidCronExpr
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case PresetWeekly:
		if hour < 0 || hour > 23 || len(days) == 0 {
			return "", domain.ErrInvalidCronExpr
		}
		ds := append([]int(nil), days...)
		sort.Ints(ds)
		parts := make([]string, 0, len(ds))
		for _, d := range ds {
			if d < 0 || d > 6 {
				return "", domain.ErrInvalidCronExpr
			}
			parts = append(parts, fmt.Sprintf("%d", d))
		}
		return fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(parts, ",")), nil
	case PresetMonthly:
		if hour < 0 || hour > 23 || dayOfMonth < 1 || dayOfMonth > 31 {
			return "", domain.ErrInvalidCronExpr
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, dayOfMonth), nil
	}
	return "", domain.ErrInvalidCronExpr
}

// Describe renders a human string for the expressions Compute produces and
// the common every-N-minutes form. Anything it does not recognize is
// returned verbatim.
func Describe(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	if month != "*" {
		return expr
	}

	m, mOK := number(minute)
	h, hOK := number(hour)

	switch {
	case minute == "*" && hour == "*" && dom == "*" && dow == "*":
		return "Every minute"
	case strings.HasPrefix(minute, "*/") && hour == "*" && dom == "*" && dow == "*":
		return fmt.Sprintf("Every %s minutes", strings.TrimPrefix(minute, "*/"))
	case mOK && hour == "*" && dom == "*" && dow == "*":
		return fmt.Sprintf("Every hour at :%02d", m)
	case mOK && hOK && dom == "*" && dow == "*":
		return fmt.Sprintf("Every day at %02d:%02d", h, m)
	case mOK && hOK && dom == "*" && dow != "*":
		names, ok := weekdayNames(dow)
		if !ok {
			return expr
		}
		return fmt.Sprintf("Every %s at %02d:%02d", names, h, m)
	case mOK && hOK && dow == "*":
		if d, ok := number(dom); ok {
			return fmt.Sprintf("Monthly on day %d at %02d:%02d", d, h, m)
		}
	}
	return expr
}

func number(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func weekdayNames(dow string) (string, bool) {
	parts := strings.Split(dow, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) != 1 || p[0] < '0' || p[0] > '6' {
			return "", false
		}
		names = append(names, time.Weekday(p[0]-'0').String())
	}
	switch len(names) {
	case 1:
		return names[0], true
	case 2:
		return names[0] + " and " + names[1], true
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1], true
	}
}
