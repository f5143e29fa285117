// Package scheduler fires persistent tasks: a poll loop scans for due rows,
// claims them atomically and hands the runs to the execution queue. Next-run
// times are computed here for cron, interval and one-shot schedules.
package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/groupmux/internal/persistence"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseSchedule validates a schedule at creation time so bad specs are
// rejected before a row is written.
func ParseSchedule(scheduleType, value string) error {
	switch persistence.ScheduleType(scheduleType) {
	case persistence.ScheduleCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
	case persistence.ScheduleInterval:
		if _, err := parseInterval(value); err != nil {
			return err
		}
	case persistence.ScheduleOnce:
		if _, err := parseOnce(value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// NextRun computes when a schedule fires after now. A one-shot schedule
// returns its absolute time on the first call; subsequent occurrences are
// the caller's concern (there are none).
func NextRun(scheduleType persistence.ScheduleType, value string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch scheduleType {
	case persistence.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return sched.Next(now.In(loc)).UTC(), nil
	case persistence.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d).UTC(), nil
	case persistence.ScheduleOnce:
		at, err := parseOnce(value)
		if err != nil {
			return time.Time{}, err
		}
		return at.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// NextAfterRun computes the occurrence following a completed run. One-shot
// tasks have none; a false second return means the task is done.
func NextAfterRun(scheduleType persistence.ScheduleType, value string, now time.Time, loc *time.Location) (time.Time, bool, error) {
	if scheduleType == persistence.ScheduleOnce {
		return time.Time{}, false, nil
	}
	next, err := NextRun(scheduleType, value, now, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return next, true, nil
}

// parseInterval accepts either a bare integer (milliseconds) or a Go
// duration string like "90s" or "1h30m".
func parseInterval(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %dms", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", d)
	}
	return d, nil
}

// parseOnce accepts an RFC3339 timestamp.
func parseOnce(value string) (time.Time, error) {
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid once timestamp %q (want RFC3339): %w", value, err)
	}
	return at, nil
}
