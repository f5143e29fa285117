package scheduler

import (
	"testing"
	"time"

	"github.com/basket/groupmux/internal/persistence"
)

func TestParseSchedule_Valid(t *testing.T) {
	cases := []struct {
		scheduleType, value string
	}{
		{"cron", "0 9 * * *"},
		{"cron", "*/5 * * * *"},
		{"interval", "60000"},
		{"interval", "1h30m"},
		{"once", "2030-06-01T09:00:00Z"},
	}
	for _, tc := range cases {
		if err := ParseSchedule(tc.scheduleType, tc.value); err != nil {
			t.Errorf("ParseSchedule(%s, %s) = %v", tc.scheduleType, tc.value, err)
		}
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	cases := []struct {
		scheduleType, value string
	}{
		{"cron", "not a cron"},
		{"cron", "0 9 * *"}, // four fields
		{"interval", "-5000"},
		{"interval", "soon"},
		{"once", "tomorrow"},
		{"hourly", "1"},
	}
	for _, tc := range cases {
		if err := ParseSchedule(tc.scheduleType, tc.value); err == nil {
			t.Errorf("ParseSchedule(%s, %s) accepted", tc.scheduleType, tc.value)
		}
	}
}

func TestNextRun_CronWeekly(t *testing.T) {
	// Monday 2024-01-01 09:00 UTC, firing exactly at the scheduled minute:
	// the next occurrence is the following Monday.
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	next, err := NextRun(persistence.ScheduleCron, "0 9 * * 1", now, time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRun_CronHonorsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 13:30 UTC on 2024-01-15 is 08:30 in New York; "0 9 * * *" fires at
	// 09:00 local, i.e. 14:00 UTC the same day.
	now := time.Date(2024, 1, 15, 13, 30, 0, 0, time.UTC)
	next, err := NextRun(persistence.ScheduleCron, "0 9 * * *", now, loc)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRun_IntervalMilliseconds(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextRun(persistence.ScheduleInterval, "90000", now, time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := now.Add(90 * time.Second); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRun_IntervalDurationString(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextRun(persistence.ScheduleInterval, "2h", now, time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := now.Add(2 * time.Hour); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRun_OnceAbsolute(t *testing.T) {
	next, err := NextRun(persistence.ScheduleOnce, "2030-06-01T09:00:00Z", time.Now(), time.UTC)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextAfterRun_OnceDoesNotRecur(t *testing.T) {
	_, recurs, err := NextAfterRun(persistence.ScheduleOnce, "2030-06-01T09:00:00Z", time.Now(), time.UTC)
	if err != nil {
		t.Fatalf("next after run: %v", err)
	}
	if recurs {
		t.Fatal("one-shot task recurred")
	}
}

func TestNextAfterRun_IntervalRecurs(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next, recurs, err := NextAfterRun(persistence.ScheduleInterval, "1h", now, time.UTC)
	if err != nil {
		t.Fatalf("next after run: %v", err)
	}
	if !recurs || !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("recurs=%v next=%v", recurs, next)
	}
}
