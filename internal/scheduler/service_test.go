package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/groupmux/internal/ipc"
	"github.com/basket/groupmux/internal/persistence"
	"github.com/basket/groupmux/internal/queue"
)

type submitRecorder struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (r *submitRecorder) submit(_ string, task queue.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *submitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func newTestService(t *testing.T) (*Service, *persistence.Store, *submitRecorder) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := &submitRecorder{}
	svc := New(Config{
		Store:          store,
		Location:       time.UTC,
		PollInterval:   time.Hour, // scans invoked manually in tests
		Submit:         rec.submit,
		ResultMaxChars: 20,
	})
	return svc, store, rec
}

func TestSchedule_PersistsWithComputedNextRun(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Schedule(ctx, ipc.ScheduleRequest{
		GroupFolder:   "family",
		ChatJID:       "1@g.us",
		Prompt:        "daily summary",
		ScheduleType:  "interval",
		ScheduleValue: "1h",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got, err := store.GetScheduledTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextRun == nil {
		t.Fatal("next_run not set")
	}
	if got.ContextMode != "isolated" {
		t.Fatalf("context mode should default to isolated, got %q", got.ContextMode)
	}
	if got.Status != persistence.TaskActive {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestSchedule_RejectsBadSpecBeforePersisting(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Schedule(ctx, ipc.ScheduleRequest{
		GroupFolder:   "family",
		Prompt:        "p",
		ScheduleType:  "cron",
		ScheduleValue: "every tuesday",
	})
	if err == nil {
		t.Fatal("bad cron accepted")
	}
	tasks, err := store.ListScheduledTasks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected task persisted: %+v", tasks)
	}
}

func TestScan_ClaimsAndSubmitsDueTasks(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	if err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatJID: "1@g.us", Prompt: "go",
		ScheduleType: persistence.ScheduleOnce, ScheduleValue: "x",
		ContextMode: "isolated", NextRun: &past,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("submitted %d tasks, want 1", rec.count())
	}
	if rec.tasks[0].ID != "t1" || rec.tasks[0].Prompt != "go" {
		t.Fatalf("submitted = %+v", rec.tasks[0])
	}

	// A second scan finds nothing: the claim cleared next_run.
	if err := svc.scan(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("task double-submitted: %d", rec.count())
	}
}

func TestScan_RestoresDueTimeForUnknownGroup(t *testing.T) {
	svc, store, rec := newTestService(t)
	svc.cfg.KnownFolder = func(folder string) bool { return folder == "family" }
	ctx := context.Background()
	past := time.Now().Add(-time.Minute).UTC()

	if err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		ID: "ghost", GroupFolder: "deleted-group", Prompt: "go",
		ScheduleType: persistence.ScheduleOnce, ScheduleValue: "x",
		ContextMode: "isolated", NextRun: &past,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("task for unknown group submitted: %+v", rec.tasks)
	}

	got, err := store.GetScheduledTask(ctx, "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextRun == nil {
		t.Fatal("due time not restored")
	}
	if !got.NextRun.Equal(past) {
		t.Fatalf("restored due = %v, want prior %v", got.NextRun, past)
	}
	if got.Status != persistence.TaskActive {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCompleteRun_OneShotFinishes(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	if err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatJID: "1@g.us", Prompt: "p",
		ScheduleType: persistence.ScheduleOnce, ScheduleValue: "2030-01-01T00:00:00Z",
		ContextMode: "isolated", NextRun: &past,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.ClaimScheduledTask(ctx, "t1"); !ok {
		t.Fatal("claim failed")
	}

	if err := svc.CompleteRun(ctx, "t1", "all done", nil, 1500*time.Millisecond); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	got, err := store.GetScheduledTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.TaskCompleted || got.NextRun != nil {
		t.Fatalf("one-shot after run: status=%s next_run=%v", got.Status, got.NextRun)
	}

	logs, err := store.ListTaskRunLogs(ctx, "t1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != "success" || logs[0].DurationMS != 1500 {
		t.Fatalf("run log = %+v", logs)
	}
}

func TestCompleteRun_IntervalReschedulesAndTruncatesResult(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	if err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatJID: "1@g.us", Prompt: "p",
		ScheduleType: persistence.ScheduleInterval, ScheduleValue: "1h",
		ContextMode: "group", NextRun: &past,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.ClaimScheduledTask(ctx, "t1"); !ok {
		t.Fatal("claim failed")
	}

	longResult := strings.Repeat("r", 100)
	if err := svc.CompleteRun(ctx, "t1", longResult, nil, time.Second); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	got, err := store.GetScheduledTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.TaskActive || got.NextRun == nil {
		t.Fatalf("interval after run: status=%s next_run=%v", got.Status, got.NextRun)
	}
	if len(got.LastResult) != 20 {
		t.Fatalf("last_result not truncated: %d chars", len(got.LastResult))
	}

	// Run logs keep the full result.
	logs, _ := store.ListTaskRunLogs(ctx, "t1")
	if len(logs) != 1 || len(logs[0].Result) != 100 {
		t.Fatalf("run log result truncated: %+v", logs)
	}
}

func TestCompleteRun_IntervalCountsFromRunStart(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	if err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatJID: "1@g.us", Prompt: "p",
		ScheduleType: persistence.ScheduleInterval, ScheduleValue: "1h",
		ContextMode: "isolated", NextRun: &past,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.ClaimScheduledTask(ctx, "t1"); !ok {
		t.Fatal("claim failed")
	}

	// A run that took 10 minutes started 10 minutes ago, so the next
	// occurrence lands ~50 minutes out, not a full hour.
	if err := svc.CompleteRun(ctx, "t1", "ok", nil, 10*time.Minute); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	got, err := store.GetScheduledTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextRun == nil {
		t.Fatal("interval task lost its next_run")
	}
	now := time.Now()
	if got.NextRun.After(now.Add(51 * time.Minute)) {
		t.Fatalf("next_run counted from completion, not run start: %v", got.NextRun)
	}
	if got.NextRun.Before(now.Add(49 * time.Minute)) {
		t.Fatalf("next_run too early: %v", got.NextRun)
	}
}

func TestCompleteRun_FailureStillLogs(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	if err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatJID: "1@g.us", Prompt: "p",
		ScheduleType: persistence.ScheduleInterval, ScheduleValue: "1h",
		ContextMode: "isolated", NextRun: &past,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.ClaimScheduledTask(ctx, "t1"); !ok {
		t.Fatal("claim failed")
	}

	if err := svc.CompleteRun(ctx, "t1", "", errors.New("container exited 137"), 2*time.Second); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	logs, _ := store.ListTaskRunLogs(ctx, "t1")
	if len(logs) != 1 || logs[0].Status != "error" || logs[0].Error == "" {
		t.Fatalf("failure run log = %+v", logs)
	}
	// Failed recurring tasks still get their next occurrence.
	got, _ := store.GetScheduledTask(ctx, "t1")
	if got.NextRun == nil {
		t.Fatal("failed interval task lost its next_run")
	}
}

func TestResume_RecomputesDueTime(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Schedule(ctx, ipc.ScheduleRequest{
		GroupFolder: "family", ChatJID: "1@g.us", Prompt: "p",
		ScheduleType: "interval", ScheduleValue: "1h",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := svc.Pause(ctx, task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	before := time.Now()
	if err := svc.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := store.GetScheduledTask(ctx, task.ID)
	if got.NextRun == nil {
		t.Fatal("resume left next_run empty")
	}
	if got.NextRun.Before(before.Add(50 * time.Minute)) {
		t.Fatalf("resume should schedule a full interval ahead, got %v", got.NextRun)
	}
}

func TestStart_RestoresOrphanedClaims(t *testing.T) {
	svc, store, rec := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	past := time.Now().Add(-time.Minute)

	if err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatJID: "1@g.us", Prompt: "p",
		ScheduleType: persistence.ScheduleOnce, ScheduleValue: "x",
		ContextMode: "isolated", NextRun: &past,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate a crash between claim and run.
	if ok, _ := store.ClaimScheduledTask(ctx, "t1"); !ok {
		t.Fatal("claim failed")
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	// The restored task is due immediately; the startup scan claims it.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec.count() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("orphaned task never resubmitted, submissions=%d", rec.count())
}

func TestOwner(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	due := time.Now()

	if err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatJID: "1@g.us", Prompt: "p",
		ScheduleType: persistence.ScheduleOnce, ScheduleValue: "x",
		ContextMode: "isolated", NextRun: &due,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	owner, err := svc.Owner(ctx, "t1")
	if err != nil || owner != "family" {
		t.Fatalf("owner = %q, %v", owner, err)
	}
	if _, err := svc.Owner(ctx, "missing"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
