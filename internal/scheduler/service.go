package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/groupmux/internal/bus"
	"github.com/basket/groupmux/internal/group"
	"github.com/basket/groupmux/internal/ipc"
	"github.com/basket/groupmux/internal/persistence"
	"github.com/basket/groupmux/internal/poll"
	"github.com/basket/groupmux/internal/queue"
)

// SubmitFunc hands a claimed task run to the execution queue.
type SubmitFunc func(folder string, task queue.Task)

// Config wires the scheduler service.
type Config struct {
	Store        *persistence.Store
	Location     *time.Location
	PollInterval time.Duration
	Submit       SubmitFunc
	// KnownFolder reports whether a group folder is registered. Optional;
	// claims for unknown folders are restored instead of submitted.
	KnownFolder func(folder string) bool
	Logger      *slog.Logger
	Bus         *bus.Bus // optional
	// ResultMaxChars truncates last_result; run logs keep the full text.
	ResultMaxChars int
}

// Service owns scheduled-task lifecycle: creation, the due scan, claiming,
// and post-run bookkeeping. It implements the dispatcher's Tasks interface.
type Service struct {
	cfg    Config
	logger *slog.Logger
	loop   *poll.Loop
}

func New(cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.ResultMaxChars <= 0 {
		cfg.ResultMaxChars = 200
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger.With("component", "scheduler")}
	s.loop = poll.NewLoop("scheduler", cfg.PollInterval, 0, s.scan, s.logger)
	return s
}

// Start restores orphaned claims, then begins the due scan.
func (s *Service) Start(ctx context.Context) error {
	if err := s.restoreOrphans(ctx); err != nil {
		return err
	}
	s.loop.Start(ctx)
	return nil
}

func (s *Service) Stop() {
	s.loop.Stop()
}

// restoreOrphans re-installs a due time on active tasks whose claim was
// in flight when the previous process died. Without this they would never
// fire again.
func (s *Service) restoreOrphans(ctx context.Context) error {
	tasks, err := s.cfg.Store.ListScheduledTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks for orphan restore: %w", err)
	}
	now := time.Now()
	for _, t := range tasks {
		if t.Status != persistence.TaskActive || t.NextRun != nil {
			continue
		}
		if err := s.cfg.Store.RestoreScheduledTaskDue(ctx, t.ID, now); err != nil {
			return fmt.Errorf("restore orphan %s: %w", t.ID, err)
		}
		s.logger.Warn("restored orphaned task claim", "task_id", t.ID, "folder", t.GroupFolder)
		s.publish(bus.TopicTaskOrphaned, bus.TaskRunEvent{TaskID: t.ID, Folder: t.GroupFolder})
	}
	return nil
}

// scan claims every due task and submits its run to the queue. The claim is
// the exactly-once gate: a task lost to a concurrent claimer is skipped
// without error.
func (s *Service) scan(ctx context.Context) error {
	due, err := s.cfg.Store.DueScheduledTasks(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("due scan: %w", err)
	}
	for _, t := range due {
		claimed, err := s.cfg.Store.ClaimScheduledTask(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		if !claimed {
			continue
		}
		if s.cfg.KnownFolder != nil && !s.cfg.KnownFolder(t.GroupFolder) {
			// The owning group is gone from the registry. Re-install the
			// prior due time so the task retries next tick instead of
			// vanishing with the claim.
			due := time.Now()
			if t.NextRun != nil {
				due = *t.NextRun
			}
			if err := s.cfg.Store.RestoreScheduledTaskDue(ctx, t.ID, due); err != nil {
				return fmt.Errorf("restore task %s for missing group: %w", t.ID, err)
			}
			s.logger.Warn("task references unknown group, due time restored",
				"task_id", t.ID, "folder", t.GroupFolder)
			s.publish(bus.TopicTaskOrphaned, bus.TaskRunEvent{TaskID: t.ID, Folder: t.GroupFolder})
			continue
		}
		s.logger.Info("task claimed", "task_id", t.ID, "folder", t.GroupFolder)
		s.cfg.Submit(t.GroupFolder, queue.Task{
			ID:          t.ID,
			ChatJID:     t.ChatJID,
			Prompt:      t.Prompt,
			ContextMode: t.ContextMode,
		})
	}
	return nil
}

// Schedule validates and persists a new task. Implements ipc.Tasks.
func (s *Service) Schedule(ctx context.Context, req ipc.ScheduleRequest) (persistence.ScheduledTask, error) {
	if err := ParseSchedule(req.ScheduleType, req.ScheduleValue); err != nil {
		return persistence.ScheduledTask{}, err
	}
	scheduleType := persistence.ScheduleType(req.ScheduleType)
	next, err := NextRun(scheduleType, req.ScheduleValue, time.Now(), s.cfg.Location)
	if err != nil {
		return persistence.ScheduledTask{}, err
	}

	task := persistence.ScheduledTask{
		ID:            uuid.NewString(),
		GroupFolder:   req.GroupFolder,
		ChatJID:       req.ChatJID,
		Prompt:        req.Prompt,
		ScheduleType:  scheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   string(group.ParseContextMode(req.ContextMode)),
		NextRun:       &next,
		Status:        persistence.TaskActive,
	}
	if err := s.cfg.Store.CreateScheduledTask(ctx, task); err != nil {
		return persistence.ScheduledTask{}, err
	}
	s.logger.Info("task scheduled",
		"task_id", task.ID, "folder", task.GroupFolder,
		"type", task.ScheduleType, "next_run", next)
	return task, nil
}

// Pause implements ipc.Tasks.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.cfg.Store.PauseScheduledTask(ctx, id)
}

// Resume implements ipc.Tasks. The due time is recomputed from now, not
// restored from before the pause.
func (s *Service) Resume(ctx context.Context, id string) error {
	t, err := s.cfg.Store.GetScheduledTask(ctx, id)
	if err != nil {
		return err
	}
	next, err := NextRun(t.ScheduleType, t.ScheduleValue, time.Now(), s.cfg.Location)
	if err != nil {
		return err
	}
	return s.cfg.Store.ResumeScheduledTask(ctx, id, &next)
}

// Cancel implements ipc.Tasks.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.cfg.Store.DeleteScheduledTask(ctx, id)
}

// Owner implements ipc.Tasks.
func (s *Service) Owner(ctx context.Context, id string) (string, error) {
	t, err := s.cfg.Store.GetScheduledTask(ctx, id)
	if err != nil {
		return "", err
	}
	return t.GroupFolder, nil
}

// CompleteRun records a finished run: the next occurrence, the truncated
// last result, and an unconditional run-log row. Called by the executor for
// success and failure alike.
func (s *Service) CompleteRun(ctx context.Context, taskID string, result string, runErr error, duration time.Duration) error {
	t, err := s.cfg.Store.GetScheduledTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now()
	// The next occurrence counts from when the run started, not when it
	// finished, so long runs do not push intervals later and later.
	runStart := now.Add(-duration)
	var nextPtr *time.Time
	next, recurs, err := NextAfterRun(t.ScheduleType, t.ScheduleValue, runStart, s.cfg.Location)
	if err != nil {
		return err
	}
	if recurs {
		nextPtr = &next
	}

	lastResult := truncate(result, s.cfg.ResultMaxChars)
	status := "success"
	errText := ""
	if runErr != nil {
		status = "error"
		errText = runErr.Error()
		if lastResult == "" {
			lastResult = truncate("error: "+errText, s.cfg.ResultMaxChars)
		}
	}

	if err := s.cfg.Store.CompleteTaskRun(ctx, taskID, nextPtr, now, lastResult); err != nil {
		return err
	}
	if err := s.cfg.Store.AppendTaskRunLog(ctx, persistence.TaskRunLog{
		TaskID:     taskID,
		RunAt:      now,
		DurationMS: duration.Milliseconds(),
		Status:     status,
		Result:     result,
		Error:      errText,
	}); err != nil {
		return err
	}

	ev := bus.TaskRunEvent{
		TaskID:     taskID,
		Folder:     t.GroupFolder,
		DurationMS: duration.Milliseconds(),
		Error:      errText,
	}
	if runErr != nil {
		s.publish(bus.TopicTaskFailed, ev)
	} else {
		s.publish(bus.TopicTaskCompleted, ev)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (s *Service) publish(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}
