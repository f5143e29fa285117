package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/groupmux/internal/bus"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("scheduled task not found")

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is a persistent recurring or one-shot job for a group.
// NextRun is nil while a claim is outstanding or when the task is not active.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  ScheduleType
	ScheduleValue string
	ContextMode   string
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        TaskStatus
	CreatedAt     time.Time
}

// TaskRunLog is one append-only record of a task firing.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	RunAt      time.Time
	DurationMS int64
	Status     string // "success" or "error"
	Result     string
	Error      string
}

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	context_mode, next_run, last_run, COALESCE(last_result, ''), status, created_at`

func scanScheduledTask(scan func(dest ...any) error) (ScheduledTask, error) {
	var (
		t       ScheduledTask
		nextRun sql.NullTime
		lastRun sql.NullTime
	)
	err := scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.ContextMode, &nextRun, &lastRun, &t.LastResult,
		&t.Status, &t.CreatedAt)
	if err != nil {
		return ScheduledTask{}, err
	}
	if nextRun.Valid {
		t.NextRun = &nextRun.Time
	}
	if lastRun.Valid {
		t.LastRun = &lastRun.Time
	}
	return t, nil
}

// CreateScheduledTask inserts a new task row.
func (s *Store) CreateScheduledTask(ctx context.Context, t ScheduledTask) error {
	var nextRun any
	if t.NextRun != nil {
		nextRun = t.NextRun.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (
				id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
				context_mode, next_run, status
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
			t.ContextMode, nextRun, TaskActive)
		if err != nil {
			return fmt.Errorf("create scheduled task: %w", err)
		}
		return nil
	})
}

// GetScheduledTask returns the task or ErrTaskNotFound.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?;`, id)
	t, err := scanScheduledTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, ErrTaskNotFound
	}
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("get scheduled task: %w", err)
	}
	return t, nil
}

// ListScheduledTasks returns all tasks, newest first.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at DESC, id;`)
}

// ListScheduledTasksForGroup returns a group's tasks, newest first.
func (s *Store) ListScheduledTasksForGroup(ctx context.Context, folder string) ([]ScheduledTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at DESC, id;`,
		folder)
}

// DueScheduledTasks returns active tasks whose next_run has passed, oldest
// due first.
func (s *Store) DueScheduledTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run, id;
	`, TaskActive, now.UTC())
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled task rows: %w", err)
	}
	return out, nil
}

// ClaimScheduledTask performs the atomic claim: next_run is nulled only if
// the row is still active with a due time set. A false return means another
// tick (or another process) already claimed it.
func (s *Store) ClaimScheduledTask(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET next_run = NULL
			WHERE id = ? AND status = ? AND next_run IS NOT NULL;
		`, id, TaskActive)
		if err != nil {
			return fmt.Errorf("claim scheduled task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		claimed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if claimed {
		s.publish(bus.TopicTaskClaimed, bus.TaskRunEvent{TaskID: id})
	}
	return claimed, nil
}

// RestoreScheduledTaskDue re-installs a due time on a claimed task, used
// when the claimed task cannot run (e.g. its group vanished) so it is
// retried next tick instead of being lost.
func (s *Store) RestoreScheduledTaskDue(ctx context.Context, id string, due time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET next_run = ?
			WHERE id = ? AND status = ? AND next_run IS NULL;
		`, due.UTC(), id, TaskActive)
		if err != nil {
			return fmt.Errorf("restore scheduled task due: %w", err)
		}
		return nil
	})
}

// CompleteTaskRun records the outcome of a firing: next_run, last_run and
// last_result are written, and the task flips to completed when there is no
// next occurrence.
func (s *Store) CompleteTaskRun(ctx context.Context, id string, nextRun *time.Time, lastRun time.Time, lastResult string) error {
	var next any
	if nextRun != nil {
		next = nextRun.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET next_run = ?,
			    last_run = ?,
			    last_result = ?,
			    status = CASE WHEN ? IS NULL THEN 'completed' ELSE status END
			WHERE id = ?;
		`, next, lastRun.UTC(), lastResult, next, id)
		if err != nil {
			return fmt.Errorf("complete task run: %w", err)
		}
		return nil
	})
}

// PauseScheduledTask stops a task from firing. The due time is cleared to
// hold the no-claim-while-inactive invariant; Resume recomputes it.
func (s *Store) PauseScheduledTask(ctx context.Context, id string) error {
	return s.setTaskStatus(ctx, id, TaskPaused, nil)
}

// ResumeScheduledTask reactivates a paused task with a fresh due time.
func (s *Store) ResumeScheduledTask(ctx context.Context, id string, nextRun *time.Time) error {
	return s.setTaskStatus(ctx, id, TaskActive, nextRun)
}

func (s *Store) setTaskStatus(ctx context.Context, id string, status TaskStatus, nextRun *time.Time) error {
	var next any
	if nextRun != nil {
		next = nextRun.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET status = ?, next_run = ? WHERE id = ?;
		`, status, next, id)
		if err != nil {
			return fmt.Errorf("set task status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set task status rows affected: %w", err)
		}
		if n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// DeleteScheduledTask removes a task and its run log rows.
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?;`, id); err != nil {
			return fmt.Errorf("delete task run logs: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete scheduled task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete task rows affected: %w", err)
		}
		if n == 0 {
			return ErrTaskNotFound
		}
		return tx.Commit()
	})
}

// AppendTaskRunLog inserts one run-log row. Run logs are never mutated.
func (s *Store) AppendTaskRunLog(ctx context.Context, log TaskRunLog) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
			VALUES (?, ?, ?, ?, ?, ?);
		`, log.TaskID, log.RunAt.UTC(), log.DurationMS, log.Status, log.Result, log.Error)
		if err != nil {
			return fmt.Errorf("append task run log: %w", err)
		}
		return nil
	})
}

// ListTaskRunLogs returns a task's run history, newest first.
func (s *Store) ListTaskRunLogs(ctx context.Context, taskID string) ([]TaskRunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, duration_ms, status, COALESCE(result, ''), COALESCE(error, '')
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY run_at DESC, id DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task run logs: %w", err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.RunAt, &l.DurationMS, &l.Status, &l.Result, &l.Error); err != nil {
			return nil, fmt.Errorf("scan task run log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task run log rows: %w", err)
	}
	return out, nil
}
