// Package queue serializes worker execution per group and caps global
// concurrency. Each group has at most one active worker; groups that cannot
// start immediately wait in FIFO order for a free slot. Queued scheduled
// tasks drain before queued messages.
package queue

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/basket/groupmux/internal/bus"
)

// Reason says why a worker was started.
type Reason string

const (
	ReasonMessages Reason = "messages"
	ReasonTask     Reason = "task"
)

// Task is one claimed scheduled-task run waiting behind a group's worker.
type Task struct {
	ID          string
	ChatJID     string
	Prompt      string
	ContextMode string
}

// LaunchFunc starts a worker for a group. task is nil for message runs. The
// queue holds its slot until WorkerFinished is called for the group.
type LaunchFunc func(folder string, reason Reason, task *Task)

// NudgeFunc asks a group's active worker to wrap up its turn, used when a
// scheduled task queues behind it.
type NudgeFunc func(folder string)

// Config carries the queue's tuning and callbacks.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	Launch        LaunchFunc
	Nudge         NudgeFunc // optional
	// Drop receives every queued task discarded when a group exhausts its
	// retries, so the caller can restore the task's claim or record the
	// failure. Optional.
	Drop   func(folder string, task Task)
	Logger *slog.Logger
	Bus    *bus.Bus // optional
}

type groupState struct {
	active          bool
	activeReason    Reason
	pendingMessages bool
	pendingTasks    []Task
	retryCount      int
	retryTimer      *time.Timer
}

func (g *groupState) hasPending() bool {
	return g.pendingMessages || len(g.pendingTasks) > 0
}

// Queue is the per-group execution queue. All state is guarded by one mutex;
// Launch is always invoked outside the lock.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	logger  *slog.Logger
	groups  map[string]*groupState
	waiting []string // FIFO of folders blocked on the global cap
	active  int
	closed  bool
}

// New creates a queue. Launch is required.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		logger: logger.With("component", "queue"),
		groups: make(map[string]*groupState),
	}
}

// EnqueueMessages records that a group has unread messages. Idempotent: a
// group with a worker already pending or active is not queued twice.
func (q *Queue) EnqueueMessages(folder string) {
	q.mu.Lock()
	g := q.group(folder)
	if g.active || g.pendingMessages {
		g.pendingMessages = true
		q.mu.Unlock()
		return
	}
	g.pendingMessages = true
	launch := q.admitLocked(folder, g)
	q.mu.Unlock()
	if launch != nil {
		launch()
	}
}

// EnqueueTask queues a claimed scheduled-task run. If the group's worker is
// already active the task waits behind it and the worker is nudged to finish
// its turn.
func (q *Queue) EnqueueTask(folder string, task Task) {
	q.mu.Lock()
	g := q.group(folder)
	// Claims are exactly-once, but redelivery after a crash mid-submit is
	// possible; the stable task id makes requeueing idempotent.
	if slices.ContainsFunc(g.pendingTasks, func(t Task) bool { return t.ID == task.ID }) {
		q.mu.Unlock()
		return
	}
	g.pendingTasks = append(g.pendingTasks, task)
	if g.active {
		nudge := q.cfg.Nudge
		q.mu.Unlock()
		if nudge != nil {
			nudge(folder)
		}
		return
	}
	launch := q.admitLocked(folder, g)
	q.mu.Unlock()
	if launch != nil {
		launch()
	}
}

// WorkerFinished releases the group's slot. A failed run is retried with
// exponential backoff until MaxRetries; a successful run resets the retry
// counter and drains any pending work, tasks first. Freed slots admit
// waiting groups in FIFO order.
func (q *Queue) WorkerFinished(folder string, failed bool) {
	q.mu.Lock()
	g, ok := q.groups[folder]
	if !ok || !g.active {
		q.mu.Unlock()
		return
	}
	g.active = false
	q.active--

	var launches []func()

	if failed {
		g.retryCount++
		if g.retryCount <= q.cfg.MaxRetries {
			q.scheduleRetryLocked(folder, g)
		} else {
			q.logger.Error("group exhausted retries, dropping pending work",
				"folder", folder, "retries", g.retryCount-1)
			if drop := q.cfg.Drop; drop != nil && len(g.pendingTasks) > 0 {
				dropped := g.pendingTasks
				launches = append(launches, func() {
					for _, t := range dropped {
						drop(folder, t)
					}
				})
			}
			g.retryCount = 0
			g.pendingMessages = false
			g.pendingTasks = nil
			q.publish(bus.TopicWorkerRetry, bus.WorkerEvent{Folder: folder, Reason: "exhausted"})
		}
	} else {
		g.retryCount = 0
		if g.hasPending() {
			if launch := q.admitLocked(folder, g); launch != nil {
				launches = append(launches, launch)
			}
		}
	}

	launches = append(launches, q.admitWaitingLocked()...)
	q.mu.Unlock()

	for _, launch := range launches {
		launch()
	}
}

// Len reports global state for metrics: active workers and waiting groups.
func (q *Queue) Len() (active, waiting int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active, len(q.waiting)
}

// PendingTasks reports how many scheduled-task runs are queued for a group.
func (q *Queue) PendingTasks(folder string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[folder]; ok {
		return len(g.pendingTasks)
	}
	return 0
}

// Close stops retry timers. Pending work is dropped; orphan restore at next
// startup re-installs due times on claimed tasks, and channels redeliver
// unread messages. Each dropped task is logged so the ids are recoverable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for folder, g := range q.groups {
		if g.retryTimer != nil {
			g.retryTimer.Stop()
			g.retryTimer = nil
		}
		for _, t := range g.pendingTasks {
			q.logger.Warn("queued task dropped at shutdown, restored on next start",
				"folder", folder, "task_id", t.ID)
		}
	}
}

func (q *Queue) group(folder string) *groupState {
	g, ok := q.groups[folder]
	if !ok {
		g = &groupState{}
		q.groups[folder] = g
	}
	return g
}

// admitLocked starts a worker for folder if a slot is free, otherwise parks
// it in the waiting list. Returns the launch closure to run outside the lock.
func (q *Queue) admitLocked(folder string, g *groupState) func() {
	if q.closed || g.active || !g.hasPending() {
		return nil
	}
	if q.active >= q.cfg.MaxConcurrent {
		if !slices.Contains(q.waiting, folder) {
			q.waiting = append(q.waiting, folder)
			q.logger.Debug("group waiting for slot", "folder", folder, "waiting", len(q.waiting))
		}
		return nil
	}
	return q.startLocked(folder, g)
}

// startLocked marks the group active and builds the launch closure. Tasks
// drain before messages.
func (q *Queue) startLocked(folder string, g *groupState) func() {
	var (
		reason Reason
		task   *Task
	)
	if len(g.pendingTasks) > 0 {
		reason = ReasonTask
		next := g.pendingTasks[0]
		g.pendingTasks = g.pendingTasks[1:]
		task = &next
	} else {
		reason = ReasonMessages
		g.pendingMessages = false
	}

	g.active = true
	g.activeReason = reason
	q.active++
	q.publish(bus.TopicWorkerStarted, bus.WorkerEvent{Folder: folder, Reason: string(reason)})

	launch := q.cfg.Launch
	logger := q.logger
	return func() {
		logger.Info("worker starting", "folder", folder, "reason", reason)
		launch(folder, reason, task)
	}
}

// admitWaitingLocked fills free slots from the head of the waiting list.
func (q *Queue) admitWaitingLocked() []func() {
	var launches []func()
	for q.active < q.cfg.MaxConcurrent && len(q.waiting) > 0 {
		folder := q.waiting[0]
		q.waiting = q.waiting[1:]
		g, ok := q.groups[folder]
		if !ok || g.active || !g.hasPending() {
			continue
		}
		if launch := q.startLocked(folder, g); launch != nil {
			launches = append(launches, launch)
		}
	}
	return launches
}

// scheduleRetryLocked re-admits a failed group after backoff. The failed
// run's work stays pending so the retry re-attempts it.
func (q *Queue) scheduleRetryLocked(folder string, g *groupState) {
	switch g.activeReason {
	case ReasonMessages:
		g.pendingMessages = true
	case ReasonTask:
		// Task run logs already recorded the failure; the retry re-runs the
		// group for any remaining pending work plus unread messages.
		g.pendingMessages = true
	}

	delay := q.cfg.RetryBase << uint(g.retryCount-1)
	if delay > q.cfg.RetryMax {
		delay = q.cfg.RetryMax
	}
	q.logger.Warn("worker failed, scheduling retry",
		"folder", folder, "attempt", g.retryCount, "delay", delay)
	q.publish(bus.TopicWorkerRetry, bus.WorkerEvent{Folder: folder, Reason: "backoff"})

	if g.retryTimer != nil {
		g.retryTimer.Stop()
	}
	g.retryTimer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		g, ok := q.groups[folder]
		if !ok || q.closed {
			q.mu.Unlock()
			return
		}
		g.retryTimer = nil
		launch := q.admitLocked(folder, g)
		q.mu.Unlock()
		if launch != nil {
			launch()
		}
	})
}

func (q *Queue) publish(topic string, payload any) {
	if q.cfg.Bus != nil {
		q.cfg.Bus.Publish(topic, payload)
	}
}
