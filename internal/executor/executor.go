// Package executor runs worker turns. It owns the execution queue, buffers
// inbound chat messages per group, supervises containers through the runner
// and routes results back to chats and the scheduler.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/groupmux/internal/bus"
	"github.com/basket/groupmux/internal/channels"
	"github.com/basket/groupmux/internal/group"
	"github.com/basket/groupmux/internal/ipc"
	"github.com/basket/groupmux/internal/poll"
	"github.com/basket/groupmux/internal/queue"
	"github.com/basket/groupmux/internal/registry"
	"github.com/basket/groupmux/internal/runner"
	"github.com/basket/groupmux/internal/scheduler"
	"github.com/basket/groupmux/internal/session"
)

// Config wires the executor's dependencies and tuning.
type Config struct {
	Paths           group.Paths
	MainGroupFolder string

	Registry  *registry.Service
	Sessions  *session.Manager
	Scheduler *scheduler.Service
	Runtime   runner.Runtime
	Outbound  ipc.Outbound

	Logger *slog.Logger
	Bus    *bus.Bus // optional

	ContainerImage    string
	ContainerMemoryMB int64
	ContainerNetwork  string
	ContainerEnv      []string

	IdleTimeout     time.Duration
	HardTimeout     time.Duration
	MaxOutputBytes  int64
	IPCPollInterval time.Duration

	MaxConcurrent int
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
}

// Executor schedules and supervises all worker turns.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	queue  *queue.Queue

	inboxMu sync.Mutex
	inbox   map[string][]channels.InboundMessage

	activeMu sync.Mutex
	active   map[string]*runner.Worker

	inputLoop *poll.Loop
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IPCPollInterval <= 0 {
		cfg.IPCPollInterval = time.Second
	}

	e := &Executor{
		cfg:    cfg,
		logger: logger.With("component", "executor"),
		inbox:  make(map[string][]channels.InboundMessage),
		active: make(map[string]*runner.Worker),
	}
	e.queue = queue.New(queue.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
		RetryBase:     cfg.RetryBase,
		RetryMax:      cfg.RetryMax,
		Launch:        e.launch,
		Nudge:         e.nudge,
		Drop:          e.dropTask,
		Logger:        logger,
		Bus:           cfg.Bus,
	})
	e.inputLoop = poll.NewLoop("worker_input", cfg.IPCPollInterval, 0, e.scanInputDirs, e.logger)
	return e
}

// Start begins the input-dir poll loop. ctx bounds all worker turns.
func (e *Executor) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.inputLoop.Start(e.ctx)
}

// Stop shuts down gracefully: no new turns start, active containers are
// detached (left running) so in-flight agent work is not destroyed.
func (e *Executor) Stop() {
	e.inputLoop.Stop()
	e.queue.Close()

	e.activeMu.Lock()
	for folder, w := range e.active {
		e.logger.Warn("detaching from active worker on shutdown",
			"folder", folder, "container", w.ContainerID())
		w.CloseStdin()
	}
	e.activeMu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// QueueStats reports queue depth for metrics.
func (e *Executor) QueueStats() (active, waiting int) {
	return e.queue.Len()
}

// HandleInbound receives a chat message from a channel adapter. Unregistered
// chats and untriggered messages are dropped; everything else is piped into
// the group's active worker or queued for the next turn.
func (e *Executor) HandleInbound(msg channels.InboundMessage) {
	g, ok := e.cfg.Registry.ByJID(msg.ChatJID)
	if !ok {
		e.logger.Debug("message from unregistered chat", "chat_jid", msg.ChatJID, "channel", msg.Channel)
		return
	}
	if g.RequiresTrigger && g.Trigger != "" &&
		!strings.Contains(strings.ToLower(msg.Text), strings.ToLower(g.Trigger)) {
		return
	}

	// An active worker gets the message immediately as a follow-up; the
	// conversation continues inside the same turn.
	e.activeMu.Lock()
	w := e.active[g.Folder]
	e.activeMu.Unlock()
	if w != nil {
		if err := w.SendFollowUp(formatMessage(msg)); err == nil {
			return
		}
		// Stdin already closed; fall through and queue for the next turn.
	}

	e.inboxMu.Lock()
	e.inbox[g.Folder] = append(e.inbox[g.Folder], msg)
	e.inboxMu.Unlock()
	e.queue.EnqueueMessages(g.Folder)
}

// SubmitTask hands a claimed scheduled-task run to the queue. Wired as the
// scheduler's submit callback.
func (e *Executor) SubmitTask(folder string, task queue.Task) {
	e.queue.EnqueueTask(folder, task)
}

// dropTask records a failed run for a task discarded after retry exhaustion.
// CompleteRun re-installs the next occurrence, so recurring tasks keep firing
// once the group recovers instead of staying claimed forever.
func (e *Executor) dropTask(folder string, task queue.Task) {
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	dropErr := fmt.Errorf("worker retries exhausted before task ran")
	if err := e.cfg.Scheduler.CompleteRun(ctx, task.ID, "", dropErr, 0); err != nil {
		e.logger.Error("dropped task bookkeeping failed", "task_id", task.ID, "folder", folder, "error", err)
	}
}

// nudge asks a group's active worker to wrap up, both in-process and via the
// input-dir sentinel so the worker's own tooling can react.
func (e *Executor) nudge(folder string) {
	if err := ipc.WriteCloseSentinel(e.cfg.Paths.IPCInputDir(folder)); err != nil {
		e.logger.Warn("write close sentinel failed", "folder", folder, "error", err)
	}
}

func (e *Executor) drainInbox(folder string) []channels.InboundMessage {
	e.inboxMu.Lock()
	defer e.inboxMu.Unlock()
	msgs := e.inbox[folder]
	delete(e.inbox, folder)
	return msgs
}

func formatMessage(msg channels.InboundMessage) string {
	if msg.Sender == "" {
		return msg.Text
	}
	return fmt.Sprintf("[%s] %s", msg.Sender, msg.Text)
}

// launch is the queue's callback: it runs one worker turn in a goroutine.
func (e *Executor) launch(folder string, reason queue.Reason, task *queue.Task) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTurn(folder, reason, task)
	}()
}

func (e *Executor) runTurn(folder string, reason queue.Reason, task *queue.Task) {
	ctx := e.ctx
	start := time.Now()

	// Started/finished events must pair up for the active-worker gauge.
	finish := func(failed bool) {
		e.publish(bus.TopicWorkerFinished, bus.WorkerEvent{Folder: folder, Reason: string(reason)})
		e.queue.WorkerFinished(folder, failed)
	}

	g, err := e.cfg.Registry.ByFolder(ctx, folder)
	if err != nil {
		e.logger.Error("turn for unknown group", "folder", folder, "error", err)
		if task != nil {
			_ = e.cfg.Scheduler.CompleteRun(ctx, task.ID, "", fmt.Errorf("group %q not registered", folder), 0)
		}
		finish(false)
		return
	}

	input, mode, ok := e.buildInput(g, reason, task)
	if !ok {
		// Nothing to do (duplicate message submits drained already).
		finish(false)
		return
	}

	res, runErr := e.superviseWorker(ctx, g, input)
	duration := time.Since(start)
	failed := runErr != nil || res.Failed()

	last, hasOutput := res.LastOutput()
	if hasOutput && mode == group.ContextShared && last.SessionID != "" {
		if err := e.cfg.Sessions.Update(ctx, folder, last.SessionID); err != nil {
			e.logger.Error("session update failed", "folder", folder, "error", err)
		}
	}
	if hasOutput && last.Result != "" {
		if err := e.cfg.Outbound.Send(ctx, g.Channel, input.ChatJID, last.Result); err != nil {
			e.logger.Error("result delivery failed", "folder", folder, "error", err)
		}
	}

	if task != nil {
		var taskErr error
		if runErr != nil {
			taskErr = runErr
		} else if res.Failed() {
			taskErr = fmt.Errorf("worker exited %d (truncated=%v)", res.ExitCode, res.Truncated)
		}
		if err := e.cfg.Scheduler.CompleteRun(ctx, task.ID, last.Result, taskErr, duration); err != nil {
			e.logger.Error("task completion bookkeeping failed", "task_id", task.ID, "error", err)
		}
	}

	e.logger.Info("worker turn finished",
		"folder", folder, "reason", reason, "failed", failed, "duration", duration)
	finish(failed)
}

// buildInput assembles the stdin document for a turn. ok is false when a
// message turn has no buffered messages.
func (e *Executor) buildInput(g group.Registered, reason queue.Reason, task *queue.Task) (runner.Input, group.ContextMode, bool) {
	isMain := g.Folder == e.cfg.MainGroupFolder

	if reason == queue.ReasonTask && task != nil {
		mode := group.ParseContextMode(task.ContextMode)
		sessionID, _ := e.cfg.Sessions.Resolve(g.Folder, mode)
		chatJID := task.ChatJID
		if chatJID == "" {
			chatJID = g.JID
		}
		return runner.Input{
			Prompt:          task.Prompt,
			SessionID:       sessionID,
			GroupFolder:     g.Folder,
			ChatJID:         chatJID,
			IsMain:          isMain,
			IsScheduledTask: true,
		}, mode, true
	}

	msgs := e.drainInbox(g.Folder)
	if len(msgs) == 0 {
		return runner.Input{}, group.ContextShared, false
	}
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = formatMessage(m)
	}
	sessionID, _ := e.cfg.Sessions.Resolve(g.Folder, group.ContextShared)
	return runner.Input{
		Prompt:      strings.Join(lines, "\n"),
		SessionID:   sessionID,
		GroupFolder: g.Folder,
		ChatJID:     g.JID,
		IsMain:      isMain,
	}, group.ContextShared, true
}

func (e *Executor) superviseWorker(ctx context.Context, g group.Registered, input runner.Input) (runner.Result, error) {
	hard := e.cfg.HardTimeout
	if g.ContainerConfig != nil && g.ContainerConfig.TimeoutSeconds > 0 {
		if t := time.Duration(g.ContainerConfig.TimeoutSeconds) * time.Second; t > hard {
			hard = t
		}
	}

	spec := runner.StartSpec{
		Image: e.cfg.ContainerImage,
		Name:  fmt.Sprintf("groupmux-%s-%s", g.Folder, uuid.NewString()[:8]),
		Env:   append([]string(nil), e.cfg.ContainerEnv...),
		Binds: []string{
			fmt.Sprintf("%s:/workspace", e.cfg.Paths.GroupDir(g.Folder)),
			fmt.Sprintf("%s:/ipc", e.cfg.Paths.IPCDir(g.Folder)),
		},
		WorkingDir: "/workspace",
		MemoryMB:   e.cfg.ContainerMemoryMB,
		Network:    e.cfg.ContainerNetwork,
	}

	w, err := runner.StartWorker(ctx, runner.Config{
		Runtime:        e.cfg.Runtime,
		Logger:         e.logger,
		IdleTimeout:    e.cfg.IdleTimeout,
		HardTimeout:    hard,
		MaxOutputBytes: e.cfg.MaxOutputBytes,
		OnIdle: func() {
			e.publish(bus.TopicWorkerIdle, bus.WorkerEvent{GroupJID: g.JID, Folder: g.Folder})
		},
	}, spec, input, nil)
	if err != nil {
		return runner.Result{ExitCode: -1}, err
	}

	e.activeMu.Lock()
	e.active[g.Folder] = w
	e.activeMu.Unlock()
	defer func() {
		e.activeMu.Lock()
		delete(e.active, g.Folder)
		e.activeMu.Unlock()
	}()

	return w.Wait(ctx)
}

// scanInputDirs delivers input-dir files to active workers: the close
// sentinel half-closes stdin, anything else is piped as a follow-up prompt.
func (e *Executor) scanInputDirs(ctx context.Context) error {
	e.activeMu.Lock()
	workers := make(map[string]*runner.Worker, len(e.active))
	for folder, w := range e.active {
		workers[folder] = w
	}
	e.activeMu.Unlock()

	for folder, w := range workers {
		files, err := ipc.ListMailboxFiles(e.cfg.Paths.IPCInputDir(folder))
		if err != nil {
			e.logger.Warn("scan input dir", "folder", folder, "error", err)
			continue
		}
		for _, path := range files {
			if filepath.Base(path) == ipc.CloseSentinel {
				w.CloseStdin()
				_ = os.Remove(path)
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				e.logger.Warn("read input file", "path", path, "error", err)
				continue
			}
			if text := strings.TrimSpace(string(data)); text != "" {
				if err := w.SendFollowUp(text); err != nil {
					// Worker is winding down; leave the file for the next turn.
					continue
				}
			}
			_ = os.Remove(path)
		}
	}
	return nil
}

func (e *Executor) publish(topic string, payload any) {
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(topic, payload)
	}
}
