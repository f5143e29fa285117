package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/groupmux/internal/audit"
	"github.com/basket/groupmux/internal/bus"
	"github.com/basket/groupmux/internal/group"
	"github.com/basket/groupmux/internal/persistence"
)

// ScheduleRequest is a validated schedule_task command ready for the
// scheduler.
type ScheduleRequest struct {
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
}

// Tasks is what the dispatcher needs from the scheduler.
type Tasks interface {
	Schedule(ctx context.Context, req ScheduleRequest) (persistence.ScheduledTask, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	// Owner returns the folder the task belongs to, for authorization.
	Owner(ctx context.Context, id string) (string, error)
}

// Registry is what the dispatcher needs from the group registry.
type Registry interface {
	Register(ctx context.Context, g group.Registered) error
	Refresh(ctx context.Context) error
	ByFolder(ctx context.Context, folder string) (group.Registered, error)
}

// Sessions is what the dispatcher needs from the session manager.
type Sessions interface {
	Clear(ctx context.Context, folder string) error
	Archive(ctx context.Context, folder, name, content string) (int64, error)
	Resume(ctx context.Context, folder string, archiveID int64) error
	Search(ctx context.Context, folder, query string) ([]persistence.SessionArchive, error)
}

// Outbound delivers chat messages through a channel adapter.
type Outbound interface {
	Send(ctx context.Context, channel, chatJID, text string) error
	SendMedia(ctx context.Context, channel, chatJID, path, caption string) error
}

// DispatcherConfig wires the dispatcher's dependencies.
type DispatcherConfig struct {
	Paths           group.Paths
	MainGroupFolder string
	Tasks           Tasks
	Registry        Registry
	Sessions        Sessions
	Outbound        Outbound
	Logger          *slog.Logger
	Bus             *bus.Bus // optional
}

// Dispatcher validates, authorizes and executes mailbox command files.
// Failed files are moved to the errors directory, never silently dropped.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, logger: logger.With("component", "ipc")}
}

// ProcessCommandsDir handles every pending command file for a group, in
// arrival order.
func (d *Dispatcher) ProcessCommandsDir(ctx context.Context, folder string) error {
	files, err := ListMailboxFiles(d.cfg.Paths.IPCCommandsDir(folder))
	if err != nil {
		return err
	}
	for _, path := range files {
		d.processFile(ctx, folder, path)
	}
	return nil
}

// ProcessMessagesDir handles a group's outbound message files: each file's
// text is delivered to the group's own chat.
func (d *Dispatcher) ProcessMessagesDir(ctx context.Context, folder string) error {
	files, err := ListMailboxFiles(d.cfg.Paths.IPCMessagesDir(folder))
	if err != nil {
		return err
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			d.logger.Warn("read message file", "path", path, "error", err)
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			_ = os.Remove(path)
			continue
		}
		g, err := d.cfg.Registry.ByFolder(ctx, folder)
		if err != nil {
			d.reject(folder, path, "message", fmt.Sprintf("unknown group: %v", err))
			continue
		}
		if err := d.cfg.Outbound.Send(ctx, g.Channel, g.JID, text); err != nil {
			d.reject(folder, path, "message", fmt.Sprintf("deliver: %v", err))
			continue
		}
		_ = os.Remove(path)
	}
	return nil
}

func (d *Dispatcher) processFile(ctx context.Context, folder, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("read command file", "path", path, "error", err)
		return
	}

	cmd, err := DecodeCommand(data)
	if err == nil {
		err = cmd.Validate()
	}
	if err != nil {
		d.logger.Warn("malformed command", "folder", folder, "file", filepath.Base(path), "error", err)
		d.publish(bus.TopicIPCMalformed, bus.CommandEvent{Command: cmd.Type, SourceGroup: folder})
		audit.Record("deny", "malformed", err.Error(), folder)
		d.reject(folder, path, cmd.Type, err.Error())
		return
	}

	src := group.AuthContext{
		SourceFolder: folder,
		IsMain:       folder == d.cfg.MainGroupFolder,
	}
	if err := d.execute(ctx, src, cmd); err != nil {
		if isDenied(err) {
			d.logger.Warn("command denied", "folder", folder, "type", cmd.Type, "error", err)
			d.publish(bus.TopicIPCAuthDenied, bus.CommandEvent{Command: cmd.Type, SourceGroup: folder})
			audit.Record("deny", cmd.Type, err.Error(), folder)
		} else {
			d.logger.Error("command failed", "folder", folder, "type", cmd.Type, "error", err)
			audit.Record("error", cmd.Type, err.Error(), folder)
		}
		d.reject(folder, path, cmd.Type, err.Error())
		return
	}

	audit.Record("allow", cmd.Type, "", folder)
	d.publish(bus.TopicIPCCommand, bus.CommandEvent{Command: cmd.Type, SourceGroup: folder})
	_ = os.Remove(path)
}

// deniedError marks authorization failures apart from execution failures.
type deniedError struct{ msg string }

func (e deniedError) Error() string { return e.msg }

func denied(format string, args ...any) error {
	return deniedError{msg: fmt.Sprintf(format, args...)}
}

func isDenied(err error) bool {
	_, ok := err.(deniedError)
	return ok
}

func (d *Dispatcher) execute(ctx context.Context, src group.AuthContext, cmd Command) error {
	policy := group.NewPolicy(src)
	target := cmd.TargetGroup
	if target == "" {
		target = src.SourceFolder
	}

	switch cmd.Type {
	case CmdSendMessage:
		return d.sendMessage(ctx, policy, src, target, cmd)
	case CmdSendMedia:
		return d.sendMedia(ctx, policy, src, target, cmd)
	case CmdScheduleTask:
		return d.scheduleTask(ctx, policy, src, target, cmd)
	case CmdPauseTask, CmdResumeTask, CmdCancelTask:
		return d.manageTask(ctx, policy, cmd)
	case CmdRegisterGroup:
		if !policy.CanRegisterGroup() {
			return denied("register_group requires the main group")
		}
		requiresTrigger := true
		if cmd.RequiresTrigger != nil {
			requiresTrigger = *cmd.RequiresTrigger
		}
		return d.cfg.Registry.Register(ctx, group.Registered{
			JID:             cmd.JID,
			Name:            cmd.Name,
			Folder:          cmd.Folder,
			Trigger:         cmd.Trigger,
			Channel:         cmd.Channel,
			RequiresTrigger: requiresTrigger,
		})
	case CmdRefreshGroups:
		if !policy.CanRefreshGroups() {
			return denied("refresh_groups requires the main group")
		}
		return d.cfg.Registry.Refresh(ctx)
	case CmdClearSession:
		if !policy.CanManageSession(target) {
			return denied("clear_session denied for target %q", target)
		}
		return d.cfg.Sessions.Clear(ctx, target)
	case CmdArchiveSession:
		if !policy.CanManageSession(target) {
			return denied("archive_session denied for target %q", target)
		}
		_, err := d.cfg.Sessions.Archive(ctx, target, cmd.Name, cmd.Content)
		return err
	case CmdResumeSession:
		if !policy.CanManageSession(target) {
			return denied("resume_session denied for target %q", target)
		}
		return d.cfg.Sessions.Resume(ctx, target, cmd.ArchiveID)
	case CmdSearchSessions:
		if !policy.CanManageSession(target) {
			return denied("search_sessions denied for target %q", target)
		}
		results, err := d.cfg.Sessions.Search(ctx, target, cmd.Query)
		if err != nil {
			return err
		}
		return d.writeSearchResults(src.SourceFolder, results)
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (d *Dispatcher) sendMessage(ctx context.Context, policy group.Policy, src group.AuthContext, target string, cmd Command) error {
	if !policy.CanSendMessage(target) {
		return denied("send_message denied for target %q", target)
	}
	g, err := d.cfg.Registry.ByFolder(ctx, target)
	if err != nil {
		return fmt.Errorf("resolve target group: %w", err)
	}
	chatJID := cmd.ChatJID
	if chatJID == "" {
		chatJID = g.JID
	}
	return d.cfg.Outbound.Send(ctx, g.Channel, chatJID, cmd.Text)
}

func (d *Dispatcher) sendMedia(ctx context.Context, policy group.Policy, src group.AuthContext, target string, cmd Command) error {
	if !policy.CanSendMessage(target) {
		return denied("send_media denied for target %q", target)
	}
	g, err := d.cfg.Registry.ByFolder(ctx, target)
	if err != nil {
		return fmt.Errorf("resolve target group: %w", err)
	}

	// Media paths must stay inside the source group's directory. The check
	// runs on the cleaned absolute path so ".." segments cannot escape.
	groupDir, err := filepath.Abs(d.cfg.Paths.GroupDir(src.SourceFolder))
	if err != nil {
		return fmt.Errorf("resolve group dir: %w", err)
	}
	mediaPath := cmd.Path
	if !filepath.IsAbs(mediaPath) {
		mediaPath = filepath.Join(groupDir, mediaPath)
	}
	mediaPath = filepath.Clean(mediaPath)
	if mediaPath != groupDir && !strings.HasPrefix(mediaPath, groupDir+string(filepath.Separator)) {
		return denied("send_media path escapes group directory")
	}
	if _, err := os.Stat(mediaPath); err != nil {
		return fmt.Errorf("media file: %w", err)
	}

	chatJID := cmd.ChatJID
	if chatJID == "" {
		chatJID = g.JID
	}
	return d.cfg.Outbound.SendMedia(ctx, g.Channel, chatJID, mediaPath, cmd.Caption)
}

func (d *Dispatcher) scheduleTask(ctx context.Context, policy group.Policy, src group.AuthContext, target string, cmd Command) error {
	if !policy.CanScheduleTask(target) {
		return denied("schedule_task denied for target %q", target)
	}
	g, err := d.cfg.Registry.ByFolder(ctx, target)
	if err != nil {
		return fmt.Errorf("resolve target group: %w", err)
	}
	chatJID := cmd.ChatJID
	if chatJID == "" {
		chatJID = g.JID
	}
	_, err = d.cfg.Tasks.Schedule(ctx, ScheduleRequest{
		GroupFolder:   target,
		ChatJID:       chatJID,
		Prompt:        cmd.Prompt,
		ScheduleType:  cmd.ScheduleType,
		ScheduleValue: cmd.ScheduleValue,
		ContextMode:   cmd.ContextMode,
	})
	return err
}

func (d *Dispatcher) manageTask(ctx context.Context, policy group.Policy, cmd Command) error {
	owner, err := d.cfg.Tasks.Owner(ctx, cmd.TaskID)
	if err != nil {
		return fmt.Errorf("resolve task owner: %w", err)
	}
	if !policy.CanManageTask(owner) {
		return denied("%s denied for task %q owned by %q", cmd.Type, cmd.TaskID, owner)
	}
	switch cmd.Type {
	case CmdPauseTask:
		return d.cfg.Tasks.Pause(ctx, cmd.TaskID)
	case CmdResumeTask:
		return d.cfg.Tasks.Resume(ctx, cmd.TaskID)
	default:
		return d.cfg.Tasks.Cancel(ctx, cmd.TaskID)
	}
}

// writeSearchResults delivers search output back to the worker through its
// input directory, one JSON line per archive.
func (d *Dispatcher) writeSearchResults(folder string, results []persistence.SessionArchive) error {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("found %d archived sessions\n", len(results)))
	for _, a := range results {
		b.WriteString(fmt.Sprintf("[%d] %s (session %s, archived %s)\n",
			a.ID, a.Name, a.SessionID, a.ArchivedAt.Format("2006-01-02 15:04")))
	}
	_, err := WriteInput(d.cfg.Paths.IPCInputDir(folder), b.String())
	return err
}

func (d *Dispatcher) reject(folder, path, cmdType, reason string) {
	d.logger.Debug("rejecting mailbox file", "folder", folder, "type", cmdType, "reason", reason)
	if err := MoveToErrors(d.cfg.Paths.IPCErrorsDir(), folder, path); err != nil {
		d.logger.Error("move to errors failed", "path", path, "error", err)
	}
}

func (d *Dispatcher) publish(topic string, payload any) {
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(topic, payload)
	}
}
