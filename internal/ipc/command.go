// Package ipc is the file-mailbox command surface. Workers drop JSON command
// files into their group's commands directory; the host validates,
// authorizes and executes them. Files are the only channel between worker
// containers and the host.
package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Command types accepted from workers.
const (
	CmdSendMessage    = "send_message"
	CmdSendMedia      = "send_media"
	CmdScheduleTask   = "schedule_task"
	CmdPauseTask      = "pause_task"
	CmdResumeTask     = "resume_task"
	CmdCancelTask     = "cancel_task"
	CmdRegisterGroup  = "register_group"
	CmdRefreshGroups  = "refresh_groups"
	CmdClearSession   = "clear_session"
	CmdArchiveSession = "archive_session"
	CmdResumeSession  = "resume_session"
	CmdSearchSessions = "search_sessions"
)

// envelopeSchema rejects files that are not a JSON object with a known type
// before any field-level decoding happens.
const envelopeSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {
			"type": "string",
			"enum": [
				"send_message", "send_media",
				"schedule_task", "pause_task", "resume_task", "cancel_task",
				"register_group", "refresh_groups",
				"clear_session", "archive_session", "resume_session", "search_sessions"
			]
		}
	}
}`

var compiledEnvelope = mustCompileEnvelope()

func mustCompileEnvelope() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		panic(fmt.Sprintf("ipc: parse envelope schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ipc-envelope.json", doc); err != nil {
		panic(fmt.Sprintf("ipc: add envelope schema: %v", err))
	}
	schema, err := c.Compile("ipc-envelope.json")
	if err != nil {
		panic(fmt.Sprintf("ipc: compile envelope schema: %v", err))
	}
	return schema
}

// Command is the decoded union of all mailbox commands. Fields are populated
// per Type; TargetGroup defaults to the source group when empty.
type Command struct {
	Type string `json:"type"`

	// send_message / send_media
	ChatJID string `json:"chat_jid,omitempty"`
	Text    string `json:"text,omitempty"`
	Path    string `json:"path,omitempty"`
	Caption string `json:"caption,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"task_id,omitempty"`

	// register_group. Name doubles as the archive name for archive_session.
	JID             string `json:"jid,omitempty"`
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	Channel         string `json:"channel,omitempty"`
	RequiresTrigger *bool  `json:"requires_trigger,omitempty"`

	// archive_session / resume_session / search_sessions
	Content   string `json:"content,omitempty"`
	ArchiveID int64  `json:"archive_id,omitempty"`
	Query     string `json:"query,omitempty"`

	// Cross-group targeting, main group only.
	TargetGroup string `json:"target_group,omitempty"`
}

// DecodeCommand validates the envelope against the schema, then decodes the
// full command. The raw bytes are parsed exactly once per representation.
func DecodeCommand(data []byte) (Command, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Command{}, fmt.Errorf("parse command json: %w", err)
	}
	if err := compiledEnvelope.Validate(doc); err != nil {
		return Command{}, fmt.Errorf("invalid command envelope: %w", err)
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}

// Validate checks per-type required fields after envelope validation.
func (c Command) Validate() error {
	switch c.Type {
	case CmdSendMessage:
		if c.Text == "" {
			return fmt.Errorf("send_message: text required")
		}
	case CmdSendMedia:
		if c.Path == "" {
			return fmt.Errorf("send_media: path required")
		}
	case CmdScheduleTask:
		if c.Prompt == "" {
			return fmt.Errorf("schedule_task: prompt required")
		}
		if c.ScheduleType == "" || c.ScheduleValue == "" {
			return fmt.Errorf("schedule_task: schedule_type and schedule_value required")
		}
	case CmdPauseTask, CmdResumeTask, CmdCancelTask:
		if c.TaskID == "" {
			return fmt.Errorf("%s: task_id required", c.Type)
		}
	case CmdRegisterGroup:
		if c.JID == "" || c.Folder == "" {
			return fmt.Errorf("register_group: jid and folder required")
		}
	case CmdArchiveSession:
		if c.Name == "" {
			return fmt.Errorf("archive_session: name required")
		}
	case CmdResumeSession:
		if c.ArchiveID == 0 {
			return fmt.Errorf("resume_session: archive_id required")
		}
	case CmdSearchSessions:
		if c.Query == "" {
			return fmt.Errorf("search_sessions: query required")
		}
	case CmdRefreshGroups, CmdClearSession:
		// No extra fields.
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}
