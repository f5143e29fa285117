package bus

// Worker lifecycle topics.
const (
	TopicWorkerStarted  = "worker.started"
	TopicWorkerFinished = "worker.finished"
	TopicWorkerIdle     = "worker.idle_shutdown"
	TopicWorkerRetry    = "worker.retry_scheduled"
)

// Scheduled task topics.
const (
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskOrphaned  = "task.orphaned"
)

// IPC topics.
const (
	TopicIPCCommand      = "ipc.command"
	TopicIPCAuthDenied   = "ipc.auth_denied"
	TopicIPCMalformed    = "ipc.malformed"
	TopicOutboundMessage = "ipc.outbound_message"
)

// WorkerEvent is published on worker.* topics.
type WorkerEvent struct {
	GroupJID string
	Folder   string
	Reason   string // "messages" or "task"
}

// TaskRunEvent is published on task.completed / task.failed.
type TaskRunEvent struct {
	TaskID     string
	Folder     string
	DurationMS int64
	Error      string
}

// CommandEvent is published on ipc.* topics.
type CommandEvent struct {
	Command     string
	SourceGroup string
}

// OutboundMessage is published on ipc.outbound_message for every chat
// delivery that went through the router.
type OutboundMessage struct {
	ChatJID string
	Channel string
	Text    string
}
