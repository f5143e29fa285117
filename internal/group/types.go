// Package group holds the tenant registry domain: registered groups, the
// authorization policy applied to IPC commands, and the on-disk layout of
// per-group directories.
package group

import "time"

// ContainerConfig carries per-group worker overrides.
type ContainerConfig struct {
	// TimeoutSeconds overrides the global container timeout when > 0.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Registered is a tenant known to the host. Immutable after registration
// except for the container config.
type Registered struct {
	JID             string           `json:"jid"`
	Name            string           `json:"name"`
	Folder          string           `json:"folder"`
	Trigger         string           `json:"trigger"`
	Channel         string           `json:"channel"`
	RequiresTrigger bool             `json:"requires_trigger"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
	AddedAt         time.Time        `json:"added_at"`
}

// ContextMode selects whether a worker continues prior conversation state.
type ContextMode string

const (
	// ContextShared continues the group's current session.
	ContextShared ContextMode = "group"
	// ContextIsolated starts the worker with no session.
	ContextIsolated ContextMode = "isolated"
)

// ParseContextMode normalizes an untrusted mode string, defaulting to isolated.
func ParseContextMode(s string) ContextMode {
	if ContextMode(s) == ContextShared {
		return ContextShared
	}
	return ContextIsolated
}
