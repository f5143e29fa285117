package group

import "path/filepath"

// Paths centralizes the on-disk layout for group directories and mailboxes.
//
//	<groups>/<folder>           group working directory (mounted into workers)
//	<data>/ipc/<folder>/messages  host-watched inbox: outbound chat replies
//	<data>/ipc/<folder>/commands  host-watched inbox: management commands
//	<data>/ipc/<folder>/input     worker-watched outbox: follow-ups + close sentinel
//	<data>/ipc/errors             failed mailbox files, prefixed with source folder
type Paths struct {
	DataDir   string
	GroupsDir string
}

func (p Paths) GroupDir(folder string) string {
	return filepath.Join(p.GroupsDir, folder)
}

func (p Paths) IPCBaseDir() string {
	return filepath.Join(p.DataDir, "ipc")
}

func (p Paths) IPCDir(folder string) string {
	return filepath.Join(p.DataDir, "ipc", folder)
}

func (p Paths) IPCMessagesDir(folder string) string {
	return filepath.Join(p.DataDir, "ipc", folder, "messages")
}

func (p Paths) IPCCommandsDir(folder string) string {
	return filepath.Join(p.DataDir, "ipc", folder, "commands")
}

func (p Paths) IPCInputDir(folder string) string {
	return filepath.Join(p.DataDir, "ipc", folder, "input")
}

func (p Paths) IPCErrorsDir() string {
	return filepath.Join(p.DataDir, "ipc", "errors")
}
