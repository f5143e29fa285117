package group

// AuthContext identifies the origin of an IPC command. SourceFolder is
// derived from the mailbox directory the command arrived in, never from the
// payload itself.
type AuthContext struct {
	SourceFolder string
	IsMain       bool
}

// Policy encapsulates authorization checks for a single source context.
// Every check fails closed: the main group may act on any target, other
// groups only on themselves.
type Policy struct {
	ctx AuthContext
}

// NewPolicy creates a Policy for the given context.
func NewPolicy(ctx AuthContext) Policy {
	return Policy{ctx: ctx}
}

// CanSendMessage reports whether the source may deliver text to the target group.
func (p Policy) CanSendMessage(targetFolder string) bool {
	return p.ctx.IsMain || targetFolder == p.ctx.SourceFolder
}

// CanScheduleTask reports whether the source may create a task for the target group.
func (p Policy) CanScheduleTask(targetFolder string) bool {
	return p.ctx.IsMain || targetFolder == p.ctx.SourceFolder
}

// CanManageTask reports whether the source may pause/resume/cancel a task
// owned by taskFolder.
func (p Policy) CanManageTask(taskFolder string) bool {
	return p.ctx.IsMain || taskFolder == p.ctx.SourceFolder
}

// CanRegisterGroup reports whether the source may register new groups.
func (p Policy) CanRegisterGroup() bool {
	return p.ctx.IsMain
}

// CanRefreshGroups reports whether the source may trigger a registry sync.
func (p Policy) CanRefreshGroups() bool {
	return p.ctx.IsMain
}

// CanManageSession reports whether the source may mutate the target group's
// session pointer or archives.
func (p Policy) CanManageSession(targetFolder string) bool {
	return p.ctx.IsMain || targetFolder == p.ctx.SourceFolder
}
