package blackboard

// PipelineState lives in the Blackboard's global scope under the
// fixed keys below. These typed helpers wrap the generic
// Get/UpdateGlobalStateValue operations so callers don't re-derive the
// key names or the pending_tool/last_tool_result_ref shapes.

const (
	keyPendingTool        = "pending_tool"
	keyLastToolResultRef  = "last_tool_result_ref"
	keyLastToolResultMeta = "last_tool_result_meta"
	keyResumeTarget       = "resume_target"
	keyFlags              = "flags"
	keyScratch            = "scratch"
)

// PendingTool describes the tool or agent call a ToolArguments/Delegator
// phase has queued up for ToolCaller to execute next.
type PendingTool struct {
	Name         string
	Arguments    map[string]any
	ActionInput  any
	CallingAgent string
	Kind         string // "tool" or "agent"
}

// GetPendingTool returns the queued call, if any.
func (b *Blackboard) GetPendingTool() (PendingTool, bool) {
	v := b.GetStateValue(keyPendingTool, nil)
	pt, ok := v.(PendingTool)
	return pt, ok
}

// SetPendingTool queues a call for ToolCaller to execute.
func (b *Blackboard) SetPendingTool(pt PendingTool) {
	b.UpdateGlobalStateValue(keyPendingTool, pt)
}

// ClearPendingTool removes any queued call.
func (b *Blackboard) ClearPendingTool() {
	b.UpdateGlobalStateValue(keyPendingTool, nil)
}

// ToolResultRef is the persisted-artifact pointer a tool result's
// message metadata carries instead of the full payload.
type ToolResultRef struct {
	ToolResultID string
	Path         string
}

// ToolResultMeta captures which tool produced the last result and
// who called it, so after-tool pipeline rules can match on it without
// re-reading the message log.
type ToolResultMeta struct {
	ToolName     string
	ResultType   string
	CallingAgent string
}

func (b *Blackboard) SetLastToolResultRef(ref ToolResultRef) {
	b.UpdateGlobalStateValue(keyLastToolResultRef, ref)
}

func (b *Blackboard) GetLastToolResultRef() (ToolResultRef, bool) {
	v := b.GetStateValue(keyLastToolResultRef, nil)
	ref, ok := v.(ToolResultRef)
	return ref, ok
}

func (b *Blackboard) SetLastToolResultMeta(meta ToolResultMeta) {
	b.UpdateGlobalStateValue(keyLastToolResultMeta, meta)
}

func (b *Blackboard) GetLastToolResultMeta() (ToolResultMeta, bool) {
	v := b.GetStateValue(keyLastToolResultMeta, nil)
	meta, ok := v.(ToolResultMeta)
	return meta, ok
}

// SetResumeTarget/GetResumeTarget track which agent a pipeline rule
// wants control to return to once a side-effecting tool call
// completes.
func (b *Blackboard) SetResumeTarget(agent string) {
	b.UpdateGlobalStateValue(keyResumeTarget, agent)
}

func (b *Blackboard) GetResumeTarget() (string, bool) {
	v := b.GetStateValue(keyResumeTarget, nil)
	s, ok := v.(string)
	return s, ok
}

func (b *Blackboard) ClearResumeTarget() {
	b.UpdateGlobalStateValue(keyResumeTarget, nil)
}

// SetFlag/GetFlag back pipeline-rule guard_key idempotency: a rule
// fires at most once per flag until it is explicitly cleared.
func (b *Blackboard) SetFlag(name string, value bool) {
	flags := b.flagsMap()
	flags[name] = value
	b.UpdateGlobalStateValue(keyFlags, flags)
}

func (b *Blackboard) GetFlag(name string) bool {
	return b.flagsMap()[name]
}

func (b *Blackboard) flagsMap() map[string]bool {
	v := b.GetStateValue(keyFlags, nil)
	if m, ok := v.(map[string]bool); ok {
		return m
	}
	return make(map[string]bool)
}

// Scratch returns the global scratch map, creating it if absent.
// Callers treat the returned map as mutable working storage that
// outlives a single agent turn but is not part of the stable state
// contract (unlike pending_tool/flags).
func (b *Blackboard) Scratch() map[string]any {
	v := b.GetStateValue(keyScratch, nil)
	if m, ok := v.(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	b.UpdateGlobalStateValue(keyScratch, m)
	return m
}
