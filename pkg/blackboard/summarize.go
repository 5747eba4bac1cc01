package blackboard

// Summarization helpers back the Blackboard-summarizer agent, which
// periodically compacts older tool/agent traffic into a single
// tool_result_summary message so prompts don't grow without bound.
//
// A "plan" boundary marks the most recent planner_result message; the
// summarizer only ever looks at, and trims, history older than that
// boundary so an in-flight plan's own messages are never summarized
// out from under it.

const planDataType = "planner_result"

// DefaultSummarizeThreshold is the message-count gap (since the last
// plan boundary) at which TimeToSummarize reports true.
const DefaultSummarizeThreshold = 20

// SetSummarizeThreshold overrides DefaultSummarizeThreshold for this
// Blackboard. Zero means use the default.
func (b *Blackboard) SetSummarizeThreshold(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summarizeThreshold = n
}

func (b *Blackboard) lastPlanIndex() int {
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].DataType == planDataType {
			return i
		}
	}
	return -1
}

// MessagesBeforeLastPlan returns the messages appended before the most
// recent planner_result message. It returns nil when no planner_result
// message exists or when that message is the first one.
func (b *Blackboard) MessagesBeforeLastPlan() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.lastPlanIndex()
	if idx <= 0 {
		return nil
	}
	out := make([]Message, idx)
	copy(out, b.messages[:idx])
	return out
}

// RemoveMessagesBeforeLastPlan drops the messages before the most
// recent planner_result message, leaving that boundary message and
// everything after it intact.
func (b *Blackboard) RemoveMessagesBeforeLastPlan() {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.lastPlanIndex()
	if idx <= 0 {
		return
	}
	b.messages = append([]Message(nil), b.messages[idx:]...)
}

// TimeToSummarize reports whether enough messages have accumulated
// since the last plan boundary to warrant a summarization pass.
func (b *Blackboard) TimeToSummarize() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	threshold := b.summarizeThreshold
	if threshold <= 0 {
		threshold = DefaultSummarizeThreshold
	}
	idx := b.lastPlanIndex()
	if idx < 0 {
		return len(b.messages) >= threshold
	}
	return len(b.messages)-idx >= threshold
}
