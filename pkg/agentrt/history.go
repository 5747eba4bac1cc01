package agentrt

import (
	"fmt"
	"strings"

	"github.com/agentmesh/conductor/pkg/blackboard"
)

var recentHistoryTypes = map[string]struct{}{
	"tool_result":         {},
	"agent_result":        {},
	"tool_request":        {},
	"tool_result_summary": {},
	"agent_request":       {},
}

// buildRecentHistory compacts a scope's message log into one
// chronological string, substituting a tool_result_summary in place
// of the raw result it immediately follows (except the scope's very
// last message, which is always kept raw so the agent sees the full
// detail of whatever just happened).
func buildRecentHistory(messages []blackboard.Message) string {
	filtered := make([]blackboard.Message, 0, len(messages))
	for _, m := range messages {
		if _, ok := recentHistoryTypes[m.DataType]; ok {
			filtered = append(filtered, m)
		}
	}

	hasSummary := false
	for _, m := range filtered {
		if m.DataType == "tool_result_summary" {
			hasSummary = true
			break
		}
	}

	if !hasSummary {
		pieces := make([]string, 0, len(filtered))
		for _, m := range filtered {
			if c := strings.TrimSpace(m.Content); c != "" {
				pieces = append(pieces, c)
			}
		}
		return strings.TrimSpace(strings.Join(pieces, "\n\n"))
	}

	var pieces []string
	for i := 0; i < len(filtered); {
		m := filtered[i]
		switch m.DataType {
		case "tool_request", "agent_request":
			if c := strings.TrimSpace(m.Content); c != "" {
				pieces = append(pieces, c)
			}
			i++
		case "tool_result", "agent_result":
			isLast := i == len(filtered)-1
			if !isLast && filtered[i+1].DataType == "tool_result_summary" {
				if c := strings.TrimSpace(filtered[i+1].Content); c != "" {
					pieces = append(pieces, "SUMMARY CREATED: "+c)
				}
				i += 2
				continue
			}
			if c := strings.TrimSpace(m.Content); c != "" {
				pieces = append(pieces, c)
			}
			i++
		default:
			// A tool_result_summary not immediately following a raw
			// result has nothing to attach to and is dropped.
			i++
		}
	}
	return strings.TrimSpace(strings.Join(pieces, "\n\n"))
}

// finalAnswerResultTypes are the data types eligible to carry the
// "result" sub_data_type tag FinalAnswer treats as a high-signal final
// conclusion.
var finalAnswerResultTypes = map[string]struct{}{
	"agent_result":        {},
	"agent_response":      {},
	"agent_msg":           {},
	"planner_result":      {},
	"tool_result_summary": {},
}

// finalAnswerTailTypes are the data types eligible for the no-result
// fallback tail.
var finalAnswerTailTypes = map[string]struct{}{
	"agent_response": {},
	"agent_msg":      {},
}

const (
	finalAnswerResultTruncateChars = 8000
	finalAnswerTailTruncateChars   = 2000
	finalAnswerTailMessages        = 12
)

// buildFinalAnswerHistory trims a scope's message log to result-tagged
// agent/planner conclusions, each capped at finalAnswerResultTruncateChars,
// so a final-answer turn never has to read the full tool trace. When no
// result-tagged message exists it falls back to the last
// finalAnswerTailMessages agent-only messages, each capped at
// finalAnswerTailTruncateChars.
func buildFinalAnswerHistory(messages []blackboard.Message) string {
	filtered := make([]blackboard.Message, 0, len(messages))
	for _, m := range messages {
		if m.DataType == "tool_result" || m.DataType == "tool_request" {
			continue
		}
		filtered = append(filtered, m)
	}

	var results []blackboard.Message
	for _, m := range filtered {
		if m.SubDataType != "result" {
			continue
		}
		if _, ok := finalAnswerResultTypes[m.DataType]; !ok {
			continue
		}
		results = append(results, m)
	}

	var pieces []string
	if len(results) > 0 {
		for _, m := range results {
			content := strings.TrimSpace(m.Content)
			if content == "" {
				continue
			}
			sender := m.Sender
			if sender == "" {
				sender = "Agent"
			}
			pieces = append(pieces, fmt.Sprintf("=== %s FINAL RESULT ===\n%s", strings.ToUpper(sender), truncateText(content, finalAnswerResultTruncateChars)))
		}
		return strings.TrimSpace(strings.Join(pieces, "\n\n"))
	}

	var tail []blackboard.Message
	for _, m := range filtered {
		if _, ok := finalAnswerTailTypes[m.DataType]; ok {
			tail = append(tail, m)
		}
	}
	if len(tail) > finalAnswerTailMessages {
		tail = tail[len(tail)-finalAnswerTailMessages:]
	}
	for _, m := range tail {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		sender := m.Sender
		if sender == "" {
			sender = "Agent"
		}
		pieces = append(pieces, fmt.Sprintf("[%s] %s", sender, truncateText(content, finalAnswerTailTruncateChars)))
	}
	return strings.TrimSpace(strings.Join(pieces, "\n\n"))
}

func truncateText(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + "\n\n[truncated]"
}
