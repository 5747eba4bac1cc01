package agentrt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/registry"
)

func TestBuildRecentHistoryCompactsWithoutSummary(t *testing.T) {
	messages := []blackboard.Message{
		{DataType: "tool_request", Content: "call search"},
		{DataType: "tool_result", Content: "here are the results"},
		{DataType: "other", Content: "should be dropped"},
	}
	got := buildRecentHistory(messages)
	assert.Equal(t, "call search\n\nhere are the results", got)
}

func TestBuildRecentHistorySubstitutesSummaryExceptForLastMessage(t *testing.T) {
	messages := []blackboard.Message{
		{DataType: "tool_request", Content: "call search"},
		{DataType: "tool_result", Content: "raw result one"},
		{DataType: "tool_result_summary", Content: "summary one"},
		{DataType: "tool_request", Content: "call search again"},
		{DataType: "tool_result", Content: "raw result two"},
	}
	got := buildRecentHistory(messages)
	assert.Contains(t, got, "SUMMARY CREATED: summary one")
	assert.Contains(t, got, "raw result two")
	assert.NotContains(t, got, "raw result one")
}

func TestBuildFinalAnswerHistoryPrefersResultTaggedMessages(t *testing.T) {
	messages := []blackboard.Message{
		{DataType: "tool_request", Content: "call search"},
		{DataType: "tool_result", Content: "raw tool chatter"},
		{DataType: "agent_response", Sender: "planner", SubDataType: "result", Content: "the final conclusion"},
	}
	got := buildFinalAnswerHistory(messages)
	assert.Contains(t, got, "=== PLANNER FINAL RESULT ===")
	assert.Contains(t, got, "the final conclusion")
	assert.NotContains(t, got, "raw tool chatter")
}

func TestBuildFinalAnswerHistoryTruncatesResultMessages(t *testing.T) {
	longContent := strings.Repeat("x", finalAnswerResultTruncateChars+500)
	messages := []blackboard.Message{
		{DataType: "agent_response", Sender: "planner", SubDataType: "result", Content: longContent},
	}
	got := buildFinalAnswerHistory(messages)
	assert.Contains(t, got, "[truncated]")
	assert.Less(t, len(got), len(longContent))
}

func TestBuildFinalAnswerHistoryFallsBackToTailWhenNoResultTagged(t *testing.T) {
	messages := []blackboard.Message{
		{DataType: "agent_msg", Sender: "worker", Content: "intermediate note one"},
		{DataType: "tool_result", Content: "should never appear"},
		{DataType: "agent_response", Sender: "planner", Content: "intermediate note two"},
	}
	got := buildFinalAnswerHistory(messages)
	assert.Contains(t, got, "[worker] intermediate note one")
	assert.Contains(t, got, "[planner] intermediate note two")
	assert.NotContains(t, got, "should never appear")
}

func TestBuildFinalAnswerHistoryTailCapsAtTwelveMessages(t *testing.T) {
	messages := make([]blackboard.Message, 0, 20)
	for i := 0; i < 20; i++ {
		messages = append(messages, blackboard.Message{DataType: "agent_msg", Sender: "worker", Content: "note"})
	}
	got := buildFinalAnswerHistory(messages)
	assert.Equal(t, finalAnswerTailMessages, strings.Count(got, "[worker] note"))
}

func TestGenerateInjectionsBlockUsesFinalAnswerHistoryWhenConfigured(t *testing.T) {
	bb := blackboard.New()
	bb.AddMsg(blackboard.Message{DataType: "agent_response", Sender: "planner", SubDataType: "result", Content: "final conclusion"})
	bb.AddMsg(blackboard.Message{DataType: "tool_result", Content: "raw tool chatter"})

	agents := newFakeRegistry()
	cfg := registry.AgentConfig{Name: "final_answer", FinalAnswerHistory: true}
	agent := newTestAgent("final_answer", cfg, bb, &fakeLLMClient{}, agents)

	ctx, err := agent.generateInjectionsBlock([]string{"recent_history"}, &blackboard.Message{})
	assert := assert.New(t)
	assert.NoError(err)
	history, _ := ctx["recent_history"].(string)
	assert.Contains(history, "FINAL RESULT")
	assert.NotContains(history, "raw tool chatter")
}

func TestGenerateInjectionsBlockUsesDefaultHistoryWhenNotConfigured(t *testing.T) {
	bb := blackboard.New()
	bb.AddMsg(blackboard.Message{DataType: "tool_request", Content: "call search"})
	bb.AddMsg(blackboard.Message{DataType: "tool_result", Content: "raw result"})

	agents := newFakeRegistry()
	cfg := registry.AgentConfig{Name: "planner"}
	agent := newTestAgent("planner", cfg, bb, &fakeLLMClient{}, agents)

	ctx, err := agent.generateInjectionsBlock([]string{"recent_history"}, &blackboard.Message{})
	assert := assert.New(t)
	assert.NoError(err)
	history, _ := ctx["recent_history"].(string)
	assert.Contains(history, "raw result")
	assert.NotContains(history, "FINAL RESULT")
}
