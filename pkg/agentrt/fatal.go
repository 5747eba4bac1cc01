package agentrt

import "github.com/agentmesh/conductor/pkg/fatal"

// fatalNoSystemPrompt aborts the process when an agent has no system
// prompt template configured at all; a turn cannot proceed without
// one, and no caller tolerates the missing-prompt error as recoverable.
func fatalNoSystemPrompt(agentName string) {
	fatal.Exit(1, "agentrt: no system prompt template configured", "agent", agentName)
}
