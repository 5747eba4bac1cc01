// Package llm defines the narrow interface an agent turn uses to call
// a language model, independent of which provider backs it. Concrete
// implementations live in sibling packages (pkg/llm/anthropic,
// pkg/llm/openai) so the core orchestration packages never import a
// provider SDK directly.
package llm

import (
	"context"
	"strings"
)

// Message is one entry in a chat-style request, mirroring the
// role/content pairs every provider SDK accepts.
type Message struct {
	Role    string
	Content string
}

// Request is one structured-output LLM call.
type Request struct {
	Messages []Message

	// Schema is a JSON schema the response must conform to. Nil means
	// no structured-output constraint is requested (the call still
	// returns a map, typically with a single "text" key).
	Schema map[string]any

	// UseJSON mirrors the distinction the agent runtime makes between a
	// dict-producing JSON schema and a model-specific format hint that
	// is not itself a schema (e.g. a bare output-format string).
	UseJSON bool

	Engine      string
	Temperature float64
}

// Client is the contract every provider implementation satisfies.
type Client interface {
	// StructuredOutput runs req and returns the parsed result as a
	// generic map. Providers that return raw text when no schema was
	// supplied wrap it as {"text": "..."}.
	StructuredOutput(ctx context.Context, req Request) (map[string]any, error)
}

// quotaKeywords mirrors the substring list the agent runtime checks
// every LLM response and error against before deciding to abort the
// process.
var quotaKeywords = []string{
	"llm quota",
	"quota exceeded",
	"rate limit exceeded",
	"insufficient quota",
	"quota exhausted",
	"billing quota",
	"usage quota",
}

// IsQuotaExceeded reports whether text contains any of the known
// quota-exhaustion phrases. Matching is case-insensitive, since
// provider error strings vary in casing.
func IsQuotaExceeded(text string) (matched bool, keyword string) {
	if text == "" {
		return false, ""
	}
	lower := strings.ToLower(text)
	for _, kw := range quotaKeywords {
		if strings.Contains(lower, kw) {
			return true, kw
		}
	}
	return false, ""
}
