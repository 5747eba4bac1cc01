// Package openai adapts github.com/sashabaranov/go-openai to the
// pkg/llm.Client interface, using the Chat Completions API's native
// JSON-schema response format for structured-output requests.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/agentmesh/conductor/pkg/llm"
)

// Client implements llm.Client on top of the OpenAI Chat Completions
// API.
type Client struct {
	api          *openai.Client
	defaultModel string
}

// rawSchema adapts a plain decoded JSON-schema map to the
// json.Marshaler the go-openai SDK requires for a response format's
// Schema field.
type rawSchema map[string]any

func (s rawSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(s))
}

// New constructs a Client using apiKey and defaultModel as the engine
// fallback when a Request does not name one.
func New(apiKey, defaultModel string) *Client {
	return &Client{api: openai.NewClient(apiKey), defaultModel: defaultModel}
}

func (c *Client) StructuredOutput(ctx context.Context, req llm.Request) (map[string]any, error) {
	model := req.Engine
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
	}

	if req.UseJSON && req.Schema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "structured_output",
				Schema: rawSchema(req.Schema),
				Strict: true,
			},
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: chat completion returned no choices")
	}

	content := resp.Choices[0].Message.Content
	if req.UseJSON {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(content), &parsed); err != nil {
			return nil, fmt.Errorf("openai: parsing structured output: %w", err)
		}
		return parsed, nil
	}
	return map[string]any{"text": content}, nil
}
