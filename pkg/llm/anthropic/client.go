// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to
// the pkg/llm.Client interface. Anthropic's Messages API has no native
// "respond as JSON matching this schema" mode, so a structured-output
// request is encoded as a forced single-tool call: the schema becomes
// that tool's input schema, and the model's tool_use input is returned
// as the result map.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentmesh/conductor/pkg/llm"
)

const structuredOutputToolName = "structured_output"

// Client implements llm.Client on top of the Anthropic Messages API.
type Client struct {
	messages     sdk.MessageService
	defaultModel string
	maxTokens    int64
}

// New constructs a Client. defaultModel is used whenever a Request
// does not name an engine; maxTokens bounds every completion.
func New(apiKey, defaultModel string, maxTokens int64) *Client {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{messages: c.Messages, defaultModel: defaultModel, maxTokens: maxTokens}
}

func (c *Client) StructuredOutput(ctx context.Context, req llm.Request) (map[string]any, error) {
	model := req.Engine
	if model == "" {
		model = c.defaultModel
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: c.maxTokens,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	var sdkMessages []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			sdkMessages = append(sdkMessages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			sdkMessages = append(sdkMessages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	params.Messages = sdkMessages

	if req.UseJSON && req.Schema != nil {
		params.Tools = []sdk.ToolUnionParam{
			sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: req.Schema}, structuredOutputToolName),
		}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(structuredOutputToolName)
	}

	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	return extractResult(msg)
}

func extractResult(msg *sdk.Message) (map[string]any, error) {
	var text string
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			var input map[string]any
			if err := json.Unmarshal(block.Input, &input); err != nil {
				return map[string]any{"raw_input": string(block.Input)}, nil
			}
			return input, nil
		case "text":
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("anthropic: response had no tool_use or text content")
	}
	return map[string]any{"text": text}, nil
}
