package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicDefaultMaxTokens fills the required max_tokens field when the
// caller did not set one.
const anthropicDefaultMaxTokens = 4096

func (c *Client) anthropicSDK(t Target) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(t.APIKey),
		option.WithHTTPClient(c.httpClient),
	}
	if t.APIBase != "" {
		opts = append(opts, option.WithBaseURL(t.APIBase))
	}
	return anthropic.NewClient(opts...)
}

func buildAnthropicParams(req Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if v, ok := asFloat(req.Params["max_tokens"]); ok {
		maxTokens = int(v)
	}
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Target.ModelID),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if v, ok := asFloat(req.Params["temperature"]); ok {
		params.Temperature = anthropic.Float(v)
	}
	if v, ok := asFloat(req.Params["top_p"]); ok {
		params.TopP = anthropic.Float(v)
	}

	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return params, err
	}
	params.Messages = msgs

	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	switch req.ToolChoice {
	case "", "auto", "none":
		// Provider default.
	case "required":
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice}}
	}
	return params, nil
}

func toAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if m.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		} else if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				return nil, fmt.Errorf("tool call %s arguments: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func toAnthropicTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("tool schema for %s: %w", t.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool schema for %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

// anthropicComplete runs a non-streaming call. Anthropic has no JSON response
// format, so jsonMode is ignored; callers steer output through the prompt.
func (c *Client) anthropicComplete(ctx context.Context, req Request) (*Completion, error) {
	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	sdk := c.anthropicSDK(req.Target)
	msg, err := sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	out := &Completion{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += variant.Text
		case anthropic.ToolUseBlock:
			args, err := json.Marshal(variant.Input)
			if err != nil {
				return nil, fmt.Errorf("tool use arguments: %w", err)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: string(args),
			})
		}
	}
	return out, nil
}

// anthropicStream opens a streaming call and feeds deltas to the benchmark
// consumer. Input tokens arrive in message_start, output tokens in the final
// message_delta.
func (c *Client) anthropicStream(ctx context.Context, req Request, deltas chan<- streamDelta) {
	defer close(deltas)

	params, err := buildAnthropicParams(req)
	if err != nil {
		deltas <- streamDelta{err: err}
		return
	}

	sdk := c.anthropicSDK(req.Target)
	stream := sdk.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	send := func(d streamDelta) bool {
		select {
		case deltas <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				if !send(streamDelta{promptTokens: int(start.Message.Usage.InputTokens)}) {
					return
				}
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				if !send(streamDelta{content: delta.Text}) {
					return
				}
			}
		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				if !send(streamDelta{outputTokens: int(delta.Usage.OutputTokens)}) {
					return
				}
			}
		case "message_stop":
			return
		}
	}
	if err := stream.Err(); err != nil {
		send(streamDelta{err: err})
	}
}
