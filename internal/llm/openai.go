package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// buildChatRequest maps a resolved Request onto the OpenAI wire format. The
// same shape serves every OpenAI-compatible endpoint (openrouter, groq,
// ollama, vllm) via a custom base URL.
func buildChatRequest(req Request, stream, jsonMode bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    req.Target.ModelID,
		Messages: toChatMessages(req),
		Stream:   stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if v, ok := asFloat(req.Params["temperature"]); ok {
		out.Temperature = float32(v)
	}
	if v, ok := asFloat(req.Params["top_p"]); ok {
		out.TopP = float32(v)
	}
	if v, ok := asFloat(req.Params["frequency_penalty"]); ok {
		out.FrequencyPenalty = float32(v)
	}
	if v, ok := asFloat(req.Params["presence_penalty"]); ok {
		out.PresencePenalty = float32(v)
	}
	if v, ok := asFloat(req.Params["max_tokens"]); ok {
		out.MaxTokens = int(v)
	}
	if v, ok := asFloat(req.Params["max_completion_tokens"]); ok {
		out.MaxTokens = 0
		out.MaxCompletionTokens = int(v)
	}
	if v, ok := asFloat(req.Params["seed"]); ok {
		seed := int(v)
		out.Seed = &seed
	}
	if stops, ok := req.Params["stop"].([]string); ok {
		out.Stop = stops
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.Tool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
		out.Tools = tools
	}
	switch req.ToolChoice {
	case "", "auto":
		// Provider default.
	case "none", "required":
		out.ToolChoice = req.ToolChoice
	default:
		out.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ToolChoice},
		}
	}

	if jsonMode {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

func toChatMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (c *Client) openaiComplete(ctx context.Context, req Request, jsonMode bool) (*Completion, error) {
	resp, err := c.openaiClient(req.Target).CreateChatCompletion(ctx, buildChatRequest(req, false, jsonMode))
	if err != nil {
		return nil, err
	}

	out := &Completion{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return out, nil
}
