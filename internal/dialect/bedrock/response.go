package bedrock

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nulpointcorp/routiium/internal/dialect"
	"github.com/tidwall/gjson"
)

// ParseResponse converts a native Bedrock reply into a Chat Completions
// reply for the given model.
func ParseResponse(modelID string, data []byte) ([]byte, error) {
	provider, err := ProviderFor(modelID)
	if err != nil {
		return nil, err
	}

	var msg dialect.ChatMessage
	var finish string
	var usage *dialect.Usage

	switch provider {
	case ProviderAnthropic:
		msg, finish, usage, err = parseAnthropic(data)
	case ProviderTitan:
		msg, finish, usage, err = parseTitan(data)
	case ProviderMeta:
		msg, finish, usage, err = parseMeta(data)
	case ProviderMistral:
		msg, finish, usage, err = parseMistral(data)
	}
	if err != nil {
		return nil, err
	}

	resp := dialect.ChatResponse{
		ID:      dialect.NewChatID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []dialect.ChatChoice{{Message: msg, FinishReason: finish}},
		Usage:   usage,
	}
	return json.Marshal(resp)
}

// parseContentBlocks handles the Anthropic-style content array shared by
// Claude and newer Mistral replies: text blocks joined by newlines, tool_use
// blocks mapped to tool calls.
func parseContentBlocks(content gjson.Result) (dialect.ChatMessage, bool) {
	if !content.IsArray() {
		return dialect.ChatMessage{}, false
	}

	text := ""
	var toolCalls []dialect.ToolCall
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			if text != "" {
				text += "\n"
			}
			text += block.Get("text").String()
		case "tool_use":
			args, err := json.Marshal(block.Get("input").Value())
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, dialect.ToolCall{
				ID:   block.Get("id").String(),
				Type: "function",
				Function: dialect.ToolFunction{
					Name:      block.Get("name").String(),
					Arguments: string(args),
				},
			})
		}
	}

	msg := dialect.ChatMessage{Role: "assistant", ToolCalls: toolCalls}
	// Content stays null only for pure tool-call replies.
	if text != "" || len(toolCalls) == 0 {
		msg.Content = &text
	}
	return msg, true
}

func parseAnthropic(data []byte) (dialect.ChatMessage, string, *dialect.Usage, error) {
	content := gjson.GetBytes(data, "content")
	msg, ok := parseContentBlocks(content)
	if !ok {
		return dialect.ChatMessage{}, "", nil, fmt.Errorf("bedrock: anthropic reply has no content array")
	}

	finish := "stop"
	switch gjson.GetBytes(data, "stop_reason").String() {
	case "end_turn", "":
		finish = "stop"
	case "max_tokens":
		finish = "length"
	case "tool_use":
		finish = "tool_calls"
	default:
		finish = gjson.GetBytes(data, "stop_reason").String()
	}

	var usage *dialect.Usage
	if u := gjson.GetBytes(data, "usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		usage = &dialect.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return msg, finish, usage, nil
}

func parseTitan(data []byte) (dialect.ChatMessage, string, *dialect.Usage, error) {
	result := gjson.GetBytes(data, "results.0")
	if !result.Exists() {
		return dialect.ChatMessage{}, "", nil, fmt.Errorf("bedrock: titan reply has no results")
	}

	text := result.Get("outputText").String()
	finish := "stop"
	if result.Get("completionReason").String() == "LENGTH" {
		finish = "length"
	}

	var usage *dialect.Usage
	in := int(gjson.GetBytes(data, "inputTextTokenCount").Int())
	out := int(result.Get("tokenCount").Int())
	if in > 0 || out > 0 {
		usage = &dialect.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return dialect.ChatMessage{Role: "assistant", Content: &text}, finish, usage, nil
}

func parseMeta(data []byte) (dialect.ChatMessage, string, *dialect.Usage, error) {
	generation := gjson.GetBytes(data, "generation")
	if !generation.Exists() {
		return dialect.ChatMessage{}, "", nil, fmt.Errorf("bedrock: meta reply has no generation")
	}

	text := generation.String()
	finish := "stop"
	if gjson.GetBytes(data, "stop_reason").String() == "length" {
		finish = "length"
	}

	var usage *dialect.Usage
	in := int(gjson.GetBytes(data, "prompt_token_count").Int())
	out := int(gjson.GetBytes(data, "generation_token_count").Int())
	if in > 0 || out > 0 {
		usage = &dialect.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return dialect.ChatMessage{Role: "assistant", Content: &text}, finish, usage, nil
}

func parseMistral(data []byte) (dialect.ChatMessage, string, *dialect.Usage, error) {
	// Newer Mistral models reply with Anthropic-style content blocks.
	if msg, ok := parseContentBlocks(gjson.GetBytes(data, "content")); ok {
		finish := "stop"
		if len(msg.ToolCalls) > 0 {
			finish = "tool_calls"
		} else if gjson.GetBytes(data, "stop_reason").String() == "max_tokens" {
			finish = "length"
		}
		return msg, finish, mistralUsage(data), nil
	}

	output := gjson.GetBytes(data, "outputs.0")
	if !output.Exists() {
		return dialect.ChatMessage{}, "", nil, fmt.Errorf("bedrock: mistral reply has no outputs")
	}

	text := output.Get("text").String()
	finish := "stop"
	switch output.Get("stop_reason").String() {
	case "length", "max_tokens":
		finish = "length"
	}
	return dialect.ChatMessage{Role: "assistant", Content: &text}, finish, mistralUsage(data), nil
}

func mistralUsage(data []byte) *dialect.Usage {
	u := gjson.GetBytes(data, "usage")
	if !u.Exists() {
		return nil
	}
	in := int(u.Get("prompt_tokens").Int())
	if in == 0 {
		in = int(u.Get("input_tokens").Int())
	}
	out := int(u.Get("completion_tokens").Int())
	if out == 0 {
		out = int(u.Get("output_tokens").Int())
	}
	return &dialect.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}
