package dialect

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ChatToResponsesRequest converts a Chat Completions request body into a
// Responses request body. Unknown fields pass through unchanged.
//
// Conversions:
//   - messages → input (content parts text→input_text, image_url→input_image
//     with the nested url flattened; role function→tool; null content → "")
//   - max_completion_tokens (preferred) or max_tokens → max_output_tokens,
//     nonzero values floored to 16
//   - tools: nested {"function":{...}} hoisted to flat fields
//   - tool_choice: {"function":{"name":...[,"arguments":...]}} flattened
//   - response_format stays top-level as {"type": kind, ...extras}
func ChatToResponsesRequest(body []byte) ([]byte, error) {
	out := body
	var err error

	if msgs := gjson.GetBytes(body, "messages"); msgs.IsArray() {
		input := make([]any, 0, len(msgs.Array()))
		for _, msg := range msgs.Array() {
			input = append(input, chatMessageToInputItem(msg))
		}
		if out, err = sjson.DeleteBytes(out, "messages"); err != nil {
			return nil, fmt.Errorf("dialect: drop messages: %w", err)
		}
		if out, err = sjson.SetBytes(out, "input", input); err != nil {
			return nil, fmt.Errorf("dialect: set input: %w", err)
		}
	}

	budget := gjson.GetBytes(out, "max_completion_tokens")
	if !budget.Exists() {
		budget = gjson.GetBytes(out, "max_tokens")
	}
	if budget.Exists() {
		v := budget.Int()
		if v != 0 && v < minOutputTokens {
			v = minOutputTokens
		}
		out, _ = sjson.DeleteBytes(out, "max_completion_tokens")
		out, _ = sjson.DeleteBytes(out, "max_tokens")
		if out, err = sjson.SetBytes(out, "max_output_tokens", v); err != nil {
			return nil, fmt.Errorf("dialect: set max_output_tokens: %w", err)
		}
	}

	if tools := gjson.GetBytes(out, "tools"); tools.IsArray() {
		flat := make([]any, 0, len(tools.Array()))
		for _, tool := range tools.Array() {
			flat = append(flat, flattenTool(tool))
		}
		if out, err = sjson.SetBytes(out, "tools", flat); err != nil {
			return nil, fmt.Errorf("dialect: set tools: %w", err)
		}
	}

	if tc := gjson.GetBytes(out, "tool_choice"); tc.IsObject() {
		if name := tc.Get("function.name"); name.Exists() {
			flat := map[string]any{
				"type": "function",
				"name": name.String(),
			}
			if args := tc.Get("function.arguments"); args.Exists() {
				flat["arguments"] = args.Value()
			}
			out, _ = sjson.SetBytes(out, "tool_choice", flat)
		}
	}

	// response_format is already {"type": kind, ...extras} on the wire and
	// Responses upstreams accept the same shape, so it passes through.

	return out, nil
}

// ResponsesToChatRequest converts a Responses request body into a Chat
// Completions body. Unknown fields pass through unchanged.
//
// Message extraction prefers an existing "messages" array, then
// "input.messages", then "input" (string or item array). A top-level
// "instructions" string becomes a leading system message. function_call and
// function_call_output input items map to assistant tool_calls and tool-role
// messages.
func ResponsesToChatRequest(body []byte) ([]byte, error) {
	out := body
	var err error

	messages, found := extractChatMessages(body)
	if found {
		out, _ = sjson.DeleteBytes(out, "input")
		if instr := gjson.GetBytes(out, "instructions"); instr.Type == gjson.String && instr.String() != "" {
			messages = append([]any{map[string]any{
				"role":    "system",
				"content": instr.String(),
			}}, messages...)
			out, _ = sjson.DeleteBytes(out, "instructions")
		}
		if out, err = sjson.SetBytes(out, "messages", messages); err != nil {
			return nil, fmt.Errorf("dialect: set messages: %w", err)
		}
	}

	if budget := gjson.GetBytes(out, "max_output_tokens"); budget.Exists() {
		out, _ = sjson.DeleteBytes(out, "max_output_tokens")
		if out, err = sjson.SetBytes(out, "max_tokens", budget.Int()); err != nil {
			return nil, fmt.Errorf("dialect: set max_tokens: %w", err)
		}
	}

	if tools := gjson.GetBytes(out, "tools"); tools.IsArray() {
		nested := make([]any, 0, len(tools.Array()))
		for _, tool := range tools.Array() {
			nested = append(nested, nestTool(tool))
		}
		if out, err = sjson.SetBytes(out, "tools", nested); err != nil {
			return nil, fmt.Errorf("dialect: set tools: %w", err)
		}
	}

	if tc := gjson.GetBytes(out, "tool_choice"); tc.IsObject() {
		if name := tc.Get("name"); name.Exists() && !tc.Get("function").Exists() {
			fn := map[string]any{"name": name.String()}
			if args := tc.Get("arguments"); args.Exists() {
				fn["arguments"] = args.Value()
			}
			out, _ = sjson.SetBytes(out, "tool_choice", map[string]any{
				"type":     "function",
				"function": fn,
			})
		}
	}

	if format := gjson.GetBytes(out, "text.format"); format.Exists() {
		out, _ = sjson.DeleteBytes(out, "text.format")
		if text := gjson.GetBytes(out, "text"); text.IsObject() && len(text.Map()) == 0 {
			out, _ = sjson.DeleteBytes(out, "text")
		}
		if out, err = sjson.SetBytes(out, "response_format", format.Value()); err != nil {
			return nil, fmt.Errorf("dialect: set response_format: %w", err)
		}
	}

	return out, nil
}

// StripResponsesOnlyFields removes conversation state fields a Chat upstream
// would reject.
func StripResponsesOnlyFields(body []byte) []byte {
	out := body
	for _, field := range responsesOnlyFields {
		out, _ = sjson.DeleteBytes(out, field)
	}
	return out
}

// NormalizeChatRequest coerces null message content to the empty string.
// Some clients send "content": null alongside tool_calls; strict upstreams
// reject the null.
func NormalizeChatRequest(body []byte) []byte {
	out := body
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return out
	}
	for i, msg := range msgs.Array() {
		content := msg.Get("content")
		if msg.Get("role").Exists() && content.Type == gjson.Null {
			out, _ = sjson.SetBytes(out, fmt.Sprintf("messages.%d.content", i), "")
		}
	}
	return out
}

// FlattenChatTools rewrites Chat-shaped nested tools in a Responses request
// body to the flat Responses form. Clients ported from Chat Completions often
// keep the nested shape when switching endpoints.
func FlattenChatTools(body []byte) []byte {
	tools := gjson.GetBytes(body, "tools")
	if !tools.IsArray() {
		return body
	}
	changed := false
	flat := make([]any, 0, len(tools.Array()))
	for _, tool := range tools.Array() {
		if tool.Get("function").Exists() {
			changed = true
		}
		flat = append(flat, flattenTool(tool))
	}
	if !changed {
		return body
	}
	out, err := sjson.SetBytes(body, "tools", flat)
	if err != nil {
		return body
	}
	return out
}

func chatMessageToInputItem(msg gjson.Result) map[string]any {
	item := make(map[string]any)
	for k, v := range msg.Map() {
		item[k] = v.Value()
	}

	if role := msg.Get("role").String(); role == "function" {
		item["role"] = "tool"
	}

	content := msg.Get("content")
	switch {
	case !content.Exists() || content.Type == gjson.Null:
		item["content"] = ""
	case content.IsArray():
		parts := make([]any, 0, len(content.Array()))
		for _, part := range content.Array() {
			parts = append(parts, chatPartToInputPart(part))
		}
		item["content"] = parts
	}
	return item
}

func chatPartToInputPart(part gjson.Result) any {
	switch part.Get("type").String() {
	case "text":
		return map[string]any{"type": "input_text", "text": part.Get("text").String()}
	case "image_url":
		out := map[string]any{
			"type":      "input_image",
			"image_url": part.Get("image_url.url").String(),
		}
		if detail := part.Get("image_url.detail"); detail.Exists() {
			out["detail"] = detail.String()
		}
		return out
	default:
		return part.Value()
	}
}

// extractChatMessages pulls a chat-shaped message list out of a Responses
// body. Returns false when the body has nothing convertible.
func extractChatMessages(body []byte) ([]any, bool) {
	if msgs := gjson.GetBytes(body, "messages"); msgs.IsArray() {
		return toAnySlice(msgs), true
	}
	if msgs := gjson.GetBytes(body, "input.messages"); msgs.IsArray() {
		return toAnySlice(msgs), true
	}

	input := gjson.GetBytes(body, "input")
	switch {
	case input.Type == gjson.String:
		return []any{map[string]any{"role": "user", "content": input.String()}}, true
	case input.IsArray():
		messages := make([]any, 0, len(input.Array()))
		for _, item := range input.Array() {
			messages = append(messages, inputItemToChatMessage(item))
		}
		return messages, true
	default:
		return nil, false
	}
}

func toAnySlice(arr gjson.Result) []any {
	out := make([]any, 0, len(arr.Array()))
	for _, v := range arr.Array() {
		out = append(out, v.Value())
	}
	return out
}

func inputItemToChatMessage(item gjson.Result) any {
	switch item.Get("type").String() {
	case "function_call":
		return map[string]any{
			"role":    "assistant",
			"content": "",
			"tool_calls": []any{map[string]any{
				"id":   item.Get("call_id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": item.Get("arguments").String(),
				},
			}},
		}
	case "function_call_output":
		return map[string]any{
			"role":         "tool",
			"tool_call_id": item.Get("call_id").String(),
			"content":      item.Get("output").String(),
		}
	}

	msg := make(map[string]any)
	for k, v := range item.Map() {
		if k == "type" {
			continue
		}
		msg[k] = v.Value()
	}

	content := item.Get("content")
	if content.IsArray() {
		parts := make([]any, 0, len(content.Array()))
		for _, part := range content.Array() {
			parts = append(parts, inputPartToChatPart(part))
		}
		msg["content"] = parts
	}
	if _, ok := msg["role"]; !ok {
		msg["role"] = "user"
	}
	return msg
}

func inputPartToChatPart(part gjson.Result) any {
	switch part.Get("type").String() {
	case "input_text", "output_text":
		return map[string]any{"type": "text", "text": part.Get("text").String()}
	case "input_image":
		img := map[string]any{"url": part.Get("image_url").String()}
		if detail := part.Get("detail"); detail.Exists() {
			img["detail"] = detail.String()
		}
		return map[string]any{"type": "image_url", "image_url": img}
	default:
		return part.Value()
	}
}

// flattenTool hoists a Chat-style nested function tool to the flat Responses
// form. Already-flat tools pass through.
func flattenTool(tool gjson.Result) any {
	fn := tool.Get("function")
	if !fn.Exists() {
		return tool.Value()
	}
	out := make(map[string]any)
	for k, v := range tool.Map() {
		if k == "function" {
			continue
		}
		out[k] = v.Value()
	}
	for k, v := range fn.Map() {
		out[k] = v.Value()
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "function"
	}
	return out
}

// nestTool converts a flat Responses tool back to the Chat nested form.
func nestTool(tool gjson.Result) any {
	if tool.Get("function").Exists() || tool.Get("type").String() != "function" {
		return tool.Value()
	}
	fn := make(map[string]any)
	for _, k := range []string{"name", "description", "parameters", "strict"} {
		if v := tool.Get(k); v.Exists() {
			fn[k] = v.Value()
		}
	}
	return map[string]any{"type": "function", "function": fn}
}
