// Package bedrock converts Chat Completions requests into AWS Bedrock native
// model payloads and Bedrock replies back into Chat Completions replies.
//
// Each model family on Bedrock speaks its own body format, so conversion
// dispatches on the model id prefix: anthropic.*, amazon.titan*, meta.* and
// mistral.* are supported; ai21.* and cohere.* are recognised but not yet
// implemented.
package bedrock

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Provider identifies a Bedrock model family.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderTitan     Provider = "titan"
	ProviderMeta      Provider = "meta"
	ProviderMistral   Provider = "mistral"
)

const anthropicVersion = "bedrock-2023-05-31"

const defaultAnthropicMaxTokens = 4096

// ProviderFor maps a Bedrock model id to its family. Cross-region inference
// prefixes (us., eu., apac.) are skipped before matching.
func ProviderFor(modelID string) (Provider, error) {
	id := modelID
	for _, region := range []string{"us.", "eu.", "apac."} {
		if rest, ok := strings.CutPrefix(id, region); ok {
			id = rest
			break
		}
	}

	switch {
	case strings.HasPrefix(id, "anthropic."):
		return ProviderAnthropic, nil
	case strings.HasPrefix(id, "amazon.titan"):
		return ProviderTitan, nil
	case strings.HasPrefix(id, "meta."):
		return ProviderMeta, nil
	case strings.HasPrefix(id, "mistral."):
		return ProviderMistral, nil
	case strings.HasPrefix(id, "ai21."), strings.HasPrefix(id, "cohere."):
		return "", fmt.Errorf("bedrock: provider for %s not yet implemented", modelID)
	default:
		return "", fmt.Errorf("bedrock: unsupported model %s", modelID)
	}
}

// BuildRequest converts a Chat Completions request body into the native
// payload for the model named in the body. It returns the model id, the
// payload and the detected provider.
func BuildRequest(chatBody []byte) (modelID string, payload []byte, provider Provider, err error) {
	modelID = gjson.GetBytes(chatBody, "model").String()
	if modelID == "" {
		return "", nil, "", fmt.Errorf("bedrock: request has no model")
	}
	provider, err = ProviderFor(modelID)
	if err != nil {
		return "", nil, "", err
	}

	var body map[string]any
	switch provider {
	case ProviderAnthropic:
		body, err = buildAnthropic(chatBody)
	case ProviderTitan:
		body, err = buildTitan(chatBody)
	case ProviderMeta:
		body, err = buildMeta(chatBody)
	case ProviderMistral:
		body, err = buildMistral(chatBody)
	}
	if err != nil {
		return "", nil, "", err
	}

	payload, err = json.Marshal(body)
	if err != nil {
		return "", nil, "", fmt.Errorf("bedrock: marshal payload: %w", err)
	}
	return modelID, payload, provider, nil
}

func maxTokens(body []byte, fallback int64) int64 {
	if v := gjson.GetBytes(body, "max_tokens"); v.Exists() && v.Int() > 0 {
		return v.Int()
	}
	if v := gjson.GetBytes(body, "max_completion_tokens"); v.Exists() && v.Int() > 0 {
		return v.Int()
	}
	return fallback
}

// ─── Anthropic (Claude on Bedrock, Messages API) ─────────────────────────────

func buildAnthropic(chatBody []byte) (map[string]any, error) {
	var systems []string
	var messages []any

	for _, msg := range gjson.GetBytes(chatBody, "messages").Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "system", "developer":
			systems = append(systems, contentText(content))

		case "tool":
			// Tool replies travel back as user messages carrying a native
			// tool_result block keyed by the originating tool_use id.
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": msg.Get("tool_call_id").String(),
					"content":     contentText(content),
				}},
			})

		case "function":
			text := fmt.Sprintf("Function %s result: %s", msg.Get("name").String(), contentText(content))
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": []any{map[string]any{"type": "text", "text": text}},
			})

		default:
			out := "user"
			if role == "assistant" {
				out = "assistant"
			}

			var parts []any
			if contentText(content) != "" || content.IsArray() {
				parts = anthropicContent(content)
			}
			if role == "assistant" {
				for _, call := range msg.Get("tool_calls").Array() {
					var input any
					if err := json.Unmarshal([]byte(call.Get("function.arguments").String()), &input); err != nil {
						input = map[string]any{}
					}
					parts = append(parts, map[string]any{
						"type":  "tool_use",
						"id":    call.Get("id").String(),
						"name":  call.Get("function.name").String(),
						"input": input,
					})
				}
			}
			if len(parts) == 0 {
				parts = []any{map[string]any{"type": "text", "text": ""}}
			}
			messages = append(messages, map[string]any{
				"role":    out,
				"content": parts,
			})
		}
	}

	body := map[string]any{
		"anthropic_version": anthropicVersion,
		"max_tokens":        maxTokens(chatBody, defaultAnthropicMaxTokens),
		"messages":          messages,
	}
	if len(systems) > 0 {
		body["system"] = strings.Join(systems, "\n")
	}
	if v := gjson.GetBytes(chatBody, "temperature"); v.Exists() {
		body["temperature"] = v.Float()
	}
	if v := gjson.GetBytes(chatBody, "top_p"); v.Exists() {
		body["top_p"] = v.Float()
	}
	if stop := stopSequences(chatBody); len(stop) > 0 {
		body["stop_sequences"] = stop
	}

	if tools := gjson.GetBytes(chatBody, "tools"); tools.IsArray() && len(tools.Array()) > 0 {
		converted := make([]any, 0, len(tools.Array()))
		for _, tool := range tools.Array() {
			name := tool.Get("function.name").String()
			desc := tool.Get("function.description").String()
			if desc == "" {
				desc = name
			}
			entry := map[string]any{"name": name, "description": desc}
			if params := tool.Get("function.parameters"); params.Exists() {
				entry["input_schema"] = params.Value()
			} else {
				entry["input_schema"] = map[string]any{"type": "object"}
			}
			converted = append(converted, entry)
		}
		body["tools"] = converted

		if choice := anthropicToolChoice(gjson.GetBytes(chatBody, "tool_choice")); choice != nil {
			body["tool_choice"] = choice
		}
	}

	return body, nil
}

func anthropicToolChoice(tc gjson.Result) map[string]any {
	switch {
	case tc.Type == gjson.String:
		switch tc.String() {
		case "auto":
			return map[string]any{"type": "auto"}
		case "any", "required":
			return map[string]any{"type": "any"}
		default: // "none" and unknown values
			return nil
		}
	case tc.IsObject():
		if name := tc.Get("function.name").String(); name != "" {
			return map[string]any{"type": "tool", "name": name}
		}
	}
	return nil
}

func anthropicContent(content gjson.Result) []any {
	if !content.IsArray() {
		return []any{map[string]any{"type": "text", "text": contentText(content)}}
	}

	parts := make([]any, 0, len(content.Array()))
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"type": "text", "text": part.Get("text").String()})
		case "image_url":
			url := part.Get("image_url.url").String()
			if mediaType, data, ok := parseDataURL(url); ok {
				parts = append(parts, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": mediaType,
						"data":       data,
					},
				})
			} else {
				parts = append(parts, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "url", "url": url},
				})
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, map[string]any{"type": "text", "text": ""})
	}
	return parts
}

// ─── Amazon Titan ─────────────────────────────────────────────────────────────

func buildTitan(chatBody []byte) (map[string]any, error) {
	var prompt strings.Builder
	for _, msg := range gjson.GetBytes(chatBody, "messages").Array() {
		text := contentText(msg.Get("content"))
		switch msg.Get("role").String() {
		case "system", "developer":
			prompt.WriteString("System: " + text + "\n")
		case "assistant":
			prompt.WriteString("Assistant: " + text + "\n")
		default:
			prompt.WriteString("User: " + text + "\n")
		}
	}
	prompt.WriteString("Assistant: ")

	cfg := map[string]any{
		"maxTokenCount": maxTokens(chatBody, 512),
		"temperature":   floatOr(chatBody, "temperature", 0.7),
		"topP":          floatOr(chatBody, "top_p", 0.9),
	}
	return map[string]any{
		"inputText":            prompt.String(),
		"textGenerationConfig": cfg,
	}, nil
}

// ─── Meta (Llama) ─────────────────────────────────────────────────────────────

func buildMeta(chatBody []byte) (map[string]any, error) {
	var prompt strings.Builder
	prompt.WriteString("<s>[INST] ")

	var systems []string
	for _, msg := range gjson.GetBytes(chatBody, "messages").Array() {
		if role := msg.Get("role").String(); role == "system" || role == "developer" {
			systems = append(systems, contentText(msg.Get("content")))
		}
	}
	if len(systems) > 0 {
		prompt.WriteString("<<SYS>>\n" + strings.Join(systems, "\n") + "\n<</SYS>>\n\n")
	}

	for _, msg := range gjson.GetBytes(chatBody, "messages").Array() {
		text := contentText(msg.Get("content"))
		switch msg.Get("role").String() {
		case "user":
			prompt.WriteString(text + " [/INST]")
		case "assistant":
			prompt.WriteString(" " + text + " </s><s>[INST] ")
		}
	}

	return map[string]any{
		"prompt":      prompt.String(),
		"max_gen_len": maxTokens(chatBody, 512),
		"temperature": floatOr(chatBody, "temperature", 0.5),
		"top_p":       floatOr(chatBody, "top_p", 0.9),
	}, nil
}

// ─── Mistral ──────────────────────────────────────────────────────────────────

func buildMistral(chatBody []byte) (map[string]any, error) {
	var messages []any
	for _, msg := range gjson.GetBytes(chatBody, "messages").Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "tool":
			messages = append(messages, map[string]any{
				"role":    "tool",
				"name":    msg.Get("tool_call_id").String(),
				"content": contentText(content),
			})
			continue
		case "function":
			messages = append(messages, map[string]any{
				"role":    "tool",
				"name":    msg.Get("name").String(),
				"content": contentText(content),
			})
			continue
		}

		entry := map[string]any{"role": role}
		if content.IsArray() {
			entry["content"] = mistralContent(content)
		} else {
			entry["content"] = contentText(content)
		}

		// Assistant tool calls become tool_use parts on an array content.
		if calls := msg.Get("tool_calls"); calls.IsArray() && len(calls.Array()) > 0 {
			parts, _ := entry["content"].([]any)
			if parts == nil {
				if text := contentText(content); text != "" {
					parts = []any{map[string]any{"type": "text", "text": text}}
				}
			}
			for _, call := range calls.Array() {
				var args any
				if err := json.Unmarshal([]byte(call.Get("function.arguments").String()), &args); err != nil {
					args = call.Get("function.arguments").String()
				}
				parts = append(parts, map[string]any{
					"type":  "tool_use",
					"id":    call.Get("id").String(),
					"name":  call.Get("function.name").String(),
					"input": args,
				})
			}
			entry["content"] = parts
		}

		messages = append(messages, entry)
	}

	body := map[string]any{
		"messages":   messages,
		"max_tokens": maxTokens(chatBody, 512),
	}
	if v := gjson.GetBytes(chatBody, "temperature"); v.Exists() {
		body["temperature"] = v.Float()
	}
	if v := gjson.GetBytes(chatBody, "top_p"); v.Exists() {
		body["top_p"] = v.Float()
	}
	if tools := gjson.GetBytes(chatBody, "tools"); tools.IsArray() && len(tools.Array()) > 0 {
		converted := make([]any, 0, len(tools.Array()))
		for _, tool := range tools.Array() {
			converted = append(converted, map[string]any{
				"type":     "function",
				"function": tool.Get("function").Value(),
			})
		}
		body["tools"] = converted
	}
	return body, nil
}

func mistralContent(content gjson.Result) []any {
	parts := make([]any, 0, len(content.Array()))
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"type": "text", "text": part.Get("text").String()})
		case "image_url":
			url := part.Get("image_url.url").String()
			if mediaType, data, ok := parseDataURL(url); ok {
				parts = append(parts, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": mediaType,
						"data":       data,
					},
				})
			} else {
				parts = append(parts, map[string]any{"type": "image_url", "image_url": url})
			}
		}
	}
	return parts
}

// ─── Shared helpers ───────────────────────────────────────────────────────────

// contentText reduces string-or-parts content to plain text.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var texts []string
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text", "input_text":
			texts = append(texts, part.Get("text").String())
		}
	}
	return strings.Join(texts, "\n")
}

func stopSequences(body []byte) []string {
	stop := gjson.GetBytes(body, "stop")
	switch {
	case stop.Type == gjson.String:
		return []string{stop.String()}
	case stop.IsArray():
		out := make([]string, 0, len(stop.Array()))
		for _, s := range stop.Array() {
			out = append(out, s.String())
		}
		return out
	default:
		return nil
	}
}

func floatOr(body []byte, path string, fallback float64) float64 {
	if v := gjson.GetBytes(body, path); v.Exists() {
		return v.Float()
	}
	return fallback
}

// parseDataURL splits a data: URL into media type and base64 payload. The
// media type is sniffed from the URL header, defaulting to image/jpeg.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}

	mediaType = "image/jpeg"
	for _, mt := range []string{"image/jpeg", "image/png", "image/gif", "image/webp"} {
		if strings.Contains(header, mt) {
			mediaType = mt
			break
		}
	}
	// Tolerate both raw and base64-tagged payloads.
	if !strings.Contains(header, "base64") {
		payload = base64.StdEncoding.EncodeToString([]byte(payload))
	}
	return mediaType, payload, true
}
